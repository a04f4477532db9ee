package scattergather

import (
	"context"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// Logger receives debug-level events for completion attempts, e.g.
		// probe and claim outcomes. **Defaults to no logging, if nil, or
		// Config is nil.** Use [logiface.Logger.Logger] to generify a typed
		// logger.
		Logger *logiface.Logger[logiface.Event]
	}

	// CompletionHandler is called by the gateway call that observes the
	// operation as complete and wins the completion claim for the epoch,
	// receiving the request context supplied to the most recent
	// [Gateway.BeginScatter].
	//
	// An error will leave the completion claim in place, meaning a retry of
	// the same operation, from the same call site, will re-enter the
	// critical section, and run the handler again. Handlers requiring strict
	// exactly-once semantics must therefore be idempotent.
	CompletionHandler func(ctx context.Context, requestContext string) error

	// Gateway coordinates scatter-gather operations against a shared
	// [Storage]. Instances must be initialized using the New factory, are
	// safe for concurrent use, and hold no state between calls, beyond the
	// storage itself.
	Gateway struct {
		storage Storage
		logger  *logiface.Logger[logiface.Event]
	}
)

// New initializes a new Gateway, using the provided Config and Storage. The
// provided config may be nil. A panic will occur if storage is nil.
func New(config *Config, storage Storage) *Gateway {
	if storage == nil {
		panic(`scattergather: nil storage`)
	}
	gateway := Gateway{storage: storage}
	if config != nil {
		gateway.logger = config.Logger
	}
	return &gateway
}

// BeginScatter starts a new epoch for the given request id, first erasing
// any residual state from a prior epoch with the same id, then inserting a
// fresh request row, carrying the given request context.
//
// It serves both first-time creation, and the "retry with a new set of
// parts" scenario: parts added before this call can no longer trigger
// completion, and the handler of the new epoch will receive requestContext,
// as given. The request context is written once, here - mutating it
// mid-epoch (by calling BeginScatter concurrently with other operations on
// the same id) is undefined.
//
// A panic will occur if requestID is empty.
func (x *Gateway) BeginScatter(ctx context.Context, requestID RequestID, requestContext string) error {
	if requestID == `` {
		panic(`scattergather: empty request id`)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// parts first, so part rows never outlive their request row
	if err := x.deleteAllParts(ctx, requestID); err != nil {
		return err
	}
	if err := x.storage.DeleteRequest(ctx, requestID); err != nil {
		return err
	}

	return x.storage.PutRequest(ctx, requestID, requestContext, time.Now().UTC())
}

// Scatter adds parts to the given request, then calls callback, e.g. to
// hand the parts off to workers. The parts are durable before callback
// runs - the reverse order would allow a fast worker to gather a part whose
// row does not yet exist, and fire completion prematurely.
//
// Duplicate part ids, within or across Scatter calls, are tolerated. The
// partIDs slice may be empty, and callback may be nil, in which case only
// the applicable side effect occurs. Storage errors abort before the
// callback; the callback's own error is returned unchanged.
//
// Note that parts are inserted without checking that the request row still
// exists, so a Scatter racing a completed (cleaned up) epoch can write
// orphan part rows. Such orphans are erased by the next BeginScatter for
// the same id.
//
// A panic will occur if requestID is empty.
func (x *Gateway) Scatter(ctx context.Context, requestID RequestID, partIDs []PartID, callback func(ctx context.Context) error) error {
	if requestID == `` {
		panic(`scattergather: empty request id`)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := x.storage.PutParts(ctx, requestID, partIDs); err != nil {
		return err
	}

	if callback != nil {
		return callback(ctx)
	}

	return nil
}

// EndScatter declares that no further Scatter calls are expected for the
// given request, then attempts completion, invoking handler if this call is
// the one that observes the operation as complete (e.g. if nothing was
// scattered, or every part was gathered before this call).
//
// The returned completed value indicates whether handler ran (from this
// call) and returned successfully. See [Gateway.Gather] regarding errors
// after a successful handler.
//
// A panic will occur if requestID is empty, or handler is nil.
func (x *Gateway) EndScatter(ctx context.Context, requestID RequestID, handler CompletionHandler) (completed bool, err error) {
	if requestID == `` {
		panic(`scattergather: empty request id`)
	}
	if handler == nil {
		panic(`scattergather: nil completion handler`)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if err := x.storage.MarkScatterCompleted(ctx, requestID); err != nil {
		return false, err
	}

	return x.tryComplete(ctx, requestID, `EndScatter-`+string(requestID), handler)
}

// Gather removes the given parts from the request, then attempts
// completion, invoking handler if this call observed the last outstanding
// part removed (after [Gateway.EndScatter]). Gathering already-absent
// parts is not an error, and a duplicate gather cannot re-fire completion.
//
// The completion critical section is keyed on the first part id: a retry
// of a failed Gather must present the same leading part id to be
// recognized as re-entrant. On (completed true, non-nil error), the
// handler ran but cleanup did not finish; retrying the same call drives
// cleanup to completion, re-running the handler.
//
// A panic will occur if requestID is empty, partIDs is empty, or handler
// is nil.
func (x *Gateway) Gather(ctx context.Context, requestID RequestID, partIDs []PartID, handler CompletionHandler) (completed bool, err error) {
	if requestID == `` {
		panic(`scattergather: empty request id`)
	}
	if len(partIDs) == 0 {
		panic(`scattergather: gather requires at least one part id`)
	}
	if handler == nil {
		panic(`scattergather: nil completion handler`)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	// deletion must precede completion detection, or the parts would still
	// appear outstanding
	if err := x.storage.DeleteParts(ctx, requestID, partIDs); err != nil {
		return false, err
	}

	return x.tryComplete(ctx, requestID, `Gather-`+string(partIDs[0]), handler)
}

// tryComplete runs the completion protocol: a strongly-consistent emptiness
// probe, then the conditional claim, then (with claim in hand) the handler,
// then cleanup. The probe avoids redundant claim attempts in the common
// case of many outstanding parts; the claim elects exactly one winner among
// concurrent callers that all observe empty.
func (x *Gateway) tryComplete(ctx context.Context, requestID RequestID, lockerID string, handler CompletionHandler) (bool, error) {
	if any, err := x.storage.AnyParts(ctx, requestID); err != nil {
		return false, err
	} else if any {
		x.logger.Debug().
			Str(`requestId`, string(requestID)).
			Str(`lockerId`, lockerID).
			Log(`completion deferred: parts outstanding`)
		return false, nil
	}

	requestContext, claimed, err := x.storage.TryClaimRequest(ctx, requestID, lockerID)
	if err != nil {
		return false, err
	}
	if !claimed {
		x.logger.Debug().
			Str(`requestId`, string(requestID)).
			Str(`lockerId`, lockerID).
			Log(`completion deferred: claim not won`)
		return false, nil
	}

	// claim in hand - a handler error leaves the locker set, so a retry
	// from the same call site re-enters here
	if err := handler(ctx, requestContext); err != nil {
		x.logger.Debug().
			Err(err).
			Str(`requestId`, string(requestID)).
			Str(`lockerId`, lockerID).
			Log(`completion handler failed`)
		return false, err
	}

	if err := x.cleanup(ctx, requestID); err != nil {
		return true, err
	}

	x.logger.Debug().
		Str(`requestId`, string(requestID)).
		Str(`lockerId`, lockerID).
		Log(`completed`)

	return true, nil
}

// cleanup erases all state for the given request, parts first, then the
// request row.
func (x *Gateway) cleanup(ctx context.Context, requestID RequestID) error {
	if err := x.deleteAllParts(ctx, requestID); err != nil {
		return err
	}
	return x.storage.DeleteRequest(ctx, requestID)
}

// deleteAllParts deletes part rows until a strongly-consistent list comes
// back empty, necessary for backends where a single list page is bounded,
// and to sweep parts added by a late concurrent Scatter.
func (x *Gateway) deleteAllParts(ctx context.Context, requestID RequestID) error {
	for {
		partIDs, err := x.storage.ListParts(ctx, requestID)
		if err != nil {
			return err
		}
		if len(partIDs) == 0 {
			return nil
		}
		if err := x.storage.DeleteParts(ctx, requestID, partIDs); err != nil {
			return err
		}
	}
}

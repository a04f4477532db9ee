package scattergather

import (
	"context"
	"time"
)

type (
	// RequestID identifies a single scatter-gather operation. It is chosen
	// by the caller, and must be non-empty.
	RequestID string

	// PartID identifies one part of a scatter-gather operation, scoped to a
	// [RequestID].
	PartID string

	// Storage models the persistence capabilities that [Gateway] requires,
	// operating on two logical relations: one request row per operation, and
	// one part row per outstanding part of an operation.
	//
	// Implementations must be safe for concurrent use, including across
	// processes sharing the same backing store, and must not retry
	// conditional-check failures, interpret the request context, or
	// otherwise layer behavior on top of the documented contract.
	Storage interface {
		// PutRequest inserts or replaces the request row, with the scatter
		// completed flag unset, and no locker. It must be idempotent with
		// respect to re-invocation.
		PutRequest(ctx context.Context, requestID RequestID, requestContext string, creationTime time.Time) error

		// MarkScatterCompleted unconditionally sets the scatter completed
		// flag on the request row, as a no-op if it is already set.
		MarkScatterCompleted(ctx context.Context, requestID RequestID) error

		// TryClaimRequest attempts to set the request row's locker, as a
		// single atomic conditional write, succeeding only if the scatter
		// completed flag is set, and the locker is either unset, or already
		// equal to lockerID. On success it returns the row's request
		// context, with claimed true. A failed condition is claimed false
		// with a nil error, and must be distinguished (by implementations)
		// from transport or backend errors, which are returned as-is.
		TryClaimRequest(ctx context.Context, requestID RequestID, lockerID string) (requestContext string, claimed bool, err error)

		// DeleteRequest deletes the request row, if present. An absent row
		// is not an error.
		DeleteRequest(ctx context.Context, requestID RequestID) error

		// PutParts inserts part rows for the given request. Duplicate ids,
		// within the call or against existing rows, must be tolerated
		// silently (reinsert is acceptable). Implementations with a native
		// batch size limit must chunk transparently.
		PutParts(ctx context.Context, requestID RequestID, partIDs []PartID) error

		// DeleteParts deletes part rows for the given request, silently
		// ignoring any that are absent, chunking transparently as per
		// PutParts.
		DeleteParts(ctx context.Context, requestID RequestID, partIDs []PartID) error

		// AnyParts returns true if at least one part row exists for the
		// given request. The read MUST be strongly consistent - a stale
		// "no parts" result followed by a successful claim would fire
		// completion while parts are still outstanding.
		AnyParts(ctx context.Context, requestID RequestID) (bool, error)

		// ListParts enumerates part rows for the given request, using a
		// strongly-consistent read. Implementations may return a single
		// (non-empty) page of a larger result; callers loop until an empty
		// result.
		ListParts(ctx context.Context, requestID RequestID) ([]PartID, error)
	}
)

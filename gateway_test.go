package scattergather_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	scattergather "github.com/joeycumines/go-scattergather"
	"github.com/joeycumines/go-scattergather/memory"
)

// completionRecorder counts handler invocations, retaining the contexts
// received, for asserting exactly-once (per epoch) semantics.
type completionRecorder struct {
	mu       sync.Mutex
	contexts []string
}

func (x *completionRecorder) handler(ctx context.Context, requestContext string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.contexts = append(x.contexts, requestContext)
	return nil
}

func (x *completionRecorder) calls() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.contexts)
}

func (x *completionRecorder) expect(t *testing.T, contexts ...string) {
	t.Helper()
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.contexts) != len(contexts) {
		t.Fatalf(`expected handler calls %v, got %v`, contexts, x.contexts)
	}
	for i, requestContext := range contexts {
		if x.contexts[i] != requestContext {
			t.Fatalf(`expected handler calls %v, got %v`, contexts, x.contexts)
		}
	}
}

// faultStorage injects errors into specific port operations, passing
// everything else through.
type faultStorage struct {
	scattergather.Storage
	putPartsErr      error
	deletePartsErr   error
	deleteRequestErr error
}

func (x *faultStorage) PutParts(ctx context.Context, requestID scattergather.RequestID, partIDs []scattergather.PartID) error {
	if x.putPartsErr != nil {
		return x.putPartsErr
	}
	return x.Storage.PutParts(ctx, requestID, partIDs)
}

func (x *faultStorage) DeleteParts(ctx context.Context, requestID scattergather.RequestID, partIDs []scattergather.PartID) error {
	if x.deletePartsErr != nil {
		return x.deletePartsErr
	}
	return x.Storage.DeleteParts(ctx, requestID, partIDs)
}

func (x *faultStorage) DeleteRequest(ctx context.Context, requestID scattergather.RequestID) error {
	if err := x.deleteRequestErr; err != nil {
		x.deleteRequestErr = nil // once
		return err
	}
	return x.Storage.DeleteRequest(ctx, requestID)
}

func newGateway() *scattergather.Gateway {
	return scattergather.New(nil, memory.New())
}

func TestNew_nilStorage(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error(`expected a panic`)
		}
	}()
	scattergather.New(nil, nil)
}

func TestGateway_argumentPanics(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()
	handler := func(ctx context.Context, requestContext string) error { return nil }

	for _, tc := range [...]struct {
		name string
		fn   func()
	}{
		{`begin scatter empty request id`, func() { _ = gateway.BeginScatter(ctx, ``, `ctx`) }},
		{`scatter empty request id`, func() { _ = gateway.Scatter(ctx, ``, nil, nil) }},
		{`end scatter empty request id`, func() { _, _ = gateway.EndScatter(ctx, ``, handler) }},
		{`end scatter nil handler`, func() { _, _ = gateway.EndScatter(ctx, `r`, nil) }},
		{`gather empty request id`, func() { _, _ = gateway.Gather(ctx, ``, []scattergather.PartID{`p`}, handler) }},
		{`gather no part ids`, func() { _, _ = gateway.Gather(ctx, `r`, nil, handler) }},
		{`gather nil handler`, func() { _, _ = gateway.Gather(ctx, `r`, []scattergather.PartID{`p`}, nil) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error(`expected a panic`)
				}
			}()
			tc.fn()
		})
	}
}

// scenario: nothing to scatter
func TestGateway_nothingToScatter(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()
	var recorder completionRecorder

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}

	recorder.expect(t, `ctx`)
}

// scenario: simple scatter/gather
func TestGateway_simpleScatterGather(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()
	var recorder completionRecorder

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`, `ipsum`}, nil); err != nil {
		t.Fatal(err)
	}
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`ipsum`}, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
	if recorder.calls() != 0 {
		t.Fatal(`handler called before all parts were gathered`)
	}
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}

	recorder.expect(t, `ctx`)
}

// scenario: gather precedes end scatter
func TestGateway_gatherPrecedesEndScatter(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()
	var recorder completionRecorder

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`}, nil); err != nil {
		t.Fatal(err)
	}
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
	if recorder.calls() != 0 {
		t.Fatal(`handler called before end of scatter`)
	}
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}

	recorder.expect(t, `ctx`)
}

// scenario: duplicate gather before completion is a no-op
func TestGateway_duplicateGatherBeforeCompletion(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()
	var recorder completionRecorder

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`, `ipsum`}, nil); err != nil {
		t.Fatal(err)
	}
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
	for i := 0; i < 2; i++ {
		if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`ipsum`}, recorder.handler); err != nil || completed {
			t.Fatal(completed, err)
		}
	}
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}

	recorder.expect(t, `ctx`)
}

// scenario: duplicate gather after completion does not re-fire
func TestGateway_duplicateGatherAfterCompletion(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()
	var recorder completionRecorder

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`}, nil); err != nil {
		t.Fatal(err)
	}
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}

	// the request row is gone, so the claim can never succeed again
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}

	recorder.expect(t, `ctx`)
}

// scenario: handler error leaves the claim re-entrant for the same call site
func TestGateway_handlerErrorThenRetry(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()
	var recorder completionRecorder

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`}, nil); err != nil {
		t.Fatal(err)
	}
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}

	handlerErr := errors.New(`handler failed`)
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, func(ctx context.Context, requestContext string) error {
		return handlerErr
	}); err != handlerErr || completed {
		t.Fatal(completed, err)
	}

	// same call site, i.e. same leading part id, re-enters and completes
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}

	recorder.expect(t, `ctx`)
}

// a different call site must not enter the critical section after a failure
func TestGateway_handlerErrorExcludesOtherCallSites(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()
	var recorder completionRecorder

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`}, nil); err != nil {
		t.Fatal(err)
	}

	// not completed: a part is still outstanding
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}

	// the final gather wins the claim, but its handler fails
	handlerErr := errors.New(`handler failed`)
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, func(ctx context.Context, requestContext string) error {
		return handlerErr
	}); err != handlerErr || completed {
		t.Fatal(completed, err)
	}

	// EndScatter-r does not hold the claim (Gather-lorem does)
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
	if recorder.calls() != 0 {
		t.Fatal(`handler ran from a non-winning call site`)
	}

	// ...while the winning call site still completes
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}

	recorder.expect(t, `ctx`)
}

// scenario: re-scatter discards the prior epoch's parts
func TestGateway_reScatterResets(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()
	var recorder completionRecorder

	if err := gateway.BeginScatter(ctx, `r`, `old`); err != nil {
		t.Fatal(err)
	}
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`, `ipsum`, `dolor`}, nil); err != nil {
		t.Fatal(err)
	}
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}

	// retry with a new set of parts
	if err := gateway.BeginScatter(ctx, `r`, `new`); err != nil {
		t.Fatal(err)
	}
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`sit`, `amet`}, nil); err != nil {
		t.Fatal(err)
	}
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}

	// stray gathers of old-epoch parts must not trigger completion
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`ipsum`}, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`dolor`}, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
	if recorder.calls() != 0 {
		t.Fatal(`old-epoch parts triggered completion`)
	}

	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`sit`}, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`amet`}, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}

	recorder.expect(t, `new`)
}

// parts are durable before the scatter callback runs - a worker triggered
// from the callback may gather immediately
func TestGateway_scatterPersistsBeforeCallback(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()
	var recorder completionRecorder

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}

	var callbackRan bool
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`}, func(ctx context.Context) error {
		callbackRan = true
		// fast worker: gathers the part before Scatter has even returned
		if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, recorder.handler); err != nil || completed {
			t.Error(completed, err)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !callbackRan {
		t.Fatal(`callback did not run`)
	}

	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}

	recorder.expect(t, `ctx`)
}

func TestGateway_scatterCallbackError(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}

	callbackErr := errors.New(`callback failed`)
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`}, func(ctx context.Context) error {
		return callbackErr
	}); err != callbackErr {
		t.Fatal(err)
	}

	// the parts were still persisted
	var recorder completionRecorder
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}
	recorder.expect(t, `ctx`)
}

// a persistence failure aborts Scatter before the callback
func TestGateway_scatterStorageErrorSkipsCallback(t *testing.T) {
	ctx := context.Background()
	putPartsErr := errors.New(`put parts failed`)
	gateway := scattergather.New(nil, &faultStorage{Storage: memory.New(), putPartsErr: putPartsErr})

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`}, func(ctx context.Context) error {
		t.Error(`callback ran despite the persistence failure`)
		return nil
	}); err != putPartsErr {
		t.Fatal(err)
	}
}

// cleanup failure after a successful handler reports completed, with the
// error; a retry drives cleanup forward (re-running the handler)
func TestGateway_cleanupErrorAfterHandler(t *testing.T) {
	ctx := context.Background()
	deleteRequestErr := errors.New(`delete request failed`)
	storage := &faultStorage{Storage: memory.New()}
	gateway := scattergather.New(nil, storage)
	var recorder completionRecorder

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}
	// armed only now, as BeginScatter itself deletes any prior request row
	storage.deleteRequestErr = deleteRequestErr
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != deleteRequestErr || !completed {
		t.Fatal(completed, err)
	}
	recorder.expect(t, `ctx`)

	// same call site retries into the critical section and finishes cleanup
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || !completed {
		t.Fatal(completed, err)
	}
	recorder.expect(t, `ctx`, `ctx`)

	// fully cleaned up now
	if completed, err := gateway.EndScatter(ctx, `r`, recorder.handler); err != nil || completed {
		t.Fatal(completed, err)
	}
}

func TestGateway_contextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gateway := newGateway()
	handler := func(ctx context.Context, requestContext string) error {
		t.Error(`handler ran with a canceled context`)
		return nil
	}

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != context.Canceled {
		t.Error(err)
	}
	if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`p`}, nil); err != context.Canceled {
		t.Error(err)
	}
	if completed, err := gateway.EndScatter(ctx, `r`, handler); err != context.Canceled || completed {
		t.Error(completed, err)
	}
	if completed, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`p`}, handler); err != context.Canceled || completed {
		t.Error(completed, err)
	}
}

// P3 under load: concurrent gathers of distinct parts elect exactly one
// winner, which observes the final empty state
func TestGateway_concurrentGatherSingleCompletion(t *testing.T) {
	ctx := context.Background()
	gateway := newGateway()

	const numParts = 64

	partIDs := make([]scattergather.PartID, numParts)
	for i := range partIDs {
		partIDs[i] = scattergather.PartID(`part-` + string(rune('0'+i/10)) + string(rune('0'+i%10)))
	}

	if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
		t.Fatal(err)
	}
	if err := gateway.Scatter(ctx, `r`, partIDs, nil); err != nil {
		t.Fatal(err)
	}

	var handlerCalls atomic.Int64
	handler := func(ctx context.Context, requestContext string) error {
		if requestContext != `ctx` {
			t.Errorf(`unexpected request context %q`, requestContext)
		}
		handlerCalls.Add(1)
		return nil
	}

	if completed, err := gateway.EndScatter(ctx, `r`, handler); err != nil || completed {
		t.Fatal(completed, err)
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	wg.Add(numParts)
	for _, partID := range partIDs {
		go func() {
			defer wg.Done()
			<-start
			if _, err := gateway.Gather(ctx, `r`, []scattergather.PartID{partID}, handler); err != nil {
				t.Error(err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := handlerCalls.Load(); n != 1 {
		t.Errorf(`expected exactly one completion, got %d`, n)
	}
}

// concurrent EndScatter and final Gather: exactly one wins, regardless of
// interleaving
func TestGateway_endScatterRacesFinalGather(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		gateway := newGateway()

		if err := gateway.BeginScatter(ctx, `r`, `ctx`); err != nil {
			t.Fatal(err)
		}
		if err := gateway.Scatter(ctx, `r`, []scattergather.PartID{`lorem`}, nil); err != nil {
			t.Fatal(err)
		}

		var handlerCalls atomic.Int64
		handler := func(ctx context.Context, requestContext string) error {
			handlerCalls.Add(1)
			return nil
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := gateway.EndScatter(ctx, `r`, handler); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := gateway.Gather(ctx, `r`, []scattergather.PartID{`lorem`}, handler); err != nil {
				t.Error(err)
			}
		}()
		wg.Wait()

		// exactly one side completes: if the gather's claim loses the race
		// with the flag, the end of scatter's own probe runs after the
		// part was deleted, and wins instead
		if n := handlerCalls.Load(); n != 1 {
			t.Fatalf(`expected exactly one completion, got %d`, n)
		}
	}
}

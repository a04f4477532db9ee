// Package storagetest provides a conformance test suite for
// [scattergather.Storage] implementations, exercising the persistence port
// contract that the coordination protocol depends on.
//
// Request ids are uniquely generated per test, so the suite is safe to run
// against shared, live backends, e.g. as an adapter's integration test.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-uuid"
	scattergather "github.com/joeycumines/go-scattergather"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Config models the configuration used to initialize the test suite.
type Config struct {
	// NewStorage implements initialization of the storage under test. It is
	// called once per subtest, and may return a shared instance. Required.
	NewStorage func(t *testing.T) scattergather.Storage

	// BatchSize is the implementation's batch chunk size, used to size the
	// batch tests past it.
	// **Defaults to 25, if 0.**
	BatchSize int
}

// TestStorage runs the conformance suite against the given storage.
func TestStorage(t *testing.T, cfg Config) {
	if cfg.NewStorage == nil {
		panic(`storagetest: nil storage factory`)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}

	t.Run(`ClaimRequiresScatterCompleted`, cfg.testClaimRequiresScatterCompleted)
	t.Run(`ClaimReturnsContext`, cfg.testClaimReturnsContext)
	t.Run(`ClaimIdempotentPerLocker`, cfg.testClaimIdempotentPerLocker)
	t.Run(`ClaimExcludesOtherLockers`, cfg.testClaimExcludesOtherLockers)
	t.Run(`ClaimAbsentRequest`, cfg.testClaimAbsentRequest)
	t.Run(`PutRequestResetsEpoch`, cfg.testPutRequestResetsEpoch)
	t.Run(`MarkScatterCompletedIdempotent`, cfg.testMarkScatterCompletedIdempotent)
	t.Run(`DeleteRequestAbsent`, cfg.testDeleteRequestAbsent)
	t.Run(`PartsLifecycle`, cfg.testPartsLifecycle)
	t.Run(`PutPartsDuplicates`, cfg.testPutPartsDuplicates)
	t.Run(`DeletePartsAbsent`, cfg.testDeletePartsAbsent)
	t.Run(`PartsPastBatchSize`, cfg.testPartsPastBatchSize)
	t.Run(`EmptyBatches`, cfg.testEmptyBatches)
}

func (cfg Config) setup(t *testing.T) (context.Context, scattergather.Storage, scattergather.RequestID) {
	t.Helper()
	value, err := uuid.GenerateUUID()
	require.NoError(t, err)
	return context.Background(), cfg.NewStorage(t), scattergather.RequestID(`storagetest-` + value)
}

// drainParts gathers the full part set via the same list+delete loop the
// coordination core's cleanup uses, as ListParts may return partial pages.
func drainParts(t *testing.T, ctx context.Context, storage scattergather.Storage, requestID scattergather.RequestID) map[scattergather.PartID]struct{} {
	t.Helper()
	drained := make(map[scattergather.PartID]struct{})
	for {
		partIDs, err := storage.ListParts(ctx, requestID)
		require.NoError(t, err)
		if len(partIDs) == 0 {
			return drained
		}
		for _, partID := range partIDs {
			drained[partID] = struct{}{}
		}
		require.NoError(t, storage.DeleteParts(ctx, requestID, partIDs))
	}
}

func (cfg Config) testClaimRequiresScatterCompleted(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)
	require.NoError(t, storage.PutRequest(ctx, requestID, `ctx`, time.Now()))

	_, claimed, err := storage.TryClaimRequest(ctx, requestID, `locker-1`)
	require.NoError(t, err)
	assert.False(t, claimed, `claim must fail while scatter is incomplete`)

	require.NoError(t, storage.DeleteRequest(ctx, requestID))
}

func (cfg Config) testClaimReturnsContext(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)
	require.NoError(t, storage.PutRequest(ctx, requestID, `some opaque context`, time.Now()))
	require.NoError(t, storage.MarkScatterCompleted(ctx, requestID))

	requestContext, claimed, err := storage.TryClaimRequest(ctx, requestID, `locker-1`)
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, `some opaque context`, requestContext)

	require.NoError(t, storage.DeleteRequest(ctx, requestID))
}

func (cfg Config) testClaimIdempotentPerLocker(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)
	require.NoError(t, storage.PutRequest(ctx, requestID, `ctx`, time.Now()))
	require.NoError(t, storage.MarkScatterCompleted(ctx, requestID))

	for i := 0; i < 2; i++ {
		requestContext, claimed, err := storage.TryClaimRequest(ctx, requestID, `locker-1`)
		require.NoError(t, err)
		require.True(t, claimed, `claim %d with the same locker must succeed`, i+1)
		assert.Equal(t, `ctx`, requestContext)
	}

	require.NoError(t, storage.DeleteRequest(ctx, requestID))
}

func (cfg Config) testClaimExcludesOtherLockers(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)
	require.NoError(t, storage.PutRequest(ctx, requestID, `ctx`, time.Now()))
	require.NoError(t, storage.MarkScatterCompleted(ctx, requestID))

	_, claimed, err := storage.TryClaimRequest(ctx, requestID, `locker-1`)
	require.NoError(t, err)
	require.True(t, claimed)

	_, claimed, err = storage.TryClaimRequest(ctx, requestID, `locker-2`)
	require.NoError(t, err)
	assert.False(t, claimed, `a second locker must be excluded`)

	require.NoError(t, storage.DeleteRequest(ctx, requestID))
}

func (cfg Config) testClaimAbsentRequest(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)

	_, claimed, err := storage.TryClaimRequest(ctx, requestID, `locker-1`)
	require.NoError(t, err, `an unmet condition is not an error`)
	assert.False(t, claimed)
}

func (cfg Config) testPutRequestResetsEpoch(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)
	require.NoError(t, storage.PutRequest(ctx, requestID, `epoch-1`, time.Now()))
	require.NoError(t, storage.MarkScatterCompleted(ctx, requestID))

	_, claimed, err := storage.TryClaimRequest(ctx, requestID, `locker-1`)
	require.NoError(t, err)
	require.True(t, claimed)

	// re-put must reset the scatter completed flag and clear the locker
	require.NoError(t, storage.PutRequest(ctx, requestID, `epoch-2`, time.Now()))

	_, claimed, err = storage.TryClaimRequest(ctx, requestID, `locker-2`)
	require.NoError(t, err)
	require.False(t, claimed, `scatter completed must be reset by re-put`)

	require.NoError(t, storage.MarkScatterCompleted(ctx, requestID))

	requestContext, claimed, err := storage.TryClaimRequest(ctx, requestID, `locker-2`)
	require.NoError(t, err)
	require.True(t, claimed, `locker must be cleared by re-put`)
	assert.Equal(t, `epoch-2`, requestContext)

	require.NoError(t, storage.DeleteRequest(ctx, requestID))
}

func (cfg Config) testMarkScatterCompletedIdempotent(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)
	require.NoError(t, storage.PutRequest(ctx, requestID, `ctx`, time.Now()))
	require.NoError(t, storage.MarkScatterCompleted(ctx, requestID))
	require.NoError(t, storage.MarkScatterCompleted(ctx, requestID))

	_, claimed, err := storage.TryClaimRequest(ctx, requestID, `locker-1`)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, storage.DeleteRequest(ctx, requestID))
}

func (cfg Config) testDeleteRequestAbsent(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)
	require.NoError(t, storage.DeleteRequest(ctx, requestID))
}

func (cfg Config) testPartsLifecycle(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)

	any, err := storage.AnyParts(ctx, requestID)
	require.NoError(t, err)
	require.False(t, any)

	require.NoError(t, storage.PutParts(ctx, requestID, []scattergather.PartID{`lorem`, `ipsum`}))

	any, err = storage.AnyParts(ctx, requestID)
	require.NoError(t, err)
	require.True(t, any, `the existence probe must observe the preceding write`)

	require.NoError(t, storage.DeleteParts(ctx, requestID, []scattergather.PartID{`lorem`}))

	any, err = storage.AnyParts(ctx, requestID)
	require.NoError(t, err)
	require.True(t, any)

	require.NoError(t, storage.DeleteParts(ctx, requestID, []scattergather.PartID{`ipsum`}))

	any, err = storage.AnyParts(ctx, requestID)
	require.NoError(t, err)
	assert.False(t, any, `the existence probe must observe the preceding delete`)
}

func (cfg Config) testPutPartsDuplicates(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)

	require.NoError(t, storage.PutParts(ctx, requestID, []scattergather.PartID{`lorem`, `ipsum`, `lorem`}))
	require.NoError(t, storage.PutParts(ctx, requestID, []scattergather.PartID{`ipsum`, `dolor`}))

	assert.Equal(t, map[scattergather.PartID]struct{}{
		`lorem`: {},
		`ipsum`: {},
		`dolor`: {},
	}, drainParts(t, ctx, storage, requestID))
}

func (cfg Config) testDeletePartsAbsent(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)
	require.NoError(t, storage.DeleteParts(ctx, requestID, []scattergather.PartID{`never`, `existed`}))
}

func (cfg Config) testPartsPastBatchSize(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)

	partIDs := make([]scattergather.PartID, cfg.BatchSize*2+3)
	expected := make(map[scattergather.PartID]struct{}, len(partIDs))
	for i := range partIDs {
		value, err := uuid.GenerateUUID()
		require.NoError(t, err)
		partIDs[i] = scattergather.PartID(value)
		expected[partIDs[i]] = struct{}{}
	}

	require.NoError(t, storage.PutParts(ctx, requestID, partIDs))
	assert.Equal(t, expected, drainParts(t, ctx, storage, requestID))

	any, err := storage.AnyParts(ctx, requestID)
	require.NoError(t, err)
	assert.False(t, any)
}

func (cfg Config) testEmptyBatches(t *testing.T) {
	ctx, storage, requestID := cfg.setup(t)
	require.NoError(t, storage.PutParts(ctx, requestID, nil))
	require.NoError(t, storage.DeleteParts(ctx, requestID, nil))
	any, err := storage.AnyParts(ctx, requestID)
	require.NoError(t, err)
	assert.False(t, any)
}

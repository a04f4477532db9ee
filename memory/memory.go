// Package memory provides an in-memory [scattergather.Storage], suitable
// for tests, examples, and single-process use.
package memory

import (
	"context"
	"sync"
	"time"

	scattergather "github.com/joeycumines/go-scattergather"
)

type (
	// Storage implements [scattergather.Storage] using mutex-guarded maps.
	// The conditional claim is a compare under the lock, and all reads are
	// trivially strongly consistent. Instances must be initialized using
	// the New factory.
	Storage struct {
		mu       sync.Mutex
		requests map[scattergather.RequestID]*request
		parts    map[scattergather.RequestID]map[scattergather.PartID]struct{}
	}

	request struct {
		requestContext   string
		creationTime     time.Time
		lockerID         string
		scatterCompleted bool
		locked           bool
	}
)

var _ scattergather.Storage = (*Storage)(nil)

// New initializes a new in-memory Storage.
func New() *Storage {
	return &Storage{
		requests: make(map[scattergather.RequestID]*request),
		parts:    make(map[scattergather.RequestID]map[scattergather.PartID]struct{}),
	}
}

func (x *Storage) PutRequest(ctx context.Context, requestID scattergather.RequestID, requestContext string, creationTime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.requests[requestID] = &request{
		requestContext: requestContext,
		creationTime:   creationTime,
	}
	return nil
}

func (x *Storage) MarkScatterCompleted(ctx context.Context, requestID scattergather.RequestID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if req := x.requests[requestID]; req != nil {
		req.scatterCompleted = true
	}
	return nil
}

func (x *Storage) TryClaimRequest(ctx context.Context, requestID scattergather.RequestID, lockerID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return ``, false, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	req := x.requests[requestID]
	if req == nil || !req.scatterCompleted || (req.locked && req.lockerID != lockerID) {
		return ``, false, nil
	}
	req.locked = true
	req.lockerID = lockerID
	return req.requestContext, true, nil
}

func (x *Storage) DeleteRequest(ctx context.Context, requestID scattergather.RequestID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.requests, requestID)
	return nil
}

func (x *Storage) PutParts(ctx context.Context, requestID scattergather.RequestID, partIDs []scattergather.PartID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(partIDs) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	parts := x.parts[requestID]
	if parts == nil {
		parts = make(map[scattergather.PartID]struct{}, len(partIDs))
		x.parts[requestID] = parts
	}
	for _, partID := range partIDs {
		parts[partID] = struct{}{}
	}
	return nil
}

func (x *Storage) DeleteParts(ctx context.Context, requestID scattergather.RequestID, partIDs []scattergather.PartID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	parts := x.parts[requestID]
	for _, partID := range partIDs {
		delete(parts, partID)
	}
	if len(parts) == 0 {
		delete(x.parts, requestID)
	}
	return nil
}

func (x *Storage) AnyParts(ctx context.Context, requestID scattergather.RequestID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.parts[requestID]) != 0, nil
}

func (x *Storage) ListParts(ctx context.Context, requestID scattergather.RequestID) ([]scattergather.PartID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	parts := x.parts[requestID]
	if len(parts) == 0 {
		return nil, nil
	}
	partIDs := make([]scattergather.PartID, 0, len(parts))
	for partID := range parts {
		partIDs = append(partIDs, partID)
	}
	return partIDs, nil
}

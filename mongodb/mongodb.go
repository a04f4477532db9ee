// Package mongodb provides a [scattergather.Storage] backed by two MongoDB
// collections, named <prefix>.Requests and <prefix>.Parts.
//
// Part documents use a composite _id of {PartId, RequestId}; an ascending
// index on _id.RequestId is created lazily, on first part write. Both
// collections are pinned to primary reads and majority read/write concerns,
// as the coordination protocol requires the existence probe to observe all
// writes linearized before it.
package mongodb

import (
	"context"
	"errors"
	"sync"
	"time"

	scattergather "github.com/joeycumines/go-scattergather"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"golang.org/x/sync/errgroup"
)

type (
	// Config models the configuration used to initialize a Storage, for New.
	Config struct {
		// Database is the MongoDB database to use. Required.
		Database *mongo.Database

		// Prefix names the collection pair, as <Prefix>.Requests and
		// <Prefix>.Parts. Required.
		Prefix string

		// BatchSize restricts the number of documents per batch write, if
		// positive.
		// **Defaults to 25, if 0.**
		BatchSize int

		// MaxConcurrency specifies the maximum number of concurrent batch
		// write requests, per operation, if positive.
		// **Defaults to 4, if 0.**
		MaxConcurrency int
	}

	// Storage implements [scattergather.Storage] on MongoDB. Instances must
	// be initialized using the New factory.
	Storage struct {
		requests       *mongo.Collection
		parts          *mongo.Collection
		batchSize      int
		maxConcurrency int

		indexMu sync.Mutex
		indexed bool
	}

	requestDocument struct {
		ID               string    `bson:"_id"`
		CreationTime     time.Time `bson:"CreationTime"`
		ScatterCompleted bool      `bson:"ScatterCompleted"`
		LockerID         *string   `bson:"LockerId"`
		Context          string    `bson:"Context"`
	}

	// partKey is the composite _id of a part document. Field order is
	// significant: MongoDB compares _id documents field by field.
	partKey struct {
		PartID    string `bson:"PartId"`
		RequestID string `bson:"RequestId"`
	}

	partDocument struct {
		ID partKey `bson:"_id"`
	}
)

var _ scattergather.Storage = (*Storage)(nil)

// New initializes a new Storage, using the provided Config. A panic will
// occur if the database or prefix is missing.
func New(config *Config) *Storage {
	if config == nil || config.Database == nil {
		panic(`mongodb: nil database`)
	}
	if config.Prefix == `` {
		panic(`mongodb: empty collection prefix`)
	}
	collectionOptions := options.Collection().
		SetReadPreference(readpref.Primary()).
		SetReadConcern(readconcern.Majority()).
		SetWriteConcern(writeconcern.Majority())
	storage := Storage{
		requests:       config.Database.Collection(config.Prefix+`.Requests`, collectionOptions),
		parts:          config.Database.Collection(config.Prefix+`.Parts`, collectionOptions),
		batchSize:      25,
		maxConcurrency: 4,
	}
	if config.BatchSize > 0 {
		storage.batchSize = config.BatchSize
	}
	if config.MaxConcurrency > 0 {
		storage.maxConcurrency = config.MaxConcurrency
	}
	return &storage
}

func (x *Storage) PutRequest(ctx context.Context, requestID scattergather.RequestID, requestContext string, creationTime time.Time) error {
	// a replace with upsert resets ScatterCompleted and clears LockerId in
	// the same write that (re)creates the row
	_, err := x.requests.ReplaceOne(ctx,
		bson.D{{Key: `_id`, Value: string(requestID)}},
		requestDocument{
			ID:           string(requestID),
			CreationTime: creationTime.UTC(),
			Context:      requestContext,
		},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (x *Storage) MarkScatterCompleted(ctx context.Context, requestID scattergather.RequestID) error {
	_, err := x.requests.UpdateOne(ctx,
		bson.D{{Key: `_id`, Value: string(requestID)}},
		bson.D{{Key: `$set`, Value: bson.D{{Key: `ScatterCompleted`, Value: true}}}},
	)
	return err
}

func (x *Storage) TryClaimRequest(ctx context.Context, requestID scattergather.RequestID, lockerID string) (string, bool, error) {
	var document requestDocument
	if err := x.requests.FindOneAndUpdate(ctx,
		bson.D{
			{Key: `_id`, Value: string(requestID)},
			{Key: `ScatterCompleted`, Value: true},
			{Key: `$or`, Value: bson.A{
				bson.D{{Key: `LockerId`, Value: nil}},
				bson.D{{Key: `LockerId`, Value: lockerID}},
			}},
		},
		bson.D{{Key: `$set`, Value: bson.D{{Key: `LockerId`, Value: lockerID}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&document); err != nil {
		// no matching document means the condition was unmet, i.e. not yet
		// scatter-completed, locked by another actor, or no such request
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ``, false, nil
		}
		return ``, false, err
	}
	return document.Context, true, nil
}

func (x *Storage) DeleteRequest(ctx context.Context, requestID scattergather.RequestID) error {
	_, err := x.requests.DeleteOne(ctx, bson.D{{Key: `_id`, Value: string(requestID)}})
	return err
}

func (x *Storage) PutParts(ctx context.Context, requestID scattergather.RequestID, partIDs []scattergather.PartID) error {
	if len(partIDs) == 0 {
		return nil
	}

	if err := x.ensurePartIndex(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(x.maxConcurrency)

	for _, chunk := range x.chunkPartIDs(partIDs) {
		documents := make([]any, 0, len(chunk))
		for _, partID := range chunk {
			documents = append(documents, partDocument{ID: partKey{
				PartID:    string(partID),
				RequestID: string(requestID),
			}})
		}
		group.Go(func() error {
			// unordered, so one duplicate doesn't skip the rest of the chunk
			if _, err := x.parts.InsertMany(ctx, documents, options.InsertMany().SetOrdered(false)); err != nil && !duplicateKeysOnly(err) {
				return err
			}
			return nil
		})
	}

	return group.Wait()
}

func (x *Storage) DeleteParts(ctx context.Context, requestID scattergather.RequestID, partIDs []scattergather.PartID) error {
	if len(partIDs) == 0 {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(x.maxConcurrency)

	for _, chunk := range x.chunkPartIDs(partIDs) {
		keys := make(bson.A, 0, len(chunk))
		for _, partID := range chunk {
			keys = append(keys, partKey{
				PartID:    string(partID),
				RequestID: string(requestID),
			})
		}
		group.Go(func() error {
			_, err := x.parts.DeleteMany(ctx, bson.D{{Key: `_id`, Value: bson.D{{Key: `$in`, Value: keys}}}})
			return err
		})
	}

	return group.Wait()
}

func (x *Storage) AnyParts(ctx context.Context, requestID scattergather.RequestID) (bool, error) {
	if err := x.parts.FindOne(ctx,
		bson.D{{Key: `_id.RequestId`, Value: string(requestID)}},
		options.FindOne().SetProjection(bson.D{{Key: `_id`, Value: 1}}),
	).Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (x *Storage) ListParts(ctx context.Context, requestID scattergather.RequestID) ([]scattergather.PartID, error) {
	cursor, err := x.parts.Find(ctx,
		bson.D{{Key: `_id.RequestId`, Value: string(requestID)}},
		options.Find().SetProjection(bson.D{{Key: `_id`, Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var documents []partDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, err
	}
	partIDs := make([]scattergather.PartID, 0, len(documents))
	for _, document := range documents {
		partIDs = append(partIDs, scattergather.PartID(document.ID.PartID))
	}
	return partIDs, nil
}

// ensurePartIndex creates the ascending index on _id.RequestId, once per
// Storage, retrying on the next write after a failure.
func (x *Storage) ensurePartIndex(ctx context.Context) error {
	x.indexMu.Lock()
	defer x.indexMu.Unlock()
	if x.indexed {
		return nil
	}
	if _, err := x.parts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: `_id.RequestId`, Value: 1}},
	}); err != nil {
		return err
	}
	x.indexed = true
	return nil
}

func (x *Storage) chunkPartIDs(partIDs []scattergather.PartID) [][]scattergather.PartID {
	chunks := make([][]scattergather.PartID, 0, (len(partIDs)+x.batchSize-1)/x.batchSize)
	for len(partIDs) != 0 {
		chunk := partIDs
		if len(chunk) > x.batchSize {
			chunk = chunk[:x.batchSize]
		}
		partIDs = partIDs[len(chunk):]
		chunks = append(chunks, chunk)
	}
	return chunks
}

// duplicateKeysOnly reports whether err consists solely of duplicate-key
// write errors, which the port requires be tolerated silently (the part
// rows already exist).
func duplicateKeysOnly(err error) bool {
	var bulkWriteException mongo.BulkWriteException
	if !errors.As(err, &bulkWriteException) ||
		bulkWriteException.WriteConcernError != nil ||
		len(bulkWriteException.WriteErrors) == 0 {
		return false
	}
	for _, writeError := range bulkWriteException.WriteErrors {
		if writeError.Code != 11000 {
			return false
		}
	}
	return true
}

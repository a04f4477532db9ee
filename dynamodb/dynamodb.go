// Package dynamodb provides a [scattergather.Storage] backed by two Amazon
// DynamoDB tables.
//
// The request table must be created with a partition key RequestId (string),
// and the part table with a partition key RequestId (string) and sort key
// PartId (string). No other schema is required; the part table's key layout
// is what makes the existence probe and cleanup enumeration O(matching
// rows).
package dynamodb

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	scattergather "github.com/joeycumines/go-scattergather"
	"golang.org/x/sync/errgroup"
)

type (
	// Config models the configuration used to initialize a Storage, for New.
	Config struct {
		// Client is the DynamoDB client to use. Required.
		Client dynamodbiface.DynamoDBAPI

		// RequestTable is the name of the request table. Required.
		RequestTable string

		// PartTable is the name of the part table. Required.
		PartTable string

		// BatchSize restricts the number of items per batch write.
		// **Defaults to 25, if 0** (the BatchWriteItem limit), and may not
		// exceed it.
		BatchSize int

		// MaxConcurrency specifies the maximum number of concurrent batch
		// write requests, per operation, if positive.
		// **Defaults to 4, if 0.**
		MaxConcurrency int
	}

	// Storage implements [scattergather.Storage] on DynamoDB. Instances
	// must be initialized using the New factory.
	Storage struct {
		client         dynamodbiface.DynamoDBAPI
		requestTable   string
		partTable      string
		batchSize      int
		maxConcurrency int
	}
)

var _ scattergather.Storage = (*Storage)(nil)

// New initializes a new Storage, using the provided Config. A panic will
// occur if the client or either table name is missing, or BatchSize exceeds
// the BatchWriteItem limit of 25.
func New(config *Config) *Storage {
	if config == nil || config.Client == nil {
		panic(`dynamodb: nil client`)
	}
	if config.RequestTable == `` || config.PartTable == `` {
		panic(`dynamodb: missing table name`)
	}
	if config.BatchSize < 0 || config.BatchSize > 25 {
		panic(`dynamodb: invalid batch size`)
	}
	storage := Storage{
		client:         config.Client,
		requestTable:   config.RequestTable,
		partTable:      config.PartTable,
		batchSize:      25,
		maxConcurrency: 4,
	}
	if config.BatchSize != 0 {
		storage.batchSize = config.BatchSize
	}
	if config.MaxConcurrency > 0 {
		storage.maxConcurrency = config.MaxConcurrency
	}
	return &storage
}

func (x *Storage) PutRequest(ctx context.Context, requestID scattergather.RequestID, requestContext string, creationTime time.Time) error {
	// a plain put replaces any prior row wholesale, which both resets
	// ScatterCompleted and drops any LockerId
	_, err := x.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: &x.requestTable,
		Item: map[string]*dynamodb.AttributeValue{
			`RequestId`:        {S: aws.String(string(requestID))},
			`CreationTime`:     {S: aws.String(creationTime.UTC().Format(time.RFC3339Nano))},
			`Context`:          {S: &requestContext},
			`ScatterCompleted`: {BOOL: aws.Bool(false)},
		},
	})
	return err
}

func (x *Storage) MarkScatterCompleted(ctx context.Context, requestID scattergather.RequestID) error {
	_, err := x.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:        &x.requestTable,
		Key:              x.requestKey(requestID),
		UpdateExpression: aws.String(`SET ScatterCompleted = :completed`),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			`:completed`: {BOOL: aws.Bool(true)},
		},
	})
	return err
}

func (x *Storage) TryClaimRequest(ctx context.Context, requestID scattergather.RequestID, lockerID string) (string, bool, error) {
	out, err := x.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           &x.requestTable,
		Key:                 x.requestKey(requestID),
		UpdateExpression:    aws.String(`SET LockerId = :locker`),
		ConditionExpression: aws.String(`ScatterCompleted = :completed AND (attribute_not_exists(LockerId) OR LockerId = :locker)`),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			`:completed`: {BOOL: aws.Bool(true)},
			`:locker`:    {S: &lockerID},
		},
		ReturnValues: aws.String(dynamodb.ReturnValueAllNew),
	})
	if err != nil {
		// only an unmet condition maps to "not claimed" - transport and
		// other backend errors surface as-is
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return ``, false, nil
		}
		return ``, false, err
	}
	var requestContext string
	if attr := out.Attributes[`Context`]; attr != nil && attr.S != nil {
		requestContext = *attr.S
	}
	return requestContext, true, nil
}

func (x *Storage) DeleteRequest(ctx context.Context, requestID scattergather.RequestID) error {
	_, err := x.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: &x.requestTable,
		Key:       x.requestKey(requestID),
	})
	return err
}

func (x *Storage) PutParts(ctx context.Context, requestID scattergather.RequestID, partIDs []scattergather.PartID) error {
	return x.batchWriteParts(ctx, requestID, partIDs, func(key map[string]*dynamodb.AttributeValue) *dynamodb.WriteRequest {
		return &dynamodb.WriteRequest{PutRequest: &dynamodb.PutRequest{Item: key}}
	})
}

func (x *Storage) DeleteParts(ctx context.Context, requestID scattergather.RequestID, partIDs []scattergather.PartID) error {
	return x.batchWriteParts(ctx, requestID, partIDs, func(key map[string]*dynamodb.AttributeValue) *dynamodb.WriteRequest {
		return &dynamodb.WriteRequest{DeleteRequest: &dynamodb.DeleteRequest{Key: key}}
	})
}

func (x *Storage) AnyParts(ctx context.Context, requestID scattergather.RequestID) (bool, error) {
	out, err := x.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              &x.partTable,
		KeyConditionExpression: aws.String(`RequestId = :requestId`),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			`:requestId`: {S: aws.String(string(requestID))},
		},
		ConsistentRead: aws.Bool(true),
		Limit:          aws.Int64(1),
		Select:         aws.String(dynamodb.SelectCount),
	})
	if err != nil {
		return false, err
	}
	return out.Count != nil && *out.Count > 0, nil
}

func (x *Storage) ListParts(ctx context.Context, requestID scattergather.RequestID) ([]scattergather.PartID, error) {
	// a single page suffices - callers loop until an empty result
	out, err := x.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:              &x.partTable,
		KeyConditionExpression: aws.String(`RequestId = :requestId`),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			`:requestId`: {S: aws.String(string(requestID))},
		},
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String(`PartId`),
	})
	if err != nil {
		return nil, err
	}
	partIDs := make([]scattergather.PartID, 0, len(out.Items))
	for _, item := range out.Items {
		if attr := item[`PartId`]; attr != nil && attr.S != nil {
			partIDs = append(partIDs, scattergather.PartID(*attr.S))
		}
	}
	return partIDs, nil
}

func (x *Storage) requestKey(requestID scattergather.RequestID) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		`RequestId`: {S: aws.String(string(requestID))},
	}
}

func (x *Storage) partKey(requestID scattergather.RequestID, partID scattergather.PartID) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		`RequestId`: {S: aws.String(string(requestID))},
		`PartId`:    {S: aws.String(string(partID))},
	}
}

// batchWriteParts chunks writes for the given part ids, flushing chunks
// concurrently. Ids are deduplicated first, as BatchWriteItem rejects
// duplicate keys within a single request, and the port requires duplicates
// be tolerated silently.
func (x *Storage) batchWriteParts(ctx context.Context, requestID scattergather.RequestID, partIDs []scattergather.PartID, writeRequest func(key map[string]*dynamodb.AttributeValue) *dynamodb.WriteRequest) error {
	partIDs = dedupePartIDs(partIDs)
	if len(partIDs) == 0 {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(x.maxConcurrency)

	for len(partIDs) != 0 {
		chunk := partIDs
		if len(chunk) > x.batchSize {
			chunk = chunk[:x.batchSize]
		}
		partIDs = partIDs[len(chunk):]

		requests := make([]*dynamodb.WriteRequest, 0, len(chunk))
		for _, partID := range chunk {
			requests = append(requests, writeRequest(x.partKey(requestID, partID)))
		}

		group.Go(func() error {
			return x.batchWrite(ctx, requests)
		})
	}

	return group.Wait()
}

// batchWrite performs a single BatchWriteItem, retrying unprocessed items
// (typically throttling) with capped exponential backoff, until drained.
func (x *Storage) batchWrite(ctx context.Context, requests []*dynamodb.WriteRequest) error {
	delay := 10 * time.Millisecond
	for {
		out, err := x.client.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]*dynamodb.WriteRequest{x.partTable: requests},
		})
		if err != nil {
			return err
		}
		requests = out.UnprocessedItems[x.partTable]
		if len(requests) == 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if delay *= 2; delay > time.Second {
			delay = time.Second
		}
	}
}

func dedupePartIDs(partIDs []scattergather.PartID) []scattergather.PartID {
	seen := make(map[scattergather.PartID]struct{}, len(partIDs))
	deduped := partIDs[:0:0]
	for _, partID := range partIDs {
		if _, ok := seen[partID]; !ok {
			seen[partID] = struct{}{}
			deduped = append(deduped, partID)
		}
	}
	return deduped
}

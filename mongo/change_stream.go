package mongoutils

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"go.ringline.dev/callkit"
)

// A ChangeEvent represents the fields of a change stream response document that we use.
type ChangeEvent struct {
	ID                bson.RawValue                `bson:"_id"`
	OperationType     ChangeEventOperationType     `bson:"operationType"`
	FullDocument      bson.RawValue                `bson:"fullDocument"`
	NS                ChangeEventNamespace         `bson:"ns"`
	DocumentKey       bson.D                       `bson:"documentKey"`
	UpdateDescription ChangeEventUpdateDescription `bson:"updateDescription"`
	ClusterTime       primitive.Timestamp          `bson:"clusterTime"`
}

// ChangeEventOperationType is the type of operation that occurred.
type ChangeEventOperationType string

// ChangeEvent operation types.
const (
	ChangeEventOperationTypeInsert     = ChangeEventOperationType("insert")
	ChangeEventOperationTypeDelete     = ChangeEventOperationType("delete")
	ChangeEventOperationTypeReplace    = ChangeEventOperationType("replace")
	ChangeEventOperationTypeUpdate     = ChangeEventOperationType("update")
	ChangeEventOperationTypeDrop       = ChangeEventOperationType("drop")
	ChangeEventOperationTypeInvalidate = ChangeEventOperationType("invalidate")
)

// ChangeEventNamespace is the namespace (database and or collection) affected by the event.
type ChangeEventNamespace struct {
	Database   string `bson:"db"`
	Collection string `bson:"coll"`
}

// ChangeEventUpdateDescription describes the fields that were updated or removed
// by an update operation.
type ChangeEventUpdateDescription struct {
	UpdatedFields bson.D   `bson:"updatedFields"`
	RemovedFields []string `bson:"removedFields"`
}

// ChangeEventResult represents either an event happening or an error that happened
// along the way. ResumeToken is the stream position right after Event.
type ChangeEventResult struct {
	Event       *ChangeEvent
	ResumeToken bson.Raw
	Error       error
}

// ChangeStreamBackground calls Next in the background and returns once at least one attempt has
// been made, along with the resume token the stream was at when it started. Results keep
// coming until the given context is done or the stream fails; the channel is closed after that.
// The caller owns the stream and must close it once the channel is drained.
func ChangeStreamBackground(ctx context.Context, cs *mongo.ChangeStream) (<-chan ChangeEventResult, bson.Raw) {
	return changeStreamBackground(ctx, cs, false)
}

// ChangeStreamNextBackground is ChangeStreamBackground for a single result.
func ChangeStreamNextBackground(ctx context.Context, cs *mongo.ChangeStream) (<-chan ChangeEventResult, bson.Raw) {
	return changeStreamBackground(ctx, cs, true)
}

func changeStreamBackground(ctx context.Context, cs *mongo.ChangeStream, once bool) (<-chan ChangeEventResult, bson.Raw) {
	results := make(chan ChangeEventResult, 1)
	started := make(chan bson.Raw, 1)

	sendResult := func(result ChangeEventResult) bool {
		select {
		case <-ctx.Done():
			// last chance for a reader still waiting
			select {
			case results <- result:
			default:
			}
			return false
		case results <- result:
			return true
		}
	}
	decode := func() ChangeEventResult {
		var ce ChangeEvent
		if err := cs.Decode(&ce); err != nil {
			return ChangeEventResult{Error: err}
		}
		return ChangeEventResult{Event: &ce, ResumeToken: cs.ResumeToken()}
	}

	callkit.PanicCapturingGo(func() {
		defer close(results)

		// The first TryNext makes sure the server side cursor exists before we
		// report the starting position.
		first := cs.TryNext(ctx)
		started <- cs.ResumeToken()
		if first {
			result := decode()
			if !sendResult(result) || result.Error != nil || once {
				return
			}
		}
		for {
			if !cs.Next(ctx) {
				sendResult(ChangeEventResult{Error: cs.Err()})
				return
			}
			result := decode()
			if !sendResult(result) || result.Error != nil || once {
				return
			}
		}
	})
	return results, <-started
}

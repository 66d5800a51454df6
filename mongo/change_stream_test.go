package mongoutils_test

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.viam.com/test"

	mongoutils "go.ringline.dev/callkit/mongo"
	"go.ringline.dev/callkit/testutils"
)

func watchAll(t *testing.T, coll *mongo.Collection) *mongo.ChangeStream {
	t.Helper()
	cs, err := coll.Watch(context.Background(), []bson.D{
		{{"$match", bson.D{}}},
	},
		options.ChangeStream().SetFullDocument(options.UpdateLookup),
		options.ChangeStream().SetMaxAwaitTime(time.Second),
	)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, cs.Close(context.Background()), test.ShouldBeNil)
	})
	return cs
}

func TestChangeStreamBackgroundCancel(t *testing.T) {
	client := testutils.BackingMongoDBClient(t)
	dbName, collName := testutils.NewMongoDBNamespace()
	coll := client.Database(dbName).Collection(collName)

	cancelCtx, ctxCancel := context.WithCancel(context.Background())
	result, _ := mongoutils.ChangeStreamBackground(cancelCtx, watchAll(t, coll))
	ctxCancel()
	next := <-result
	test.That(t, next.Error, test.ShouldWrap, context.Canceled)
	for range result {
	}
}

func TestChangeStreamBackgroundInOrder(t *testing.T) {
	client := testutils.BackingMongoDBClient(t)
	dbName, collName := testutils.NewMongoDBNamespace()
	coll := client.Database(dbName).Collection(collName)

	cancelCtx, ctxCancel := context.WithCancel(context.Background())
	result, startToken := mongoutils.ChangeStreamBackground(cancelCtx, watchAll(t, coll))
	defer func() {
		for range result {
		}
	}()
	defer ctxCancel()
	test.That(t, startToken, test.ShouldNotBeNil)

	times := 3
	docs := make([]bson.D, 0, times)
	for i := 0; i < times; i++ {
		docs = append(docs, bson.D{{"_id", primitive.NewObjectID()}})
	}
	errCh := make(chan error, times)
	go func() {
		for i := 0; i < times; i++ {
			_, err := coll.InsertOne(context.Background(), docs[i])
			errCh <- err
		}
	}()
	lastToken := startToken
	for i := 0; i < times; i++ {
		next := <-result
		test.That(t, next.Error, test.ShouldBeNil)
		test.That(t, <-errCh, test.ShouldBeNil)
		test.That(t, next.Event.OperationType, test.ShouldEqual, mongoutils.ChangeEventOperationTypeInsert)
		test.That(t, next.ResumeToken, test.ShouldNotResemble, lastToken)
		lastToken = next.ResumeToken
		var retDoc bson.D
		test.That(t, next.Event.FullDocument.Unmarshal(&retDoc), test.ShouldBeNil)
		test.That(t, retDoc, test.ShouldResemble, docs[i])
	}
}

func TestChangeStreamNextBackground(t *testing.T) {
	client := testutils.BackingMongoDBClient(t)
	dbName, collName := testutils.NewMongoDBNamespace()
	coll := client.Database(dbName).Collection(collName)

	result, _ := mongoutils.ChangeStreamNextBackground(context.Background(), watchAll(t, coll))
	_, err := coll.InsertOne(context.Background(), bson.D{{"caller_id", "alice"}})
	test.That(t, err, test.ShouldBeNil)

	next, ok := <-result
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, next.Error, test.ShouldBeNil)
	_, ok = <-result
	test.That(t, ok, test.ShouldBeFalse)
}

func TestEnsureIndexes(t *testing.T) {
	client := testutils.BackingMongoDBClient(t)
	dbName, collName := testutils.NewMongoDBNamespace()
	coll := client.Database(dbName).Collection(collName)

	model := mongo.IndexModel{
		Keys:    bson.D{{"expires_at", 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	test.That(t, mongoutils.EnsureIndexes(context.Background(), coll), test.ShouldBeNil)
	test.That(t, mongoutils.EnsureIndexes(context.Background(), coll, model), test.ShouldBeNil)
	test.That(t, mongoutils.EnsureIndexes(context.Background(), coll, model), test.ShouldBeNil)
}

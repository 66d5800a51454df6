package mongoutils

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

// EnsureIndexes creates every given index on the collection. Creating an index that
// already exists with the same options is a no-op on the server.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection, models ...mongo.IndexModel) error {
	if len(models) == 0 {
		return nil
	}
	if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
		return errors.Wrapf(err, "error creating indexes on %q", coll.Name())
	}
	return nil
}

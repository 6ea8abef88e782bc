// Package mongo implements the document-store interface on MongoDB.
package mongo

import (
	"context"
	stderrors "errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/datastrata/strata/pkg/config"
	"github.com/datastrata/strata/pkg/errors"
)

// Store is a mongo-driver-backed DocumentStore.
type Store struct {
	client   *mongo.Client
	database string
	logger   *zap.Logger
}

// New connects to MongoDB and verifies the connection.
func New(ctx context.Context, cfg config.MongoConfig, logger *zap.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mongo configuration")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeBackendUnavailable, "mongo unreachable")
	}
	return &Store{
		client:   client,
		database: cfg.Database,
		logger:   logger.With(zap.String("component", "mongo")),
	}, nil
}

// InsertDocument inserts one document. The document side is schema-less;
// no validation or enforcement happens here.
func (s *Store) InsertDocument(ctx context.Context, collection string, doc map[string]interface{}) error {
	coll := s.client.Database(s.database).Collection(collection)
	if _, err := coll.InsertOne(ctx, bson.M(doc)); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "document insert timed out").
				WithDetail("collection", collection)
		}
		return errors.Wrap(err, errors.ErrorTypeBackendUnavailable, "failed to insert document").
			WithDetail("collection", collection)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Package mongo implements store.Store on MongoDB via
// go.mongodb.org/mongo-driver, grounded on the teacher's
// framework/adapters/repository/mongodb.go MongoRepository[T] (same client
// construction, pool sizing and Validate/DefaultConfig shape) — this is the
// "document store" persistence backend spec §1 names as the out-of-scope
// concrete backend, exposed only through the Store contract.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sagaflow/orchestrator/internal/errs"
	"github.com/sagaflow/orchestrator/saga"
)

// Config configures the Mongo-backed store.
type Config struct {
	URI         string
	Database    string
	Collection  string
	Timeout     time.Duration
	MaxPoolSize uint64
	MinPoolSize uint64
}

func (c Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("mongo: URI cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("mongo: Database cannot be empty")
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		Database:    "sagaflow",
		Collection:  "sagas",
		Timeout:     10 * time.Second,
		MaxPoolSize: 100,
		MinPoolSize: 10,
	}
}

// Store is the Mongo-backed store.Store implementation.
type Store struct {
	cfg        Config
	client     *mongo.Client
	collection *mongo.Collection
}

// New connects to MongoDB, ensures indexes exist and returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	collection := client.Database(cfg.Database).Collection(cfg.Collection)

	s := &Store{cfg: cfg, client: client, collection: collection}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "correlationid", Value: 1}}},
		{Keys: bson.D{{Key: "createdat", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "startedat", Value: 1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure indexes: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

// document is the BSON envelope; the saga itself is stored under "id" plus
// its own fields so status/correlationid/tags can be indexed directly.
type document struct {
	saga.Saga `bson:",inline"`
}

func (s *Store) Save(ctx context.Context, sg *saga.Saga) (*saga.Saga, error) {
	if sg.Version == 0 {
		toStore := *sg
		toStore.Version = 1
		_, err := s.collection.InsertOne(ctx, document{Saga: toStore})
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, errs.New(errs.KindConflict, "saga already exists: "+sg.ID)
			}
			return nil, errs.Wrap(err, errs.KindStoreError, "insert saga")
		}
		return &toStore, nil
	}

	nextVersion := sg.Version + 1
	toStore := *sg
	toStore.Version = nextVersion

	result, err := s.collection.ReplaceOne(ctx,
		bson.M{"id": sg.ID, "version": sg.Version},
		document{Saga: toStore},
	)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStoreError, "replace saga")
	}
	if result.MatchedCount == 0 {
		if _, findErr := s.Find(ctx, sg.ID); findErr != nil {
			return nil, errs.New(errs.KindNotFound, "saga not found: "+sg.ID)
		}
		return nil, errs.New(errs.KindStaleVersion, "version mismatch for saga "+sg.ID)
	}
	return &toStore, nil
}

func (s *Store) Find(ctx context.Context, sagaID string) (*saga.Saga, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"id": sagaID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errs.New(errs.KindNotFound, "saga not found: "+sagaID)
		}
		return nil, errs.Wrap(err, errs.KindStoreError, "find saga")
	}
	return &doc.Saga, nil
}

func (s *Store) findAll(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*saga.Saga, error) {
	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStoreError, "query sagas")
	}
	defer cur.Close(ctx)
	var out []*saga.Saga
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, errs.Wrap(err, errs.KindStoreError, "decode saga")
		}
		sg := doc.Saga
		out = append(out, &sg)
	}
	return out, cur.Err()
}

func (s *Store) FindByStatus(ctx context.Context, status saga.Status, page saga.Page) (saga.PageResult, error) {
	filter := bson.M{"status": string(status)}
	total, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return saga.PageResult{}, errs.Wrap(err, errs.KindStoreError, "count sagas")
	}
	limit := int64(page.Limit)
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdat", Value: -1}}).SetSkip(int64(page.Offset)).SetLimit(limit)
	items, err := s.findAll(ctx, filter, opts)
	if err != nil {
		return saga.PageResult{}, err
	}
	return saga.PageResult{Items: items, Total: int(total)}, nil
}

func (s *Store) FindByCorrelation(ctx context.Context, correlationID string) ([]*saga.Saga, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdat", Value: -1}})
	return s.findAll(ctx, bson.M{"correlationid": correlationID}, opts)
}

func (s *Store) FindByTag(ctx context.Context, tag string, page saga.Page) (saga.PageResult, error) {
	filter := bson.M{"tags": tag}
	total, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return saga.PageResult{}, errs.Wrap(err, errs.KindStoreError, "count sagas")
	}
	limit := int64(page.Limit)
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdat", Value: -1}}).SetSkip(int64(page.Offset)).SetLimit(limit)
	items, err := s.findAll(ctx, filter, opts)
	if err != nil {
		return saga.PageResult{}, err
	}
	return saga.PageResult{Items: items, Total: int(total)}, nil
}

func (s *Store) FindTimedOut(ctx context.Context, now time.Time) ([]*saga.Saga, error) {
	items, err := s.findAll(ctx, bson.M{"status": bson.M{"$in": []string{"RUNNING", "RETRYING"}}}, nil)
	if err != nil {
		return nil, err
	}
	var out []*saga.Saga
	for _, sg := range items {
		if sg.DeadlineExceeded(now) {
			out = append(out, sg)
		}
	}
	return out, nil
}

func (s *Store) FindRetryable(ctx context.Context) ([]*saga.Saga, error) {
	items, err := s.findAll(ctx, bson.M{"status": "FAILED"}, nil)
	if err != nil {
		return nil, err
	}
	var out []*saga.Saga
	for _, sg := range items {
		if sg.RetryCount < sg.MaxRetries {
			out = append(out, sg)
		}
	}
	return out, nil
}

func (s *Store) BulkUpdateStatus(ctx context.Context, ids []string, newStatus saga.Status) error {
	_, err := s.collection.UpdateMany(ctx,
		bson.M{"id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"status": string(newStatus)}, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return errs.Wrap(err, errs.KindStoreError, "bulk update status")
	}
	return nil
}

func (s *Store) BulkDeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"completedat": bson.M{"$lt": cutoff, "$ne": time.Time{}}})
	if err != nil {
		return 0, errs.Wrap(err, errs.KindStoreError, "bulk delete")
	}
	return int(res.DeletedCount), nil
}

// Package mongo is the networked work queue. Workers in any number of processes share one
// set of collections:
//
//	{prefix}_run      single document gating the active cycle
//	{prefix}_batches  key chunks; a chunk with a batch_id is claimed
//	{prefix}_errors   per-key errors reported by workers
//
// Claims use FindOneAndUpdate, so no two workers receive the same chunk.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/indexsync/internal/queue"
	"github.com/syntrixbase/indexsync/pkg/model"
)

const runID = "run"

// Config configures the mongo queue.
type Config struct {
	// Prefix names the collections. Defaults to "indexsync_queue".
	Prefix    string
	MaxErrors int
	Logger    *slog.Logger
	Now       func() time.Time
}

type runDoc struct {
	ID      string        `bson:"_id"`
	Args    queue.RunArgs `bson:"args"`
	Running bool          `bson:"running"`
}

type batchDoc struct {
	ID        primitive.ObjectID `bson:"_id"`
	Keys      []string           `bson:"keys"`
	BatchID   string             `bson:"batch_id,omitempty"`
	ClaimedAt *time.Time         `bson:"claimed_at,omitempty"`
}

// Queue is a MongoDB backed queue.
type Queue struct {
	run       *mongo.Collection
	batches   *mongo.Collection
	errs      *mongo.Collection
	now       func() time.Time
	openedAt  time.Time
	maxErrors int
	logger    *slog.Logger
}

var _ queue.Queue = (*Queue)(nil)

// New creates a queue over db.
func New(db *mongo.Database, cfg Config) *Queue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "indexsync_queue"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		run:       db.Collection(prefix + "_run"),
		batches:   db.Collection(prefix + "_batches"),
		errs:      db.Collection(prefix + "_errors"),
		now:       now,
		openedAt:  now(),
		maxErrors: cfg.MaxErrors,
		logger:    logger.With("component", "mongo-queue"),
	}
}

// EnsureIndexes creates the indexes used by claim and expiry lookups.
func (q *Queue) EnsureIndexes(ctx context.Context) error {
	_, err := q.batches.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "batch_id", Value: 1}}},
		{Keys: bson.D{{Key: "claimed_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create queue indexes: %w", err)
	}
	return nil
}

// Initialize upserts the run document unless a cycle is already running.
func (q *Queue) Initialize(ctx context.Context, args queue.RunArgs) (bool, error) {
	filter := bson.M{"_id": runID, "running": bson.M{"$ne": true}}
	update := bson.M{"$set": bson.M{"args": args, "running": true}}
	_, err := q.run.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to initialize queue: %w", err)
	}
	return true, nil
}

// LoadKeys inserts one document per chunk with an unordered bulk write.
func (q *Queue) LoadKeys(ctx context.Context, keys []string) (queue.LoadResult, error) {
	run, err := q.loadRun(ctx)
	if err != nil {
		return queue.LoadResult{Failed: keys}, err
	}
	if run == nil || !run.Running {
		return queue.LoadResult{Failed: keys}, queue.ErrNotIndexing
	}

	chunks := queue.Chunk(dedupe(keys), run.Args.BatchBy)
	docs := make([]interface{}, len(chunks))
	for i, chunk := range chunks {
		docs[i] = batchDoc{ID: primitive.NewObjectID(), Keys: chunk}
	}
	res := queue.LoadResult{Calls: 1}
	if len(docs) == 0 {
		return res, nil
	}

	_, err = q.batches.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		for _, c := range chunks {
			res.Loaded += len(c)
		}
		return res, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		res.Failed = keys
		return res, fmt.Errorf("failed to load keys: %w", err)
	}
	failed := make(map[int]struct{}, len(bwe.WriteErrors))
	for _, we := range bwe.WriteErrors {
		failed[we.Index] = struct{}{}
	}
	for i, c := range chunks {
		if _, ok := failed[i]; ok {
			res.Failed = append(res.Failed, c...)
			continue
		}
		res.Loaded += len(c)
	}
	q.logger.Warn("Some key chunks failed to load", "failed", len(res.Failed), "loaded", res.Loaded)
	if res.Loaded == 0 {
		return res, fmt.Errorf("failed to load keys: %w", err)
	}
	return res, nil
}

// GetBatch claims the oldest unclaimed chunk, splitting it when it exceeds size.
func (q *Queue) GetBatch(ctx context.Context, size int) (*queue.Batch, error) {
	run, err := q.loadRun(ctx)
	if err != nil {
		return nil, err
	}
	if run == nil || !run.Running {
		return nil, nil
	}

	batchID := uuid.NewString()
	claimedAt := q.now()
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)
	var doc batchDoc
	err = q.batches.FindOneAndUpdate(ctx,
		bson.M{"batch_id": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"batch_id": batchID, "claimed_at": claimedAt}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}

	keys := doc.Keys
	if size > 0 && len(keys) > size {
		rest := batchDoc{ID: primitive.NewObjectID(), Keys: keys[size:]}
		if _, err := q.batches.InsertOne(ctx, rest); err != nil {
			return nil, fmt.Errorf("failed to return unclaimed keys: %w", err)
		}
		keys = keys[:size]
		if _, err := q.batches.UpdateOne(ctx,
			bson.M{"_id": doc.ID},
			bson.M{"$set": bson.M{"keys": keys}},
		); err != nil {
			return nil, fmt.Errorf("failed to trim claimed batch: %w", err)
		}
	}
	return &queue.Batch{ID: batchID, Keys: keys, Watermark: run.Args.Watermark, SnapshotID: run.Args.SnapshotID}, nil
}

// AddFinished records errs and deletes the claimed chunk.
func (q *Queue) AddFinished(ctx context.Context, batchID string, _ int, errs []model.KeyError) error {
	if len(errs) > 0 {
		docs := make([]interface{}, len(errs))
		for i, ke := range errs {
			docs[i] = ke
		}
		if _, err := q.errs.InsertMany(ctx, docs); err != nil {
			return fmt.Errorf("failed to record errors for batch %s: %w", batchID, err)
		}
	}
	if _, err := q.batches.DeleteOne(ctx, bson.M{"batch_id": batchID}); err != nil {
		return fmt.Errorf("failed to finish batch %s: %w", batchID, err)
	}
	return nil
}

// Release clears the claim so the chunk can be handed out again.
func (q *Queue) Release(ctx context.Context, batchID string) error {
	_, err := q.batches.UpdateOne(ctx,
		bson.M{"batch_id": batchID},
		bson.M{"$unset": bson.M{"batch_id": "", "claimed_at": ""}},
	)
	if err != nil {
		return fmt.Errorf("failed to release batch %s: %w", batchID, err)
	}
	return nil
}

// IsIndexing reports whether a cycle runs and the error ceiling is not reached.
func (q *Queue) IsIndexing(ctx context.Context, errCount int) (bool, error) {
	run, err := q.loadRun(ctx)
	if err != nil {
		return false, err
	}
	if run == nil || !run.Running {
		return false, nil
	}
	if q.maxErrors > 0 {
		n, err := q.errs.CountDocuments(ctx, bson.M{})
		if err != nil {
			return false, fmt.Errorf("failed to count errors: %w", err)
		}
		if int(n)+errCount >= q.maxErrors {
			return false, nil
		}
	}
	return true, nil
}

// IsFinished deletes stale claims and reports whether the cycle is drained.
func (q *Queue) IsFinished(ctx context.Context, maxAge time.Duration, listenerRestarted bool) ([]string, bool, error) {
	cutoff := q.now().Add(-maxAge)
	if listenerRestarted && q.openedAt.After(cutoff) {
		cutoff = q.openedAt
	}

	cur, err := q.batches.Find(ctx, bson.M{"claimed_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return nil, false, fmt.Errorf("failed to find expired batches: %w", err)
	}
	var expired []batchDoc
	if err := cur.All(ctx, &expired); err != nil {
		return nil, false, fmt.Errorf("failed to read expired batches: %w", err)
	}

	var requeue []string
	for _, doc := range expired {
		// A worker may report between the find and the delete; only keys we remove
		// ourselves are requeued.
		res, err := q.batches.DeleteOne(ctx, bson.M{"_id": doc.ID, "batch_id": doc.BatchID})
		if err != nil {
			return nil, false, fmt.Errorf("failed to expire batch %s: %w", doc.BatchID, err)
		}
		if res.DeletedCount == 1 {
			requeue = append(requeue, doc.Keys...)
		}
	}

	remaining, err := q.batches.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, false, fmt.Errorf("failed to count batches: %w", err)
	}
	return requeue, remaining == 0 && len(requeue) == 0, nil
}

// PopErrors returns and deletes the recorded errors.
func (q *Queue) PopErrors(ctx context.Context) ([]model.KeyError, error) {
	type errDoc struct {
		ID             primitive.ObjectID `bson:"_id"`
		model.KeyError `bson:",inline"`
	}
	cur, err := q.errs.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to read errors: %w", err)
	}
	var docs []errDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read errors: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	ids := make([]primitive.ObjectID, len(docs))
	errs := make([]model.KeyError, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		errs[i] = d.KeyError
	}
	if _, err := q.errs.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, fmt.Errorf("failed to clear errors: %w", err)
	}
	return errs, nil
}

// Purge empties every collection of the queue.
func (q *Queue) Purge(ctx context.Context) error {
	if _, err := q.batches.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("failed to purge batches: %w", err)
	}
	if _, err := q.errs.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("failed to purge errors: %w", err)
	}
	if _, err := q.run.DeleteOne(ctx, bson.M{"_id": runID}); err != nil {
		return fmt.Errorf("failed to purge run: %w", err)
	}
	return nil
}

// CloseIndexing marks the run document as stopped.
func (q *Queue) CloseIndexing(ctx context.Context) error {
	_, err := q.run.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$set": bson.M{"running": false}})
	if err != nil {
		return fmt.Errorf("failed to close indexing: %w", err)
	}
	return nil
}

// Args returns the running cycle's arguments, or nil.
func (q *Queue) Args(ctx context.Context) (*queue.RunArgs, error) {
	run, err := q.loadRun(ctx)
	if err != nil || run == nil || !run.Running {
		return nil, err
	}
	return &run.Args, nil
}

// Close does not disconnect the shared client.
func (q *Queue) Close() error {
	return nil
}

func (q *Queue) loadRun(ctx context.Context) (*runDoc, error) {
	var run runDoc
	err := q.run.FindOne(ctx, bson.M{"_id": runID}).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	return &run, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"enrichment-scheduler/internal/models"
)

const mongoCASRetries = 5

// mongoJob adds the field backing the partial unique index: it mirrors
// dedupeKey while the job holds it and is absent otherwise.
type mongoJob struct {
	models.Job      `bson:",inline"`
	ActiveDedupeKey *string `bson:"activeDedupeKey,omitempty"`
}

func toDocument(job models.Job) mongoJob {
	doc := mongoJob{Job: job}
	if job.HoldsDedupeKey() {
		doc.ActiveDedupeKey = job.DedupeKey
	}
	return doc
}

func fromDocument(doc mongoJob) models.Job {
	job := doc.Job
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if job.ScheduledFor != nil {
		job.ScheduledFor = models.TimePtr(job.ScheduledFor.UTC())
	}
	if job.LeaseExpiresAt != nil {
		job.LeaseExpiresAt = models.TimePtr(job.LeaseExpiresAt.UTC())
	}
	return job
}

// MongoStore persists jobs as documents and relies on per-document atomicity:
// updates are compare-and-swap on the version field.
type MongoStore struct {
	client *mongo.Client
	jobs   *mongo.Collection
}

// NewMongo establishes a connection to MongoDB and ensures the job indexes exist.
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Embedded documents in payloads decode as maps rather than ordered slices.
	reg := bson.NewRegistry()
	reg.RegisterTypeMapEntry(bson.TypeEmbeddedDocument, reflect.TypeOf(bson.M{}))

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri).SetRegistry(reg))
	if err != nil {
		return nil, fmt.Errorf("create mongo client: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &MongoStore{client: client, jobs: client.Database(database).Collection("jobs")}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "priority", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "leaseExpiresAt", Value: 1}}, Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}},
		{
			Keys: bson.D{{Key: "activeDedupeKey", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"activeDedupeKey": bson.M{"$exists": true}}),
		},
	})
	if err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Now(ctx context.Context) (time.Time, error) {
	var res struct {
		LocalTime time.Time `bson:"localTime"`
	}
	if err := s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&res); err != nil {
		return time.Time{}, fmt.Errorf("read clock: %w", err)
	}
	return res.LocalTime.UTC(), nil
}

// Insert relies on the unique activeDedupeKey index; a duplicate key error
// means another active job holds the key and that job is returned instead.
func (s *MongoStore) Insert(ctx context.Context, job models.Job) (models.Job, bool, error) {
	for i := 0; i < mongoCASRetries; i++ {
		_, err := s.jobs.InsertOne(ctx, toDocument(job))
		if err == nil {
			return job, false, nil
		}
		if !mongo.IsDuplicateKeyError(err) || job.DedupeKey == nil {
			return models.Job{}, false, fmt.Errorf("insert job: %w", err)
		}
		existing, err := s.findOne(ctx, bson.M{"activeDedupeKey": *job.DedupeKey})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return models.Job{}, false, err
		}
		return existing, true, nil
	}
	return models.Job{}, false, fmt.Errorf("insert job: %w", ErrConflict)
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (models.Job, error) {
	var doc mongoJob
	err := s.jobs.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("find job: %w", err)
	}
	return fromDocument(doc), nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Job, error) {
	cursor, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoJob
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	out := make([]models.Job, len(docs))
	for i, d := range docs {
		out[i] = fromDocument(d)
	}
	return out, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (models.Job, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) ListPending(ctx context.Context, limit int) ([]models.Job, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))
	return s.find(ctx, bson.M{"status": models.StatusPending}, opts)
}

func (s *MongoStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "leaseExpiresAt", Value: 1}}).
		SetLimit(int64(limit))
	return s.find(ctx, bson.M{"leaseExpiresAt": bson.M{"$lt": now}}, opts)
}

func (s *MongoStore) ListByStatus(ctx context.Context, status, jobType string, limit int) ([]models.Job, error) {
	filter := bson.M{"status": status}
	if jobType != "" {
		filter["type"] = jobType
	}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}}).SetLimit(int64(limit))
	return s.find(ctx, filter, opts)
}

// Update replaces the document only if its version is unchanged since it was
// read, retrying fn against the fresh document otherwise.
func (s *MongoStore) Update(ctx context.Context, id string, fn Mutation) (models.Job, error) {
	for i := 0; i < mongoCASRetries; i++ {
		job, err := s.Get(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		seen := job.Version
		if err := fn(&job); err != nil {
			return models.Job{}, err
		}
		job.Version = seen + 1

		res, err := s.jobs.ReplaceOne(ctx, bson.M{"_id": id, "version": seen}, toDocument(job))
		if mongo.IsDuplicateKeyError(err) {
			return models.Job{}, ErrDuplicate
		}
		if err != nil {
			return models.Job{}, fmt.Errorf("update job: %w", err)
		}
		if res.MatchedCount == 1 {
			return job, nil
		}
	}
	return models.Job{}, ErrConflict
}

func (s *MongoStore) DeleteSucceededBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	filter := bson.M{"status": models.StatusSucceeded, "updatedAt": bson.M{"$lt": cutoff}}
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})
	cursor, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return 0, fmt.Errorf("list succeeded jobs: %w", err)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("decode succeeded jobs: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	filter["_id"] = bson.M{"$in": ids}
	res, err := s.jobs.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete succeeded jobs: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) CountByStatus(ctx context.Context, status, jobType string) (int64, error) {
	filter := bson.M{"status": status}
	if jobType != "" {
		filter["type"] = jobType
	}
	n, err := s.jobs.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s jobs: %w", status, err)
	}
	return n, nil
}

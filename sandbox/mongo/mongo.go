// Package mongo provides the MongoDB-backed sandbox association store. Status
// values written by earlier schema versions are normalised onto the current
// state machine on read.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"goa.design/orbit/sandbox"
)

const (
	defaultCollection = "project_sandboxes"
	defaultOpTimeout  = 5 * time.Second
	storeClientName   = "sandbox-mongo"
)

type (
	// Options configures the Mongo sandbox store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the collection name.
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is a Mongo-backed sandbox.Store. It also implements
	// goa.design/clue/health.Pinger for health reporting.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	recordDocument struct {
		ID              string            `bson:"_id"`
		ProjectID       string            `bson:"project_id"`
		TenantID        string            `bson:"tenant_id"`
		SandboxID       string            `bson:"sandbox_id,omitempty"`
		Status          string            `bson:"status"`
		CreatedAt       time.Time         `bson:"created_at"`
		StartedAt       time.Time         `bson:"started_at,omitempty"`
		LastAccessedAt  time.Time         `bson:"last_accessed_at,omitempty"`
		HealthCheckedAt time.Time         `bson:"health_checked_at,omitempty"`
		ErrorMessage    string            `bson:"error_message,omitempty"`
		Metadata        map[string]string `bson:"metadata,omitempty"`
	}
)

var _ health.Pinger = (*Store)(nil)

// New returns a Mongo-backed sandbox store and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(coll),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Create implements sandbox.Store. The unique project index turns concurrent
// creations into sandbox.ErrConflict.
func (s *Store) Create(ctx context.Context, rec *sandbox.Record) error {
	if rec == nil || rec.ProjectID == "" {
		return errors.New("project id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromRecord(rec))
	if mongodriver.IsDuplicateKeyError(err) {
		return sandbox.ErrConflict
	}
	return err
}

// GetByProject implements sandbox.Store.
func (s *Store) GetByProject(ctx context.Context, projectID string) (*sandbox.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc recordDocument
	err := s.coll.FindOne(ctx, bson.M{"project_id": projectID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, sandbox.ErrNotFound
		}
		return nil, err
	}
	return doc.toRecord(), nil
}

// Update implements sandbox.Store.
func (s *Store) Update(ctx context.Context, rec *sandbox.Record) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"project_id": rec.ProjectID}, fromRecord(rec))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return sandbox.ErrNotFound
	}
	return nil
}

// DeleteByProject implements sandbox.Store.
func (s *Store) DeleteByProject(ctx context.Context, projectID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"project_id": projectID})
	return err
}

// List implements sandbox.Store.
func (s *Store) List(ctx context.Context) ([]*sandbox.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "project_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []recordDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	recs := make([]*sandbox.Record, 0, len(docs))
	for _, doc := range docs {
		recs = append(recs, doc.toRecord())
	}
	return recs, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "project_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}},
		},
	})
	return err
}

func fromRecord(rec *sandbox.Record) recordDocument {
	return recordDocument{
		ID:              rec.ID,
		ProjectID:       rec.ProjectID,
		TenantID:        rec.TenantID,
		SandboxID:       rec.SandboxID,
		Status:          string(rec.Status),
		CreatedAt:       rec.CreatedAt.UTC(),
		StartedAt:       rec.StartedAt.UTC(),
		LastAccessedAt:  rec.LastAccessedAt.UTC(),
		HealthCheckedAt: rec.HealthCheckedAt.UTC(),
		ErrorMessage:    rec.ErrorMessage,
		Metadata:        rec.Metadata,
	}
}

func (doc recordDocument) toRecord() *sandbox.Record {
	return &sandbox.Record{
		ID:              doc.ID,
		ProjectID:       doc.ProjectID,
		TenantID:        doc.TenantID,
		SandboxID:       doc.SandboxID,
		Status:          normalizeStatus(doc.Status),
		CreatedAt:       doc.CreatedAt,
		StartedAt:       doc.StartedAt,
		LastAccessedAt:  doc.LastAccessedAt,
		HealthCheckedAt: doc.HealthCheckedAt,
		ErrorMessage:    doc.ErrorMessage,
		Metadata:        doc.Metadata,
	}
}

// normalizeStatus maps legacy status values from earlier schema versions onto
// the current state machine.
func normalizeStatus(raw string) sandbox.Status {
	switch raw {
	case "created", "creating", "initializing", "pending":
		return sandbox.StatusStarting
	case "ready", "healthy", "active":
		return sandbox.StatusRunning
	case "failed", "unhealthy", "degraded":
		return sandbox.StatusError
	case "stopped", "deleted", "removed":
		return sandbox.StatusTerminated
	}
	if st := sandbox.Status(raw); st.Valid() {
		return st
	}
	return sandbox.StatusError
}

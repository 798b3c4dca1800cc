// Package mongo provides the MongoDB-backed tool execution audit recorder.
// The collection is append-only.
package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"goa.design/orbit/tools"
)

const (
	defaultCollection = "tool_executions"
	defaultOpTimeout  = 5 * time.Second
	recorderName      = "tools-mongo"
)

type (
	// Options configures the Mongo recorder.
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

	// Recorder is a Mongo-backed tools.Recorder. It also implements
	// goa.design/clue/health.Pinger for health reporting.
	Recorder struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	executionDocument struct {
		ID             string         `bson:"_id"`
		CallID         string         `bson:"call_id"`
		ConversationID string         `bson:"conversation_id"`
		MessageID      string         `bson:"message_id,omitempty"`
		ProjectID      string         `bson:"project_id,omitempty"`
		TenantID       string         `bson:"tenant_id,omitempty"`
		Tool           string         `bson:"tool"`
		Args           map[string]any `bson:"args,omitempty"`
		Content        string         `bson:"content,omitempty"`
		IsError        bool           `bson:"is_error"`
		StartedAt      time.Time      `bson:"started_at"`
		DurationMillis int64          `bson:"duration_ms"`
	}
)

var _ health.Pinger = (*Recorder)(nil)

// New returns a Mongo-backed recorder and ensures its indexes.
func New(opts Options) (*Recorder, error) {
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
	r := &Recorder{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(coll),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Name implements health.Pinger.
func (r *Recorder) Name() string { return recorderName }

// Ping implements health.Pinger.
func (r *Recorder) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.mongo.Ping(ctx, readpref.Primary())
}

// Record implements tools.Recorder.
func (r *Recorder) Record(ctx context.Context, rec tools.ExecutionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.coll.InsertOne(ctx, executionDocument{
		ID:             uuid.NewString(),
		CallID:         rec.CallID,
		ConversationID: rec.ConversationID,
		MessageID:      rec.MessageID,
		ProjectID:      rec.ProjectID,
		TenantID:       rec.TenantID,
		Tool:           rec.Tool,
		Args:           rec.Args,
		Content:        rec.Content,
		IsError:        rec.IsError,
		StartedAt:      rec.StartedAt.UTC(),
		DurationMillis: rec.Duration.Milliseconds(),
	})
	return err
}

func (r *Recorder) ensureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "started_at", Value: 1}}},
		{Keys: bson.D{{Key: "tool", Value: 1}}},
	})
	return err
}

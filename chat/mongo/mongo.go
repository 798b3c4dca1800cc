// Package mongo provides the MongoDB-backed conversation store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"goa.design/orbit/chat"
)

const (
	defaultCollection = "conversations"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "chat-mongo"
)

type (
	// Options configures the Mongo conversation store.
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

	// Store is a Mongo-backed chat.Store. It also implements
	// goa.design/clue/health.Pinger for health reporting.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	conversationDocument struct {
		ID           string    `bson:"_id"`
		TenantID     string    `bson:"tenant_id"`
		ProjectID    string    `bson:"project_id"`
		UserID       string    `bson:"user_id"`
		Title        string    `bson:"title"`
		Status       string    `bson:"status"`
		AgentConfig  []byte    `bson:"agent_config,omitempty"`
		MessageCount int       `bson:"message_count"`
		CreatedAt    time.Time `bson:"created_at"`
		UpdatedAt    time.Time `bson:"updated_at"`
	}
)

var _ health.Pinger = (*Store)(nil)

// New returns a Mongo-backed conversation store and ensures its indexes.
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
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Create implements chat.Store.
func (s *Store) Create(ctx context.Context, conv *chat.Conversation) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = chat.StatusActive
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	_, err := s.coll.InsertOne(ctx, toDocument(conv))
	return err
}

// Get implements chat.Store.
func (s *Store) Get(ctx context.Context, id string) (*chat.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc conversationDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	return fromDocument(&doc), nil
}

// List implements chat.Store.
func (s *Store) List(ctx context.Context, tenantID, projectID string) ([]*chat.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cursor, err := s.coll.Find(ctx, bson.M{"tenant_id": tenantID, "project_id": projectID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []*chat.Conversation
	for cursor.Next(ctx) {
		var doc conversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromDocument(&doc))
	}
	return out, cursor.Err()
}

// Touch implements chat.Store.
func (s *Store) Touch(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{"message_count": 1},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// SetStatus implements chat.Store.
func (s *Store) SetStatus(ctx context.Context, id string, status chat.Status) error {
	if !status.Valid() {
		return fmt.Errorf("chat: invalid status %q", status)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": string(status), "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// Delete implements chat.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "project_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func toDocument(conv *chat.Conversation) *conversationDocument {
	return &conversationDocument{
		ID:           conv.ID,
		TenantID:     conv.TenantID,
		ProjectID:    conv.ProjectID,
		UserID:       conv.UserID,
		Title:        conv.Title,
		Status:       string(conv.Status),
		AgentConfig:  conv.AgentConfig,
		MessageCount: conv.MessageCount,
		CreatedAt:    conv.CreatedAt.UTC(),
		UpdatedAt:    conv.UpdatedAt.UTC(),
	}
}

func fromDocument(doc *conversationDocument) *chat.Conversation {
	return &chat.Conversation{
		ID:           doc.ID,
		TenantID:     doc.TenantID,
		ProjectID:    doc.ProjectID,
		UserID:       doc.UserID,
		Title:        doc.Title,
		Status:       chat.Status(doc.Status),
		AgentConfig:  json.RawMessage(doc.AgentConfig),
		MessageCount: doc.MessageCount,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

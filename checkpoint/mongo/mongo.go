// Package mongo provides the MongoDB-backed checkpoint store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"goa.design/orbit/checkpoint"
)

const (
	defaultCollection = "execution_checkpoints"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "checkpoint-mongo"
)

type (
	// Options configures the Mongo checkpoint store.
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

	// Store is a Mongo-backed checkpoint.Store. It also implements
	// goa.design/clue/health.Pinger for health reporting.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	checkpointDocument struct {
		ID             string    `bson:"_id"`
		ConversationID string    `bson:"conversation_id"`
		MessageID      string    `bson:"message_id"`
		Kind           string    `bson:"kind"`
		State          []byte    `bson:"state"`
		CreatedAt      time.Time `bson:"created_at"`
	}
)

var _ health.Pinger = (*Store)(nil)

// New returns a Mongo-backed checkpoint store and ensures its indexes.
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

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if !cp.Kind.Valid() {
		return errors.New("invalid checkpoint kind")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := toDocument(cp)
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.coll.InsertOne(ctx, doc)
	return err
}

// Latest implements checkpoint.Store.
func (s *Store) Latest(ctx context.Context, conversationID string) (*checkpoint.Checkpoint, error) {
	return s.latest(ctx, bson.M{"conversation_id": conversationID})
}

// LatestForMessage implements checkpoint.Store.
func (s *Store) LatestForMessage(ctx context.Context, conversationID, messageID string) (*checkpoint.Checkpoint, error) {
	return s.latest(ctx, bson.M{"conversation_id": conversationID, "message_id": messageID})
}

// DeleteByConversation implements checkpoint.Store.
func (s *Store) DeleteByConversation(ctx context.Context, conversationID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteMany(ctx, bson.M{"conversation_id": conversationID})
	return err
}

func (s *Store) latest(ctx context.Context, filter bson.M) (*checkpoint.Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc checkpointDocument
	if err := s.coll.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, err
	}
	return fromDocument(&doc), nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "message_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func toDocument(cp *checkpoint.Checkpoint) *checkpointDocument {
	return &checkpointDocument{
		ID:             cp.ID,
		ConversationID: cp.ConversationID,
		MessageID:      cp.MessageID,
		Kind:           string(cp.Kind),
		State:          cp.State,
		CreatedAt:      cp.CreatedAt.UTC(),
	}
}

func fromDocument(doc *checkpointDocument) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		ID:             doc.ID,
		ConversationID: doc.ConversationID,
		MessageID:      doc.MessageID,
		Kind:           checkpoint.Kind(doc.Kind),
		State:          json.RawMessage(doc.State),
		CreatedAt:      doc.CreatedAt,
	}
}

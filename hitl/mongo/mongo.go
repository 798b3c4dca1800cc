// Package mongo provides the MongoDB-backed pending-request store.
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

	"goa.design/orbit/hitl"
)

const (
	defaultCollection = "pending_hitl_requests"
	defaultOpTimeout  = 5 * time.Second
	storeClientName   = "hitl-mongo"
)

type (
	// Options configures the Mongo pending-request store.
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

	// Store is a Mongo-backed hitl.Store. It also implements
	// goa.design/clue/health.Pinger for health reporting.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	requestDocument struct {
		ID             string           `bson:"_id"`
		ConversationID string           `bson:"conversation_id"`
		MessageID      string           `bson:"message_id,omitempty"`
		Kind           string           `bson:"kind"`
		Prompt         string           `bson:"prompt"`
		Options        []optionDoc      `bson:"options,omitempty"`
		EnvVars        []envVarSpecDoc  `bson:"env_vars,omitempty"`
		AllowCustom    bool             `bson:"allow_custom,omitempty"`
		DefaultChoice  string           `bson:"default_choice,omitempty"`
		Deadline       time.Time        `bson:"timeout_deadline"`
		CreatedAt      time.Time        `bson:"created_at"`
	}

	optionDoc struct {
		ID            string   `bson:"id"`
		Label         string   `bson:"label,omitempty"`
		Description   string   `bson:"description,omitempty"`
		Recommended   bool     `bson:"recommended,omitempty"`
		EstimatedTime string   `bson:"estimated_time,omitempty"`
		EstimatedCost string   `bson:"estimated_cost,omitempty"`
		Risks         []string `bson:"risks,omitempty"`
	}

	envVarSpecDoc struct {
		Name              string `bson:"name"`
		Description       string `bson:"description,omitempty"`
		InputType         string `bson:"input_type,omitempty"`
		Required          bool   `bson:"required,omitempty"`
		ValidationPattern string `bson:"validation_pattern,omitempty"`
	}
)

var _ health.Pinger = (*Store)(nil)

// New returns a Mongo-backed pending-request store and ensures its indexes.
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

// Create implements hitl.Store.
func (s *Store) Create(ctx context.Context, req *hitl.Request) error {
	if req == nil || req.ID == "" {
		return errors.New("request id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromRequest(req))
	if mongodriver.IsDuplicateKeyError(err) {
		return errors.New("duplicate request id")
	}
	return err
}

// Get implements hitl.Store.
func (s *Store) Get(ctx context.Context, requestID string) (*hitl.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc requestDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": requestID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, hitl.ErrNotFound
		}
		return nil, err
	}
	return doc.toRequest(), nil
}

// ListByConversation implements hitl.Store.
func (s *Store) ListByConversation(ctx context.Context, conversationID string) ([]*hitl.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx,
		bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "timeout_deadline", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []requestDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	reqs := make([]*hitl.Request, 0, len(docs))
	for _, doc := range docs {
		reqs = append(reqs, doc.toRequest())
	}
	return reqs, nil
}

// Delete implements hitl.Store.
func (s *Store) Delete(ctx context.Context, requestID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": requestID})
	return err
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
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timeout_deadline", Value: 1}}},
	})
	return err
}

func fromRequest(req *hitl.Request) requestDocument {
	doc := requestDocument{
		ID:             req.ID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Kind:           string(req.Kind),
		Prompt:         req.Prompt,
		AllowCustom:    req.AllowCustom,
		DefaultChoice:  req.DefaultChoice,
		Deadline:       req.Deadline.UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	for _, opt := range req.Options {
		doc.Options = append(doc.Options, optionDoc(opt))
	}
	for _, ev := range req.EnvVars {
		doc.EnvVars = append(doc.EnvVars, envVarSpecDoc(ev))
	}
	return doc
}

func (doc requestDocument) toRequest() *hitl.Request {
	req := &hitl.Request{
		ID:             doc.ID,
		ConversationID: doc.ConversationID,
		MessageID:      doc.MessageID,
		Kind:           hitl.Kind(doc.Kind),
		Prompt:         doc.Prompt,
		AllowCustom:    doc.AllowCustom,
		DefaultChoice:  doc.DefaultChoice,
		Deadline:       doc.Deadline,
	}
	for _, opt := range doc.Options {
		req.Options = append(req.Options, hitl.Option(opt))
	}
	for _, ev := range doc.EnvVars {
		req.EnvVars = append(req.EnvVars, hitl.EnvVarSpec(ev))
	}
	return req
}

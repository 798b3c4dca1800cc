// Package mongo provides the MongoDB-backed event log. Sequence numbers are
// allocated from a per-conversation counter document using an atomic
// findOneAndUpdate increment, then the event is inserted under a unique
// (conversation_id, sequence_number) index. The counter makes two concurrent
// appends to the same conversation receive distinct consecutive sequences;
// the unique index is the backstop against double use.
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

	"goa.design/orbit/eventlog"
)

const (
	defaultEventsCollection   = "agent_execution_events"
	defaultCountersCollection = "agent_event_counters"
	defaultOpTimeout          = 5 * time.Second
	logClientName             = "eventlog-mongo"
)

type (
	// Options configures the Mongo event log.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// EventsCollection overrides the events collection name.
		EventsCollection string
		// CountersCollection overrides the sequence counters collection name.
		CountersCollection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Log is a Mongo-backed eventlog.Log. It also implements
	// goa.design/clue/health.Pinger for health reporting.
	Log struct {
		mongo    *mongodriver.Client
		events   *mongodriver.Collection
		counters *mongodriver.Collection
		timeout  time.Duration
	}

	eventDocument struct {
		ID             string    `bson:"_id"`
		ConversationID string    `bson:"conversation_id"`
		MessageID      string    `bson:"message_id"`
		SequenceNumber int64     `bson:"sequence_number"`
		EventType      string    `bson:"event_type"`
		EventData      bson.Raw  `bson:"event_data,omitempty"`
		CreatedAt      time.Time `bson:"created_at"`
	}

	counterDocument struct {
		ConversationID string `bson:"_id"`
		Seq            int64  `bson:"seq"`
	}
)

var _ health.Pinger = (*Log)(nil)

// New returns a Mongo-backed event log and ensures its indexes.
func New(opts Options) (*Log, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	eventsColl := opts.EventsCollection
	if eventsColl == "" {
		eventsColl = defaultEventsCollection
	}
	countersColl := opts.CountersCollection
	if countersColl == "" {
		countersColl = defaultCountersCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	l := &Log{
		mongo:    opts.Client,
		events:   db.Collection(eventsColl),
		counters: db.Collection(countersColl),
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Name implements health.Pinger.
func (l *Log) Name() string { return logClientName }

// Ping implements health.Pinger.
func (l *Log) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return l.mongo.Ping(ctx, readpref.Primary())
}

// Append implements eventlog.Log.
func (l *Log) Append(ctx context.Context, conversationID, messageID string, typ eventlog.Type, data json.RawMessage) (eventlog.Event, error) {
	if conversationID == "" {
		return eventlog.Event{}, errors.New("conversation id is required")
	}
	if !typ.Valid() {
		return eventlog.Event{}, eventlog.ErrInvalidType
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	seq, err := l.nextSequence(ctx, conversationID)
	if err != nil {
		return eventlog.Event{}, err
	}
	evt := eventlog.Event{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		MessageID:      messageID,
		Sequence:       seq,
		Type:           typ,
		Data:           data,
		CreatedAt:      time.Now().UTC(),
	}
	doc, err := fromEvent(evt)
	if err != nil {
		return eventlog.Event{}, err
	}
	// A failed insert leaves the reserved sequence unused: the counter has
	// already advanced, so the conversation's log keeps a gap. Readers order
	// and deduplicate by sequence and tolerate gaps; reusing the number for a
	// later event would not be safe.
	if _, err := l.events.InsertOne(ctx, doc); err != nil {
		return eventlog.Event{}, err
	}
	return evt, nil
}

// ListByConversation implements eventlog.Log.
func (l *Log) ListByConversation(ctx context.Context, conversationID string, sinceSeq int64) ([]eventlog.Event, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"conversation_id": conversationID}
	if sinceSeq > 0 {
		filter["sequence_number"] = bson.M{"$gt": sinceSeq}
	}
	return l.list(ctx, filter)
}

// ListByMessage implements eventlog.Log.
func (l *Log) ListByMessage(ctx context.Context, conversationID, messageID string) ([]eventlog.Event, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.list(ctx, bson.M{"conversation_id": conversationID, "message_id": messageID})
}

// LastSequence implements eventlog.Log.
func (l *Log) LastSequence(ctx context.Context, conversationID string) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	var doc counterDocument
	err := l.counters.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return doc.Seq, nil
}

// DeleteByConversation implements eventlog.Log.
func (l *Log) DeleteByConversation(ctx context.Context, conversationID string) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if _, err := l.events.DeleteMany(ctx, bson.M{"conversation_id": conversationID}); err != nil {
		return err
	}
	_, err := l.counters.DeleteOne(ctx, bson.M{"_id": conversationID})
	return err
}

func (l *Log) nextSequence(ctx context.Context, conversationID string) (int64, error) {
	var doc counterDocument
	err := l.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (l *Log) list(ctx context.Context, filter bson.M) ([]eventlog.Event, error) {
	cursor, err := l.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence_number", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	events := make([]eventlog.Event, 0, len(docs))
	for _, doc := range docs {
		evt, err := doc.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

func (l *Log) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

func (l *Log) ensureIndexes(ctx context.Context) error {
	_, err := l.events.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "sequence_number", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "message_id", Value: 1}},
		},
	})
	return err
}

func fromEvent(evt eventlog.Event) (eventDocument, error) {
	doc := eventDocument{
		ID:             evt.ID,
		ConversationID: evt.ConversationID,
		MessageID:      evt.MessageID,
		SequenceNumber: evt.Sequence,
		EventType:      string(evt.Type),
		CreatedAt:      evt.CreatedAt.UTC(),
	}
	if len(evt.Data) > 0 {
		raw, err := rawFromJSON(evt.Data)
		if err != nil {
			return eventDocument{}, err
		}
		doc.EventData = raw
	}
	return doc, nil
}

func (doc eventDocument) toEvent() (eventlog.Event, error) {
	evt := eventlog.Event{
		ID:             doc.ID,
		ConversationID: doc.ConversationID,
		MessageID:      doc.MessageID,
		Sequence:       doc.SequenceNumber,
		Type:           eventlog.Type(doc.EventType),
		CreatedAt:      doc.CreatedAt,
	}
	if len(doc.EventData) > 0 {
		data, err := jsonFromRaw(doc.EventData)
		if err != nil {
			return eventlog.Event{}, err
		}
		evt.Data = data
	}
	return evt, nil
}

// rawFromJSON converts a JSON payload to BSON so event data is stored as a
// queryable document rather than an opaque string.
func rawFromJSON(data json.RawMessage) (bson.Raw, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return bson.Marshal(v)
}

func jsonFromRaw(raw bson.Raw) (json.RawMessage, error) {
	var v any
	if err := bson.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

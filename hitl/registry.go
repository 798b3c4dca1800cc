package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/orbit/broker"
	"goa.design/orbit/telemetry"
)

const (
	// DefaultTimeout bounds a request when the caller does not set a deadline.
	DefaultTimeout = 300 * time.Second

	defaultPollBlock = 5 * time.Second
	cleanupTimeout   = 5 * time.Second
)

type (
	// RegistryOptions configures a Registry.
	RegistryOptions struct {
		// Store persists pending requests. Required.
		Store Store
		// Broker carries responses across processes. Required.
		Broker broker.Broker
		// Logger receives consumer diagnostics. Defaults to a noop logger.
		Logger telemetry.Logger
		// DefaultTimeout applies to requests without a deadline. Defaults to
		// DefaultTimeout.
		DefaultTimeout time.Duration
		// PollBlock bounds each blocking read of the response stream.
		// Defaults to 5s.
		PollBlock time.Duration
	}

	// Registry is the process-wide pending-request table. Each process running
	// tool activities owns one Registry; a background consumer per active
	// conversation tails the response stream and resolves locally owned
	// waiters. Responses for waiters owned by other processes are ignored.
	Registry struct {
		store          Store
		broker         broker.Broker
		logger         telemetry.Logger
		defaultTimeout time.Duration
		pollBlock      time.Duration

		mu        sync.Mutex
		waiters   map[string]*Waiter
		consumers map[string]*consumer
		closed    bool
	}

	// Waiter blocks a tool call until its request is resolved.
	Waiter struct {
		reg *Registry
		req *Request
		ch  chan Response
	}

	consumer struct {
		cancel context.CancelFunc
		done   chan struct{}
		refs   int
	}
)

// NewRegistry builds a Registry. Store and Broker are required.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pollBlock := opts.PollBlock
	if pollBlock <= 0 {
		pollBlock = defaultPollBlock
	}
	return &Registry{
		store:          opts.Store,
		broker:         opts.Broker,
		logger:         logger,
		defaultTimeout: timeout,
		pollBlock:      pollBlock,
		waiters:        make(map[string]*Waiter),
		consumers:      make(map[string]*consumer),
	}, nil
}

// Create registers a pending request and returns the waiter the tool call
// blocks on. The caller emits the corresponding asked event after Create
// returns and before calling Wait, so clients observe the prompt before any
// resolution. The response-stream consumer for the conversation starts before
// the row is persisted, so a response can never slip between the two.
func (r *Registry) Create(ctx context.Context, req *Request) (*Waiter, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}
	if req.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if !req.Kind.Valid() {
		return nil, errors.New("invalid request kind")
	}
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().UTC().Add(r.defaultTimeout)
	}

	w := &Waiter{reg: r, req: req, ch: make(chan Response, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("registry is closed")
	}
	if _, ok := r.waiters[req.ID]; ok {
		r.mu.Unlock()
		return nil, errors.New("duplicate request id")
	}
	r.waiters[req.ID] = w
	r.retainConsumerLocked(req.ConversationID)
	r.mu.Unlock()

	if err := r.store.Create(ctx, req); err != nil {
		r.mu.Lock()
		delete(r.waiters, req.ID)
		r.releaseConsumerLocked(req.ConversationID)
		r.mu.Unlock()
		return nil, err
	}
	return w, nil
}

// Resolve delivers a response to the locally owned waiter and deletes the
// durable row. It reports whether this process owned the waiter; responses for
// requests owned elsewhere are ignored without error.
func (r *Registry) Resolve(ctx context.Context, resp Response) bool {
	if resp.Source == "" {
		resp.Source = SourceUser
	}
	w := r.claim(resp.RequestID)
	if w == nil {
		return false
	}
	w.ch <- resp
	r.deleteRow(resp.RequestID)
	return true
}

// Cancel resolves the request with a cancellation marker. The waiter, if
// locally owned, unblocks with ErrCanceled; the durable row is deleted either
// way.
func (r *Registry) Cancel(ctx context.Context, requestID string) error {
	if w := r.claim(requestID); w != nil {
		w.ch <- Response{RequestID: requestID, Source: SourceCancel}
	}
	return r.store.Delete(ctx, requestID)
}

// Respond publishes a user response to the conversation's response stream.
// Transport for the HTTP layer: the consumer running in the owning process
// picks it up and resolves the waiter.
func (r *Registry) Respond(ctx context.Context, conversationID string, resp Response) error {
	if resp.RequestID == "" {
		return errors.New("request id is required")
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = r.broker.Publish(ctx, broker.HITLResponsesKey(conversationID), payload)
	return err
}

// Pending returns the open requests of a conversation so a reconnecting
// client can re-render its prompts.
func (r *Registry) Pending(ctx context.Context, conversationID string) ([]*Request, error) {
	return r.store.ListByConversation(ctx, conversationID)
}

// Close stops all response consumers and cancels outstanding waiters.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	waiters := r.waiters
	r.waiters = make(map[string]*Waiter)
	consumers := make([]*consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		consumers = append(consumers, c)
	}
	r.consumers = make(map[string]*consumer)
	r.mu.Unlock()

	for id, w := range waiters {
		w.ch <- Response{RequestID: id, Source: SourceCancel}
	}
	for _, c := range consumers {
		c.cancel()
		<-c.done
	}
}

// Request returns the request the waiter was created for.
func (w *Waiter) Request() *Request { return w.req }

// Wait blocks until the request resolves. On a user response it returns the
// response. Past the deadline it returns the default choice tagged
// SourceTimeout when one is configured, ErrTimeout otherwise. Cancellation
// (local or via ctx) returns ErrCanceled or the context error.
func (w *Waiter) Wait(ctx context.Context) (Response, error) {
	timer := time.NewTimer(time.Until(w.req.Deadline))
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return w.finish(resp)
	case <-timer.C:
		if claimed := w.reg.claim(w.req.ID); claimed == nil {
			// Lost the race to an in-flight resolution.
			return w.finish(<-w.ch)
		}
		w.reg.deleteRow(w.req.ID)
		if w.req.DefaultChoice != "" {
			return Response{RequestID: w.req.ID, Answer: w.req.DefaultChoice, Source: SourceTimeout}, nil
		}
		return Response{}, ErrTimeout
	case <-ctx.Done():
		if claimed := w.reg.claim(w.req.ID); claimed == nil {
			return w.finish(<-w.ch)
		}
		w.reg.deleteRow(w.req.ID)
		return Response{}, ctx.Err()
	}
}

func (w *Waiter) finish(resp Response) (Response, error) {
	if resp.Source == SourceCancel {
		return Response{}, ErrCanceled
	}
	return resp, nil
}

// claim removes and returns the waiter for requestID, releasing its
// conversation consumer reference. Returns nil when the waiter was already
// claimed, which makes resolution exactly-once within the process.
func (r *Registry) claim(requestID string) *Waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[requestID]
	if !ok {
		return nil
	}
	delete(r.waiters, requestID)
	r.releaseConsumerLocked(w.req.ConversationID)
	return w
}

func (r *Registry) deleteRow(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.store.Delete(ctx, requestID); err != nil {
		r.logger.Error(ctx, "failed to delete resolved request", "request_id", requestID, "error", err)
	}
}

func (r *Registry) retainConsumerLocked(conversationID string) {
	if c, ok := r.consumers[conversationID]; ok {
		c.refs++
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{cancel: cancel, done: make(chan struct{}), refs: 1}
	r.consumers[conversationID] = c
	go r.consume(ctx, conversationID, c.done)
}

func (r *Registry) releaseConsumerLocked(conversationID string) {
	c, ok := r.consumers[conversationID]
	if !ok {
		return
	}
	c.refs--
	if c.refs > 0 {
		return
	}
	delete(r.consumers, conversationID)
	c.cancel()
}

// consume tails the conversation's response stream and resolves locally owned
// waiters. The cursor starts at the stream head: resolving an already-settled
// or foreign request is a no-op, so replaying retained responses is harmless
// and closes the race with responses published before the consumer started.
func (r *Registry) consume(ctx context.Context, conversationID string, done chan<- struct{}) {
	defer close(done)
	key := broker.HITLResponsesKey(conversationID)
	cursor := broker.FromStart
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := r.broker.Read(ctx, key, cursor, 0, r.pollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error(ctx, "response stream read failed", "conversation_id", conversationID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, entry := range entries {
			cursor = entry.ID
			var resp Response
			if err := json.Unmarshal(entry.Payload, &resp); err != nil {
				r.logger.Error(ctx, "malformed response payload", "conversation_id", conversationID, "entry_id", entry.ID, "error", err)
				continue
			}
			r.Resolve(ctx, resp)
		}
	}
}

// Package channel defines how documents leave and reach a node. Sending is
// fire-and-forget with at-least-once delivery; receivers must tolerate
// duplicates.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kilianp07/flexplan/core/document"
	"github.com/kilianp07/flexplan/core/factory"
	"github.com/kilianp07/flexplan/core/logger"
)

// ErrNoRoute is returned when no handler is registered for a recipient.
var ErrNoRoute = errors.New("channel: no route to recipient")

// MessageChannel sends documents to other participants.
type MessageChannel interface {
	Send(ctx context.Context, d document.Document) error
}

// Handler processes a received document.
type Handler func(ctx context.Context, d document.Document) error

// Receiver delivers inbound documents addressed to domain to h until ctx ends.
type Receiver interface {
	Receive(ctx context.Context, domain string, h Handler) error
}

// Transport is a channel able to both send and receive.
type Transport interface {
	MessageChannel
	Receiver
	Close() error
}

var registry = factory.NewRegistry[Transport]()

// Register adds a transport factory identified by name.
func Register(name string, f factory.Factory[Transport]) error {
	return registry.Register(name, f)
}

// New creates the transport named by cfg.Type.
// Types lists the registered transport names.
func Types() []string { return registry.Names() }

func New(cfg factory.ModuleConfig) (Transport, error) {
	t, err := registry.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", cfg.Type, err)
	}
	return t, nil
}

// Recorder keeps every sent document. It is used by tests and dry runs.
type Recorder struct {
	mu   sync.Mutex
	sent []document.Document
	Err  error
}

func (r *Recorder) Send(_ context.Context, d document.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, d)
	return nil
}

// Sent returns a copy of the recorded documents.
func (r *Recorder) Sent() []document.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]document.Document(nil), r.sent...)
}

// Reset forgets the recorded documents.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

// Router is an in-process transport connecting nodes that run in the same
// process. Sent documents are queued and handed to the recipient's handler
// by Run or Drain.
type Router struct {
	mu       sync.Mutex
	handlers map[string]Handler
	queue    []document.Document
	notify   chan struct{}
	log      logger.Logger
}

// NewRouter returns an empty router.
func NewRouter(log logger.Logger) *Router {
	return &Router{
		handlers: map[string]Handler{},
		notify:   make(chan struct{}, 1),
		log:      logger.OrNop(log),
	}
}

func (r *Router) Send(ctx context.Context, d document.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, ok := r.handlers[d.RecipientDomain]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w %s", ErrNoRoute, d.RecipientDomain)
	}
	r.queue = append(r.queue, d)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive registers h for domain. It returns immediately.
func (r *Router) Receive(_ context.Context, domain string, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s", domain)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[domain]; ok {
		return fmt.Errorf("domain %s already has a handler", domain)
	}
	r.handlers[domain] = h
	return nil
}

func (r *Router) pop() (document.Document, Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return document.Document{}, nil, false
	}
	d := r.queue[0]
	r.queue = r.queue[1:]
	return d, r.handlers[d.RecipientDomain], true
}

// Drain delivers queued documents, including those sent by the handlers
// themselves, until the queue is empty. It returns the number delivered.
func (r *Router) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		d, h, ok := r.pop()
		if !ok {
			return n, nil
		}
		n++
		if err := h(ctx, d); err != nil {
			r.log.Errorf("deliver %s #%d to %s: %v", d.Type, d.Sequence, d.RecipientDomain, err)
		}
	}
}

// Run delivers documents as they are sent until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		if _, err := r.Drain(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
		}
	}
}

func (r *Router) Close() error { return nil }

var _ Transport = (*Router)(nil)

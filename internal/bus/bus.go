package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tripchat/internal/domain"

	"github.com/google/uuid"
)

// Delivery is what a Sink receives for one matching subscription.
type Delivery struct {
	Path           string
	SubscriptionID string // the id the client chose when subscribing
	Payload        any
}

// Sink is the write side of a live connection.
type Sink interface {
	Write(ctx context.Context, d Delivery) error
}

// Subscription registers a sink for one user on one channel path.
type Subscription struct {
	ConnID   string
	User     string
	Path     string
	ClientID string
	Sink     Sink
}

// Broker is the single-process pub-sub broker. It implements domain.Publisher.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]Subscription            // broker id -> subscription
	byPath map[string]map[string]Subscription // path -> broker id -> subscription
	closed bool
	logger *slog.Logger
}

var _ domain.Publisher = (*Broker)(nil)

func New(logger *slog.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]Subscription),
		byPath: make(map[string]map[string]Subscription),
		logger: logger,
	}
}

// Subscribe registers sub and returns its broker id.
func (b *Broker) Subscribe(sub Subscription) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", fmt.Errorf("subscribe %s: broker closed", sub.Path)
	}
	id := uuid.NewString()
	b.subs[id] = sub
	if b.byPath[sub.Path] == nil {
		b.byPath[sub.Path] = make(map[string]Subscription)
	}
	b.byPath[sub.Path][id] = sub
	b.logger.Debug("subscribed", "conn_id", sub.ConnID, "user", sub.User, "path", sub.Path)
	return id, nil
}

func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

// UnsubscribeAll removes every subscription owned by connID.
func (b *Broker) UnsubscribeAll(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if sub.ConnID == connID {
			b.removeLocked(id)
		}
	}
}

func (b *Broker) removeLocked(id string) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	if m := b.byPath[sub.Path]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(b.byPath, sub.Path)
		}
	}
}

// SubscriberCount returns the number of subscriptions on path.
func (b *Broker) SubscriberCount(path string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byPath[path])
}

// SendToUser writes payload to every subscription of user on path.
// No matching subscription is not an error.
func (b *Broker) SendToUser(ctx context.Context, user, path string, payload any) error {
	return b.publish(ctx, path, payload, func(s Subscription) bool { return s.User == user })
}

// Broadcast writes payload to every subscription on path.
func (b *Broker) Broadcast(ctx context.Context, path string, payload any) error {
	return b.publish(ctx, path, payload, func(Subscription) bool { return true })
}

func (b *Broker) publish(ctx context.Context, path string, payload any, match func(Subscription) bool) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Warn("attempted to publish to closed broker", "path", path)
		return nil
	}
	targets := make([]Subscription, 0, len(b.byPath[path]))
	for _, s := range b.byPath[path] {
		if match(s) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, s := range targets {
		err := s.Sink.Write(ctx, Delivery{Path: path, SubscriptionID: s.ClientID, Payload: payload})
		if err != nil {
			errs = append(errs, fmt.Errorf("conn %s: %w", s.ConnID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s: %w", domain.ErrDeliveryFailure, path, errors.Join(errs...))
	}
	return nil
}

// Close drops all subscriptions; later publishes are no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.subs = make(map[string]Subscription)
		b.byPath = make(map[string]map[string]Subscription)
	}
}

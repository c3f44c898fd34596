package router

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"tripchat/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type push struct {
	user, path string
	payload    any
	broadcast  bool
}

// fakePublisher records pushes and fails any path listed in failPaths.
type fakePublisher struct {
	mu        sync.Mutex
	pushes    []push
	failPaths map[string]bool
	panics    bool
}

func (p *fakePublisher) SendToUser(_ context.Context, user, path string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{user: user, path: path, payload: payload})
	if p.panics {
		panic("transport exploded")
	}
	if p.failPaths[path] {
		return errors.New("write: connection reset")
	}
	return nil
}

func (p *fakePublisher) Broadcast(_ context.Context, path string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{path: path, payload: payload, broadcast: true})
	if p.failPaths[path] {
		return errors.New("write: connection reset")
	}
	return nil
}

func TestResolve(t *testing.T) {
	tests := []struct {
		purpose    domain.Purpose
		room, itin int64
		want       string
	}{
		{domain.PurposeConversation, 12, 0, "conversation/12"},
		{domain.PurposeConversation, 12, 99, "conversation/12"},
		{domain.PurposeItinerary, 12, 99, "itinerary/99"},
		{domain.PurposeItinerary, 12, 0, "itinerary/12"},
		{domain.PurposeError, 12, 0, "errors/12"},
		{domain.PurposeError, 0, 0, "errors/unknown"},
	}
	for _, tt := range tests {
		if got := Resolve(tt.purpose, tt.room, tt.itin); got != tt.want {
			t.Errorf("Resolve(%s, %d, %d) = %q, want %q", tt.purpose, tt.room, tt.itin, got, tt.want)
		}
	}
}

func TestDeliver_SingleRecipient(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, testLogger())

	r.Deliver(context.Background(), Destination{Purpose: domain.PurposeConversation, RoomID: 3, Recipient: "alice"}, "hello")

	require.Len(t, pub.pushes, 1)
	assert.Equal(t, push{user: "alice", path: "conversation/3", payload: "hello"}, pub.pushes[0])
}

func TestDeliver_FailureTriggersExactlyOneErrorPush(t *testing.T) {
	pub := &fakePublisher{failPaths: map[string]bool{"conversation/3": true}}
	r := New(pub, testLogger())

	assert.NotPanics(t, func() {
		r.Deliver(context.Background(), Destination{Purpose: domain.PurposeConversation, RoomID: 3, Recipient: "alice"}, "hello")
	})

	require.Len(t, pub.pushes, 2)
	fallback := pub.pushes[1]
	assert.Equal(t, "alice", fallback.user)
	assert.Equal(t, "errors/3", fallback.path)
	ev, ok := fallback.payload.(ErrorEvent)
	require.True(t, ok, "fallback payload should be an ErrorEvent")
	assert.Equal(t, "INTERNAL_ERROR", ev.Code)
}

func TestDeliver_FallbackFailureIsSwallowed(t *testing.T) {
	pub := &fakePublisher{failPaths: map[string]bool{"itinerary/8": true, "errors/3": true}}
	r := New(pub, testLogger())

	assert.NotPanics(t, func() {
		r.Deliver(context.Background(), Destination{Purpose: domain.PurposeItinerary, RoomID: 3, ItineraryID: 8, Recipient: "alice"}, "day")
	})
	assert.Len(t, pub.pushes, 2, "no retry after the fallback fails")
}

func TestDeliver_ErrorPurposeHasNoFallback(t *testing.T) {
	pub := &fakePublisher{failPaths: map[string]bool{"errors/3": true}}
	r := New(pub, testLogger())

	r.Deliver(context.Background(), Destination{Purpose: domain.PurposeError, RoomID: 3, Recipient: "alice"}, ErrorEventOf(3, domain.ErrAccessDenied))
	assert.Len(t, pub.pushes, 1)
}

func TestDeliver_PublisherPanicIsContained(t *testing.T) {
	pub := &fakePublisher{panics: true}
	r := New(pub, testLogger())

	assert.NotPanics(t, func() {
		r.Deliver(context.Background(), Destination{Purpose: domain.PurposeConversation, RoomID: 1, Recipient: "alice"}, "x")
	})
	assert.Len(t, pub.pushes, 2)
}

func TestDeliver_ItineraryWithoutRecipientBroadcasts(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, testLogger())

	r.Deliver(context.Background(), Destination{Purpose: domain.PurposeItinerary, RoomID: 4}, "progress")

	require.Len(t, pub.pushes, 1)
	assert.True(t, pub.pushes[0].broadcast)
	assert.Equal(t, "itinerary/4", pub.pushes[0].path)
}

func TestDeliver_NoRecipientDropped(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, testLogger())
	r.Deliver(context.Background(), Destination{Purpose: domain.PurposeConversation, RoomID: 4}, "x")
	assert.Empty(t, pub.pushes)
}

func TestErrorEventOf(t *testing.T) {
	ev := ErrorEventOf(7, domain.ErrInvalidCursor)
	assert.Equal(t, int64(7), ev.RoomID)
	assert.Equal(t, "INVALID_CURSOR", ev.Code)
}

// Package history serves reverse-chronological, cursor-paginated slices of
// a conversation's durable message log.
package history

import (
	"context"
	"fmt"
	"time"

	"tripchat/internal/domain"
	"tripchat/internal/metrics"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Page is one slice of history, newest first.
type Page struct {
	Content    []domain.Message `json:"content"`
	NextCursor *int64           `json:"nextCursor"`
	HasNext    bool             `json:"hasNext"`
	Size       int              `json:"size"`
}

type Engine struct {
	store       domain.MessageStore
	maxPageSize int
}

func NewEngine(store domain.MessageStore, maxPageSize int) *Engine {
	if maxPageSize <= 0 || maxPageSize > MaxPageSize {
		maxPageSize = MaxPageSize
	}
	return &Engine{store: store, maxPageSize: maxPageSize}
}

// CheckSize validates a requested page size. It is the first check Page
// runs, so callers that authorize before paging can keep the same order.
func (e *Engine) CheckSize(size int) error {
	if size < 1 || size > e.maxPageSize {
		return fmt.Errorf("%w: %d not in [1, %d]", domain.ErrInvalidPageSize, size, e.maxPageSize)
	}
	return nil
}

// Page returns up to size messages strictly older than cursor, or the
// newest page when cursor is nil. The cursor must name a message of this
// conversation; ids from other conversations are rejected.
func (e *Engine) Page(ctx context.Context, conversationID int64, cursor *int64, size int) (Page, error) {
	start := time.Now()
	defer metrics.HistoryLatency.ObserveSince(start)

	if err := e.CheckSize(size); err != nil {
		return Page{}, err
	}

	exists, err := e.store.ConversationExists(ctx, conversationID)
	if err != nil {
		return Page{}, fmt.Errorf("history: %w", err)
	}
	if !exists {
		return Page{}, fmt.Errorf("%w: %d", domain.ErrConversationNotFound, conversationID)
	}

	if cursor != nil {
		ok, err := e.store.MessageInConversation(ctx, conversationID, *cursor)
		if err != nil {
			return Page{}, fmt.Errorf("history: %w", err)
		}
		if !ok {
			return Page{}, domain.ErrInvalidCursor
		}
	}

	// One extra row tells us whether an older page exists.
	msgs, err := e.store.ListMessagesBefore(ctx, conversationID, cursor, size+1)
	if err != nil {
		return Page{}, fmt.Errorf("history: %w", err)
	}

	if msgs == nil {
		msgs = []domain.Message{}
	}
	page := Page{Size: size}
	if len(msgs) > size {
		page.HasNext = true
		msgs = msgs[:size]
	}
	page.Content = msgs
	if n := len(msgs); n > 0 {
		next := msgs[n-1].ID
		page.NextCursor = &next
	}
	return page, nil
}

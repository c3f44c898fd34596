// Package generate holds development generators. Production generation
// pipelines live outside this module and plug in through domain.Generator.
package generate

import (
	"context"
	"strings"
	"time"

	"tripchat/internal/domain"
)

// Echo streams the prompt back word by word as conversation fragments.
type Echo struct {
	// Delay between fragments. Zero sends as fast as the reader drains.
	Delay time.Duration
}

var _ domain.Generator = (*Echo)(nil)

func (e *Echo) Generate(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamFragment, error) {
	words := strings.Fields(req.Prompt)
	out := make(chan domain.StreamFragment)

	go func() {
		defer close(out)
		base := domain.StreamFragment{
			RoomID:      req.RoomID,
			ItineraryID: req.ItineraryID,
			Recipient:   req.Recipient,
			Purpose:     domain.PurposeConversation,
		}
		for i, w := range words {
			f := base
			f.Text = w
			if i > 0 {
				f.Text = " " + w
			}
			if !e.send(ctx, out, f) {
				return
			}
		}

		fin := base
		fin.Done = true
		e.send(ctx, out, fin)
	}()
	return out, nil
}

func (e *Echo) send(ctx context.Context, out chan<- domain.StreamFragment, f domain.StreamFragment) bool {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.Delay):
		}
	}
	select {
	case <-ctx.Done():
		return false
	case out <- f:
		return true
	}
}

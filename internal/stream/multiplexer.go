// Package stream classifies the fragments of a generation run by purpose
// and forwards them to the matching channel.
package stream

import (
	"context"
	"log/slog"
	"strings"

	"tripchat/internal/domain"
	"tripchat/internal/metrics"
	"tripchat/internal/router"
)

// Terminal is how a run ended.
type Terminal int

const (
	TerminalNone Terminal = iota // channel closed or context ended without a done/cancelled fragment
	TerminalDone
	TerminalCancelled
)

func (t Terminal) String() string {
	switch t {
	case TerminalDone:
		return "done"
	case TerminalCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Result summarizes one run.
type Result struct {
	Text      string // concatenated conversation text
	Terminal  Terminal
	Fragments int
	DayPlans  int
}

// Multiplexer holds no per-run state and is safe for concurrent runs.
type Multiplexer struct {
	router router.Deliverer
	logger *slog.Logger
}

func NewMultiplexer(r router.Deliverer, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{router: r, logger: logger}
}

// run is the state of a single generation run.
type run struct {
	m      *Multiplexer
	parser domain.DayPlanParser
	text   strings.Builder
	last   domain.Purpose
	res    Result
}

// Run consumes fragments until a terminal fragment, channel close or
// context end. Conversation text is forwarded per fragment in arrival
// order; itinerary fragments go to parser and only its derived day-plan
// notices are forwarded. parser may be nil when the run carries no
// itinerary data.
func (m *Multiplexer) Run(ctx context.Context, fragments <-chan domain.StreamFragment, parser domain.DayPlanParser) Result {
	r := &run{m: m, parser: parser, last: domain.PurposeConversation}
	for {
		select {
		case <-ctx.Done():
			return r.finish()
		case f, ok := <-fragments:
			if !ok {
				return r.finish()
			}
			if r.handle(ctx, f) {
				return r.finish()
			}
		}
	}
}

// handle processes one fragment and reports whether it ended the run.
func (r *run) handle(ctx context.Context, f domain.StreamFragment) bool {
	r.res.Fragments++
	metrics.StreamFragments.Inc()

	switch f.Purpose {
	case domain.PurposeConversation:
		r.last = domain.PurposeConversation
		if f.Text != "" {
			r.text.WriteString(f.Text)
			r.m.router.Deliver(ctx, router.Destination{
				Purpose:   domain.PurposeConversation,
				RoomID:    f.RoomID,
				Recipient: f.Recipient,
			}, router.ConversationEvent{Type: router.EventDelta, RoomID: f.RoomID, Delta: f.Text})
		}
	case domain.PurposeItinerary:
		r.last = domain.PurposeItinerary
		r.feed(ctx, f)
	default:
		r.m.logger.Warn("dropping fragment with unknown purpose", "purpose", f.Purpose, "room_id", f.RoomID)
	}

	if !f.Terminal() {
		return false
	}
	if f.Cancelled {
		r.res.Terminal = TerminalCancelled
	} else {
		r.res.Terminal = TerminalDone
	}
	r.complete(ctx, f)
	return true
}

func (r *run) feed(ctx context.Context, f domain.StreamFragment) {
	if r.parser == nil {
		r.m.logger.Warn("itinerary fragment without parser", "room_id", f.RoomID)
		return
	}
	notices, err := r.parser.Feed(ctx, f)
	if err != nil {
		r.m.logger.Error("itinerary parse failed", "room_id", f.RoomID, "itinerary_id", f.ItineraryID, "err", err)
		r.m.router.Deliver(ctx, router.Destination{
			Purpose:   domain.PurposeError,
			RoomID:    f.RoomID,
			Recipient: f.Recipient,
		}, router.ErrorEventOf(f.RoomID, err))
		return
	}
	for i := range notices {
		n := notices[i]
		itineraryID := n.ItineraryID
		if itineraryID == 0 {
			itineraryID = f.ItineraryID
		}
		r.res.DayPlans++
		r.m.router.Deliver(ctx, router.Destination{
			Purpose:     domain.PurposeItinerary,
			RoomID:      f.RoomID,
			ItineraryID: itineraryID,
			Recipient:   f.Recipient,
		}, router.ItineraryEvent{Type: router.EventDayPlanGenerated, RoomID: f.RoomID, ItineraryID: itineraryID, DayPlan: &n})
	}
}

// complete forwards the terminal notice on the channel of the purpose that
// was active when the run ended.
func (r *run) complete(ctx context.Context, f domain.StreamFragment) {
	if r.last == domain.PurposeConversation {
		typ := router.EventDone
		if f.Cancelled {
			typ = router.EventCancelled
		}
		r.m.router.Deliver(ctx, router.Destination{
			Purpose:   domain.PurposeConversation,
			RoomID:    f.RoomID,
			Recipient: f.Recipient,
		}, router.ConversationEvent{Type: typ, RoomID: f.RoomID})
		return
	}

	typ := router.EventItineraryCompleted
	if f.Cancelled {
		typ = router.EventItineraryCancelled
	}
	r.m.router.Deliver(ctx, router.Destination{
		Purpose:     domain.PurposeItinerary,
		RoomID:      f.RoomID,
		ItineraryID: f.ItineraryID,
		Recipient:   f.Recipient,
	}, router.ItineraryEvent{Type: typ, RoomID: f.RoomID, ItineraryID: f.ItineraryID})
}

func (r *run) finish() Result {
	r.res.Text = r.text.String()
	return r.res
}

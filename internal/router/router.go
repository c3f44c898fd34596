// Package router resolves logical destinations to per-user channel paths
// and pushes payloads through the injected broker.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"tripchat/internal/domain"
	"tripchat/internal/metrics"
)

const (
	PrefixConversation = "conversation/"
	PrefixItinerary    = "itinerary/"
	PrefixErrors       = "errors/"

	unknownRoom = "unknown"
)

// Destination is a (purpose, room, recipient) triple. RoomID and
// ItineraryID are 0 when unknown.
type Destination struct {
	Purpose     domain.Purpose
	RoomID      int64
	ItineraryID int64
	Recipient   string
}

// Deliverer is what the commit gate, multiplexer and chat service push through.
type Deliverer interface {
	Deliver(ctx context.Context, dst Destination, payload any)
	BroadcastItinerary(ctx context.Context, roomID, itineraryID int64, payload any)
}

// Resolve maps a destination to its channel path. Itinerary progress is
// keyed by itinerary id when known and falls back to the room id.
func Resolve(purpose domain.Purpose, roomID, itineraryID int64) string {
	switch purpose {
	case domain.PurposeConversation:
		return PrefixConversation + strconv.FormatInt(roomID, 10)
	case domain.PurposeItinerary:
		if itineraryID != 0 {
			return PrefixItinerary + strconv.FormatInt(itineraryID, 10)
		}
		return PrefixItinerary + strconv.FormatInt(roomID, 10)
	default:
		if roomID == 0 {
			return PrefixErrors + unknownRoom
		}
		return PrefixErrors + strconv.FormatInt(roomID, 10)
	}
}

type Router struct {
	pub    domain.Publisher
	logger *slog.Logger
}

var _ Deliverer = (*Router)(nil)

func New(pub domain.Publisher, logger *slog.Logger) *Router {
	return &Router{pub: pub, logger: logger}
}

// Deliver pushes payload to the single recipient of dst. Failures never
// reach the caller: a failed conversation or itinerary push is followed by
// one generic notice on the recipient's error channel, and a failure of
// that notice is only logged.
func (r *Router) Deliver(ctx context.Context, dst Destination, payload any) {
	if dst.Recipient == "" && dst.Purpose == domain.PurposeItinerary {
		r.BroadcastItinerary(ctx, dst.RoomID, dst.ItineraryID, payload)
		return
	}
	if dst.Recipient == "" {
		r.logger.Warn("dropping push without recipient", "purpose", dst.Purpose, "room_id", dst.RoomID)
		return
	}

	path := Resolve(dst.Purpose, dst.RoomID, dst.ItineraryID)
	err := r.push(ctx, func() error { return r.pub.SendToUser(ctx, dst.Recipient, path, payload) })
	if err == nil {
		return
	}

	r.logger.Error("delivery failed",
		"purpose", dst.Purpose,
		"path", path,
		"recipient", dst.Recipient,
		"err", err,
	)
	if dst.Purpose == domain.PurposeError {
		return
	}

	metrics.FallbackPushes.Inc()
	notice := ErrorEventOf(dst.RoomID, domain.ErrInternal)
	errPath := Resolve(domain.PurposeError, dst.RoomID, 0)
	if err := r.push(ctx, func() error { return r.pub.SendToUser(ctx, dst.Recipient, errPath, notice) }); err != nil {
		r.logger.Warn("error-channel fallback failed", "path", errPath, "recipient", dst.Recipient, "err", err)
	}
}

// BroadcastItinerary pushes itinerary progress to every subscriber of the
// itinerary topic. Used only before a recipient is known.
func (r *Router) BroadcastItinerary(ctx context.Context, roomID, itineraryID int64, payload any) {
	path := Resolve(domain.PurposeItinerary, roomID, itineraryID)
	if err := r.push(ctx, func() error { return r.pub.Broadcast(ctx, path, payload) }); err != nil {
		r.logger.Error("itinerary broadcast failed", "path", path, "err", err)
	}
}

// push runs one publish attempt, turning a panicking transport into an error.
func (r *Router) push(ctx context.Context, publish func() error) (err error) {
	metrics.Deliveries.Inc()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: publisher panic: %v", domain.ErrDeliveryFailure, rec)
		}
		if err != nil {
			metrics.DeliveryFailures.Inc()
		}
	}()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailure, err)
	}
	return publish()
}

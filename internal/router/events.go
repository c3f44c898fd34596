package router

import "tripchat/internal/domain"

// Conversation channel event types.
const (
	EventMessage   = "message"
	EventDelta     = "delta"
	EventDone      = "done"
	EventCancelled = "cancelled"
)

// Itinerary channel event types.
const (
	EventDayPlanGenerated   = "day_plan_generated"
	EventItineraryCompleted = "itinerary_completed"
	EventItineraryCancelled = "itinerary_cancelled"
)

// ConversationEvent is pushed on conversation/{roomId}.
type ConversationEvent struct {
	Type    string          `json:"type"`
	RoomID  int64           `json:"room_id"`
	Message *domain.Message `json:"message,omitempty"`
	Delta   string          `json:"delta,omitempty"`
}

// ItineraryEvent is pushed on itinerary/{tripId}.
type ItineraryEvent struct {
	Type        string                `json:"type"`
	RoomID      int64                 `json:"room_id,omitempty"`
	ItineraryID int64                 `json:"itinerary_id,omitempty"`
	DayPlan     *domain.DayPlanNotice `json:"day_plan,omitempty"`
}

// ErrorEvent is pushed on errors/{roomId}.
type ErrorEvent struct {
	domain.ErrorPayload
	RoomID int64 `json:"room_id,omitempty"`
}

// ErrorEventOf builds the user-visible error notice for err.
func ErrorEventOf(roomID int64, err error) ErrorEvent {
	return ErrorEvent{ErrorPayload: domain.PayloadOf(err), RoomID: roomID}
}

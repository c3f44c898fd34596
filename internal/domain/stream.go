package domain

import "context"

// Purpose classifies a fragment or notification by the logical channel it feeds.
type Purpose string

const (
	PurposeConversation Purpose = "CONVERSATION"
	PurposeItinerary    Purpose = "ITINERARY"
	PurposeError        Purpose = "ERROR"
)

// StreamFragment is one piece of output from a generation run. It is not
// persisted and is consumed exactly once by the multiplexer.
type StreamFragment struct {
	RoomID      int64   `json:"room_id"`
	ItineraryID int64   `json:"itinerary_id,omitempty"`
	Recipient   string  `json:"recipient,omitempty"`
	Text        string  `json:"text,omitempty"`
	Purpose     Purpose `json:"purpose"`
	Done        bool    `json:"done,omitempty"`
	Cancelled   bool    `json:"cancelled,omitempty"`
}

// Terminal reports whether the fragment ends its generation run.
func (f StreamFragment) Terminal() bool {
	return f.Done || f.Cancelled
}

// DayPlanNotice is emitted by a DayPlanParser once the itinerary fragments
// it has accumulated form a structurally complete day plan.
type DayPlanNotice struct {
	ItineraryID int64  `json:"itinerary_id"`
	DayPlanID   int64  `json:"day_plan_id,omitempty"`
	Day         int    `json:"day"`
	Title       string `json:"title,omitempty"`
}

// DayPlanParser accumulates ITINERARY fragments of a single run. It
// belongs to the itinerary persistence layer.
type DayPlanParser interface {
	Feed(ctx context.Context, fragment StreamFragment) ([]DayPlanNotice, error)
}

// GenerationRequest starts one generation run for a user message.
type GenerationRequest struct {
	RoomID      int64
	ItineraryID int64
	Recipient   string
	Prompt      string
}

// Generator is the AI generation pipeline. It owns its own concurrency and
// must close the returned channel when the run ends.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (<-chan StreamFragment, error)
}

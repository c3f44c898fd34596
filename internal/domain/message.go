package domain

import "time"

type AuthorKind string

const (
	AuthorUser      AuthorKind = "USER"
	AuthorAssistant AuthorKind = "ASSISTANT"
)

// ContentKind classifies message content. Only the kinds listed in
// SupportedContentKinds are accepted on inbound sends.
type ContentKind string

const (
	ContentText  ContentKind = "TEXT"
	ContentImage ContentKind = "IMAGE"
)

var SupportedContentKinds = map[ContentKind]bool{
	ContentText:  true,
	ContentImage: true,
}

// ConversationSession is one user's planning dialogue. All channel access
// for its room id is gated by OwnerID.
type ConversationSession struct {
	ID          int64     `json:"id"`
	OwnerID     string    `json:"owner_id"`
	ItineraryID *int64    `json:"itinerary_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is an immutable entry in a conversation's durable log.
// Within one conversation, ID order equals creation order.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	Author         AuthorKind  `json:"author"`
	Content        string      `json:"content"`
	Kind           ContentKind `json:"kind"`
	CreatedAt      time.Time   `json:"created_at"`
}

// InboundMessage is the body of a client SEND to send/conversation/{roomId}/message.
type InboundMessage struct {
	Content string      `json:"content"`
	Kind    ContentKind `json:"kind"`
}

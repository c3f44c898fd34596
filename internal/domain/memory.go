package domain

import "context"

// SessionStore persists ConversationSessions.
type SessionStore interface {
	CreateConversation(ctx context.Context, conv ConversationSession) (ConversationSession, error)
	// GetConversation returns nil, nil when id does not exist.
	GetConversation(ctx context.Context, id int64) (*ConversationSession, error)
	ListConversations(ctx context.Context, ownerID string, limit int) ([]ConversationSession, error)
	LinkItinerary(ctx context.Context, id, itineraryID int64) error
	DeleteConversation(ctx context.Context, id int64) error
}

// MessageStore is the read side of the durable message log. Appends go
// through a MessageTx so the Commit Gate can tie notifications to them.
type MessageStore interface {
	ConversationExists(ctx context.Context, conversationID int64) (bool, error)
	MessageInConversation(ctx context.Context, conversationID, messageID int64) (bool, error)
	// ListMessagesBefore returns up to limit messages newest-first. When
	// before is non-nil only messages with id < *before are returned.
	ListMessagesBefore(ctx context.Context, conversationID int64, before *int64, limit int) ([]Message, error)
}

// MessageTx is a single write transaction on the message log.
type MessageTx interface {
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	Commit() error
	Rollback() error
}

// TxSource opens message write transactions.
type TxSource interface {
	BeginMessageTx(ctx context.Context) (MessageTx, error)
}

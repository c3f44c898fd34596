package domain

import "context"

// Publisher is the pub-sub broker the Destination Router pushes through.
// It is injected, never looked up globally.
type Publisher interface {
	// SendToUser pushes payload to every subscription of user on path.
	SendToUser(ctx context.Context, user, path string, payload any) error
	// Broadcast pushes payload to every subscription on path regardless of user.
	Broadcast(ctx context.Context, path string, payload any) error
}

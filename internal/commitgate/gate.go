package commitgate

import (
	"context"
	"log/slog"

	"tripchat/internal/domain"
	"tripchat/internal/router"
)

// Gate appends a message and notifies the conversation channel only after
// the append is durable.
type Gate struct {
	coord  *Coordinator
	router router.Deliverer
	logger *slog.Logger
}

func NewGate(coord *Coordinator, r router.Deliverer, logger *slog.Logger) *Gate {
	return &Gate{coord: coord, router: r, logger: logger}
}

// AppendAndNotify persists msg in its own transaction and schedules one
// conversation-channel push to recipient for after the commit.
func (g *Gate) AppendAndNotify(ctx context.Context, msg domain.Message, recipient string) (domain.Message, error) {
	var saved domain.Message
	err := g.coord.Do(ctx, func(ctx context.Context, uow *UnitOfWork) error {
		var err error
		saved, err = uow.Append(ctx, msg)
		if err != nil {
			return err
		}
		uow.AfterCommit(func(ctx context.Context) {
			g.router.Deliver(ctx, router.Destination{
				Purpose:   domain.PurposeConversation,
				RoomID:    saved.ConversationID,
				Recipient: recipient,
			}, router.ConversationEvent{
				Type:    router.EventMessage,
				RoomID:  saved.ConversationID,
				Message: &saved,
			})
		})
		return nil
	})
	if err != nil {
		g.logger.Debug("append not committed", "room_id", msg.ConversationID, "author", msg.Author, "err", err)
		return domain.Message{}, err
	}
	return saved, nil
}

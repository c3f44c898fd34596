package api

import (
	"time"

	"github.com/samber/lo"

	"tripchat/internal/domain"
	"tripchat/internal/history"
)

type conversationDTO struct {
	ID          int64     `json:"id"`
	OwnerID     string    `json:"ownerId"`
	ItineraryID *int64    `json:"itineraryId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type messageDTO struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Author         string    `json:"author"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"createdAt"`
}

type pageDTO struct {
	Content    []messageDTO `json:"content"`
	NextCursor *int64       `json:"nextCursor"`
	HasNext    bool         `json:"hasNext"`
	Size       int          `json:"size"`
}

func toConversationDTO(c domain.ConversationSession) conversationDTO {
	return conversationDTO{ID: c.ID, OwnerID: c.OwnerID, ItineraryID: c.ItineraryID, CreatedAt: c.CreatedAt}
}

func toMessageDTO(m domain.Message) messageDTO {
	return messageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Author:         string(m.Author),
		Content:        m.Content,
		Kind:           string(m.Kind),
		CreatedAt:      m.CreatedAt,
	}
}

func toPageDTO(p history.Page) pageDTO {
	return pageDTO{
		Content: lo.Map(p.Content, func(m domain.Message, _ int) messageDTO {
			return toMessageDTO(m)
		}),
		NextCursor: p.NextCursor,
		HasNext:    p.HasNext,
		Size:       p.Size,
	}
}

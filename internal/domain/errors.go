package domain

import (
	"errors"
	"net/http"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrForbiddenSubscription  = errors.New("forbidden subscription")
	ErrForbiddenSend          = errors.New("forbidden send")
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrAccessDenied           = errors.New("access denied")
	ErrInvalidMessageFormat   = errors.New("invalid message format")
	ErrInvalidPageSize        = errors.New("invalid page size")
	ErrInvalidCursor          = errors.New("invalid cursor")
	ErrDeliveryFailure        = errors.New("delivery failure")
	ErrInternal               = errors.New("internal error")
)

// ErrorPayload is the structured, user-visible form of an error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrAuthenticationRequired, "AUTHENTICATION_REQUIRED", http.StatusUnauthorized},
	{ErrUnauthenticated, "UNAUTHENTICATED", http.StatusUnauthorized},
	{ErrForbiddenSubscription, "FORBIDDEN_SUBSCRIPTION", http.StatusForbidden},
	{ErrForbiddenSend, "FORBIDDEN_SEND", http.StatusForbidden},
	{ErrConversationNotFound, "CONVERSATION_NOT_FOUND", http.StatusNotFound},
	{ErrAccessDenied, "ACCESS_DENIED", http.StatusForbidden},
	{ErrInvalidMessageFormat, "INVALID_MESSAGE_FORMAT", http.StatusBadRequest},
	{ErrInvalidPageSize, "INVALID_PAGE_SIZE", http.StatusBadRequest},
	{ErrInvalidCursor, "INVALID_CURSOR", http.StatusBadRequest},
	{ErrDeliveryFailure, "DELIVERY_FAILURE", http.StatusInternalServerError},
}

// CodeOf maps err to its stable wire code. Unknown errors become INTERNAL_ERROR.
func CodeOf(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL_ERROR"
}

// StatusOf maps err to an HTTP status code.
func StatusOf(err error) int {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// PayloadOf builds the user-visible payload for err. Unknown errors are
// reported generically so internals never leak to clients.
func PayloadOf(err error) ErrorPayload {
	code := CodeOf(err)
	if code == "INTERNAL_ERROR" {
		return ErrorPayload{Code: code, Message: ErrInternal.Error()}
	}
	return ErrorPayload{Code: code, Message: err.Error()}
}

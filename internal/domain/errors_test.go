package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("history page: %w", ErrInvalidCursor)
	if got := CodeOf(err); got != "INVALID_CURSOR" {
		t.Errorf("CodeOf = %q, want INVALID_CURSOR", got)
	}
	if got := StatusOf(err); got != http.StatusBadRequest {
		t.Errorf("StatusOf = %d, want 400", got)
	}
}

func TestPayloadOf_UnknownErrorIsGeneric(t *testing.T) {
	p := PayloadOf(errors.New("sqlite: disk I/O error at page 42"))
	if p.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q", p.Code)
	}
	if p.Message != ErrInternal.Error() {
		t.Errorf("message leaked internals: %q", p.Message)
	}
}

func TestStreamFragment_Terminal(t *testing.T) {
	if (StreamFragment{Text: "hi"}).Terminal() {
		t.Error("plain fragment should not be terminal")
	}
	if !(StreamFragment{Done: true}).Terminal() || !(StreamFragment{Cancelled: true}).Terminal() {
		t.Error("done and cancelled fragments should be terminal")
	}
}

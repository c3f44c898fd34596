// Package gatekeeper authenticates connections and authorizes every
// subscribe and send against the channel destination grammar. All checks
// are pure functions of (principal, command, destination).
package gatekeeper

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tripchat/internal/domain"
)

const (
	AuthorizationHeader = "Authorization"
	bearerScheme        = "bearer"

	sendPrefix = "send/conversation/"
	sendSuffix = "/message"
)

// Subscribable destination prefixes. Each is followed by exactly one
// room (or itinerary) identifier segment.
var subscribePrefixes = []string{"conversation/", "itinerary/", errorsPrefix}

const (
	errorsPrefix   = "errors/"
	unknownSegment = "unknown"
)

// Verifier checks a bearer credential and resolves its principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.Principal, error)
}

type Gatekeeper struct {
	verifier Verifier
}

func New(verifier Verifier) *Gatekeeper {
	return &Gatekeeper{verifier: verifier}
}

// Connect authenticates a CONNECT command. The header name is matched
// case-insensitively, as is the Bearer scheme.
func (g *Gatekeeper) Connect(ctx context.Context, headers map[string]string) (*domain.Principal, error) {
	token, ok := BearerToken(headers)
	if !ok {
		return nil, domain.ErrAuthenticationRequired
	}
	p, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrAuthenticationRequired, err)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: credential has no subject", domain.ErrAuthenticationRequired)
	}
	return &p, nil
}

// HasAuthorization reports whether headers carry an Authorization entry
// under any casing.
func HasAuthorization(headers map[string]string) bool {
	for name := range headers {
		if strings.EqualFold(name, AuthorizationHeader) {
			return true
		}
	}
	return false
}

// BearerToken extracts the bearer credential from headers. More than one
// Authorization entry (differing only in case) is ambiguous and rejected.
func BearerToken(headers map[string]string) (string, bool) {
	var value string
	seen := 0
	for name, v := range headers {
		if strings.EqualFold(name, AuthorizationHeader) {
			value = v
			seen++
		}
	}
	if seen != 1 {
		return "", false
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// AuthorizeSubscribe admits subscriptions to the three known channel
// families. Room ownership is deliberately not checked here: it is
// enforced where the channel's data is read or written.
func AuthorizeSubscribe(p *domain.Principal, destination string) error {
	if p == nil {
		return domain.ErrUnauthenticated
	}
	if GrantFor(p).Allows(destination) {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrForbiddenSubscription, destination)
}

// AuthorizeSend admits only send/conversation/{roomId}/message and
// returns the parsed room id.
func AuthorizeSend(p *domain.Principal, destination string) (int64, error) {
	if p == nil {
		return 0, domain.ErrUnauthenticated
	}
	rest, ok := strings.CutPrefix(destination, sendPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrForbiddenSend, destination)
	}
	room, ok := strings.CutSuffix(rest, sendSuffix)
	if !ok || strings.Contains(room, "/") {
		return 0, fmt.Errorf("%w: %s", domain.ErrForbiddenSend, destination)
	}
	id, err := strconv.ParseInt(room, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrForbiddenSend, destination)
	}
	return id, nil
}

// Grant is the set of destination patterns a connection may subscribe to.
type Grant struct {
	Principal string
	Patterns  []string
}

// GrantFor derives the grant from the principal alone. It is recomputed
// per command and never cached past the connection.
func GrantFor(p *domain.Principal) Grant {
	if p == nil {
		return Grant{}
	}
	patterns := make([]string, len(subscribePrefixes))
	for i, prefix := range subscribePrefixes {
		patterns[i] = prefix + "*"
	}
	return Grant{Principal: p.UserID, Patterns: patterns}
}

// Allows reports whether destination matches one of the grant's patterns.
// "*" matches exactly one path segment holding a positive integer id in
// canonical form. The
// error channel also accepts "unknown" for failures without a room.
func (g Grant) Allows(destination string) bool {
	for _, pattern := range g.Patterns {
		prefix, _ := strings.CutSuffix(pattern, "*")
		seg, ok := strings.CutPrefix(destination, prefix)
		if !ok {
			continue
		}
		if prefix == errorsPrefix && seg == unknownSegment {
			return true
		}
		if id, err := strconv.ParseInt(seg, 10, 64); err == nil && id > 0 && strconv.FormatInt(id, 10) == seg {
			return true
		}
	}
	return false
}

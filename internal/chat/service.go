// Package chat is the application service in front of the delivery
// subsystem: it checks conversation ownership, persists inbound user
// messages through the commit gate and drives generation runs.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"tripchat/internal/commitgate"
	"tripchat/internal/domain"
	"tripchat/internal/history"
	"tripchat/internal/metrics"
	"tripchat/internal/router"
	"tripchat/internal/stream"
)

const (
	defaultOwnerTTL    = 30 * time.Second
	defaultConcurrency = 4
	defaultListLimit   = 50
)

// ParserFactory returns a fresh DayPlanParser for one generation run.
type ParserFactory func(req domain.GenerationRequest) domain.DayPlanParser

// Config holds the dependencies of a Service.
type Config struct {
	Sessions  domain.SessionStore
	Gate      *commitgate.Gate
	Router    router.Deliverer
	History   *history.Engine
	Mux       *stream.Multiplexer
	Generator domain.Generator // optional: nil disables generation
	Parsers   ParserFactory    // optional: itinerary fragments are dropped without one
	Logger    *slog.Logger

	OwnerTTL      time.Duration
	Concurrency   int // max parallel generation runs
	RateBurst     int
	RatePerMinute float64
}

type Service struct {
	sessions  domain.SessionStore
	gate      *commitgate.Gate
	router    router.Deliverer
	history   *history.Engine
	mux       *stream.Multiplexer
	generator domain.Generator
	parsers   ParserFactory
	logger    *slog.Logger

	owners  *cache.Cache
	limits  *userLimiters
	sem     chan struct{}
	runCtx  context.Context
	stopRun context.CancelFunc

	runMu  sync.Mutex // guards closed and wg.Add against Close
	closed bool
	wg     sync.WaitGroup
}

func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OwnerTTL <= 0 {
		cfg.OwnerTTL = defaultOwnerTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	runCtx, stop := context.WithCancel(context.Background())
	return &Service{
		sessions:  cfg.Sessions,
		gate:      cfg.Gate,
		router:    cfg.Router,
		history:   cfg.History,
		mux:       cfg.Mux,
		generator: cfg.Generator,
		parsers:   cfg.Parsers,
		logger:    cfg.Logger,
		owners:    cache.New(cfg.OwnerTTL, 2*cfg.OwnerTTL),
		limits:    newUserLimiters(cfg.RateBurst, cfg.RatePerMinute),
		sem:       make(chan struct{}, cfg.Concurrency),
		runCtx:    runCtx,
		stopRun:   stop,
	}
}

// Wait blocks until every started generation run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels in-flight generation runs and waits for them to exit.
// Messages accepted after Close are stored but start no run.
func (s *Service) Close() {
	s.runMu.Lock()
	s.closed = true
	s.runMu.Unlock()
	s.stopRun()
	s.wg.Wait()
}

// StartConversation opens a new conversation owned by p.
func (s *Service) StartConversation(ctx context.Context, p *domain.Principal) (domain.ConversationSession, error) {
	if p == nil {
		return domain.ConversationSession{}, domain.ErrUnauthenticated
	}
	conv, err := s.sessions.CreateConversation(ctx, domain.ConversationSession{OwnerID: p.UserID})
	if err != nil {
		return domain.ConversationSession{}, fmt.Errorf("start conversation: %w", err)
	}
	s.owners.SetDefault(ownerKey(conv.ID), conv)
	s.logger.Info("conversation started", "room_id", conv.ID, "owner", p.UserID)
	return conv, nil
}

// ListConversations returns p's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, p *domain.Principal, limit int) ([]domain.ConversationSession, error) {
	if p == nil {
		return nil, domain.ErrUnauthenticated
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	convs, err := s.sessions.ListConversations(ctx, p.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Service) DeleteConversation(ctx context.Context, p *domain.Principal, id int64) error {
	if _, err := s.authorize(ctx, p, id); err != nil {
		return err
	}
	if err := s.sessions.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation %d: %w", id, err)
	}
	s.owners.Delete(ownerKey(id))
	s.logger.Info("conversation deleted", "room_id", id, "owner", p.UserID)
	return nil
}

// LinkItinerary attaches an itinerary to a conversation so later itinerary
// progress is keyed by its id.
func (s *Service) LinkItinerary(ctx context.Context, p *domain.Principal, id, itineraryID int64) error {
	if _, err := s.authorize(ctx, p, id); err != nil {
		return err
	}
	if err := s.sessions.LinkItinerary(ctx, id, itineraryID); err != nil {
		return fmt.Errorf("link itinerary: %w", err)
	}
	s.owners.Delete(ownerKey(id))
	return nil
}

// History returns one page of conversation history for its owner.
func (s *Service) History(ctx context.Context, p *domain.Principal, id int64, cursor *int64, size int) (history.Page, error) {
	if p == nil {
		return history.Page{}, domain.ErrUnauthenticated
	}
	if err := s.history.CheckSize(size); err != nil {
		return history.Page{}, err
	}
	if _, err := s.authorize(ctx, p, id); err != nil {
		return history.Page{}, err
	}
	return s.history.Page(ctx, id, cursor, size)
}

// HandleUserMessage persists an inbound user message, pushes it to the
// conversation channel after commit and starts a generation run. Any
// failure is returned and also pushed to the sender's error channel.
func (s *Service) HandleUserMessage(ctx context.Context, p *domain.Principal, roomID int64, in domain.InboundMessage) (domain.Message, error) {
	msg, conv, err := s.acceptUserMessage(ctx, p, roomID, in)
	if err != nil {
		if p != nil {
			s.router.Deliver(ctx, router.Destination{
				Purpose:   domain.PurposeError,
				RoomID:    roomID,
				Recipient: p.UserID,
			}, router.ErrorEventOf(roomID, err))
		}
		return domain.Message{}, err
	}

	if s.generator != nil {
		s.startRun(conv, p.UserID, msg.Content)
	}
	return msg, nil
}

func (s *Service) acceptUserMessage(ctx context.Context, p *domain.Principal, roomID int64, in domain.InboundMessage) (domain.Message, domain.ConversationSession, error) {
	conv, err := s.authorize(ctx, p, roomID)
	if err != nil {
		return domain.Message{}, conv, err
	}
	kind := in.Kind
	if kind == "" {
		kind = domain.ContentText
	}
	if !domain.SupportedContentKinds[kind] || strings.TrimSpace(in.Content) == "" {
		return domain.Message{}, conv, domain.ErrInvalidMessageFormat
	}

	msg, err := s.gate.AppendAndNotify(ctx, domain.Message{
		ConversationID: roomID,
		Author:         domain.AuthorUser,
		Content:        in.Content,
		Kind:           kind,
	}, p.UserID)
	if err != nil {
		return domain.Message{}, conv, fmt.Errorf("append user message: %w", err)
	}
	return msg, conv, nil
}

// authorize loads the conversation and checks that p owns it.
func (s *Service) authorize(ctx context.Context, p *domain.Principal, id int64) (domain.ConversationSession, error) {
	if p == nil {
		return domain.ConversationSession{}, domain.ErrUnauthenticated
	}
	conv, err := s.conversation(ctx, id)
	if err != nil {
		return domain.ConversationSession{}, err
	}
	if conv.OwnerID != p.UserID {
		return domain.ConversationSession{}, domain.ErrAccessDenied
	}
	return conv, nil
}

func (s *Service) conversation(ctx context.Context, id int64) (domain.ConversationSession, error) {
	if v, ok := s.owners.Get(ownerKey(id)); ok {
		return v.(domain.ConversationSession), nil
	}
	conv, err := s.sessions.GetConversation(ctx, id)
	if err != nil {
		return domain.ConversationSession{}, fmt.Errorf("load conversation %d: %w", id, err)
	}
	if conv == nil {
		return domain.ConversationSession{}, domain.ErrConversationNotFound
	}
	s.owners.SetDefault(ownerKey(id), *conv)
	return *conv, nil
}

func (s *Service) startRun(conv domain.ConversationSession, user, prompt string) {
	req := domain.GenerationRequest{RoomID: conv.ID, Recipient: user, Prompt: prompt}
	if conv.ItineraryID != nil {
		req.ItineraryID = *conv.ItineraryID
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closed {
		s.logger.Debug("service closed, generation skipped", "room_id", conv.ID)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.generate(s.runCtx, req)
	}()
}

// generate drives one run: fragments go through the multiplexer and, on a
// normal end, the accumulated reply is persisted through the commit gate.
func (s *Service) generate(ctx context.Context, req domain.GenerationRequest) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	}
	if err := s.limits.Wait(ctx, req.Recipient); err != nil {
		return
	}

	metrics.GenerationRuns.Inc()
	defer metrics.GenerationRuns.Dec()

	fragments, err := s.generator.Generate(ctx, req)
	if err != nil {
		s.logger.Error("generation failed to start", "room_id", req.RoomID, "err", err)
		s.pushError(ctx, req, err)
		return
	}

	var parser domain.DayPlanParser
	if s.parsers != nil {
		parser = s.parsers(req)
	}
	res := s.mux.Run(ctx, fragments, parser)
	s.logger.Debug("generation run ended",
		"room_id", req.RoomID,
		"terminal", res.Terminal.String(),
		"fragments", res.Fragments,
		"day_plans", res.DayPlans,
	)
	if res.Terminal != stream.TerminalDone || strings.TrimSpace(res.Text) == "" {
		return
	}

	_, err = s.gate.AppendAndNotify(ctx, domain.Message{
		ConversationID: req.RoomID,
		Author:         domain.AuthorAssistant,
		Content:        res.Text,
		Kind:           domain.ContentText,
	}, req.Recipient)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("assistant reply not persisted", "room_id", req.RoomID, "err", err)
		s.pushError(ctx, req, err)
	}
}

func (s *Service) pushError(ctx context.Context, req domain.GenerationRequest, err error) {
	s.router.Deliver(context.WithoutCancel(ctx), router.Destination{
		Purpose:   domain.PurposeError,
		RoomID:    req.RoomID,
		Recipient: req.Recipient,
	}, router.ErrorEventOf(req.RoomID, err))
}

func ownerKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

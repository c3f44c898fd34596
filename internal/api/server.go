// Package api is the HTTP surface: conversation lifecycle, cursor-paginated
// history, health and metrics. The WebSocket channel shares its mux.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"tripchat/internal/domain"
	"tripchat/internal/gatekeeper"
	"tripchat/internal/history"
	"tripchat/internal/metrics"
)

const maxBodySize = 1 << 20 // 1MB

// Service is the application service behind the API.
type Service interface {
	StartConversation(ctx context.Context, p *domain.Principal) (domain.ConversationSession, error)
	ListConversations(ctx context.Context, p *domain.Principal, limit int) ([]domain.ConversationSession, error)
	DeleteConversation(ctx context.Context, p *domain.Principal, id int64) error
	LinkItinerary(ctx context.Context, p *domain.Principal, id, itineraryID int64) error
	History(ctx context.Context, p *domain.Principal, id int64, cursor *int64, size int) (history.Page, error)
}

type Config struct {
	Service         Service
	Gatekeeper      *gatekeeper.Gatekeeper
	WebSocket       http.Handler // optional
	WSPath          string
	MetricsEndpoint string // empty disables /metrics
	DefaultPageSize int
	Logger          *slog.Logger
}

type Server struct {
	svc         Service
	gate        *gatekeeper.Gatekeeper
	defaultSize int
	logger      *slog.Logger
	mux         *http.ServeMux
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = history.DefaultPageSize
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	s := &Server{
		svc:         cfg.Service,
		gate:        cfg.Gatekeeper,
		defaultSize: cfg.DefaultPageSize,
		logger:      cfg.Logger,
		mux:         http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/conversations", s.authed(s.handleStart))
	s.mux.HandleFunc("GET /api/conversations", s.authed(s.handleList))
	s.mux.HandleFunc("DELETE /api/conversations/{id}", s.authed(s.handleDelete))
	s.mux.HandleFunc("PUT /api/conversations/{id}/itinerary", s.authed(s.handleLinkItinerary))
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.authed(s.handleHistory))
	if cfg.MetricsEndpoint != "" {
		s.mux.HandleFunc("GET "+cfg.MetricsEndpoint, metrics.Collector.Handler())
	}
	if cfg.WebSocket != nil {
		s.mux.Handle(cfg.WSPath, cfg.WebSocket)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type handlerWithPrincipal func(w http.ResponseWriter, r *http.Request, p *domain.Principal)

// authed runs the same bearer check as the WebSocket CONNECT.
func (s *Server) authed(next handlerWithPrincipal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.gate.Connect(r.Context(), map[string]string{
			gatekeeper.AuthorizationHeader: r.Header.Get(gatekeeper.AuthorizationHeader),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r, p)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, p *domain.Principal) {
	conv, err := s.svc.StartConversation(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationDTO(conv))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, p *domain.Principal) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	convs, err := s.svc.ListConversations(r.Context(), p, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(convs, func(c domain.ConversationSession, _ int) conversationDTO {
		return toConversationDTO(c)
	}))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, p *domain.Principal) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteConversation(r.Context(), p, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLinkItinerary(w http.ResponseWriter, r *http.Request, p *domain.Principal) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		ItineraryID int64 `json:"itineraryId"`
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil || json.Unmarshal(data, &body) != nil || body.ItineraryID <= 0 {
		s.writeError(w, r, domain.ErrInvalidMessageFormat)
		return
	}
	if err := s.svc.LinkItinerary(r.Context(), p, id, body.ItineraryID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, p *domain.Principal) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	size := s.defaultSize
	if raw := q.Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, domain.ErrInvalidPageSize)
			return
		}
		size = n
	}

	var cursor *int64
	if raw := q.Get("cursor"); raw != "" {
		c, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, domain.ErrInvalidCursor)
			return
		}
		cursor = &c
	}

	page, err := s.svc.History(r.Context(), p, id, cursor, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page))
}

// pathID parses {id}. A malformed id names no conversation.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, domain.ErrConversationNotFound)
		return 0, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, domain.PayloadOf(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

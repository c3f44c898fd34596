// Package channel is the live transport: a WebSocket endpoint speaking a
// small JSON command protocol over text frames.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"tripchat/internal/bus"
	"tripchat/internal/domain"
	"tripchat/internal/gatekeeper"
	"tripchat/internal/metrics"
	"tripchat/internal/router"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client commands.
const (
	CmdConnect     = "CONNECT"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdDisconnect  = "DISCONNECT"
)

// Server replies.
const (
	CmdConnected = "CONNECTED"
	CmdReceipt   = "RECEIPT"
	CmdMessage   = "MESSAGE"
	CmdError     = "ERROR"
)

const (
	defaultWriteTimeout = 10 * time.Second
	maxFrameSize        = 64 << 10
	tokenQueryParam     = "access_token"
)

// ClientFrame is one command sent by a client.
type ClientFrame struct {
	Command     string            `json:"command"`
	Headers     map[string]string `json:"headers,omitempty"`
	Destination string            `json:"destination,omitempty"`
	ID          string            `json:"id,omitempty"`      // subscription id
	Receipt     string            `json:"receipt,omitempty"` // echoed back in a RECEIPT
	Body        json.RawMessage   `json:"body,omitempty"`
}

// ServerFrame is one reply or pushed message.
type ServerFrame struct {
	Command      string            `json:"command"`
	Headers      map[string]string `json:"headers,omitempty"`
	Destination  string            `json:"destination,omitempty"`
	Subscription string            `json:"subscription,omitempty"`
	ID           string            `json:"id,omitempty"`
	Body         any               `json:"body,omitempty"`
	Code         string            `json:"code,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// MessageHandler accepts inbound user messages from SEND commands.
type MessageHandler interface {
	HandleUserMessage(ctx context.Context, p *domain.Principal, roomID int64, in domain.InboundMessage) (domain.Message, error)
}

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Gatekeeper     *gatekeeper.Gatekeeper
	Broker         *bus.Broker
	Handler        MessageHandler
	Router         router.Deliverer // receives error pushes for SEND bodies that fail to parse
	AllowedOrigins []string // empty or ["*"] allows every origin
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

// WebSocketChannel upgrades HTTP requests and serves one read loop per
// connection. It is an http.Handler so it can share a mux with the API.
type WebSocketChannel struct {
	gate         *gatekeeper.Gatekeeper
	broker       *bus.Broker
	handler      MessageHandler
	router       router.Deliverer
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	clients map[string]*wsClient
	closed  bool
	wg      sync.WaitGroup
}

func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketChannel{
		gate:         cfg.Gatekeeper,
		broker:       cfg.Broker,
		handler:      cfg.Handler,
		router:       cfg.Router,
		upgrader:     makeUpgrader(cfg.AllowedOrigins),
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		clients:      make(map[string]*wsClient),
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ClientCount returns the number of open connections.
func (ws *WebSocketChannel) ClientCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

func (ws *WebSocketChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws.wg.Add(1)
	ws.mu.Unlock()
	defer ws.wg.Done()

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		id:       uuid.NewString(),
		conn:     conn,
		ch:       ws,
		upgrade:  upgradeHeaders(r),
		subs:     make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
		deadline: ws.writeTimeout,
	}

	ws.mu.Lock()
	ws.clients[client.id] = client
	ws.mu.Unlock()
	metrics.LiveConnections.Inc()
	ws.logger.Info("websocket client connected", "conn_id", client.id, "remote", r.RemoteAddr)

	defer func() {
		ws.broker.UnsubscribeAll(client.id)
		client.close()
		ws.mu.Lock()
		delete(ws.clients, client.id)
		ws.mu.Unlock()
		metrics.LiveConnections.Dec()
		ws.logger.Info("websocket client disconnected", "conn_id", client.id)
	}()

	client.readLoop()
}

// Close closes every connection and waits for their read loops to exit.
func (ws *WebSocketChannel) Close() {
	ws.mu.Lock()
	ws.closed = true
	clients := make([]*wsClient, 0, len(ws.clients))
	for _, c := range ws.clients {
		clients = append(clients, c)
	}
	ws.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	ws.wg.Wait()
}

// upgradeHeaders carries the credential presented on the HTTP upgrade so
// a CONNECT without headers can still authenticate.
func upgradeHeaders(r *http.Request) map[string]string {
	h := make(map[string]string)
	if v := r.Header.Get(gatekeeper.AuthorizationHeader); v != "" {
		h[gatekeeper.AuthorizationHeader] = v
	} else if tok := r.URL.Query().Get(tokenQueryParam); tok != "" {
		h[gatekeeper.AuthorizationHeader] = "Bearer " + tok
	}
	return h
}

// wsClient is one connection. Only its read loop touches principal and
// subs; writes from the broker are serialized by writeMu.
type wsClient struct {
	id       string
	conn     *websocket.Conn
	ch       *WebSocketChannel
	upgrade  map[string]string
	ctx      context.Context
	cancel   context.CancelFunc
	deadline time.Duration

	principal *domain.Principal
	subs      map[string]string // client subscription id -> broker id

	writeMu sync.Mutex
	closed  bool
}

var _ bus.Sink = (*wsClient)(nil)

func (c *wsClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.ch.logger.Warn("websocket read error", "conn_id", c.id, "err", err)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reject("", fmt.Errorf("%w: %v", domain.ErrInvalidMessageFormat, err))
			continue
		}
		if !c.dispatch(frame) {
			return
		}
	}
}

// dispatch handles one command and reports whether the loop should continue.
func (c *wsClient) dispatch(f ClientFrame) bool {
	switch f.Command {
	case CmdConnect:
		c.handleConnect(f)
	case CmdSubscribe:
		c.handleSubscribe(f)
	case CmdUnsubscribe:
		c.handleUnsubscribe(f)
	case CmdSend:
		c.handleSend(f)
	case CmdDisconnect:
		c.receipt(f)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.deadline))
		return false
	default:
		c.reject(f.Receipt, fmt.Errorf("%w: unknown command %q", domain.ErrInvalidMessageFormat, f.Command))
	}
	return true
}

func (c *wsClient) handleConnect(f ClientFrame) {
	headers := make(map[string]string, len(c.upgrade)+len(f.Headers))
	for k, v := range c.upgrade {
		headers[k] = v
	}
	if gatekeeper.HasAuthorization(f.Headers) {
		// Any frame credential, valid or not, replaces the upgrade request's.
		for k := range headers {
			if strings.EqualFold(k, gatekeeper.AuthorizationHeader) {
				delete(headers, k)
			}
		}
	}
	for k, v := range f.Headers {
		headers[k] = v
	}

	p, err := c.ch.gate.Connect(c.ctx, headers)
	if err != nil {
		c.reject(f.Receipt, err)
		return
	}
	c.principal = p
	c.ch.logger.Info("websocket client authenticated", "conn_id", c.id, "user", p.UserID)
	c.write(ServerFrame{Command: CmdConnected, Headers: map[string]string{"user-name": p.UserID}})
}

func (c *wsClient) handleSubscribe(f ClientFrame) {
	if err := gatekeeper.AuthorizeSubscribe(c.principal, f.Destination); err != nil {
		c.reject(f.Receipt, err)
		return
	}
	id := f.ID
	if id == "" {
		id = f.Destination
	}
	if prev, ok := c.subs[id]; ok {
		c.ch.broker.Unsubscribe(prev)
	}
	brokerID, err := c.ch.broker.Subscribe(bus.Subscription{
		ConnID:   c.id,
		User:     c.principal.UserID,
		Path:     f.Destination,
		ClientID: id,
		Sink:     c,
	})
	if err != nil {
		c.reject(f.Receipt, fmt.Errorf("%w: %w", domain.ErrInternal, err))
		return
	}
	c.subs[id] = brokerID
	c.receipt(f)
}

func (c *wsClient) handleUnsubscribe(f ClientFrame) {
	if c.principal == nil {
		c.reject(f.Receipt, domain.ErrUnauthenticated)
		return
	}
	if brokerID, ok := c.subs[f.ID]; ok {
		c.ch.broker.Unsubscribe(brokerID)
		delete(c.subs, f.ID)
	}
	c.receipt(f)
}

func (c *wsClient) handleSend(f ClientFrame) {
	roomID, err := gatekeeper.AuthorizeSend(c.principal, f.Destination)
	if err != nil {
		c.reject(f.Receipt, err)
		return
	}
	var in domain.InboundMessage
	if err := json.Unmarshal(f.Body, &in); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrInvalidMessageFormat, err)
		c.pushError(roomID, err)
		c.reject(f.Receipt, err)
		return
	}
	// The handler pushes its own failures to the sender's error channel.
	if _, err := c.ch.handler.HandleUserMessage(c.ctx, c.principal, roomID, in); err != nil {
		c.reject(f.Receipt, err)
		return
	}
	c.receipt(f)
}

func (c *wsClient) pushError(roomID int64, err error) {
	if c.ch.router == nil {
		return
	}
	c.ch.router.Deliver(c.ctx, router.Destination{
		Purpose:   domain.PurposeError,
		RoomID:    roomID,
		Recipient: c.principal.UserID,
	}, router.ErrorEventOf(roomID, err))
}

func (c *wsClient) receipt(f ClientFrame) {
	if f.Receipt == "" {
		return
	}
	c.write(ServerFrame{Command: CmdReceipt, ID: f.Receipt})
}

// reject answers with an ERROR frame. The connection stays open.
func (c *wsClient) reject(receipt string, err error) {
	metrics.RejectedCommands.Inc()
	c.ch.logger.Debug("command rejected", "conn_id", c.id, "err", err)
	payload := domain.PayloadOf(err)
	c.write(ServerFrame{Command: CmdError, ID: receipt, Code: payload.Code, Message: payload.Message})
}

func (c *wsClient) write(f ServerFrame) {
	if err := c.writeFrame(f); err != nil {
		c.ch.logger.Debug("websocket write failed", "conn_id", c.id, "err", err)
	}
}

// Write pushes a broker delivery as a MESSAGE frame.
func (c *wsClient) Write(_ context.Context, d bus.Delivery) error {
	return c.writeFrame(ServerFrame{
		Command:      CmdMessage,
		Destination:  d.Path,
		Subscription: d.SubscriptionID,
		Body:         d.Payload,
	})
}

var errClientClosed = errors.New("websocket client closed")

func (c *wsClient) writeFrame(f ServerFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errClientClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.deadline))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	c.conn.Close()
}

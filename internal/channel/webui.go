package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"clawnix/internal/bus"
	"clawnix/internal/domain"
	"clawnix/internal/metrics"
	"clawnix/internal/plugin"
)

const (
	WebUIName = "webui"

	webDefaultSender   = "web"
	webDefaultWait     = 5 * time.Minute
	webDefaultEvents   = 50
	webShutdownTimeout = 5 * time.Second
)

// WebUI is an HTTP channel: a small JSON API for sending messages and deciding
// approvals, plus a websocket that streams replies and approval requests.
type WebUI struct {
	addr      string
	approvals ApprovalLister
	usage     UsageReporter
	convs     Conversations
	wait      time.Duration
	logger    *slog.Logger

	bus      *bus.EventBus
	echo     *echo.Echo
	server   *http.Server
	listener net.Listener
	unsubs   []func()

	mu      sync.Mutex
	waiters map[string]chan domain.Response
	clients map[*wsClient]struct{}
}

type WebUIConfig struct {
	Host          string
	Port          int
	Approvals     ApprovalLister
	Usage         UsageReporter
	Conversations Conversations
	ReplyTimeout  time.Duration // how long POST /api/messages?wait=true blocks
	Logger        *slog.Logger
}

// wsClient serializes writes to one websocket connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// WSEvent is what the websocket streams to browsers and accepts from them.
// Everything typed into the web UI is sent as the fixed sender "web".
type WSEvent struct {
	Type string `json:"type"` // response | approval | message | status
	Data any    `json:"data,omitempty"`
	Text string `json:"text,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts requests without an Origin header, such as curl or the
// CLI, and browser requests whose Origin names the host they were sent to.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get(echo.HeaderOrigin)
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func requireSameOrigin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !sameOrigin(c.Request()) {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "cross-origin request refused"})
		}
		return next(c)
	}
}

func NewWebUI(cfg WebUIConfig) *WebUI {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = webDefaultWait
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	w := &WebUI{
		addr:      net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		approvals: cfg.Approvals,
		usage:     cfg.Usage,
		convs:     cfg.Conversations,
		wait:      cfg.ReplyTimeout,
		logger:    cfg.Logger,
		waiters:   make(map[string]chan domain.Response),
		clients:   make(map[*wsClient]struct{}),
	}
	w.echo = w.newEcho()
	return w
}

func (w *WebUI) Name() string    { return WebUIName }
func (w *WebUI) Version() string { return pluginVersion }

func (w *WebUI) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requireSameOrigin)
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			w.logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	w.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers the web UI routes with e.
func (w *WebUI) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/messages", w.PostMessage)
	e.GET("/api/approvals", w.ListApprovals)
	e.POST("/api/approvals/:id/decide", w.DecideApproval)
	e.GET("/api/usage", w.Usage)
	e.GET("/api/events", w.Events)
	e.GET("/metrics", echo.WrapHandler(metrics.Default.Handler()))
	e.GET("/ws", w.Stream)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "version": pluginVersion})
	})
}

// Handler exposes the routes without a listener.
func (w *WebUI) Handler() http.Handler { return w.echo }

// Addr reports the address the server listens on once Init has run.
func (w *WebUI) Addr() string {
	if w.listener != nil {
		return w.listener.Addr().String()
	}
	return w.addr
}

func (w *WebUI) Init(ctx context.Context, pc *plugin.Context) error {
	w.bus = pc.Bus
	if pc.Logger != nil {
		w.logger = pc.Logger
	}
	w.unsubs = append(w.unsubs,
		pc.Bus.Subscribe(bus.MessageResponse, w.onResponse),
		pc.Bus.Subscribe(bus.ApprovalRequest, w.onApprovalRequest),
	)

	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("webui listen %s: %w", w.addr, err)
	}
	w.listener = ln
	w.server = &http.Server{Handler: w.echo, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("webui server stopped", "error", err)
		}
	}()
	w.logger.Info("webui listening", "addr", ln.Addr().String())
	return nil
}

func (w *WebUI) Shutdown(ctx context.Context) error {
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil

	w.mu.Lock()
	for c := range w.clients {
		c.conn.Close()
		delete(w.clients, c)
	}
	w.mu.Unlock()

	if w.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, webShutdownTimeout)
	defer cancel()
	return w.server.Shutdown(shutdownCtx)
}

// MessageRequest is the body of POST /api/messages.
type MessageRequest struct {
	Text string `json:"text"`
}

// PostMessage publishes a message from the web UI.
// POST /api/messages[?wait=true]
func (w *WebUI) PostMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}
	ctx := c.Request().Context()

	if reply, ok := command(ctx, w.bus, w.convs, WebUIName, webDefaultSender, req.Text); ok {
		return c.JSON(http.StatusOK, map[string]string{"reply": reply})
	}

	msg := domain.NewMessage(WebUIName, webDefaultSender, req.Text)
	if c.QueryParam("wait") != "true" {
		w.bus.Publish(bus.MessageIncoming, msg)
		return c.JSON(http.StatusAccepted, map[string]string{"id": msg.ID})
	}

	ch := make(chan domain.Response, 1)
	w.mu.Lock()
	w.waiters[msg.ID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.waiters, msg.ID)
		w.mu.Unlock()
	}()

	w.bus.Publish(bus.MessageIncoming, msg)

	timer := time.NewTimer(w.wait)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return c.JSON(http.StatusOK, resp)
	case <-timer.C:
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "timed out waiting for reply", "id": msg.ID})
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListApprovals lists pending approval requests.
// GET /api/approvals
func (w *WebUI) ListApprovals(c echo.Context) error {
	if w.approvals == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	pending, err := w.approvals.Pending(c.Request().Context())
	if err != nil {
		w.logger.Error("failed to list approvals", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list approvals"})
	}
	return c.JSON(http.StatusOK, pending)
}

// DecisionRequest is the body of POST /api/approvals/:id/decide.
type DecisionRequest struct {
	Decision string `json:"decision"`
	By       string `json:"by,omitempty"`
}

// DecideApproval publishes a human decision for a pending approval.
// POST /api/approvals/:id/decide
func (w *WebUI) DecideApproval(c echo.Context) error {
	id := c.Param("id")
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	decision := strings.ToLower(req.Decision)
	if decision != "allow" && decision != "deny" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "decision must be allow or deny"})
	}
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id is required"})
	}
	by := req.By
	if by == "" {
		by = WebUIName
	}
	w.bus.Publish(bus.ApprovalDecide, domain.ApprovalDecision{ID: id, Decision: decision, By: by})
	return c.JSON(http.StatusAccepted, map[string]any{"ok": true, "id": id, "decision": decision})
}

// Usage reports token usage over the last ?days= days (default 7).
// GET /api/usage
func (w *WebUI) Usage(c echo.Context) error {
	if w.usage == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "usage tracking disabled"})
	}
	days := 7
	if v := c.QueryParam("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "days must be a positive integer"})
		}
		days = n
	}
	summary, err := w.usage.Summary(c.Request().Context(), days)
	if err != nil {
		w.logger.Error("failed to summarize usage", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to summarize usage"})
	}
	return c.JSON(http.StatusOK, summary)
}

type eventView struct {
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Events returns recently published bus events for debugging.
// GET /api/events[?limit=n]
func (w *WebUI) Events(c echo.Context) error {
	limit := webDefaultEvents
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recent := w.bus.Recent(limit)
	out := make([]eventView, 0, len(recent))
	for _, e := range recent {
		view := eventView{Name: e.Name, Timestamp: e.Timestamp}
		if e.Payload != nil {
			if raw, err := json.Marshal(e.Payload); err == nil {
				view.Payload = raw
			}
		}
		out = append(out, view)
	}
	return c.JSON(http.StatusOK, out)
}

// Stream upgrades to a websocket that carries replies and approval requests
// out, and messages in.
// GET /ws
func (w *WebUI) Stream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		w.logger.Error("websocket upgrade failed", "error", err)
		return nil
	}
	client := &wsClient{conn: conn}
	w.mu.Lock()
	w.clients[client] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.clients, client)
		w.mu.Unlock()
		conn.Close()
	}()

	_ = client.send(WSEvent{Type: "status", Text: "connected"})
	ctx := c.Request().Context()
	for {
		var in WSEvent
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Debug("websocket read error", "error", err)
			}
			return nil
		}
		if in.Type != "message" || strings.TrimSpace(in.Text) == "" {
			continue
		}
		text := strings.TrimSpace(in.Text)
		if reply, ok := command(ctx, w.bus, w.convs, WebUIName, webDefaultSender, text); ok {
			_ = client.send(WSEvent{Type: "status", Text: reply})
			continue
		}
		w.bus.Publish(bus.MessageIncoming, domain.NewMessage(WebUIName, webDefaultSender, text))
	}
}

func (w *WebUI) onResponse(e bus.Event) {
	resp, ok := responsePayload(e.Payload)
	if !ok || resp.Channel != WebUIName {
		return
	}
	w.mu.Lock()
	ch, waiting := w.waiters[resp.ID]
	w.mu.Unlock()
	if waiting {
		select {
		case ch <- resp:
		default:
		}
	}
	w.broadcast(WSEvent{Type: "response", Data: resp})
}

// Approval requests from every channel are streamed, so the web UI can act as
// an operator console.
func (w *WebUI) onApprovalRequest(e bus.Event) {
	req, ok := approvalRequestPayload(e.Payload)
	if !ok {
		return
	}
	w.broadcast(WSEvent{Type: "approval", Data: req})
}

func (w *WebUI) broadcast(ev WSEvent) {
	w.mu.Lock()
	clients := make([]*wsClient, 0, len(w.clients))
	for c := range w.clients {
		clients = append(clients, c)
	}
	w.mu.Unlock()
	for _, c := range clients {
		if err := c.send(ev); err != nil {
			w.logger.Debug("websocket write failed", "error", err)
		}
	}
}

package spidex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Push event and command types.
const (
	PushNewMessage  = "newMessage"
	PushMessageSeen = "messageSeen"
	PushOnlineUsers = "onlineUsers"
	PushJoin        = "join"
)

// PushEnvelope is the wire format of every push event.
type PushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PushCommand is a client-to-server command (WebSocket only).
type PushCommand struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// MessageSeenPayload lists messages the receiver has read.
type MessageSeenPayload struct {
	MessageIDs []string `json:"messageIds"`
}

// OnlineUsersPayload lists the users currently connected.
type OnlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

// ============================================================================
// Configuration
// ============================================================================

// PushConfig configures push clients.
type PushConfig struct {
	Session              Session
	AutoReconnect        bool
	MaxReconnectAttempts int // 0 retries forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
	Metrics              *Metrics
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	c.Logger = orNop(c.Logger)
}

// PushState represents the connection state.
type PushState string

const (
	StateDisconnected PushState = "disconnected"
	StateConnecting   PushState = "connecting"
	StateConnected    PushState = "connected"
	StateReconnecting PushState = "reconnecting"
)

// PushChannel is implemented by the WebSocket and SSE clients.
type PushChannel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() PushState
	OnMessage(h func(MessageRecord))
	OnSeen(h func(ids []string))
	OnOnlineUsers(h func(userIDs []string))
	OnConnected(h func())
	OnDisconnected(h func(reason string))
}

// ============================================================================
// Dispatcher
// ============================================================================

// pushDispatcher decodes envelopes and runs handlers in arrival order on the
// reading goroutine.
type pushDispatcher struct {
	mu             sync.RWMutex
	log            *zap.Logger
	metrics        *Metrics
	onMessage      []func(MessageRecord)
	onSeen         []func([]string)
	onOnline       []func([]string)
	onConnected    []func()
	onDisconnected []func(string)
	onReconnecting []func(int, time.Duration)
}

func newPushDispatcher(log *zap.Logger, m *Metrics) *pushDispatcher {
	return &pushDispatcher{log: log, metrics: m}
}

func (d *pushDispatcher) dispatch(env PushEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case PushNewMessage:
		rec, err := NormalizeRecord(env.Payload)
		if err != nil {
			d.metrics.push("ignored")
			d.log.Warn("rejected pushed message", zap.Error(err))
			return
		}
		for _, h := range d.onMessage {
			d.safely(env.Type, func() { h(rec) })
		}
	case PushMessageSeen:
		var p MessageSeenPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onSeen {
				d.safely(env.Type, func() { h(p.MessageIDs) })
			}
		}
	case PushOnlineUsers:
		var p OnlineUsersPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			// Some servers send the bare id array.
			if json.Unmarshal(env.Payload, &p.UserIDs) != nil {
				return
			}
		}
		for _, h := range d.onOnline {
			d.safely(env.Type, func() { h(p.UserIDs) })
		}
	default:
		d.log.Debug("ignoring push event", zap.String("type", env.Type))
	}
}

func (d *pushDispatcher) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("push handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn()
}

func (d *pushDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("connected", h)
	}
}

func (d *pushDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("disconnected", func() { h(reason) })
	}
}

func (d *pushDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("reconnecting", func() { h(attempt, delay) })
	}
}

func (d *pushDispatcher) addMessage(h func(MessageRecord)) {
	d.mu.Lock()
	d.onMessage = append(d.onMessage, h)
	d.mu.Unlock()
}

func (d *pushDispatcher) addSeen(h func([]string)) {
	d.mu.Lock()
	d.onSeen = append(d.onSeen, h)
	d.mu.Unlock()
}

func (d *pushDispatcher) addOnline(h func([]string)) {
	d.mu.Lock()
	d.onOnline = append(d.onOnline, h)
	d.mu.Unlock()
}

func (d *pushDispatcher) addConnected(h func()) {
	d.mu.Lock()
	d.onConnected = append(d.onConnected, h)
	d.mu.Unlock()
}

func (d *pushDispatcher) addDisconnected(h func(string)) {
	d.mu.Lock()
	d.onDisconnected = append(d.onDisconnected, h)
	d.mu.Unlock()
}

func (d *pushDispatcher) addReconnecting(h func(int, time.Duration)) {
	d.mu.Lock()
	d.onReconnecting = append(d.onReconnecting, h)
	d.mu.Unlock()
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector hands out exponential delays with jitter. The schedule resets
// once a connection has stayed up for a minute.
type reconnector struct {
	policy      *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *PushConfig) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnector{policy: b, maxAttempts: cfg.MaxReconnectAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.reset()
	}
	r.attempt++
	return r.policy.NextBackOff()
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.policy.Reset()
}

// pushURL builds the channel URL for session on baseURL, switching the scheme
// to ws/wss when upgrade is true.
func pushURL(baseURL, path string, session Session, upgrade bool) string {
	u := baseURL
	if upgrade {
		u = strings.Replace(u, "https://", "wss://", 1)
		u = strings.Replace(u, "http://", "ws://", 1)
	}
	q := url.Values{}
	if session.UserID != "" {
		q.Set("userId", session.UserID)
	}
	if session.Token != "" {
		q.Set("token", session.Token)
	}
	if len(q) == 0 {
		return u + path
	}
	return u + path + "?" + q.Encode()
}

// ============================================================================
// WebSocket client
// ============================================================================

// PushWSClient is a WebSocket push client with auto-reconnect and heartbeat.
type PushWSClient struct {
	baseURL    string
	config     *PushConfig
	dispatcher *pushDispatcher
	recon      *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            PushState
	intentionalClose bool
	cancelFn         context.CancelFunc
}

// NewPushWS creates a WebSocket push client for the API at baseURL. Call
// Connect to open it.
func NewPushWS(baseURL string, cfg PushConfig) *PushWSClient {
	cfg.defaults()
	return &PushWSClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		dispatcher: newPushDispatcher(cfg.Logger, cfg.Metrics),
		recon:      newReconnector(&cfg),
		state:      StateDisconnected,
	}
}

func (ws *PushWSClient) OnMessage(h func(MessageRecord))       { ws.dispatcher.addMessage(h) }
func (ws *PushWSClient) OnSeen(h func(ids []string))           { ws.dispatcher.addSeen(h) }
func (ws *PushWSClient) OnOnlineUsers(h func(userIDs []string)) { ws.dispatcher.addOnline(h) }
func (ws *PushWSClient) OnConnected(h func())                  { ws.dispatcher.addConnected(h) }
func (ws *PushWSClient) OnDisconnected(h func(reason string))  { ws.dispatcher.addDisconnected(h) }

// OnReconnecting registers a handler for reconnect attempts.
func (ws *PushWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.addReconnecting(h)
}

// State returns the current connection state.
func (ws *PushWSClient) State() PushState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the channel and joins the session user's room. ctx bounds the
// lifetime of the connection and of any reconnects.
func (ws *PushWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, pushURL(ws.baseURL, "/ws", ws.config.Session, true), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	join, _ := json.Marshal(PushCommand{Type: PushJoin, Payload: map[string]string{"userId": ws.config.Session.UserID}})
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket join: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.config.Metrics.connected(true)
	ws.config.Logger.Info("push channel connected", zap.String("transport", "websocket"))

	ws.dispatcher.emitConnected()

	go ws.readLoop(ctx, connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ws *PushWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.config.Metrics.connected(false)
	ws.dispatcher.emitDisconnected("client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a raw command.
func (ws *PushWSClient) Send(ctx context.Context, cmd *PushCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *PushWSClient) setState(s PushState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *PushWSClient) readLoop(parent, ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}
			ws.config.Metrics.connected(false)
			ws.config.Logger.Warn("push channel lost", zap.Error(err))
			ws.dispatcher.emitDisconnected(err.Error())

			if ws.config.AutoReconnect && parent.Err() == nil {
				ws.reconnectLoop(parent)
			}
			return
		}

		var env PushEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ws.dispatcher.dispatch(env)
	}
}

func (ws *PushWSClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *PushWSClient) reconnectLoop(ctx context.Context) {
	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

		select {
		case <-ctx.Done():
			ws.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		ws.setState(StateDisconnected)
		err := ws.Connect(ctx)
		if err == nil {
			return
		}
		ws.config.Logger.Debug("push reconnect failed", zap.Int("attempt", ws.recon.attempt), zap.Error(err))
	}
	ws.setState(StateDisconnected)
}

// ============================================================================
// SSE client
// ============================================================================

// PushSSEClient is a server-sent events push client with auto-reconnect.
type PushSSEClient struct {
	baseURL    string
	config     *PushConfig
	dispatcher *pushDispatcher
	recon      *reconnector

	mu               sync.Mutex
	state            PushState
	intentionalClose bool
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

// NewPushSSE creates an SSE push client for the API at baseURL.
func NewPushSSE(baseURL string, cfg PushConfig) *PushSSEClient {
	cfg.defaults()
	return &PushSSEClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		dispatcher: newPushDispatcher(cfg.Logger, cfg.Metrics),
		recon:      newReconnector(&cfg),
		state:      StateDisconnected,
	}
}

func (sse *PushSSEClient) OnMessage(h func(MessageRecord))       { sse.dispatcher.addMessage(h) }
func (sse *PushSSEClient) OnSeen(h func(ids []string))           { sse.dispatcher.addSeen(h) }
func (sse *PushSSEClient) OnOnlineUsers(h func(userIDs []string)) { sse.dispatcher.addOnline(h) }
func (sse *PushSSEClient) OnConnected(h func())                  { sse.dispatcher.addConnected(h) }
func (sse *PushSSEClient) OnDisconnected(h func(reason string))  { sse.dispatcher.addDisconnected(h) }

// OnReconnecting registers a handler for reconnect attempts.
func (sse *PushSSEClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	sse.dispatcher.addReconnecting(h)
}

// State returns the current connection state.
func (sse *PushSSEClient) State() PushState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Connect opens the event stream.
func (sse *PushSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, pushURL(sse.baseURL, "/sse", sse.config.Session, false), nil)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if sse.config.Session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sse.config.Session.Token)
	}

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.config.Metrics.connected(true)
	sse.config.Logger.Info("push channel connected", zap.String("transport", "sse"))
	sse.dispatcher.emitConnected()

	go sse.readLoop(ctx, connCtx, resp)
	go sse.watchdog(connCtx, cancel)
	return nil
}

// Disconnect closes the stream and stops reconnecting.
func (sse *PushSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.config.Metrics.connected(false)
	sse.dispatcher.emitDisconnected("client disconnect")
	return nil
}

func (sse *PushSSEClient) setState(s PushState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}

// readLoop parses the stream. Events are separated by blank lines; multiple
// data lines are joined with newlines and an "event:" name fills in a missing
// envelope type.
func (sse *PushSSEClient) readLoop(parent, ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	var event string
	var data []string
	flush := func() {
		if len(data) == 0 {
			event = ""
			return
		}
		var env PushEnvelope
		if json.Unmarshal([]byte(strings.Join(data, "\n")), &env) == nil {
			if env.Type == "" {
				env.Type = event
			}
			sse.dispatcher.dispatch(env)
		}
		event, data = "", nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()

	sse.mu.Lock()
	intentional := sse.intentionalClose
	if !intentional {
		sse.state = StateDisconnected
	}
	sse.mu.Unlock()
	if intentional {
		return
	}

	reason := "stream ended"
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		reason = err.Error()
	}
	sse.config.Metrics.connected(false)
	sse.dispatcher.emitDisconnected(reason)

	if sse.config.AutoReconnect && parent.Err() == nil {
		sse.reconnectLoop(parent)
	}
}

// watchdog drops the stream when nothing, not even a comment line, arrived
// for three heartbeat intervals.
func (sse *PushSSEClient) watchdog(ctx context.Context, cancel context.CancelFunc) {
	interval := sse.config.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 3*interval
			sse.mu.Unlock()
			if stale {
				sse.config.Logger.Warn("push stream idle, reconnecting")
				cancel()
				return
			}
		}
	}
}

func (sse *PushSSEClient) reconnectLoop(ctx context.Context) {
	for sse.recon.shouldReconnect() {
		delay := sse.recon.nextDelay()
		sse.setState(StateReconnecting)
		sse.dispatcher.emitReconnecting(sse.recon.attempt, delay)

		select {
		case <-ctx.Done():
			sse.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		sse.setState(StateDisconnected)
		err := sse.Connect(ctx)
		if err == nil {
			return
		}
		sse.config.Logger.Debug("push reconnect failed", zap.Int("attempt", sse.recon.attempt), zap.Error(err))
	}
	sse.setState(StateDisconnected)
}

// ============================================================================
// Engine binding
// ============================================================================

// BindPush feeds pch into engine: pushed messages are merged with ApplyPush,
// read receipts with ApplySeen, online users are re-emitted as
// EventPresence, and every (re)connect triggers a refresh to pick up what was
// missed while disconnected.
func BindPush(ctx context.Context, engine *Engine, pch PushChannel) {
	pch.OnMessage(func(rec MessageRecord) { engine.ApplyPush(rec) })
	pch.OnSeen(func(ids []string) { engine.ApplySeen(ids) })
	pch.OnOnlineUsers(func(ids []string) { engine.emit(EventPresence, ids) })
	pch.OnConnected(func() {
		go func() {
			if err := engine.Refresh(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
				engine.log.Debug("refresh after connect failed", zap.Error(err))
			}
		}()
	})
}

var (
	_ PushChannel = (*PushWSClient)(nil)
	_ PushChannel = (*PushSSEClient)(nil)
)

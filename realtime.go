package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures a NotificationStream.
type StreamConfig struct {
	// Token overrides the client's stored credential.
	Token string
	// Role filters notifications by recipient. Defaults to the signed-in
	// user's role.
	Role          Role
	AutoReconnect bool
	// MaxReconnectAttempts defaults to 10; negative retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *StreamConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// StreamState is the connection state of a NotificationStream.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamReconnecting StreamState = "reconnecting"
)

// streamEnvelope is the wire format of stream messages.
type streamEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *StreamConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter. A connection that stayed
// up for a minute starts the sequence over.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// NotificationStream
// ============================================================================

// NotificationStream receives server notifications over a WebSocket with
// heartbeat and automatic reconnect.
type NotificationStream struct {
	baseURL string
	tokens  *TokenManager
	config  StreamConfig
	logger  *slog.Logger
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            StreamState
	intentionalClose bool
	cancelFn         context.CancelFunc

	hmu            sync.RWMutex
	onNotification []func(Notification)
	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(int, time.Duration)
}

// Notifications returns a stream bound to the client's origin and
// credential. It does not connect.
func (c *Client) Notifications(config *StreamConfig) *NotificationStream {
	return NewNotificationStream(c.baseURL, c.tokens, config, c.logger)
}

// NewNotificationStream creates a stream for the API at baseURL.
func NewNotificationStream(baseURL string, tokens *TokenManager, config *StreamConfig, logger *slog.Logger) *NotificationStream {
	var cfg StreamConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if logger == nil {
		logger = discardLogger()
	}
	return &NotificationStream{
		baseURL: baseURL,
		tokens:  tokens,
		config:  cfg,
		logger:  logger,
		recon:   newReconnector(&cfg),
		state:   StreamDisconnected,
	}
}

// OnNotification registers a handler for notifications addressed to the
// stream's role.
func (s *NotificationStream) OnNotification(h func(Notification)) {
	s.hmu.Lock()
	s.onNotification = append(s.onNotification, h)
	s.hmu.Unlock()
}

// OnConnected registers a handler for successful (re)connects.
func (s *NotificationStream) OnConnected(h func()) {
	s.hmu.Lock()
	s.onConnected = append(s.onConnected, h)
	s.hmu.Unlock()
}

// OnDisconnected registers a handler for unexpected disconnects.
func (s *NotificationStream) OnDisconnected(h func(err error)) {
	s.hmu.Lock()
	s.onDisconnected = append(s.onDisconnected, h)
	s.hmu.Unlock()
}

// OnReconnecting registers a handler called before each reconnect attempt.
func (s *NotificationStream) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.hmu.Lock()
	s.onReconnecting = append(s.onReconnecting, h)
	s.hmu.Unlock()
}

// State returns the current connection state.
func (s *NotificationStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the stream endpoint for token.
func (s *NotificationStream) URL(token string) string {
	wsURL := OriginNamespace(s.baseURL)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws/notifications/?token=" + url.QueryEscape(token)
}

func (s *NotificationStream) token(ctx context.Context) string {
	if s.config.Token != "" {
		return s.config.Token
	}
	if s.tokens == nil {
		return ""
	}
	t, _ := s.tokens.Credential(ctx)
	return t
}

func (s *NotificationStream) role(ctx context.Context) Role {
	if s.config.Role != RoleUnset || s.tokens == nil {
		return s.config.Role
	}
	return s.tokens.Role(ctx)
}

// Connect dials the stream and starts the read and heartbeat loops.
func (s *NotificationStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StreamConnected || s.state == StreamConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	token := s.token(ctx)
	if token == "" {
		s.setState(StreamDisconnected)
		return ErrNotLoggedIn
	}

	conn, _, err := websocket.Dial(ctx, s.URL(token), &websocket.DialOptions{HTTPClient: s.config.HTTPClient})
	if err != nil {
		s.setState(StreamDisconnected)
		return fmt.Errorf("%w: websocket dial: %v", ErrNetwork, err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.conn = conn
	s.state = StreamConnected
	s.cancelFn = cancel
	s.mu.Unlock()
	s.recon.markConnected()
	s.logger.Debug("notification stream connected")

	s.emitConnected()
	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (s *NotificationStream) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StreamDisconnected
	s.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (s *NotificationStream) setState(state StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *NotificationStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			if !intentional {
				s.state = StreamDisconnected
				s.conn = nil
			}
			s.mu.Unlock()
			if intentional {
				return
			}

			s.logger.Warn("notification stream disconnected", "error", err)
			s.emitDisconnected(err)
			if s.config.AutoReconnect {
				s.reconnect(ctx)
			}
			return
		}
		s.handle(ctx, data)
	}
}

// handle decodes one message. A bare notification object without an
// envelope is accepted as well.
func (s *NotificationStream) handle(ctx context.Context, data []byte) {
	var env streamEnvelope
	if json.Unmarshal(data, &env) != nil {
		return
	}
	raw := data
	switch env.Type {
	case "notification":
		raw = env.Payload
	case "":
	default:
		return
	}

	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		s.logger.Debug("malformed notification", "error", err)
		return
	}
	n.applyDefaults()
	if !n.For(s.role(ctx)) {
		return
	}

	s.hmu.RLock()
	handlers := append([]func(Notification){}, s.onNotification...)
	s.hmu.RUnlock()
	for _, h := range handlers {
		go h(n)
	}
}

func (s *NotificationStream) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (s *NotificationStream) reconnect(ctx context.Context) {
	for s.recon.shouldReconnect() {
		delay := s.recon.nextDelay()
		s.setState(StreamReconnecting)
		s.emitReconnecting(s.recon.attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StreamDisconnected)
			return
		case <-timer.C:
		}

		s.mu.Lock()
		intentional := s.intentionalClose
		if !intentional {
			s.state = StreamDisconnected
		}
		s.mu.Unlock()
		if intentional {
			return
		}
		err := s.Connect(ctx)
		if err == nil {
			return
		}
		s.logger.Debug("notification stream reconnect failed", "attempt", s.recon.attempt, "error", err)
	}
	s.setState(StreamDisconnected)
}

func (s *NotificationStream) emitConnected() {
	s.hmu.RLock()
	handlers := append([]func(){}, s.onConnected...)
	s.hmu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (s *NotificationStream) emitDisconnected(err error) {
	s.hmu.RLock()
	handlers := append([]func(error){}, s.onDisconnected...)
	s.hmu.RUnlock()
	for _, h := range handlers {
		go h(err)
	}
}

func (s *NotificationStream) emitReconnecting(attempt int, delay time.Duration) {
	s.hmu.RLock()
	handlers := append([]func(int, time.Duration){}, s.onReconnecting...)
	s.hmu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

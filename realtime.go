package chattrix

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for all server-to-client realtime events.
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server realtime command.
type Command struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"request_id"`
}

// ============================================================================
// Topics
// ============================================================================

// TopicMessages names the row-insert feed for one conversation's messages.
func TopicMessages(conversationID string) string {
	return "table:messages:conversation_id=eq." + conversationID
}

// TopicProfiles names the row-update feed for a set of profiles.
func TopicProfiles(ids []string) string {
	return "table:profiles:id=in.(" + strings.Join(ids, ",") + ")"
}

// TopicTyping names the ephemeral typing broadcast channel of a conversation.
func TopicTyping(conversationID string) string {
	return "broadcast:typing:" + conversationID
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
//
// AutoReconnect defaults to false: a dropped connection stays dropped and is
// surfaced via OnDisconnected, leaving retry to the caller. Set it to true
// to opt in to exponential-backoff reconnection with topic re-join.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
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
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// stableConnWindow is how long a connection must stay up before the
// backoff counter resets; flapping links keep climbing instead.
const stableConnWindow = time.Minute

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns the wait before the next attempt: base doubled per
// attempt plus up to half a base of jitter, never exceeding maxDelay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableConnWindow {
		r.attempt = 0
	}

	delay := r.baseDelay << uint(r.attempt)
	if delay <= 0 || delay > r.maxDelay {
		delay = r.maxDelay
	} else {
		delay += time.Duration(rand.Int63n(int64(r.baseDelay)/2 + 1))
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
	r.attempt++
	return delay
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is a handle on one topic subscription. Unsubscribe releases
// it; after Unsubscribe returns the handler is not invoked again.
type Subscription struct {
	id     string
	topic  string
	cancel func()
	once   sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe releases the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient multiplexes topic subscriptions over one WebSocket.
// Handlers run on the read-loop goroutine and must not block.
type RealtimeClient struct {
	baseURL string
	anonKey string
	config  *RealtimeConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc

	subMu sync.RWMutex
	subs  map[string]map[string]func(Envelope) // topic -> sub id -> handler

	onConnected    []func()
	onDisconnected []func(reason string)

	recon        *reconnector
	pingCounter  int
	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex
}

// NewRealtime creates a realtime client against the same backend as c.
// Call Connect to establish the connection.
func NewRealtime(c *Client, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if cfg.Token == "" {
		cfg.Token = c.AccessToken()
	}
	return &RealtimeClient{
		baseURL:      c.baseURL,
		anonKey:      c.anonKey,
		config:       &cfg,
		state:        StateDisconnected,
		subs:         make(map[string]map[string]func(Envelope)),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.subMu.Lock()
	rt.onConnected = append(rt.onConnected, h)
	rt.subMu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) {
	rt.subMu.Lock()
	rt.onDisconnected = append(rt.onDisconnected, h)
	rt.subMu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect establishes the WebSocket connection and re-joins any topics
// subscribed before a reconnect.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime/v1/websocket?apikey=" + rt.anonKey + "&token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the auth acknowledgement
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("read auth message: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Event)
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.mu.Unlock()
	rt.recon.markConnected()

	if err := rt.rejoinTopics(ctx); err != nil {
		rt.Disconnect()
		return err
	}

	rt.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.cancelFn = cancel
	rt.mu.Unlock()

	go rt.readLoop(connCtx)
	go rt.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. Subscriptions stay registered
// and are re-joined by a later Connect.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Typed subscriptions ──────────────────────────────────────

// MessageInserts subscribes to row inserts on one conversation's messages.
func (rt *RealtimeClient) MessageInserts(ctx context.Context, conversationID string, fn func(Message)) (*Subscription, error) {
	return rt.subscribe(ctx, TopicMessages(conversationID), func(env Envelope) {
		if env.Event != "INSERT" {
			return
		}
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			fn(m)
		}
	})
}

// ProfileUpdates subscribes to row updates for the given profiles.
func (rt *RealtimeClient) ProfileUpdates(ctx context.Context, ids []string, fn func(Profile)) (*Subscription, error) {
	return rt.subscribe(ctx, TopicProfiles(ids), func(env Envelope) {
		if env.Event != "UPDATE" {
			return
		}
		var p Profile
		if json.Unmarshal(env.Payload, &p) == nil {
			fn(p)
		}
	})
}

// TypingEvents subscribes to the typing broadcast channel of a conversation.
func (rt *RealtimeClient) TypingEvents(ctx context.Context, conversationID string, fn func(TypingEvent)) (*Subscription, error) {
	return rt.subscribe(ctx, TopicTyping(conversationID), func(env Envelope) {
		if env.Event != "typing" {
			return
		}
		var t TypingEvent
		if json.Unmarshal(env.Payload, &t) == nil {
			fn(t)
		}
	})
}

// SendTyping broadcasts a typing signal on the conversation's channel.
func (rt *RealtimeClient) SendTyping(ctx context.Context, ev TypingEvent) error {
	return rt.send(ctx, &Command{
		Type:    "broadcast",
		Topic:   TopicTyping(ev.ConversationID),
		Payload: map[string]interface{}{"event": "typing", "data": ev},
	})
}

// ── Internals ────────────────────────────────────────────────

func (rt *RealtimeClient) subscribe(ctx context.Context, topic string, fn func(Envelope)) (*Subscription, error) {
	rt.mu.Lock()
	connected := rt.state == StateConnected
	rt.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()

	rt.subMu.Lock()
	topicSubs, ok := rt.subs[topic]
	if !ok {
		topicSubs = make(map[string]func(Envelope))
		rt.subs[topic] = topicSubs
	}
	first := len(topicSubs) == 0
	topicSubs[id] = fn
	rt.subMu.Unlock()

	if first {
		if err := rt.send(ctx, &Command{Type: "subscribe", Topic: topic}); err != nil {
			rt.subMu.Lock()
			delete(rt.subs[topic], id)
			rt.subMu.Unlock()
			return nil, err
		}
	}

	sub := &Subscription{id: id, topic: topic}
	sub.cancel = func() { rt.unsubscribe(topic, id) }
	return sub, nil
}

func (rt *RealtimeClient) unsubscribe(topic, id string) {
	rt.subMu.Lock()
	topicSubs := rt.subs[topic]
	delete(topicSubs, id)
	last := len(topicSubs) == 0
	if last {
		delete(rt.subs, topic)
	}
	rt.subMu.Unlock()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Leave is best-effort; a dead connection drops the topic anyway.
		_ = rt.send(ctx, &Command{Type: "unsubscribe", Topic: topic})
	}
}

func (rt *RealtimeClient) rejoinTopics(ctx context.Context) error {
	rt.subMu.RLock()
	topics := make([]string, 0, len(rt.subs))
	for topic := range rt.subs {
		topics = append(topics, topic)
	}
	rt.subMu.RUnlock()

	for _, topic := range topics {
		if err := rt.send(ctx, &Command{Type: "subscribe", Topic: topic}); err != nil {
			return fmt.Errorf("rejoin %s: %w", topic, err)
		}
	}
	return nil
}

func (rt *RealtimeClient) send(ctx context.Context, cmd *Command) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rt *RealtimeClient) dispatch(env Envelope) {
	rt.subMu.RLock()
	handlers := make([]func(Envelope), 0, len(rt.subs[env.Topic]))
	for _, h := range rt.subs[env.Topic] {
		handlers = append(handlers, h)
	}
	rt.subMu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

func (rt *RealtimeClient) emitConnected() {
	rt.subMu.RLock()
	handlers := append([]func(){}, rt.onConnected...)
	rt.subMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (rt *RealtimeClient) emitDisconnected(reason string) {
	rt.subMu.RLock()
	handlers := append([]func(string){}, rt.onDisconnected...)
	rt.subMu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rt.mu.Lock()
		conn := rt.conn
		rt.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			rt.emitDisconnected(err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Event == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pendingPings[p.RequestID]
				if ok {
					delete(rt.pendingPings, p.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		rt.dispatch(env)
	}
}

// Ping sends a ping and waits for the matching pong.
func (rt *RealtimeClient) Ping(ctx context.Context) error {
	rt.pendingMu.Lock()
	rt.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rt.pingCounter)
	ch := make(chan PongPayload, 1)
	rt.pendingPings[requestID] = ch
	rt.pendingMu.Unlock()

	err := rt.send(ctx, &Command{Type: "ping", RequestID: requestID})
	if err != nil {
		rt.dropPendingPing(requestID)
		return err
	}

	select {
	case _, ok := <-ch:
		// A closed channel means Disconnect tore the connection down
		// while this ping was in flight; only a real pong is success.
		if !ok {
			return fmt.Errorf("ping aborted: %w", ErrNotConnected)
		}
		return nil
	case <-time.After(10 * time.Second):
		rt.dropPendingPing(requestID)
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rt.dropPendingPing(requestID)
		return ctx.Err()
	}
}

func (rt *RealtimeClient) dropPendingPing(requestID string) {
	rt.pendingMu.Lock()
	delete(rt.pendingPings, requestID)
	rt.pendingMu.Unlock()
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			s := rt.state
			conn := rt.conn
			rt.mu.Unlock()
			if s != StateConnected {
				return
			}

			if err := rt.Ping(ctx); err != nil {
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	rt.mu.Unlock()

	time.Sleep(delay)

	rt.mu.Lock()
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if err := rt.Connect(context.Background()); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect()
		}
	}
}

func (rt *RealtimeClient) clearPendingPings() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pendingPings {
		close(ch)
		delete(rt.pendingPings, k)
	}
	rt.pendingMu.Unlock()
}

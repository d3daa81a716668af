package chattrix

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultTypingTTL is how long a peer's typing flag stays up without a
// fresh signal.
const DefaultTypingTTL = 3 * time.Second

// sync data sources, satisfied by the client and realtime sub-clients.
type messageSource interface {
	History(ctx context.Context, conversationID string) ([]Message, error)
	After(ctx context.Context, conversationID, createdAfter string) ([]Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) error
}

type messageEvents interface {
	MessageInserts(ctx context.Context, conversationID string, fn func(Message)) (*Subscription, error)
	TypingEvents(ctx context.Context, conversationID string, fn func(TypingEvent)) (*Subscription, error)
}

type senderLookup interface {
	Get(ctx context.Context, id string) (*Profile, error)
}

// Synchronizer opens live views onto conversations.
type Synchronizer struct {
	session  *Session
	source   messageSource
	events   messageEvents
	profiles senderLookup

	cache     *Cache
	notifier  *Notifier
	typingTTL time.Duration
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithSyncCache writes merged messages and watermarks through to a local
// cache.
func WithSyncCache(cache *Cache) SyncOption {
	return func(s *Synchronizer) { s.cache = cache }
}

// WithNotifier routes foreign messages arriving on unfocused views to the
// notifier.
func WithNotifier(n *Notifier) SyncOption {
	return func(s *Synchronizer) { s.notifier = n }
}

// WithTypingTTL overrides the typing expiry window.
func WithTypingTTL(d time.Duration) SyncOption {
	return func(s *Synchronizer) { s.typingTTL = d }
}

// NewSynchronizer creates a synchronizer over the client and realtime bus.
func NewSynchronizer(session *Session, client *Client, rt *RealtimeClient, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		session:   session,
		source:    client.Messages,
		events:    rt,
		profiles:  client.Profiles,
		typingTTL: DefaultTypingTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenOption configures one opened view.
type OpenOption func(*ConversationSync)

// OnMessage registers a callback invoked for every message appended after
// the initial load. It runs on the realtime delivery goroutine.
func OnMessage(fn func(Message)) OpenOption {
	return func(cs *ConversationSync) { cs.onMessage = fn }
}

// OnTyping registers a callback for peer typing transitions, including
// expiry-driven ones.
func OnTyping(fn func(profileID string, isTyping bool)) OpenOption {
	return func(cs *ConversationSync) { cs.onTyping = fn }
}

// Open loads a conversation and keeps it live until Close.
//
// The subscription is established before the history fetch; events arriving
// during the fetch are buffered. After the fetch, rows newer than the last
// fetched message are pulled explicitly, then the buffer is drained with
// id-level dedup. A message created between fetch and subscribe therefore
// arrives exactly once.
func (s *Synchronizer) Open(ctx context.Context, conversationID string, opts ...OpenOption) (*ConversationSync, error) {
	self := s.session.ProfileID()
	if self == "" {
		return nil, fmt.Errorf("sync: no signed-in user")
	}

	cs := &ConversationSync{
		conversationID: conversationID,
		self:           self,
		source:         s.source,
		profiles:       s.profiles,
		cache:          s.cache,
		notifier:       s.notifier,
		typingTTL:      s.typingTTL,
		index:          make(map[string]bool),
		typing:         make(map[string]*time.Timer),
		loading:        true,
		focused:        true,
	}
	for _, opt := range opts {
		opt(cs)
	}

	msgSub, err := s.events.MessageInserts(ctx, conversationID, cs.handleInsert)
	if err != nil {
		return nil, fmt.Errorf("subscribe messages: %w", err)
	}
	typingSub, err := s.events.TypingEvents(ctx, conversationID, cs.handleTyping)
	if err != nil {
		msgSub.Unsubscribe()
		return nil, fmt.Errorf("subscribe typing: %w", err)
	}
	cs.msgSub = msgSub
	cs.typingSub = typingSub

	if err := cs.load(ctx); err != nil {
		cs.Close()
		return nil, err
	}

	cs.markReadCtx(ctx)

	return cs, nil
}

// ConversationSync is a live, ordered view of one conversation's messages
// plus the ephemeral typing map. All methods are goroutine-safe.
type ConversationSync struct {
	conversationID string
	self           string
	source         messageSource
	profiles       senderLookup
	cache          *Cache
	notifier       *Notifier
	typingTTL      time.Duration

	onMessage func(Message)
	onTyping  func(profileID string, isTyping bool)

	msgSub    *Subscription
	typingSub *Subscription

	mu       sync.Mutex
	messages []Message
	index    map[string]bool
	typing   map[string]*time.Timer
	buffer   []Message
	loading  bool
	focused  bool
	closed   bool
}

// ConversationID returns the conversation this view tracks.
func (cs *ConversationSync) ConversationID() string { return cs.conversationID }

// Messages returns the current ordered message list.
func (cs *ConversationSync) Messages() []Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Message, len(cs.messages))
	copy(out, cs.messages)
	return out
}

// Typing returns the profiles currently marked as typing.
func (cs *ConversationSync) Typing() map[string]bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make(map[string]bool, len(cs.typing))
	for id := range cs.typing {
		out[id] = true
	}
	return out
}

// Focus marks the view as visible: foreign arrivals are read-marked
// immediately instead of notified.
func (cs *ConversationSync) Focus() {
	cs.mu.Lock()
	cs.focused = true
	cs.mu.Unlock()
	go cs.markRead()
}

// Blur marks the view as hidden: foreign arrivals go to the notifier.
func (cs *ConversationSync) Blur() {
	cs.mu.Lock()
	cs.focused = false
	cs.mu.Unlock()
}

// Close releases both subscriptions and stops all typing timers. It must be
// called when the view goes away; results arriving afterwards are dropped.
func (cs *ConversationSync) Close() {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	for id, t := range cs.typing {
		t.Stop()
		delete(cs.typing, id)
	}
	cs.mu.Unlock()

	cs.msgSub.Unsubscribe()
	cs.typingSub.Unsubscribe()
}

// ── Load ─────────────────────────────────────────────────────

func (cs *ConversationSync) load(ctx context.Context) error {
	hist, err := cs.source.History(ctx, cs.conversationID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	var gap []Message
	if len(hist) > 0 {
		watermark := hist[len(hist)-1].CreatedAt
		gap, err = cs.source.After(ctx, cs.conversationID, watermark)
		if err != nil {
			return fmt.Errorf("load gap: %w", err)
		}
	}

	cs.mu.Lock()
	for _, m := range hist {
		cs.appendLocked(m)
	}
	for _, m := range gap {
		cs.appendLocked(m)
	}
	for _, m := range cs.buffer {
		cs.appendLocked(m)
	}
	cs.buffer = nil
	cs.loading = false
	snapshot := make([]Message, len(cs.messages))
	copy(snapshot, cs.messages)
	cs.mu.Unlock()

	cs.writeThrough(snapshot)
	return nil
}

// appendLocked merges one message, keeping order and dropping duplicates.
func (cs *ConversationSync) appendLocked(m Message) bool {
	if cs.index[m.ID] {
		return false
	}
	cs.index[m.ID] = true
	cs.messages = append(cs.messages, m)
	// Realtime rows may arrive behind an already-fetched gap row.
	if n := len(cs.messages); n > 1 && cs.messages[n-1].CreatedAt < cs.messages[n-2].CreatedAt {
		sortMessagesAsc(cs.messages)
	}
	return true
}

// ── Event handlers ───────────────────────────────────────────

func (cs *ConversationSync) handleInsert(m Message) {
	if m.ConversationID != cs.conversationID {
		return
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	if cs.loading {
		cs.buffer = append(cs.buffer, m)
		cs.mu.Unlock()
		return
	}
	if cs.index[m.ID] {
		cs.mu.Unlock()
		return
	}
	cs.mu.Unlock()

	// Realtime rows carry no embedded sender; resolve it before appending.
	if m.Profile == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		profile, err := cs.profiles.Get(ctx, m.ProfileID)
		cancel()
		if err != nil {
			log.Printf("sync: sender lookup %s: %v", m.ProfileID, err)
		} else {
			m.Profile = profile
		}
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	appended := cs.appendLocked(m)
	if t, ok := cs.typing[m.ProfileID]; ok {
		t.Stop()
		delete(cs.typing, m.ProfileID)
	}
	focused := cs.focused
	onMessage := cs.onMessage
	onTyping := cs.onTyping
	cs.mu.Unlock()

	if !appended {
		return
	}

	cs.writeThrough([]Message{m})

	if m.ProfileID != cs.self {
		if focused {
			go cs.markRead()
		} else if cs.notifier != nil {
			cs.notifier.MessageArrived(m)
		}
		if onTyping != nil {
			onTyping(m.ProfileID, false)
		}
	}

	if onMessage != nil {
		onMessage(m)
	}
}

func (cs *ConversationSync) handleTyping(ev TypingEvent) {
	if ev.ConversationID != cs.conversationID || ev.ProfileID == cs.self {
		return
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	if t, ok := cs.typing[ev.ProfileID]; ok {
		t.Stop()
		delete(cs.typing, ev.ProfileID)
	}
	if ev.IsTyping {
		id := ev.ProfileID
		cs.typing[id] = time.AfterFunc(cs.typingTTL, func() { cs.expireTyping(id) })
	}
	onTyping := cs.onTyping
	cs.mu.Unlock()

	if onTyping != nil {
		onTyping(ev.ProfileID, ev.IsTyping)
	}
}

func (cs *ConversationSync) expireTyping(profileID string) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	if _, ok := cs.typing[profileID]; !ok {
		cs.mu.Unlock()
		return
	}
	delete(cs.typing, profileID)
	onTyping := cs.onTyping
	cs.mu.Unlock()

	if onTyping != nil {
		onTyping(profileID, false)
	}
}

// ── Helpers ──────────────────────────────────────────────────

func (cs *ConversationSync) markRead() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cs.markReadCtx(ctx)
}

// markReadCtx runs the batched unread→read transition on the backend and,
// on success, flips the local copies so snapshots and the cache agree with
// the store.
func (cs *ConversationSync) markReadCtx(ctx context.Context) {
	if err := cs.source.MarkRead(ctx, cs.conversationID, cs.self); err != nil {
		log.Printf("sync: mark read: %v", err)
		return
	}

	cs.mu.Lock()
	var flipped []Message
	for i := range cs.messages {
		if cs.messages[i].ProfileID != cs.self && !cs.messages[i].Read {
			cs.messages[i].Read = true
			flipped = append(flipped, cs.messages[i])
		}
	}
	cs.mu.Unlock()

	if cs.cache != nil && len(flipped) > 0 {
		if err := cs.cache.PutMessages(flipped); err != nil {
			log.Printf("sync: cache write: %v", err)
		}
	}
}

func (cs *ConversationSync) writeThrough(msgs []Message) {
	if cs.cache == nil || len(msgs) == 0 {
		return
	}
	if err := cs.cache.PutMessages(msgs); err != nil {
		log.Printf("sync: cache write: %v", err)
		return
	}
	last := msgs[len(msgs)-1].CreatedAt
	if err := cs.cache.SetWatermark(cs.conversationID, last); err != nil {
		log.Printf("sync: cache watermark: %v", err)
	}
}

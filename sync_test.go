package chattrix

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ── Fakes ────────────────────────────────────────────────────

type fakeMessageSource struct {
	mu        sync.Mutex
	hist      []Message
	gap       []Message
	histErr   error
	gapErr    error
	onHistory func()
	markReads int
}

func (f *fakeMessageSource) History(ctx context.Context, conversationID string) ([]Message, error) {
	if f.onHistory != nil {
		f.onHistory()
	}
	if f.histErr != nil {
		return nil, f.histErr
	}
	return append([]Message(nil), f.hist...), nil
}

func (f *fakeMessageSource) After(ctx context.Context, conversationID, createdAfter string) ([]Message, error) {
	if f.gapErr != nil {
		return nil, f.gapErr
	}
	var out []Message
	for _, m := range f.gap {
		if m.CreatedAt > createdAfter {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageSource) MarkRead(ctx context.Context, conversationID, readerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads++
	return nil
}

func (f *fakeMessageSource) markReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markReads
}

type fakeMessageEvents struct {
	mu        sync.Mutex
	insertFn  func(Message)
	typingFn  func(TypingEvent)
	unsubs    int
	insertErr error
	typingErr error
}

func (f *fakeMessageEvents) MessageInserts(ctx context.Context, conversationID string, fn func(Message)) (*Subscription, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.mu.Lock()
	f.insertFn = fn
	f.mu.Unlock()
	return &Subscription{cancel: func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}}, nil
}

func (f *fakeMessageEvents) TypingEvents(ctx context.Context, conversationID string, fn func(TypingEvent)) (*Subscription, error) {
	if f.typingErr != nil {
		return nil, f.typingErr
	}
	f.mu.Lock()
	f.typingFn = fn
	f.mu.Unlock()
	return &Subscription{cancel: func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}}, nil
}

func (f *fakeMessageEvents) deliverInsert(m Message) {
	f.mu.Lock()
	fn := f.insertFn
	f.mu.Unlock()
	fn(m)
}

func (f *fakeMessageEvents) deliverTyping(ev TypingEvent) {
	f.mu.Lock()
	fn := f.typingFn
	f.mu.Unlock()
	fn(ev)
}

func (f *fakeMessageEvents) unsubCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubs
}

type fakeSenderLookup struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSenderLookup) Get(ctx context.Context, id string) (*Profile, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &Profile{ID: id, Username: "user-" + id}, nil
}

// typingRecorder collects onTyping callbacks.
type typingRecorder struct {
	mu     sync.Mutex
	events []TypingEvent
}

func (r *typingRecorder) record(profileID string, isTyping bool) {
	r.mu.Lock()
	r.events = append(r.events, TypingEvent{ProfileID: profileID, IsTyping: isTyping})
	r.mu.Unlock()
}

func (r *typingRecorder) last() (TypingEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return TypingEvent{}, false
	}
	return r.events[len(r.events)-1], true
}

// ── Helpers ──────────────────────────────────────────────────

func testSession(profileID string) *Session {
	return &Session{profile: &Profile{ID: profileID, Username: profileID}}
}

func testMessage(id, conversationID, senderID, createdAt string) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		ProfileID:      senderID,
		Content:        "msg " + id,
		CreatedAt:      createdAt,
		Profile:        &Profile{ID: senderID, Username: "user-" + senderID},
	}
}

func newTestSynchronizer(src *fakeMessageSource, ev *fakeMessageEvents) *Synchronizer {
	return &Synchronizer{
		session:   testSession("me"),
		source:    src,
		events:    ev,
		profiles:  &fakeSenderLookup{},
		typingTTL: 40 * time.Millisecond,
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// ── Open ─────────────────────────────────────────────────────

func TestSynchronizerOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("history loads ordered", func(t *testing.T) {
		src := &fakeMessageSource{hist: []Message{
			testMessage("m-1", "c-1", "p-1", "2026-01-02T10:00:00Z"),
			testMessage("m-2", "c-1", "me", "2026-01-02T10:00:01Z"),
		}}
		ev := &fakeMessageEvents{}
		cs, err := newTestSynchronizer(src, ev).Open(ctx, "c-1")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer cs.Close()

		got := messageIDs(cs.Messages())
		if len(got) != 2 || got[0] != "m-1" || got[1] != "m-2" {
			t.Fatalf("wrong messages: %v", got)
		}
	})

	t.Run("open marks conversation read", func(t *testing.T) {
		src := &fakeMessageSource{}
		ev := &fakeMessageEvents{}
		cs, err := newTestSynchronizer(src, ev).Open(ctx, "c-1")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer cs.Close()
		if src.markReadCount() != 1 {
			t.Fatalf("expected 1 mark-read call, got %d", src.markReadCount())
		}
	})

	t.Run("open flips local read flags with the backend", func(t *testing.T) {
		src := &fakeMessageSource{hist: []Message{
			testMessage("m-1", "c-1", "p-1", "2026-01-02T10:00:00Z"),
			testMessage("m-2", "c-1", "me", "2026-01-02T10:00:01Z"),
		}}
		ev := &fakeMessageEvents{}
		cs, err := newTestSynchronizer(src, ev).Open(ctx, "c-1")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer cs.Close()

		// The batched transition covered m-1 on the backend; the snapshot
		// must agree instead of keeping the stale unread copy.
		got := cs.Messages()
		if !got[0].Read {
			t.Fatal("foreign message still unread in snapshot after open")
		}
		if got[1].Read {
			t.Fatal("own message flipped by the read transition")
		}
	})

	t.Run("row arriving during load lands exactly once", func(t *testing.T) {
		racer := testMessage("m-2", "c-1", "p-1", "2026-01-02T10:00:01Z")
		src := &fakeMessageSource{
			hist: []Message{testMessage("m-1", "c-1", "p-1", "2026-01-02T10:00:00Z")},
			gap:  []Message{racer},
		}
		ev := &fakeMessageEvents{}
		// The insert fires while the history fetch is in flight, so the
		// same row comes in via both the buffer and the gap query.
		src.onHistory = func() { ev.deliverInsert(racer) }

		cs, err := newTestSynchronizer(src, ev).Open(ctx, "c-1")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer cs.Close()

		got := messageIDs(cs.Messages())
		if len(got) != 2 || got[0] != "m-1" || got[1] != "m-2" {
			t.Fatalf("expected [m-1 m-2], got %v", got)
		}
	})

	t.Run("empty conversation skips gap query", func(t *testing.T) {
		src := &fakeMessageSource{gapErr: errors.New("must not be called")}
		ev := &fakeMessageEvents{}
		cs, err := newTestSynchronizer(src, ev).Open(ctx, "c-1")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer cs.Close()
		if len(cs.Messages()) != 0 {
			t.Fatalf("expected no messages, got %d", len(cs.Messages()))
		}
	})

	t.Run("typing subscribe failure releases message subscription", func(t *testing.T) {
		src := &fakeMessageSource{}
		ev := &fakeMessageEvents{typingErr: errors.New("boom")}
		if _, err := newTestSynchronizer(src, ev).Open(ctx, "c-1"); err == nil {
			t.Fatal("expected error")
		}
		if ev.unsubCount() != 1 {
			t.Fatalf("expected 1 unsubscribe, got %d", ev.unsubCount())
		}
	})

	t.Run("history failure releases both subscriptions", func(t *testing.T) {
		src := &fakeMessageSource{histErr: errors.New("backend down")}
		ev := &fakeMessageEvents{}
		if _, err := newTestSynchronizer(src, ev).Open(ctx, "c-1"); err == nil {
			t.Fatal("expected error")
		}
		if ev.unsubCount() != 2 {
			t.Fatalf("expected 2 unsubscribes, got %d", ev.unsubCount())
		}
	})

	t.Run("signed-out session rejected", func(t *testing.T) {
		s := newTestSynchronizer(&fakeMessageSource{}, &fakeMessageEvents{})
		s.session = &Session{}
		if _, err := s.Open(ctx, "c-1"); err == nil {
			t.Fatal("expected error for signed-out session")
		}
	})
}

// ── Live inserts ─────────────────────────────────────────────

func TestSynchronizerInserts(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T, src *fakeMessageSource, ev *fakeMessageEvents, opts ...OpenOption) *ConversationSync {
		t.Helper()
		cs, err := newTestSynchronizer(src, ev).Open(ctx, "c-1", opts...)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(cs.Close)
		return cs
	}

	t.Run("appended in order with callback", func(t *testing.T) {
		src := &fakeMessageSource{hist: []Message{testMessage("m-1", "c-1", "me", "2026-01-02T10:00:00Z")}}
		ev := &fakeMessageEvents{}
		var got []Message
		var mu sync.Mutex
		cs := open(t, src, ev, OnMessage(func(m Message) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		}))

		ev.deliverInsert(testMessage("m-2", "c-1", "me", "2026-01-02T10:00:01Z"))

		ids := messageIDs(cs.Messages())
		if len(ids) != 2 || ids[1] != "m-2" {
			t.Fatalf("expected m-2 appended, got %v", ids)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(got) != 1 || got[0].ID != "m-2" {
			t.Fatalf("expected callback for m-2, got %d calls", len(got))
		}
	})

	t.Run("duplicate delivery ignored", func(t *testing.T) {
		src := &fakeMessageSource{}
		ev := &fakeMessageEvents{}
		cs := open(t, src, ev)

		m := testMessage("m-1", "c-1", "me", "2026-01-02T10:00:00Z")
		ev.deliverInsert(m)
		ev.deliverInsert(m)

		if n := len(cs.Messages()); n != 1 {
			t.Fatalf("expected 1 message, got %d", n)
		}
	})

	t.Run("other conversations ignored", func(t *testing.T) {
		src := &fakeMessageSource{}
		ev := &fakeMessageEvents{}
		cs := open(t, src, ev)

		ev.deliverInsert(testMessage("m-1", "c-other", "me", "2026-01-02T10:00:00Z"))
		if n := len(cs.Messages()); n != 0 {
			t.Fatalf("expected 0 messages, got %d", n)
		}
	})

	t.Run("late row re-sorted by created_at", func(t *testing.T) {
		src := &fakeMessageSource{hist: []Message{testMessage("m-2", "c-1", "me", "2026-01-02T10:00:05Z")}}
		ev := &fakeMessageEvents{}
		cs := open(t, src, ev)

		ev.deliverInsert(testMessage("m-1", "c-1", "me", "2026-01-02T10:00:01Z"))

		ids := messageIDs(cs.Messages())
		if ids[0] != "m-1" || ids[1] != "m-2" {
			t.Fatalf("expected [m-1 m-2], got %v", ids)
		}
	})

	t.Run("foreign insert on focused view marks read", func(t *testing.T) {
		src := &fakeMessageSource{}
		ev := &fakeMessageEvents{}
		open(t, src, ev)

		before := src.markReadCount()
		ev.deliverInsert(testMessage("m-1", "c-1", "p-other", "2026-01-02T10:00:00Z"))
		waitFor(t, "read mark after foreign insert", func() bool {
			return src.markReadCount() > before
		})
	})

	t.Run("focused foreign insert ends up read in the snapshot", func(t *testing.T) {
		src := &fakeMessageSource{}
		ev := &fakeMessageEvents{}
		cs := open(t, src, ev)

		ev.deliverInsert(testMessage("m-1", "c-1", "p-other", "2026-01-02T10:00:00Z"))
		waitFor(t, "local read flag after foreign insert", func() bool {
			msgs := cs.Messages()
			return len(msgs) == 1 && msgs[0].Read
		})
	})

	t.Run("own insert does not re-mark read", func(t *testing.T) {
		src := &fakeMessageSource{}
		ev := &fakeMessageEvents{}
		open(t, src, ev)

		before := src.markReadCount()
		ev.deliverInsert(testMessage("m-1", "c-1", "me", "2026-01-02T10:00:00Z"))
		time.Sleep(50 * time.Millisecond)
		if src.markReadCount() != before {
			t.Fatalf("unexpected mark-read for own message")
		}
	})

	t.Run("foreign insert on blurred view notifies", func(t *testing.T) {
		src := &fakeMessageSource{}
		ev := &fakeMessageEvents{}
		var mu sync.Mutex
		var notes []Notification
		syncer := newTestSynchronizer(src, ev)
		syncer.notifier = NewNotifier(SinkFunc(func(n Notification) {
			mu.Lock()
			notes = append(notes, n)
			mu.Unlock()
		}))
		cs, err := syncer.Open(ctx, "c-1")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer cs.Close()
		cs.Blur()

		ev.deliverInsert(testMessage("m-1", "c-1", "p-other", "2026-01-02T10:00:00Z"))

		mu.Lock()
		defer mu.Unlock()
		if len(notes) != 1 {
			t.Fatalf("expected 1 notification, got %d", len(notes))
		}
		if notes[0].MessageID != "m-1" || notes[0].SenderID != "p-other" {
			t.Fatalf("wrong notification: %+v", notes[0])
		}
	})

	t.Run("missing sender profile resolved", func(t *testing.T) {
		src := &fakeMessageSource{}
		ev := &fakeMessageEvents{}
		lookup := &fakeSenderLookup{}
		syncer := newTestSynchronizer(src, ev)
		syncer.profiles = lookup
		cs, err := syncer.Open(ctx, "c-1")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer cs.Close()

		m := testMessage("m-1", "c-1", "p-2", "2026-01-02T10:00:00Z")
		m.Profile = nil
		ev.deliverInsert(m)

		got := cs.Messages()
		if len(got) != 1 || got[0].Profile == nil {
			t.Fatal("expected resolved sender profile")
		}
		if got[0].Profile.Username != "user-p-2" {
			t.Fatalf("wrong profile: %+v", got[0].Profile)
		}
	})

	t.Run("insert clears sender typing flag", func(t *testing.T) {
		src := &fakeMessageSource{}
		ev := &fakeMessageEvents{}
		rec := &typingRecorder{}
		cs := open(t, src, ev, OnTyping(rec.record))

		ev.deliverTyping(TypingEvent{ConversationID: "c-1", ProfileID: "p-2", IsTyping: true})
		if !cs.Typing()["p-2"] {
			t.Fatal("expected p-2 typing")
		}

		ev.deliverInsert(testMessage("m-1", "c-1", "p-2", "2026-01-02T10:00:00Z"))
		if cs.Typing()["p-2"] {
			t.Fatal("typing flag survived the sender's message")
		}
		if last, ok := rec.last(); !ok || last.ProfileID != "p-2" || last.IsTyping {
			t.Fatalf("expected final is_typing=false for p-2, got %+v", last)
		}
	})
}

// ── Typing ───────────────────────────────────────────────────

func TestSynchronizerTyping(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T, rec *typingRecorder) (*ConversationSync, *fakeMessageEvents) {
		t.Helper()
		ev := &fakeMessageEvents{}
		var opts []OpenOption
		if rec != nil {
			opts = append(opts, OnTyping(rec.record))
		}
		cs, err := newTestSynchronizer(&fakeMessageSource{}, ev).Open(ctx, "c-1", opts...)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(cs.Close)
		return cs, ev
	}

	t.Run("flag expires without refresh", func(t *testing.T) {
		rec := &typingRecorder{}
		cs, ev := open(t, rec)

		ev.deliverTyping(TypingEvent{ConversationID: "c-1", ProfileID: "p-2", IsTyping: true})
		if !cs.Typing()["p-2"] {
			t.Fatal("expected p-2 typing")
		}

		waitFor(t, "typing expiry", func() bool { return !cs.Typing()["p-2"] })
		if last, ok := rec.last(); !ok || last.IsTyping {
			t.Fatalf("expected expiry callback with is_typing=false, got %+v", last)
		}
	})

	t.Run("refresh extends the window", func(t *testing.T) {
		cs, ev := open(t, nil)

		ev.deliverTyping(TypingEvent{ConversationID: "c-1", ProfileID: "p-2", IsTyping: true})
		time.Sleep(25 * time.Millisecond)
		ev.deliverTyping(TypingEvent{ConversationID: "c-1", ProfileID: "p-2", IsTyping: true})
		time.Sleep(25 * time.Millisecond)
		if !cs.Typing()["p-2"] {
			t.Fatal("flag expired despite refresh")
		}
	})

	t.Run("explicit stop clears immediately", func(t *testing.T) {
		cs, ev := open(t, nil)

		ev.deliverTyping(TypingEvent{ConversationID: "c-1", ProfileID: "p-2", IsTyping: true})
		ev.deliverTyping(TypingEvent{ConversationID: "c-1", ProfileID: "p-2", IsTyping: false})
		if cs.Typing()["p-2"] {
			t.Fatal("expected flag cleared")
		}
	})

	t.Run("own echo ignored", func(t *testing.T) {
		cs, ev := open(t, nil)

		ev.deliverTyping(TypingEvent{ConversationID: "c-1", ProfileID: "me", IsTyping: true})
		if cs.Typing()["me"] {
			t.Fatal("own typing echo tracked")
		}
	})

	t.Run("other conversations ignored", func(t *testing.T) {
		cs, ev := open(t, nil)

		ev.deliverTyping(TypingEvent{ConversationID: "c-other", ProfileID: "p-2", IsTyping: true})
		if len(cs.Typing()) != 0 {
			t.Fatal("foreign conversation typing tracked")
		}
	})
}

// ── Close ────────────────────────────────────────────────────

func TestSynchronizerClose(t *testing.T) {
	ctx := context.Background()
	src := &fakeMessageSource{}
	ev := &fakeMessageEvents{}
	cs, err := newTestSynchronizer(src, ev).Open(ctx, "c-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ev.deliverTyping(TypingEvent{ConversationID: "c-1", ProfileID: "p-2", IsTyping: true})

	cs.Close()
	cs.Close()

	if ev.unsubCount() != 2 {
		t.Fatalf("expected 2 unsubscribes, got %d", ev.unsubCount())
	}

	// Deliveries after close are dropped.
	ev.deliverInsert(testMessage("m-1", "c-1", "p-2", "2026-01-02T10:00:00Z"))
	ev.deliverTyping(TypingEvent{ConversationID: "c-1", ProfileID: "p-3", IsTyping: true})
	if len(cs.Messages()) != 0 || len(cs.Typing()) != 0 {
		t.Fatal("state mutated after close")
	}
}

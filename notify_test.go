package chattrix

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPreview(t *testing.T) {
	attName := "report.pdf"

	cases := []struct {
		name string
		msg  Message
		want string
	}{
		{"plain text", Message{Content: "hello"}, "hello"},
		{"surrounding whitespace trimmed", Message{Content: "  hi there \n"}, "hi there"},
		{"attachment name stands in for empty text", Message{AttachmentName: &attName}, "report.pdf"},
		{"text wins over attachment name", Message{Content: "see file", AttachmentName: &attName}, "see file"},
		{"empty message", Message{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Preview(tc.msg); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}

	t.Run("long text truncated by rune", func(t *testing.T) {
		long := strings.Repeat("é", 80)
		got := Preview(Message{Content: long})
		if got != strings.Repeat("é", 64)+"…" {
			t.Fatalf("wrong truncation: %q", got)
		}
	})
}

func TestNotifier(t *testing.T) {
	fullName := "Bob Builder"

	t.Run("renders sender and preview", func(t *testing.T) {
		var got []Notification
		n := NewNotifier(SinkFunc(func(note Notification) { got = append(got, note) }))

		n.MessageArrived(Message{
			ID:             "m-1",
			ConversationID: "c-1",
			ProfileID:      "p-2",
			Content:        "lunch?",
			Profile:        &Profile{ID: "p-2", Username: "bob", FullName: &fullName},
		})

		if len(got) != 1 {
			t.Fatalf("expected 1 notification, got %d", len(got))
		}
		note := got[0]
		if note.Title != "Bob Builder" || note.Body != "lunch?" {
			t.Fatalf("wrong rendering: %+v", note)
		}
		if note.ConversationID != "c-1" || note.MessageID != "m-1" || note.SenderID != "p-2" {
			t.Fatalf("wrong routing fields: %+v", note)
		}
	})

	t.Run("unknown sender gets a generic title", func(t *testing.T) {
		var got []Notification
		n := NewNotifier(SinkFunc(func(note Notification) { got = append(got, note) }))

		n.MessageArrived(Message{ID: "m-1", Content: "hi"})
		if len(got) != 1 || got[0].Title != "New message" {
			t.Fatalf("expected generic title, got %+v", got)
		}
	})

	t.Run("nil notifier and nil sink are safe", func(t *testing.T) {
		var n *Notifier
		n.MessageArrived(Message{ID: "m-1"})
		NewNotifier(nil).MessageArrived(Message{ID: "m-1"})
	})
}

func TestWebhookSignature(t *testing.T) {
	body := []byte(`{"title":"bob","body":"hi"}`)
	sig := SignPayload(body, "s3cret")

	t.Run("round trip", func(t *testing.T) {
		if !VerifySignature(body, sig, "s3cret") {
			t.Fatal("valid signature rejected")
		}
		if !VerifySignature(body, "sha256="+sig, "s3cret") {
			t.Fatal("prefixed signature rejected")
		}
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		if VerifySignature([]byte(`{"title":"eve"}`), sig, "s3cret") {
			t.Fatal("tampered body accepted")
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		if VerifySignature(body, sig, "other") {
			t.Fatal("wrong secret accepted")
		}
	})

	t.Run("degenerate inputs rejected", func(t *testing.T) {
		if VerifySignature(nil, sig, "s3cret") || VerifySignature(body, "", "s3cret") || VerifySignature(body, sig, "") {
			t.Fatal("degenerate input accepted")
		}
		if VerifySignature(body, "sha256=", "s3cret") {
			t.Fatal("empty prefixed signature accepted")
		}
	})
}

func TestWebhookSink(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(200)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret")
	sink.Notify(Notification{Title: "bob", Body: "hi", ConversationID: "c-1", MessageID: "m-1", SenderID: "p-2"})

	select {
	case r := <-received:
		body := <-bodies
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("wrong content type: %s", ct)
		}
		sig := r.Header.Get("X-Chattrix-Signature")
		if !VerifySignature(body, sig, "s3cret") {
			t.Errorf("signature does not verify: %s", sig)
		}
		var note Notification
		if err := json.Unmarshal(body, &note); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if note.MessageID != "m-1" || note.Title != "bob" {
			t.Fatalf("wrong payload: %+v", note)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

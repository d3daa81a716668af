package main

import (
	"bytes"
	"strings"
	"testing"

	chattrix "github.com/chattrix/chattrix-go"
)

func tailMsg(id, sender, content string) chattrix.Message {
	return chattrix.Message{
		ID:             id,
		ConversationID: "c-1",
		ProfileID:      sender,
		Content:        content,
		CreatedAt:      "2025-01-01T00:00:00Z",
	}
}

func TestTailPrinter(t *testing.T) {
	t.Run("raced message prints exactly once", func(t *testing.T) {
		var buf bytes.Buffer
		p := newTailPrinter(&buf, "me")

		// A live insert lands before the snapshot is rendered, so the
		// same row is present in both paths.
		p.Live(tailMsg("m-2", "p-2", "racer"))
		p.Flush([]chattrix.Message{
			tailMsg("m-1", "p-2", "hello"),
			tailMsg("m-2", "p-2", "racer"),
		})

		out := buf.String()
		if got := strings.Count(out, "racer"); got != 1 {
			t.Fatalf("raced message printed %d times:\n%s", got, out)
		}
		if strings.Index(out, "hello") > strings.Index(out, "racer") {
			t.Fatalf("history printed out of order:\n%s", out)
		}
	})

	t.Run("held messages follow the snapshot", func(t *testing.T) {
		var buf bytes.Buffer
		p := newTailPrinter(&buf, "me")

		p.Live(tailMsg("m-3", "p-2", "early bird"))
		p.Flush([]chattrix.Message{tailMsg("m-1", "p-2", "first")})

		out := buf.String()
		if strings.Index(out, "first") > strings.Index(out, "early bird") {
			t.Fatalf("held message printed before history:\n%s", out)
		}
	})

	t.Run("live messages print directly after flush", func(t *testing.T) {
		var buf bytes.Buffer
		p := newTailPrinter(&buf, "me")

		p.Flush(nil)
		p.Live(tailMsg("m-9", "p-2", "later"))

		if !strings.Contains(buf.String(), "later") {
			t.Fatalf("live message missing:\n%s", buf.String())
		}
	})

	t.Run("own messages render as me", func(t *testing.T) {
		var buf bytes.Buffer
		p := newTailPrinter(&buf, "me")

		p.Flush([]chattrix.Message{tailMsg("m-1", "me", "mine")})

		if !strings.Contains(buf.String(), "me: mine") {
			t.Fatalf("own message not labelled:\n%s", buf.String())
		}
	})
}

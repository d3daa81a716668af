package chattrix

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// previewLimit caps the notification body length in runes.
const previewLimit = 64

// Notification is a rendered new-message alert.
type Notification struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
}

// NotificationSink receives rendered notifications. Implementations must
// not block; they run on the realtime delivery goroutine.
type NotificationSink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to the NotificationSink interface.
type SinkFunc func(n Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// Notifier renders foreign messages arriving on unfocused conversations
// into notifications and hands them to a sink.
type Notifier struct {
	sink NotificationSink
}

// NewNotifier creates a notifier delivering to the given sink.
func NewNotifier(sink NotificationSink) *Notifier {
	return &Notifier{sink: sink}
}

// MessageArrived renders and delivers a notification for the message.
func (n *Notifier) MessageArrived(m Message) {
	if n == nil || n.sink == nil {
		return
	}
	n.sink.Notify(Notification{
		Title:          senderLabel(m.Profile),
		Body:           Preview(m),
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.ProfileID,
	})
}

// Preview renders the notification body: the content truncated to 64 runes,
// or the attachment name for a content-less attachment message.
func Preview(m Message) string {
	text := strings.TrimSpace(m.Content)
	if text == "" && m.AttachmentName != nil {
		text = *m.AttachmentName
	}
	runes := []rune(text)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit]) + "…"
	}
	return text
}

func senderLabel(p *Profile) string {
	if p == nil {
		return "New message"
	}
	return p.DisplayName()
}

// ============================================================================
// WebhookSink
// ============================================================================

// WebhookSink pushes notifications to an external HTTP endpoint, signing
// each body with HMAC-SHA256 so the receiver can verify origin.
type WebhookSink struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewWebhookSink creates a webhook sink. secret may be empty to skip
// signing.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts the notification. Delivery is fire-and-forget; failures are
// logged.
func (w *WebhookSink) Notify(n Notification) {
	go func() {
		if err := w.deliver(n); err != nil {
			log.Printf("notify: webhook: %v", err)
		}
	}()
}

func (w *WebhookSink) deliver(n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Chattrix-Signature", "sha256="+SignPayload(body, w.secret))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post: HTTP %d", resp.StatusCode)
	}
	return nil
}

// SignPayload computes the hex HMAC-SHA256 of the payload.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time. The
// signature may carry a "sha256=" prefix.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := SignPayload(body, secret)
	return hmac.Equal([]byte(sig), []byte(expected))
}

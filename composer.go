package chattrix

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTypingIdle is how long after the last keystroke the outgoing
// typing flag is dropped.
const DefaultTypingIdle = 3 * time.Second

// composer collaborators, satisfied by the client and realtime sub-clients.
type messageSender interface {
	Insert(ctx context.Context, msg *NewMessage) (*Message, error)
}

type conversationToucher interface {
	Touch(ctx context.Context, id string) error
}

type attachmentUploader interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
}

type typingBroadcaster interface {
	SendTyping(ctx context.Context, ev TypingEvent) error
}

// typingState is the composer's explicit debounce state: idle, or typing
// with a deadline held by the armed timer.
type typingState int

const (
	typingIdle typingState = iota
	typingActive
)

// Composer drafts and sends messages for one conversation. It owns the
// outgoing typing debounce exclusively; nothing else toggles the flag.
type Composer struct {
	conversationID string
	self           string
	sender         messageSender
	toucher        conversationToucher
	uploader       attachmentUploader
	broadcaster    typingBroadcaster
	idle           time.Duration

	mu         sync.Mutex
	draft      string
	attachment *Attachment
	replyTo    string
	state      typingState
	timer      *time.Timer
	closed     bool
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithTypingIdle overrides the keystroke idle window.
func WithTypingIdle(d time.Duration) ComposerOption {
	return func(c *Composer) { c.idle = d }
}

// NewComposer creates a composer for the conversation.
func NewComposer(session *Session, client *Client, rt *RealtimeClient, conversationID string, opts ...ComposerOption) *Composer {
	c := &Composer{
		conversationID: conversationID,
		self:           session.ProfileID(),
		sender:         client.Messages,
		toucher:        client.Conversations,
		uploader:       client.Storage,
		broadcaster:    rt,
		idle:           DefaultTypingIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDraft replaces the draft text.
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the current draft text.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Keystroke records typing activity: every call broadcasts is_typing=true
// and re-arms the idle timer. Receivers age the flag out after their own
// TTL, so the repeated signal is what keeps a long burst of typing visible.
// The timer expiry broadcasts is_typing=false.
func (c *Composer) Keystroke(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = typingActive
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.idle, c.idleExpired)
	c.mu.Unlock()

	c.broadcast(ctx, true)
}

// StageAttachment stages a file to be uploaded with the next send.
func (c *Composer) StageAttachment(att *Attachment) {
	c.mu.Lock()
	c.attachment = att
	c.mu.Unlock()
}

// ClearAttachment drops the staged attachment.
func (c *Composer) ClearAttachment() {
	c.mu.Lock()
	c.attachment = nil
	c.mu.Unlock()
}

// SetReplyTo marks the next send as a reply to the given message.
func (c *Composer) SetReplyTo(messageID string) {
	c.mu.Lock()
	c.replyTo = messageID
	c.mu.Unlock()
}

// ClearReplyTo drops the reply target.
func (c *Composer) ClearReplyTo() {
	c.mu.Lock()
	c.replyTo = ""
	c.mu.Unlock()
}

// Body returns the tagged variant the current state would send.
func (c *Composer) Body() MessageBody {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.attachment != nil:
		return MessageBody{Kind: BodyAttachment, Text: c.draft, Attachment: c.attachment}
	case c.replyTo != "":
		return MessageBody{Kind: BodyReply, Text: c.draft, ReplyTo: c.replyTo}
	default:
		return MessageBody{Kind: BodyText, Text: c.draft}
	}
}

// Send sends the composed message. A draft that is empty after trimming
// with no staged attachment is a no-op returning (nil, nil). On success the
// draft, staged attachment, and reply target are cleared and the parent
// conversation's updated_at is bumped; on failure all three stay intact for
// a user-initiated retry.
func (c *Composer) Send(ctx context.Context) (*Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	body := MessageBody{Text: c.draft, ReplyTo: c.replyTo, Attachment: c.attachment}
	c.mu.Unlock()

	if strings.TrimSpace(body.Text) == "" && body.Attachment == nil {
		return nil, nil
	}

	c.stopTyping(ctx)

	msg := &NewMessage{
		ConversationID: c.conversationID,
		ProfileID:      c.self,
		Content:        body.Text,
	}
	if body.ReplyTo != "" {
		replyTo := body.ReplyTo
		msg.ReplyToMessageID = &replyTo
	}
	if att := body.Attachment; att != nil {
		key := c.attachmentKey(att.Name)
		publicURL, err := c.uploader.Upload(ctx, AttachmentBucket, key, att.Data, att.ContentType)
		if err != nil {
			return nil, fmt.Errorf("upload attachment: %w", err)
		}
		name := att.Name
		contentType := att.ContentType
		msg.AttachmentURL = &publicURL
		msg.AttachmentType = &contentType
		msg.AttachmentName = &name
	}

	sent, err := c.sender.Insert(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	if err := c.toucher.Touch(ctx, c.conversationID); err != nil {
		log.Printf("composer: touch conversation: %v", err)
	}

	c.mu.Lock()
	c.draft = ""
	c.attachment = nil
	c.replyTo = ""
	c.mu.Unlock()

	return sent, nil
}

// Close tears the composer down: the idle timer is cancelled and, if the
// typing flag is up, a final is_typing=false goes out so it is never left
// stuck on.
func (c *Composer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasTyping := c.state == typingActive
	c.state = typingIdle
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if wasTyping {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.broadcast(ctx, false)
	}
}

// ── Internals ────────────────────────────────────────────────

func (c *Composer) idleExpired() {
	c.mu.Lock()
	if c.closed || c.state != typingActive {
		c.mu.Unlock()
		return
	}
	c.state = typingIdle
	c.timer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.broadcast(ctx, false)
}

func (c *Composer) stopTyping(ctx context.Context) {
	c.mu.Lock()
	wasTyping := c.state == typingActive
	c.state = typingIdle
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if wasTyping {
		c.broadcast(ctx, false)
	}
}

func (c *Composer) broadcast(ctx context.Context, isTyping bool) {
	ev := TypingEvent{
		ConversationID: c.conversationID,
		ProfileID:      c.self,
		IsTyping:       isTyping,
	}
	if err := c.broadcaster.SendTyping(ctx, ev); err != nil {
		log.Printf("composer: typing broadcast: %v", err)
	}
}

// attachmentKey builds a collision-resistant storage key scoped to the
// sender.
func (c *Composer) attachmentKey(fileName string) string {
	return fmt.Sprintf("%s/%d-%s%s", c.self, time.Now().UnixNano(), uuid.NewString(), filepath.Ext(fileName))
}

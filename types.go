package chattrix

import (
	"encoding/json"
	"errors"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Sentinel errors returned by the client and cache layers.
var (
	ErrNotFound     = errors.New("not found")
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("closed")
)

// ============================================================================
// Row Types
// ============================================================================

// Profile is a row in the profiles table. Identity fields (ID, Username)
// never change; presence fields mutate independently via row updates.
type Profile struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	FullName     *string `json:"full_name,omitempty"`
	AvatarURL    *string `json:"avatar_url,omitempty"`
	OnlineStatus bool    `json:"online_status"`
	LastSeenAt   *string `json:"last_seen_at,omitempty"`
}

// DisplayName returns the full name when set, otherwise the username.
func (p *Profile) DisplayName() string {
	if p == nil {
		return ""
	}
	if p.FullName != nil && *p.FullName != "" {
		return *p.FullName
	}
	return p.Username
}

// Conversation is a row in the conversations table. UpdatedAt is bumped on
// every message insert and serves as the directory sort key.
type Conversation struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Participant is a row in the conversation_participants join table.
type Participant struct {
	ConversationID string `json:"conversation_id"`
	ProfileID      string `json:"profile_id"`
}

// Message is a row in the messages table. Rows are immutable after insert
// except for the unread-to-read transition of the Read flag.
type Message struct {
	ID               string   `json:"id"`
	ConversationID   string   `json:"conversation_id"`
	ProfileID        string   `json:"profile_id"`
	Content          string   `json:"content"`
	Read             bool     `json:"read"`
	CreatedAt        string   `json:"created_at"`
	ReplyToMessageID *string  `json:"reply_to_message_id,omitempty"`
	AttachmentURL    *string  `json:"attachment_url,omitempty"`
	AttachmentType   *string  `json:"attachment_type,omitempty"`
	AttachmentName   *string  `json:"attachment_name,omitempty"`
	Profile          *Profile `json:"profile,omitempty"`
}

// NewMessage is the insert shape for the messages table.
type NewMessage struct {
	ConversationID   string  `json:"conversation_id"`
	ProfileID        string  `json:"profile_id"`
	Content          string  `json:"content"`
	ReplyToMessageID *string `json:"reply_to_message_id,omitempty"`
	AttachmentURL    *string `json:"attachment_url,omitempty"`
	AttachmentType   *string `json:"attachment_type,omitempty"`
	AttachmentName   *string `json:"attachment_name,omitempty"`
}

// TypingEvent is an ephemeral typing signal broadcast on a conversation's
// typing channel. It is never persisted.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	ProfileID      string `json:"profile_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ============================================================================
// Message Body
// ============================================================================

// BodyKind discriminates the composed message variants.
type BodyKind int

const (
	BodyText BodyKind = iota
	BodyReply
	BodyAttachment
)

// Attachment is a staged file waiting to be uploaded with the next send.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// MessageBody is the tagged content of an outgoing message. Exactly one
// variant applies: plain text, a reply to another message, or text with an
// attachment.
type MessageBody struct {
	Kind       BodyKind
	Text       string
	ReplyTo    string
	Attachment *Attachment
}

// ============================================================================
// Auth Types
// ============================================================================

// AuthUser is the backend's view of an authenticated user.
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// AuthSession is the token bundle returned by sign-in and sign-up.
type AuthSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	User         *AuthUser `json:"user,omitempty"`
}

// AuthResult is the outcome of an auth operation in the backend's
// success-flag shape.
type AuthResult struct {
	Success bool      `json:"success"`
	User    *AuthUser `json:"user,omitempty"`
	Profile *Profile  `json:"profile,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// ============================================================================
// Generic Result
// ============================================================================

// Result is the generic envelope for backend responses that carry data.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

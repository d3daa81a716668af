// Package chattrix is a Go client for a hosted chat backend.
//
// The backend exposes auth, a relational store (profiles, conversations,
// conversation_participants, messages), a realtime event bus, and object
// storage. This package layers chat semantics on top: session handling,
// a conversation directory, a per-conversation message synchronizer, a
// composer with typing signals, and a presence tracker.
//
// Example:
//
//	client := chattrix.NewClient(anonKey, chattrix.WithBaseURL("https://chat.example.com"))
//	session := chattrix.NewSession(client)
//	session.Login(ctx, "a@example.com", "secret")
//
//	dir := chattrix.NewDirectory(session, client)
//	views, _ := dir.List(ctx)
package chattrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://chattrix.cloud"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the low-level backend client. It is safe for concurrent use;
// components share a single instance.
type Client struct {
	anonKey    string
	baseURL    string
	httpClient *http.Client

	tokenMu     sync.RWMutex
	accessToken string

	Auth          *AuthClient
	Profiles      *ProfilesClient
	Conversations *ConversationsClient
	Participants  *ParticipantsClient
	Messages      *MessagesClient
	Storage       *StorageClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a backend client. anonKey identifies the project and is
// sent on every request; per-user auth is set later via SetAccessToken.
func NewClient(anonKey string, opts ...ClientOption) *Client {
	c := &Client{
		anonKey: anonKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{client: c}
	c.Profiles = &ProfilesClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Participants = &ParticipantsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Storage = &StorageClient{client: c}
	return c
}

// SetAccessToken sets or replaces the per-user bearer token.
func (c *Client) SetAccessToken(token string) {
	c.tokenMu.Lock()
	c.accessToken = token
	c.tokenMu.Unlock()
}

// AccessToken returns the current per-user bearer token, if any.
func (c *Client) AccessToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.accessToken
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, headers map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("apikey", c.anonKey)
	token := c.AccessToken()
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// apiError converts a non-2xx table response into an *APIError.
func apiError(status int, data []byte) error {
	var e APIError
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		if e.Code == "" {
			e.Code = fmt.Sprintf("HTTP_%d", status)
		}
		return &e
	}
	return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: strings.TrimSpace(string(data))}
}

// ── Table access ─────────────────────────────────────────────

func (c *Client) selectRows(ctx context.Context, table string, query url.Values, into interface{}) error {
	data, status, err := c.doRequest(ctx, "GET", "/rest/v1/"+table, nil, query, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(status, data)
	}
	return json.Unmarshal(data, into)
}

func (c *Client) insertRows(ctx context.Context, table string, body interface{}, into interface{}) error {
	headers := map[string]string{"Prefer": "return=representation"}
	data, status, err := c.doRequest(ctx, "POST", "/rest/v1/"+table, body, nil, headers)
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(status, data)
	}
	if into == nil {
		return nil
	}
	return json.Unmarshal(data, into)
}

func (c *Client) updateRows(ctx context.Context, table string, query url.Values, body interface{}) error {
	data, status, err := c.doRequest(ctx, "PATCH", "/rest/v1/"+table, body, query, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(status, data)
	}
	return nil
}

func eq(v string) string  { return "eq." + v }
func neq(v string) string { return "neq." + v }
func gt(v string) string  { return "gt." + v }

func in(vals []string) string {
	return "in.(" + strings.Join(vals, ",") + ")"
}

// ============================================================================
// AuthClient
// ============================================================================

// AuthClient covers the hosted auth endpoints.
type AuthClient struct{ client *Client }

// SignUp creates a new auth user and returns its session.
func (a *AuthClient) SignUp(ctx context.Context, email, password string) (*AuthSession, error) {
	payload := map[string]string{"email": email, "password": password}
	data, status, err := a.client.doRequest(ctx, "POST", "/auth/v1/signup", payload, nil, nil)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, apiError(status, data)
	}
	return decodeJSON[AuthSession](data)
}

// SignIn exchanges email/password for a session.
func (a *AuthClient) SignIn(ctx context.Context, email, password string) (*AuthSession, error) {
	payload := map[string]string{"email": email, "password": password}
	q := url.Values{"grant_type": {"password"}}
	data, status, err := a.client.doRequest(ctx, "POST", "/auth/v1/token", payload, q, nil)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, apiError(status, data)
	}
	return decodeJSON[AuthSession](data)
}

// SignOut revokes the current session token.
func (a *AuthClient) SignOut(ctx context.Context) error {
	data, status, err := a.client.doRequest(ctx, "POST", "/auth/v1/logout", nil, nil, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(status, data)
	}
	return nil
}

// User returns the user behind the current access token.
func (a *AuthClient) User(ctx context.Context) (*AuthUser, error) {
	data, status, err := a.client.doRequest(ctx, "GET", "/auth/v1/user", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, apiError(status, data)
	}
	return decodeJSON[AuthUser](data)
}

// ============================================================================
// ProfilesClient
// ============================================================================

// ProfilesClient reads and writes the profiles table.
type ProfilesClient struct{ client *Client }

// Get fetches one profile by id. Returns ErrNotFound when no row matches.
func (p *ProfilesClient) Get(ctx context.Context, id string) (*Profile, error) {
	q := url.Values{"id": {eq(id)}, "limit": {"1"}}
	var rows []Profile
	if err := p.client.selectRows(ctx, "profiles", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// List fetches profiles for the given ids. Missing ids are simply absent
// from the result.
func (p *ProfilesClient) List(ctx context.Context, ids []string) ([]Profile, error) {
	if len(ids) == 0 {
		return []Profile{}, nil
	}
	q := url.Values{"id": {in(ids)}}
	var rows []Profile
	if err := p.client.selectRows(ctx, "profiles", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Search finds profiles whose username or full name contains the query,
// excluding the caller.
func (p *ProfilesClient) Search(ctx context.Context, query, excludeID string) ([]Profile, error) {
	q := url.Values{
		"id":    {neq(excludeID)},
		"or":    {fmt.Sprintf("(username.ilike.%%%s%%,full_name.ilike.%%%s%%)", query, query)},
		"limit": {"10"},
	}
	var rows []Profile
	if err := p.client.selectRows(ctx, "profiles", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert creates a profile row for a freshly registered user.
func (p *ProfilesClient) Insert(ctx context.Context, profile *Profile) (*Profile, error) {
	var rows []Profile
	if err := p.client.insertRows(ctx, "profiles", profile, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return profile, nil
	}
	return &rows[0], nil
}

// SetOnline flips the profile's online flag and stamps last_seen_at.
func (p *ProfilesClient) SetOnline(ctx context.Context, id string, online bool) error {
	q := url.Values{"id": {eq(id)}}
	body := map[string]interface{}{
		"online_status": online,
		"last_seen_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	return p.client.updateRows(ctx, "profiles", q, body)
}

// ============================================================================
// ConversationsClient
// ============================================================================

// ConversationsClient reads and writes the conversations table.
type ConversationsClient struct{ client *Client }

// ListByIDs fetches conversation rows ordered by updated_at descending.
func (cv *ConversationsClient) ListByIDs(ctx context.Context, ids []string) ([]Conversation, error) {
	if len(ids) == 0 {
		return []Conversation{}, nil
	}
	q := url.Values{"id": {in(ids)}, "order": {"updated_at.desc"}}
	var rows []Conversation
	if err := cv.client.selectRows(ctx, "conversations", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Create inserts an empty conversation row and returns it.
func (cv *ConversationsClient) Create(ctx context.Context) (*Conversation, error) {
	var rows []Conversation
	if err := cv.client.insertRows(ctx, "conversations", map[string]interface{}{}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("create conversation: empty response")
	}
	return &rows[0], nil
}

// Touch bumps the conversation's updated_at to now.
func (cv *ConversationsClient) Touch(ctx context.Context, id string) error {
	q := url.Values{"id": {eq(id)}}
	body := map[string]string{"updated_at": time.Now().UTC().Format(time.RFC3339Nano)}
	return cv.client.updateRows(ctx, "conversations", q, body)
}

// ============================================================================
// ParticipantsClient
// ============================================================================

// ParticipantsClient reads and writes the conversation_participants table.
type ParticipantsClient struct{ client *Client }

// ConversationIDs returns the ids of all conversations the profile is in.
func (pt *ParticipantsClient) ConversationIDs(ctx context.Context, profileID string) ([]string, error) {
	q := url.Values{"profile_id": {eq(profileID)}, "select": {"conversation_id"}}
	var rows []Participant
	if err := pt.client.selectRows(ctx, "conversation_participants", q, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ConversationID)
	}
	return ids, nil
}

// Profiles returns the profiles of everyone in the conversation, without
// duplicates.
func (pt *ParticipantsClient) Profiles(ctx context.Context, conversationID string) ([]Profile, error) {
	q := url.Values{"conversation_id": {eq(conversationID)}, "select": {"profile_id"}}
	var rows []Participant
	if err := pt.client.selectRows(ctx, "conversation_participants", q, &rows); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(rows))
	var ids []string
	for _, r := range rows {
		if !seen[r.ProfileID] {
			seen[r.ProfileID] = true
			ids = append(ids, r.ProfileID)
		}
	}
	return pt.client.Profiles.List(ctx, ids)
}

// Add inserts participant rows binding the profiles to the conversation.
func (pt *ParticipantsClient) Add(ctx context.Context, conversationID string, profileIDs []string) error {
	rows := make([]Participant, 0, len(profileIDs))
	for _, id := range profileIDs {
		rows = append(rows, Participant{ConversationID: conversationID, ProfileID: id})
	}
	return pt.client.insertRows(ctx, "conversation_participants", rows, nil)
}

// ============================================================================
// MessagesClient
// ============================================================================

// messageSelect embeds the sender profile columns the renderer needs.
const messageSelect = "*,profile:profile_id(id,username,avatar_url,full_name)"

// MessagesClient reads and writes the messages table.
type MessagesClient struct{ client *Client }

// History fetches all messages of a conversation ascending by created_at,
// each with its sender profile embedded.
func (m *MessagesClient) History(ctx context.Context, conversationID string) ([]Message, error) {
	q := url.Values{
		"conversation_id": {eq(conversationID)},
		"select":          {messageSelect},
		"order":           {"created_at.asc"},
	}
	var rows []Message
	if err := m.client.selectRows(ctx, "messages", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// After fetches messages created strictly after the given timestamp,
// ascending. Used to close the fetch/subscribe gap.
func (m *MessagesClient) After(ctx context.Context, conversationID, createdAfter string) ([]Message, error) {
	q := url.Values{
		"conversation_id": {eq(conversationID)},
		"created_at":      {gt(createdAfter)},
		"select":          {messageSelect},
		"order":           {"created_at.asc"},
	}
	var rows []Message
	if err := m.client.selectRows(ctx, "messages", q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Last fetches the most recent message of a conversation. Returns
// ErrNotFound for an empty conversation.
func (m *MessagesClient) Last(ctx context.Context, conversationID string) (*Message, error) {
	q := url.Values{
		"conversation_id": {eq(conversationID)},
		"select":          {messageSelect},
		"order":           {"created_at.desc"},
		"limit":           {"1"},
	}
	var rows []Message
	if err := m.client.selectRows(ctx, "messages", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// Get fetches one message by id. Returns ErrNotFound when the row is gone,
// which renderers treat as an unavailable reply target.
func (m *MessagesClient) Get(ctx context.Context, id string) (*Message, error) {
	q := url.Values{"id": {eq(id)}, "select": {messageSelect}, "limit": {"1"}}
	var rows []Message
	if err := m.client.selectRows(ctx, "messages", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// Insert creates a message row and returns the stored representation.
func (m *MessagesClient) Insert(ctx context.Context, msg *NewMessage) (*Message, error) {
	var rows []Message
	if err := m.client.insertRows(ctx, "messages", msg, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert message: empty response")
	}
	return &rows[0], nil
}

// MarkRead flips every unread message in the conversation that was sent by
// someone else to read. Re-running it is a no-op.
func (m *MessagesClient) MarkRead(ctx context.Context, conversationID, readerID string) error {
	q := url.Values{
		"conversation_id": {eq(conversationID)},
		"profile_id":      {neq(readerID)},
		"read":            {"is.false"},
	}
	return m.client.updateRows(ctx, "messages", q, map[string]bool{"read": true})
}

// ============================================================================
// StorageClient
// ============================================================================

// AttachmentBucket is the object-storage bucket holding message attachments.
const AttachmentBucket = "attachments"

// StorageClient uploads objects and resolves their public URLs.
type StorageClient struct{ client *Client }

// Upload stores the object under bucket/key and returns its public URL.
func (s *StorageClient) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	u := s.client.baseURL + "/storage/v1/object/" + bucket + "/" + key
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	s.client.setAuthHeaders(req)

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return s.PublicURL(bucket, key), nil
}

// PublicURL returns the public download URL for an object.
func (s *StorageClient) PublicURL(bucket, key string) string {
	return s.client.baseURL + "/storage/v1/object/public/" + bucket + "/" + key
}

// ============================================================================
// Helpers
// ============================================================================

// sortMessagesAsc orders messages by created_at ascending with id as the
// tiebreaker, matching the display order invariant.
func sortMessagesAsc(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}

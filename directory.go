package chattrix

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"
)

// ConversationView is a directory entry: the conversation row enriched with
// its participants, its latest message, and a derived title.
type ConversationView struct {
	Conversation
	Participants []Profile `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	Title        string    `json:"title"`
}

// directory data sources, satisfied by the client's sub-clients.
type participantSource interface {
	ConversationIDs(ctx context.Context, profileID string) ([]string, error)
	Profiles(ctx context.Context, conversationID string) ([]Profile, error)
	Add(ctx context.Context, conversationID string, profileIDs []string) error
}

type conversationSource interface {
	ListByIDs(ctx context.Context, ids []string) ([]Conversation, error)
	Create(ctx context.Context) (*Conversation, error)
}

type lastMessageSource interface {
	Last(ctx context.Context, conversationID string) (*Message, error)
}

// Directory lists the caller's conversations, newest activity first.
type Directory struct {
	session       *Session
	participants  participantSource
	conversations conversationSource
	messages      lastMessageSource

	cache *Cache
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithDirectoryCache writes listed conversations through to a local cache.
func WithDirectoryCache(cache *Cache) DirectoryOption {
	return func(d *Directory) { d.cache = cache }
}

// NewDirectory creates a conversation directory for the session's user.
func NewDirectory(session *Session, client *Client, opts ...DirectoryOption) *Directory {
	d := &Directory{
		session:       session,
		participants:  client.Participants,
		conversations: client.Conversations,
		messages:      client.Messages,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// List returns every conversation the user participates in, ordered by
// updated_at descending and fully enriched. A user with no conversations
// gets an empty slice. Enrichment failures degrade the entry instead of
// failing the listing.
func (d *Directory) List(ctx context.Context) ([]ConversationView, error) {
	self := d.session.ProfileID()
	if self == "" {
		return nil, fmt.Errorf("directory: no signed-in user")
	}

	ids, err := d.participants.ConversationIDs(ctx, self)
	if err != nil {
		return nil, fmt.Errorf("list participation: %w", err)
	}
	if len(ids) == 0 {
		return []ConversationView{}, nil
	}

	convs, err := d.conversations.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	views := make([]ConversationView, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, conv := range convs {
		i, conv := i, conv
		views[i] = ConversationView{Conversation: conv}

		g.Go(func() error {
			participants, err := d.participants.Profiles(gctx, conv.ID)
			if err != nil {
				log.Printf("directory: participants of %s: %v", conv.ID, err)
				participants = []Profile{}
			}
			views[i].Participants = participants
			views[i].Title = DeriveTitle(self, participants)
			return nil
		})
		g.Go(func() error {
			last, err := d.messages.Last(gctx, conv.ID)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					log.Printf("directory: last message of %s: %v", conv.ID, err)
				}
				return nil
			}
			views[i].LastMessage = last
			return nil
		})
	}
	// Enrichment errors are logged per entry, never returned.
	_ = g.Wait()

	if d.cache != nil {
		if err := d.cache.PutConversations(views); err != nil {
			log.Printf("directory: cache write: %v", err)
		}
	}

	return views, nil
}

// Start creates a conversation with the given participants (the caller is
// added automatically) and returns its row.
func (d *Directory) Start(ctx context.Context, participantIDs []string) (*Conversation, error) {
	self := d.session.ProfileID()
	if self == "" {
		return nil, fmt.Errorf("directory: no signed-in user")
	}
	if len(participantIDs) == 0 {
		return nil, fmt.Errorf("directory: at least one participant required")
	}

	conv, err := d.conversations.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	members := append([]string{self}, participantIDs...)
	members = dedupeStrings(members)
	if err := d.participants.Add(ctx, conv.ID, members); err != nil {
		return nil, fmt.Errorf("add participants: %w", err)
	}
	return conv, nil
}

// DeriveTitle names a conversation from the participants other than self:
// nobody else gives a self label, one other gives their display name, more
// give the first username plus a count.
func DeriveTitle(selfID string, participants []Profile) string {
	var others []Profile
	for _, p := range participants {
		if p.ID != selfID {
			others = append(others, p)
		}
	}

	switch len(others) {
	case 0:
		return "Just me"
	case 1:
		return others[0].DisplayName()
	default:
		return fmt.Sprintf("%s and %d more", others[0].Username, len(others)-1)
	}
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

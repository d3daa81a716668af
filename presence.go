package chattrix

import (
	"context"
	"fmt"
	"sync"
)

// PresenceInfo is the tracked state of one profile.
type PresenceInfo struct {
	Online   bool
	LastSeen string
}

// presence data sources, satisfied by the client and realtime sub-clients.
type profileListSource interface {
	List(ctx context.Context, ids []string) ([]Profile, error)
}

type presenceEvents interface {
	ProfileUpdates(ctx context.Context, ids []string, fn func(Profile)) (*Subscription, error)
}

// PresenceTracker maintains online/last-seen state for a watched set of
// profiles, driven entirely by profile row updates. The caller's own flag
// is managed by the Session, not here.
type PresenceTracker struct {
	profiles profileListSource
	events   presenceEvents

	mu      sync.Mutex
	watched []string
	sub     *Subscription
	state   map[string]PresenceInfo
	closed  bool

	onChange func(profileID string, info PresenceInfo)
}

// PresenceOption configures a PresenceTracker.
type PresenceOption func(*PresenceTracker)

// OnPresenceChange registers a callback for observed transitions. It runs
// on the realtime delivery goroutine.
func OnPresenceChange(fn func(profileID string, info PresenceInfo)) PresenceOption {
	return func(p *PresenceTracker) { p.onChange = fn }
}

// NewPresenceTracker creates an empty tracker; call Watch to scope it.
func NewPresenceTracker(client *Client, rt *RealtimeClient, opts ...PresenceOption) *PresenceTracker {
	p := &PresenceTracker{
		profiles: client.Profiles,
		events:   rt,
		state:    make(map[string]PresenceInfo),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch re-scopes the tracker to the given profiles: current rows seed the
// state, and the row-update subscription is replaced. Profiles no longer
// watched are dropped from the snapshot.
func (p *PresenceTracker) Watch(ctx context.Context, ids []string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	oldSub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if oldSub != nil {
		oldSub.Unsubscribe()
	}

	if len(ids) == 0 {
		p.mu.Lock()
		p.watched = nil
		p.state = make(map[string]PresenceInfo)
		p.mu.Unlock()
		return nil
	}

	rows, err := p.profiles.List(ctx, ids)
	if err != nil {
		return fmt.Errorf("seed presence: %w", err)
	}

	sub, err := p.events.ProfileUpdates(ctx, ids, p.handleUpdate)
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}

	state := make(map[string]PresenceInfo, len(rows))
	for _, row := range rows {
		state[row.ID] = presenceOf(row)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sub.Unsubscribe()
		return ErrClosed
	}
	p.watched = append([]string(nil), ids...)
	p.state = state
	p.sub = sub
	p.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the tracked state.
func (p *PresenceTracker) Snapshot() map[string]PresenceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PresenceInfo, len(p.state))
	for id, info := range p.state {
		out[id] = info
	}
	return out
}

// Get returns the tracked state of one profile.
func (p *PresenceTracker) Get(profileID string) (PresenceInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.state[profileID]
	return info, ok
}

// Close releases the subscription. The tracker cannot be reused.
func (p *PresenceTracker) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (p *PresenceTracker) handleUpdate(row Profile) {
	info := presenceOf(row)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if !p.isWatchedLocked(row.ID) {
		p.mu.Unlock()
		return
	}
	prev, had := p.state[row.ID]
	p.state[row.ID] = info
	onChange := p.onChange
	p.mu.Unlock()

	if onChange != nil && (!had || prev != info) {
		onChange(row.ID, info)
	}
}

func (p *PresenceTracker) isWatchedLocked(id string) bool {
	for _, w := range p.watched {
		if w == id {
			return true
		}
	}
	return false
}

func presenceOf(row Profile) PresenceInfo {
	info := PresenceInfo{Online: row.OnlineStatus}
	if row.LastSeenAt != nil {
		info.LastSeen = *row.LastSeenAt
	}
	return info
}

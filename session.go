package chattrix

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Session holds the authenticated user and drives their own presence flag.
// It is injected into every component that needs the current identity;
// there is no package-level current user.
type Session struct {
	client *Client

	mu      sync.RWMutex
	profile *Profile
	user    *AuthUser
}

// NewSession creates a session store bound to the backend client.
func NewSession(client *Client) *Session {
	return &Session{client: client}
}

// Register creates an auth user, its profile row, and signs the session in.
// The result carries the backend's success flag instead of an error for
// credential-level failures.
func (s *Session) Register(ctx context.Context, email, password, username, fullName string) (*AuthResult, error) {
	auth, err := s.client.Auth.SignUp(ctx, email, password)
	if err != nil {
		return authFailure(err), nil
	}
	if auth.User == nil {
		return &AuthResult{Success: false, Error: &APIError{Code: "NO_USER", Message: "signup returned no user"}}, nil
	}
	s.client.SetAccessToken(auth.AccessToken)

	profile := &Profile{ID: auth.User.ID, Username: username}
	if fullName != "" {
		profile.FullName = &fullName
	}
	stored, err := s.client.Profiles.Insert(ctx, profile)
	if err != nil {
		return authFailure(err), nil
	}

	s.activate(ctx, auth.User, stored)
	return &AuthResult{Success: true, User: auth.User, Profile: stored}, nil
}

// Login exchanges credentials for a session and marks the profile online.
func (s *Session) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	auth, err := s.client.Auth.SignIn(ctx, email, password)
	if err != nil {
		return authFailure(err), nil
	}
	if auth.User == nil {
		return &AuthResult{Success: false, Error: &APIError{Code: "NO_USER", Message: "sign-in returned no user"}}, nil
	}
	s.client.SetAccessToken(auth.AccessToken)

	profile, err := s.client.Profiles.Get(ctx, auth.User.ID)
	if err != nil {
		return authFailure(err), nil
	}

	s.activate(ctx, auth.User, profile)
	return &AuthResult{Success: true, User: auth.User, Profile: profile}, nil
}

// Restore revives a session from a stored access token, refetching the
// user and profile and marking the profile online.
func (s *Session) Restore(ctx context.Context, accessToken string) (*AuthResult, error) {
	s.client.SetAccessToken(accessToken)

	user, err := s.client.Auth.User(ctx)
	if err != nil {
		s.client.SetAccessToken("")
		return authFailure(err), nil
	}
	profile, err := s.client.Profiles.Get(ctx, user.ID)
	if err != nil {
		return authFailure(err), nil
	}

	s.activate(ctx, user, profile)
	return &AuthResult{Success: true, User: user, Profile: profile}, nil
}

// Logout marks the profile offline, revokes the token, and clears the
// session. The offline write is best-effort.
func (s *Session) Logout(ctx context.Context) error {
	if id := s.ProfileID(); id != "" {
		if err := s.client.Profiles.SetOnline(ctx, id, false); err != nil {
			log.Printf("session: mark offline: %v", err)
		}
	}

	err := s.client.Auth.SignOut(ctx)

	s.mu.Lock()
	s.profile = nil
	s.user = nil
	s.mu.Unlock()
	s.client.SetAccessToken("")

	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// CloseSignal is the process-shutdown analogue of closing the page: it
// best-effort flips the presence flag to offline without ending the auth
// session. Abnormal termination skips it and presence goes stale, which
// the model accepts.
func (s *Session) CloseSignal(ctx context.Context) {
	if id := s.ProfileID(); id != "" {
		if err := s.client.Profiles.SetOnline(ctx, id, false); err != nil {
			log.Printf("session: close signal: %v", err)
		}
	}
}

// Profile returns a copy of the signed-in profile, or nil when signed out.
func (s *Session) Profile() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

// ProfileID returns the signed-in profile id, or "" when signed out.
func (s *Session) ProfileID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return ""
	}
	return s.profile.ID
}

// Authenticated reports whether a user is signed in.
func (s *Session) Authenticated() bool {
	return s.ProfileID() != ""
}

func (s *Session) activate(ctx context.Context, user *AuthUser, profile *Profile) {
	s.mu.Lock()
	s.user = user
	s.profile = profile
	s.mu.Unlock()

	if err := s.client.Profiles.SetOnline(ctx, profile.ID, true); err != nil {
		log.Printf("session: mark online: %v", err)
	}
}

func authFailure(err error) *AuthResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &AuthResult{Success: false, Error: apiErr}
	}
	return &AuthResult{Success: false, Error: &APIError{Code: "AUTH_FAILED", Message: err.Error()}}
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// testSigningKey signs the id_tokens of TestCredential. State never verifies
// signatures.
var testSigningKey = []byte("test-signing-key")

// TestCredential returns a credential for subject whose id_token expires
// expiresIn after the clock's now.
func TestCredential(t testing.TB, clock clockwork.Clock, expiresIn time.Duration, subject string) *Credential {
	t.Helper()
	require := require.New(t)
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "https://test.example.com/",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	})
	signed, err := token.SignedString(testSigningKey)
	require.NoError(err)
	c, err := NewCredential(IdToken(signed), AccessToken("access-"+subject), expiresIn, subject)
	require.NoError(err)
	return c
}

// TestIdentityProvider is a programmable IdentityProvider and ProfileFetcher
// which records every request it receives. By default CheckSession and
// Authorize fail with login_required.
type TestIdentityProvider struct {
	mu                sync.Mutex
	checkSession      func(context.Context, *SessionRequest) (*Credential, error)
	authorize         func(context.Context, *AuthorizeRequest) (*Credential, error)
	profile           Profile
	profileErr        error
	logoutURL         string
	sessionRequests   []*SessionRequest
	authorizeRequests []*AuthorizeRequest
	profileCalls      int
	logoutReturnTos   []string
}

var (
	_ IdentityProvider = (*TestIdentityProvider)(nil)
	_ ProfileFetcher   = (*TestIdentityProvider)(nil)
)

// NewTestIdentityProvider creates a TestIdentityProvider.
func NewTestIdentityProvider(t testing.TB) *TestIdentityProvider {
	t.Helper()
	loginRequired := func() error {
		return &AuthError{Code: ErrorCodeLoginRequired, Description: "Login required"}
	}
	return &TestIdentityProvider{
		checkSession: func(context.Context, *SessionRequest) (*Credential, error) {
			return nil, loginRequired()
		},
		authorize: func(context.Context, *AuthorizeRequest) (*Credential, error) {
			return nil, loginRequired()
		},
		profile:   Profile{"sub": "alice"},
		logoutURL: "https://test.example.com/v2/logout",
	}
}

// SetCheckSession replaces the CheckSession behavior.
func (p *TestIdentityProvider) SetCheckSession(fn func(context.Context, *SessionRequest) (*Credential, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkSession = fn
}

// SetAuthorize replaces the Authorize behavior.
func (p *TestIdentityProvider) SetAuthorize(fn func(context.Context, *AuthorizeRequest) (*Credential, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authorize = fn
}

// SetProfile sets the profile (or error) returned by Profile.
func (p *TestIdentityProvider) SetProfile(profile Profile, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profile = profile
	p.profileErr = err
}

// CheckSession implements IdentityProvider.
func (p *TestIdentityProvider) CheckSession(ctx context.Context, r *SessionRequest) (*Credential, error) {
	p.mu.Lock()
	p.sessionRequests = append(p.sessionRequests, r)
	fn := p.checkSession
	p.mu.Unlock()
	return fn(ctx, r)
}

// Authorize implements IdentityProvider.
func (p *TestIdentityProvider) Authorize(ctx context.Context, r *AuthorizeRequest) (*Credential, error) {
	p.mu.Lock()
	p.authorizeRequests = append(p.authorizeRequests, r)
	fn := p.authorize
	p.mu.Unlock()
	return fn(ctx, r)
}

// LogoutURL implements IdentityProvider.
func (p *TestIdentityProvider) LogoutURL(_ context.Context, returnTo string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logoutReturnTos = append(p.logoutReturnTos, returnTo)
	return p.logoutURL + "?returnTo=" + returnTo, nil
}

// Profile implements ProfileFetcher.
func (p *TestIdentityProvider) Profile(_ context.Context, _ *Credential) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profileCalls++
	if p.profileErr != nil {
		return nil, p.profileErr
	}
	return p.profile, nil
}

// SessionRequests returns the CheckSession requests received.
func (p *TestIdentityProvider) SessionRequests() []*SessionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*SessionRequest(nil), p.sessionRequests...)
}

// AuthorizeRequests returns the Authorize requests received.
func (p *TestIdentityProvider) AuthorizeRequests() []*AuthorizeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*AuthorizeRequest(nil), p.authorizeRequests...)
}

// ProfileCalls returns the number of Profile calls received.
func (p *TestIdentityProvider) ProfileCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profileCalls
}

// LogoutReturnTos returns the returnTo of every LogoutURL call.
func (p *TestIdentityProvider) LogoutReturnTos() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.logoutReturnTos...)
}

// TestHooks records the name of every hook called. When Err is set every
// hook returns it and when Panic is set every hook panics. The On* funcs, if
// set, are called before recording.
type TestHooks struct {
	Err              error
	Panic            bool
	OnTokenRefreshed func(ctx context.Context, c *Credential)

	mu     sync.Mutex
	events []string
}

var _ Hooks = (*TestHooks)(nil)

func (h *TestHooks) record(name string) error {
	h.mu.Lock()
	h.events = append(h.events, name)
	h.mu.Unlock()
	if h.Panic {
		panic(name)
	}
	return h.Err
}

// ProfileRefreshed implements Hooks.
func (h *TestHooks) ProfileRefreshed(context.Context, Profile) error {
	return h.record("profile_refreshed")
}

// TokenRefreshed implements Hooks.
func (h *TestHooks) TokenRefreshed(ctx context.Context, c *Credential) error {
	if h.OnTokenRefreshed != nil {
		h.OnTokenRefreshed(ctx, c)
	}
	return h.record("token_refreshed")
}

// RemoveLogin implements Hooks.
func (h *TestHooks) RemoveLogin(context.Context) error {
	return h.record("remove_login")
}

// Logout implements Hooks.
func (h *TestHooks) Logout(context.Context) error {
	return h.record("logout")
}

// Events returns the hooks called so far, in order.
func (h *TestHooks) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

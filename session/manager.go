// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Manager keeps a user logged in. It owns the session State and the
// ExpiryManager, and runs at most one renewal sequence at a time.
//
// See Manager.Done() which must be called to release the manager's resources.
type Manager struct {
	config    *Config
	provider  IdentityProvider
	profiles  ProfileFetcher
	redirects RedirectStore
	hooks     Hooks
	recorder  Recorder
	navigator Navigator
	logger    hclog.Logger
	clock     clockwork.Clock

	state   *State
	expiry  *ExpiryManager
	retrier *Retrier

	// sequence is a single slot: holding it means running the one renewal
	// sequence in flight.
	sequence   chan struct{}
	loginState atomic.Int32
	completed  atomic.Uint64

	// mu orders credential storage and timer arming against removal of the
	// login. generation is bumped on every removal so a sequence which
	// started before it can't resurrect the session. closed is set by Done.
	mu         sync.Mutex
	generation uint64
	closed     bool

	profileGroup singleflight.Group

	refreshCh chan struct{}

	// backgroundCtx is used for the refresh loop and for hooks which run
	// after the caller's operation returned.
	backgroundCtx       context.Context
	backgroundCtxCancel context.CancelFunc
	wg                  sync.WaitGroup
}

// NewManager creates a Manager which renews credentials with p and starts
// its background refresh loop.
//
// Supported options: WithLogger, WithClock, WithHooks, WithProfileFetcher,
// WithRedirectStore, WithRecorder, WithNavigator
func NewManager(c *Config, p IdentityProvider, opt ...Option) (*Manager, error) {
	const op = "session.NewManager"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: config is invalid: %w", op, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%s: identity provider is nil: %w", op, ErrNilParameter)
	}
	opts := getOpts(opt...)

	profiles := opts.withProfileFetcher
	if profiles == nil {
		if f, ok := p.(ProfileFetcher); ok {
			profiles = f
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:              c,
		provider:            p,
		profiles:            profiles,
		redirects:           opts.withRedirectStore,
		hooks:               opts.withHooks,
		recorder:            opts.withRecorder,
		navigator:           opts.withNavigator,
		logger:              opts.withLogger,
		clock:               opts.withClock,
		state:               NewState(WithClock(opts.withClock), WithLogger(opts.withLogger)),
		expiry:              NewExpiryManager(WithClock(opts.withClock), WithLogger(opts.withLogger)),
		sequence:            make(chan struct{}, 1),
		refreshCh:           make(chan struct{}, 1),
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}
	m.retrier = NewRetrier(
		WithClock(opts.withClock),
		WithLogger(opts.withLogger),
		WithRecorder(opts.withRecorder),
		WithMaxRetries(c.MaxRetries),
		WithBackoff(c.Backoff),
	)

	m.wg.Add(1)
	go m.refreshLoop()
	return m, nil
}

// Done stops the background refresh loop, cancels the refresh timer and
// waits for background hooks. It must be called for every Manager created.
func (m *Manager) Done() {
	if m == nil {
		return
	}
	m.backgroundCtxCancel()
	m.expiry.Cancel()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}

// EnsureLoggedIn makes sure a valid credential is held.
//
// When the session is valid (and WithForceRefresh isn't used) it returns
// immediately without waiting on any renewal in flight. Otherwise it waits
// for the running renewal sequence, if any, and then either joins its result
// or runs a new sequence: silent renewal with retries, then an interactive
// login when silent renewal fails (unless disabled with
// WithInteractiveFallback(false)).
//
// Terminal failures clear the session and are returned as *AuthError.
//
// Supported options: WithForceRefresh, WithInteractiveFallback,
// WithRedirectURL, WithConnection, WithRequireValidSession, WithReturnTo
func (m *Manager) EnsureLoggedIn(ctx context.Context, opt ...Option) (*LoginResult, error) {
	const op = "session.(Manager).EnsureLoggedIn"
	opts := getEnsureOpts(opt...)
	observed := m.completed.Load()

	if !opts.withForceRefresh {
		if _, ok := m.state.IdToken(); ok {
			return &LoginResult{Authenticated: true}, nil
		}
	}
	if opts.withRequireValidSession && !m.state.Valid() {
		m.logger.Debug("no valid session held, skipping renewal", "op", op)
		return &LoginResult{}, nil
	}

	select {
	case m.sequence <- struct{}{}:
	case <-ctx.Done():
		return nil, NormalizeError(fmt.Errorf("%s: waiting for login sequence: %w", op, ctx.Err()))
	}
	defer func() { <-m.sequence }()

	// a sequence which completed while this call waited satisfies it, unless
	// a refresh was forced before that sequence completed
	if _, ok := m.state.IdToken(); ok && (!opts.withForceRefresh || m.completed.Load() != observed) {
		m.logger.Debug("joined completed login sequence", "op", op)
		return &LoginResult{Authenticated: true}, nil
	}

	result, err := m.runSequence(ctx, opts)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return result, nil
}

// runSequence must only be called while holding the sequence slot.
func (m *Manager) runSequence(ctx context.Context, opts ensureOptions) (*LoginResult, error) {
	const op = "session.(Manager).runSequence"
	start := m.clock.Now()
	gen := m.currentGeneration()

	m.transition(StateCheckingToken)
	m.transition(StateSilentRenewing)
	path := StateSilentRenewing
	c, err := m.retrier.Renew(ctx, m.silentRenewal())
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, m.abort(ctx, start, path, err)
		case !opts.withInteractiveFallback || m.isStale(gen):
			return nil, m.fail(ctx, gen, start, path, fmt.Errorf("%s: silent renewal failed: %w", op, err))
		}
		m.logger.Debug("silent renewal failed, falling back to interactive login", "op", op, "error", err)
		path = StateInteractiveLogin
		m.transition(StateInteractiveLogin)
		if c, err = m.interactiveLogin(ctx, opts); err != nil {
			if ctx.Err() != nil {
				return nil, m.abort(ctx, start, path, err)
			}
			return nil, m.fail(ctx, gen, start, path, fmt.Errorf("%s: interactive login failed: %w", op, err))
		}
	}

	result, err := m.postLoginSync(ctx, gen, c)
	m.recorder.RecordSequence(path, m.clock.Since(start), err)
	if err != nil {
		m.transition(StateFailed)
		return nil, err
	}
	m.transition(StateIdle)
	return result, nil
}

func (m *Manager) silentRenewal() RenewFunc {
	r := &SessionRequest{
		RedirectURI:  m.config.RedirectURL,
		Audience:     m.config.Audience,
		ResponseType: SilentResponseType,
		Timeout:      m.config.timeout(),
	}
	return func(ctx context.Context) (*Credential, error) {
		ctx, cancel := context.WithTimeout(ctx, r.Timeout)
		defer cancel()
		return m.provider.CheckSession(ctx, r)
	}
}

func (m *Manager) interactiveLogin(ctx context.Context, opts ensureOptions) (*Credential, error) {
	const op = "session.(Manager).interactiveLogin"
	r := &AuthorizeRequest{
		RedirectURI:  m.config.RedirectURL,
		Audience:     m.config.Audience,
		ResponseType: InteractiveResponseType,
		Connection:   m.config.ExplicitConnection,
	}
	if opts.withRedirectURL != "" {
		r.RedirectURI = opts.withRedirectURL
	}
	if opts.withConnection != "" {
		r.Connection = opts.withConnection
	}
	r.Prompt = PromptNone
	if r.Connection != "" {
		r.Prompt = PromptSelectAccount
	}

	if opts.withReturnTo != "" {
		if err := m.redirects.SetRedirect(opts.withReturnTo); err != nil {
			m.logger.Warn("unable to store redirect", "op", op, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.interactiveTimeout())
	defer cancel()
	c, err := m.provider.Authorize(ctx, r)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			m.redirects.CaptureError(authErr)
		}
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%s: login returned no credential: %w", op, ErrNoToken)
	}
	return c, nil
}

// postLoginSync stores c, runs the hooks and arms the refresh timer, in that
// order. Nothing is stored when the login was removed since gen.
func (m *Manager) postLoginSync(ctx context.Context, gen uint64, c *Credential) (*LoginResult, error) {
	const op = "session.(Manager).postLoginSync"
	m.transition(StatePostLoginSync)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug("discarding credential from stale sequence", "op", op)
		return nil, fmt.Errorf("%s: %w", op, ErrStaleSequence)
	}
	storedAt := m.clock.Now()
	m.state.SetCredentialAt(c, storedAt)
	m.mu.Unlock()

	switch {
	case m.profiles == nil:
		m.logger.Trace("no profile fetcher, skipping profile refresh", "op", op)
	default:
		p, err := m.profiles.Profile(ctx, c)
		if err != nil {
			m.logger.Warn("unable to refresh profile", "op", op, "error", err)
			break
		}
		if err := callHook("profile_refreshed", func() error { return m.hooks.ProfileRefreshed(ctx, p) }); err != nil {
			m.logger.Error("profile refreshed hook failed", "op", op, "error", err)
		}
	}
	if err := callHook("token_refreshed", func() error { return m.hooks.TokenRefreshed(ctx, c) }); err != nil {
		m.logger.Error("token refreshed hook failed", "op", op, "error", err)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug("login removed during post login sync", "op", op)
		return nil, fmt.Errorf("%s: %w", op, ErrStaleSequence)
	}
	m.expiry.ScheduleRefreshFrom(storedAt, c.ExpiresIn, m.refreshDue)
	m.mu.Unlock()
	m.completed.Add(1)

	redirectURI, _ := m.redirects.AttemptRedirect()
	return &LoginResult{Authenticated: true, RedirectURI: redirectURI}, nil
}

// fail ends a sequence with err and removes the login, unless it was already
// removed since gen.
func (m *Manager) fail(ctx context.Context, gen uint64, start time.Time, path LoginState, err error) error {
	const op = "session.(Manager).fail"
	m.transition(StateFailed)
	m.recorder.RecordSequence(path, m.clock.Since(start), err)
	m.logger.Error("login sequence failed", "op", op, "path", path.String(), "error", err)
	if m.removeSession(gen) {
		m.removeLoginHook(ctx)
	}
	return err
}

// abort ends a sequence interrupted by the caller's ctx. The session, its
// refresh timer and the hooks are left alone since the provider never
// reported a terminal outcome.
func (m *Manager) abort(ctx context.Context, start time.Time, path LoginState, err error) error {
	const op = "session.(Manager).abort"
	err = fmt.Errorf("%s: %w (last error: %s)", op, ctx.Err(), err)
	m.transition(StateFailed)
	m.recorder.RecordSequence(path, m.clock.Since(start), err)
	m.logger.Debug("login sequence interrupted", "op", op, "path", path.String(), "error", err)
	return err
}

// IdToken returns the current id_token when the session is valid.
func (m *Manager) IdToken() (IdToken, bool) {
	return m.state.IdToken()
}

// Credential returns the current credential when the session is valid.
func (m *Manager) Credential() (*Credential, bool) {
	if _, ok := m.state.IdToken(); !ok {
		return nil, false
	}
	c := m.state.Credential()
	return c, c != nil
}

// Remaining returns the remaining validity of the session. See
// State.Remaining()
func (m *Manager) Remaining() time.Duration {
	return m.state.Remaining()
}

// LoginState returns the state of the most recent login sequence.
func (m *Manager) LoginState() LoginState {
	return LoginState(m.loginState.Load())
}

// CapturedError returns, once, the provider error captured from the last
// failed interactive login.
func (m *Manager) CapturedError() (*AuthError, bool) {
	return m.redirects.CapturedError()
}

// Profile fetches the user's profile for the current credential. Concurrent
// calls share a single fetch.
func (m *Manager) Profile(ctx context.Context) (Profile, error) {
	const op = "session.(Manager).Profile"
	if m.profiles == nil {
		return nil, fmt.Errorf("%s: no profile fetcher configured: %w", op, ErrInvalidParameter)
	}
	c, ok := m.Credential()
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotAuthenticated)
	}
	v, err, _ := m.profileGroup.Do("profile", func() (interface{}, error) {
		return m.profiles.Profile(ctx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: unable to fetch profile: %w", op, err)
	}
	return v.(Profile), nil
}

// RemoveLogin cancels the refresh timer, clears the session and calls the
// RemoveLogin hook. Calling it repeatedly is harmless.
func (m *Manager) RemoveLogin(ctx context.Context) {
	m.removeSession(m.currentGeneration())
	m.removeLoginHook(ctx)
}

// Logout removes the login and returns the provider's logout URL, which
// returns the user to redirectOverride, the configured logout redirect URL or
// the application root, in that order of preference. The RemoveLogin and
// Logout hooks run in the background so they can't delay the navigation. When
// a Navigator is configured it's called with the logout URL.
func (m *Manager) Logout(ctx context.Context, redirectOverride string) (string, error) {
	const op = "session.(Manager).Logout"
	m.removeSession(m.currentGeneration())
	m.recorder.RecordLogout()

	hookCtx := context.WithoutCancel(ctx)
	runHooks := func() {
		var result *multierror.Error
		if err := callHook("remove_login", func() error { return m.hooks.RemoveLogin(hookCtx) }); err != nil {
			result = multierror.Append(result, err)
		}
		if err := callHook("logout", func() error { return m.hooks.Logout(hookCtx) }); err != nil {
			result = multierror.Append(result, err)
		}
		if err := result.ErrorOrNil(); err != nil {
			m.logger.Error("logout hooks failed", "op", op, "error", err)
		}
	}
	// once Done ran nothing waits for background work, so the hooks run inline
	m.mu.Lock()
	closed := m.closed
	if !closed {
		m.wg.Add(1)
	}
	m.mu.Unlock()
	if closed {
		runHooks()
	} else {
		go func() {
			defer m.wg.Done()
			runHooks()
		}()
	}

	u, err := m.provider.LogoutURL(ctx, m.config.logoutReturnTo(redirectOverride))
	if err != nil {
		return "", fmt.Errorf("%s: unable to get logout url: %w", op, err)
	}
	if m.navigator != nil {
		if err := m.navigator(ctx, u); err != nil {
			return u, fmt.Errorf("%s: unable to navigate to logout url: %w", op, err)
		}
	}
	return u, nil
}

// removeSession cancels the timer before clearing the credential and bumps
// the generation. It returns false when the login was already removed since
// gen.
func (m *Manager) removeSession(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	m.generation++
	m.expiry.Cancel()
	m.state.SetCredential(nil)
	return true
}

func (m *Manager) removeLoginHook(ctx context.Context) {
	const op = "session.(Manager).removeLoginHook"
	if err := callHook("remove_login", func() error { return m.hooks.RemoveLogin(ctx) }); err != nil {
		m.logger.Error("remove login hook failed", "op", op, "error", err)
	}
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *Manager) isStale(gen uint64) bool {
	return m.currentGeneration() != gen
}

func (m *Manager) transition(to LoginState) {
	from := LoginState(m.loginState.Swap(int32(to)))
	m.logger.Trace("login state transition", "from", from.String(), "to", to.String())
}

// refreshDue posts a refresh event for the refresh loop. A refresh which is
// already pending absorbs it.
func (m *Manager) refreshDue() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// refreshLoop re-enters EnsureLoggedIn for every refresh event, exactly as an
// external caller would.
func (m *Manager) refreshLoop() {
	const op = "session.(Manager).refreshLoop"
	defer m.wg.Done()
	for {
		select {
		case <-m.backgroundCtx.Done():
			return
		case <-m.refreshCh:
			m.logger.Debug("refresh due", "op", op)
			if _, err := m.EnsureLoggedIn(m.backgroundCtx, WithForceRefresh(), WithInteractiveFallback(true)); err != nil {
				m.logger.Error("background refresh failed", "op", op, "error", err)
			}
		}
	}
}

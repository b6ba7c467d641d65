// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/oidc-session/session"
	"golang.org/x/oauth2"
)

// URLOpener opens a URL for the user, typically in their browser.
type URLOpener func(ctx context.Context, url string) error

// Provider provides integration with an OIDC provider. It implements
// session.IdentityProvider and session.ProfileFetcher.
type Provider struct {
	config   *Config
	provider *oidc.Provider
	client   *http.Client
	logger   hclog.Logger
	opener   URLOpener

	mu           sync.Mutex
	refreshToken RefreshToken

	// backgroundCtx is the context used by the provider for background
	// activities like refreshing JWKs key sets.
	backgroundCtx context.Context

	// backgroundCtxCancel is used to cancel any background activities running
	// in spawned go routines.
	backgroundCtxCancel context.CancelFunc
}

var (
	_ session.IdentityProvider = (*Provider)(nil)
	_ session.ProfileFetcher   = (*Provider)(nil)
)

// NewProvider creates and initializes a Provider. Initializing the provider
// includes making an http request to the provider's issuer for discovery.
//
// See Provider.Done() which must be called to release provider resources.
//
// Supported options: WithLogger, WithURLOpener, WithRefreshToken
func NewProvider(c *Config, opt ...Option) (*Provider, error) {
	const op = "oidc.NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: provider config is invalid: %w", op, err)
	}
	opts := getProviderOpts(opt...)

	ctx, cancel := context.WithCancel(context.Background())
	// initializing the Provider with it's background ctx/cancel will
	// allow us to use p.Done() to release any resources when returning errors
	// from this function.
	p := &Provider{
		config:              c,
		logger:              opts.withLogger,
		opener:              opts.withURLOpener,
		refreshToken:        opts.withRefreshToken,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}
	if p.opener == nil {
		p.opener = p.logURL
	}

	client, err := c.HttpClient()
	if err != nil {
		p.Done() // release the backgroundCtxCancel resources
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	p.client = client

	provider, err := oidc.NewProvider(HttpClientContext(p.backgroundCtx, client), c.Issuer) // makes http req to issuer for discovery
	if err != nil {
		p.Done() // release the backgroundCtxCancel resources
		return nil, fmt.Errorf("%s: unable to create provider: %w", op, err)
	}
	p.provider = provider

	return p, nil
}

// Done with the provider's background resources and must be called for every
// Provider created
func (p *Provider) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backgroundCtxCancel != nil {
		p.backgroundCtxCancel()
		p.backgroundCtxCancel = nil
	}
}

// CheckSession renews the session without user interaction by redeeming the
// refresh_token from the last login. Without a refresh_token, or when the
// provider rejects it, it returns a login_required *session.AuthError.
func (p *Provider) CheckSession(ctx context.Context, r *session.SessionRequest) (*session.Credential, error) {
	const op = "oidc.(Provider).CheckSession"
	if r == nil {
		return nil, fmt.Errorf("%s: session request is nil: %w", op, ErrNilParameter)
	}
	p.mu.Lock()
	rt := p.refreshToken
	p.mu.Unlock()
	if rt == "" {
		return nil, &session.AuthError{Code: session.ErrorCodeLoginRequired, Description: "no refresh token held"}
	}

	oauth2Config := p.oauth2Config(r.RedirectURI)
	tk, err := oauth2Config.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: string(rt)}).Token()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to refresh token: %w", op, toAuthError(err))
	}
	return p.credential(ctx, tk, "")
}

// Authorize runs an interactive authorization code flow with PKCE. It listens
// on the loopback redirect URI of r (a port of 0 picks a free port), opens the
// authorization URL with the provider's URLOpener and waits for the callback
// until ctx is done.
//
// An error returned to the callback by the provider is returned as a
// *session.AuthError.
func (p *Provider) Authorize(ctx context.Context, r *session.AuthorizeRequest) (*session.Credential, error) {
	const op = "oidc.(Provider).Authorize"
	if r == nil {
		return nil, fmt.Errorf("%s: authorize request is nil: %w", op, ErrNilParameter)
	}
	if r.ResponseType != "" && r.ResponseType != session.InteractiveResponseType {
		return nil, fmt.Errorf("%s: unsupported response type %q: %w", op, r.ResponseType, ErrInvalidParameter)
	}
	redirect, err := url.Parse(r.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("%s: redirect URI %q is invalid: %w", op, r.RedirectURI, ErrInvalidParameter)
	}
	if redirect.Scheme != "http" || !isLoopback(redirect.Hostname()) {
		return nil, fmt.Errorf("%s: redirect URI %q is not a loopback http URI: %w", op, r.RedirectURI, ErrInvalidParameter)
	}

	state, err := NewID(WithPrefix("st"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate state: %w", op, err)
	}
	nonce, err := NewID(WithPrefix("n"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}
	verifier := oauth2.GenerateVerifier()

	l, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to listen for callback: %w", op, err)
	}
	// the listener picked the port when the redirect URI asked for port 0
	redirect.Host = l.Addr().String()
	path := redirect.Path
	if path == "" {
		path = "/"
	}

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.Handle(path, callbackHandler(state, resultCh))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("callback listener failed", "op", op, "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	oauth2Config := p.oauth2Config(redirect.String())
	authCodeOpts := []oauth2.AuthCodeOption{
		oidc.Nonce(nonce),
		oauth2.S256ChallengeOption(verifier),
	}
	for k, v := range map[string]string{"audience": r.Audience, "connection": r.Connection, "prompt": r.Prompt} {
		if v != "" {
			authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam(k, v))
		}
	}
	if err := p.opener(ctx, oauth2Config.AuthCodeURL(state, authCodeOpts...)); err != nil {
		return nil, fmt.Errorf("%s: unable to open authorization URL: %w", op, err)
	}

	var result callbackResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: waiting for login callback: %w", op, ctx.Err())
	case result = <-resultCh:
	}
	if result.err != nil {
		return nil, fmt.Errorf("%s: %w", op, result.err)
	}

	tk, err := oauth2Config.Exchange(p.clientContext(ctx), result.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to exchange auth code with provider: %w", op, toAuthError(err))
	}
	return p.credential(ctx, tk, nonce)
}

// Profile gets the UserInfo claims for the access_token of c.
func (p *Provider) Profile(ctx context.Context, c *session.Credential) (session.Profile, error) {
	const op = "oidc.(Provider).Profile"
	if c == nil {
		return nil, fmt.Errorf("%s: credential is nil: %w", op, ErrNilParameter)
	}
	if c.AccessToken == "" {
		return nil, fmt.Errorf("%s: access_token is empty: %w", op, ErrInvalidParameter)
	}
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: string(c.AccessToken)})
	userinfo, err := p.provider.UserInfo(p.clientContext(ctx), tokenSource)
	if err != nil {
		return nil, fmt.Errorf("%s: provider UserInfo request failed: %w: %s", op, ErrUserInfoFailed, err)
	}
	var profile session.Profile
	if err := userinfo.Claims(&profile); err != nil {
		return nil, fmt.Errorf("%s: failed to get UserInfo claims: %w: %s", op, ErrUserInfoFailed, err)
	}
	return profile, nil
}

// LogoutURL returns the URL which ends the user's session with the provider
// and returns them to returnTo. The discovered end_session_endpoint is used
// when the provider has one, otherwise the issuer's /v2/logout.
func (p *Provider) LogoutURL(_ context.Context, returnTo string) (string, error) {
	const op = "oidc.(Provider).LogoutURL"
	var claims struct {
		EndSessionURL string `json:"end_session_endpoint"`
	}
	if err := p.provider.Claims(&claims); err != nil {
		return "", fmt.Errorf("%s: unable to read provider claims: %w", op, err)
	}

	returnParam := "returnTo"
	endpoint := strings.TrimSuffix(p.config.Issuer, "/") + "/v2/logout"
	if claims.EndSessionURL != "" {
		returnParam = "post_logout_redirect_uri"
		endpoint = claims.EndSessionURL
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%s: logout endpoint %q is invalid: %w", op, endpoint, err)
	}
	q := u.Query()
	q.Set("client_id", p.config.ClientId)
	if returnTo != "" {
		q.Set(returnParam, returnTo)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// VerifyIdToken will verify the inbound IdToken. It verifies it's been signed
// by the provider, it validates the nonce (when not empty), and performs any
// additional checks depending on the provider's config (audiences, etc).
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (p *Provider) VerifyIdToken(ctx context.Context, t session.IdToken, nonce string) (*oidc.IDToken, error) {
	const op = "oidc.(Provider).VerifyIdToken"
	if t == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	verifier := p.provider.Verifier(&oidc.Config{
		ClientID:             p.config.ClientId,
		SupportedSigningAlgs: p.config.signingAlgs(),
	})
	oidcIdToken, err := verifier.Verify(p.clientContext(ctx), string(t))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrIdTokenVerificationFailed, err)
	}
	if nonce != "" && oidcIdToken.Nonce != nonce {
		return nil, fmt.Errorf("%s: invalid id_token nonce: %w", op, ErrInvalidNonce)
	}
	if len(p.config.Audiences) > 0 && !containsAny(oidcIdToken.Audience, p.config.Audiences) {
		return nil, fmt.Errorf("%s: invalid id_token audiences: %w", op, ErrInvalidAudience)
	}
	return oidcIdToken, nil
}

// credential verifies the id_token of tk, keeps its refresh_token and
// converts it into a session.Credential.
func (p *Provider) credential(ctx context.Context, tk *oauth2.Token, nonce string) (*session.Credential, error) {
	const op = "oidc.(Provider).credential"
	raw, ok := tk.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("%s: %w: %w", op, session.ErrNoToken, ErrMissingIdToken)
	}
	idToken, err := p.VerifyIdToken(ctx, session.IdToken(raw), nonce)
	if err != nil {
		return nil, fmt.Errorf("%s: id_token failed verification: %w", op, err)
	}
	if tk.RefreshToken != "" {
		p.mu.Lock()
		p.refreshToken = RefreshToken(tk.RefreshToken)
		p.mu.Unlock()
	}
	expiry := tk.Expiry
	if expiry.IsZero() {
		expiry = idToken.Expiry
	}
	c, err := session.NewCredential(session.IdToken(raw), session.AccessToken(tk.AccessToken), time.Until(expiry), idToken.Subject)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create credential: %w", op, err)
	}
	return c, nil
}

func (p *Provider) oauth2Config(redirectURL string) *oauth2.Config {
	endpoint := p.provider.Endpoint()
	if p.config.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     p.config.ClientId,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  redirectURL,
		Endpoint:     endpoint,
		Scopes:       p.config.scopes(),
	}
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return HttpClientContext(ctx, p.client)
}

func (p *Provider) logURL(_ context.Context, u string) error {
	p.logger.Info("complete the login in your browser", "url", u)
	return nil
}

// toAuthError converts an oauth2 error response into a *session.AuthError.
// Rejected grants become login_required since only an interactive login can
// recover from them.
func toAuthError(err error) error {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) || rErr.ErrorCode == "" {
		return err
	}
	code := rErr.ErrorCode
	switch code {
	case "invalid_grant", "interaction_required":
		code = session.ErrorCodeLoginRequired
	}
	return &session.AuthError{Code: code, Description: rErr.ErrorDescription, Wrapped: err}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func containsAny(have []string, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// providerOptions is the set of available options for a Provider.
type providerOptions struct {
	withLogger       hclog.Logger
	withURLOpener    URLOpener
	withRefreshToken RefreshToken
}

// providerDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func providerDefaults() providerOptions {
	return providerOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

// getProviderOpts gets the defaults and applies the opt overrides passed in.
func getProviderOpts(opt ...Option) providerOptions {
	opts := providerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger for the Provider.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok && l != nil {
			o.withLogger = l
		}
	}
}

// WithURLOpener provides an optional URLOpener which Authorize uses to send
// the user to the provider. By default the URL is logged at info level.
func WithURLOpener(fn URLOpener) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withURLOpener = fn
		}
	}
}

// WithRefreshToken provides an optional refresh_token from an earlier login,
// so CheckSession can renew the session without an interactive login first.
func WithRefreshToken(t RefreshToken) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withRefreshToken = t
		}
	}
}

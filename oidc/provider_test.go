// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/oidc-session/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRedirectURI = "http://127.0.0.1:0/callback"

func testNewProvider(t *testing.T, tp *TestProvider, configOpts []Option, opt ...Option) *Provider {
	t.Helper()
	require := require.New(t)
	configOpts = append([]Option{WithProviderCA(tp.CACert()), WithSupportedSigningAlgs(ES256)}, configOpts...)
	c, err := NewConfig(tp.Addr(), tp.ClientID(), configOpts...)
	require.NoError(err)
	p, err := NewProvider(c, append([]Option{WithURLOpener(tp.URLOpener())}, opt...)...)
	require.NoError(err)
	t.Cleanup(p.Done)
	return p
}

func testAuthorizeRequest() *session.AuthorizeRequest {
	return &session.AuthorizeRequest{
		RedirectURI:  testRedirectURI,
		Audience:     "https://api.example.com",
		ResponseType: session.InteractiveResponseType,
		Prompt:       session.PromptNone,
	}
}

func TestNewProvider(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)

	t.Run("valid", func(t *testing.T) {
		p := testNewProvider(t, tp, nil)
		assert.NotNil(t, p.provider)
	})
	t.Run("nil-config", func(t *testing.T) {
		_, err := NewProvider(nil)
		assert.ErrorIs(t, err, ErrNilParameter)
	})
	t.Run("invalid-config", func(t *testing.T) {
		_, err := NewProvider(&Config{Issuer: tp.Addr()})
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
	t.Run("untrusted-issuer", func(t *testing.T) {
		// without the CA the TLS handshake fails
		c, err := NewConfig(tp.Addr(), tp.ClientID())
		require.NoError(t, err)
		_, err = NewProvider(c)
		assert.Error(t, err)
	})
	t.Run("done-is-idempotent", func(t *testing.T) {
		p := testNewProvider(t, tp, nil)
		p.Done()
		p.Done()
		var nilProvider *Provider
		nilProvider.Done()
	})
}

func TestProvider_Authorize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)

		c, err := p.Authorize(ctx, testAuthorizeRequest())
		require.NoError(err)
		assert.Equal("alice@example.com", c.Subject)
		assert.NotEmpty(c.IdToken)
		assert.NotEmpty(c.AccessToken)
		assert.InDelta(time.Hour.Seconds(), c.ExpiresIn.Seconds(), 10)

		q := tp.LastAuthRequest()
		assert.Equal("https://api.example.com", q.Get("audience"))
		assert.Equal(session.PromptNone, q.Get("prompt"))
		assert.Empty(q.Get("connection"))
		assert.Equal("S256", q.Get("code_challenge_method"))
		assert.NotEmpty(q.Get("nonce"))
		assert.True(strings.HasPrefix(q.Get("state"), "st_"))
		assert.Contains(q.Get("scope"), "offline_access")
		redirect, err := url.Parse(q.Get("redirect_uri"))
		require.NoError(err)
		assert.NotEqual("0", redirect.Port(), "the listener's port replaces port 0")
	})

	t.Run("connection", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		r := testAuthorizeRequest()
		r.Connection, r.Prompt = "github", session.PromptSelectAccount
		_, err := p.Authorize(ctx, r)
		require.NoError(err)
		q := tp.LastAuthRequest()
		assert.Equal("github", q.Get("connection"))
		assert.Equal(session.PromptSelectAccount, q.Get("prompt"))
	})

	t.Run("confidential-client", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetClientCreds("confidential", "s3cret")
		p := testNewProvider(t, tp, []Option{WithClientSecret("s3cret")})
		_, err := p.Authorize(ctx, testAuthorizeRequest())
		require.NoError(t, err)
	})

	t.Run("provider-error", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetAuthError("access_denied", "User cancelled")
		p := testNewProvider(t, tp, nil)

		_, err := p.Authorize(ctx, testAuthorizeRequest())
		require.Error(err)
		var authErr *session.AuthError
		require.True(errors.As(err, &authErr))
		assert.Equal("access_denied", authErr.Code)
		assert.Equal("User cancelled", authErr.Description)
	})

	t.Run("missing-id-token", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.OmitIDTokens()
		p := testNewProvider(t, tp, nil)
		_, err := p.Authorize(ctx, testAuthorizeRequest())
		assert.True(t, session.IsNoToken(err))
		assert.ErrorIs(t, err, ErrMissingIdToken)
	})

	t.Run("wrong-audience", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, []Option{WithAudiences("https://other.example.com")})
		_, err := p.Authorize(ctx, testAuthorizeRequest())
		assert.ErrorIs(t, err, ErrInvalidAudience)
	})

	t.Run("custom-audience", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetCustomAudience("https://other.example.com")
		p := testNewProvider(t, tp, []Option{WithAudiences("https://other.example.com")})
		_, err := p.Authorize(ctx, testAuthorizeRequest())
		assert.NoError(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		tp := StartTestProvider(t)
		// the user never completes the login
		p := testNewProvider(t, tp, nil, WithURLOpener(func(context.Context, string) error { return nil }))
		timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := p.Authorize(timeoutCtx, testAuthorizeRequest())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("opener-error", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil, WithURLOpener(func(context.Context, string) error { return errors.New("no browser") }))
		_, err := p.Authorize(ctx, testAuthorizeRequest())
		assert.ErrorContains(t, err, "no browser")
	})

	t.Run("invalid-requests", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		tests := []struct {
			name string
			req  *session.AuthorizeRequest
			want error
		}{
			{"nil", nil, ErrNilParameter},
			{"https", &session.AuthorizeRequest{RedirectURI: "https://127.0.0.1/callback"}, ErrInvalidParameter},
			{"not-loopback", &session.AuthorizeRequest{RedirectURI: "http://example.com/callback"}, ErrInvalidParameter},
			{"implicit", &session.AuthorizeRequest{RedirectURI: testRedirectURI, ResponseType: session.SilentResponseType}, ErrInvalidParameter},
		}
		for _, tt := range tests {
			tt := tt
			t.Run(tt.name, func(t *testing.T) {
				_, err := p.Authorize(ctx, tt.req)
				assert.ErrorIs(t, err, tt.want)
			})
		}
	})
}

func TestProvider_CheckSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sessionRequest := &session.SessionRequest{
		RedirectURI:  testRedirectURI,
		ResponseType: session.SilentResponseType,
		Timeout:      session.DefaultTimeout,
	}

	t.Run("no-refresh-token", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		_, err := p.CheckSession(ctx, sessionRequest)
		assert.True(t, session.IsFatal(err))
		assert.Equal(t, 0, tp.RefreshRequestCount())
	})

	t.Run("nil-request", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		_, err := p.CheckSession(ctx, nil)
		assert.ErrorIs(t, err, ErrNilParameter)
	})

	t.Run("refresh-after-login", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		first, err := p.Authorize(ctx, testAuthorizeRequest())
		require.NoError(err)

		second, err := p.CheckSession(ctx, sessionRequest)
		require.NoError(err)
		assert.Equal(first.Subject, second.Subject)
		assert.NotEqual(first.AccessToken, second.AccessToken)

		// the rotated refresh_token is used next
		_, err = p.CheckSession(ctx, sessionRequest)
		require.NoError(err)
		assert.Equal(2, tp.RefreshRequestCount())
	})

	t.Run("rejected-grant-is-fatal", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		_, err := p.Authorize(ctx, testAuthorizeRequest())
		require.NoError(err)

		tp.SetRefreshError("invalid_grant", "refresh token revoked")
		_, err = p.CheckSession(ctx, sessionRequest)
		require.Error(err)
		assert.True(session.IsFatal(err))
		assert.Equal(session.ErrorCodeLoginRequired, session.NormalizeError(err).Code)
		assert.Equal("refresh token revoked", session.NormalizeError(err).Description)
	})

	t.Run("transient-error-not-fatal", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		_, err := p.Authorize(ctx, testAuthorizeRequest())
		require.NoError(err)

		tp.SetRefreshError("temporarily_unavailable", "")
		_, err = p.CheckSession(ctx, sessionRequest)
		require.Error(err)
		assert.False(session.IsFatal(err))
		assert.Equal("temporarily_unavailable", session.NormalizeError(err).Code)
	})

	t.Run("seeded-refresh-token", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil, WithRefreshToken("unknown"))
		_, err := p.CheckSession(ctx, sessionRequest)
		assert.True(t, session.IsFatal(err))
		assert.Equal(t, 1, tp.RefreshRequestCount())
	})
}

func TestProvider_Profile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		c, err := p.Authorize(ctx, testAuthorizeRequest())
		require.NoError(err)

		got, err := p.Profile(ctx, c)
		require.NoError(err)
		assert.Equal("alice@example.com", got["sub"])
		assert.Equal("alice smith", got["name"])
	})
	t.Run("disabled", func(t *testing.T) {
		require := require.New(t)
		tp := StartTestProvider(t)
		tp.DisableUserInfo()
		p := testNewProvider(t, tp, nil)
		c, err := p.Authorize(ctx, testAuthorizeRequest())
		require.NoError(err)
		_, err = p.Profile(ctx, c)
		assert.ErrorIs(t, err, ErrUserInfoFailed)
	})
	t.Run("invalid", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		_, err := p.Profile(ctx, nil)
		assert.ErrorIs(t, err, ErrNilParameter)
		_, err = p.Profile(ctx, &session.Credential{IdToken: "id"})
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
}

func TestProvider_LogoutURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("end-session-endpoint", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		got, err := p.LogoutURL(ctx, "https://app.example.com/")
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		assert.Equal(tp.Addr()+"/logout", u.Scheme+"://"+u.Host+u.Path)
		assert.Equal(tp.ClientID(), u.Query().Get("client_id"))
		assert.Equal("https://app.example.com/", u.Query().Get("post_logout_redirect_uri"))
	})
	t.Run("issuer-fallback", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.DisableEndSession()
		p := testNewProvider(t, tp, nil)
		got, err := p.LogoutURL(ctx, "https://app.example.com/")
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		assert.Equal(tp.Addr()+"/v2/logout", u.Scheme+"://"+u.Host+u.Path)
		assert.Equal("https://app.example.com/", u.Query().Get("returnTo"))
	})
	t.Run("no-return", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testNewProvider(t, tp, nil)
		got, err := p.LogoutURL(ctx, "")
		require.NoError(t, err)
		assert.NotContains(t, got, "post_logout_redirect_uri")
	})
}

func TestProvider_VerifyIdToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	p := testNewProvider(t, tp, nil)
	c, err := p.Authorize(ctx, testAuthorizeRequest())
	require.NoError(t, err)

	tests := []struct {
		name  string
		token session.IdToken
		nonce string
		want  error
	}{
		{"empty", "", "", ErrInvalidParameter},
		{"garbage", "a.b.c", "", ErrIdTokenVerificationFailed},
		{"wrong-nonce", c.IdToken, "n_other", ErrInvalidNonce},
		{"no-nonce-check", c.IdToken, "", nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.VerifyIdToken(ctx, tt.token, tt.nonce)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProvider_withManager(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	tp := StartTestProvider(t)
	p := testNewProvider(t, tp, nil)

	c, err := session.NewConfig(testRedirectURI, "https://api.example.com")
	require.NoError(err)
	hooks := &session.TestHooks{}
	m, err := session.NewManager(c, p, session.WithHooks(hooks))
	require.NoError(err)
	defer m.Done()

	// no refresh_token yet: silent renewal is login_required and the manager
	// falls back to an interactive login
	result, err := m.EnsureLoggedIn(ctx)
	require.NoError(err)
	assert.True(result.Authenticated)
	assert.Equal(0, tp.RefreshRequestCount())
	assert.Equal([]string{"profile_refreshed", "token_refreshed"}, hooks.Events())

	// now silent renewal succeeds with the refresh_token
	_, err = m.EnsureLoggedIn(ctx, session.WithForceRefresh())
	require.NoError(err)
	assert.Equal(1, tp.RefreshRequestCount())

	profile, err := m.Profile(ctx)
	require.NoError(err)
	assert.Equal("alice smith", profile["name"])

	u, err := m.Logout(ctx, "https://app.example.com/")
	require.NoError(err)
	assert.Contains(u, tp.Addr()+"/logout")
	_, ok := m.IdToken()
	assert.False(ok)
}

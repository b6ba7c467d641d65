// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestProvider is a local OIDC provider which supports discovery, the
// authorization code flow with PKCE, the refresh_token grant, UserInfo and
// an end_session_endpoint. Its knobs make writing tests much easier.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	jwks *jose.JSONWebKeySet

	mu                  sync.Mutex
	clientID            string
	clientSecret        string
	replySubject        string
	replyUserinfo       map[string]interface{}
	expiresIn           time.Duration
	customClaims        map[string]interface{}
	customAudience      string
	omitIDToken         bool
	omitRefreshToken    bool
	disableUserInfo     bool
	disableEndSession   bool
	authError           *tokenError
	refreshError        *tokenError
	pendingCodes        map[string]pendingCode
	refreshTokens       map[string]bool
	accessTokens        map[string]bool
	lastAuthRequest     url.Values
	refreshRequestCount int

	ecdsaPublicKey  string
	ecdsaPrivateKey string

	t testing.TB
}

type pendingCode struct {
	nonce       string
	challenge   string
	redirectURI string
}

type tokenError struct {
	Code string `json:"error"`
	Desc string `json:"error_description,omitempty"`
}

// StartTestProvider creates and starts a disposable TLS TestProvider for the
// client "test-client". It's stopped when the test completes.
func StartTestProvider(t testing.TB) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		t:            t,
		clientID:     "test-client",
		replySubject: "alice@example.com",
		replyUserinfo: map[string]interface{}{
			"email": "alice@example.com",
			"name":  "alice smith",
		},
		expiresIn:     time.Hour,
		pendingCodes:  map[string]pendingCode{},
		refreshTokens: map[string]bool{},
		accessTokens:  map[string]bool{},
	}
	p.ecdsaPublicKey, p.ecdsaPrivateKey = TestGenerateKeys(t)
	p.jwks = testJWKS(t, p.ecdsaPublicKey)

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	cert := p.httpServer.Certificate()
	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the current base URL for the test provider's running webserver,
// which is also its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// ClientID returns the client id the test provider accepts.
func (p *TestProvider) ClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

// SigningKeys returns the test provider's pem-encoded keys used to sign JWTs.
func (p *TestProvider) SigningKeys() (pub, priv string) {
	return p.ecdsaPublicKey, p.ecdsaPrivateKey
}

// SetClientCreds configures the client credentials the test provider
// accepts. An empty secret makes it a public client.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpiresIn configures the lifetime of issued tokens.
func (p *TestProvider) SetExpiresIn(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiresIn = d
}

// SetCustomClaims lets you set claims to return in the id_tokens issued.
func (p *TestProvider) SetCustomClaims(customClaims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = customClaims
}

// SetCustomAudience configures what audience value to embed in the id_tokens
// issued.
func (p *TestProvider) SetCustomAudience(customAudience string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = customAudience
}

// SetUserInfo configures the claims returned by the userinfo endpoint.
func (p *TestProvider) SetUserInfo(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyUserinfo = claims
}

// SetAuthError makes /auth redirect back with the error instead of a code.
// An empty code clears it.
func (p *TestProvider) SetAuthError(code, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authError = nil
	if code != "" {
		p.authError = &tokenError{Code: code, Desc: description}
	}
}

// SetRefreshError makes the refresh_token grant fail with the error. An empty
// code clears it.
func (p *TestProvider) SetRefreshError(code, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshError = nil
	if code != "" {
		p.refreshError = &tokenError{Code: code, Desc: description}
	}
}

// OmitIDTokens forces an error state where the /token endpoint does not return
// id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// OmitRefreshTokens makes the /token endpoint return no refresh_token.
func (p *TestProvider) OmitRefreshTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = true
}

// DisableUserInfo makes the userinfo endpoint return 404 and omits it from the
// discovery config.
func (p *TestProvider) DisableUserInfo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = true
}

// DisableEndSession omits the end_session_endpoint from the discovery config.
func (p *TestProvider) DisableEndSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableEndSession = true
}

// LastAuthRequest returns the query of the last /auth request.
func (p *TestProvider) LastAuthRequest() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAuthRequest
}

// RefreshRequestCount returns the number of refresh_token grants received.
func (p *TestProvider) RefreshRequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshRequestCount
}

// URLOpener returns a URLOpener which plays the user's browser: it follows
// the authorization URL through the provider back to the loopback callback.
func (p *TestProvider) URLOpener() URLOpener {
	return func(ctx context.Context, u string) error {
		client, err := NewHTTPClient(p.caCert)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, errorCode, errorMessage string) {
	qv := req.URL.Query()

	redirectURI := qv.Get("redirect_uri") +
		"?state=" + url.QueryEscape(qv.Get("state")) +
		"&error=" + url.QueryEscape(errorCode)

	if errorMessage != "" {
		redirectURI += "&error_description=" + url.QueryEscape(errorMessage)
	}

	http.Redirect(w, req, redirectURI, http.StatusFound)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) error {
	w.WriteHeader(statusCode)
	return p.writeJSON(w, &tokenError{Code: errorCode, Desc: errorMessage})
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := struct {
			Issuer             string   `json:"issuer"`
			AuthEndpoint       string   `json:"authorization_endpoint"`
			TokenEndpoint      string   `json:"token_endpoint"`
			JWKSURI            string   `json:"jwks_uri"`
			UserinfoEndpoint   string   `json:"userinfo_endpoint,omitempty"`
			EndSessionEndpoint string   `json:"end_session_endpoint,omitempty"`
			Algs               []string `json:"id_token_signing_alg_values_supported"`
		}{
			Issuer:             p.Addr(),
			AuthEndpoint:       p.Addr() + "/auth",
			TokenEndpoint:      p.Addr() + "/token",
			JWKSURI:            p.Addr() + "/certs",
			UserinfoEndpoint:   p.Addr() + "/userinfo",
			EndSessionEndpoint: p.Addr() + "/logout",
			Algs:               []string{string(ES256)},
		}
		if p.disableUserInfo {
			reply.UserinfoEndpoint = ""
		}
		if p.disableEndSession {
			reply.EndSessionEndpoint = ""
		}
		_ = p.writeJSON(w, &reply)

	case "/auth":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()
		p.lastAuthRequest = qv

		redirectURI := qv.Get("redirect_uri")
		if redirectURI == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch {
		case qv.Get("response_type") != "code":
			p.writeAuthErrorResponse(w, req, "unsupported_response_type", "")
			return
		case qv.Get("client_id") != p.clientID:
			p.writeAuthErrorResponse(w, req, "unauthorized_client", "unknown client")
			return
		case !strings.Contains(" "+qv.Get("scope")+" ", " openid "):
			p.writeAuthErrorResponse(w, req, "invalid_scope", "")
			return
		case qv.Get("state") == "":
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing state parameter")
			return
		case qv.Get("code_challenge") == "" || qv.Get("code_challenge_method") != "S256":
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing S256 code challenge")
			return
		case p.authError != nil:
			p.writeAuthErrorResponse(w, req, p.authError.Code, p.authError.Desc)
			return
		}

		code, err := NewID(WithPrefix("code"))
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		p.pendingCodes[code] = pendingCode{
			nonce:       qv.Get("nonce"),
			challenge:   qv.Get("code_challenge"),
			redirectURI: redirectURI,
		}
		http.Redirect(w, req, redirectURI+"?state="+url.QueryEscape(qv.Get("state"))+"&code="+url.QueryEscape(code), http.StatusFound)

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = p.writeJSON(w, p.jwks)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !p.clientAuthenticated(req) {
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
			return
		}
		switch req.FormValue("grant_type") {
		case "authorization_code":
			code := req.FormValue("code")
			pending, ok := p.pendingCodes[code]
			delete(p.pendingCodes, code)
			switch {
			case !ok:
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected auth code")
				return
			case req.FormValue("redirect_uri") != pending.redirectURI:
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
				return
			case s256(req.FormValue("code_verifier")) != pending.challenge:
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "code_verifier mismatch")
				return
			}
			_ = p.writeJSON(w, p.issueTokens(pending.nonce))

		case "refresh_token":
			p.refreshRequestCount++
			rt := req.FormValue("refresh_token")
			switch {
			case p.refreshError != nil:
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, p.refreshError.Code, p.refreshError.Desc)
				return
			case !p.refreshTokens[rt]:
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unknown refresh_token")
				return
			}
			// refresh tokens are rotated
			delete(p.refreshTokens, rt)
			_ = p.writeJSON(w, p.issueTokens(""))

		default:
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "unsupported_grant_type", "bad grant_type")
		}

	case "/userinfo":
		if p.disableUserInfo {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !p.accessTokens[strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		reply := map[string]interface{}{"sub": p.replySubject}
		for k, v := range p.replyUserinfo {
			reply[k] = v
		}
		_ = p.writeJSON(w, reply)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// clientAuthenticated checks the client credentials from either basic auth
// or the form. p.mu must be held.
func (p *TestProvider) clientAuthenticated(req *http.Request) bool {
	id, secret, ok := req.BasicAuth()
	if !ok {
		id, secret = req.FormValue("client_id"), req.FormValue("client_secret")
	}
	if id != "" {
		if u, err := url.QueryUnescape(id); err == nil {
			id = u
		}
	}
	return id == p.clientID && secret == p.clientSecret
}

// issueTokens returns a token response with a new id_token, access_token and
// (unless omitted) refresh_token. p.mu must be held.
func (p *TestProvider) issueTokens(nonce string) interface{} {
	now := time.Now()
	stdClaims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    p.Addr(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(now.Add(p.expiresIn)),
		Audience:  jwt.Audience{p.clientID},
	}
	if p.customAudience != "" {
		stdClaims.Audience = jwt.Audience{p.clientID, p.customAudience}
	}
	privateClaims := map[string]interface{}{}
	for k, v := range p.customClaims {
		privateClaims[k] = v
	}
	if nonce != "" {
		privateClaims["nonce"] = nonce
	}

	accessToken := mustID(p.t, "at")
	p.accessTokens[accessToken] = true
	reply := struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		IDToken      string `json:"id_token,omitempty"`
		RefreshToken string `json:"refresh_token,omitempty"`
	}{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(p.expiresIn / time.Second),
	}
	if !p.omitIDToken {
		reply.IDToken = TestSignJWT(p.t, p.ecdsaPrivateKey, stdClaims, privateClaims)
	}
	if !p.omitRefreshToken {
		reply.RefreshToken = mustID(p.t, "rt")
		p.refreshTokens[reply.RefreshToken] = true
	}
	return &reply
}

func mustID(t testing.TB, prefix string) string {
	id, err := NewID(WithPrefix(prefix))
	require.NoError(t, err)
	return id
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// testJWKS converts a pem-encoded public key into JWKS data suitable for a
// verification endpoint response
func testJWKS(t testing.TB, pubKey string) *jose.JSONWebKeySet {
	t.Helper()
	require := require.New(t)

	block, _ := pem.Decode([]byte(pubKey))
	require.NotNil(block)

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(err)

	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       pub,
				KeyID:     fmt.Sprintf("%x", sha256.Sum256(block.Bytes))[:16],
				Algorithm: string(ES256),
				Use:       "sig",
			},
		},
	}
}

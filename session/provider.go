// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"time"
)

// Response types used by the Manager's provider requests.
const (
	SilentResponseType      = "id_token token"
	InteractiveResponseType = "code"
)

// Prompt values used by the Manager's interactive requests.
const (
	PromptNone          = "none"
	PromptSelectAccount = "select_account"
)

// SessionRequest is a silent renewal request.
type SessionRequest struct {
	RedirectURI  string
	Audience     string
	ResponseType string
	Timeout      time.Duration
}

// AuthorizeRequest is an interactive login request.
type AuthorizeRequest struct {
	RedirectURI  string
	Audience     string
	ResponseType string
	Connection   string
	Prompt       string
}

// IdentityProvider is the identity backend the Manager renews credentials
// with.
type IdentityProvider interface {
	// CheckSession silently obtains a new credential without user
	// interaction. Conditions the provider reports must be returned as an
	// *AuthError so they can be classified; a response without a usable
	// token must wrap ErrNoToken.
	CheckSession(ctx context.Context, r *SessionRequest) (*Credential, error)

	// Authorize runs an interactive login and returns its credential.
	Authorize(ctx context.Context, r *AuthorizeRequest) (*Credential, error)

	// LogoutURL returns the provider's logout endpoint which returns the
	// user to returnTo.
	LogoutURL(ctx context.Context, returnTo string) (string, error)
}

// Profile is the set of user claims returned by a ProfileFetcher.
type Profile map[string]interface{}

// ProfileFetcher fetches the user's profile for a credential.
type ProfileFetcher interface {
	Profile(ctx context.Context, c *Credential) (Profile, error)
}

// RedirectStore holds the transient state of a login round trip. Every read
// is destructive.
type RedirectStore interface {
	// SetRedirect stores the location to resume after login.
	SetRedirect(uri string) error

	// AttemptRedirect returns and deletes the stored location.
	AttemptRedirect() (string, bool)

	// CaptureError stores a provider error from a failed login.
	CaptureError(err *AuthError)

	// CapturedError returns and deletes the stored error.
	CapturedError() (*AuthError, bool)
}

// Navigator sends the user to a URL, for example by opening a browser.
type Navigator func(ctx context.Context, url string) error

type nopRedirectStore struct{}

func (nopRedirectStore) SetRedirect(string) error          { return nil }
func (nopRedirectStore) AttemptRedirect() (string, bool)   { return "", false }
func (nopRedirectStore) CaptureError(*AuthError)           {}
func (nopRedirectStore) CapturedError() (*AuthError, bool) { return nil, false }

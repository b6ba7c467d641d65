// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package redirect stores the location to resume after an interactive login
// and the provider error of a failed one. Every entry is read at most once
// and expires after a TTL.
package redirect

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/oidc-session/session"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is how long stored entries live by default.
const DefaultTTL = 10 * time.Minute

const (
	redirectKey = "redirect"
	errorKey    = "error"
)

// ErrInvalidParameter is returned for an empty or unparsable redirect.
var ErrInvalidParameter = errors.New("invalid parameter")

// Store implements session.RedirectStore.
type Store struct {
	logger hclog.Logger
	ttl    time.Duration

	// mu makes each read and delete of an entry a single step
	mu    sync.Mutex
	cache *gocache.Cache
}

var _ session.RedirectStore = (*Store)(nil)

// NewStore creates a Store.
//
// Supported options: WithTTL, WithLogger
func NewStore(opt ...Option) *Store {
	opts := getOpts(opt...)
	return &Store{
		logger: opts.withLogger,
		ttl:    opts.withTTL,
		cache:  gocache.New(opts.withTTL, time.Minute),
	}
}

// SetRedirect stores the location to resume after the next successful login.
func (s *Store) SetRedirect(uri string) error {
	const op = "redirect.(Store).SetRedirect"
	if uri == "" {
		return fmt.Errorf("%s: redirect is empty: %w", op, ErrInvalidParameter)
	}
	if _, err := url.Parse(uri); err != nil {
		return fmt.Errorf("%s: redirect %q is invalid: %w", op, uri, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(redirectKey, uri, s.ttl)
	return nil
}

// AttemptRedirect returns the stored location, if any, and removes it.
func (s *Store) AttemptRedirect() (string, bool) {
	v, ok := s.take(redirectKey)
	if !ok {
		return "", false
	}
	uri, ok := v.(string)
	return uri, ok
}

// CaptureError stores a provider error. A nil e is ignored.
func (s *Store) CaptureError(e *session.AuthError) {
	const op = "redirect.(Store).CaptureError"
	if e == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(errorKey, e, s.ttl)
	s.logger.Debug("captured provider error", "op", op, "code", e.Code)
}

// CapturedError returns the captured provider error, if any, and removes it.
func (s *Store) CapturedError() (*session.AuthError, bool) {
	v, ok := s.take(errorKey)
	if !ok {
		return nil, false
	}
	e, ok := v.(*session.AuthError)
	return e, ok
}

// TryCaptureError captures the error of a provider callback URL. It looks for
// error and error_description in the query first and then in the fragment. It
// reports whether an error was captured.
func (s *Store) TryCaptureError(rawURL string) bool {
	const op = "redirect.(Store).TryCaptureError"
	u, err := url.Parse(rawURL)
	if err != nil {
		s.logger.Debug("unable to parse callback url", "op", op, "error", err)
		return false
	}
	params := u.Query()
	if params.Get("error") == "" && u.Fragment != "" {
		if fragment, err := url.ParseQuery(u.EscapedFragment()); err == nil {
			params = fragment
		}
	}
	code := params.Get("error")
	if code == "" {
		return false
	}
	s.CaptureError(&session.AuthError{Code: code, Description: params.Get("error_description")})
	return true
}

func (s *Store) take(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(key)
	if ok {
		s.cache.Delete(key)
	}
	return v, ok
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// State holds the current Credential (or none). A session is valid only when
// it holds a Credential and Remaining() is greater than zero.
//
// The credential is swapped atomically, so readers never block behind a
// renewal and never observe a partially updated session.
type State struct {
	clock   clockwork.Clock
	logger  hclog.Logger
	current atomic.Pointer[snapshot]
}

type snapshot struct {
	credential *Credential
	expiresAt  time.Time
}

// NewState creates an empty State. Supported options: WithClock, WithLogger
func NewState(opt ...Option) *State {
	opts := getOpts(opt...)
	return &State{
		clock:  opts.withClock,
		logger: opts.withLogger,
	}
}

// SetCredential replaces the current credential. A nil credential clears the
// session. The expiry is recorded from the credential's ExpiresIn relative to
// now.
func (s *State) SetCredential(c *Credential) {
	s.SetCredentialAt(c, s.clock.Now())
}

// SetCredentialAt is SetCredential for a credential stored at storedAt. Its
// expiry is storedAt plus the credential's ExpiresIn.
func (s *State) SetCredentialAt(c *Credential, storedAt time.Time) {
	if c == nil {
		s.current.Store(nil)
		return
	}
	s.current.Store(&snapshot{
		credential: c,
		expiresAt:  storedAt.Add(c.ExpiresIn),
	})
}

// Credential returns the current credential, which may be nil or expired.
func (s *State) Credential() *Credential {
	if cur := s.current.Load(); cur != nil {
		return cur.credential
	}
	return nil
}

// Remaining returns the remaining validity of the current credential. It's 0
// when there's no credential and may be negative once the credential expired.
func (s *State) Remaining() time.Duration {
	cur := s.current.Load()
	if cur == nil || cur.expiresAt.IsZero() {
		return 0
	}
	return cur.expiresAt.Sub(s.clock.Now())
}

// Valid returns true when the session holds a credential with remaining
// validity.
func (s *State) Valid() bool {
	return s.Remaining() > 0
}

// IdToken returns the current id_token when the session is valid and the
// token's own exp claim hasn't passed. A token which can't be decoded is
// treated as no valid session.
func (s *State) IdToken() (IdToken, bool) {
	const op = "session.(State).IdToken"
	cur := s.current.Load()
	if cur == nil || cur.expiresAt.Sub(s.clock.Now()) <= 0 {
		return "", false
	}
	exp, err := tokenExpiry(cur.credential.IdToken)
	if err != nil {
		s.logger.Warn("treating session as invalid", "op", op, "error", err)
		return "", false
	}
	if !exp.IsZero() && !s.clock.Now().Before(exp) {
		return "", false
	}
	return cur.credential.IdToken, true
}

// tokenExpiry decodes the exp claim of t without verifying its signature. A
// token without an exp claim returns the zero time.
func tokenExpiry(t IdToken) (time.Time, error) {
	const op = "session.tokenExpiry"
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(string(t), claims); err != nil {
		return time.Time{}, fmt.Errorf("%s: %w: %s", op, ErrTokenDecode, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w: %s", op, ErrTokenDecode, err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

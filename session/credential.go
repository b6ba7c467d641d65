// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// IdToken is an oidc id_token
type IdToken string

// RedactedIdToken is the redacted string or json for an oidc id_token
const RedactedIdToken = "[REDACTED: id_token]"

// String will redact the token
func (t IdToken) String() string {
	return RedactedIdToken
}

// MarshalJSON will redact the token
func (t IdToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIdToken)
}

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// Credential is the token bundle produced by a successful silent renewal or
// interactive login. A Credential is never modified once created; the next
// successful renewal supersedes it entirely.
type Credential struct {
	IdToken     IdToken       `json:"id_token"`
	AccessToken AccessToken   `json:"access_token"`
	ExpiresIn   time.Duration `json:"expires_in"`
	Subject     string        `json:"sub"`
}

// NewCredential creates a new Credential. The idToken is required and
// expiresIn must be greater than zero.
func NewCredential(idToken IdToken, accessToken AccessToken, expiresIn time.Duration, subject string) (*Credential, error) {
	const op = "session.NewCredential"
	if idToken == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if expiresIn <= 0 {
		return nil, fmt.Errorf("%s: expires in %s is not greater than zero: %w", op, expiresIn, ErrInvalidParameter)
	}
	return &Credential{
		IdToken:     idToken,
		AccessToken: accessToken,
		ExpiresIn:   expiresIn,
		Subject:     subject,
	}, nil
}

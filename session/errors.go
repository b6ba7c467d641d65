// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")
	ErrNoToken          = errors.New("no token available")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrStaleSequence    = errors.New("login sequence superseded by logout")
	ErrTokenDecode      = errors.New("unable to decode id_token")
)

// Provider error codes which mean no silent renewal can succeed.
const (
	ErrorCodeLoginRequired   = "login_required"
	ErrorCodeConsentRequired = "consent_required"
)

// Error codes assigned by NormalizeError when the underlying error didn't
// carry a provider code.
const (
	ErrorCodeNoToken        = "no_token"
	ErrorCodeTimeout        = "timeout"
	ErrorCodeCanceled       = "canceled"
	ErrorCodeSessionRemoved = "session_removed"
	ErrorCodeUnknown        = "unknown"
)

// AuthError is the normalized {errorCode, details} shape of an
// authentication failure. Identity providers return it for conditions they
// report (login_required, access_denied, ...) and EnsureLoggedIn returns it
// for every terminal failure.
type AuthError struct {
	// Code is the provider or package error code.
	Code string `json:"error"`

	// Description is the human readable detail for the error.
	Description string `json:"error_description,omitempty"`

	// Wrapped is the underlying cause, if any.
	Wrapped error `json:"-"`
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	switch {
	case e.Description != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	case e.Wrapped != nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Wrapped)
	default:
		return e.Code
	}
}

// Unwrap returns the underlying cause.
func (e *AuthError) Unwrap() error { return e.Wrapped }

// IsFatal reports whether err is a provider condition that means no silent
// renewal can succeed (login_required, consent_required).
func IsFatal(err error) bool {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return false
	}
	switch authErr.Code {
	case ErrorCodeLoginRequired, ErrorCodeConsentRequired:
		return true
	default:
		return false
	}
}

// IsNoToken reports whether err signals a well formed provider response
// which carried no usable token.
func IsNoToken(err error) bool {
	return errors.Is(err, ErrNoToken)
}

// NormalizeError converts err into an *AuthError. Errors which already are
// (or wrap) an *AuthError keep their code and description; the original err is
// retained as the cause.
func NormalizeError(err error) *AuthError {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	switch {
	case errors.As(err, &authErr):
		if authErr == err {
			return authErr
		}
		return &AuthError{Code: authErr.Code, Description: authErr.Description, Wrapped: err}
	case errors.Is(err, ErrStaleSequence):
		return &AuthError{Code: ErrorCodeSessionRemoved, Description: err.Error(), Wrapped: err}
	case errors.Is(err, ErrNoToken):
		return &AuthError{Code: ErrorCodeNoToken, Description: err.Error(), Wrapped: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &AuthError{Code: ErrorCodeTimeout, Description: err.Error(), Wrapped: err}
	case errors.Is(err, context.Canceled):
		return &AuthError{Code: ErrorCodeCanceled, Description: err.Error(), Wrapped: err}
	default:
		return &AuthError{Code: ErrorCodeUnknown, Description: err.Error(), Wrapped: err}
	}
}

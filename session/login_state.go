// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

// LoginState is a state of the Manager's login state machine.
type LoginState int32

const (
	StateIdle LoginState = iota
	StateCheckingToken
	StateSilentRenewing
	StateInteractiveLogin
	StatePostLoginSync
	StateFailed
)

func (s LoginState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingToken:
		return "checking-token"
	case StateSilentRenewing:
		return "silent-renewing"
	case StateInteractiveLogin:
		return "interactive-login"
	case StatePostLoginSync:
		return "post-login-sync"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LoginResult is the outcome of a successful EnsureLoggedIn.
type LoginResult struct {
	// Authenticated is false only when WithRequireValidSession was used and
	// no valid session was held.
	Authenticated bool

	// RedirectURI is a stored resumption location the caller should act on,
	// if any.
	RedirectURI string
}

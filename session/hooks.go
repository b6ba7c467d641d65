// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"fmt"
	"time"
)

// Hooks are the lifecycle callbacks a host application receives. Errors and
// panics from a hook are logged and never change the outcome of the
// operation which invoked it.
//
// Embed NopHooks to implement only the callbacks you need.
type Hooks interface {
	// ProfileRefreshed is called with the profile fetched after every
	// successful login or renewal.
	ProfileRefreshed(ctx context.Context, p Profile) error

	// TokenRefreshed is called after a new credential was stored.
	TokenRefreshed(ctx context.Context, c *Credential) error

	// RemoveLogin is called after the session was cleared.
	RemoveLogin(ctx context.Context) error

	// Logout is called after RemoveLogin when the user logs out.
	Logout(ctx context.Context) error
}

// NopHooks implements Hooks with no-op callbacks.
type NopHooks struct{}

var _ Hooks = NopHooks{}

func (NopHooks) ProfileRefreshed(context.Context, Profile) error   { return nil }
func (NopHooks) TokenRefreshed(context.Context, *Credential) error { return nil }
func (NopHooks) RemoveLogin(context.Context) error                 { return nil }
func (NopHooks) Logout(context.Context) error                      { return nil }

// Recorder receives renewal measurements. See the metrics package for a
// prometheus implementation.
type Recorder interface {
	// RecordAttempt is called after every renewal attempt with its error, if
	// any.
	RecordAttempt(a RenewalAttempt, err error)

	// RecordSequence is called when a renewal sequence ends. The path is the
	// last state entered before the sequence ended.
	RecordSequence(path LoginState, d time.Duration, err error)

	// RecordLogout is called on every logout.
	RecordLogout()
}

type nopRecorder struct{}

func (nopRecorder) RecordAttempt(RenewalAttempt, error)             {}
func (nopRecorder) RecordSequence(LoginState, time.Duration, error) {}
func (nopRecorder) RecordLogout()                                   {}

// callHook invokes fn and converts a panic into an error.
func callHook(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", name, r)
		}
	}()
	return fn()
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil { // ignore any nil Options
			continue
		}
		o(opts)
	}
}

// options is the set of options shared by the package's constructors
type options struct {
	withLogger         hclog.Logger
	withClock          clockwork.Clock
	withHooks          Hooks
	withProfileFetcher ProfileFetcher
	withRedirectStore  RedirectStore
	withRecorder       Recorder
	withNavigator      Navigator
	withMaxRetries     int
	withBackoff        time.Duration
}

func getDefaults() options {
	return options{
		withLogger:        hclog.NewNullLogger(),
		withClock:         clockwork.NewRealClock(),
		withHooks:         NopHooks{},
		withRedirectStore: nopRedirectStore{},
		withRecorder:      nopRecorder{},
		withMaxRetries:    DefaultMaxRetries,
		withBackoff:       DefaultBackoff,
	}
}

// getOpts gets the defaults and applies the opt overrides passed in
func getOpts(opt ...Option) options {
	opts := getDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && l != nil {
			o.withLogger = l
		}
	}
}

// WithClock provides an optional clock used for expiry checks, the refresh
// timer and retry backoff.
func WithClock(c clockwork.Clock) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && c != nil {
			o.withClock = c
		}
	}
}

// WithHooks provides optional lifecycle hooks for the Manager.
func WithHooks(h Hooks) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && h != nil {
			o.withHooks = h
		}
	}
}

// WithProfileFetcher provides an optional ProfileFetcher for the Manager. When
// it's not provided, the identity provider is used if it implements
// ProfileFetcher.
func WithProfileFetcher(f ProfileFetcher) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withProfileFetcher = f
		}
	}
}

// WithRedirectStore provides an optional RedirectStore for the Manager.
func WithRedirectStore(s RedirectStore) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && s != nil {
			o.withRedirectStore = s
		}
	}
}

// WithRecorder provides an optional Recorder for renewal metrics.
func WithRecorder(r Recorder) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && r != nil {
			o.withRecorder = r
		}
	}
}

// WithNavigator provides an optional Navigator which Logout invokes with the
// provider's logout URL.
func WithNavigator(n Navigator) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withNavigator = n
		}
	}
}

// WithMaxRetries overrides the number of retries the Retrier makes after the
// first attempt.
func WithMaxRetries(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && n >= 0 {
			o.withMaxRetries = n
		}
	}
}

// WithBackoff overrides the fixed delay between Retrier attempts.
func WithBackoff(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && d >= 0 {
			o.withBackoff = d
		}
	}
}

// ensureOptions are the per-call options for Manager.EnsureLoggedIn
type ensureOptions struct {
	withForceRefresh        bool
	withInteractiveFallback bool
	withRedirectURL         string
	withConnection          string
	withRequireValidSession bool
	withReturnTo            string
}

func ensureDefaults() ensureOptions {
	return ensureOptions{
		withInteractiveFallback: true,
	}
}

func getEnsureOpts(opt ...Option) ensureOptions {
	opts := ensureDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithForceRefresh bypasses the valid token short-circuit of EnsureLoggedIn.
func WithForceRefresh() Option {
	return func(o interface{}) {
		if o, ok := o.(*ensureOptions); ok {
			o.withForceRefresh = true
		}
	}
}

// WithInteractiveFallback enables or disables falling back to an interactive
// login when silent renewal fails. It's enabled by default.
func WithInteractiveFallback(enabled bool) Option {
	return func(o interface{}) {
		if o, ok := o.(*ensureOptions); ok {
			o.withInteractiveFallback = enabled
		}
	}
}

// WithRedirectURL overrides the configured redirect URL for an interactive
// login.
func WithRedirectURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*ensureOptions); ok {
			o.withRedirectURL = u
		}
	}
}

// WithConnection overrides the configured explicit connection for an
// interactive login.
func WithConnection(c string) Option {
	return func(o interface{}) {
		if o, ok := o.(*ensureOptions); ok {
			o.withConnection = c
		}
	}
}

// WithRequireValidSession makes EnsureLoggedIn return an unauthenticated
// result, without contacting the provider, when no valid session is held.
func WithRequireValidSession() Option {
	return func(o interface{}) {
		if o, ok := o.(*ensureOptions); ok {
			o.withRequireValidSession = true
		}
	}
}

// WithReturnTo stores a location to resume after an interactive login. It's
// returned once as LoginResult.RedirectURI.
func WithReturnTo(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*ensureOptions); ok {
			o.withReturnTo = u
		}
	}
}

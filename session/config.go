// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultTimeout bounds every silent renewal call.
	DefaultTimeout = 5 * time.Second

	// DefaultInteractiveTimeout bounds an interactive login.
	DefaultInteractiveTimeout = 2 * time.Minute
)

// Config is the construction-time configuration of a Manager.
type Config struct {
	// RedirectURL is the redirect_uri sent with every provider request.
	RedirectURL string

	// Audience is the optional API audience requested for access tokens.
	Audience string

	// Timeout bounds each silent renewal call. A timeout is retried like
	// any other transient error.
	Timeout time.Duration

	// InteractiveTimeout bounds an interactive login.
	InteractiveTimeout time.Duration

	// LogoutRedirectURL is where the provider returns the user after
	// logout, unless Logout is given an override.
	LogoutRedirectURL string

	// ApplicationRoot is the application's own location. It's the logout
	// return location of last resort.
	ApplicationRoot string

	// ExplicitConnection is an optional provider connection used for
	// interactive logins.
	ExplicitConnection string

	// MaxRetries is the number of silent renewal retries after the first
	// attempt.
	MaxRetries int

	// Backoff is the fixed delay between silent renewal attempts.
	Backoff time.Duration
}

// NewConfig composes a new config for a Manager. Timeout, InteractiveTimeout,
// MaxRetries and Backoff are set to their defaults; use WithMaxRetries and
// WithBackoff to override the retry policy.
func NewConfig(redirectURL string, audience string, opt ...Option) (*Config, error) {
	const op = "session.NewConfig"
	opts := getOpts(opt...)
	c := &Config{
		RedirectURL:        redirectURL,
		Audience:           audience,
		Timeout:            DefaultTimeout,
		InteractiveTimeout: DefaultInteractiveTimeout,
		MaxRetries:         opts.withMaxRetries,
		Backoff:            opts.withBackoff,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}
	return c, nil
}

// Validate the configuration. All problems found are returned together.
func (c *Config) Validate() error {
	const op = "session.(Config).Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.RedirectURL == "" {
		result = multierror.Append(result, fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidParameter))
	}
	for name, u := range map[string]string{
		"redirect URL":        c.RedirectURL,
		"logout redirect URL": c.LogoutRedirectURL,
		"application root":    c.ApplicationRoot,
	} {
		if u == "" {
			continue
		}
		if _, err := url.Parse(u); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %s %q is invalid: %w", op, name, u, ErrInvalidParameter))
		}
	}
	if c.Timeout < 0 {
		result = multierror.Append(result, fmt.Errorf("%s: timeout is negative: %w", op, ErrInvalidParameter))
	}
	if c.InteractiveTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("%s: interactive timeout is negative: %w", op, ErrInvalidParameter))
	}
	if c.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("%s: max retries is negative: %w", op, ErrInvalidParameter))
	}
	if c.Backoff < 0 {
		result = multierror.Append(result, fmt.Errorf("%s: backoff is negative: %w", op, ErrInvalidParameter))
	}
	return result.ErrorOrNil()
}

// timeout returns the silent renewal timeout, applying the default when it's
// unset.
func (c *Config) timeout() time.Duration {
	if c.Timeout == 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Config) interactiveTimeout() time.Duration {
	if c.InteractiveTimeout == 0 {
		return DefaultInteractiveTimeout
	}
	return c.InteractiveTimeout
}

// logoutReturnTo picks the logout return location: override, then the
// configured logout redirect URL, then the application root.
func (c *Config) logoutReturnTo(override string) string {
	switch {
	case override != "":
		return override
	case c.LogoutRedirectURL != "":
		return c.LogoutRedirectURL
	default:
		return c.ApplicationRoot
	}
}

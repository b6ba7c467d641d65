// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt, so
	// a renewal makes at most DefaultMaxRetries+1 attempts.
	DefaultMaxRetries = 4

	// DefaultBackoff is the fixed delay between attempts.
	DefaultBackoff = 1 * time.Second
)

// RenewFunc makes a single silent-renewal attempt.
type RenewFunc func(ctx context.Context) (*Credential, error)

// RenewalAttempt describes one attempt of a renewal.
type RenewalAttempt struct {
	Number    int
	StartedAt time.Time
}

// Retrier runs a RenewFunc with a bounded, fixed-interval retry.
//
// Fatal provider errors (see IsFatal) and responses without a token (see
// IsNoToken) are returned immediately. Any other error is retried after the
// backoff until MaxRetries retries were made, then the last error is
// returned.
type Retrier struct {
	clock      clockwork.Clock
	logger     hclog.Logger
	recorder   Recorder
	maxRetries int
	backoff    time.Duration
}

// NewRetrier creates a Retrier. Supported options: WithClock, WithLogger,
// WithRecorder, WithMaxRetries, WithBackoff
func NewRetrier(opt ...Option) *Retrier {
	opts := getOpts(opt...)
	return &Retrier{
		clock:      opts.withClock,
		logger:     opts.withLogger,
		recorder:   opts.withRecorder,
		maxRetries: opts.withMaxRetries,
		backoff:    opts.withBackoff,
	}
}

// Renew calls fn until it returns a credential, a terminal error, the
// retries are exhausted or ctx is done.
func (r *Retrier) Renew(ctx context.Context, fn RenewFunc) (*Credential, error) {
	const op = "session.(Retrier).Renew"
	if fn == nil {
		return nil, fmt.Errorf("%s: renew func is nil: %w", op, ErrNilParameter)
	}
	for n := 0; ; n++ {
		attempt := RenewalAttempt{Number: n, StartedAt: r.clock.Now()}
		c, err := fn(ctx)
		if err == nil && c == nil {
			err = fmt.Errorf("%s: renewal returned no credential: %w", op, ErrNoToken)
		}
		r.recorder.RecordAttempt(attempt, err)
		if err == nil {
			return c, nil
		}

		retryable := !IsFatal(err) && !IsNoToken(err) && ctx.Err() == nil
		r.logger.Warn("renewal attempt failed",
			"op", op,
			"attempt", attempt.Number,
			"max_retries", r.maxRetries,
			"retryable", retryable,
			"error", err,
		)
		if !retryable || n >= r.maxRetries {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w (last error: %s)", op, ctx.Err(), err)
		case <-r.clock.After(r.backoff):
		}
	}
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// ExpiryManager tracks the absolute expiry of the current token and owns the
// single background refresh timer. Scheduling a refresh always cancels the
// prior timer first, so at most one timer is pending.
type ExpiryManager struct {
	clock  clockwork.Clock
	logger hclog.Logger

	mu          sync.Mutex
	expiresAt   time.Time
	timer       clockwork.Timer
	timerSeq    uint64
	established bool
}

// NewExpiryManager creates an ExpiryManager. Supported options: WithClock,
// WithLogger
func NewExpiryManager(opt ...Option) *ExpiryManager {
	opts := getOpts(opt...)
	return &ExpiryManager{
		clock:  opts.withClock,
		logger: opts.withLogger,
	}
}

// RefreshDelay returns the delay before a token which expires in expiresIn
// should be refreshed: 2/3 of its lifetime, truncated to the millisecond and
// never negative.
func RefreshDelay(expiresIn time.Duration) time.Duration {
	ms := expiresIn.Milliseconds() * 2 / 3
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// ScheduleRefresh records the expiry of a token which expires in expiresIn
// and arms a timer which calls onDue after RefreshDelay(expiresIn). Any
// previously scheduled timer is cancelled. It returns the armed delay.
func (m *ExpiryManager) ScheduleRefresh(expiresIn time.Duration, onDue func()) time.Duration {
	return m.schedule(m.clock.Now(), 0, expiresIn, onDue)
}

// ScheduleRefreshFrom is ScheduleRefresh for a token stored at storedAt. The
// expiry is storedAt plus expiresIn and the timer fires RefreshDelay(expiresIn)
// after storedAt, or immediately when that's already passed.
func (m *ExpiryManager) ScheduleRefreshFrom(storedAt time.Time, expiresIn time.Duration, onDue func()) time.Duration {
	return m.schedule(storedAt, m.clock.Since(storedAt), expiresIn, onDue)
}

func (m *ExpiryManager) schedule(storedAt time.Time, elapsed, expiresIn time.Duration, onDue func()) time.Duration {
	const op = "session.(ExpiryManager).ScheduleRefresh"
	delay := RefreshDelay(expiresIn) - elapsed
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.expiresAt = storedAt.Add(expiresIn)
	m.established = true
	m.timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		current := seq == m.timerSeq && m.timer != nil
		if current {
			m.timer = nil
		}
		m.mu.Unlock()
		// a timer replaced or cancelled after it already fired is ignored
		if current && onDue != nil {
			onDue()
		}
	})
	m.logger.Trace("refresh scheduled", "op", op, "delay", delay, "expires_at", m.expiresAt)
	return delay
}

// Cancel stops the pending timer, if any, and clears the expiry record. It's
// safe to call when nothing is scheduled.
func (m *ExpiryManager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.timerSeq++
	m.expiresAt = time.Time{}
}

func (m *ExpiryManager) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Remaining returns 0 when nothing is scheduled, otherwise the time until the
// recorded expiry. It may be negative when the expiry passed before the timer
// fired; callers must treat a non-positive value as invalid.
func (m *ExpiryManager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiresAt.IsZero() {
		return 0
	}
	return m.expiresAt.Sub(m.clock.Now())
}

// ExpiresAt returns the recorded expiry, or the zero time.
func (m *ExpiryManager) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt
}

// Pending reports whether a refresh timer is armed.
func (m *ExpiryManager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Established reports whether a refresh was ever scheduled, which means an
// authenticated session was established at least once.
func (m *ExpiryManager) Established() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.established
}

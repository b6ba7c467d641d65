// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/oidc-session/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ResultSuccess},
		{"stale", fmt.Errorf("op: %w", session.ErrStaleSequence), ResultStale},
		{"fatal", &session.AuthError{Code: session.ErrorCodeLoginRequired}, ResultFatal},
		{"no-token", fmt.Errorf("op: %w", session.ErrNoToken), ResultNoToken},
		{"other", errors.New("boom"), ResultError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Result(tt.err))
		})
	}
}

func TestCollector(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	reg := prometheus.NewPedanticRegistry()
	c := NewCollector()
	require.NoError(c.Register(reg))
	require.NoError(c.Register(reg), "registering twice is harmless")

	c.RecordAttempt(session.RenewalAttempt{Number: 0}, errors.New("boom"))
	c.RecordAttempt(session.RenewalAttempt{Number: 1}, nil)
	c.RecordSequence(session.StateSilentRenewing, 2*time.Second, nil)
	c.RecordSequence(session.StateInteractiveLogin, time.Second, &session.AuthError{Code: session.ErrorCodeLoginRequired})
	c.RecordLogout()

	assert.Equal(1.0, testutil.ToFloat64(c.attempts.WithLabelValues(ResultError)))
	assert.Equal(1.0, testutil.ToFloat64(c.attempts.WithLabelValues(ResultSuccess)))
	assert.Equal(1.0, testutil.ToFloat64(c.sequences.WithLabelValues("silent-renewing", ResultSuccess)))
	assert.Equal(1.0, testutil.ToFloat64(c.sequences.WithLabelValues("interactive-login", ResultFatal)))
	assert.Equal(1.0, testutil.ToFloat64(c.logouts))

	const want = `
# HELP oidc_session_logouts_total Logouts.
# TYPE oidc_session_logouts_total counter
oidc_session_logouts_total 1
`
	require.NoError(testutil.GatherAndCompare(reg, strings.NewReader(want), "oidc_session_logouts_total"))
	assert.Equal(2, testutil.CollectAndCount(c, "oidc_session_sequence_duration_seconds"))
}

func TestCollector_withManager(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	c := NewCollector()
	p := session.NewTestIdentityProvider(t)
	cfg, err := session.NewConfig("http://127.0.0.1:8080/callback", "")
	require.NoError(err)
	m, err := session.NewManager(cfg, p, session.WithRecorder(c))
	require.NoError(err)
	defer m.Done()

	_, err = m.EnsureLoggedIn(context.Background(), session.WithInteractiveFallback(false))
	require.Error(err)
	_, err = m.Logout(context.Background(), "")
	require.NoError(err)

	assert.Equal(1.0, testutil.ToFloat64(c.attempts.WithLabelValues(ResultFatal)))
	assert.Equal(1.0, testutil.ToFloat64(c.sequences.WithLabelValues("silent-renewing", ResultFatal)))
	assert.Equal(1.0, testutil.ToFloat64(c.logouts))
}

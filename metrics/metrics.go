// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package metrics exports the Manager's renewal measurements as prometheus
// metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/hashicorp/oidc-session/session"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "oidc_session"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFatal   = "fatal"
	ResultNoToken = "no_token"
	ResultStale   = "stale"
	ResultError   = "error"
)

// Collector implements session.Recorder and prometheus.Collector.
type Collector struct {
	attempts  *prometheus.CounterVec
	sequences *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	logouts   prometheus.Counter
}

var (
	_ session.Recorder     = (*Collector)(nil)
	_ prometheus.Collector = (*Collector)(nil)
)

// NewCollector creates a Collector. See Collector.Register.
func NewCollector() *Collector {
	return &Collector{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_attempts_total",
			Help:      "Silent renewal attempts by result.",
		}, []string{"result"}),
		sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequences_total",
			Help:      "Completed login sequences by path and result.",
		}, []string{"path", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sequence_duration_seconds",
			Help:      "Duration of login sequences.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"path"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Logouts.",
		}),
	}
}

// Register registers the collector on reg (or the default registerer if nil).
// Registering it again is not an error.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
	}
	return nil
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.attempts.Describe(ch)
	c.sequences.Describe(ch)
	c.duration.Describe(ch)
	c.logouts.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.attempts.Collect(ch)
	c.sequences.Collect(ch)
	c.duration.Collect(ch)
	c.logouts.Collect(ch)
}

// RecordAttempt implements session.Recorder.
func (c *Collector) RecordAttempt(_ session.RenewalAttempt, err error) {
	c.attempts.WithLabelValues(Result(err)).Inc()
}

// RecordSequence implements session.Recorder.
func (c *Collector) RecordSequence(path session.LoginState, d time.Duration, err error) {
	c.sequences.WithLabelValues(path.String(), Result(err)).Inc()
	c.duration.WithLabelValues(path.String()).Observe(d.Seconds())
}

// RecordLogout implements session.Recorder.
func (c *Collector) RecordLogout() {
	c.logouts.Inc()
}

// Result returns the result label for err.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, session.ErrStaleSequence):
		return ResultStale
	case session.IsFatal(err):
		return ResultFatal
	case session.IsNoToken(err):
		return ResultNoToken
	default:
		return ResultError
	}
}

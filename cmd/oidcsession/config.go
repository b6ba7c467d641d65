// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/oidc-session/oidc"
	"github.com/hashicorp/oidc-session/session"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix          = "OIDC_SESSION_"
	defaultRedirectURL = "http://127.0.0.1:0/callback"
	defaultMetricsAddr = "127.0.0.1:9464"
)

var errInvalidConfig = errors.New("invalid configuration")

// cliConfig is the on-disk configuration of the oidcsession CLI. Every
// field can be overridden by an OIDC_SESSION_* environment variable.
type cliConfig struct {
	Issuer         string   `yaml:"issuer"`
	ClientID       string   `yaml:"client_id"`
	ClientSecret   string   `yaml:"client_secret"`
	ProviderCAFile string   `yaml:"provider_ca_file"`
	Scopes         []string `yaml:"scopes"`
	RefreshToken   string   `yaml:"refresh_token"`

	RedirectURL        string        `yaml:"redirect_url"`
	Audience           string        `yaml:"audience"`
	Connection         string        `yaml:"connection"`
	LogoutRedirectURL  string        `yaml:"logout_redirect_url"`
	ApplicationRoot    string        `yaml:"application_root"`
	Timeout            time.Duration `yaml:"timeout"`
	InteractiveTimeout time.Duration `yaml:"interactive_timeout"`
	MaxRetries         *int          `yaml:"max_retries"`
	Backoff            time.Duration `yaml:"backoff"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// loadConfig reads the optional YAML file at path, applies environment
// overrides and fills in defaults. An empty path skips the file.
func loadConfig(path string) (*cliConfig, error) {
	const op = "main.loadConfig"
	var c cliConfig
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to read %q: %w", op, path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("%s: unable to parse %q: %w", op, path, err)
		}
	}
	if err := c.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if c.RedirectURL == "" {
		c.RedirectURL = defaultRedirectURL
	}
	if c.Timeout == 0 {
		c.Timeout = session.DefaultTimeout
	}
	if c.InteractiveTimeout == 0 {
		c.InteractiveTimeout = session.DefaultInteractiveTimeout
	}
	if c.MaxRetries == nil {
		n := session.DefaultMaxRetries
		c.MaxRetries = &n
	}
	if c.Backoff == 0 {
		c.Backoff = session.DefaultBackoff
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = defaultMetricsAddr
	}
	return &c, nil
}

// loadEnvFile loads a .env file into the process environment. When path is
// empty a .env in the working directory is loaded if one exists.
func loadEnvFile(path string) error {
	const op = "main.loadEnvFile"
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%s: unable to load %q: %w", op, path, err)
	}
	return nil
}

func (c *cliConfig) applyEnvOverrides() error {
	const op = "main.(cliConfig).applyEnvOverrides"
	for key, dst := range map[string]*string{
		"ISSUER":              &c.Issuer,
		"CLIENT_ID":           &c.ClientID,
		"CLIENT_SECRET":       &c.ClientSecret,
		"PROVIDER_CA_FILE":    &c.ProviderCAFile,
		"REFRESH_TOKEN":       &c.RefreshToken,
		"REDIRECT_URL":        &c.RedirectURL,
		"AUDIENCE":            &c.Audience,
		"CONNECTION":          &c.Connection,
		"LOGOUT_REDIRECT_URL": &c.LogoutRedirectURL,
		"APPLICATION_ROOT":    &c.ApplicationRoot,
		"LOG_LEVEL":           &c.LogLevel,
		"METRICS_ADDR":        &c.MetricsAddr,
	} {
		if v, ok := getEnvStr(key); ok {
			*dst = v
		}
	}
	if v, ok := getEnvCSV("SCOPES"); ok {
		c.Scopes = v
	}

	var result *multierror.Error
	for key, dst := range map[string]*time.Duration{
		"TIMEOUT":             &c.Timeout,
		"INTERACTIVE_TIMEOUT": &c.InteractiveTimeout,
		"BACKOFF":             &c.Backoff,
	} {
		v, ok, err := getEnvDur(key)
		switch {
		case err != nil:
			result = multierror.Append(result, fmt.Errorf("%s: %s%s: %w", op, envPrefix, key, err))
		case ok:
			*dst = v
		}
	}
	switch v, ok, err := getEnvInt("MAX_RETRIES"); {
	case err != nil:
		result = multierror.Append(result, fmt.Errorf("%s: %sMAX_RETRIES: %w", op, envPrefix, err))
	case ok:
		c.MaxRetries = &v
	}
	return result.ErrorOrNil()
}

// validate returns every problem with the configuration at once.
func (c *cliConfig) validate() error {
	const op = "main.(cliConfig).validate"
	var result *multierror.Error
	if c.Issuer == "" {
		result = multierror.Append(result, fmt.Errorf("%s: issuer is empty: %w", op, errInvalidConfig))
	}
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client_id is empty: %w", op, errInvalidConfig))
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		result = multierror.Append(result, fmt.Errorf("%s: log_level %q is unknown: %w", op, c.LogLevel, errInvalidConfig))
	}
	return result.ErrorOrNil()
}

// oidcConfig converts the file configuration into an oidc.Config.
func (c *cliConfig) oidcConfig() (*oidc.Config, error) {
	const op = "main.(cliConfig).oidcConfig"
	opts := []oidc.Option{oidc.WithScopes(c.Scopes...)}
	if c.ClientSecret != "" {
		opts = append(opts, oidc.WithClientSecret(oidc.ClientSecret(c.ClientSecret)))
	}
	if c.ProviderCAFile != "" {
		pem, err := os.ReadFile(c.ProviderCAFile)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to read provider CA: %w", op, err)
		}
		opts = append(opts, oidc.WithProviderCA(string(pem)))
	}
	oc, err := oidc.NewConfig(c.Issuer, c.ClientID, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return oc, nil
}

// sessionConfig converts the file configuration into a session.Config.
func (c *cliConfig) sessionConfig() (*session.Config, error) {
	const op = "main.(cliConfig).sessionConfig"
	opts := []session.Option{session.WithBackoff(c.Backoff)}
	if c.MaxRetries != nil {
		opts = append(opts, session.WithMaxRetries(*c.MaxRetries))
	}
	sc, err := session.NewConfig(c.RedirectURL, c.Audience, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sc.Timeout = c.Timeout
	sc.InteractiveTimeout = c.InteractiveTimeout
	sc.LogoutRedirectURL = c.LogoutRedirectURL
	sc.ApplicationRoot = c.ApplicationRoot
	sc.ExplicitConnection = c.Connection
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sc, nil
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false, err
	}
	return i, true, nil
}

func getEnvDur(key string) (time.Duration, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

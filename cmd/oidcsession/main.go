// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// oidcsession keeps an OIDC login session alive from the command line. It
// renews silently with a refresh token when it can and falls back to an
// interactive browser login when it can't.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/oidc-session/metrics"
	"github.com/hashicorp/oidc-session/oidc"
	"github.com/hashicorp/oidc-session/redirect"
	"github.com/hashicorp/oidc-session/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd(newApp(os.Stdout, os.Stderr)).ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

// app carries the state shared by every command.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	envFile    string

	config   *cliConfig
	logger   hclog.Logger
	opener   func(ctx context.Context, url string) error
	recorder session.Recorder
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		out:    out,
		errOut: errOut,
		opener: browserOpener(errOut),
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "oidcsession",
		Short:         "Keep an OIDC login session alive",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv(envPrefix+"CONFIG"), "path to a YAML config file (env OIDC_SESSION_CONFIG)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "path to a .env file (default ./.env when present)")

	root.AddCommand(
		newLoginCmd(a),
		newTokenCmd(a),
		newProfileCmd(a),
		newWatchCmd(a),
		newLogoutCmd(a),
	)
	return root
}

func (a *app) init() error {
	if err := loadEnvFile(a.envFile); err != nil {
		return a.fail(err)
	}
	c, err := loadConfig(a.configPath)
	if err != nil {
		return a.fail(err)
	}
	if err := c.validate(); err != nil {
		return a.fail(err)
	}
	a.config = c
	a.logger = hclog.New(&hclog.LoggerOptions{
		Name:   "oidcsession",
		Level:  hclog.LevelFromString(c.LogLevel),
		Output: a.errOut,
	})
	return nil
}

func (a *app) fail(err error) error {
	fmt.Fprintf(a.errOut, "Error: %s\n", err)
	return err
}

// newManager builds the provider and the session manager for one command.
// The returned func releases both.
func (a *app) newManager() (*session.Manager, func(), error) {
	const op = "main.(app).newManager"
	oc, err := a.config.oidcConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	sc, err := a.config.sessionConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	p, err := oidc.NewProvider(oc,
		oidc.WithLogger(a.logger.Named("oidc")),
		oidc.WithURLOpener(a.opener),
		oidc.WithRefreshToken(oidc.RefreshToken(a.config.RefreshToken)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	store := redirect.NewStore(redirect.WithLogger(a.logger.Named("redirect")))
	m, err := session.NewManager(sc, p,
		session.WithLogger(a.logger.Named("session")),
		session.WithHooks(logHooks{logger: a.logger}),
		session.WithRedirectStore(store),
		session.WithNavigator(a.opener),
		session.WithRecorder(a.recorder),
	)
	if err != nil {
		p.Done()
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return m, func() {
		m.Done()
		p.Done()
	}, nil
}

// loginFlags are the per-call options shared by login, token and profile.
type loginFlags struct {
	force         bool
	noInteractive bool
	connection    string
	redirectURL   string
	returnTo      string
}

func (f *loginFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.force, "force", false, "renew even when the current token is still valid")
	cmd.Flags().BoolVar(&f.noInteractive, "no-interactive", false, "fail instead of falling back to a browser login")
	cmd.Flags().StringVar(&f.connection, "connection", "", "provider connection for an interactive login")
	cmd.Flags().StringVar(&f.redirectURL, "redirect-url", "", "override the configured redirect URL")
	cmd.Flags().StringVar(&f.returnTo, "return-to", "", "location to resume after an interactive login")
}

func (f *loginFlags) options() []session.Option {
	opts := []session.Option{
		session.WithInteractiveFallback(!f.noInteractive),
		session.WithConnection(f.connection),
		session.WithRedirectURL(f.redirectURL),
		session.WithReturnTo(f.returnTo),
	}
	if f.force {
		opts = append(opts, session.WithForceRefresh())
	}
	return opts
}

// ensureLoggedIn runs a login and reports a captured provider error when it
// fails.
func (a *app) ensureLoggedIn(ctx context.Context, m *session.Manager, f *loginFlags) (*session.LoginResult, error) {
	res, err := m.EnsureLoggedIn(ctx, f.options()...)
	if err != nil {
		if captured, ok := m.CapturedError(); ok {
			a.logger.Error("provider reported an error", "error", captured.Code, "error_description", captured.Description)
		}
		return nil, a.fail(err)
	}
	return res, nil
}

func newLoginCmd(a *app) *cobra.Command {
	var f loginFlags
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Ensure there is a valid session, logging in when needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, done, err := a.newManager()
			if err != nil {
				return a.fail(err)
			}
			defer done()
			res, err := a.ensureLoggedIn(ctx, m, &f)
			if err != nil {
				return err
			}
			c, ok := m.Credential()
			if !ok {
				return a.fail(session.ErrNotAuthenticated)
			}
			fmt.Fprintf(a.out, "Logged in as %s (token expires in %s)\n", c.Subject, m.Remaining().Round(time.Second))
			if res.RedirectURI != "" {
				fmt.Fprintf(a.out, "Resume at %s\n", res.RedirectURI)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		f      loginFlags
		access bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid id_token (or access_token)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, done, err := a.newManager()
			if err != nil {
				return a.fail(err)
			}
			defer done()
			if _, err := a.ensureLoggedIn(ctx, m, &f); err != nil {
				return err
			}
			c, ok := m.Credential()
			if !ok {
				return a.fail(session.ErrNotAuthenticated)
			}
			if access {
				fmt.Fprintln(a.out, string(c.AccessToken))
				return nil
			}
			fmt.Fprintln(a.out, string(c.IdToken))
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&access, "access-token", false, "print the access_token instead of the id_token")
	return cmd
}

func newProfileCmd(a *app) *cobra.Command {
	var f loginFlags
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Print the logged in user's profile as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, done, err := a.newManager()
			if err != nil {
				return a.fail(err)
			}
			defer done()
			if _, err := a.ensureLoggedIn(ctx, m, &f); err != nil {
				return err
			}
			p, err := m.Profile(ctx)
			if err != nil {
				return a.fail(err)
			}
			b, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return a.fail(err)
			}
			fmt.Fprintln(a.out, string(b))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		f           loginFlags
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Log in and keep the session renewed until interrupted",
		Long: "Log in and keep the session renewed in the background until interrupted. " +
			"Renewal metrics are served at /metrics.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if metricsAddr == "" {
				metricsAddr = a.config.MetricsAddr
			}

			reg := prometheus.NewRegistry()
			collector := metrics.NewCollector()
			if err := collector.Register(reg); err != nil {
				return a.fail(err)
			}
			a.recorder = collector

			m, done, err := a.newManager()
			if err != nil {
				return a.fail(err)
			}
			defer done()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{
				Addr:              metricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			srvCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					srvCh <- err
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			a.logger.Info("serving metrics", "addr", metricsAddr)

			if _, err := a.ensureLoggedIn(ctx, m, &f); err != nil {
				return err
			}
			a.logger.Info("session established", "expires_in", m.Remaining().Round(time.Second))

			select {
			case <-ctx.Done():
				a.logger.Info("interrupted")
				return nil
			case err := <-srvCh:
				return a.fail(err)
			}
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the /metrics listener (default from config)")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	var returnTo string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End the session at the provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, done, err := a.newManager()
			if err != nil {
				return a.fail(err)
			}
			defer done()
			u, err := m.Logout(ctx, returnTo)
			if err != nil {
				return a.fail(err)
			}
			fmt.Fprintln(a.out, u)
			return nil
		},
	}
	cmd.Flags().StringVar(&returnTo, "return-to", "", "where the provider returns the user after logout")
	return cmd
}

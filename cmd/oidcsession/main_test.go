// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/oidc-session/oidc"
	"github.com/hashicorp/oidc-session/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for a concurrent writer and reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testApp returns an app configured against tp, with the test provider
// playing the user's browser. extra is appended to the YAML config.
func testApp(t *testing.T, tp *oidc.TestProvider, errOut io.Writer, extra string) (*app, *bytes.Buffer, string) {
	t.Helper()
	caFile := writeFile(t, "ca.pem", tp.CACert())
	cfg := writeFile(t, "config.yaml", fmt.Sprintf(`
issuer: %s
client_id: %s
provider_ca_file: %s
audience: https://api.example.com
application_root: https://app.example.com
max_retries: 0
backoff: 1ms
log_level: error
%s`, tp.Addr(), tp.ClientID(), caFile, extra))
	out := &bytes.Buffer{}
	a := newApp(out, errOut)
	a.opener = tp.URLOpener()
	return a, out, cfg
}

func execute(ctx context.Context, a *app, args ...string) error {
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func TestLoginCmd(t *testing.T) {
	ctx := context.Background()

	t.Run("interactive", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := oidc.StartTestProvider(t)
		a, out, cfg := testApp(t, tp, io.Discard, "")

		require.NoError(execute(ctx, a, "login", "-c", cfg, "--return-to", "https://app.example.com/orders"))
		assert.Contains(out.String(), "Logged in as alice@example.com")
		assert.Contains(out.String(), "Resume at https://app.example.com/orders")
		assert.Equal(session.PromptNone, tp.LastAuthRequest().Get("prompt"))
	})

	t.Run("connection", func(t *testing.T) {
		require := require.New(t)
		tp := oidc.StartTestProvider(t)
		a, _, cfg := testApp(t, tp, io.Discard, "")

		require.NoError(execute(ctx, a, "login", "-c", cfg, "--connection", "github"))
		q := tp.LastAuthRequest()
		assert.Equal(t, "github", q.Get("connection"))
		assert.Equal(t, session.PromptSelectAccount, q.Get("prompt"))
	})

	t.Run("no-interactive-without-refresh-token", func(t *testing.T) {
		assert := assert.New(t)
		tp := oidc.StartTestProvider(t)
		errOut := &bytes.Buffer{}
		a, out, cfg := testApp(t, tp, errOut, "")

		err := execute(ctx, a, "login", "-c", cfg, "--no-interactive")
		var authErr *session.AuthError
		assert.ErrorAs(err, &authErr)
		assert.Equal(session.ErrorCodeLoginRequired, authErr.Code)
		assert.Empty(out.String())
		assert.Contains(errOut.String(), "Error:")
		assert.Nil(tp.LastAuthRequest())
	})

	t.Run("provider-error", func(t *testing.T) {
		tp := oidc.StartTestProvider(t)
		tp.SetAuthError("access_denied", "User cancelled")
		errOut := &syncBuffer{}
		a, _, cfg := testApp(t, tp, errOut, "")

		err := execute(ctx, a, "login", "-c", cfg)
		var authErr *session.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "access_denied", authErr.Code)
		assert.Contains(t, errOut.String(), "provider reported an error")
	})

	t.Run("invalid-config", func(t *testing.T) {
		errOut := &bytes.Buffer{}
		a := newApp(io.Discard, errOut)
		cfg := writeFile(t, "config.yaml", "audience: https://api.example.com\n")
		err := execute(ctx, a, "login", "-c", cfg)
		assert.ErrorIs(t, err, errInvalidConfig)
		assert.Contains(t, errOut.String(), "issuer is empty")
	})
}

func TestTokenCmd(t *testing.T) {
	ctx := context.Background()
	tp := oidc.StartTestProvider(t)

	t.Run("id-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		a, out, cfg := testApp(t, tp, io.Discard, "")
		require.NoError(execute(ctx, a, "token", "-c", cfg))
		tk := strings.TrimSpace(out.String())
		assert.Len(strings.Split(tk, "."), 3)
	})

	t.Run("access-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		a, out, cfg := testApp(t, tp, io.Discard, "")
		require.NoError(execute(ctx, a, "token", "-c", cfg, "--access-token"))
		assert.NotEmpty(strings.TrimSpace(out.String()))
	})
}

func TestProfileCmd(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	tp := oidc.StartTestProvider(t)
	a, out, cfg := testApp(t, tp, io.Discard, "")

	require.NoError(execute(context.Background(), a, "profile", "-c", cfg))
	assert.Contains(out.String(), `"sub": "alice@example.com"`)
	assert.Contains(out.String(), `"name": "alice smith"`)
}

func TestLogoutCmd(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	tp := oidc.StartTestProvider(t)
	a, out, cfg := testApp(t, tp, io.Discard, "")
	var navigated []string
	a.opener = func(_ context.Context, u string) error {
		navigated = append(navigated, u)
		return nil
	}

	require.NoError(execute(context.Background(), a, "logout", "-c", cfg, "--return-to", "https://app.example.com/bye"))
	u := strings.TrimSpace(out.String())
	assert.True(strings.HasPrefix(u, tp.Addr()+"/logout"), u)
	assert.Contains(u, "post_logout_redirect_uri=https%3A%2F%2Fapp.example.com%2Fbye")
	assert.Equal([]string{u}, navigated)
}

func TestWatchCmd(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	tp := oidc.StartTestProvider(t)
	errOut := &syncBuffer{}
	a, _, cfg := testApp(t, tp, errOut, "")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	addr := l.Addr().String()
	require.NoError(l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- execute(ctx, a, "watch", "-c", cfg, "--metrics-addr", addr)
	}()

	var body string
	require.Eventually(func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(b)
		return strings.Contains(body, `oidc_session_sequences_total{path="interactive-login",result="success"} 1`)
	}, 10*time.Second, 20*time.Millisecond)
	assert.Contains(body, "oidc_session_renewal_attempts_total")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/oidc-session/session"
)

// logHooks reports session events through the CLI's logger.
type logHooks struct {
	logger hclog.Logger
}

var _ session.Hooks = logHooks{}

func (h logHooks) ProfileRefreshed(_ context.Context, p session.Profile) error {
	h.logger.Debug("profile refreshed", "sub", p["sub"])
	return nil
}

func (h logHooks) TokenRefreshed(_ context.Context, c *session.Credential) error {
	h.logger.Info("token refreshed", "sub", c.Subject, "expires_in", c.ExpiresIn)
	return nil
}

func (h logHooks) RemoveLogin(context.Context) error {
	h.logger.Info("session removed")
	return nil
}

func (h logHooks) Logout(context.Context) error {
	h.logger.Info("logged out")
	return nil
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// oidcsession keeps a user's OIDC login session alive for a client
// application. It provides the following packages:
//
// session: the session manager. It holds the current credential, schedules
// renewal before the token expires, serializes concurrent renewals, retries
// silent renewal and falls back to an interactive login.
//
// oidc: an identity provider for the session manager backed by OIDC discovery.
// It renews with refresh tokens and logs in interactively with the
// authorization code flow and PKCE over a loopback redirect.
//
// redirect: read-once storage for the post-login resume location and the
// errors captured from a failed login.
//
// metrics: a prometheus recorder for renewal attempts and login sequences.
package oidcsession

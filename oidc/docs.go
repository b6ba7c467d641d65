// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
oidc is a package which implements session.IdentityProvider for OpenID Connect
providers discovered from their issuer.

Primary types provided by the package

* Config: provides the configuration for the relying party (for example:
issuer, client id, optional client secret, supported signing algorithms,
additional scopes requested, etc)

* Provider: provides integration with a provider. Silent renewal
(CheckSession) uses the refresh_token grant, interactive login (Authorize)
runs the authorization code flow with PKCE through a loopback listener, and
Profile fetches the user's UserInfo claims.

* Alg: represents asymmetric signing algorithms

* TestProvider: a local OIDC provider which makes writing tests much easier.
*/
package oidc

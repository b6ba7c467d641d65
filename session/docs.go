// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
session keeps a user's OIDC identity token valid for the lifetime of an
application by renewing it silently and falling back to an interactive login
only when silent renewal cannot succeed.

Primary types provided by the package

* Credential: the token bundle produced by a successful silent renewal or
interactive login (id_token, access_token, lifetime and subject).

* State: holds the current Credential and answers whether it is still valid.

* ExpiryManager: tracks the current token's expiry and arms a single background
timer at 2/3 of the token's lifetime.

* Retrier: runs one silent-renewal attempt with a bounded, fixed-interval
retry and classifies provider errors as fatal, terminal or retryable.

* Manager: the login state machine. EnsureLoggedIn serializes concurrent
renewal sequences, chooses between silent renewal and interactive login, and
drives the post-login side effects (profile refresh, hooks, refresh timer,
redirect resumption).

* Hooks: callbacks the host application receives on profile refresh, token
refresh, logout and removal of the login.

The IdentityProvider, ProfileFetcher and RedirectStore interfaces are the
collaborators the Manager depends on. See the oidc and redirect packages for
implementations.
*/
package session

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"
	"net/http"

	"github.com/hashicorp/oidc-session/session"
)

const (
	callbackSuccess = "Login successful. You can close this window."
	callbackFailure = "Login failed. You can close this window."
)

// callbackResult is written by the callback handler for Authorize.
type callbackResult struct {
	code string
	err  error
}

// callbackHandler creates a one-time use authorization code callback handler
// which communicates its result by writing it to resultCh. Only the first
// result is delivered. Requests without state or error parameters (a
// browser's favicon request, for example) are ignored.
func callbackHandler(state string, resultCh chan<- callbackResult) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		const op = "oidc.callbackHandler"
		reqState := req.FormValue("state")
		reqError := req.FormValue("error")
		if reqState == "" && reqError == "" {
			http.NotFound(w, req)
			return
		}

		var result callbackResult
		switch {
		case reqError != "":
			// get parameters from either the body or query parameters.
			// FormValue prioritizes body values, if found
			result.err = &session.AuthError{
				Code:        reqError,
				Description: req.FormValue("error_description"),
			}
		case reqState != state:
			result.err = fmt.Errorf("%s: authen state and response state are not equal: %w", op, ErrResponseStateInvalid)
		case req.FormValue("code") == "":
			result.err = fmt.Errorf("%s: authorization code is missing: %w", op, ErrLoginFailed)
		default:
			result.code = req.FormValue("code")
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if result.err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(callbackFailure))
		} else {
			_, _ = w.Write([]byte(callbackSuccess))
		}
		select {
		case resultCh <- result:
		default:
		}
	}
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// browserOpener returns a func that opens a URL in the user's default
// browser. The URL is always printed to w so it can be visited manually.
func browserOpener(w io.Writer) func(ctx context.Context, url string) error {
	return func(_ context.Context, url string) error {
		fmt.Fprintf(w, "Complete the login via your OIDC provider. Launching browser to:\n\n    %s\n\n", url)
		if err := openURL(url); err != nil {
			fmt.Fprintf(w, "Error attempting to automatically open browser: %s.\nPlease visit the URL manually.\n", err)
		}
		return nil
	}
}

func openURL(url string) error {
	var cmd string
	var args []string
	switch {
	case runtime.GOOS == "windows" || isWSL():
		cmd = "cmd.exe"
		args = []string{"/c", "start"}
		url = strings.ReplaceAll(url, "&", "^&")
	case runtime.GOOS == "darwin":
		cmd = "open"
	default: // "linux", "freebsd", "openbsd", "netbsd"
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}

// isWSL tests if the binary is being run in Windows Subsystem for Linux
func isWSL() bool {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		return false
	}
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
}

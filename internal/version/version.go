/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

import "fmt"

// Version is the current version of adslotd.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/adslot/internal/version.Version=X.Y.Z
var Version = "0.3.0"

// Commit is the git revision, also set via ldflags.
var Commit = "unknown"

// String formats version and commit for logs and the CLI.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}

// UserAgent is sent on outbound inventory requests.
func UserAgent() string {
	return "adslotd/" + Version
}

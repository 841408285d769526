/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package interstitial

import (
	"fmt"
	"strings"
	"time"
)

// BackoffPolicy selects how retry delays grow with the attempt number.
type BackoffPolicy string

const (
	// BackoffLinear waits base*n before retry n.
	BackoffLinear BackoffPolicy = "linear"
	// BackoffExponential waits base*2^(n-1) before retry n.
	BackoffExponential BackoffPolicy = "exponential"
)

// ParseBackoffPolicy converts a config value to a policy.
func ParseBackoffPolicy(s string) (BackoffPolicy, error) {
	switch BackoffPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackoffLinear:
		return BackoffLinear, nil
	case BackoffExponential:
		return BackoffExponential, nil
	}
	return "", fmt.Errorf("unknown backoff policy %q", s)
}

// Delay returns the wait before retry n (n >= 1). A non-zero max caps the result.
func (p BackoffPolicy) Delay(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}

	var d time.Duration
	switch p {
	case BackoffExponential:
		shift := n - 1
		if shift > 30 {
			shift = 30
		}
		d = base * time.Duration(1<<uint(shift))
	default:
		d = base * time.Duration(n)
	}

	if max > 0 && d > max {
		return max
	}
	return d
}

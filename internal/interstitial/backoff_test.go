/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package interstitial

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name   string
		policy BackoffPolicy
		base   time.Duration
		max    time.Duration
		n      int
		want   time.Duration
	}{
		{"linear first", BackoffLinear, 5 * time.Second, 0, 1, 5 * time.Second},
		{"linear third", BackoffLinear, 5 * time.Second, 0, 3, 15 * time.Second},
		{"linear capped", BackoffLinear, 5 * time.Second, 12 * time.Second, 3, 12 * time.Second},
		{"zero attempt treated as first", BackoffLinear, time.Second, 0, 0, time.Second},
		{"exponential first", BackoffExponential, time.Second, 0, 1, time.Second},
		{"exponential fourth", BackoffExponential, time.Second, 0, 4, 8 * time.Second},
		{"exponential capped", BackoffExponential, time.Second, 10 * time.Second, 6, 10 * time.Second},
		{"exponential huge attempt", BackoffExponential, time.Millisecond, time.Minute, 200, time.Minute},
		{"unknown policy is linear", BackoffPolicy("weird"), time.Second, 0, 2, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.base, tt.max, tt.n); got != tt.want {
				t.Errorf("Delay(%v, %v, %d) = %v, want %v", tt.base, tt.max, tt.n, got, tt.want)
			}
		})
	}
}

func TestParseBackoffPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    BackoffPolicy
		wantErr bool
	}{
		{"", BackoffLinear, false},
		{"linear", BackoffLinear, false},
		{" Exponential ", BackoffExponential, false},
		{"fibonacci", "", true},
	}

	for _, tt := range tests {
		got, err := ParseBackoffPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackoffPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBackoffPolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

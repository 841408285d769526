/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/adslot/internal/auth"
)

var (
	tokenClientID string
	tokenScopes   []string
	tokenTTL      time.Duration
	tokenSecret   string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token",
	Long: `Issue a signed JWT for the adslotd API.

The signing key is read from --secret or ADSLOT_JWT_SIGNING_KEY.

Examples:
  # Token for the WebView presenter
  adslotd token --client webview --scopes bridge

  # Token for the app backend that flips premium
  adslotd token --client billing --scopes premium:write --ttl 720h
`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenClientID, "client", "", "Client identifier stored in the token (required)")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scopes", auth.AllScopes, "Comma separated scopes to grant")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Signing key (defaults to ADSLOT_JWT_SIGNING_KEY)")
	_ = tokenCmd.MarkFlagRequired("client")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	secret := tokenSecret
	if secret == "" {
		secret = os.Getenv("ADSLOT_JWT_SIGNING_KEY")
	}
	if secret == "" {
		return fmt.Errorf("no signing key: pass --secret or set ADSLOT_JWT_SIGNING_KEY")
	}
	if tokenTTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	for _, s := range tokenScopes {
		if !isKnownScope(s) {
			return fmt.Errorf("unknown scope %q (known: %s)", s, strings.Join(auth.AllScopes, ", "))
		}
	}

	token, err := auth.Issue([]byte(secret), auth.Claims{ClientID: tokenClientID, Scopes: tokenScopes}, tokenTTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func isKnownScope(scope string) bool {
	for _, s := range auth.AllScopes {
		if s == scope {
			return true
		}
	}
	return false
}

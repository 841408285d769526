/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/adslot/internal/config"
	"github.com/friendsincode/adslot/internal/store"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Inspect the persisted frequency gate",
	Long: `Print when the configured slot last showed an ad and when it may show again.

Only meaningful with ADSLOT_STORE_BACKEND=sql or redis; the memory store
starts empty on every run.`,
	RunE: runGate,
}

func init() {
	rootCmd.AddCommand(gateCmd)
}

func runGate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.StoreBackend == config.StoreMemory {
		return fmt.Errorf("store backend %q keeps nothing between runs", cfg.StoreBackend)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	last, err := st.LastShown(ctx)
	if err != nil {
		return fmt.Errorf("read gate: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "slot:          %s\n", cfg.SlotID)
	fmt.Fprintf(out, "min interval:  %s\n", cfg.MinInterval)
	if last.IsZero() {
		fmt.Fprintln(out, "last shown:    never")
		fmt.Fprintln(out, "eligible:      now")
		return nil
	}
	fmt.Fprintf(out, "last shown:    %s\n", last.Local().Format(time.RFC3339))
	if wait := cfg.MinInterval - time.Since(last); wait > 0 {
		fmt.Fprintf(out, "eligible in:   %s\n", wait.Round(time.Second))
	} else {
		fmt.Fprintln(out, "eligible:      now")
	}
	if counter, ok := st.(store.Counter); ok {
		if n, err := counter.ShowCount(ctx); err == nil {
			fmt.Fprintf(out, "shows:         %d\n", n)
		}
	}
	return nil
}

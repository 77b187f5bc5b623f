package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"plantsense/internal/api"
	"plantsense/internal/syncer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the locally cached data without touching the network",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		manager := newManager()
		cache, err := manager.Load(owner)
		if err != nil {
			return err
		}
		if cache == nil {
			fmt.Printf("no cached data for owner %s\n", owner)
			return nil
		}
		printCacheSummary(cache)
		printReadings(cache.Recent, points)
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one sync cycle and print the merged view",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		orch, _, err := newOrchestrator(owner)
		if err != nil {
			return err
		}
		if err := orch.Tick(cmd.Context()); err != nil {
			if errors.Is(err, api.ErrAuth) {
				return fmt.Errorf("not authorized for owner %s: %w", owner, err)
			}
			// Show whatever the cache has; a stale view beats a blank one.
			printSnapshot(orch.Snapshot())
			return err
		}
		printSnapshot(orch.Snapshot())
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the server on a fixed interval and render each refresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, err := cmd.Flags().GetDuration("interval")
		if err != nil {
			return err
		}
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		orch, _, err := newOrchestrator(owner)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// The fixed poll interval doubles as the retry interval: a failed
		// tick is simply retried on the next one.
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tick := func() {
			if err := orch.Tick(ctx); err != nil && !errors.Is(err, syncer.ErrRefreshInFlight) {
				fmt.Fprintf(os.Stderr, "refresh failed: %v\n", err)
			}
			printSnapshot(orch.Snapshot())
		}

		tick()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				tick()
			}
		}
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the sparse hourly history, fetching it if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		manager := newManager()
		cache, err := manager.Load(owner)
		if err != nil {
			return err
		}
		if cache != nil && len(cache.Historic) > 0 {
			// History is fetched once and durable; never re-fetch it.
			printReadings(cache.Historic, points)
			return nil
		}

		orch, _, err := newOrchestrator(owner)
		if err != nil {
			return err
		}
		if err := orch.Tick(cmd.Context()); err != nil {
			return err
		}
		snap := orch.Snapshot()
		if len(snap.Historic) == 0 {
			fmt.Println("no history available yet (empty result or cooldown active)")
			return nil
		}
		printReadings(snap.Historic, points)
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List your registered devices and when they last reported",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.NewClient(serverURL, token, timeout)
		page, err := client.Devices(cmd.Context())
		if err != nil {
			return err
		}
		printDevices(page.Devices)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the durable cache for this owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		if err := newManager().Clear(owner); err != nil {
			return err
		}
		fmt.Printf("cleared cache for owner %s\n", owner)
		return nil
	},
}

func init() {
	watchCmd.Flags().Duration("interval", 60*time.Second, "poll interval")
	rootCmd.AddCommand(statusCmd, refreshCmd, watchCmd, historyCmd, devicesCmd, clearCmd)
}

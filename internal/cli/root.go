// Package cli implements the plantsense dashboard client: a polling terminal
// dashboard over the server's incremental fetch API, backed by a durable
// per-owner cache.
package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"plantsense/internal/api"
	"plantsense/internal/clientcache"
	"plantsense/internal/syncer"
)

// Global flags
var (
	serverURL   string
	token       string
	ownerID     string
	cacheDir    string
	points      int
	windowHours int
	cooldown    time.Duration
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "plantsense",
	Short: "Terminal dashboard for your plant sensors",
	Long:  "A polling dashboard client for plantsense sensor data with a durable local cache.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envDefault("PLANTSENSE_SERVER", "http://localhost:8094"), "plantsense server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("PLANTSENSE_TOKEN"), "owner bearer token")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", "", "owner id (default: token subject)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "durable cache directory (default ~/.plantsense/cache)")
	rootCmd.PersistentFlags().IntVar(&points, "points", 120, "maximum data points to render per listing")
	rootCmd.PersistentFlags().IntVar(&windowHours, "window-hours", 168, "history window to request, in hours")
	rootCmd.PersistentFlags().DurationVar(&cooldown, "history-cooldown", time.Hour, "minimum interval between history fetch attempts")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "network timeout per request")
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// resolveOwner returns the --owner flag, falling back to the token's subject
// claim. The claim is read without verifying the signature; the server does
// the real verification, the client only needs a cache key.
func resolveOwner() (string, error) {
	if strings.TrimSpace(ownerID) != "" {
		return strings.TrimSpace(ownerID), nil
	}
	if token == "" {
		return "", fmt.Errorf("no --owner and no token to derive it from")
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("could not parse token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject claim; pass --owner")
	}
	return sub, nil
}

const (
	defaultRecentCap   = 1200 // per-device cap 120 x 10 devices
	defaultHistoricCap = 1200
)

func newManager() *clientcache.Manager {
	backend := clientcache.NewFilesystemBackend(cacheDir)
	return clientcache.NewManager(backend, defaultRecentCap, defaultHistoricCap)
}

func newOrchestrator(owner string) (*syncer.Orchestrator, *clientcache.Manager, error) {
	manager := newManager()
	client := api.NewClient(serverURL, token, timeout)
	orch := syncer.New(client, manager, windowHours, cooldown)
	if err := orch.SetOwner(owner); err != nil {
		return nil, nil, err
	}
	return orch, manager, nil
}

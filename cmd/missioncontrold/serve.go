package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/missioncontrol/internal/config"
	"github.com/cuemby/missioncontrol/internal/counterstore"
	"github.com/cuemby/missioncontrol/internal/eventbus"
	"github.com/cuemby/missioncontrol/internal/httpapi"
	"github.com/cuemby/missioncontrol/internal/obslog"
	"github.com/cuemby/missioncontrol/internal/obsmetrics"
	"github.com/cuemby/missioncontrol/internal/registry"
	"github.com/cuemby/missioncontrol/internal/transport"
	"github.com/cuemby/missioncontrol/internal/watcher"
)

const shutdownCeiling = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard server",
	Long: `Start the Mission Control server: watch configured repos,
serve the HTTP control plane, and broadcast live updates over
websocket.`,
	RunE: runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().String("addr", "", "Listen address (overrides the configured port, e.g. :3847)")
		cmd.Flags().String("counters", "", "Path to the counter state file (default: alongside --config)")
		cmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics and /healthz endpoints")
	}

	// serve is the default action: running missioncontrold with no
	// subcommand starts the server, matching spec.md's description of
	// this as a single long-running daemon rather than a CLI-first tool.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	addrOverride, _ := cmd.Flags().GetString("addr")
	countersPath, _ := cmd.Flags().GetString("counters")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	log := obslog.WithComponent("main")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if countersPath == "" {
		countersPath = deriveCountersPath(cfgPath)
	}
	counters, err := counterstore.Load(countersPath)
	if err != nil {
		return fmt.Errorf("loading counter state: %w", err)
	}

	bus := eventbus.New()
	bus.Use(func(ev eventbus.Event) bool {
		obsmetrics.EventsTotal.WithLabelValues(ev.Type).Inc()
		return true
	})

	reg := registry.New(cfg, bus)
	if err := reg.Init(); err != nil {
		return fmt.Errorf("initializing registry: %w", err)
	}
	defer reg.Close()

	hub := transport.New(reg)
	reg.SetSink(hub)

	devWatcher, err := startDevAssetWatcher(cfg.DevAssetDir, hub)
	if err != nil {
		return fmt.Errorf("starting dev asset watcher: %w", err)
	}

	health := obsmetrics.NewHealthChecker()
	health.SetComponent("registry", true, "")
	health.SetComponent("counterstore", true, "")
	health.SetComponent("transport", true, "")

	server := httpapi.New(cfg, reg, counters, bus, hub)

	addr := addrOverride
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("starting HTTP control plane")
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", obsmetrics.Handler())
		mux.HandleFunc("/healthz", health.Handler())
		log.Info().Str("addr", metricsAddr).Msg("starting metrics endpoint")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	repoNames := make([]string, 0, len(cfg.Repos))
	for _, r := range cfg.Repos {
		repoNames = append(repoNames, r.Name)
	}
	log.Info().Strs("repos", repoNames).Msg("watching repos")
	fmt.Printf("Mission Control listening on %s\n", addr)
	fmt.Printf("Metrics and health at http://%s/metrics and /healthz\n", metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error, shutting down")
	}

	return gracefulShutdown(server, hub, reg, devWatcher)
}

// startDevAssetWatcher watches dir (spec.md §9's DevAssetDir developer
// convenience) and forwards every coalesced change as a hot_reload
// frame. Returns a nil watcher, with no error, when dir is unset: the
// feature stays inert unless an operator opts in.
func startDevAssetWatcher(dir string, hub *transport.Hub) (*watcher.Watcher, error) {
	if dir == "" {
		return nil, nil
	}

	w, err := watcher.New("devassets", dir, watcher.Options{})
	if err != nil {
		return nil, err
	}

	go func() {
		for ev := range w.Events() {
			if ev.Err != nil {
				continue
			}
			hub.BroadcastHotReload(ev.File)
		}
	}()

	return w, nil
}

// gracefulShutdown drains watcher timers, closes every transport
// session with a normal-close code, and awaits pending HTTP work up to
// a hard ceiling before exiting non-zero (spec §5).
func gracefulShutdown(server *httpapi.Server, hub *transport.Hub, reg *registry.Registry, devWatcher *watcher.Watcher) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownCeiling)
	defer cancel()

	if devWatcher != nil {
		_ = devWatcher.Close()
	}
	hub.Shutdown()
	reg.Close()

	if err := server.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown did not complete within %s: %v\n", shutdownCeiling, err)
		os.Exit(1)
	}

	fmt.Println("Shutdown complete")
	return nil
}

func deriveCountersPath(cfgPath string) string {
	return cfgPath + ".counters.json"
}

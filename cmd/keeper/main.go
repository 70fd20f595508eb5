// Command keeper runs a single keeper process: it registers with the
// coordination store, participates in leader election, drives the
// ingestion engine's clocks, and drains its retry queue, per spec.md's
// full system description.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gary322/keeperfleet/internal/config"
	"github.com/gary322/keeperfleet/internal/fleet"
	"github.com/gary322/keeperfleet/internal/ingest"
	"github.com/gary322/keeperfleet/internal/keeper"
	"github.com/gary322/keeperfleet/internal/logging"
	"github.com/gary322/keeperfleet/internal/onchain"
	"github.com/gary322/keeperfleet/internal/provider"
	"github.com/gary322/keeperfleet/internal/ratelimit"
	"github.com/gary322/keeperfleet/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "keeper: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to the .env secrets overlay (optional)")
	keeperID := flag.String("id", "", "unique keeper id (defaults to hostname-pid)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		return err
	}

	log := logging.New(os.Stderr, cfg.LogLevel)

	id := *keeperID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Coordination store. "memory" is the only backend this repository
	// ships (spec.md §4.7 scopes the real backing store as an external
	// collaborator); a production deployment swaps this for a
	// Redis/etcd-backed Store behind the same interface.
	var st store.Store
	switch cfg.Store.Backend {
	case "", "memory":
		st = store.NewMemory()
	default:
		return fmt.Errorf("config: unsupported store backend %q", cfg.Store.Backend)
	}

	limiter := ratelimit.NewLimiter(cfg.Limiter.Tier, cfg.Limiter.MaxRetries, 0)
	defer limiter.Close()
	limiter.SetEmergencyMode(cfg.Limiter.EmergencyMode)

	client := provider.NewClient(cfg.Provider.BaseURL, cfg.ProviderAPIKey, limiter, log)
	sink := onchain.NewLoggingSink(log)

	engine := ingest.NewEngine(id, client, sink, cfg.Ingest, log)

	node := keeper.NewNode(id, cfg.Keeper.Host, cfg.Keeper.Capabilities, st, engine, cfg.Keeper, log)
	node.OnRetry = func(ctx context.Context, rec fleet.RetryRecord) error {
		return engine.RetryMarket(ctx, rec.MarketID)
	}

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("keeper: start: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Keeper.HeartbeatTTL)
		defer stopCancel()
		_ = node.Stop(stopCtx)
	}()

	events := make(chan provider.Event, 256)
	if cfg.Provider.StreamURL != "" {
		stream := provider.NewStream(cfg.Provider.StreamURL, log)
		go stream.Run(ctx, events)
	}

	engine.Run(ctx, events)
	return nil
}

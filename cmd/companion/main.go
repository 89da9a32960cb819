// Package main runs a companion device for one session: it follows the primary, shows
// the pending count and sends approve-all on command or on a shake.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/presence"
	"github.com/noah-isme/asknon-api/internal/relay"
	"github.com/noah-isme/asknon-api/internal/relay/redisrelay"
	"github.com/noah-isme/asknon-api/internal/relay/wsrelay"
	"github.com/noah-isme/asknon-api/pkg/cache"
	"github.com/noah-isme/asknon-api/pkg/config"
	"github.com/noah-isme/asknon-api/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "companion")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("companion failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	if cfg.Relay.SessionID == "" {
		return errors.New("RELAY_SESSION_ID is required")
	}
	nodeID := cfg.Relay.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	name := cfg.Relay.NodeName
	if name == "" || name == "asknon-gateway" {
		name = "asknon-companion"
	}

	transport, cleanup, err := openTransport(ctx, cfg, nodeID, name, logr)
	if err != nil {
		return err
	}
	defer cleanup()

	rel := relay.New(transport, relay.WithLogger(logr.Named("relay")))
	defer rel.Close() //nolint:errcheck

	out := os.Stdout
	coord := presence.New(rel, cfg.Relay.SessionID, presence.Options{
		Interval: cfg.Presence.Interval,
		Logger:   logr.Named("presence"),
		OnState:  func(s presence.State) { fmt.Fprintf(out, "link %s\n", s) },
		OnCount:  func(n int) { fmt.Fprintf(out, "pending questions: %d\n", n) },
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Warn("presence loop stopped", zap.Error(err))
		}
	}()

	logr.Info("companion started", zap.String("session_id", cfg.Relay.SessionID), zap.String("node_id", nodeID), zap.String("relay", cfg.Relay.Driver))
	err = newConsole(coord, out, logr).run(ctx, os.Stdin)
	cancel()
	wg.Wait()
	return err
}

func openTransport(ctx context.Context, cfg *config.Config, nodeID, name string, logr *zap.Logger) (relay.Transport, func(), error) {
	switch cfg.Relay.Driver {
	case config.RelayRedis:
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		t, err := redisrelay.New(ctx, client, redisrelay.Options{
			NodeID:   nodeID,
			NodeName: name,
			TTL:      cfg.Relay.PresenceTTL,
			Logger:   logr.Named("redisrelay"),
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return t, func() { _ = client.Close() }, nil
	case config.RelayWebSocket, "":
		t, err := wsrelay.NewClient(wsrelay.ClientOptions{
			URL:      cfg.Relay.URL,
			NodeID:   nodeID,
			NodeName: name,
			Timeout:  cfg.Relay.DiscoverTimeout,
			Logger:   logr.Named("wsrelay"),
		})
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("relay driver %q cannot reach a remote primary", cfg.Relay.Driver)
	}
}

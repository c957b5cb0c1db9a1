package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omnimesh/codes"
	"omnimesh/config"
	"omnimesh/crypto"
	"omnimesh/mesh"
	"omnimesh/mesh/seeds"
	"omnimesh/observability/logging"
	"omnimesh/trust"
)

const codeCleanupInterval = 10 * time.Minute

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	hubFlag := flag.Bool("hub", false, "Advertise this node as a hub regardless of config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("OMNI_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	logger := logging.SetupWithOptions("omnid", env, logging.Options{FilePath: cfg.LogFile})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("failed to prepare data directory: %v", err))
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load node identity: %v", err))
	}
	logger.Info("node identity loaded", slog.String("peer", crypto.ShortPeerID(identity.PeerID)))

	guard := mesh.NewReplayGuard(cfg.ReplayCapacity)
	auth := mesh.NewAuthenticator(identity, guard)

	registry, err := trust.NewRegistry(filepath.Join(cfg.DataDir, "registry"), guard)
	if err != nil {
		panic(fmt.Sprintf("failed to open trust registry: %v", err))
	}
	defer registry.Close()

	if err := registerSelf(registry, identity, cfg, logger); err != nil {
		panic(fmt.Sprintf("failed to register node: %v", err))
	}

	codeStore, err := codes.Open(cfg.CodesDSN)
	if err != nil {
		panic(fmt.Sprintf("failed to open connection code store: %v", err))
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		panic(fmt.Sprintf("failed to listen on %s: %v", cfg.ListenAddress, err))
	}

	serviceCfg := mesh.ServiceConfig{
		InstanceName:   cfg.InstanceName,
		DisplayName:    cfg.DisplayName,
		Capabilities:   cfg.Capabilities,
		Port:           advertisePort(cfg, listener),
		Version:        cfg.Version,
		Hub:            cfg.Hub || *hubFlag,
		BrowseInterval: time.Duration(cfg.BrowseIntervalSeconds) * time.Second,
		DeviceTTL:      time.Duration(cfg.DeviceTTLSeconds) * time.Second,
		Retry:          mesh.RetryPolicy{MaxAttempts: cfg.MaxDialAttempts},
	}
	service := mesh.NewService(auth, identity.PeerID, serviceCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service.Start(ctx)
	service.StartBrowse(ctx)
	if serviceCfg.Hub {
		if err := service.StartHub(); err != nil {
			logger.Error("failed to start hub advertisement", slog.Any("error", err))
			os.Exit(1)
		}
	}
	go service.Serve(ctx, listener)
	logger.Info("mesh listener started", slog.String("component", "omnid"))

	if len(cfg.SeedAuthorities) > 0 || len(cfg.StaticSeeds) > 0 {
		go bootstrapFromSeeds(ctx, cfg, service, identity.PeerID, logger)
	}

	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		go serveMetrics(addr, logger)
	}

	go cleanupLoop(ctx, codeStore, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", slog.String("reason", sig.String()))

	service.StopHub()
	service.StopBrowse()
	cancel()
	listener.Close()
	service.Wait()
}

// advertisePort falls back to the actual bound port when config does not pin
// one, so ":0" listeners still advertise something dialable.
func advertisePort(cfg *config.Config, listener net.Listener) int {
	if cfg.AdvertisePort > 0 {
		return cfg.AdvertisePort
	}
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// bootstrapFromSeeds dials the configured static seeds plus every active seed
// published by the DNS authorities. LAN discovery carries on regardless of
// the outcome.
func bootstrapFromSeeds(ctx context.Context, cfg *config.Config, service *mesh.Service, selfID string, logger *slog.Logger) {
	resolved := make([]seeds.Seed, 0, len(cfg.StaticSeeds))
	for _, raw := range cfg.StaticSeeds {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		peerPart, addrPart, found := strings.Cut(trimmed, "@")
		if !found || strings.TrimSpace(peerPart) == "" || strings.TrimSpace(addrPart) == "" {
			logger.Warn("ignoring malformed static seed", logging.MaskField("seed", trimmed))
			continue
		}
		resolved = append(resolved, seeds.Seed{
			PeerID:  strings.ToLower(strings.TrimSpace(peerPart)),
			Address: strings.TrimSpace(addrPart),
			Source:  "config",
		})
	}

	if len(cfg.SeedAuthorities) > 0 {
		authorities := make([]seeds.Authority, 0, len(cfg.SeedAuthorities))
		for _, a := range cfg.SeedAuthorities {
			authorities = append(authorities, seeds.Authority{Domain: a.Domain, PublicKey: a.PublicKey})
		}
		resolveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		fromDNS, err := seeds.ResolveAll(resolveCtx, time.Now(), seeds.DefaultResolver(), authorities)
		cancel()
		if err != nil {
			logger.Warn("seed resolution incomplete", slog.Any("error", err))
		}
		resolved = append(resolved, fromDNS...)
	}

	for _, seed := range resolved {
		if seed.PeerID == selfID {
			continue
		}
		session, err := service.Connect(ctx, seed.Address)
		if err != nil {
			logger.Warn("seed dial failed",
				slog.String("peer", crypto.ShortPeerID(seed.PeerID)),
				slog.Any("error", err))
			continue
		}
		if session.PeerID != seed.PeerID {
			logger.Warn("seed peer identity mismatch",
				slog.String("peer", crypto.ShortPeerID(seed.PeerID)))
			session.Close()
			continue
		}
		logger.Info("seed peer connected", slog.String("peer", crypto.ShortPeerID(session.PeerID)))
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics endpoint started", slog.String("component", "metrics"))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", slog.Any("error", err))
	}
}

// registerSelf records this node in its own directory on first boot and
// refreshes liveness on every subsequent start.
func registerSelf(registry *trust.Registry, identity *crypto.Identity, cfg *config.Config, logger *slog.Logger) error {
	publicKey := base64.StdEncoding.EncodeToString(identity.PublicKey())
	if node, err := registry.GetByPublicKey(publicKey); err == nil {
		return registry.Touch(node.NodeID, time.Time{})
	} else if !errors.Is(err, mesh.ErrNotFound) {
		return err
	}
	req, err := trust.NewSignedRequest(identity, cfg.DisplayName, trust.NodeType(cfg.NodeType), trust.DisplayMode(cfg.DisplayMode))
	if err != nil {
		return err
	}
	node, err := registry.Register(req)
	if err != nil {
		return err
	}
	if cfg.Hub {
		if err := registry.SetHub(node.NodeID, true); err != nil {
			return err
		}
	}
	logger.Info("node registered", slog.String("node_id", node.NodeID))
	return nil
}

// cleanupLoop periodically removes expired connection codes.
func cleanupLoop(ctx context.Context, store *codes.Store, logger *slog.Logger) {
	ticker := time.NewTicker(codeCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupExpired()
			if err != nil {
				logger.Warn("expired code cleanup failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Info("expired codes removed", slog.Int64("count", removed))
			}
		}
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/spf13/cobra"

	"github.com/hivemind-dhcp/hivemind/internal/api"
	"github.com/hivemind-dhcp/hivemind/internal/audit"
	"github.com/hivemind-dhcp/hivemind/internal/config"
	"github.com/hivemind-dhcp/hivemind/internal/dhcp"
	"github.com/hivemind-dhcp/hivemind/internal/events"
	"github.com/hivemind-dhcp/hivemind/internal/lease"
	"github.com/hivemind-dhcp/hivemind/internal/logging"
	"github.com/hivemind-dhcp/hivemind/internal/metrics"
	"github.com/hivemind-dhcp/hivemind/internal/pool"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lease server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "path to configuration file")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger.Info("hivemind starting",
		"version", version,
		"config", configPath,
		"hostname", cfg.Hostname,
		"subnets", len(cfg.Subnets),
		"store", cfg.Store.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewClock()
	store, err := openStore(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog, err := pool.NewCatalog(cfg.Subnets)
	if err != nil {
		return fmt.Errorf("building subnet catalog: %w", err)
	}
	for _, s := range catalog.Subnets() {
		logger.Info("subnet configured",
			"index", s.Index,
			"subnet", s.String(),
			"usable", s.Size(),
			"lease_time", s.LeaseTime.String())
	}

	bus := events.NewBus(cfg.Events.BufferSize, logger)
	go bus.Start()
	defer bus.Stop()

	if cfg.Events.NATSURL != "" {
		sink, err := events.ConnectNATS(cfg.Events.NATSURL, bus, cfg.Events.SubjectPrefix, cfg.Events.Types, logger)
		if err != nil {
			return err
		}
		go sink.Start()
		defer sink.Stop()
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = openAuditLog(cfg, store, bus, logger)
		if err != nil {
			return err
		}
		go auditLog.Start()
		defer auditLog.Stop()
	}

	leases := lease.NewManager(store, bus, logger).WithClock(clk)
	leases.StartGC(ctx, cfg.GetGCInterval())

	handler := dhcp.NewHandler(cfg, catalog, leases, bus, logger)
	if cfg.RateLimit.Enabled {
		handler.SetRateLimiter(dhcp.NewRateLimiter(true,
			cfg.RateLimit.MaxDiscoversPerSecond,
			cfg.RateLimit.MaxPerMACPerSecond,
			clk))
	}

	format, err := dhcp.ParseFormat(cfg.ReplyFormat)
	if err != nil {
		return err
	}
	server := dhcp.NewServer(handler, cfg.ListenAddress(), format, logger)
	if err := server.Start(ctx); err != nil {
		return err
	}

	var apiServer *api.Server
	if cfg.API.Listen != "" {
		opts := []api.ServerOption{api.WithVersion(version)}
		if auditLog != nil {
			opts = append(opts, api.WithAuditLog(auditLog))
		}
		apiServer = api.NewServer(cfg.API.Listen, catalog, leases, logger, opts...)
		ln, err := apiServer.Listen()
		if err != nil {
			server.Stop()
			return err
		}
		go func() {
			if err := apiServer.Serve(ln); err != nil {
				logger.Error("API server error", "error", err)
			}
		}()
	}

	metrics.ServerInfo.WithLabelValues(version).Set(1)
	metrics.ServerStartTime.Set(float64(time.Now().Unix()))
	metrics.SubnetsConfigured.Set(float64(catalog.Len()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Warn("API server shutdown", "error", err)
		}
	}
	server.Stop()

	if cfg.DumpOnExit {
		if err := config.Dump(cfg, configPath); err != nil {
			logger.Error("dumping configuration", "path", configPath, "error", err)
		} else {
			logger.Info("configuration dumped", "path", configPath)
		}
	}

	logger.Info("hivemind stopped", "event_drops", bus.Drops())
	return nil
}

// openStore opens the configured lease store backend. clk drives lazy expiry.
func openStore(ctx context.Context, cfg *config.Config, clk clock.Clock) (lease.Store, error) {
	sc := cfg.Store
	switch sc.Backend {
	case config.BackendMemory:
		slog.Warn("using in-memory lease store; leases are lost on restart")
		return lease.NewMemoryStore(clk), nil
	case config.BackendBolt:
		return lease.NewBoltStore(sc.Path, clk)
	case config.BackendRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return lease.DialRedis(dialCtx, sc.RedisAddr, sc.RedisPassword, sc.RedisDB, sc.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

// openAuditLog shares the lease database when both live in BoltDB and no
// separate audit path is configured.
func openAuditLog(cfg *config.Config, store lease.Store, bus *events.Bus, logger *slog.Logger) (*audit.Log, error) {
	if cfg.Audit.Path == "" {
		if bs, ok := store.(*lease.BoltStore); ok {
			return audit.NewLog(bs.DB(), bus, logger)
		}
	}
	return audit.OpenLog(cfg.Audit.Path, bus, logger)
}

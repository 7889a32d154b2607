// Package main provides the CLI entry point for the SOCKS5 ACL proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/acl"
	"github.com/nabbar/socks5-acl-proxy/internal/config"
	"github.com/nabbar/socks5-acl-proxy/internal/logging"
	"github.com/nabbar/socks5-acl-proxy/internal/metrics"
	"github.com/nabbar/socks5-acl-proxy/internal/qos"
	"github.com/nabbar/socks5-acl-proxy/internal/resolver"
	"github.com/nabbar/socks5-acl-proxy/internal/session"
	"github.com/nabbar/socks5-acl-proxy/internal/socks5"
	"github.com/nabbar/socks5-acl-proxy/internal/telemetry"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "socks5-proxy",
		Short:   "SOCKS5 proxy with ACL, QoS shaping, and session observability",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy server",
		Long:  "Load configuration and ACL documents, wire the protocol, ACL, QoS and session engines, and serve SOCKS5 connections until terminated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults built in if omitted)")
	return cmd
}

func validateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and ACL documents without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if _, err := config.LoadACL(cfg.ACL.ConfigPath); err != nil {
				return fmt.Errorf("acl: %w", err)
			}
			fmt.Println("configuration and acl document are valid")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// runServer wires every collaborator the protocol engine dispatches to
// and blocks until SIGINT/SIGTERM.
func runServer(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	log.Info("starting socks5 proxy", logging.KeyComponent, "main", "listen", cfg.Server.ListenAddress)

	aclCfg, err := config.LoadACL(cfg.ACL.ConfigPath)
	if err != nil {
		log.Warn("failed to load acl document, starting with deny-all default", logging.KeyError, err.Error())
		aclCfg = &acl.Config{}
	}

	m := metrics.NewMetrics()

	aclEngine, err := acl.NewEngine(aclCfg)
	if err != nil {
		return fmt.Errorf("acl engine: %w", err)
	}

	qosEngine, err := qos.NewEngine(&cfg.QoS, m)
	if err != nil {
		return fmt.Errorf("qos engine: %w", err)
	}

	store := session.NewMemStore(10000)
	batch := session.NewBatchWriter(store, cfg.SessionBatchConfig(), log, m)
	batch.Start()
	defer batch.Shutdown()

	registry := session.NewRegistry(batch, m)
	history := session.NewHistory(cfg.Session.HistoryMaxSnapshots, cfg.Session.HistoryMaxAge)

	res := resolver.New(m)
	pool := resolver.NewPool(cfg.PoolResolverConfig(), defaultDialer, m)

	tele := telemetry.NewHistory(cfg.Telemetry.MaxEvents, cfg.Telemetry.MaxAge)

	srv := socks5.NewServer(socks5.ServerConfig{
		Address:          cfg.Server.ListenAddress,
		MaxConnections:   cfg.Server.MaxConnections,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		IdleTimeout:      cfg.Server.IdleTimeout,
		Authenticators: socks5.BuildAuthenticators(
			cfg.Server.Auth.Enabled, cfg.Server.Auth.Required,
			cfg.Server.Auth.HashedUsers, cfg.Server.Auth.Users,
		),
		ACL:              aclEngine,
		QoS:              qosEngine,
		Sessions:         registry,
		Resolver:         res,
		Pool:             pool,
		Telemetry:        tele,
		Metrics:          m,
		Log:              log,
		BindConfig: socks5.BindConfig{
			ExternalBindAddr: cfg.Server.ExternalBindAddr,
		},
		EnableUDP: cfg.Server.EnableUDP,
	})

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info("listening", logging.KeyComponent, "socks5", "addr", srv.Address().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go session.StartCollector(ctx, registry, history, store, cfg.Session.CollectorInterval, log)

	if cfg.ACL.ReloadOnChange && cfg.ACL.ReloadInterval > 0 {
		go pollACLReload(ctx, cfg.ACL.ConfigPath, cfg.ACL.ReloadInterval, aclEngine, m, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.StopWithContext(shutdownCtx); err != nil {
		log.Error("shutdown error", logging.KeyError, err.Error())
		return err
	}

	log.Info("stopped", "stats", registry.GetStats(0).Summary())
	return nil
}

// pollACLReload re-reads the ACL document on a fixed interval and
// publishes it via Reload. A filesystem watcher would push changes
// immediately; interval polling is the dependency-free fallback when
// none is wired in.
func pollACLReload(ctx context.Context, path string, interval time.Duration, e *acl.Engine, m *metrics.Metrics, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := config.LoadACL(path)
			if err != nil {
				log.Warn("acl reload: read failed", logging.KeyError, err.Error())
				m.RecordACLReload(err)
				continue
			}
			if err := e.Reload(cfg); err != nil {
				log.Warn("acl reload: validation failed, keeping previous snapshot", logging.KeyError, err.Error())
				m.RecordACLReload(err)
				continue
			}
			m.RecordACLReload(nil)
		}
	}
}

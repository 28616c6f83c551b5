package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rhpman/rhpman-sim/internal/daemon"
	"github.com/rhpman/rhpman-sim/internal/rhpconfig"
	"github.com/rhpman/rhpman-sim/internal/rhpman/engine"
	"github.com/rhpman/rhpman-sim/internal/rhpman/telemetry"
	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
	"github.com/rhpman/rhpman-sim/internal/watchdog"
	"github.com/rhpman/rhpman-sim/pkg/routing"
	"github.com/rhpman/rhpman-sim/pkg/scheduler"
)

// serveRuntime adapts a running node to daemon.RuntimeInfo, mirroring
// the teacher's serveRuntime adapter in cmd/peerup's daemon command.
type serveRuntime struct {
	eng        *engine.Engine
	configFile string
	version    string
	startTime  time.Time
}

func (rt *serveRuntime) Engine() *engine.Engine { return rt.eng }
func (rt *serveRuntime) ConfigFile() string     { return rt.configFile }
func (rt *serveRuntime) Version() string        { return rt.version }
func (rt *serveRuntime) StartTime() time.Time   { return rt.startTime }

func daemonPaths(cfgFile string) (socketPath, cookiePath string) {
	dir := filepath.Dir(cfgFile)
	return filepath.Join(dir, ".rhpman.sock"), filepath.Join(dir, ".rhpman.cookie")
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		osExit(1)
		return
	}

	if err := doServe(*configFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doServe(configFlag string) error {
	cfgFile, err := rhpconfig.FindConfigFile(configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if deadline, err := rhpconfig.CheckPending(cfgFile); err == nil && !deadline.IsZero() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go rhpconfig.EnforceCommitConfirmed(ctx, cfgFile, deadline, osExit)
	}

	cfg, err := rhpconfig.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	rhpconfig.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))
	if err := rhpconfig.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fmt.Printf("rhpman-sim %s (%s)\n", version, commit)

	routingCfg, err := cfg.ToRoutingConfig()
	if err != nil {
		return fmt.Errorf("routing config: %w", err)
	}
	log := slog.Default()
	network, err := routing.New(routingCfg, log)
	if err != nil {
		return fmt.Errorf("failed to start routing: %w", err)
	}
	defer network.Close()

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		nodeID, err := network.OwnNodeID()
		if err != nil {
			return fmt.Errorf("resolve node ID: %w", err)
		}
		metrics = telemetry.NewMetrics(fmt.Sprintf("%d", nodeID), version)
	}

	engineCfg, err := cfg.ToEngineConfig()
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	engineCfg.Metrics = metrics

	sched := scheduler.New()
	defer scheduler.StopAll(sched)

	eng := engine.New(engineCfg, sched, network, log)
	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Stop()

	if err := rhpconfig.Archive(cfgFile); err != nil {
		slog.Warn("failed to archive config after successful start", "error", err)
	}

	rt := &serveRuntime{eng: eng, configFile: cfgFile, version: version, startTime: time.Now()}

	socketPath, cookiePath := daemonPaths(cfgFile)
	srv := daemon.NewServer(rt, socketPath, cookiePath)
	srv.SetMetrics(metrics)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start daemon API: %w", err)
	}
	defer srv.Stop()

	fmt.Printf("Daemon API: %s\n", socketPath)

	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:    cfg.Telemetry.Metrics.ListenAddress,
			Handler: metrics.Handler(),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
		fmt.Printf("Metrics: http://%s/metrics\n", cfg.Telemetry.Metrics.ListenAddress)
		defer metricsServer.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchdog.Run(ctx, watchdog.Config{Interval: 10 * time.Second}, []watchdog.HealthCheck{
		{Name: "engine-running", Check: func() error {
			if eng.State() != types.Running {
				return fmt.Errorf("engine state is %s, want %s", eng.State(), types.Running)
			}
			return nil
		}},
		{Name: "replica-set", Check: func() error {
			if eng.Role() == types.Replicating && eng.ReplicaCount() == 0 && eng.NeighborCount() > 0 {
				return fmt.Errorf("replicating node has neighbors but no replica peers")
			}
			return nil
		}},
	})
	watchdog.Ready()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case <-srv.ShutdownCh():
		fmt.Println("\nShutdown requested via API")
	}

	watchdog.Stopping()
	return nil
}

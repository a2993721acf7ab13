package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/vim/pkg/api"
	"github.com/cuemby/vim/pkg/config"
	"github.com/cuemby/vim/pkg/director"
	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/executor"
	"github.com/cuemby/vim/pkg/fleet"
	"github.com/cuemby/vim/pkg/health"
	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/notify"
	"github.com/cuemby/vim/pkg/storage"
	"github.com/spf13/cobra"
)

// HostNotifyType is the notify-type carrying a host PATCH body
const HostNotifyType = "host-state-change"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration engine",
	Long:  `Run the engine in the foreground.

The engine loads any persisted strategy and resumes it, audits the fleet
periodically, and serves the orchestration API, the host notification
hooks and the notification channel until interrupted.`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Path to the YAML configuration file")
	runCmd.Flags().String("data-dir", "", "Override the data directory")
	runCmd.Flags().String("log-level", "", "Override the log level (debug, info, warn, error)")
}

func runEngine(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(cfg.LogSettings())
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return err
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(cfg.Audit.TickInterval)
	table := fleet.NewTable()
	bus.Subscribe(table.HandleEvent)

	kube, err := nfvi.NewKubeClient(cfg.Kubernetes, cfg.NFVITimeouts)
	if err != nil {
		logger.Warn().Err(err).Msg("Kubernetes unavailable, kubernetes steps will fail")
	}
	client := nfvi.New(cfg, &http.Client{Timeout: cfg.NFVITimeouts.Default}, kube)
	dispatcher := nfvi.AsyncDispatcher{Ctx: ctx, Poster: bus}

	auditor := fleet.NewAuditor(client, table, bus, dispatcher, cfg.Audit.FleetInterval)
	bus.OnTick(auditor.OnTick)

	dir := director.New(client, table, dispatcher, bus)
	exec := executor.New(store, bus, dir, table, nil)
	if err := exec.Start(); err != nil {
		return err
	}
	bus.Start()
	bus.Post(auditor.Audit)

	hooks := api.NewHooks()
	hooks.Register(api.HookDelete, func(_ api.Hook, req *api.HostRequest) bool {
		used, err := exec.HostInUse(req.HostName)
		if err != nil {
			logger.Warn().Err(err).Str("host", req.HostName).Msg("Cannot tell whether host is in use")
			return false
		}
		return !used
	})

	server := api.NewServer(api.Config{HTTPAddr: cfg.API.HTTPAddr, GRPCAddr: cfg.API.GRPCAddr}, exec, table, bus, hooks)
	if err := server.Start(); err != nil {
		bus.Stop()
		return err
	}

	var notifier *notify.Server
	if cfg.API.NotifyAddr != "" {
		notifier = notify.NewServer(cfg.API.NotifyAddr)
		notifier.Register(HostNotifyType, func(data json.RawMessage) error {
			var req api.HostRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("invalid host notification: %w", err)
			}
			hook, err := req.PatchHook()
			if err != nil {
				return err
			}
			_, err = server.ApplyHost(hook, &req)
			return err
		})
		if err := notifier.Start(); err != nil {
			logger.Error().Err(err).Msg("Notification listener failed to start")
			notifier = nil
		}
	}

	probes := health.NewMonitor(health.Config{
		Interval: cfg.Probes.Interval,
		Timeout:  cfg.Probes.Timeout,
		Retries:  cfg.Probes.Retries,
	})
	if cfg.Probes.Enabled {
		if cfg.OpenStack.AuthURL != "" {
			probes.Add("keystone", health.NewHTTPChecker(cfg.OpenStack.AuthURL))
		}
		for service, url := range cfg.OpenStack.Endpoints {
			probes.Add(service, health.NewHTTPChecker(url))
		}
		if notifier != nil {
			probes.Add("notify", health.NewListenerChecker(notifier.Addr().String()))
		}
		probes.Start()
	}

	collector := metrics.NewCollector(table, cfg.Audit.FleetInterval)
	collector.Start()

	logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Str("api", cfg.API.HTTPAddr).
		Msg("Engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	if notifier != nil {
		_ = notifier.Stop()
	}
	probes.Stop()
	collector.Stop()
	bus.Stop()
	cancel()

	logger.Info().Msg("Shutdown complete")
	return nil
}

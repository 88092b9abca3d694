// Package main — cmd/agentrund/main.go
//
// agentrund entrypoint: the local-host orchestration supervisor for
// AI-agent teams and pipelines.
//
// Startup sequence:
//  1. Load and validate config from /etc/agentrund/config.yaml.
//  2. Initialise structured logger (zap; JSON or console format from config).
//  3. Open the admission event log.
//  4. Start the Prometheus metrics server (127.0.0.1:9091).
//  5. Construct the pressure reader and admission controller.
//  6. Start the operator control-plane socket server.
//  7. Register SIGHUP handler for config hot-reload.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to every goroutine and in-flight
//     delegation runner).
//  2. Stop the operator and metrics servers.
//  3. Close the admission controller (dedup cache) and the pressure reader.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/phrazzld/agentrund/internal/admission"
	"github.com/phrazzld/agentrund/internal/catalog"
	"github.com/phrazzld/agentrund/internal/config"
	"github.com/phrazzld/agentrund/internal/eventlog"
	"github.com/phrazzld/agentrund/internal/governor"
	"github.com/phrazzld/agentrund/internal/health"
	"github.com/phrazzld/agentrund/internal/invoke"
	"github.com/phrazzld/agentrund/internal/model"
	"github.com/phrazzld/agentrund/internal/observability"
	"github.com/phrazzld/agentrund/internal/operator"
	"github.com/phrazzld/agentrund/internal/pipeline"
	"github.com/phrazzld/agentrund/internal/pressure"
	"github.com/phrazzld/agentrund/internal/recovery"
	"github.com/phrazzld/agentrund/internal/team"
)

func main() {
	configPath := flag.String("config", "/etc/agentrund/config.yaml", "Path to config.yaml")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("agentrund %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("agentrund starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := eventlog.Open(cfg.Admission.EventLogPath, cfg.Admission.MaxBytes, cfg.Admission.MaxBackups, log)
	if err != nil {
		log.Fatal("event log open failed", zap.Error(err))
	}
	defer events.Close() //nolint:errcheck

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	presReader := pressure.New(pressure.Config{
		LogPath:      cfg.Pressure.LogPath,
		FreshnessTTL: cfg.Pressure.FreshnessTTL,
		PollInterval: cfg.Pressure.PollInterval,
	}, log)
	presReader.Start(ctx)
	defer presReader.Close()

	admCfg := admission.Config{
		StatePath:        cfg.Admission.StatePath,
		DedupDBPath:      cfg.Admission.DedupDBPath,
		EventLogPath:     cfg.Admission.EventLogPath,
		MaxBytes:         cfg.Admission.MaxBytes,
		MaxBackups:       cfg.Admission.MaxBackups,
		MaxInFlightRuns:  cfg.Admission.MaxInFlightRuns,
		MaxInFlightSlots: cfg.Admission.MaxInFlightSlots,
		MaxDepth:         cfg.Admission.MaxDepth,
		RunLeaseTTL:      cfg.Admission.RunLeaseTTL,
		SlotLeaseTTL:     cfg.Admission.SlotLeaseTTL,
		BreakerCooldown:  cfg.Admission.BreakerCooldown,
		GapThreshold:     cfg.Admission.GapThreshold,
		GapResetQuiet:    cfg.Admission.GapResetQuiet,
		LockWait:         cfg.Admission.LockWait,
		LockStale:        cfg.Admission.LockStale,
	}
	adm, err := admission.New(admCfg, presReader, events, metrics, log)
	if err != nil {
		log.Fatal("admission controller init failed", zap.Error(err))
	}
	defer adm.Close() //nolint:errcheck
	log.Info("admission controller initialised", zap.String("statePath", cfg.Admission.StatePath))

	cat := catalog.New(cfg.Agent.TeamsFile, cfg.Agent.PipelinesFile, "/etc/agentrund/agents.user.yaml", "/etc/agentrund/agents.project.yaml")

	inv := invoke.New(invoke.Config{
		BinaryPath:   cfg.Agent.BinaryPath,
		TickInterval: cfg.Health.TickInterval,
		GraceTimeout: 5 * time.Second,
		KillTimeout:  5 * time.Second,
		Health: health.Config{
			WarnNoProgress:   cfg.Health.WarnNoProgress,
			AbortNoProgress:  cfg.Health.AbortNoProgress,
			AbortQuickTool:   cfg.Health.AbortQuickTool,
			AbortActiveTool:  cfg.Health.AbortActiveTool,
			ShortToolLatency: cfg.Health.ShortToolLatency,
			WedgedTicks:      cfg.Health.WedgedTicks,
			AbortEnabled:     cfg.Health.AbortEnabled,
		},
		Governor: governor.Config{
			Mode:           governor.Mode(cfg.Governor.Mode),
			Bands:          bandsFromConfig(cfg.Governor.BandThresholds, cfg.Governor.BandStrikeBudgets),
			Alpha:          cfg.Governor.Alpha,
			LoopThreshold:  cfg.Governor.LoopThreshold,
			ChurnThreshold: cfg.Governor.ChurnThreshold,
			CostBudgetUSD:  cfg.Governor.CostBudgetUSD,
			TokenBudget:    cfg.Governor.TokenBudget,
			EmergencyFuse:  cfg.Governor.EmergencyFuse,
		},
		Recovery: recovery.Config{
			MaxAttempts:             cfg.Recovery.MaxAttempts,
			BaseDelay:               cfg.Recovery.BaseDelay,
			MaxDelay:                cfg.Recovery.MaxDelay,
			AllowDegraded:           cfg.Recovery.AllowDegraded,
			MinDegradedOutputLength: cfg.Recovery.MinDegradedOutputLength,
		},
		Quorum: recovery.QuorumConfig{
			QuorumMin: cfg.Recovery.QuorumMin,
			TTL:       cfg.Recovery.QuorumTTL,
		},
		Caller:  "master",
		Counter: adm,
	}, metrics, log)

	teamExec := team.New(team.Config{MaxConcurrency: cfg.Agent.MaxTeamConcurrency}, adm, cat, invoke.TeamAdapter{Invoker: inv}, metrics, log)
	pipelineExec := pipeline.New(adm, cat, invoke.PipelineAdapter{Invoker: inv}, metrics, log)

	var opServer *operator.Server
	if cfg.Operator.Enabled {
		opServer = operator.NewServer(cfg.Operator.SocketPath, adm, teamExec, pipelineExec, log)
		go func() {
			if err := opServer.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket listening", zap.String("path", cfg.Operator.SocketPath))
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// The reloaded config is validated and logged, but components
			// built at startup keep the values they were constructed with;
			// no setting takes effect until a restart.
			cfg = newCfg
			log.Info("config hot-reload successful",
				zap.String("governor_mode", cfg.Governor.Mode),
				zap.Float64("governor_alpha", cfg.Governor.Alpha))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	if opServer != nil {
		time.Sleep(200 * time.Millisecond) // let GracefulStop observe ctx cancellation
	}

	log.Info("agentrund shutdown complete")
}

func bandsFromConfig(thresholds map[string]float64, strikes map[string]int) map[model.GovernorBand]governor.BandConfig {
	out := make(map[model.GovernorBand]governor.BandConfig, len(thresholds))
	for band, threshold := range thresholds {
		out[model.GovernorBand(band)] = governor.BandConfig{
			Threshold:    threshold,
			StrikeBudget: strikes[band],
		}
	}
	return out
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}

// Package main is the entry point for the Stratum mining server.
// It handles configuration loading, logger initialization, wiring of
// the node RPC client, template manager, job manager, optional DarwinX
// scorer and TCP server, and graceful shutdown.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/darwinx/stratumd/internal/config"
	"github.com/darwinx/stratumd/internal/ledger"
	"github.com/darwinx/stratumd/internal/mining"
	"github.com/darwinx/stratumd/internal/protocol"
	"github.com/darwinx/stratumd/internal/rpcclient"
	"github.com/darwinx/stratumd/internal/scorer"
	"github.com/darwinx/stratumd/internal/server"
	"github.com/darwinx/stratumd/internal/storage"
	"github.com/darwinx/stratumd/internal/submit"
	"github.com/darwinx/stratumd/internal/template"
	"github.com/darwinx/stratumd/internal/worker"
	"github.com/darwinx/stratumd/pkg/codec"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Stratum mining server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payoutScript, err := codec.ScriptPubKeyFromBech32(cfg.Payout.Address)
	if err != nil {
		logger.Fatal("Invalid payout address", zap.Error(err))
	}

	redisStorage, err := storage.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisStorage.Close()

	pgStorage, err := storage.NewPostgresClient(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgStorage.Close()

	rpcClient := rpcclient.New(rpcclient.Config{
		Host:            cfg.RPC.Host,
		Port:            cfg.RPC.Port,
		User:            cfg.RPC.User,
		Pass:            cfg.RPC.Pass,
		CookiePath:      cfg.RPC.CookiePath,
		Wallet:          cfg.RPC.Wallet,
		TemplateTimeout: cfg.RPC.TemplateTimeout,
		SubmitTimeout:   cfg.RPC.SubmitTimeout,
	}, logger)

	templateManager := template.New(rpcClient, cfg.Template.RefreshInterval, logger)
	if err := templateManager.Bootstrap(ctx); err != nil {
		logger.Fatal("Failed to fetch initial block template", zap.Error(err))
	}

	roundLedger, err := ledger.New(ctx, pgStorage, logger)
	if err != nil {
		logger.Fatal("Failed to initialize round ledger", zap.Error(err))
	}

	submitter := submit.New(rpcClient, logger)

	jobManager := mining.NewJobManager(cfg.Mining, logger)
	shareValidator := mining.NewShareValidator(cfg.Mining, logger, redisStorage, roundLedger, jobManager, submitter)

	workerManager := worker.NewManager(logger, redisStorage, pgStorage, protocol.DifficultyConfig{
		InitialDifficulty: cfg.Mining.InitialDifficulty,
		MinDifficulty:     cfg.Mining.MinDifficulty,
		MaxDifficulty:     cfg.Mining.MaxDifficulty,
		TargetShareTime:   cfg.Mining.TargetShareTime,
		RetargetTime:      cfg.Mining.RetargetTime,
		VariancePercent:   cfg.Mining.VariancePercent,
	})

	var darwinx *scorer.Engine
	if cfg.Scorer.Enabled {
		darwinx = scorer.New(cfg.Scorer, logger, templateManager, payoutScript, cfg.Mining.PoolTag,
			cfg.Mining.Extranonce1Size, cfg.Mining.Extranonce2Size)
	}

	srv, err := server.New(cfg.Server, logger, workerManager, jobManager, shareValidator)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return templateManager.Run(groupCtx)
	})

	group.Go(func() error {
		return watchTemplates(groupCtx, templateManager, jobManager, roundLedger, payoutScript, logger)
	})

	if darwinx != nil {
		group.Go(func() error {
			return darwinx.Run(groupCtx)
		})
	}

	group.Go(func() error {
		return srv.Start(groupCtx)
	})

	if cfg.Server.Metrics.Enabled {
		group.Go(func() error {
			return srv.StartMetricsServer()
		})
	}

	group.Go(func() error {
		return cleanupLoop(groupCtx, workerManager)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-groupCtx.Done():
		logger.Warn("Background task exited, shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Warn("Background task returned an error", zap.Error(err))
	}

	logger.Info("Server shutdown complete")
}

// watchTemplates reacts to round changes by opening a fresh ledger
// round and minting the first job of the new round. Subsequent jobs
// for the same round are minted by the caller of mining.submit's
// sibling paths (vardiff retarget, periodic renotify) via the job
// manager's own CreateJob calls; this loop only owns round-boundary
// jobs.
func watchTemplates(ctx context.Context, tm *template.Manager, jm *mining.JobManager, lg *ledger.Ledger, payoutScript []byte, logger *zap.Logger) error {
	snapshots := tm.Subscribe()
	lane := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-snapshots:
			networkDifficulty := 0.0
			if raw, err := hex.DecodeString(snap.Bits); err == nil && len(raw) == 4 {
				bits := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
				networkDifficulty = protocol.CompactToDifficulty(bits)
			}
			if _, err := lg.EnsureRound(ctx, snap.PreviousBlockHash, networkDifficulty); err != nil {
				logger.Error("failed to open round", zap.Error(err))
				continue
			}
			if _, err := jm.CreateJob(snap, payoutScript, lane); err != nil {
				logger.Error("failed to create job for new round", zap.Error(err))
			}
		}
	}
}

func cleanupLoop(ctx context.Context, wm *worker.Manager) error {
	wm.StartCleanupRoutine(ctx, time.Minute, 10*time.Minute)
	return ctx.Err()
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logger, nil
}

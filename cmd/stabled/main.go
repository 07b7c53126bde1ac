package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"stablecore/config"
	"stablecore/core"
	"stablecore/core/types"
	"stablecore/observability"
	"stablecore/observability/logging"
	"stablecore/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("STBL_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("stabled", env, cfg.LogFile)

	genesis, err := cfg.Genesis()
	if err != nil {
		logger.Error("Invalid genesis parameters", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	protocol := core.NewProtocol(db, core.Options{
		StableCurrency:  types.CurrencyID(cfg.StableCurrency),
		NativeCurrency:  types.CurrencyID(cfg.NativeCurrency),
		UnwindBatchSize: cfg.UnwindBatchSize,
		Logger:          logger,
	})
	if err := protocol.ApplyGenesis(genesis); err != nil {
		logger.Error("Failed to apply genesis parameters", slog.Any("error", err))
		os.Exit(1)
	}

	height, err := protocol.LastFinalizedHeight()
	if err != nil {
		logger.Error("Failed to read last finalized height", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddress != "" {
		observability.Risk()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("stabled started",
		slog.String("dataDir", cfg.DataDir),
		slog.Uint64("height", height),
		slog.Int("blockIntervalSeconds", cfg.BlockIntervalSeconds),
	)

	ticker := time.NewTicker(time.Duration(cfg.BlockIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stabled stopping", slog.Uint64("height", height))
			return
		case <-ticker.C:
			height++
			if err := protocol.FinalizeBlock(height); err != nil {
				logger.Error("Block finalization failed",
					slog.Uint64("height", height),
					slog.Any("error", err),
				)
				os.Exit(1)
			}
		}
	}
}

// Package main is the entry point for the Stratum V2 Job Declarator
// Client. It handles configuration loading, logger initialization,
// component wiring, and graceful shutdown.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devvaansh/sv2-jdc/internal/bus"
	"github.com/devvaansh/sv2-jdc/internal/config"
	"github.com/devvaansh/sv2-jdc/internal/dashboard"
	"github.com/devvaansh/sv2-jdc/internal/events"
	"github.com/devvaansh/sv2-jdc/internal/jd"
	"github.com/devvaansh/sv2-jdc/internal/node"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
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

	logger.Info("starting Job Declarator Client",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outputs, err := coinbaseOutputs(cfg.JDC)
	if err != nil {
		logger.Fatal("invalid coinbase_outputs", zap.Error(err))
	}

	hashNonce, err := randomHashNonce()
	if err != nil {
		logger.Fatal("failed to sample hash nonce", zap.Error(err))
	}

	eventBus := bus.New(logger)

	templateSource := node.New(cfg.Node, outputs, eventBus, logger)
	poolClient := jd.New(jd.Config{
		PoolAddress: cfg.Pool.Address,
		HashNonce:   hashNonce,
	}, eventBus, logger)
	dash := dashboard.New(logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return templateSource.Run(gctx) })
	g.Go(func() error { return poolClient.Run(gctx) })
	g.Go(func() error { return dash.Run(gctx, eventBus) })

	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: promhttp.Handler(),
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
		go func() {
			logger.Info("metrics server started", zap.Int("port", cfg.Metrics.Port))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	eventBus.Publish(events.NewSimple(events.Shutdown))

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(5 * time.Second):
		logger.Warn("shutdown timeout, abandoning unfinished tasks")
	}
}

// coinbaseOutputs decodes the configured hex scripts into the recommended
// coinbase outputs the Template Source advertises.
func coinbaseOutputs(cfg config.JDCConfig) ([]events.CoinbaseOut, error) {
	outputs := make([]events.CoinbaseOut, 0, len(cfg.CoinbaseOutputs))
	for _, o := range cfg.CoinbaseOutputs {
		script, err := o.Bytes()
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, events.CoinbaseOut{Value: o.Value, ScriptPubKey: script})
	}
	return outputs, nil
}

// randomHashNonce samples the per-process salt used by calc_short_hash. It
// is drawn once at startup and reused across every session this process
// runs, never persisted and never re-sampled mid-process.
func randomHashNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
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

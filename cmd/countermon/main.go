// Package main is the entry point for countermon. It loads the host and
// counter configuration, discovers counters, and polls them on a fixed
// interval, either as a Windows service or as a foreground process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vitalis-app/countermon/internal/config"
	"github.com/vitalis-app/countermon/internal/counter/mbean"
	"github.com/vitalis-app/countermon/internal/counter/perfmon"
	"github.com/vitalis-app/countermon/internal/discovery"
	"github.com/vitalis-app/countermon/internal/sampler"
	"github.com/vitalis-app/countermon/internal/scheduler"
	"github.com/vitalis-app/countermon/internal/service"
	"github.com/vitalis-app/countermon/internal/setup"
	"github.com/vitalis-app/countermon/internal/sink"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	opt, err := parseCLI(os.Args[1:])
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opt.Version {
		fmt.Printf("countermon %s\n", version)
		return
	}

	if opt.Topology != "" {
		n, err := setup.WriteTopologyConfig(opt.Topology, opt.TopologyOut, opt.Cluster)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to build configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %d hosts to %s\n", n, opt.TopologyOut)
		return
	}

	cfg, err := loadConfig(opt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Warn("Failed to set GOMAXPROCS", zap.Error(err))
	}

	logger.Info("Starting countermon",
		zap.String("version", version),
		zap.Int("hosts", cfg.HostCount()),
		zap.String("output", cfg.Output.Mode))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if service.IsWindowsService() {
		logger.Info("Running as Windows service")
		// Leave room for the sink to close after the scheduler stops.
		svc := service.New(logger, cfg.ShutdownTimeout.Duration+5*time.Second, func(ctx context.Context) {
			if err := run(ctx, cfg, logger, false); err != nil {
				logger.Error("Agent failed", zap.Error(err))
			}
		})
		if err := svc.Run(); err != nil {
			logger.Fatal("Service failed", zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down",
			zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, logger, opt.Once); err != nil {
		logger.Fatal("Agent failed", zap.Error(err))
	}
	logger.Info("Agent stopped")
}

func loadConfig(opt *Option) (*config.Config, error) {
	cli := config.CLIOverrides{OutputMode: opt.Output}
	if opt.Debug {
		cli.LogLevel = "debug"
	}
	if opt.Config != "" {
		return config.LoadLayered(cli, embeddedConfig, opt.Config)
	}
	return config.LoadLayered(cli, embeddedConfig)
}

// run wires discovery, sampling and the sink together. With once set it runs
// a single cycle; otherwise it polls until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, once bool) error {
	counters, err := config.LoadCounterConfig(cfg.CountersFile)
	if err != nil {
		return err
	}

	hosts := cfg.BuildRegistry(ctx, nil, logger.Named("config"))
	deps := discovery.Deps{
		Facility: perfmon.DefaultFacility(logger.Named("perfmon")),
		Dialer: mbean.NewJolokiaDialer(
			cfg.MBean.ServicePath,
			cfg.MBean.Timeout.Duration,
			cfg.MBean.Username,
			cfg.MBean.Password,
		),
		Logger: logger.Named("discovery"),
	}
	loader := discovery.NewLoader(counters, hosts, cfg.Sampling.Backends, deps)
	logger.Info("Counter backends", zap.Strings("readers", loader.Readers()))

	smp, err := sampler.New(ctx, loader, sampler.Options{
		TableName:   cfg.TableName,
		Parallelism: cfg.Sampling.Parallelism,
		Logger:      logger.Named("sampler"),
	})
	if err != nil {
		return fmt.Errorf("creating sampler: %w", err)
	}
	defer func() {
		if err := smp.Close(); err != nil {
			logger.Warn("Error releasing counters", zap.Error(err))
		}
	}()

	writer, err := sink.New(ctx, cfg, logger.Named("sink"))
	if err != nil {
		return fmt.Errorf("creating %s sink: %w", cfg.Output.Mode, err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Warn("Error closing sink", zap.Error(err))
		}
	}()

	if hw, ok := writer.(*sink.HTTPWriter); ok {
		if err := hw.FlushBuffer(ctx); err != nil {
			logger.Warn("Failed to flush buffered batches", zap.Error(err))
		}
	}

	sched := scheduler.New(smp, writer, cfg.PollInterval.Duration, logger.Named("scheduler"))
	if once {
		return sched.RunOnce(ctx)
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info("Agent running",
		zap.Duration("poll_interval", cfg.PollInterval.Duration),
		zap.String("writer", writer.Name()))

	<-ctx.Done()
	sched.Stop(cfg.ShutdownTimeout.Duration)
	return nil
}

// initLogger creates a zap logger based on the configuration.
// It outputs to both console (human-readable) and optionally a JSON log file.
func initLogger(cfg *config.Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.Logging.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.AddSync(os.Stdout),
			level,
		),
	}

	if cfg.Logging.File != "" {
		file, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				level,
			))
		}
	}

	return zap.New(zapcore.NewTee(cores...))
}

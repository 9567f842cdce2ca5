package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/coordinator"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	rootCmd = &cobra.Command{
		Use:   "coordinator",
		Short: "benchfleet coordinator - work queue and device registry for benchmark agents",
		Long: `The benchfleet coordinator keeps the device registry, task queue, control
commands and recurring schedules, and serves them to polling agents over HTTP.`,
		RunE: run,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file path")
	flags.String("data-dir", "/var/lib/benchfleet", "Data directory for the embedded store and packages")
	flags.String("bind-addr", "0.0.0.0:8080", "HTTP API bind address")
	flags.String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address (empty disables)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	flags.String("store-driver", string(store.DriverSQLite), "Store driver (sqlite, mysql, postgres)")
	flags.String("store-dsn", "", "Store DSN (defaults to <data-dir>/benchfleet.db for sqlite)")
	flags.String("package-dir", "", "Directory of software packages (defaults to <data-dir>/packages)")

	flags.Duration("stale-threshold", 5*time.Minute, "Mark devices offline after this long without a heartbeat")
	flags.Duration("sweep-interval", time.Minute, "Liveness sweep interval")
	flags.Duration("scheduler-interval", 10*time.Second, "Scheduler evaluation interval")
	flags.String("claim-mode", string(api.ClaimShared), "Task claim mode (shared, exclusive)")
	flags.Float64("rate-limit", 50, "Per-client requests per second (0 disables)")
	flags.Int("rate-burst", 100, "Per-client burst")
	flags.Int("event-buffer", 10000, "Number of domain events kept in memory")

	flags.Bool("tracing-enabled", false, "Export traces over OTLP gRPC")
	flags.String("tracing-endpoint", "localhost:4317", "OTLP collector endpoint")
	flags.Float64("tracing-sample-rate", 0.1, "Trace sample rate (0..1)")
	flags.Bool("tracing-insecure", true, "Disable TLS to the collector")

	for _, name := range []string{
		"config", "data-dir", "bind-addr", "metrics-addr", "log-level",
		"store-driver", "store-dsn", "package-dir",
		"stale-threshold", "sweep-interval", "scheduler-interval", "claim-mode",
		"rate-limit", "rate-burst", "event-buffer",
	} {
		_ = viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
	_ = viper.BindPFlag("tracing.enabled", flags.Lookup("tracing-enabled"))
	_ = viper.BindPFlag("tracing.endpoint", flags.Lookup("tracing-endpoint"))
	_ = viper.BindPFlag("tracing.sample_rate", flags.Lookup("tracing-sample-rate"))
	_ = viper.BindPFlag("tracing.insecure", flags.Lookup("tracing-insecure"))

	viper.SetEnvPrefix("BENCHFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("benchfleet coordinator\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	logger, err := observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting benchfleet coordinator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        viper.GetBool("tracing.enabled"),
		Endpoint:       viper.GetString("tracing.endpoint"),
		ServiceName:    "benchfleet-coordinator",
		ServiceVersion: Version,
		SampleRate:     viper.GetFloat64("tracing.sample_rate"),
		Insecure:       viper.GetBool("tracing.insecure"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	config := &coordinator.Config{
		DataDir:           viper.GetString("data_dir"),
		BindAddr:          viper.GetString("bind_addr"),
		MetricsAddr:       viper.GetString("metrics_addr"),
		Logger:            logger,
		StoreDriver:       store.Driver(viper.GetString("store_driver")),
		StoreDSN:          viper.GetString("store_dsn"),
		PackageDir:        viper.GetString("package_dir"),
		StaleThreshold:    viper.GetDuration("stale_threshold"),
		SweepInterval:     viper.GetDuration("sweep_interval"),
		SchedulerInterval: viper.GetDuration("scheduler_interval"),
		ClaimMode:         api.ClaimMode(viper.GetString("claim_mode")),
		RateLimit:         viper.GetFloat64("rate_limit"),
		RateBurst:         viper.GetInt("rate_burst"),
		EventBufferSize:   viper.GetInt("event_buffer"),
	}

	coord, err := coordinator.New(config)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	logger.Info("Coordinator listening", zap.String("addr", coord.Addr()))

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Starting graceful shutdown...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping coordinator", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping tracer provider", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

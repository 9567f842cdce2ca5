package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/benchfleet/benchfleet/pkg/agent"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// restartExitCode tells the service supervisor to start a fresh process
const restartExitCode = 3

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	errRestartRequested = errors.New("restart requested by coordinator")

	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "benchfleet agent - polls the coordinator and runs benchmark tasks",
		Long: `The benchfleet agent runs on each workstation. It registers with the
coordinator, polls for tasks and control commands, provisions the software a
task needs, runs it while sampling resource usage, and reports the results.`,
		RunE: run,
	}
)

// liveKeys are the settings update_config may change
var liveKeys = map[string]bool{
	"coordinator_url":       true,
	"device_name":           true,
	"log_level":             true,
	"idle_interval":         true,
	"busy_interval":         true,
	"command_interval":      true,
	"metrics_push_interval": true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file path (watched for changes)")
	flags.String("data-dir", "/var/lib/benchfleet-agent", "Data directory for downloads and scratch files")
	flags.String("install-dir", "", "Default software install directory (defaults to <data-dir>/software)")
	flags.String("coordinator-url", "http://localhost:8080", "Coordinator base URL")
	flags.String("metrics-addr", "0.0.0.0:9091", "Metrics server bind address (empty disables)")
	flags.String("device-name", "", "Device display name (defaults to the hostname)")
	flags.String("mac-address", "", "Override the detected MAC address")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Duration("idle-interval", 10*time.Second, "Poll interval while idle")
	flags.Duration("busy-interval", 60*time.Second, "Heartbeat interval while running a task")
	flags.Duration("command-interval", 5*time.Second, "Control command poll interval")
	flags.Duration("metrics-push-interval", 0, "Push partial samples while running (0 sends them on completion)")
	flags.Uint("retry-attempts", 3, "Attempts per coordinator call")
	flags.Duration("retry-delay", 2*time.Second, "Delay between attempts")
	flags.Float64("rate-limit", 20, "Coordinator requests per second")

	for _, name := range []string{
		"config", "data-dir", "install-dir", "coordinator-url", "metrics-addr", "device-name",
		"mac-address", "log-level", "idle-interval", "busy-interval", "command-interval",
		"metrics-push-interval", "retry-attempts", "retry-delay", "rate-limit",
	} {
		_ = viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	viper.SetEnvPrefix("BENCHFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("benchfleet agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Print the hardware snapshot and usage this agent would report",
		RunE:  inspect,
	})
}

func main() {
	err := rootCmd.Execute()
	if errors.Is(err, errRestartRequested) {
		os.Exit(restartExitCode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfigFile() error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if err := loadConfigFile(); err != nil {
		return err
	}

	logger, level, err := observability.NewLeveledLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting benchfleet agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	reload := make(chan struct{}, 1)
	notify := func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	}
	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			if e.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				notify()
			}
		})
		viper.WatchConfig()
	}

	agent.Version = Version
	for {
		a, err := agent.New(buildConfig(logger, notify))
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("failed to start agent: %w", err)
		}

		rebuild, result := supervise(a, logger, level, sigChan, reload, notify)
		stopAgent(a, logger)
		if !rebuild {
			logger.Info("Shutdown complete")
			return result
		}
		logger.Info("Rebuilding agent with the new configuration")
	}
}

// supervise blocks until the agent must stop. It reports whether a new agent
// should be built from the current configuration.
func supervise(a *agent.Agent, logger *zap.Logger, level zap.AtomicLevel, sigChan <-chan os.Signal, reload <-chan struct{}, notify func()) (bool, error) {
	for {
		select {
		case <-sigChan:
			logger.Info("Received shutdown signal")
			return false, nil
		case <-a.RestartRequested():
			logger.Info("Restart requested by coordinator")
			return false, errRestartRequested
		case <-reload:
		}

		if lvl, err := observability.ParseLevel(viper.GetString("log_level")); err == nil {
			level.SetLevel(lvl)
		} else {
			logger.Warn("Ignoring invalid log level", zap.Error(err))
		}
		applied, err := a.Reconfigure(buildConfig(logger, notify))
		if err != nil {
			logger.Error("Ignoring invalid configuration", zap.Error(err))
			continue
		}
		if applied {
			continue
		}

		logger.Info("Configuration change needs a new agent, waiting for the current task to finish")
		drainCtx, cancelDrain := context.WithCancel(context.Background())
		drained := make(chan error, 1)
		go func() { drained <- a.Drain(drainCtx) }()
		select {
		case <-drained:
			cancelDrain()
			return true, nil
		case <-sigChan:
			cancelDrain()
			<-drained
			logger.Info("Received shutdown signal while draining")
			return false, nil
		}
	}
}

func stopAgent(a *agent.Agent, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		logger.Error("Error stopping agent", zap.Error(err))
	}
	_ = logger.Sync()
}

func buildConfig(logger *zap.Logger, notify func()) *agent.Config {
	return &agent.Config{
		CoordinatorURL:      viper.GetString("coordinator_url"),
		DataDir:             viper.GetString("data_dir"),
		InstallDir:          viper.GetString("install_dir"),
		MetricsAddr:         viper.GetString("metrics_addr"),
		DeviceName:          viper.GetString("device_name"),
		MACAddress:          viper.GetString("mac_address"),
		IdleInterval:        viper.GetDuration("idle_interval"),
		BusyInterval:        viper.GetDuration("busy_interval"),
		CommandInterval:     viper.GetDuration("command_interval"),
		MetricsPushInterval: viper.GetDuration("metrics_push_interval"),
		RetryAttempts:       viper.GetUint("retry_attempts"),
		RetryDelay:          viper.GetDuration("retry_delay"),
		RateLimit:           viper.GetFloat64("rate_limit"),
		Logger:              logger,
		OnConfigUpdate: func(values map[string]interface{}) error {
			return applyConfigUpdate(values, logger, notify)
		},
	}
}

// applyConfigUpdate stores the new values and persists them when a config file
// is in use. The watcher or notify then hands them to the running agent.
func applyConfigUpdate(values map[string]interface{}, logger *zap.Logger, notify func()) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		if !liveKeys[k] {
			return fmt.Errorf("config key %q cannot be changed remotely", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if lvl, ok := values["log_level"]; ok {
		s, _ := lvl.(string)
		if _, err := observability.ParseLevel(s); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if strings.HasSuffix(k, "_interval") {
			s, ok := values[k].(string)
			if !ok {
				return fmt.Errorf("%s must be a duration string", k)
			}
			if _, err := time.ParseDuration(s); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
	}

	for _, k := range keys {
		viper.Set(k, values[k])
	}
	logger.Info("Applying remote configuration", zap.Strings("keys", keys))

	if viper.ConfigFileUsed() != "" {
		if err := viper.WriteConfig(); err != nil {
			return fmt.Errorf("failed to persist config: %w", err)
		}
		return nil
	}
	notify()
	return nil
}

type inspectReport struct {
	Hostname   string            `yaml:"hostname"`
	MACAddress string            `yaml:"mac_address"`
	IPAddress  string            `yaml:"ip_address"`
	OS         string            `yaml:"os"`
	Arch       string            `yaml:"arch"`
	Hardware   interface{}       `yaml:"hardware"`
	Usage      interface{}       `yaml:"usage"`
	Agent      map[string]string `yaml:"agent"`
}

func inspect(cmd *cobra.Command, args []string) error {
	logger, err := observability.NewLogger("error")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hd := agent.NewHardwareDetector(logger, "")
	hostname, mac, ip := hd.Identity(ctx)
	report := inspectReport{
		Hostname:   hostname,
		MACAddress: mac,
		IPAddress:  ip,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Hardware:   hd.Snapshot(ctx),
		Usage:      hd.SystemInfo(ctx),
		Agent: map[string]string{
			"version":     Version,
			"coordinator": viper.GetString("coordinator_url"),
		},
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return enc.Close()
}

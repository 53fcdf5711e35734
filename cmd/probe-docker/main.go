// Package main is the entry point for the probe-docker binary: a probe
// that registers a single "containers" check against a Docker daemon and
// runs the full probe agent runtime around it.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables (optionally loading an
//     .env-style file first)
//  2. Build logger
//  3. Connect to Docker (non-fatal if unavailable — the check itself then
//     fails each tick with a classified CheckError instead of crashing
//     the probe)
//  4. Register checks and start the probe runtime
//  5. Block until SIGINT/SIGTERM, then shut down
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/infrasonar/probe-go/internal/check"
	"github.com/infrasonar/probe-go/internal/dockercheck"
	"github.com/infrasonar/probe-go/internal/metrics"
	"github.com/infrasonar/probe-go/internal/probe"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	agentcoreHost string
	agentcorePort int
	configPath    string
	maxPackageKB  int
	dockerSocket  string
	logLevel      string
	logColorized  bool
	logFmt        string
	metricsAddr   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	loadEnvFile()
	cfg := &config{}

	root := &cobra.Command{
		Use:   "probe-docker",
		Short: "Docker container inventory probe",
		Long: `probe-docker connects to a local agentcore supervisor, receives
Docker-asset check assignments, and periodically reports the running
containers visible to a Docker daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.agentcoreHost, "agentcore-host", envOrDefault("AGENTCORE_HOST", "127.0.0.1"), "agentcore host")
	root.PersistentFlags().IntVar(&cfg.agentcorePort, "agentcore-port", envIntOrDefault("AGENTCORE_PORT", 8750), "agentcore port")
	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("INFRASONAR_CONF", "/data/config/infrasonar.yaml"), "local config file path")
	root.PersistentFlags().IntVar(&cfg.maxPackageKB, "max-package-size", envIntOrDefault("MAX_PACKAGE_SIZE", 500), "maximum result frame size in KB (clamped 1..2000)")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("DOCKER_SOCKET", ""), "Docker socket path (empty = SDK default)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.logColorized, "log-colorized", envBoolOrDefault("LOG_COLORIZED", false), "colorize development-mode log output")
	root.PersistentFlags().StringVar(&cfg.logFmt, "log-fmt", envOrDefault("LOG_FMT", "2006-01-02T15:04:05.000Z0700"), "time layout used by development-mode log output")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("METRICS_ADDR", ""), "address to serve /metrics on, e.g. :9090 (empty disables it)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("probe-docker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel, cfg.logColorized, cfg.logFmt)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting probe-docker", zap.String("version", version))

	dc, err := dockercheck.NewClient(cfg.dockerSocket)
	if err != nil {
		logger.Warn("failed to create Docker client, the containers check will report an error on every tick", zap.Error(err))
	} else {
		defer dc.Close()
	}

	checks := map[string]check.Func{}
	if dc != nil {
		checks["containers"] = dc.Check()
	} else {
		checks["containers"] = unavailableCheck
	}

	p := probe.New(probe.Options{
		ProbeName:        "docker",
		Version:          version,
		AgentcoreHost:    cfg.agentcoreHost,
		AgentcorePort:    cfg.agentcorePort,
		ConfigPath:       cfg.configPath,
		MaxPackageSizeKB: cfg.maxPackageKB,
		CheckFuncs:       checks,
		Logger:           logger,
	})

	if cfg.metricsAddr != "" {
		srv := newMetricsServer(cfg.metricsAddr, p.Metrics())
		go serveMetrics(srv, logger)
		defer srv.Close()
	}

	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("probe-docker: %w", err)
	}
	logger.Info("probe-docker stopped")
	return nil
}

// newMetricsServer builds (but does not start) a plain net/http server
// exposing reg in Prometheus text exposition format at /metrics.
func newMetricsServer(addr string, reg *metrics.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		reg.WritePrometheus(w)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

// serveMetrics runs srv until it is closed, logging anything other than the
// expected shutdown error.
func serveMetrics(srv *http.Server, logger *zap.Logger) {
	logger.Info("serving metrics", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

// unavailableCheck stands in for the "containers" check when the Docker
// client could not be constructed at startup, so assignments still run
// (and report a classified error) instead of the probe failing to boot.
func unavailableCheck(ctx context.Context, asset check.Asset, assetConfig map[string]any, checkConfig check.Config) (map[string]any, error) {
	return nil, check.NewCheckError("docker daemon unavailable")
}

func buildLogger(level string, colorized bool, timeFmt string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
		if colorized {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		if timeFmt != "" {
			layout := timeFmt
			cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(t.Format(layout))
			}
		}
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// loadEnvFile optionally loads INFRASONAR_ENV_FILE into the process
// environment before flags are parsed, for container images that mount a
// single env file instead of setting individual variables.
func loadEnvFile() {
	path := os.Getenv("INFRASONAR_ENV_FILE")
	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	vars, err := envparse.Parse(f)
	if err != nil {
		return
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); !set {
			os.Setenv(k, v)
		}
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

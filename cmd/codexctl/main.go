// Command codexctl drives the Codex app-server and `codex exec` from the
// command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/codexsdk/appserver"
	"github.com/bazelment/yoloswe/codexsdk/config"
)

var (
	configPath  string
	metricsAddr string
	verbose     bool
	noColor     bool
)

var rootCmd = &cobra.Command{
	Use:   "codexctl",
	Short: "Drive the Codex app-server and codex exec",
	Long: `codexctl talks to a supervised Codex app-server over JSON-RPC.
The app-server is restarted when it dies, within the configured restart
budget. The exec subcommand runs one-shot codex exec sessions instead.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable ANSI colors")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newLogger creates a structured logger with the configured verbosity.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// startClient loads the config and starts a supervised app-server client.
// The caller must Stop it.
func startClient(ctx context.Context, logger *slog.Logger) (*appserver.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	opts := append(cfg.ClientOptions(), appserver.WithLogger(logger))
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, appserver.WithMetrics(reg))
		go serveMetrics(ctx, logger, reg)
	}

	client := appserver.NewClient(opts...)
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("start app-server: %w", err)
	}
	logger.Debug("app-server ready", "client_id", client.ID(), "pid", client.PID())
	return client, nil
}

func serveMetrics(ctx context.Context, logger *slog.Logger, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", metricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

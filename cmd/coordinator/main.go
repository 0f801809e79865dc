package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/aiagent-coordinator/pkg/config"
	"github.com/cuemby/aiagent-coordinator/pkg/coordinator"
	"github.com/cuemby/aiagent-coordinator/pkg/lock"
	"github.com/cuemby/aiagent-coordinator/pkg/log"
	"github.com/cuemby/aiagent-coordinator/pkg/mcpclient"
	"github.com/cuemby/aiagent-coordinator/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "aiagent-coordinator",
	Short:   "Coordinator for AI agent instances",
	Long:    `aiagent-coordinator polls a task-management server and launches, supervises, and tears down AI CLI agent instances on its behalf.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"aiagent-coordinator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator's control loop",
	RunE:  runCoordinator,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Path to coordinator YAML config (required)")
	runCmd.Flags().Int("metrics-port", 0, "Port to serve Prometheus metrics on (0 disables)")
	_ = runCmd.MarkFlagRequired("config")
}

func runCoordinator(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsPort, _ := cmd.Flags().GetInt("metrics-port")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	heldLock, err := lock.Acquire(cfg.LockIdentity())
	if err != nil {
		log.Error(fmt.Sprintf("failed to acquire single-instance lock: %v", err))
		os.Exit(1)
	}
	defer heldLock.Release()
	metrics.RegisterComponent("lock", true, "")
	metrics.SetVersion(Version)

	if metricsPort > 0 {
		go serveMetrics(metricsPort)
	}

	transport := mcpclient.New(cfg.MCPSocketPath, cfg.CoordinatorToken)
	coord := coordinator.New(cfg, transport)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, stopping after current tick")
		coord.Stop()
		cancel()
	}()

	log.Info("coordinator starting")
	coord.Run(ctx)
	log.Info("coordinator stopped")

	return nil
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	addr := fmt.Sprintf(":%d", port)
	log.Info(fmt.Sprintf("serving metrics on %s", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server exited", err)
	}
}

// Command resultaccess opens a lab result behind its one-time-code challenge, either in a
// terminal UI (open) or non-interactively (fetch). It also runs a local sandbox portal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"medlab-portal/resultaccess/internal/access"
	"medlab-portal/resultaccess/internal/config"
	"medlab-portal/resultaccess/internal/logging"
	"medlab-portal/resultaccess/internal/portal"
	"medlab-portal/resultaccess/internal/telemetry"
	otelsetup "medlab-portal/resultaccess/internal/telemetry/otel"
)

var (
	// Global flags
	logFile string

	cfg       *config.Config
	logger    *zap.Logger
	providers *otelsetup.Providers
)

var rootCmd = &cobra.Command{
	Use:   "resultaccess",
	Short: "Open a lab result protected by a one-time code",
	Long: `resultaccess gives a patient access to one lab result from its link id.

The portal sends a one-time code to the phone number the laboratory has on file.
Once the code is verified the result PDF can be viewed or downloaded.

Configuration comes from the environment and an optional .env file (PORTAL_API_URL, ...).`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr (open defaults to a file in the temp dir)")
	rootCmd.AddCommand(openCmd, fetchCmd, sandboxCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load()
	if err != nil {
		return err
	}
	cfg = c

	// The terminal UI owns the screen, so its logs go to a file.
	if cmd == openCmd && logFile == "" {
		logFile = filepath.Join(os.TempDir(), "resultaccess.log")
	}
	var outputs []string
	if logFile != "" {
		outputs = []string{logFile}
	}
	logger, err = logging.New(cfg.LogLevel, cfg.LogFormat, outputs...)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)

	providers, err = otelsetup.NewProviders(cmd.Context(), cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if providers != nil {
		if cfg.OTLPEndpoint != "" {
			// Let in-flight async emits finish before the exporters close.
			time.Sleep(telemetry.ShutdownDrainDuration)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
	if logger != nil {
		_ = logger.Sync()
	}
	return nil
}

func newPortalClient() *portal.Client {
	return portal.NewClient(cfg.PortalAPIURL, cfg.RequestTimeout(), logger.Named("portal"))
}

func sessionOptions() access.Options {
	return access.Options{
		CodeLength:     cfg.OTPCodeLength,
		ResendCooldown: cfg.ResendCooldownDuration(),
		DefaultExpiry:  cfg.DefaultCodeTTLDuration(),
		DownloadDir:    cfg.DownloadDir,
		Logger:         logger.Named("session"),
		Emitter:        otelsetup.NewEventEmitter(providers.LoggerProvider),
	}
}

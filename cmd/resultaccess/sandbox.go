package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"medlab-portal/resultaccess/internal/sandbox"
	"medlab-portal/resultaccess/internal/sandbox/token"
)

const shutdownTimeout = 10 * time.Second

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run a local stand-in for the portal's public result API",
	Long: `sandbox serves the public result API on SANDBOX_ADDR for development and demos.

Codes are never delivered: they are written to the log, and can be read from
GET /api/dev/otp/{id} when SANDBOX_EXPOSE_CODES is true. Prometheus metrics are on /metrics.`,
	Args: cobra.NoArgs,
	RunE: runSandbox,
}

func runSandbox(cmd *cobra.Command, args []string) error {
	results := sandbox.DemoResults()
	if cfg.SandboxFixtures != "" {
		var err error
		if results, err = sandbox.LoadFixtures(cfg.SandboxFixtures); err != nil {
			return err
		}
	}
	var key *ecdsa.PrivateKey
	if cfg.SandboxSigningKey != "" {
		var err error
		if key, err = token.ParseKey(cfg.SandboxSigningKey); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := sandbox.New(results, sandbox.Options{
		CodeDigits:     cfg.OTPCodeLength,
		CodeTTL:        cfg.SandboxCodeTTLDuration(),
		ResendCooldown: cfg.SandboxResendCooldownDuration(),
		MaxAttempts:    cfg.SandboxMaxAttempts,
		GrantTTL:       cfg.SandboxGrantTTLDuration(),
		RatePerMinute:  cfg.SandboxRatePerMinute,
		ExposeCodes:    cfg.SandboxExposeCodes,
		SigningKey:     key,
		Registry:       reg,
		Logger:         logger.Named("sandbox"),
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.SandboxAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		ids := make([]string, 0, len(results))
		for _, r := range results {
			ids = append(ids, r.ID)
		}
		logger.Info("sandbox listening",
			zap.String("addr", cfg.SandboxAddr),
			zap.Strings("results", ids),
			zap.Bool("expose_codes", cfg.SandboxExposeCodes))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("sandbox shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/psantana5/inferexec/internal/report"
	"github.com/psantana5/inferexec/internal/runner"
	"github.com/psantana5/inferexec/pkg/logging"
	"github.com/psantana5/inferexec/pkg/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the job described by the execution configuration",
	Long: `Reads the execution configuration (default /execution_config), loads the model,
binds the single input tensor, invokes the model and writes the single output
tensor relative to the root directory.`,
	Args: cobra.NoArgs,
	RunE: runJob,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runJob(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger()

	tp, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", logging.Fields{"error": err.Error()})
		}
	}()

	logger.Info("opening execution configuration file...", logging.Fields{"path": cfg.ConfigPath})
	raw, err := afero.ReadFile(fs, cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("%w: read execution configuration: %w", runner.ErrFileIO, err)
	}

	var metrics *report.Metrics
	if cfg.MetricsFile != "" {
		metrics = report.NewMetrics()
	}

	r := runner.New(fs, newBackend(), runner.Options{
		RootDir:       cfg.RootDir,
		MaxArenaBytes: cfg.MaxArenaBytes,
		Logger:        logger,
		Tracer:        tp,
		Metrics:       metrics,
	})
	res, runErr := r.Execute(ctx, raw)

	// Reports are best effort; the job's own error takes precedence.
	if cfg.ReportFile != "" {
		if err := res.WriteFile(fs, cfg.ReportFile); err != nil {
			logger.Warn("failed to write report", logging.Fields{"error": err.Error()})
		}
	}
	if metrics != nil {
		if err := metrics.WriteTextfile(fs, cfg.MetricsFile); err != nil {
			logger.Warn("failed to write metrics", logging.Fields{"error": err.Error()})
		}
	}
	return runErr
}

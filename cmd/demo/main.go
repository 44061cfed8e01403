// Command demo runs a Courier pipeline against a configurable sink and
// feeds it synthetic workspace telemetry until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/internal/migrations"
	"github.com/courierhq/courier/lib/telemetry"
	"github.com/courierhq/courier/lifecycle"
	"github.com/courierhq/courier/observability"
	"github.com/courierhq/courier/pipeline"
	"github.com/courierhq/courier/sink"
	"github.com/courierhq/courier/sink/httpsink"
	"github.com/courierhq/courier/sink/postgres"
	"github.com/courierhq/courier/sink/wssink"
	"github.com/courierhq/courier/transform"
)

const (
	pipelineShutdownTimeout  = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	produceInterval          = 150 * time.Millisecond
)

type demoFlags struct {
	configPath    string
	sinkMode      string
	transformPath string
	duration      time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := parseFlags()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	observability.SetLogger(observability.NewSlogLogger(logger))

	notifier := lifecycle.Signals(context.Background())
	defer notifier.Close()
	ctx := notifier.Context()

	cfg, err := loadSettings(flags)
	if err != nil {
		return err
	}

	provider, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	if cfg.Telemetry.EnableMetrics {
		observability.SetMetrics(telemetry.NewRecorder(provider))
	}

	if cfg.Sink.Mode == config.ModePostgres && cfg.Sink.Database.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, cfg.Sink.Database.DSN); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	snk, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{pipeline.WithNotifier(notifier)}
	if flags.transformPath != "" {
		script, err := transform.CompileFile(flags.transformPath)
		if err != nil {
			return fmt.Errorf("compile transform hook: %w", err)
		}
		opts = append(opts, pipeline.WithTransform(script))
	}

	p, err := pipeline.New(cfg, snk, opts...)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	p.Start(ctx)
	if every, ok := p.FlushInterval(); ok {
		logger.Info("pipeline started", "sink", string(cfg.Sink.Mode), "flushEvery", every.String())
	} else {
		logger.Info("pipeline started, manual flushing only", "sink", string(cfg.Sink.Mode))
	}

	runCtx := ctx
	if flags.duration > 0 {
		var runCancel context.CancelFunc
		runCtx, runCancel = context.WithTimeout(ctx, flags.duration)
		defer runCancel()
	}

	workload := startWorkload(runCtx, p)
	<-runCtx.Done()
	logger.Info("shutting down")
	workload.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), pipelineShutdownTimeout)
	defer cancel()

	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(shutdownCtx, timeout)
		defer stepCancel()
		if err := fn(stepCtx); err != nil {
			logger.Error("shutdown step failed", "step", name, "error", err.Error())
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Info("shutdown step completed", "step", name)
		}
	}

	shutdownStep("pipeline close", pipelineShutdownTimeout, p.Close)
	printSummary(p.Metrics())
	shutdownStep("telemetry shutdown", telemetryShutdownTimeout, telemetryShutdown)

	return observability.AggregateErrors("demo shutdown", failures)
}

func parseFlags() demoFlags {
	var flags demoFlags
	flag.StringVar(&flags.configPath, "config", "", "Path to a Courier YAML configuration file")
	flag.StringVar(&flags.sinkMode, "sink", "", "Sink mode override (stdout|http|postgres|stream)")
	flag.StringVar(&flags.transformPath, "transform", "", "Path to a JavaScript transform hook")
	flag.DurationVar(&flags.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	flag.Parse()
	return flags
}

func loadSettings(flags demoFlags) (config.Settings, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.LoadFile(flags.configPath)
		if err != nil {
			return config.Settings{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg = config.OverlayEnv(cfg)
	if flags.sinkMode != "" {
		cfg.Sink.Mode = config.Mode(strings.ToLower(strings.TrimSpace(flags.sinkMode)))
	}
	cfg.Enabled = true
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func buildSink(ctx context.Context, cfg config.Settings) (sink.Sink, error) {
	switch cfg.Sink.Mode {
	case config.ModeStdout:
		return newStdoutSink(os.Stdout), nil
	case config.ModeHTTP:
		return httpsink.New(cfg.Sink.HTTP)
	case config.ModePostgres:
		return postgres.New(ctx, cfg.Sink.Database, cfg.Destinations)
	case config.ModeStream:
		return wssink.New(cfg.Sink.Stream)
	default:
		return nil, fmt.Errorf("unknown sink mode %q", cfg.Sink.Mode)
	}
}

func printSummary(snapshot pipeline.Snapshot) {
	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(os.Stdout, "delivery summary:\n%s\n", encoded)
}

// Command metric-transform transforms every compressed NDJSON file under a
// source directory into a mirrored sink directory or bucket.
//
// Usage:
//
//	metric-transform [flags] [SOURCE_DIR [SINK_DIR]]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/withObsrvr/metric-transformer/internal/codec"
	"github.com/withObsrvr/metric-transformer/internal/config"
	"github.com/withObsrvr/metric-transformer/internal/logging"
	"github.com/withObsrvr/metric-transformer/internal/metrics"
	"github.com/withObsrvr/metric-transformer/internal/storage"
	"github.com/withObsrvr/metric-transformer/internal/transform"
	"github.com/withObsrvr/metric-transformer/internal/transformer"
)

func main() {
	configPath, showVersion := defineFlags(flag.CommandLine)
	flag.Parse()

	if *showVersion {
		fmt.Printf("metric-transform %s (%s)\n", transformer.Version, transformer.GitSHA)
		os.Exit(0)
	}

	cfg := config.MustLoad(*configPath)
	if err := applyFlags(flag.CommandLine, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("starting metric transformer", "version", transformer.Version, "git_sha", transformer.GitSHA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Warn("received signal, aborting", "signal", sig.String())
		cancel()
	}()

	os.Exit(run(ctx, cfg, log))
}

// defineFlags registers the command line flags on fs.
func defineFlags(fs *flag.FlagSet) (configPath *string, showVersion *bool) {
	configPath = fs.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML configuration file")
	fs.String("path-contains", "", "Only transform files whose directory path contains this string")
	fs.String("fields", "", "Comma-separated field paths to keep; prefix with - to exclude")
	fs.Int("parallelism", 0, "Number of files transformed concurrently")
	fs.String("compression", "", "Input/output compression: auto, gzip or zstd")
	fs.String("transform", "", fmt.Sprintf("Record transform %v", transform.Names()))
	fs.String("bucket", "", "Publish to this gocloud.dev bucket URL instead of SINK_DIR")
	fs.String("prefix", "", "Key prefix within the bucket")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("log-format", "", "Log format (text, json)")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	showVersion = fs.Bool("version", false, "Show version information")
	return configPath, showVersion
}

// applyFlags overlays the flags of a parsed fs that were set explicitly, then
// its positional arguments, onto cfg.
func applyFlags(fs *flag.FlagSet, cfg *config.Config) error {
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "path-contains":
			cfg.Job.PathContains = v
		case "fields":
			cfg.Job.Fields = config.SplitList(v)
		case "parallelism":
			cfg.Job.Parallelism = f.Value.(flag.Getter).Get().(int)
		case "compression":
			cfg.Job.Compression = v
		case "transform":
			cfg.Job.Transform = v
		case "bucket":
			cfg.Storage.BucketURL = v
			cfg.Storage.Backend = "blob"
		case "prefix":
			cfg.Storage.Prefix = v
		case "log-level":
			cfg.Logging.Level = v
		case "log-format":
			cfg.Logging.Format = v
		case "metrics-addr":
			cfg.Metrics.Address = v
		}
	})

	args := fs.Args()
	switch len(args) {
	case 2:
		cfg.Storage.SinkDir = args[1]
		fallthrough
	case 1:
		cfg.Job.SourceDir = args[0]
	case 0:
	default:
		return fmt.Errorf("expected at most 2 arguments, got %d", len(args))
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) int {
	var opts []transformer.Option

	if cfg.Metrics.Address != "" {
		m := metrics.Init(cfg.Metrics.Namespace)
		opts = append(opts, transformer.WithMetrics(m))
		go func() {
			log.Info("serving metrics", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	fn, err := transform.Lookup(cfg.Job.Transform)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return 2
	}

	sink, err := storage.NewSink(ctx, storage.Config{
		Backend:   cfg.Storage.Backend,
		LocalDir:  cfg.Storage.SinkDir,
		BucketURL: cfg.Storage.BucketURL,
		Prefix:    cfg.Storage.Prefix,
	})
	if err != nil {
		log.Error("failed to create sink", "error", err)
		return 2
	}
	defer sink.Close()
	opts = append(opts, transformer.WithSink(sink))

	jobCfg := transformer.Config{
		SourceDir:    cfg.Job.SourceDir,
		PathContains: cfg.Job.PathContains,
		Fields:       cfg.Job.Fields,
		Parallelism:  cfg.Job.Parallelism,
		Compression:  codec.Compression(cfg.Job.Compression),
	}
	if cfg.Storage.Backend != "blob" {
		jobCfg.SinkDir = cfg.Storage.SinkDir
	}

	t, err := transformer.New(jobCfg, fn, opts...)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return 2
	}

	summary, err := t.Run(ctx)
	switch {
	case errors.Is(err, transformer.ErrAborted):
		log.Warn("shutdown complete", "run_id", summary.RunID)
		return 130
	case err != nil:
		log.Error("transform failed", "error", err)
		return 1
	case summary.Failed > 0:
		for path, ferr := range summary.Failures {
			log.Error("file failed", "input", path, "error", ferr)
		}
		return 1
	}

	log.Info("metric transformer stopped cleanly", "run_id", summary.RunID)
	return 0
}

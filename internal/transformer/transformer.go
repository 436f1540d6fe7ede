// Package transformer runs a record transform over every file of a source
// tree and publishes the results into a mirrored sink, one atomic commit per
// file. Files whose output already exists are skipped, so a failed or
// interrupted run can simply be started again.
package transformer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/metric-transformer/internal/codec"
	"github.com/withObsrvr/metric-transformer/internal/fields"
	"github.com/withObsrvr/metric-transformer/internal/metrics"
	"github.com/withObsrvr/metric-transformer/internal/storage"
	"github.com/withObsrvr/metric-transformer/internal/transform"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// DefaultParallelism is used when Config.Parallelism is zero.
const DefaultParallelism = 5

var (
	// ErrConfiguration is returned by New for an unusable job configuration.
	ErrConfiguration = errors.New("invalid job configuration")

	// ErrAborted is returned by Run when the context is cancelled mid-run.
	ErrAborted = errors.New("transform aborted")
)

// Config describes one transform job.
type Config struct {
	SourceDir    string
	SinkDir      string // local sink root; may be empty when a sink is supplied with WithSink
	PathContains string // only files whose directory path contains this are processed
	Fields       []string
	Parallelism  int
	Compression  codec.Compression
}

// Option customizes a Transformer.
type Option func(*Transformer)

// WithSink publishes outputs to sink instead of a LocalSink on Config.SinkDir.
func WithSink(sink storage.Sink) Option {
	return func(t *Transformer) { t.sink = sink }
}

// WithMetrics records job metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transformer) { t.metrics = m }
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transformer) { t.log = l }
}

// Transformer orchestrates a transform job.
type Transformer struct {
	cfg     Config
	spec    fields.Spec
	fn      transform.Func
	sink    storage.Sink
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New validates cfg and prepares a job that applies fn to every record.
func New(cfg Config, fn transform.Func, opts ...Option) (*Transformer, error) {
	t := &Transformer{
		fn:      fn,
		metrics: metrics.Get(),
		log:     slog.With("component", "transformer"),
	}
	for _, opt := range opts {
		opt(t)
	}

	if fn == nil {
		return nil, fmt.Errorf("%w: no transform", ErrConfiguration)
	}
	if err := t.configure(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return t, nil
}

func (t *Transformer) configure(cfg Config) error {
	if cfg.SourceDir == "" {
		return errors.New("source dir is required")
	}
	info, err := os.Stat(cfg.SourceDir)
	if err != nil {
		return fmt.Errorf("source dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source dir %s is not a directory", cfg.SourceDir)
	}
	cfg.SourceDir = filepath.Clean(cfg.SourceDir)

	if t.sink == nil {
		if cfg.SinkDir == "" {
			return errors.New("sink dir is required")
		}
		t.sink = storage.NewLocalSink(filepath.Clean(cfg.SinkDir))
	}
	if cfg.SinkDir != "" {
		cfg.SinkDir = filepath.Clean(cfg.SinkDir)
		if err := checkDisjoint(cfg.SourceDir, cfg.SinkDir); err != nil {
			return err
		}
	}

	switch {
	case cfg.Parallelism < 0:
		return fmt.Errorf("parallelism must be positive, got %d", cfg.Parallelism)
	case cfg.Parallelism == 0:
		cfg.Parallelism = DefaultParallelism
	}

	if cfg.Compression, err = codec.ParseCompression(string(cfg.Compression)); err != nil {
		return err
	}

	if t.spec, err = fields.Parse(cfg.Fields); err != nil {
		return err
	}

	t.cfg = cfg
	return nil
}

// checkDisjoint rejects a sink that is the source or nested with it.
func checkDisjoint(source, sink string) error {
	src, err := filepath.Abs(source)
	if err != nil {
		return fmt.Errorf("resolve source dir: %w", err)
	}
	dst, err := filepath.Abs(sink)
	if err != nil {
		return fmt.Errorf("resolve sink dir: %w", err)
	}
	if src == dst {
		return fmt.Errorf("source and sink are the same directory: %s", src)
	}
	if isWithin(src, dst) || isWithin(dst, src) {
		return fmt.Errorf("source %s and sink %s overlap", src, dst)
	}
	return nil
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Spec returns the parsed field specification.
func (t *Transformer) Spec() fields.Spec { return t.spec }

// Run discovers input files and transforms them with a pool of
// Config.Parallelism workers. Per-file failures are reported in the Summary
// and do not stop other files. If ctx is cancelled, in-flight files are
// cleaned up and Run returns an error wrapping ErrAborted and ctx.Err().
func (t *Transformer) Run(ctx context.Context) (Summary, error) {
	startTime := time.Now()
	summary := Summary{RunID: uuid.NewString()}
	log := t.log.With("run_id", summary.RunID)

	log.Info("transforming data files",
		"source", t.cfg.SourceDir,
		"sink", t.sink.URI(""),
		"parallelism", t.cfg.Parallelism,
	)
	if selected := t.spec.Selected(); len(selected) > 0 {
		log.Info("only extracting these fields", "fields", strings.Join(selected, ", "))
	}
	if excluded := t.spec.Excluded(); len(excluded) > 0 {
		log.Info("excluding these fields", "fields", strings.Join(excluded, ", "))
	}

	tasks, err := t.discover()
	if err != nil {
		return summary, fmt.Errorf("discover data files: %w", err)
	}
	summary.Discovered = len(tasks)
	if m := t.metrics; m != nil {
		m.AddDiscovered(len(tasks))
	}

	if len(tasks) == 0 {
		log.Info("no data files found", "source", t.cfg.SourceDir, "path_contains", t.cfg.PathContains)
		return summary, nil
	}
	log.Info("found data files", "count", len(tasks))

	p := newPool(t, log, t.cfg.Parallelism)
	for res := range p.run(ctx, tasks) {
		summary.add(res)
	}
	summary.Duration = time.Since(startTime)

	if err := ctx.Err(); err != nil {
		log.Warn("transform aborted",
			"transformed", summary.Transformed,
			"skipped", summary.Skipped,
			"failed", summary.Failed,
			"cancelled", summary.Cancelled,
			"discovered", summary.Discovered,
		)
		if m := t.metrics; m != nil {
			m.SetLastRunSuccess(false)
		}
		return summary, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	log.Info("transformed data files",
		"processed", summary.Processed(),
		"discovered", summary.Discovered,
		"transformed", summary.Transformed,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"records", summary.Records,
		"duration", summary.Duration.String(),
	)
	if m := t.metrics; m != nil {
		m.SetLastRunSuccess(true)
	}
	return summary, nil
}

// discover walks the source dir and returns a task per regular file whose
// containing directory path contains PathContains. Tasks are sorted by path.
func (t *Transformer) discover() ([]FileTask, error) {
	var tasks []FileTask

	err := filepath.WalkDir(t.cfg.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip directories and anything that is not a plain file
		if !d.Type().IsRegular() {
			return nil
		}

		if t.cfg.PathContains != "" && !strings.Contains(filepath.Dir(path), t.cfg.PathContains) {
			return nil
		}

		rel, err := filepath.Rel(t.cfg.SourceDir, path)
		if err != nil {
			return err
		}
		tasks = append(tasks, FileTask{InputPath: path, Key: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Key < tasks[j].Key })
	return tasks, nil
}

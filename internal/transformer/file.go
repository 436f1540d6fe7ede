package transformer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/withObsrvr/metric-transformer/internal/codec"
	"github.com/withObsrvr/metric-transformer/internal/logging"
	"github.com/withObsrvr/metric-transformer/internal/metrics"
)

// processFile transforms one input file into the sink unless its output
// already exists. It never returns an error: failures are reported in the
// FileResult and leave no artifacts behind.
func (t *Transformer) processFile(ctx context.Context, log *slog.Logger, task FileTask) FileResult {
	log = logging.FileLogger(log, task.InputPath)
	startTime := time.Now()

	m := t.metrics
	if m != nil {
		m.FileStarted()
		defer m.FileDone()
	}

	res := FileResult{Task: task}
	exists, err := t.sink.Exists(ctx, task.Key)
	switch {
	case err != nil:
		res.Err = fmt.Errorf("check output %s: %w", task.Key, err)
	case exists:
		res.Status = StatusSkipped
	default:
		res.Records, res.Err = t.writeOutput(ctx, task)
	}
	res.Duration = time.Since(startTime)

	var label string
	switch {
	case res.Status == StatusSkipped:
		label = metrics.StatusSkipped
		log.Debug("output exists, skipping", "output", t.sink.URI(task.Key))
	case res.Err == nil:
		res.Status = StatusCommitted
		label = metrics.StatusCommitted
		log.Info("transformed file",
			"output", t.sink.URI(task.Key),
			"records", res.Records,
			"duration_ms", res.Duration.Milliseconds(),
		)
	case ctx.Err() != nil:
		res.Status = StatusCancelled
		label = metrics.StatusCancelled
		log.Warn("file cancelled", "error", res.Err)
	default:
		res.Status = StatusFailed
		label = metrics.StatusFailed
		log.Error("failed to transform file", "error", res.Err)
	}

	if m != nil {
		m.ObserveFile(label, res.Duration.Seconds(), res.Records)
	}
	return res
}

// writeOutput streams every record of the input through the transform into a
// new upload and commits it. On any error the upload is aborted, so either
// the whole output is published or nothing is.
func (t *Transformer) writeOutput(ctx context.Context, task FileTask) (records int64, err error) {
	compression := codec.Detect(task.InputPath, t.cfg.Compression)

	in, err := os.Open(task.InputPath)
	if err != nil {
		return 0, fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	r, err := codec.NewReader(in, compression)
	if err != nil {
		return 0, fmt.Errorf("open %s reader: %w", compression, err)
	}
	defer r.Close()

	up, err := t.sink.Create(ctx, task.Key)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if abortErr := up.Abort(); abortErr != nil {
			err = errors.Join(err, fmt.Errorf("abort output: %w", abortErr))
		}
	}()

	w, err := codec.NewWriter(up, compression)
	if err != nil {
		return 0, fmt.Errorf("open %s writer: %w", compression, err)
	}
	writerClosed := false
	defer func() {
		// Deferred after the abort, so it closes first
		if !writerClosed {
			w.Close()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read input: %w", err)
		}

		out, err := t.fn(rec, t.spec)
		if err != nil {
			return 0, fmt.Errorf("transform line %d: %w", r.Line(), err)
		}
		// A nil record is dropped
		if out == nil {
			continue
		}

		if err := w.Write(out); err != nil {
			return 0, fmt.Errorf("write line %d: %w", r.Line(), err)
		}
		records++
	}

	writerClosed = true
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close writer: %w", err)
	}
	if err := up.Commit(); err != nil {
		return 0, fmt.Errorf("commit output: %w", err)
	}
	committed = true
	return records, nil
}

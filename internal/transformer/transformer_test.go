package transformer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/metric-transformer/internal/codec"
	"github.com/withObsrvr/metric-transformer/internal/fields"
	"github.com/withObsrvr/metric-transformer/internal/logging"
	"github.com/withObsrvr/metric-transformer/internal/metrics"
	"github.com/withObsrvr/metric-transformer/internal/record"
	"github.com/withObsrvr/metric-transformer/internal/storage"
	"github.com/withObsrvr/metric-transformer/internal/transform"
)

const (
	usageLine = `{"@timestamp":"x","timestamp":1234567,"metric":{"_deltaSeconds":50,"pod":"p"}}`
	usageOut  = `{"timestamp":1234560,"metric":{"_deltaSeconds":60},"datetime_pt":"1970-01-14 22:56:00","date_pt":"1970-01-14"}`
)

func quietLogger() Option {
	return WithLogger(logging.New(logging.Config{Level: "error"}, io.Discard))
}

func writeInput(t *testing.T, path string, c codec.Compression, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	var buf bytes.Buffer
	var zw io.WriteCloser
	switch c {
	case codec.Zstd:
		enc, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		zw = enc
	default:
		zw = gzip.NewWriter(&buf)
	}
	for _, line := range lines {
		_, err := zw.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func readOutput(t *testing.T, path string, c codec.Compression) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := codec.NewReader(f, c)
	require.NoError(t, err)
	defer r.Close()

	var out []string
	for {
		obj, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		data, err := obj.MarshalJSON()
		require.NoError(t, err)
		out = append(out, string(data))
	}
}

// listFiles returns the slash-separated relative paths of every regular file
// under root, or nil if root does not exist.
func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, _ := filepath.Rel(root, path)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return out
}

func newTestDirs(t *testing.T) (source, sink string) {
	t.Helper()
	root := t.TempDir()
	source = filepath.Join(root, "source")
	sink = filepath.Join(root, "sink")
	require.NoError(t, os.MkdirAll(source, 0755))
	return source, sink
}

func TestNewRejectsBadConfig(t *testing.T) {
	source, sink := newTestDirs(t)
	file := filepath.Join(source, "a.json.gz")
	writeInput(t, file, codec.Gzip, usageLine)

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing source", cfg: Config{SinkDir: sink}},
		{name: "source does not exist", cfg: Config{SourceDir: filepath.Join(source, "nope"), SinkDir: sink}},
		{name: "source is a file", cfg: Config{SourceDir: file, SinkDir: sink}},
		{name: "missing sink", cfg: Config{SourceDir: source}},
		{name: "sink is source", cfg: Config{SourceDir: source, SinkDir: source + string(filepath.Separator)}},
		{name: "sink inside source", cfg: Config{SourceDir: source, SinkDir: filepath.Join(source, "out")}},
		{name: "source inside sink", cfg: Config{SourceDir: source, SinkDir: filepath.Dir(source)}},
		{name: "negative parallelism", cfg: Config{SourceDir: source, SinkDir: sink, Parallelism: -1}},
		{name: "bare exclusion", cfg: Config{SourceDir: source, SinkDir: sink, Fields: []string{"-"}}},
		{name: "selected and excluded", cfg: Config{SourceDir: source, SinkDir: sink, Fields: []string{"a", "-a"}}},
		{name: "unknown compression", cfg: Config{SourceDir: source, SinkDir: sink, Compression: "lz4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, transform.UsageMetrics, quietLogger())
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}

	t.Run("nil transform", func(t *testing.T) {
		_, err := New(Config{SourceDir: source, SinkDir: sink}, nil, quietLogger())
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestNewDefaults(t *testing.T) {
	source, sink := newTestDirs(t)

	tr, err := New(Config{SourceDir: source, SinkDir: sink, Fields: []string{"-@version"}}, transform.UsageMetrics, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultParallelism, tr.cfg.Parallelism)
	assert.Equal(t, codec.Auto, tr.cfg.Compression)
	assert.Equal(t, []string{"@version"}, tr.Spec().Excluded())

	_, statErr := os.Stat(sink)
	assert.True(t, os.IsNotExist(statErr), "New does not create the sink")
}

func TestRunTransformsTree(t *testing.T) {
	source, sink := newTestDirs(t)
	writeInput(t, filepath.Join(source, "2020", "01", "a.json.gz"), codec.Gzip, usageLine, "", usageLine)
	writeInput(t, filepath.Join(source, "2020", "02", "b.json.gz"), codec.Gzip, usageLine)
	writeInput(t, filepath.Join(source, "empty.json.gz"), codec.Gzip)

	m := metrics.New(prometheus.NewRegistry(), "test")
	tr, err := New(Config{
		SourceDir: source,
		SinkDir:   sink,
		Fields:    []string{"-metric.pod"},
	}, transform.UsageMetrics, quietLogger(), WithMetrics(m))
	require.NoError(t, err)

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 3, summary.Discovered)
	assert.Equal(t, 3, summary.Transformed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, int64(3), summary.Records)
	assert.Equal(t, 3, summary.Processed())

	assert.Equal(t, []string{"2020/01/a.json.gz", "2020/02/b.json.gz", "empty.json.gz"}, listFiles(t, sink),
		"outputs mirror the source layout and no temp files remain")

	assert.Equal(t, []string{usageOut, usageOut}, readOutput(t, filepath.Join(sink, "2020", "01", "a.json.gz"), codec.Gzip))
	assert.Equal(t, []string{usageOut}, readOutput(t, filepath.Join(sink, "2020", "02", "b.json.gz"), codec.Gzip))
	assert.Empty(t, readOutput(t, filepath.Join(sink, "empty.json.gz"), codec.Gzip))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.FilesDiscovered))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FilesProcessed.WithLabelValues(metrics.StatusCommitted)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsTransformed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlightFiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LastRunSuccess))
}

func TestRunSkipsExistingOutputs(t *testing.T) {
	source, sink := newTestDirs(t)
	writeInput(t, filepath.Join(source, "a.json.gz"), codec.Gzip, usageLine)
	writeInput(t, filepath.Join(source, "b.json.gz"), codec.Gzip, usageLine)

	// An output that already exists is never rewritten, whatever it holds
	require.NoError(t, os.MkdirAll(sink, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sink, "b.json.gz"), []byte("existing"), 0644))

	tr, err := New(Config{SourceDir: source, SinkDir: sink, Parallelism: 2}, transform.UsageMetrics, quietLogger())
	require.NoError(t, err)

	first, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Transformed)
	assert.Equal(t, 1, first.Skipped)

	before, err := os.ReadFile(filepath.Join(sink, "a.json.gz"))
	require.NoError(t, err)

	second, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Transformed)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, int64(0), second.Records)
	assert.NotEqual(t, first.RunID, second.RunID)

	after, err := os.ReadFile(filepath.Join(sink, "a.json.gz"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	existing, err := os.ReadFile(filepath.Join(sink, "b.json.gz"))
	require.NoError(t, err)
	assert.Equal(t, "existing", string(existing))
}

func TestRunFailedFileLeavesNoArtifacts(t *testing.T) {
	source, sink := newTestDirs(t)
	good := filepath.Join(source, "good", "a.json.gz")
	bad := filepath.Join(source, "bad", "b.json.gz")
	corrupt := filepath.Join(source, "corrupt", "c.json.gz")
	writeInput(t, good, codec.Gzip, usageLine)
	writeInput(t, bad, codec.Gzip, usageLine, `{"timestamp":"soon","metric":{"_deltaSeconds":60}}`, usageLine)
	require.NoError(t, os.MkdirAll(filepath.Dir(corrupt), 0755))
	require.NoError(t, os.WriteFile(corrupt, []byte("not gzip at all"), 0644))

	tr, err := New(Config{SourceDir: source, SinkDir: sink}, transform.UsageMetrics, quietLogger())
	require.NoError(t, err)

	summary, err := tr.Run(context.Background())
	require.NoError(t, err, "per-file failures do not fail the run")

	assert.Equal(t, 3, summary.Discovered)
	assert.Equal(t, 1, summary.Transformed)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, int64(1), summary.Records, "records of failed files are not counted")
	require.Contains(t, summary.Failures, bad)
	require.Contains(t, summary.Failures, corrupt)
	assert.ErrorIs(t, summary.Failures[bad], transform.ErrNotNumeric)
	assert.Contains(t, summary.Failures[bad].Error(), "line 2")

	assert.Equal(t, []string{"good/a.json.gz"}, listFiles(t, sink))

	// A rerun retries only the failed files
	again, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, 2, again.Failed)
}

func TestRunPathContainsMatchesDirectories(t *testing.T) {
	source, sink := newTestDirs(t)
	writeInput(t, filepath.Join(source, "usage", "2020", "a.json.gz"), codec.Gzip, usageLine)
	writeInput(t, filepath.Join(source, "other", "usage.json.gz"), codec.Gzip, usageLine)
	writeInput(t, filepath.Join(source, "b.json.gz"), codec.Gzip, usageLine)

	tr, err := New(Config{SourceDir: source, SinkDir: sink, PathContains: "usage"}, transform.UsageMetrics, quietLogger())
	require.NoError(t, err)

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Discovered)
	assert.Equal(t, []string{"usage/2020/a.json.gz"}, listFiles(t, sink))
}

func TestRunWithNoFiles(t *testing.T) {
	source, sink := newTestDirs(t)
	require.NoError(t, os.MkdirAll(filepath.Join(source, "empty", "dir"), 0755))

	tr, err := New(Config{SourceDir: source, SinkDir: sink}, transform.UsageMetrics, quietLogger())
	require.NoError(t, err)

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Discovered)
	assert.Equal(t, 0, summary.Processed())
	assert.Nil(t, listFiles(t, sink))
}

func TestRunCancelledMidFile(t *testing.T) {
	source, sink := newTestDirs(t)
	writeInput(t, filepath.Join(source, "a.json.gz"), codec.Gzip, usageLine, usageLine, usageLine)
	writeInput(t, filepath.Join(source, "b.json.gz"), codec.Gzip, usageLine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	cancelling := func(rec *record.Object, spec fields.Spec) (*record.Object, error) {
		calls.Add(1)
		cancel()
		return transform.Identity(rec, spec)
	}

	tr, err := New(Config{SourceDir: source, SinkDir: sink, Parallelism: 1}, cancelling, quietLogger())
	require.NoError(t, err)

	summary, err := tr.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, int32(1), calls.Load(), "no record is transformed after cancellation")
	assert.Equal(t, 0, summary.Transformed)
	assert.Equal(t, 1, summary.Cancelled)
	assert.Nil(t, listFiles(t, sink), "cancelled files leave neither output nor temp file")
}

func TestRunManyFilesInParallel(t *testing.T) {
	source, sink := newTestDirs(t)
	const n = 40
	for i := 0; i < n; i++ {
		writeInput(t, filepath.Join(source, fmt.Sprintf("d%d", i%4), fmt.Sprintf("f%02d.json.gz", i)), codec.Gzip, usageLine, usageLine)
	}

	tr, err := New(Config{SourceDir: source, SinkDir: sink, Parallelism: 8}, transform.UsageMetrics, quietLogger())
	require.NoError(t, err)

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, summary.Transformed)
	assert.Equal(t, int64(2*n), summary.Records)

	files := listFiles(t, sink)
	assert.Len(t, files, n)
	for _, f := range files {
		assert.False(t, strings.HasPrefix(filepath.Base(f), "."), "temp file left behind: %s", f)
	}
}

func TestRunZstd(t *testing.T) {
	source, sink := newTestDirs(t)
	writeInput(t, filepath.Join(source, "a.json.zst"), codec.Zstd, usageLine)
	writeInput(t, filepath.Join(source, "b.json"), codec.Zstd, usageLine)

	t.Run("detected from extension", func(t *testing.T) {
		tr, err := New(Config{SourceDir: source, SinkDir: sink}, transform.UsageMetrics, quietLogger())
		require.NoError(t, err)

		summary, err := tr.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Transformed)
		assert.Equal(t, 1, summary.Failed, "b.json is read as gzip")
		assert.Equal(t, []string{usageOut}, readOutput(t, filepath.Join(sink, "a.json.zst"), codec.Zstd))
	})

	t.Run("forced", func(t *testing.T) {
		tr, err := New(Config{SourceDir: source, SinkDir: sink, Compression: codec.Zstd}, transform.UsageMetrics, quietLogger())
		require.NoError(t, err)

		summary, err := tr.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Transformed)
		assert.Equal(t, 1, summary.Skipped)
		assert.Equal(t, []string{usageOut}, readOutput(t, filepath.Join(sink, "b.json"), codec.Zstd))
	})
}

func TestRunWithBlobSink(t *testing.T) {
	source, _ := newTestDirs(t)
	writeInput(t, filepath.Join(source, "2020", "a.json.gz"), codec.Gzip, usageLine)
	writeInput(t, filepath.Join(source, "2020", "b.json.gz"), codec.Gzip, `{"timestamp":1}`)

	ctx := context.Background()
	sink, err := storage.NewBlobSink(ctx, "mem://", "clean")
	require.NoError(t, err)
	defer sink.Close()

	tr, err := New(Config{SourceDir: source}, transform.UsageMetrics, WithSink(sink), quietLogger())
	require.NoError(t, err)

	summary, err := tr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Transformed)
	assert.Equal(t, 1, summary.Failed)

	exists, err := sink.Exists(ctx, "2020/a.json.gz")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = sink.Exists(ctx, "2020/b.json.gz")
	require.NoError(t, err)
	assert.False(t, exists, "failed uploads are never published")

	again, err := tr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)
}

// recordingSink keeps uploads in memory and captures what each upload held
// when it was aborted.
type recordingSink struct {
	mu      sync.Mutex
	aborted map[string][]byte
}

func (s *recordingSink) Exists(ctx context.Context, key string) (bool, error) { return false, nil }

func (s *recordingSink) Create(ctx context.Context, key string) (storage.Upload, error) {
	return &recordingUpload{sink: s, key: key}, nil
}

func (s *recordingSink) URI(key string) string { return "mem://" + key }

func (s *recordingSink) Close() error { return nil }

type recordingUpload struct {
	sink *recordingSink
	key  string
	buf  bytes.Buffer
}

func (u *recordingUpload) Write(p []byte) (int, error) { return u.buf.Write(p) }

func (u *recordingUpload) Commit() error { return nil }

func (u *recordingUpload) Abort() error {
	u.sink.mu.Lock()
	defer u.sink.mu.Unlock()
	if u.sink.aborted == nil {
		u.sink.aborted = make(map[string][]byte)
	}
	u.sink.aborted[u.key] = bytes.Clone(u.buf.Bytes())
	return nil
}

func TestRunClosesEncoderBeforeAbort(t *testing.T) {
	source, _ := newTestDirs(t)
	writeInput(t, filepath.Join(source, "a.json.zst"), codec.Zstd, usageLine, `{"timestamp":1}`)

	sink := &recordingSink{}
	tr, err := New(Config{SourceDir: source}, transform.UsageMetrics, WithSink(sink), quietLogger())
	require.NoError(t, err)

	summary, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	require.Contains(t, sink.aborted, "a.json.zst")
	dec, err := zstd.NewReader(bytes.NewReader(sink.aborted["a.json.zst"]))
	require.NoError(t, err)
	defer dec.Close()

	// A complete frame means the encoder was closed, not left for the GC
	data, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, usageOut+"\n", string(data))
}

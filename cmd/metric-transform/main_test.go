package main

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/metric-transformer/internal/config"
)

func parseFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	fs := flag.NewFlagSet("metric-transform", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	defineFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestApplyFlagsOverridesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Job.PathContains = "from-config"
	cfg.Logging.Level = "warn"

	fs := parseFlags(t, "-parallelism", "12", "-fields", "-@version, metric.tenant", "-bucket", "mem://", "/data/raw", "/data/clean")
	require.NoError(t, applyFlags(fs, &cfg))

	assert.Equal(t, 12, cfg.Job.Parallelism)
	assert.Equal(t, []string{"-@version", "metric.tenant"}, cfg.Job.Fields)
	assert.Equal(t, "blob", cfg.Storage.Backend)
	assert.Equal(t, "mem://", cfg.Storage.BucketURL)
	assert.Equal(t, "/data/raw", cfg.Job.SourceDir)
	assert.Equal(t, "/data/clean", cfg.Storage.SinkDir)

	// flags left unset keep the loaded values
	assert.Equal(t, "from-config", cfg.Job.PathContains)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestApplyFlagsParallelismDefaultsToConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Job.Parallelism = 3

	require.NoError(t, applyFlags(parseFlags(t, "/data/raw"), &cfg))
	assert.Equal(t, 3, cfg.Job.Parallelism)
	assert.Equal(t, "/data/raw", cfg.Job.SourceDir)
}

func TestApplyFlagsRejectsExtraArgs(t *testing.T) {
	cfg := config.Default()
	assert.Error(t, applyFlags(parseFlags(t, "a", "b", "c"), &cfg))
}

func TestParallelismFlagMustBeInteger(t *testing.T) {
	fs := flag.NewFlagSet("metric-transform", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	defineFlags(fs)
	assert.Error(t, fs.Parse([]string{"-parallelism", "many"}))
}

package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/metric-transformer/internal/transformer"
)

type Config struct {
	Job     JobConfig     `yaml:"job"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type JobConfig struct {
	SourceDir    string   `yaml:"source_dir"`
	PathContains string   `yaml:"path_contains"`
	Fields       []string `yaml:"fields"`
	Parallelism  int      `yaml:"parallelism"`
	Compression  string   `yaml:"compression"`
	Transform    string   `yaml:"transform"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend"`
	SinkDir   string `yaml:"sink_dir"`
	BucketURL string `yaml:"bucket_url"`
	Prefix    string `yaml:"prefix"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Job: JobConfig{
			Parallelism: transformer.DefaultParallelism,
			Compression: "auto",
			Transform:   "usage_metrics",
		},
		Storage: StorageConfig{
			Backend: "local",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Namespace: "metric_transformer",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load for main: any error is fatal.
func MustLoad(path string) Config {
	log.Println("[config] loading")

	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func loadYAML(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file does not exist: %s", path)
		}
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Job.SourceDir, "SOURCE_DIR")
	setString(&cfg.Job.PathContains, "PATH_CONTAINS")
	setString(&cfg.Job.Compression, "COMPRESSION")
	setString(&cfg.Job.Transform, "TRANSFORM")
	if v := os.Getenv("FIELDS"); v != "" {
		cfg.Job.Fields = SplitList(v)
	}
	if v := os.Getenv("PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PARALLELISM %q: %w", v, err)
		}
		cfg.Job.Parallelism = n
	}

	setString(&cfg.Storage.SinkDir, "SINK_DIR")
	setString(&cfg.Storage.Prefix, "SINK_PREFIX")
	if v := os.Getenv("SINK_BUCKET_URL"); v != "" {
		cfg.Storage.BucketURL = v
		cfg.Storage.Backend = "blob"
	}
	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")

	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")

	setString(&cfg.Metrics.Address, "METRICS_ADDR")
	setString(&cfg.Metrics.Namespace, "METRICS_NAMESPACE")
	return nil
}

// SplitList splits a comma-separated list, trimming blanks around entries and
// dropping empty ones.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

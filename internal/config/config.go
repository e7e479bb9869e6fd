package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"s3migrate/internal/storage"
)

// MinChunkSize is the smallest part size S3 accepts for every part but the last.
const MinChunkSize = 5 * 1024 * 1024

// Config represents the application configuration
type Config struct {
	Source    S3Config  `yaml:"source"`
	Target    S3Config  `yaml:"target"`
	Migration Migration `yaml:"migration"`
	Metrics   Metrics   `yaml:"metrics"`
	LogLevel  string    `yaml:"log_level"`
	LogFormat string    `yaml:"log_format"`
}

// S3Config represents S3-compatible storage configuration
type S3Config struct {
	Driver    string `yaml:"driver"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
	PathStyle bool   `yaml:"path_style"`
	// IsR2 marks a source that rejects ranged reads of large objects.
	IsR2 bool `yaml:"is_r2"`
}

// Storage converts the endpoint section into a storage client config.
func (s S3Config) Storage() storage.Config {
	return storage.Config{
		Driver:    s.Driver,
		Endpoint:  s.Endpoint,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		Region:    s.Region,
		Secure:    s.Secure,
		PathStyle: s.PathStyle,
	}
}

// Migration represents migration-specific configuration
type Migration struct {
	Buckets         []string `yaml:"buckets"`
	Prefix          string   `yaml:"prefix"`
	MaxWorkers      int      `yaml:"max_workers"`
	ChunkSize       int64    `yaml:"chunk_size"`
	PartConcurrency int      `yaml:"part_concurrency"`
	DirectRead      bool     `yaml:"direct_read"`
	MaxDirectSize   int64    `yaml:"max_direct_size"`
	MaxRetries      int      `yaml:"max_retries"`
	RetryBackoffMs  int      `yaml:"retry_backoff_ms"`
	CopyInPlace     bool     `yaml:"copy_in_place"`
	SkipExisting    bool     `yaml:"skip_existing"`
	DryRun          bool     `yaml:"dry_run"`
	Checkpoint      string   `yaml:"checkpoint"`
	Resume          bool     `yaml:"resume"`
	FailureDir      string   `yaml:"failure_dir"`
	ShowProgress    bool     `yaml:"show_progress"`
}

// Metrics configures the Prometheus endpoint
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when neither file nor flags set a value.
func Default() *Config {
	return &Config{
		Source:    S3Config{Driver: storage.DriverMinIO},
		Target:    S3Config{Driver: storage.DriverMinIO},
		LogLevel:  "info",
		LogFormat: "console",
		Migration: Migration{
			MaxWorkers:      10,
			ChunkSize:       8 * 1024 * 1024, // 8MB
			PartConcurrency: 1,
			MaxDirectSize:   500 * 1024 * 1024, // 500MB
			MaxRetries:      3,
			RetryBackoffMs:  1000,
			SkipExisting:    true,
			FailureDir:      ".",
			ShowProgress:    true,
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// RegisterFlags adds every overridable setting to flags. Defaults shown in
// help mirror Default; only flags the user changes are applied.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()

	// Source flags
	flags.String("src-driver", d.Source.Driver, "Source client driver (minio/aws)")
	flags.String("src-endpoint", "", "Source endpoint")
	flags.String("src-access-key", "", "Source access key")
	flags.String("src-secret-key", "", "Source secret key")
	flags.String("src-region", "", "Source region")
	flags.Bool("src-secure", false, "Use HTTPS for source")
	flags.Bool("src-path-style", false, "Use path-style addressing for source")
	flags.Bool("is-source-r2", false, "Source is Cloudflare R2 (no ranged reads)")

	// Destination flags
	flags.String("dst-driver", d.Target.Driver, "Target client driver (minio/aws)")
	flags.String("dst-endpoint", "", "Target endpoint")
	flags.String("dst-access-key", "", "Target access key")
	flags.String("dst-secret-key", "", "Target secret key")
	flags.String("dst-region", "", "Target region")
	flags.Bool("dst-secure", false, "Use HTTPS for target")
	flags.Bool("dst-path-style", false, "Use path-style addressing for target")

	// Migration flags
	flags.StringSlice("buckets", nil, "Buckets to migrate (comma separated)")
	flags.String("prefix", "", "Object prefix filter")
	flags.Int("max-workers", d.Migration.MaxWorkers, "Number of concurrent workers per bucket")
	flags.Int64("chunk-size", d.Migration.ChunkSize, "Multipart chunk size in bytes")
	flags.Int("part-concurrency", d.Migration.PartConcurrency, "Parts uploaded in parallel per object")
	flags.Bool("direct-read", false, "Read small objects whole instead of in chunks")
	flags.Int64("max-direct-size", d.Migration.MaxDirectSize, "Largest object read whole when --direct-read is set")
	flags.Int("retries", d.Migration.MaxRetries, "Maximum attempts per operation")
	flags.Int("retry-backoff-ms", d.Migration.RetryBackoffMs, "Initial retry backoff in milliseconds")
	flags.Bool("copy-in-place", false, "Use server-side copy (source and target share an endpoint)")
	flags.Bool("skip-existing", d.Migration.SkipExisting, "Skip objects that already exist on the target with the same size")
	flags.Bool("dry-run", false, "List objects without migrating")
	flags.String("checkpoint", "", "Checkpoint database file (empty disables)")
	flags.Bool("resume", false, "Resume from checkpoint")
	flags.String("failure-dir", d.Migration.FailureDir, "Directory for failed object lists")
	flags.Bool("show-progress", d.Migration.ShowProgress, "Show progress display (auto-disabled for dry-run)")

	flags.String("metrics-addr", "", "Prometheus listen address, e.g. :9090 (empty disables)")
	flags.String("log-level", d.LogLevel, "Log level (debug/info/warn/error)")
	flags.String("log-format", d.LogFormat, "Log format (console/json)")
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	var errs []string
	str := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetString(name)
			if err != nil {
				errs = append(errs, err.Error())
				return
			}
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetBool(name)
			if err != nil {
				errs = append(errs, err.Error())
				return
			}
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetInt(name)
			if err != nil {
				errs = append(errs, err.Error())
				return
			}
			*dst = v
		}
	}
	int64Flag := func(name string, dst *int64) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetInt64(name)
			if err != nil {
				errs = append(errs, err.Error())
				return
			}
			*dst = v
		}
	}

	str("src-driver", &cfg.Source.Driver)
	str("src-endpoint", &cfg.Source.Endpoint)
	str("src-access-key", &cfg.Source.AccessKey)
	str("src-secret-key", &cfg.Source.SecretKey)
	str("src-region", &cfg.Source.Region)
	boolean("src-secure", &cfg.Source.Secure)
	boolean("src-path-style", &cfg.Source.PathStyle)
	boolean("is-source-r2", &cfg.Source.IsR2)

	str("dst-driver", &cfg.Target.Driver)
	str("dst-endpoint", &cfg.Target.Endpoint)
	str("dst-access-key", &cfg.Target.AccessKey)
	str("dst-secret-key", &cfg.Target.SecretKey)
	str("dst-region", &cfg.Target.Region)
	boolean("dst-secure", &cfg.Target.Secure)
	boolean("dst-path-style", &cfg.Target.PathStyle)

	if f := flags.Lookup("buckets"); f != nil && f.Changed {
		buckets, err := flags.GetStringSlice("buckets")
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			cfg.Migration.Buckets = buckets
		}
	}
	str("prefix", &cfg.Migration.Prefix)
	integer("max-workers", &cfg.Migration.MaxWorkers)
	int64Flag("chunk-size", &cfg.Migration.ChunkSize)
	integer("part-concurrency", &cfg.Migration.PartConcurrency)
	boolean("direct-read", &cfg.Migration.DirectRead)
	int64Flag("max-direct-size", &cfg.Migration.MaxDirectSize)
	integer("retries", &cfg.Migration.MaxRetries)
	integer("retry-backoff-ms", &cfg.Migration.RetryBackoffMs)
	boolean("copy-in-place", &cfg.Migration.CopyInPlace)
	boolean("skip-existing", &cfg.Migration.SkipExisting)
	boolean("dry-run", &cfg.Migration.DryRun)
	str("checkpoint", &cfg.Migration.Checkpoint)
	boolean("resume", &cfg.Migration.Resume)
	str("failure-dir", &cfg.Migration.FailureDir)
	boolean("show-progress", &cfg.Migration.ShowProgress)

	str("metrics-addr", &cfg.Metrics.Addr)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Target.validate("target"); err != nil {
		return err
	}

	m := c.Migration
	cleaned := m.Buckets[:0:0]
	for _, b := range m.Buckets {
		if b = strings.TrimSpace(b); b != "" {
			cleaned = append(cleaned, b)
		}
	}
	if len(cleaned) == 0 {
		return fmt.Errorf("at least one bucket is required")
	}
	c.Migration.Buckets = cleaned

	if m.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive")
	}
	if m.ChunkSize < MinChunkSize {
		return fmt.Errorf("chunk size must be at least 5MB")
	}
	if m.PartConcurrency < 1 {
		return fmt.Errorf("part concurrency must be at least 1")
	}
	if m.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if m.RetryBackoffMs < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if m.MaxDirectSize < 0 {
		return fmt.Errorf("max direct size cannot be negative")
	}
	if m.Resume && m.Checkpoint == "" {
		return fmt.Errorf("resume requires a checkpoint file")
	}
	if m.FailureDir == "" {
		c.Migration.FailureDir = "."
	}

	return nil
}

func (s *S3Config) validate(name string) error {
	if s.Driver == "" {
		s.Driver = storage.DriverMinIO
	}
	if s.Driver != storage.DriverMinIO && s.Driver != storage.DriverAWS {
		return fmt.Errorf("%s driver must be %q or %q, got %q", name, storage.DriverMinIO, storage.DriverAWS, s.Driver)
	}
	if s.Endpoint == "" {
		return fmt.Errorf("%s endpoint is required", name)
	}
	if s.AccessKey == "" {
		return fmt.Errorf("%s access key is required", name)
	}
	if s.SecretKey == "" {
		return fmt.Errorf("%s secret key is required", name)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
source:
  endpoint: https://acct.r2.cloudflarestorage.com
  access_key: src-ak
  secret_key: src-sk
  driver: aws
  region: auto
  is_r2: true
target:
  endpoint: localhost:9000
  access_key: dst-ak
  secret_key: dst-sk
migration:
  buckets: [photos, " ", backups]
  max_workers: 4
  chunk_size: 16777216
log_level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML), newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "aws", cfg.Source.Driver)
	assert.True(t, cfg.Source.IsR2)
	assert.Equal(t, "minio", cfg.Target.Driver)
	assert.Equal(t, []string{"photos", "backups"}, cfg.Migration.Buckets)
	assert.Equal(t, 4, cfg.Migration.MaxWorkers)
	assert.Equal(t, int64(16777216), cfg.Migration.ChunkSize)
	assert.Equal(t, "debug", cfg.LogLevel)

	// untouched defaults survive
	assert.Equal(t, 3, cfg.Migration.MaxRetries)
	assert.Equal(t, 1000, cfg.Migration.RetryBackoffMs)
	assert.Equal(t, int64(524288000), cfg.Migration.MaxDirectSize)
	assert.True(t, cfg.Migration.SkipExisting)
	assert.Equal(t, ".", cfg.Migration.FailureDir)
}

func TestFlagsOverrideFile(t *testing.T) {
	flags := newFlags(t,
		"--buckets", "a,b,c",
		"--max-workers", "32",
		"--retries", "5",
		"--direct-read",
		"--skip-existing=false",
		"--dst-secure",
		"--log-format", "json",
	)
	cfg, err := Load(writeConfig(t, sampleYAML), flags)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, cfg.Migration.Buckets)
	assert.Equal(t, 32, cfg.Migration.MaxWorkers)
	assert.Equal(t, 5, cfg.Migration.MaxRetries)
	assert.True(t, cfg.Migration.DirectRead)
	assert.False(t, cfg.Migration.SkipExisting)
	assert.True(t, cfg.Target.Secure)
	assert.Equal(t, "json", cfg.LogFormat)
	// file value kept where no flag was given
	assert.Equal(t, int64(16777216), cfg.Migration.ChunkSize)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Source = S3Config{Endpoint: "src:9000", AccessKey: "a", SecretKey: "s"}
		c.Target = S3Config{Endpoint: "dst:9000", AccessKey: "a", SecretKey: "s"}
		c.Migration.Buckets = []string{"b"}
		return c
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no source endpoint", func(c *Config) { c.Source.Endpoint = "" }, "source endpoint is required"},
		{"no target secret", func(c *Config) { c.Target.SecretKey = "" }, "target secret key is required"},
		{"bad driver", func(c *Config) { c.Target.Driver = "gcs" }, "target driver"},
		{"no buckets", func(c *Config) { c.Migration.Buckets = nil }, "at least one bucket"},
		{"zero workers", func(c *Config) { c.Migration.MaxWorkers = 0 }, "max workers"},
		{"small chunk", func(c *Config) { c.Migration.ChunkSize = 1024 }, "chunk size"},
		{"zero retries", func(c *Config) { c.Migration.MaxRetries = 0 }, "max retries"},
		{"zero part concurrency", func(c *Config) { c.Migration.PartConcurrency = 0 }, "part concurrency"},
		{"resume without checkpoint", func(c *Config) { c.Migration.Resume = true }, "resume requires"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				assert.Equal(t, "minio", c.Source.Driver)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestStorageConfig(t *testing.T) {
	s := S3Config{Driver: "aws", Endpoint: "e", AccessKey: "a", SecretKey: "s", Region: "auto", Secure: true, PathStyle: true, IsR2: true}
	sc := s.Storage()
	assert.Equal(t, "aws", sc.Driver)
	assert.Equal(t, "auto", sc.Region)
	assert.True(t, sc.PathStyle)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

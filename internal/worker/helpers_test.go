package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"s3migrate/internal/storage"
	"s3migrate/internal/storage/storagetest"
)

func testConfig() Config {
	return Config{
		ChunkSize:       1024,
		PartConcurrency: 1,
		MaxDirectSize:   4096,
		MaxRetries:      3,
		RetryBackoff:    time.Second,
	}
}

func newTestProcessor(t *testing.T, cfg Config, src, dst storage.Client) *TaskProcessor {
	t.Helper()
	p := NewTaskProcessor(cfg, src, dst, nil, nil, zaptest.NewLogger(t))
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// seed stores a patterned object in bucket "src" and returns its listing entry.
func seed(t *testing.T, m *storagetest.Memory, key string, size int) (Task, []byte) {
	t.Helper()
	data := pattern(size)
	m.PutBytes("src", key, data)
	info, ok := m.Info("src", key)
	require.True(t, ok)
	return Task{Object: info, SourceBucket: "src", TargetBucket: "dst"}, data
}

func newEndpoints() (src, dst *storagetest.Memory) {
	src, dst = storagetest.NewMemory(), storagetest.NewMemory()
	src.MakeBucket("src")
	dst.MakeBucket("dst")
	return src, dst
}

type collector struct {
	mu   sync.Mutex
	outs []Outcome
}

func (c *collector) Record(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outs = append(c.outs, o)
}

func (c *collector) outcomes() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outcome(nil), c.outs...)
}

func transient(code string) error {
	return &storage.Error{Op: "test", Code: code, Status: 503, Kind: storage.KindTransient}
}

package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"s3migrate/internal/storage"
)

func TestSelectStrategyTable(t *testing.T) {
	const limit = 524288000

	tests := []struct {
		name       string
		size       int64
		directRead bool
		r2         bool
		want       Strategy
	}{
		{"direct small", 1024, true, false, DirectReadWrite},
		{"direct small r2", 1024, true, true, DirectReadWrite},
		{"direct at limit", limit, true, false, DirectReadWrite},
		{"direct large", limit + 1, true, false, ChunkedReadWrite},
		{"direct large r2", limit + 1, true, true, ChunkedWholeBuffer},
		{"chunked small", 1024, false, false, ChunkedReadWrite},
		{"chunked small r2", 1024, false, true, ChunkedWholeBuffer},
		{"chunked large r2", limit * 2, false, true, ChunkedWholeBuffer},
		{"empty object", 0, false, true, DirectReadWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{DirectRead: tt.directRead, IsSourceR2: tt.r2, MaxDirectSize: limit}
			got := SelectStrategy(storage.ObjectInfo{Key: "k", Size: tt.size}, cfg)
			assert.Equal(t, tt.want, got, got.String())
		})
	}
}

func TestSelectStrategyMixedBucket(t *testing.T) {
	cfg := Config{DirectRead: true, MaxDirectSize: 524288000}

	var got []Strategy
	for _, size := range []int64{0, 1024, 600000000} {
		got = append(got, SelectStrategy(storage.ObjectInfo{Size: size}, cfg))
	}
	assert.Equal(t, []Strategy{DirectReadWrite, DirectReadWrite, ChunkedReadWrite}, got)
}

func TestSelectStrategyCopyInPlace(t *testing.T) {
	cfg := Config{CopyInPlace: true, IsSourceR2: true}

	assert.Equal(t, CopyInPlace, SelectStrategy(storage.ObjectInfo{Size: 1}, cfg))
	assert.Equal(t, CopyInPlace, SelectStrategy(storage.ObjectInfo{Size: MaxCopySize}, cfg))
	assert.Equal(t, ChunkedWholeBuffer, SelectStrategy(storage.ObjectInfo{Size: MaxCopySize + 1}, cfg))
	assert.Equal(t, DirectReadWrite, SelectStrategy(storage.ObjectInfo{Size: 0}, cfg))
}

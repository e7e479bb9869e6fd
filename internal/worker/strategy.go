package worker

import "s3migrate/internal/storage"

// MaxCopySize is the largest object a single server-side copy request accepts.
const MaxCopySize int64 = 5 * 1024 * 1024 * 1024

// Strategy is the way one object is moved from source to target.
type Strategy int

const (
	// DirectReadWrite reads the whole object and writes it with one put.
	DirectReadWrite Strategy = iota
	// ChunkedReadWrite streams ranged reads into a multipart upload.
	ChunkedReadWrite
	// ChunkedWholeBuffer reads the whole object, then uploads it in parts.
	// Used for sources that reject ranged reads.
	ChunkedWholeBuffer
	// CopyInPlace asks the target to copy server side.
	CopyInPlace
)

func (s Strategy) String() string {
	switch s {
	case DirectReadWrite:
		return "DirectReadWrite"
	case ChunkedReadWrite:
		return "ChunkedReadWrite"
	case ChunkedWholeBuffer:
		return "ChunkedWholeBuffer"
	case CopyInPlace:
		return "CopyInPlace"
	default:
		return "Unknown"
	}
}

// SelectStrategy picks the transfer strategy for obj. It has no side effects.
func SelectStrategy(obj storage.ObjectInfo, cfg Config) Strategy {
	if obj.Size == 0 {
		return DirectReadWrite
	}
	if cfg.CopyInPlace && obj.Size <= MaxCopySize {
		return CopyInPlace
	}
	if cfg.DirectRead && obj.Size <= cfg.MaxDirectSize {
		return DirectReadWrite
	}
	if cfg.IsSourceR2 {
		return ChunkedWholeBuffer
	}
	return ChunkedReadWrite
}

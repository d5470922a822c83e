package modelcache

import (
	"time"

	"github.com/MrWong99/murmur/pkg/model"
)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusNotCached Status = iota
	StatusDownloading
	StatusCached
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusDownloading:
		return "downloading"
	case StatusCached:
		return "cached"
	case StatusCorrupt:
		return "corrupt"
	default:
		return "not_cached"
	}
}

// Progress reports download progress. Received never decreases within one
// download.
type Progress struct {
	Received int64 `msgpack:"received" json:"received"`
	Total    int64 `msgpack:"total" json:"total"`
}

// Percent returns completion in [0, 100]. It is 0 when Total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return min(100, float64(p.Received)*100/float64(p.Total))
}

// Done reports whether every byte has been received.
func (p Progress) Done() bool { return p.Total > 0 && p.Received >= p.Total }

// Entry is the persisted record of one (ID, Version).
type Entry struct {
	Descriptor model.Descriptor `msgpack:"descriptor"`
	Status     Status           `msgpack:"status"`
	Progress   Progress         `msgpack:"progress"`

	// CachedAt is set when the blob was verified.
	CachedAt time.Time `msgpack:"cached_at"`

	// LastUsed drives least-recently-used eviction.
	LastUsed time.Time `msgpack:"last_used"`

	// Reason describes why the entry is Corrupt or why the last download
	// failed.
	Reason string `msgpack:"reason,omitempty"`
}

// Key returns the entry's cache key.
func (e Entry) Key() model.Key { return e.Descriptor.Key() }

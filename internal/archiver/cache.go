package archiver

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"site-snapshot/internal/compression"
)

// approximate in-memory cost of one queued entry beyond its path strings
const entryOverhead = 96

// QueueCache persists an expensive enumeration so a later invocation can
// skip the walk.
type QueueCache struct {
	path  string
	codec compression.Codec
	ttl   time.Duration
}

// NewQueueCache creates a cache stored at path
func NewQueueCache(path string, codec compression.Codec, ttl time.Duration) *QueueCache {
	return &QueueCache{path: path, codec: codec, ttl: ttl}
}

// Path returns the cache file location
func (c *QueueCache) Path() string { return c.path }

// Load returns the cached queue. ok is false when there is no usable cache:
// missing, expired, or too large for the memory still available.
func (c *QueueCache) Load(now time.Time) (entries []FileQueueEntry, ok bool, err error) {
	info, err := os.Stat(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if now.Sub(info.ModTime()) > c.ttl {
		return nil, false, nil
	}
	// compressed paths expand roughly tenfold
	if !fitsInMemory(info.Size() * 10) {
		return nil, false, nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, false, err
	}
	raw, err := compression.Decompress(c.codec, data)
	if err != nil {
		// a truncated cache is simply not used
		return nil, false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var e FileQueueEntry
		if err := dec.Decode(&e); err != nil {
			return nil, false, nil
		}
		entries = append(entries, e)
	}
	return entries, true, nil
}

// Save writes entries, replacing any previous cache atomically. The
// returned stats describe how well the queue compressed.
func (c *QueueCache) Save(entries []FileQueueEntry) (*compression.Stats, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	data, stats, err := compression.Compress(c.codec, buf.Bytes())
	if err != nil {
		return nil, err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	return stats, nil
}

// Remove deletes the cache
func (c *QueueCache) Remove() error {
	err := os.Remove(c.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// estimateQueueBytes approximates the heap a queue occupies
func estimateQueueBytes(entries []FileQueueEntry) int64 {
	var n int64
	for _, e := range entries {
		n += int64(len(e.AbsPath)+len(e.StoredAs)) + entryOverhead
	}
	return n
}

// fitsInMemory reports whether need bytes fit under the soft memory limit
func fitsInMemory(need int64) bool {
	limit := debug.SetMemoryLimit(-1)
	if limit == math.MaxInt64 {
		return true
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used := int64(ms.HeapAlloc)
	return limit-used > need
}

// Package cache keeps reconstructed volumes and resampled planes in
// memory, keyed by series version, so repeated requests neither rebuild
// the volume nor resample the plane. Concurrent requests for the same
// series share one build; volume memory is byte-bounded with LRU
// eviction.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/imaging"
	"github.com/halcyonimaging/pacscore/index"
	"github.com/halcyonimaging/pacscore/metrics"
	"github.com/halcyonimaging/pacscore/types"
	"github.com/halcyonimaging/pacscore/volume"
)

// maxEntries bounds the LRU entry count; the effective limit is the
// byte budget, this just sizes the structure.
const maxEntries = 1024

// maxPlaneEntries bounds the resampled plane cache. Planes are two
// orders of magnitude smaller than volumes, so a plain entry count is
// enough.
const maxPlaneEntries = 4096

// VolumeBuilder reconstructs a series into a volume. Implemented by
// volume.Builder.
type VolumeBuilder interface {
	Build(ctx context.Context, seriesInstanceUID string) (*volume.Volume, error)
}

// Versioner resolves the current version of a series. Implemented by
// index.Indexer.
type Versioner interface {
	SeriesVersion(seriesInstanceUID string) (types.SeriesVersion, error)
}

// Cache is the reconstruction cache. Keys embed the series version, so
// a stale entry can never be returned for a series that has since
// changed; InvalidateSeries additionally frees the memory eagerly.
type Cache struct {
	builder  VolumeBuilder
	version  Versioner
	logger   *slog.Logger
	group    singleflight.Group
	workers  *semaphore.Weighted
	pending  atomic.Int64
	maxQueue int64

	mu       sync.Mutex
	entries  *lru.Cache[string, *volume.Volume]
	bytes    int64
	maxBytes int64

	planes *lru.Cache[string, *imaging.Frame]
}

// Options configure the cache.
type Options struct {
	// MaxBytes bounds resident volume data. Zero means 1 GiB.
	MaxBytes int64
	// Workers bounds concurrent volume builds. Zero means 2.
	Workers int64
	// MaxQueue bounds builds waiting for a worker; requests beyond it
	// fail with OverloadError. Zero means 8.
	MaxQueue int64
}

// New creates a reconstruction cache.
func New(builder VolumeBuilder, version Versioner, opts Options, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 1 << 30
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 8
	}

	c := &Cache{
		builder:  builder,
		version:  version,
		logger:   logger,
		workers:  semaphore.NewWeighted(opts.Workers),
		maxQueue: opts.MaxQueue,
		maxBytes: opts.MaxBytes,
	}

	entries, err := lru.NewWithEvict[string, *volume.Volume](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.entries = entries

	planes, err := lru.New[string, *imaging.Frame](maxPlaneEntries)
	if err != nil {
		return nil, err
	}
	c.planes = planes
	return c, nil
}

// onEvict runs under c.mu via the lru callbacks triggered by Add/Remove.
func (c *Cache) onEvict(key string, vol *volume.Volume) {
	c.bytes -= vol.ByteSize()
	metrics.CacheEvictions.Inc()
	metrics.CacheBytes.Set(float64(c.bytes))
}

// Volume returns the current-version volume for the series, building it
// if needed. Concurrent callers for the same series version share one
// build and all receive the same volume or the same error.
func (c *Cache) Volume(ctx context.Context, seriesInstanceUID string) (*volume.Volume, error) {
	ver, err := c.version.SeriesVersion(seriesInstanceUID)
	if err != nil {
		return nil, err
	}
	key := volumeKey(seriesInstanceUID, ver.Checksum)

	c.mu.Lock()
	if vol, ok := c.entries.Get(key); ok {
		c.mu.Unlock()
		metrics.CacheHits.WithLabelValues("volume").Inc()
		return vol, nil
	}
	c.mu.Unlock()
	metrics.CacheMisses.WithLabelValues("volume").Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: another flight may have populated the entry between
		// the miss and this closure running.
		c.mu.Lock()
		if vol, ok := c.entries.Get(key); ok {
			c.mu.Unlock()
			return vol, nil
		}
		c.mu.Unlock()

		if c.pending.Add(1) > c.maxQueue {
			c.pending.Add(-1)
			metrics.BuildOverload.Inc()
			return nil, &dcmerr.OverloadError{Queue: "volume build"}
		}
		defer c.pending.Add(-1)

		if err := c.workers.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.workers.Release(1)

		vol, err := c.builder.Build(ctx, seriesInstanceUID)
		if err != nil {
			return nil, err
		}
		c.add(key, vol)
		return vol, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*volume.Volume), nil
}

func (c *Cache) add(key string, vol *volume.Volume) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, vol)
	c.bytes += vol.ByteSize()
	for c.bytes > c.maxBytes && c.entries.Len() > 1 {
		c.entries.RemoveOldest()
	}
	metrics.CacheBytes.Set(float64(c.bytes))
}

// Plane resamples a plane from the series' current volume, serving
// repeated requests for the same volume version and plane parameters
// from cache. Resample failures are never cached.
func (c *Cache) Plane(ctx context.Context, seriesInstanceUID string, req volume.PlaneRequest) (*imaging.Frame, error) {
	vol, err := c.Volume(ctx, seriesInstanceUID)
	if err != nil {
		return nil, err
	}
	key := planeKey(vol, req)
	if frame, ok := c.planes.Get(key); ok {
		metrics.CacheHits.WithLabelValues("plane").Inc()
		return frame, nil
	}
	metrics.CacheMisses.WithLabelValues("plane").Inc()

	frame, err := volume.ResamplePlane(vol, req)
	if err != nil {
		return nil, err
	}
	c.planes.Add(key, frame)
	return frame, nil
}

// Project collapses the series' current volume along Z, caching the
// result per volume version and projection kind.
func (c *Cache) Project(ctx context.Context, seriesInstanceUID string, kind string) (*imaging.Frame, error) {
	vol, err := c.Volume(ctx, seriesInstanceUID)
	if err != nil {
		return nil, err
	}
	key := projectionKey(vol, kind)
	if frame, ok := c.planes.Get(key); ok {
		metrics.CacheHits.WithLabelValues("plane").Inc()
		return frame, nil
	}
	metrics.CacheMisses.WithLabelValues("plane").Inc()

	frame, err := volume.Project(vol, kind)
	if err != nil {
		return nil, err
	}
	c.planes.Add(key, frame)
	return frame, nil
}

// InvalidateSeries drops every cached volume and plane of the series,
// whatever version they were built from. Implements index.Invalidator.
func (c *Cache) InvalidateSeries(seriesInstanceUID string) {
	prefix := seriesInstanceUID + "@"
	c.mu.Lock()
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
	c.mu.Unlock()

	for _, key := range c.planes.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.planes.Remove(key)
		}
	}
}

// Stats reports the current cache footprint.
func (c *Cache) Stats() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len(), c.bytes
}

func volumeKey(seriesUID string, checksum uint64) string {
	return fmt.Sprintf("%s@%016x", seriesUID, checksum)
}

// planeKey identifies one resampled plane of one volume version. The
// orthogonal orientations are fully described by orientation and index;
// oblique planes fold in every sampling parameter.
func planeKey(vol *volume.Volume, req volume.PlaneRequest) string {
	base := fmt.Sprintf("%s/%s/%d",
		volumeKey(vol.SeriesInstanceUID, vol.Version.Checksum), req.Orientation, req.Index)
	if req.Orientation == volume.PlaneOblique {
		base += fmt.Sprintf("/%v/%v/%v/%dx%d/%g",
			req.Origin, req.XDir, req.YDir, req.Width, req.Height, req.StepMM)
	}
	return base
}

func projectionKey(vol *volume.Volume, kind string) string {
	return fmt.Sprintf("%s/proj/%s", volumeKey(vol.SeriesInstanceUID, vol.Version.Checksum), kind)
}

var _ index.Invalidator = (*Cache)(nil)

package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dcmerr "github.com/halcyonimaging/pacscore/errors"
	"github.com/halcyonimaging/pacscore/types"
	"github.com/halcyonimaging/pacscore/volume"
)

type fakeBuilder struct {
	mu      sync.Mutex
	builds  int
	voxels  int
	err     error
	started chan struct{} // closed-once signal that a build began
	release chan struct{} // builds block until this closes, when set
}

func (b *fakeBuilder) Build(ctx context.Context, seriesInstanceUID string) (*volume.Volume, error) {
	b.mu.Lock()
	b.builds++
	if b.started != nil {
		close(b.started)
		b.started = nil
	}
	release := b.release
	err := b.err
	b.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	voxels := b.voxels
	if voxels == 0 {
		voxels = 8
	}
	return &volume.Volume{
		SeriesInstanceUID: seriesInstanceUID,
		Columns:           voxels,
		Rows:              1,
		Slices:            1,
		Data:              make([]float64, voxels),
	}, nil
}

func (b *fakeBuilder) buildCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds
}

type fakeVersioner struct {
	mu       sync.Mutex
	checksum map[string]uint64
}

func newFakeVersioner() *fakeVersioner {
	return &fakeVersioner{checksum: make(map[string]uint64)}
}

func (v *fakeVersioner) SeriesVersion(seriesInstanceUID string) (types.SeriesVersion, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sum, ok := v.checksum[seriesInstanceUID]
	if !ok {
		return types.SeriesVersion{}, dcmerr.ErrSeriesNotFound
	}
	return types.SeriesVersion{SeriesInstanceUID: seriesInstanceUID, InstanceCount: 1, Checksum: sum}, nil
}

func (v *fakeVersioner) bump(seriesInstanceUID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checksum[seriesInstanceUID]++
}

func TestVolumeCachesByVersion(t *testing.T) {
	builder := &fakeBuilder{}
	versions := newFakeVersioner()
	versions.bump("1.2.3")
	c, err := New(builder, versions, Options{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	first, err := c.Volume(ctx, "1.2.3")
	if err != nil {
		t.Fatalf("Volume failed: %v", err)
	}
	second, err := c.Volume(ctx, "1.2.3")
	if err != nil {
		t.Fatalf("Volume failed: %v", err)
	}
	if first != second {
		t.Error("second request did not hit the cache")
	}
	if builder.buildCount() != 1 {
		t.Errorf("builds = %d, want 1", builder.buildCount())
	}

	// A version change makes the cached entry unreachable.
	versions.bump("1.2.3")
	third, err := c.Volume(ctx, "1.2.3")
	if err != nil {
		t.Fatalf("Volume failed: %v", err)
	}
	if third == first {
		t.Error("stale volume served after version change")
	}
	if builder.buildCount() != 2 {
		t.Errorf("builds = %d, want 2 after version change", builder.buildCount())
	}
}

func TestVolumeUnknownSeries(t *testing.T) {
	c, err := New(&fakeBuilder{}, newFakeVersioner(), Options{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := c.Volume(context.Background(), "1.2.3"); !errors.Is(err, dcmerr.ErrSeriesNotFound) {
		t.Errorf("error = %v, want ErrSeriesNotFound", err)
	}
}

func TestVolumeSharesConcurrentBuilds(t *testing.T) {
	builder := &fakeBuilder{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	versions := newFakeVersioner()
	versions.bump("1.2.3")
	c, err := New(builder, versions, Options{Workers: 4}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	started := builder.started
	const callers = 8
	results := make(chan *volume.Volume, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vol, err := c.Volume(context.Background(), "1.2.3")
			results <- vol
			errs <- err
		}()
	}

	<-started
	close(builder.release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Volume failed: %v", err)
		}
	}
	var first *volume.Volume
	for vol := range results {
		if first == nil {
			first = vol
		} else if vol != first {
			t.Fatal("concurrent callers received different volumes")
		}
	}
	if builder.buildCount() != 1 {
		t.Errorf("builds = %d, want one shared build", builder.buildCount())
	}
}

func TestInvalidateSeriesDropsEntries(t *testing.T) {
	builder := &fakeBuilder{}
	versions := newFakeVersioner()
	versions.bump("1.2.3")
	c, err := New(builder, versions, Options{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := c.Volume(ctx, "1.2.3"); err != nil {
		t.Fatalf("Volume failed: %v", err)
	}
	if entries, _ := c.Stats(); entries != 1 {
		t.Fatalf("entries = %d, want 1", entries)
	}

	c.InvalidateSeries("1.2.3")
	if entries, bytes := c.Stats(); entries != 0 || bytes != 0 {
		t.Errorf("after invalidation entries=%d bytes=%d, want 0/0", entries, bytes)
	}

	// Same version, but the memory was freed, so it rebuilds.
	if _, err := c.Volume(ctx, "1.2.3"); err != nil {
		t.Fatalf("Volume failed: %v", err)
	}
	if builder.buildCount() != 2 {
		t.Errorf("builds = %d, want rebuild after invalidation", builder.buildCount())
	}
}

func TestByteBudgetEviction(t *testing.T) {
	// 64 voxels = 512 bytes per volume against a 1 KiB budget.
	builder := &fakeBuilder{voxels: 64}
	versions := newFakeVersioner()
	for _, uid := range []string{"1.1", "1.2", "1.3"} {
		versions.bump(uid)
	}
	c, err := New(builder, versions, Options{MaxBytes: 1024}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	for _, uid := range []string{"1.1", "1.2"} {
		if _, err := c.Volume(ctx, uid); err != nil {
			t.Fatalf("Volume(%s) failed: %v", uid, err)
		}
	}
	if entries, bytes := c.Stats(); entries != 2 || bytes != 1024 {
		t.Fatalf("entries=%d bytes=%d, want 2/1024", entries, bytes)
	}

	if _, err := c.Volume(ctx, "1.3"); err != nil {
		t.Fatalf("Volume(1.3) failed: %v", err)
	}
	entries, bytes := c.Stats()
	if entries != 2 || bytes != 1024 {
		t.Errorf("entries=%d bytes=%d after eviction, want 2/1024", entries, bytes)
	}

	// The oldest entry went; re-requesting it rebuilds.
	before := builder.buildCount()
	if _, err := c.Volume(ctx, "1.1"); err != nil {
		t.Fatalf("Volume(1.1) failed: %v", err)
	}
	if builder.buildCount() != before+1 {
		t.Error("evicted volume served without a rebuild")
	}
}

func TestOverloadFailsFast(t *testing.T) {
	builder := &fakeBuilder{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	versions := newFakeVersioner()
	versions.bump("1.1")
	versions.bump("1.2")
	c, err := New(builder, versions, Options{Workers: 1, MaxQueue: 1}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	started := builder.started
	done := make(chan error, 1)
	go func() {
		_, err := c.Volume(context.Background(), "1.1")
		done <- err
	}()
	<-started

	// The single queue slot is held by the running build.
	_, err = c.Volume(context.Background(), "1.2")
	var overload *dcmerr.OverloadError
	if !errors.As(err, &overload) {
		t.Fatalf("error = %v, want OverloadError", err)
	}

	close(builder.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued build failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued build never completed")
	}
}

func TestPlaneCachedPerVersion(t *testing.T) {
	builder := &fakeBuilder{}
	versions := newFakeVersioner()
	versions.bump("1.2.3")
	c, err := New(builder, versions, Options{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	req := volume.PlaneRequest{Orientation: volume.PlaneAxial, Index: 0}

	first, err := c.Plane(ctx, "1.2.3", req)
	if err != nil {
		t.Fatalf("Plane failed: %v", err)
	}
	second, err := c.Plane(ctx, "1.2.3", req)
	if err != nil {
		t.Fatalf("Plane failed: %v", err)
	}
	if first != second {
		t.Error("repeated plane request was resampled again")
	}

	// A different index is a different entry.
	if _, err := c.Plane(ctx, "1.2.3", volume.PlaneRequest{Orientation: volume.PlaneCoronal, Index: 0}); err != nil {
		t.Fatalf("coronal Plane failed: %v", err)
	}

	// A version change makes the cached plane unreachable.
	versions.bump("1.2.3")
	third, err := c.Plane(ctx, "1.2.3", req)
	if err != nil {
		t.Fatalf("Plane failed: %v", err)
	}
	if third == first {
		t.Error("stale plane served after version change")
	}
}

func TestPlaneErrorNotCached(t *testing.T) {
	builder := &fakeBuilder{}
	versions := newFakeVersioner()
	versions.bump("1.2.3")
	c, err := New(builder, versions, Options{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	// Out-of-range index fails; the fake volume has one slice.
	bad := volume.PlaneRequest{Orientation: volume.PlaneAxial, Index: 99}
	if _, err := c.Plane(ctx, "1.2.3", bad); !errors.Is(err, dcmerr.ErrInvalidPlane) {
		t.Fatalf("error = %v, want ErrInvalidPlane", err)
	}
	if _, err := c.Plane(ctx, "1.2.3", bad); !errors.Is(err, dcmerr.ErrInvalidPlane) {
		t.Fatalf("second request error = %v, want ErrInvalidPlane", err)
	}
}

func TestProjectionCached(t *testing.T) {
	builder := &fakeBuilder{}
	versions := newFakeVersioner()
	versions.bump("1.2.3")
	c, err := New(builder, versions, Options{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	first, err := c.Project(ctx, "1.2.3", volume.ProjectionMIP)
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	second, err := c.Project(ctx, "1.2.3", volume.ProjectionMIP)
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	if first != second {
		t.Error("repeated projection was recomputed")
	}
	minip, err := c.Project(ctx, "1.2.3", volume.ProjectionMinIP)
	if err != nil {
		t.Fatalf("MinIP failed: %v", err)
	}
	if minip == first {
		t.Error("MinIP shares the MIP cache entry")
	}
}

func TestInvalidateSeriesDropsPlanes(t *testing.T) {
	builder := &fakeBuilder{}
	versions := newFakeVersioner()
	versions.bump("1.2.3")
	c, err := New(builder, versions, Options{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	req := volume.PlaneRequest{Orientation: volume.PlaneAxial, Index: 0}

	first, err := c.Plane(ctx, "1.2.3", req)
	if err != nil {
		t.Fatalf("Plane failed: %v", err)
	}
	c.InvalidateSeries("1.2.3")
	if c.planes.Len() != 0 {
		t.Errorf("plane entries = %d after invalidation, want 0", c.planes.Len())
	}

	// Same version, but the memory was freed, so it resamples.
	second, err := c.Plane(ctx, "1.2.3", req)
	if err != nil {
		t.Fatalf("Plane failed: %v", err)
	}
	if second == first {
		t.Error("invalidated plane entry still served")
	}
}

func TestBuildErrorNotCached(t *testing.T) {
	builder := &fakeBuilder{err: errors.New("blob missing")}
	versions := newFakeVersioner()
	versions.bump("1.2.3")
	c, err := New(builder, versions, Options{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := c.Volume(ctx, "1.2.3"); err == nil {
		t.Fatal("expected build error to surface")
	}

	builder.mu.Lock()
	builder.err = nil
	builder.mu.Unlock()

	vol, err := c.Volume(ctx, "1.2.3")
	if err != nil {
		t.Fatalf("Volume failed after error cleared: %v", err)
	}
	if vol == nil {
		t.Fatal("no volume returned")
	}
	if builder.buildCount() != 2 {
		t.Errorf("builds = %d, want retry after failure", builder.buildCount())
	}
}

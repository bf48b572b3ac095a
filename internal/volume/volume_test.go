package volume

import (
	"context"
	"path/filepath"
	"testing"

	"llfsvolume/internal/events"
	"llfsvolume/internal/pagestore"
	"llfsvolume/internal/recycler"
	"llfsvolume/internal/slotlog"
)

// cacheBackedDeleter drops pages directly out of the MemCache it wraps,
// the simplest faithful PageDeleter: the recycler only ever hands it pages
// whose refcount has already reached zero, so dropping is unconditional.
type cacheBackedDeleter struct {
	cache *pagestore.MemCache
}

func (d *cacheBackedDeleter) DeletePages(ctx context.Context, pages []events.PageToRecycle, r pagestore.RecyclerHandle, batchSlot uint64, grant *slotlog.Grant) error {
	for _, p := range pages {
		if _, err := d.cache.DropPage(ctx, p.PageID); err != nil {
			return err
		}
	}
	return nil
}

func (d *cacheBackedDeleter) NotifyCaughtUp(r pagestore.RecyclerHandle, upper uint64) {}
func (d *cacheBackedDeleter) NotifyFailure(r pagestore.RecyclerHandle, err error)      {}

func newTestVolume(t *testing.T, dir string) (*Volume, *pagestore.MemCache) {
	t.Helper()
	cache, err := pagestore.NewMemCache(filepath.Join(dir, "index"), []events.DeviceID{1})
	if err != nil {
		t.Fatal(err)
	}

	rootPath := filepath.Join(dir, "root.log")
	recyclerPath := filepath.Join(dir, "recycler.log")

	params := RecoverParams{
		Options:            Options{Name: "vol1"},
		Cache:              cache,
		RootLogFactory:     func(scan slotlog.ScanFunc) (*slotlog.Log, error) { return slotlog.Open(rootPath, 1<<20, scan) },
		RecyclerOptions:    recycler.DefaultOptions(),
		RecyclerLogFactory: func(scan slotlog.ScanFunc) (*slotlog.Log, error) { return slotlog.Open(recyclerPath, 1<<20, scan) },
		PageDeleter:        &cacheBackedDeleter{cache: cache},
	}

	vol, err := Recover(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	return vol, cache
}

func TestAppendJobCommitsAndPersistsPage(t *testing.T) {
	dir := t.TempDir()
	vol, cache := newTestVolume(t, dir)
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vol.Start(ctx)
	defer func() {
		vol.Halt()
		vol.Join()
	}()

	if err := cache.PutPage(context.Background(), 100, []byte("page contents")); err != nil {
		t.Fatal(err)
	}

	job := events.PrepareJob{
		NewPageIDs:        []events.PageID{100},
		PageRefcountDelta: map[events.PageID]int64{100: 1},
	}
	grant, err := vol.Reserve(context.Background(), 4096)
	if err != nil {
		t.Fatal(err)
	}
	rng, _, err := vol.AppendJob(context.Background(), job, grant, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rng.Empty() {
		t.Fatal("expected non-empty slot range from successful commit")
	}

	stats := vol.VolumeStats()
	if stats.CommitCount != 1 {
		t.Fatalf("expected 1 commit, got %d", stats.CommitCount)
	}

	got, err := cache.GetPage(context.Background(), 100)
	if err != nil || string(got) != "page contents" {
		t.Fatalf("GetPage after commit = %q, %v", got, err)
	}
}

func TestAppendJobSequencerChainOrdersSlots(t *testing.T) {
	dir := t.TempDir()
	vol, cache := newTestVolume(t, dir)
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vol.Start(ctx)
	defer func() {
		vol.Halt()
		vol.Join()
	}()

	grant, err := vol.Reserve(context.Background(), 8192)
	if err != nil {
		t.Fatal(err)
	}

	var prev *Sequencer
	var lastUpper uint64
	for i := 0; i < 3; i++ {
		sub, err := grant.Split(512)
		if err != nil {
			t.Fatal(err)
		}
		rng, cur, err := vol.AppendJob(context.Background(), events.PrepareJob{}, sub, prev)
		if err != nil {
			t.Fatal(err)
		}
		if rng.Lower < lastUpper {
			t.Fatalf("append %d started at %d, before previous upper bound %d", i, rng.Lower, lastUpper)
		}
		lastUpper = rng.Upper
		prev = cur
	}
}

func TestAppendJobSequencerPropagatesFailure(t *testing.T) {
	dir := t.TempDir()
	vol, cache := newTestVolume(t, dir)
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vol.Start(ctx)
	defer func() {
		vol.Halt()
		vol.Join()
	}()

	failed := NewSequencer()
	failed.SetError(context.Canceled)

	grant, err := vol.Reserve(context.Background(), 512)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := vol.AppendJob(context.Background(), events.PrepareJob{}, grant, failed); err == nil {
		t.Fatal("expected AppendJob to propagate the predecessor's error")
	}
}

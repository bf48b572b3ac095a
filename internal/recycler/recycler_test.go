package recycler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"llfsvolume/internal/events"
	"llfsvolume/internal/pagestore"
	"llfsvolume/internal/slotlog"
)

type fakeDeleter struct {
	mu        sync.Mutex
	deleted   []events.PageID
	caughtUp  chan uint64
}

func newFakeDeleter() *fakeDeleter {
	return &fakeDeleter{caughtUp: make(chan uint64, 16)}
}

func (d *fakeDeleter) DeletePages(ctx context.Context, pages []events.PageToRecycle, r pagestore.RecyclerHandle, batchSlot uint64, grant *slotlog.Grant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range pages {
		d.deleted = append(d.deleted, p.PageID)
	}
	return nil
}

func (d *fakeDeleter) NotifyCaughtUp(r pagestore.RecyclerHandle, upper uint64) {
	select {
	case d.caughtUp <- upper:
	default:
	}
}

func (d *fakeDeleter) NotifyFailure(r pagestore.RecyclerHandle, err error) {}

func openFactory(t *testing.T, path string, capacity uint64) slotlog.Factory {
	return func(scan slotlog.ScanFunc) (*slotlog.Log, error) {
		return slotlog.Open(path, capacity, scan)
	}
}

func TestRecyclerDrainsQueuedPages(t *testing.T) {
	dir := t.TempDir()
	factory := openFactory(t, filepath.Join(dir, "recycler.log"), 1<<20)

	deleter := newFakeDeleter()
	r, err := Recover(context.Background(), "test", DefaultOptions(), deleter, factory, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer func() {
		r.Halt()
		r.Join()
	}()

	if _, err := r.RecyclePages(context.Background(), []events.PageID{1, 2, 3}, nil, 0); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		deleter.mu.Lock()
		n := len(deleter.deleted)
		deleter.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for pages to be deleted, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRecyclerRecoversPendingPagesAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recycler.log")

	deleter := newFakeDeleter()
	factory := openFactory(t, path, 1<<20)
	r, err := Recover(context.Background(), "test", DefaultOptions(), deleter, factory, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RecyclePages(context.Background(), []events.PageID{42}, nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.log.Close(); err != nil {
		t.Fatal(err)
	}

	factory2 := openFactory(t, path, 1<<20)
	r2, err := Recover(context.Background(), "test", DefaultOptions(), deleter, factory2, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.log.Close()

	if r2.state.pendingCount() != 1 {
		t.Fatalf("expected 1 pending page after recovery, got %d", r2.state.pendingCount())
	}
	snap := r2.state.sortedSnapshot()
	if len(snap) != 1 || snap[0].PageID != 42 {
		t.Fatalf("unexpected recovered snapshot: %+v", snap)
	}
}

func TestMaxDepthExceeded(t *testing.T) {
	dir := t.TempDir()
	factory := openFactory(t, filepath.Join(dir, "recycler.log"), 1<<20)
	deleter := newFakeDeleter()
	r, err := Recover(context.Background(), "test", DefaultOptions(), deleter, factory, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.log.Close()

	if _, err := r.RecyclePages(context.Background(), []events.PageID{1}, nil, MaxPageRefDepth); err != ErrMaxDepthExceeded {
		t.Fatalf("expected ErrMaxDepthExceeded, got %v", err)
	}
}

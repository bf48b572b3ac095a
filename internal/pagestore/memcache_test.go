package pagestore

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"llfsvolume/internal/events"
	"llfsvolume/internal/slotlog"
)

type fakeRecycler struct {
	recycled []events.PageID
}

func (f *fakeRecycler) RecyclePages(ctx context.Context, pageIDs []events.PageID, grant *slotlog.Grant, depth uint32) (uint64, error) {
	f.recycled = append(f.recycled, pageIDs...)
	return 0, nil
}

func TestMemCacheCommitIsIdempotentAndRecycles(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewMemCache(dir, []events.DeviceID{1})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.PutPage(ctx, 10, []byte("page data")); err != nil {
		t.Fatal(err)
	}

	job := events.PrepareJob{
		NewPageIDs:        []events.PageID{10},
		PageRefcountDelta: map[events.PageID]int64{10: 1},
	}
	rec := &fakeRecycler{}
	params := JobCommitParams{CallerUUID: uuid.New(), CallerSlot: 1, Recycler: rec}

	if err := cache.CommitJob(ctx, job, params); err != nil {
		t.Fatal(err)
	}
	if got, err := cache.GetPage(ctx, 10); err != nil || string(got) != "page data" {
		t.Fatalf("GetPage = %q, %v", got, err)
	}

	dropJob := events.PrepareJob{PageRefcountDelta: map[events.PageID]int64{10: -1}}
	dropParams := JobCommitParams{CallerUUID: uuid.New(), CallerSlot: 2, Recycler: rec}
	if err := cache.CommitJob(ctx, dropJob, dropParams); err != nil {
		t.Fatal(err)
	}
	if len(rec.recycled) != 1 || rec.recycled[0] != 10 {
		t.Fatalf("expected page 10 to be recycled, got %v", rec.recycled)
	}

	// Replaying the same (uuid, slot) must not double-apply the delta.
	if err := cache.CommitJob(ctx, dropJob, dropParams); err != nil {
		t.Fatal(err)
	}
	if len(rec.recycled) != 1 {
		t.Fatalf("expected idempotent replay, got %v", rec.recycled)
	}
}

func TestMemCacheRollbackDiscardsNewPages(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewMemCache(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.PutPage(ctx, 5, []byte("x")); err != nil {
		t.Fatal(err)
	}
	job := events.PrepareJob{NewPageIDs: []events.PageID{5}}
	if err := cache.RollbackJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.GetPage(ctx, 5); err != ErrPageNotFound {
		t.Fatalf("expected ErrPageNotFound after rollback, got %v", err)
	}
}

package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultProducesUsablePaths(t *testing.T) {
	o := Default("vol1", "/app/home")

	if o.Name != "vol1" {
		t.Errorf("Name = %q, want vol1", o.Name)
	}
	if o.RootLogPath() != filepath.Join("/app/home", "root.log") {
		t.Errorf("RootLogPath = %q", o.RootLogPath())
	}
	if o.RecyclerLogPath() != filepath.Join("/app/home", "recycler.log") {
		t.Errorf("RecyclerLogPath = %q", o.RecyclerLogPath())
	}
	if o.IndexDir() != filepath.Join("/app/home", "index") {
		t.Errorf("IndexDir = %q", o.IndexDir())
	}
	if o.RecyclerLogCapacityBytes() == 0 {
		t.Error("expected a nonzero derived recycler log capacity")
	}
}

func TestRecyclerLogCapacityBytesHonorsExplicitValue(t *testing.T) {
	o := Default("vol1", "/app/home")
	o.RecyclerLogCapacity = 4096
	if got := o.RecyclerLogCapacityBytes(); got != 4096 {
		t.Errorf("RecyclerLogCapacityBytes = %d, want 4096", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "volume.json")

	want := Default("vol1", dir)
	want.RecyclerBatchSize = 64
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRecyclerOptionsAppliesOverrides(t *testing.T) {
	o := Default("vol1", "/app/home")
	o.RecyclerBatchSize = 128
	o.RecyclerInsertGrantSize = 1024

	ro := o.RecyclerOptions()
	if ro.BatchSize != 128 {
		t.Errorf("BatchSize = %d, want 128", ro.BatchSize)
	}
	if ro.InsertGrantSize != 1024 {
		t.Errorf("InsertGrantSize = %d, want 1024", ro.InsertGrantSize)
	}
}

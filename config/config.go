// Package config loads the JSON-configurable knobs for opening a Volume:
// one JSON-tagged struct with a doc comment per field and a small loader.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"llfsvolume/internal/recycler"
	"llfsvolume/internal/volume"
)

// Options is the on-disk configuration for opening a volume.
type Options struct {
	// Name identifies the volume and is used as a prefix for its recycler's
	// name and in its log messages; on-disk paths derive from DataDir.
	Name string `json:"name"`

	// DataDir is the directory the volume's root log, recycler log, and
	// page index all live under.
	DataDir string `json:"data_dir"`

	// RootLogCapacity bounds how many bytes of the volume's root log may
	// be reserved at once.
	RootLogCapacity uint64 `json:"root_log_capacity"`

	// RecyclerLogCapacity bounds the page recycler's own log capacity; it
	// is sized from RecyclerBatchSize and RecyclerInsertGrantSize if left
	// at zero.
	RecyclerLogCapacity uint64 `json:"recycler_log_capacity"`

	// RecyclerBatchSize is the maximum number of pages committed together
	// by one recycle task iteration.
	RecyclerBatchSize uint32 `json:"recycler_batch_size"`

	// RecyclerInsertGrantSize is the number of log bytes reserved per page
	// enqueued by RecyclePages.
	RecyclerInsertGrantSize uint64 `json:"recycler_insert_grant_size"`

	// TrimRetentionBytes is how much trailing root-log history the
	// volume's trimmer keeps even when no reader holds it.
	TrimRetentionBytes uint64 `json:"trim_retention_bytes"`

	// MetricsAddr, if set, is the address the Prometheus metrics server
	// listens on (e.g. ":9090").
	MetricsAddr string `json:"metrics_addr"`
}

// Default returns reasonable defaults for a volume named name rooted at
// dataDir.
func Default(name, dataDir string) Options {
	ro := recycler.DefaultOptions()
	return Options{
		Name:                    name,
		DataDir:                 dataDir,
		RootLogCapacity:         64 << 20,
		RecyclerLogCapacity:     ro.CalculateLogSize() * 4,
		RecyclerBatchSize:       ro.BatchSize,
		RecyclerInsertGrantSize: ro.InsertGrantSize,
		TrimRetentionBytes:      1 << 20,
		MetricsAddr:             ":9090",
	}
}

// Load reads and parses a JSON configuration file at path.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var o Options
	if err := json.Unmarshal(data, &o); err != nil {
		return Options{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return o, nil
}

// Save writes o to path as indented JSON.
func Save(path string, o Options) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// VolumeOptions converts the on-disk config into the shape Volume.Recover
// expects.
func (o Options) VolumeOptions() volume.Options {
	return volume.Options{Name: o.Name}
}

// RecyclerOptions converts the on-disk config into the shape
// recycler.Recover expects.
func (o Options) RecyclerOptions() recycler.Options {
	ro := recycler.DefaultOptions()
	if o.RecyclerBatchSize != 0 {
		ro.BatchSize = o.RecyclerBatchSize
	}
	if o.RecyclerInsertGrantSize != 0 {
		ro.InsertGrantSize = o.RecyclerInsertGrantSize
	}
	return ro
}

// RootLogPath is where this volume's root log lives on disk.
func (o Options) RootLogPath() string { return filepath.Join(o.DataDir, "root.log") }

// RecyclerLogPath is where this volume's page recycler log lives on disk.
func (o Options) RecyclerLogPath() string { return filepath.Join(o.DataDir, "recycler.log") }

// IndexDir is where this volume's page index lives on disk.
func (o Options) IndexDir() string { return filepath.Join(o.DataDir, "index") }

// RecyclerLogCapacityBytes returns RecyclerLogCapacity, or a size derived
// from the recycler options if it was left unset.
func (o Options) RecyclerLogCapacityBytes() uint64 {
	if o.RecyclerLogCapacity != 0 {
		return o.RecyclerLogCapacity
	}
	return o.RecyclerOptions().CalculateLogSize() * 4
}

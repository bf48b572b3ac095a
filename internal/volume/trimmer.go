package volume

import (
	"context"
	"time"

	"llfsvolume/internal/slotlog"
)

// defaultTrimInterval is how often the trimmer re-evaluates the safe trim
// point.
const defaultTrimInterval = 200 * time.Millisecond

// defaultTrimRetentionBytes is how much trailing log history the trimmer
// keeps even when no reader holds it, bounding how far behind a
// newly-arriving reader may start without missing history it needed.
const defaultTrimRetentionBytes = 1 << 20

// trimmer is VolumeTrimmer: a background task that periodically advances
// a volume's trim lock as far as is safe, given the volume's own durable
// upper bound, its retention window, and every other live SlotLockManager
// reader lock.
type trimmer struct {
	volume    *Volume
	retention uint64
}

func newTrimmer(v *Volume, retention uint64) *trimmer {
	if retention == 0 {
		retention = defaultTrimRetentionBytes
	}
	return &trimmer{volume: v, retention: retention}
}

func (t *trimmer) run(ctx context.Context) {
	ticker := time.NewTicker(defaultTrimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *trimmer) tick() {
	// Volume.Trim itself clamps the candidate against every live reader
	// lock (including the volume's own, which it updates first) and against
	// the lowest unresolved prepare slot, so the only input this task needs
	// to compute is the retention-window bound; checking LockedLowerBound
	// here too would see the volume's own not-yet-advanced lock and could
	// never make forward progress.
	durable := t.volume.log.DurableOffset()
	candidate := uint64(0)
	if durable > t.retention {
		candidate = durable - t.retention
	}

	current := t.volume.log.TrimPoint()
	if !slotlog.SlotLess(current, candidate) {
		return
	}

	if err := t.volume.Trim(candidate); err != nil {
		t.volume.logger.Warn("trim failed", "error", err)
	}
}

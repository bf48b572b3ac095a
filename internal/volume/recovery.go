package volume

import (
	"fmt"

	"github.com/google/uuid"

	"llfsvolume/internal/events"
)

type attachKey struct {
	client uuid.UUID
	device events.DeviceID
}

// SlotVisitorFunc is invoked once per opaque user-payload record
// encountered while scanning a volume's log, in slot order.
type SlotVisitorFunc func(slot uint64, payload []byte) error

// recoveryVisitor folds a single forward scan of a volume's root log into
// the state needed to resume: its fixed identity triple, every
// (client, device) attachment seen, and every PrepareJob that has not yet
// been resolved by a matching CommitJob or RollbackJob.
type recoveryVisitor struct {
	slotVisitor SlotVisitorFunc

	haveIDs bool
	ids     events.VolumeIds

	attached map[attachKey]bool

	pending map[uint64]events.PrepareJob

	latestSlot uint64
}

func newRecoveryVisitor(slotVisitor SlotVisitorFunc) *recoveryVisitor {
	return &recoveryVisitor{
		slotVisitor: slotVisitor,
		attached:    make(map[attachKey]bool),
		pending:     make(map[uint64]events.PrepareJob),
	}
}

func (v *recoveryVisitor) visit(slot uint64, ev events.Event) error {
	v.latestSlot = slot
	switch e := ev.(type) {
	case events.VolumeIds:
		if v.haveIDs && e != v.ids {
			return fmt.Errorf("volume: conflicting VolumeIds records at slot %d: have %+v, saw %+v", slot, v.ids, e)
		}
		v.haveIDs = true
		v.ids = e

	case events.VolumeAttach:
		v.attached[attachKey{e.Client, e.DeviceID}] = true

	case events.VolumeDetach:
		delete(v.attached, attachKey{e.Client, e.DeviceID})

	case events.PrepareJob:
		v.pending[slot] = e

	case events.CommitJob:
		delete(v.pending, e.PrepareSlot)

	case events.RollbackJob:
		delete(v.pending, e.PrepareSlot)

	case events.UserData:
		if v.slotVisitor != nil {
			return v.slotVisitor(slot, e.Payload)
		}
	}
	return nil
}

// pendingJobs returns every PrepareJob that saw neither a CommitJob nor a
// RollbackJob, keyed by the slot their PrepareJob record was written at
// (the caller_slot a JobCommitParams would use).
func (v *recoveryVisitor) pendingJobs() map[uint64]events.PrepareJob {
	return v.pending
}

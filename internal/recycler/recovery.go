package recycler

import (
	"github.com/google/uuid"

	"llfsvolume/internal/events"
)

// inFlightBatch mirrors an uncommitted PrepareBatch discovered during
// recovery: every RecyclePagePrepare sharing a BatchSlot, with no matching
// RecycleBatchCommit yet observed.
type inFlightBatch struct {
	slot  uint64
	pages []events.PageToRecycle
}

// recoveryVisitor folds a single forward scan of a recycler's log into the
// state needed to resume: the recycler's identity and options (from the
// latest RecyclerInfo record), every page still pending recycling, and any
// batch that was prepared but never committed, which must be re-committed
// before the recycle task resumes ordinary operation.
type recoveryVisitor struct {
	haveID        bool
	id            uuid.UUID
	opts          Options
	latestInfoSlot uint64

	byPage map[events.PageID]events.PageToRecycle

	tentative map[uint64][]events.PageToRecycle

	uncommitted *inFlightBatch
}

func newRecoveryVisitor() *recoveryVisitor {
	return &recoveryVisitor{
		byPage:    make(map[events.PageID]events.PageToRecycle),
		tentative: make(map[uint64][]events.PageToRecycle),
	}
}

func (v *recoveryVisitor) visit(slot uint64, ev events.Event) error {
	switch e := ev.(type) {
	case events.RecyclerInfo:
		v.haveID = true
		v.id = e.UUID
		v.opts = optionsFromWire(e)
		v.latestInfoSlot = slot

	case events.PageToRecycle:
		e.SlotOffset = slot
		v.byPage[e.PageID] = e

	case events.RecyclePagePrepare:
		v.tentative[e.BatchSlot] = append(v.tentative[e.BatchSlot], v.byPage[e.PageID])
		delete(v.byPage, e.PageID)

	case events.RecycleBatchCommit:
		delete(v.tentative, e.BatchSlot)
	}
	return nil
}

// finish resolves the single outstanding uncommitted batch, if any, and
// returns the pages that remain to be inserted back into the live queue.
// Any batch slot still present in v.tentative after the scan never saw a
// matching RecycleBatchCommit.
func (v *recoveryVisitor) finish() (recoveredPages []events.PageToRecycle, uncommitted *inFlightBatch) {
	for slot, pages := range v.tentative {
		uncommitted = &inFlightBatch{slot: slot, pages: pages}
		break // a crash can leave at most one batch prepared but uncommitted
	}
	for _, p := range v.byPage {
		recoveredPages = append(recoveredPages, p)
	}
	return recoveredPages, uncommitted
}

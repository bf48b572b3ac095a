package recycler

import (
	"github.com/google/uuid"

	"llfsvolume/internal/events"
)

// MaxPageRefDepth bounds the recursive page-drop cascade: a page dropped
// while recycling at depth d may itself cause pages to drop at depth d+1,
// up to this many levels, after which recycle_pages refuses further
// recursion rather than risk unbounded recursion from a cyclic page graph.
const MaxPageRefDepth = 16

// Options tunes a single PageRecycler instance.
type Options struct {
	// MaxRefsPerPage bounds how many outgoing page references a single
	// page may hold, used to size the per-batch grant.
	MaxRefsPerPage uint32
	// BatchSize is the maximum number of pages committed together by one
	// recycle task iteration.
	BatchSize uint32
	// InsertGrantSize is the number of log bytes reserved per page enqueued
	// by RecyclePages; it must be large enough to hold one PageToRecycle
	// frame.
	InsertGrantSize uint64
	// RecycleTaskTarget is the number of log bytes the recycle task keeps
	// reserved for its own prepare/commit/info traffic, refreshed after
	// every trim.
	RecycleTaskTarget uint64
	// InfoRefreshInterval bounds how often a PageRecyclerInfo record must
	// be re-appended so that trim never needs to retain more than this much
	// history purely to keep the last info record reachable.
	InfoRefreshInterval uint64
}

// DefaultOptions returns reasonable defaults.
func DefaultOptions() Options {
	return Options{
		MaxRefsPerPage:      8,
		BatchSize:           32,
		InsertGrantSize:     256,
		RecycleTaskTarget:   64 * 1024,
		InfoRefreshInterval: 16 * 1024 * 1024,
	}
}

// CalculateLogSize returns the minimum log capacity that can sustain these
// options: enough room for the task's working grant, its insert grant
// pool, and one info record.
func (o Options) CalculateLogSize() uint64 {
	infoRecordSize := uint64(1 + 16 + 4 + 4 + 8 + 8 + 8)
	insertPoolSize := o.InsertGrantSize * uint64(o.BatchSize)
	return o.RecycleTaskTarget + insertPoolSize + infoRecordSize
}

func (o Options) toWire(id uuid.UUID) events.RecyclerInfo {
	return events.RecyclerInfo{
		UUID:              id,
		MaxRefsPerPage:    o.MaxRefsPerPage,
		BatchSize:         o.BatchSize,
		InsertGrantSize:   o.InsertGrantSize,
		RecycleTaskTarget: o.RecycleTaskTarget,
		InfoRefreshSlots:  o.InfoRefreshInterval,
	}
}

func optionsFromWire(w events.RecyclerInfo) Options {
	return Options{
		MaxRefsPerPage:      w.MaxRefsPerPage,
		BatchSize:           w.BatchSize,
		InsertGrantSize:     w.InsertGrantSize,
		RecycleTaskTarget:   w.RecycleTaskTarget,
		InfoRefreshInterval: w.InfoRefreshSlots,
	}
}

// Package recycler implements PageRecycler: a dedicated log and background
// task that durably records which pages have dropped to zero references
// and drains that queue in batches, deleting pages only after the drop
// itself is durable, so a crash mid-delete can always resume without
// leaking or double-freeing a page.
package recycler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"llfsvolume/internal/events"
	"llfsvolume/internal/pagestore"
	"llfsvolume/internal/slotlog"
	"llfsvolume/internal/volmetrics"
)

// ErrHalted is returned by RecyclePages once the recycler has been halted.
var ErrHalted = errors.New("recycler: halted")

// ErrMaxDepthExceeded is returned by RecyclePages when depth has already
// reached MaxPageRefDepth: the caller's page graph is cycling and recursion
// must stop rather than continue indefinitely.
var ErrMaxDepthExceeded = errors.New("recycler: max page reference depth exceeded")

// preparedBatch is a batch of pages that have been durably recorded as
// "preparing to drop" but not yet committed.
type preparedBatch struct {
	slot  uint64
	pages []events.PageToRecycle
}

// Recycler is a PageRecycler instance: one dedicated log, a background
// recycle task, and the grants that bound how much of that log ordinary
// callers and the task itself may write.
type Recycler struct {
	name    string
	uuid    uuid.UUID
	opts    Options
	log     *slotlog.Log
	deleter pagestore.PageDeleter
	logger  *slog.Logger

	state *state

	mu                sync.Mutex
	recycleTaskGrant  *slotlog.Grant
	insertGrantPool   *slotlog.Grant
	latestInfoSlot    uint64
	latestBatchUpper  uint64
	haveLatestUpper   bool
	prepared          *preparedBatch

	insertCount uint64
	removeCount uint64

	stopRequested atomic.Bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       bool
}

// Recover replays factory's log, rebuilds the recycler's in-memory queue
// from it, and returns a Recycler ready to Start. If the log has no prior
// PageRecyclerInfo record, opts and a freshly generated uuid are used and
// persisted as the first record.
func Recover(ctx context.Context, name string, opts Options, deleter pagestore.PageDeleter, factory slotlog.Factory, logger *slog.Logger) (*Recycler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	visitor := newRecoveryVisitor()
	log, err := factory(func(slot uint64, payload []byte) error {
		ev, err := events.Decode(payload)
		if err != nil {
			return err
		}
		return visitor.visit(slot, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("recycler %s: recover: %w", name, err)
	}

	recoveredPages, uncommitted := visitor.finish()

	r := &Recycler{
		name:    name,
		log:     log,
		deleter: deleter,
		logger:  logger.With("component", "recycler", "name", name),
		state:   newState(),
	}
	if visitor.haveID {
		r.uuid = visitor.id
		r.opts = visitor.opts
		r.latestInfoSlot = visitor.latestInfoSlot
	} else {
		r.uuid = uuid.New()
		r.opts = opts
	}

	r.state.bulkLoad(recoveredPages)

	recycleTaskGrant, err := log.Reserve(ctx, 0)
	if err != nil {
		return nil, err
	}
	insertGrantPool, err := log.Reserve(ctx, 0)
	if err != nil {
		return nil, err
	}
	r.recycleTaskGrant = recycleTaskGrant
	r.insertGrantPool = insertGrantPool

	if !visitor.haveID {
		if err := r.appendInfo(ctx); err != nil {
			return nil, err
		}
	}

	if uncommitted != nil {
		r.prepared = &preparedBatch{slot: uncommitted.slot, pages: uncommitted.pages}
	}

	r.refreshGrants()
	return r, nil
}

func (r *Recycler) appendInfo(ctx context.Context) error {
	wire := r.opts.toWire(r.uuid)
	payload := events.Encode(wire)
	grant, err := r.log.Reserve(ctx, uint64(len(payload)+8))
	if err != nil {
		return err
	}
	slot, err := r.log.Append(grant, payload)
	if err != nil {
		return err
	}
	if err := r.log.Sync(ctx, slotlog.Durable, r.log.SlotOffset()); err != nil {
		return err
	}
	r.mu.Lock()
	r.latestInfoSlot = slot
	r.mu.Unlock()
	return nil
}

// UUID returns the recycler's stable identity.
func (r *Recycler) UUID() uuid.UUID { return r.uuid }

// Start launches the background recycle task.
func (r *Recycler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	taskCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.recycleTaskMain(taskCtx)
	}()
}

// Halt requests the recycle task stop and wakes it if it is waiting for
// queued pages. It does not close the recycler's log, so a RecyclePages
// caller blocked waiting for log space is not woken by Halt.
func (r *Recycler) Halt() {
	r.stopRequested.Store(true)
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.state.mu.Lock()
	r.state.cond.Broadcast()
	r.state.mu.Unlock()
}

// Join waits for the recycle task to exit after Halt.
func (r *Recycler) Join() { r.wg.Wait() }

// RecyclePages implements pagestore.RecyclerHandle: it appends a
// PageToRecycle record for each of pageIDs at the given depth and returns
// the slot offset the last one was recorded at. The records are visible to
// speculative readers on return but are not synced durably. If grant is
// nil, InsertGrantSize bytes per page are taken from the recycler's own
// insert grant pool, falling back to a blocking reservation from the log
// when the pool is exhausted; if grant is
// non-nil (a recursive drop at depth > 0, handing the deleter's own grant
// back in), it is spent directly, matching the original's depth-aware
// grant reuse in recycle_pages.
func (r *Recycler) RecyclePages(ctx context.Context, pageIDs []events.PageID, grant *slotlog.Grant, depth uint32) (uint64, error) {
	if r.stopRequested.Load() {
		return 0, ErrHalted
	}
	if depth >= MaxPageRefDepth {
		return 0, ErrMaxDepthExceeded
	}

	var lastSlot uint64
	for _, id := range pageIDs {
		p := events.PageToRecycle{PageID: id, Depth: depth}
		payload := events.Encode(p)

		useGrant := grant
		var owned *slotlog.Grant
		if useGrant == nil {
			r.mu.Lock()
			split, err := r.insertGrantPool.Split(r.opts.InsertGrantSize)
			r.mu.Unlock()
			if err != nil {
				split, err = r.log.Reserve(ctx, r.opts.InsertGrantSize)
				if err != nil {
					return 0, err
				}
			}
			owned = split
			useGrant = owned
		}

		slot, err := r.log.Append(useGrant, payload)
		if err != nil {
			return 0, err
		}
		if owned != nil {
			owned.Revoke()
		}

		p.SlotOffset = slot
		if r.state.insert(p) {
			atomic.AddUint64(&r.insertCount, 1)
		}
		lastSlot = slot
	}

	if err := r.log.Sync(ctx, slotlog.Speculative, lastSlot+1); err != nil {
		return 0, err
	}
	return lastSlot, nil
}

// Stats returns a point-in-time snapshot for volmetrics.
func (r *Recycler) Stats() volmetrics.RecyclerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return volmetrics.RecyclerStats{
		PendingPages:   uint64(r.state.pendingCount()),
		InsertCount:    atomic.LoadUint64(&r.insertCount),
		RemoveCount:    atomic.LoadUint64(&r.removeCount),
		GrantPoolSize:  r.insertGrantPool.Size(),
		TaskGrantSize:  r.recycleTaskGrant.Size(),
		TrimLowerBound: r.log.TrimPoint(),
	}
}

func (r *Recycler) recycleTaskMain(ctx context.Context) {
	for {
		r.mu.Lock()
		prepared := r.prepared
		r.mu.Unlock()

		if prepared != nil {
			err := r.commitBatch(ctx, prepared)
			if err == nil {
				if err := r.trimLog(ctx); err != nil {
					r.logger.Error("trim failed", "error", err)
				}
				continue
			}
			if r.stopRequested.Load() || ctx.Err() != nil {
				return
			}
			r.logger.Error("commit batch failed, exiting recycle task", "error", err)
			r.deleter.NotifyFailure(r, err)
			return
		}

		if err := r.state.awaitNonEmpty(ctx); err != nil {
			if r.stopRequested.Load() || ctx.Err() != nil {
				if !r.stopRequested.Load() {
					r.deleter.NotifyFailure(r, err)
				}
				return
			}
			continue
		}

		r.deleter.NotifyCaughtUp(r, r.log.SlotOffset())

		batch := r.state.collectBatch(int(r.opts.BatchSize))
		if len(batch) == 0 {
			continue
		}
		b, err := r.prepareBatch(ctx, batch)
		if err != nil {
			if r.stopRequested.Load() || ctx.Err() != nil {
				return
			}
			r.logger.Error("prepare batch failed, exiting recycle task", "error", err)
			r.deleter.NotifyFailure(r, err)
			return
		}
		r.mu.Lock()
		r.prepared = b
		r.mu.Unlock()
	}
}

// prepareBatch durably records a RecyclePagePrepare for every page in
// items, all tagged with the same batch slot, then awaits the flush. The
// batch slot is the first record's own slot offset, which Append cannot
// report until after it has written that record; the first record is
// therefore appended with a zero placeholder and then Patched in place
// once its real slot is known, so every record in the batch — including
// the first — carries the correct, nonzero BatchSlot that
// RecycleBatchCommit and recovery group by.
func (r *Recycler) prepareBatch(ctx context.Context, items []events.PageToRecycle) (*preparedBatch, error) {
	r.mu.Lock()
	grant := r.recycleTaskGrant
	r.mu.Unlock()

	var batchSlot uint64
	var firstSlot uint64
	for i, p := range items {
		rec := events.RecyclePagePrepare{PageID: p.PageID, BatchSlot: batchSlot}
		payload := events.Encode(rec)
		slot, err := r.log.Append(grant, payload)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			batchSlot = slot
			firstSlot = slot
		}
	}
	if len(items) > 0 {
		fixed := events.Encode(events.RecyclePagePrepare{PageID: items[0].PageID, BatchSlot: batchSlot})
		if err := r.log.Patch(firstSlot, fixed); err != nil {
			return nil, err
		}
	}
	if err := r.log.Sync(ctx, slotlog.Durable, r.log.SlotOffset()); err != nil {
		return nil, err
	}
	return &preparedBatch{slot: batchSlot, pages: items}, nil
}

// commitBatch hands the prepared batch to the PageDeleter, then durably
// records a RecycleBatchCommit closing it out.
func (r *Recycler) commitBatch(ctx context.Context, b *preparedBatch) error {
	r.mu.Lock()
	grant := r.recycleTaskGrant
	r.mu.Unlock()

	if err := r.deletePagesWithBackoff(ctx, b, grant); err != nil {
		return err
	}

	commit := events.RecycleBatchCommit{BatchSlot: b.slot}
	payload := events.Encode(commit)
	slot, err := r.log.Append(grant, payload)
	if err != nil {
		return err
	}
	if err := r.log.Sync(ctx, slotlog.Durable, r.log.SlotOffset()); err != nil {
		return err
	}

	atomic.AddUint64(&r.removeCount, uint64(len(b.pages)))

	r.mu.Lock()
	r.prepared = nil
	r.latestBatchUpper = slot + uint64(len(payload)+8)
	r.haveLatestUpper = true
	r.mu.Unlock()
	return nil
}

// deletePagesWithBackoff retries PageDeleter.DeletePages under exponential
// backoff, doubling from 100ms up to a 5s ceiling. It keeps retrying
// indefinitely until DeletePages succeeds, the recycler is halted, ctx is
// done, or DeletePages marks its failure non-recoverable via
// pagestore.NonRecoverable, in which case that error is returned
// immediately rather than retried.
func (r *Recycler) deletePagesWithBackoff(ctx context.Context, b *preparedBatch, grant *slotlog.Grant) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		err := r.deleter.DeletePages(ctx, b.pages, r, b.slot, grant)
		if err == nil {
			return nil
		}
		if pagestore.IsNonRecoverable(err) {
			return err
		}
		if r.stopRequested.Load() {
			return err
		}
		r.logger.Warn("delete pages failed, retrying under backoff", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// trimLog computes the safe new trim point for the recycler's own log —
// the earlier of the oldest still-queued page's slot and the upper bound
// of the most recently committed batch — refreshes the info record if the
// trim point would otherwise discard it, and advances the log's trim
// point.
func (r *Recycler) trimLog(ctx context.Context) error {
	lruSlot, haveLRU := r.state.lruSlot()

	r.mu.Lock()
	latestInfoSlot := r.latestInfoSlot
	haveUpper := r.haveLatestUpper
	upper := r.latestBatchUpper
	r.mu.Unlock()

	var trimPoint uint64
	have := false
	if haveLRU {
		trimPoint, have = lruSlot, true
	}
	if haveUpper {
		if !have || slotlog.SlotLess(upper, trimPoint) {
			trimPoint, have = upper, true
		}
	}
	if !have {
		trimPoint = r.log.SlotOffset()
	}

	infoNeedsRefresh := slotlog.SlotLess(latestInfoSlot+r.opts.InfoRefreshInterval, trimPoint)
	if infoNeedsRefresh || slotlog.SlotLess(latestInfoSlot, trimPoint) {
		if err := r.appendInfo(ctx); err != nil {
			return err
		}
		r.mu.Lock()
		latestInfoSlot = r.latestInfoSlot
		r.mu.Unlock()
	}
	if slotlog.SlotLess(latestInfoSlot, trimPoint) {
		trimPoint = latestInfoSlot
	}

	if err := r.log.Trim(trimPoint); err != nil {
		return err
	}
	r.refreshGrants()
	return nil
}

// refreshGrants tops up the recycle task's own working grant first, from
// the log's newly reclaimed pool space, then leaves the remainder for the
// insert grant pool that ordinary RecyclePages callers draw from.
func (r *Recycler) refreshGrants() {
	r.mu.Lock()
	defer r.mu.Unlock()

	available := r.log.PoolSize()
	taskDeficit := uint64(0)
	if r.recycleTaskGrant.Size() < r.opts.RecycleTaskTarget {
		taskDeficit = r.opts.RecycleTaskTarget - r.recycleTaskGrant.Size()
	}
	if taskDeficit > available {
		taskDeficit = available
	}
	if taskDeficit > 0 {
		if g, err := r.log.TryReserve(taskDeficit); err == nil {
			r.recycleTaskGrant.Subsume(g)
			available -= taskDeficit
		}
	}
	if available > 0 {
		if g, err := r.log.TryReserve(available); err == nil {
			r.insertGrantPool.Subsume(g)
		}
	}
}

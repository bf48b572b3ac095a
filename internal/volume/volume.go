// Package volume implements Volume: the durable log of job commits and
// attachments that ties a set of page arenas together into one consistent,
// recoverable unit, along with its paired VolumeRecoveryVisitor and
// VolumeTrimmer. Bring-up follows an ordered wal -> index -> background
// tasks sequence, and job commit follows a prepare/persist/apply pipeline
// generalized from a key/value write path to a page-graph job commit.
package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"llfsvolume/internal/events"
	"llfsvolume/internal/pagestore"
	"llfsvolume/internal/recycler"
	"llfsvolume/internal/slotlock"
	"llfsvolume/internal/slotlog"
	"llfsvolume/internal/volmetrics"
)

// ErrNotStarted names the condition of a Volume whose Start has not run.
// No method in this package returns it; Volume methods do not check
// whether Start has run.
var ErrNotStarted = errors.New("volume: not started")

// RecoverParams configures Volume recovery. Cache, RootLogFactory,
// RecyclerLogFactory, and PageDeleter are the external collaborators this
// package is built against but does not implement beyond the in-memory
// reference versions in internal/pagestore.
type RecoverParams struct {
	Options Options

	Cache          pagestore.PageCache
	RootLogFactory slotlog.Factory

	RecyclerOptions    recycler.Options
	RecyclerLogFactory slotlog.Factory
	PageDeleter        pagestore.PageDeleter

	TrimControl      *slotlock.Manager
	ResolutionPolicy JobResolutionPolicy

	SlotVisitor SlotVisitorFunc
	Logger      *slog.Logger

	TrimRetentionBytes uint64
}

// Volume is a recovered, running instance of the durable job log described
// above.
type Volume struct {
	opts Options
	id   events.VolumeIds

	cache       pagestore.PageCache
	log         *slotlog.Log
	recycler    *recycler.Recycler
	trimControl *slotlock.Manager
	policy      JobResolutionPolicy
	logger      *slog.Logger

	mu       sync.Mutex
	trimLock *slotlock.ReadLock

	commitCount   uint64
	rollbackCount uint64

	pendingMu sync.Mutex
	pending   map[uint64]struct{}

	trimmer *trimmer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Recover brings up a Volume: its page recycler first, then its own root
// log (synthesizing identity on first open), then attaching every cache
// arena that is not already attached, then resolving any job left pending
// by a prior crash, matching the bring-up order in the original
// implementation's Volume::recover.
func Recover(ctx context.Context, params RecoverParams) (*Volume, error) {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := params.ResolutionPolicy
	if policy == nil {
		policy = DefaultJobResolutionPolicy
	}
	trimControl := params.TrimControl
	if trimControl == nil {
		trimControl = slotlock.New()
	}

	rec, err := recycler.Recover(ctx, params.Options.Name+"-recycler", params.RecyclerOptions, params.PageDeleter, params.RecyclerLogFactory, logger)
	if err != nil {
		return nil, fmt.Errorf("volume %s: recover recycler: %w", params.Options.Name, err)
	}

	visitor := newRecoveryVisitor(params.SlotVisitor)
	log, err := params.RootLogFactory(func(slot uint64, payload []byte) error {
		ev, err := events.Decode(payload)
		if err != nil {
			return err
		}
		return visitor.visit(slot, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("volume %s: recover root log: %w", params.Options.Name, err)
	}

	v := &Volume{
		opts:        params.Options,
		cache:       params.Cache,
		log:         log,
		recycler:    rec,
		trimControl: trimControl,
		policy:      policy,
		logger:      logger.With("component", "volume", "name", params.Options.Name),
		pending:     make(map[uint64]struct{}),
	}

	if visitor.haveIDs {
		v.id = visitor.ids
	} else {
		main := uuid.New()
		if params.Options.UUID != nil {
			main = *params.Options.UUID
		}
		v.id = events.VolumeIds{Main: main, Recycler: rec.UUID(), Trimmer: uuid.New()}
		if err := v.appendDurable(ctx, v.id); err != nil {
			return nil, err
		}
	}

	if err := v.attachArenas(ctx, visitor); err != nil {
		return nil, err
	}

	if err := v.resolvePendingJobs(ctx, visitor); err != nil {
		return nil, err
	}

	initial := slotlog.SlotRange{Lower: 0, Upper: log.DurableOffset()}
	lock, err := trimControl.LockSlots(initial, "volume")
	if err != nil {
		return nil, err
	}
	v.trimLock = lock

	v.trimmer = newTrimmer(v, params.TrimRetentionBytes)

	return v, nil
}

func (v *Volume) attachArenas(ctx context.Context, visitor *recoveryVisitor) error {
	for _, arena := range v.cache.AllArenas() {
		dev := arena.DeviceID()
		for _, client := range [...]uuid.UUID{v.id.Main, v.id.Recycler, v.id.Trimmer} {
			if visitor.attached[attachKey{client, dev}] {
				continue
			}
			if err := arena.Allocator().AttachUser(ctx, client, v.log.SlotOffset()); err != nil {
				return err
			}
			if err := arena.Allocator().Sync(ctx); err != nil {
				return err
			}
			if err := v.appendDurable(ctx, events.VolumeAttach{Client: client, DeviceID: dev}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Volume) resolvePendingJobs(ctx context.Context, visitor *recoveryVisitor) error {
	for prepareSlot, job := range visitor.pendingJobs() {
		commit, err := v.policy(ctx, job, v.cache)
		if err != nil {
			return err
		}
		if commit {
			params := pagestore.JobCommitParams{CallerUUID: v.id.Main, CallerSlot: prepareSlot, Recycler: v.recycler}
			if err := v.cache.CommitJob(ctx, job, params); err != nil {
				return err
			}
			if err := v.appendDurable(ctx, events.CommitJob{PrepareSlot: prepareSlot}); err != nil {
				return err
			}
			atomic.AddUint64(&v.commitCount, 1)
		} else {
			if err := v.cache.RollbackJob(ctx, job); err != nil {
				return err
			}
			if err := v.appendDurable(ctx, events.RollbackJob{PrepareSlot: prepareSlot}); err != nil {
				return err
			}
			atomic.AddUint64(&v.rollbackCount, 1)
		}
	}
	return nil
}

// appendDurable is used for bring-up records (identity, attach, resolved
// jobs) where the caller has no pre-reserved grant: it reserves exactly
// enough space for the one record, appends it, and syncs durably before
// returning.
func (v *Volume) appendDurable(ctx context.Context, ev events.Event) error {
	payload := events.Encode(ev)
	grant, err := v.log.Reserve(ctx, uint64(len(payload)+8))
	if err != nil {
		return err
	}
	slot, err := v.log.Append(grant, payload)
	if err != nil {
		return err
	}
	return v.log.Sync(ctx, slotlog.Durable, slot+uint64(len(payload)+8))
}

// UUID returns the volume's stable identity.
func (v *Volume) UUID() uuid.UUID { return v.id.Main }

// Start launches the recycler's and trimmer's background tasks.
func (v *Volume) Start(ctx context.Context) {
	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return
	}
	v.started = true
	taskCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.mu.Unlock()

	v.recycler.Start(taskCtx)

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		v.trimmer.run(taskCtx)
	}()
}

// Halt stops the recycler and trimmer tasks and closes the root log.
func (v *Volume) Halt() {
	v.mu.Lock()
	cancel := v.cancel
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	v.recycler.Halt()
	if err := v.log.Close(); err != nil {
		v.logger.Warn("close root log failed", "error", err)
	}
}

// Join waits for every background task started by Start to exit.
func (v *Volume) Join() {
	v.recycler.Join()
	v.wg.Wait()
}

// Reserve reserves size bytes of root-log capacity for a future Append.
func (v *Volume) Reserve(ctx context.Context, size uint64) (*slotlog.Grant, error) {
	return v.log.Reserve(ctx, size)
}

// AppendUser appends an opaque payload as a single slot, with no job
// semantics.
func (v *Volume) AppendUser(ctx context.Context, grant *slotlog.Grant, payload []byte) (slotlog.SlotRange, error) {
	ev := events.UserData{Payload: payload}
	data := events.Encode(ev)
	slot, err := v.log.Append(grant, data)
	if err != nil {
		return slotlog.SlotRange{}, err
	}
	if err := v.log.Sync(ctx, slotlog.Durable, slot+uint64(len(data)+8)); err != nil {
		return slotlog.SlotRange{}, err
	}
	return slotlog.SlotRange{Lower: slot, Upper: slot + uint64(len(data)+8)}, nil
}

// AppendJob performs the two-phase job append described by the design:
// the caller's prepare phase names every page the job touches before any
// effect is applied; the commit phase applies those effects against the
// page cache and then durably closes out the prepare record. If prev is
// non-nil, this append's prepare phase does not begin writing until prev
// resolves, so concurrent callers can still produce a caller-determined
// total order of prepares; AppendJob returns a Sequencer the next call in
// the chain should pass as its own prev.
func (v *Volume) AppendJob(ctx context.Context, job events.PrepareJob, grant *slotlog.Grant, prev *Sequencer) (slotlog.SlotRange, *Sequencer, error) {
	cur := NewSequencer()

	if _, err := AwaitPrev(ctx, prev); err != nil {
		cur.SetError(err)
		return slotlog.SlotRange{}, cur, err
	}

	payload := events.Encode(job)
	prepareSlot, err := v.log.Append(grant, payload)
	if err != nil {
		cur.SetError(err)
		return slotlog.SlotRange{}, cur, err
	}
	prepareEnd := prepareSlot + uint64(len(payload)+8)
	cur.SetCurrent(slotlog.SlotRange{Lower: prepareSlot, Upper: prepareEnd})

	// Marked pending before the sync that makes it durable, not after: the
	// trimmer must never see a window where a prepare is durable but isn't
	// yet reflected in v.pending, or it could trim past it.
	v.trackPending(prepareSlot, true)
	defer v.trackPending(prepareSlot, false)

	if err := v.log.Sync(ctx, slotlog.Durable, prepareEnd); err != nil {
		return slotlog.SlotRange{}, cur, err
	}

	params := pagestore.JobCommitParams{CallerUUID: v.id.Main, CallerSlot: prepareSlot, Recycler: v.recycler}
	if commitErr := v.cache.CommitJob(ctx, job, params); commitErr != nil {
		rollback := events.Encode(events.RollbackJob{PrepareSlot: prepareSlot})
		rollbackSlot, err := v.log.Append(grant, rollback)
		if err != nil {
			return slotlog.SlotRange{}, cur, err
		}
		if err := v.log.Sync(ctx, slotlog.Durable, rollbackSlot+uint64(len(rollback)+8)); err != nil {
			return slotlog.SlotRange{}, cur, err
		}
		atomic.AddUint64(&v.rollbackCount, 1)
		return slotlog.SlotRange{}, cur, commitErr
	}

	commit := events.Encode(events.CommitJob{PrepareSlot: prepareSlot})
	commitSlot, err := v.log.Append(grant, commit)
	if err != nil {
		return slotlog.SlotRange{}, cur, err
	}
	commitEnd := commitSlot + uint64(len(commit)+8)
	if err := v.log.Sync(ctx, slotlog.Durable, commitEnd); err != nil {
		return slotlog.SlotRange{}, cur, err
	}
	atomic.AddUint64(&v.commitCount, 1)

	return slotlog.SlotRange{Lower: prepareSlot, Upper: commitEnd}, cur, nil
}

func (v *Volume) trackPending(slot uint64, pending bool) {
	v.pendingMu.Lock()
	defer v.pendingMu.Unlock()
	if pending {
		v.pending[slot] = struct{}{}
	} else {
		delete(v.pending, slot)
	}
}

// minPendingSlot returns the smallest prepare slot with a commit or
// rollback still outstanding, the point before which Trim may never
// advance: trimming past it would discard the only durable record of a job
// recovery still needs to resolve.
func (v *Volume) minPendingSlot() (uint64, bool) {
	v.pendingMu.Lock()
	defer v.pendingMu.Unlock()
	first := true
	var min uint64
	for slot := range v.pending {
		if first || slot < min {
			min = slot
			first = false
		}
	}
	return min, !first
}

// Reader returns a reader over the volume's root log, clamped to never
// read below the volume's current trim lock, along with the read lock
// itself, which the caller must Release when done to let the trimmer make
// further progress.
func (v *Volume) Reader(lower uint64, mode slotlog.LogReadMode) (*slotlog.Reader, *slotlock.ReadLock, error) {
	v.mu.Lock()
	tl := v.trimLock
	v.mu.Unlock()

	rng := tl.SlotRange()
	if slotlog.SlotLess(lower, rng.Lower) {
		lower = rng.Lower
	}
	upper := v.log.Upper(mode)

	lock, err := v.trimControl.LockSlots(slotlog.SlotRange{Lower: lower, Upper: upper}, v.opts.Name+"-reader")
	if err != nil {
		return nil, nil, err
	}
	reader, err := v.log.NewReaderFrom(lower, mode)
	if err != nil {
		lock.Release()
		return nil, nil, err
	}
	return reader, lock, nil
}

// Trim advances the volume's own trim lock's lower bound to newLower (a
// no-op if newLower does not advance it) and requests the underlying log
// discard everything below the new aggregate locked lower bound. newLower
// is first clamped against the lowest still-unresolved prepare slot, if
// any, so the durable trim point can never pass a prepare that recovery
// would still need to replay.
func (v *Volume) Trim(newLower uint64) error {
	v.mu.Lock()
	tl := v.trimLock
	v.mu.Unlock()

	if minPending, ok := v.minPendingSlot(); ok && slotlog.SlotLess(minPending, newLower) {
		newLower = minPending
	}

	rng := tl.SlotRange()
	newLower = slotlog.SlotMax(rng.Lower, newLower)
	if err := v.trimControl.UpdateLock(tl, slotlog.SlotRange{Lower: newLower, Upper: rng.Upper}, v.opts.Name); err != nil {
		return err
	}

	safe := newLower
	if lower, ok := v.trimControl.LockedLowerBound(); ok && slotlog.SlotLess(lower, safe) {
		safe = lower
	}
	return v.log.Trim(safe)
}

// VolumeStats returns a point-in-time snapshot for volmetrics.
func (v *Volume) VolumeStats() volmetrics.VolumeStats {
	v.pendingMu.Lock()
	pending := uint64(len(v.pending))
	v.pendingMu.Unlock()

	return volmetrics.VolumeStats{
		DurableUpperBound: v.log.DurableOffset(),
		TrimLowerBound:    v.log.TrimPoint(),
		CommitCount:       atomic.LoadUint64(&v.commitCount),
		RollbackCount:     atomic.LoadUint64(&v.rollbackCount),
		PendingJobs:       pending,
	}
}

// RecyclerStats forwards to the volume's page recycler, for volmetrics.
func (v *Volume) RecyclerStats() volmetrics.RecyclerStats { return v.recycler.Stats() }

// Package pagestore defines the page cache collaborators a volume and its
// recycler are built against (PageCache, PageArena, Allocator, PageDeleter)
// and provides one concrete in-memory implementation, backed by a LevelDB
// index, suitable for tests and for the demo CLI.
package pagestore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"llfsvolume/internal/events"
	"llfsvolume/internal/slotlog"
)

// ErrPageNotFound is returned when a page id has no entry in the cache.
var ErrPageNotFound = errors.New("pagestore: page not found")

// nonRecoverable wraps a DeletePages error that retrying will never fix, so
// the recycle task can tell it apart from a transient failure worth
// retrying under backoff.
type nonRecoverable struct{ err error }

func (e *nonRecoverable) Error() string { return e.err.Error() }
func (e *nonRecoverable) Unwrap() error { return e.err }

// NonRecoverable marks err as a DeletePages failure that the recycle task
// should not retry: it exits and reports err via PageDeleter.NotifyFailure
// instead of retrying under exponential backoff. A PageDeleter
// implementation returns NonRecoverable(err) instead of err for failures
// such as a corrupted or closed backing store.
func NonRecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRecoverable{err: err}
}

// IsNonRecoverable reports whether err, or anything it wraps, was marked
// with NonRecoverable.
func IsNonRecoverable(err error) bool {
	var ne *nonRecoverable
	return errors.As(err, &ne)
}

// RecyclerHandle is the subset of a page recycler's API a PageDeleter needs
// to hand pages back for recycling, including recursive cascades when
// dropping one page drops its own references.
type RecyclerHandle interface {
	// RecyclePages enqueues pageIDs for recycling at the given cascade
	// depth and returns the slot offset the enqueue was recorded at (not
	// necessarily synced durably yet). grant, if non-nil, is spent directly
	// rather than drawn from the
	// recycler's own pools (used for depth > 0 recursive drops).
	RecyclePages(ctx context.Context, pageIDs []events.PageID, grant *slotlog.Grant, depth uint32) (uint64, error)
}

// PageDeleter performs the durable side effect of dropping a batch of
// pages once a recycler has decided to commit them, and is notified of the
// recycler's steady-state and terminal conditions.
type PageDeleter interface {
	DeletePages(ctx context.Context, pages []events.PageToRecycle, recycler RecyclerHandle, batchSlot uint64, grant *slotlog.Grant) error
	NotifyCaughtUp(recycler RecyclerHandle, upperBound uint64)
	NotifyFailure(recycler RecyclerHandle, err error)
}

// Allocator tracks which (client uuid, job slot) pairs have attached to a
// page arena, so recovery can tell which arenas a volume has touched.
type Allocator interface {
	AttachUser(ctx context.Context, client uuid.UUID, userSlot uint64) error
	IsAttached(client uuid.UUID) bool
	Sync(ctx context.Context) error
}

// PageArena is one allocation domain within a PageCache, identified by a
// DeviceID.
type PageArena interface {
	DeviceID() events.DeviceID
	Allocator() Allocator
}

// JobCommitParams carries the identity and recursion state needed to apply
// a prepared job's effects exactly once and to feed zero-refcount pages to
// the recycler.
type JobCommitParams struct {
	CallerUUID   uuid.UUID
	CallerSlot   uint64
	Recycler     RecyclerHandle
	RecycleGrant *slotlog.Grant
	RecycleDepth uint32
}

// PageCache is the external collaborator a volume commits job effects
// against.
type PageCache interface {
	AllArenas() []PageArena
	Arena(dev events.DeviceID) (PageArena, bool)

	// PutPage durably stores data for id, to be applied only once the
	// owning job commits.
	PutPage(ctx context.Context, id events.PageID, data []byte) error

	// GetPage returns a previously committed page's data.
	GetPage(ctx context.Context, id events.PageID) ([]byte, error)

	// CommitJob applies a PrepareJob's new pages and refcount deltas
	// exactly once per (params.CallerUUID, params.CallerSlot), and enqueues
	// any page whose refcount reaches zero with params.Recycler.
	CommitJob(ctx context.Context, job events.PrepareJob, params JobCommitParams) error

	// RollbackJob discards a PrepareJob's new pages without applying any
	// refcount deltas.
	RollbackJob(ctx context.Context, job events.PrepareJob) error

	// DropPage durably removes a page's data and index entry, called by a
	// PageDeleter once the owning recycle batch has committed.
	DropPage(ctx context.Context, id events.PageID) (refsToDrop []events.PageID, err error)
}

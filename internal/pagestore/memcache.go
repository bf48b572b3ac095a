package pagestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"llfsvolume/internal/events"
)

// record is the index entry tracked per page: where the page's bytes live
// and how many live references point at it.
type record struct {
	refcount int64
	data     []byte
}

func encodePageKey(id events.PageID) []byte {
	key := make([]byte, 5+8)
	copy(key, "page:")
	binary.BigEndian.PutUint64(key[5:], uint64(id))
	return key
}

func encodeAppliedKey(client uuid.UUID, slot uint64) []byte {
	key := make([]byte, 8+16+8)
	copy(key, "applied:")
	copy(key[8:], client[:])
	binary.BigEndian.PutUint64(key[24:], slot)
	return key
}

// MemCache is an in-memory, single-process PageCache backed by a LevelDB
// index.
type MemCache struct {
	mu     sync.Mutex
	db     *leveldb.DB
	arenas map[events.DeviceID]*memArena
	memory map[events.PageID]record
}

// NewMemCache opens (or creates) a LevelDB index at dir and returns a
// MemCache with the given set of device ids pre-registered as arenas.
func NewMemCache(dir string, devices []events.DeviceID) (*MemCache, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, err
	}
	c := &MemCache{
		db:     db,
		arenas: make(map[events.DeviceID]*memArena, len(devices)),
		memory: make(map[events.PageID]record),
	}
	for _, d := range devices {
		c.arenas[d] = &memArena{id: d, allocator: &memAllocator{}}
	}
	if err := c.loadIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *MemCache) loadIndex() error {
	iter := c.db.NewIterator(util.BytesPrefix([]byte("page:")), nil)
	defer iter.Release()
	for iter.Next() {
		id := events.PageID(binary.BigEndian.Uint64(iter.Key()[5:]))
		refcount, data, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		c.memory[id] = record{refcount: refcount, data: data}
	}
	return iter.Error()
}

func encodeRecord(refcount int64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(refcount))
	copy(buf[8:], data)
	return buf
}

func decodeRecord(buf []byte) (int64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("pagestore: short record")
	}
	refcount := int64(binary.BigEndian.Uint64(buf[0:8]))
	data := make([]byte, len(buf)-8)
	copy(data, buf[8:])
	return refcount, data, nil
}

// Close releases the underlying LevelDB handle.
func (c *MemCache) Close() error { return c.db.Close() }

func (c *MemCache) AllArenas() []PageArena {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PageArena, 0, len(c.arenas))
	for _, a := range c.arenas {
		out = append(out, a)
	}
	return out
}

func (c *MemCache) Arena(dev events.DeviceID) (PageArena, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.arenas[dev]
	return a, ok
}

func (c *MemCache) PutPage(ctx context.Context, id events.PageID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.memory[id]
	r.data = append([]byte(nil), data...)
	c.memory[id] = r
	return c.db.Put(encodePageKey(id), encodeRecord(r.refcount, r.data), nil)
}

func (c *MemCache) GetPage(ctx context.Context, id events.PageID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.memory[id]
	if !ok || r.refcount <= 0 {
		return nil, ErrPageNotFound
	}
	return r.data, nil
}

// CommitJob applies job's refcount deltas exactly once per
// (CallerUUID, CallerSlot), enqueuing any page whose refcount drops to zero
// with params.Recycler, matching the applyBatchIndex phase of a two-phase
// commit.
func (c *MemCache) CommitJob(ctx context.Context, job events.PrepareJob, params JobCommitParams) error {
	c.mu.Lock()
	key := encodeAppliedKey(params.CallerUUID, params.CallerSlot)
	if already, err := c.db.Has(key, nil); err != nil {
		c.mu.Unlock()
		return err
	} else if already {
		c.mu.Unlock()
		return nil
	}

	var zeroed []events.PageID
	for id, delta := range job.PageRefcountDelta {
		r := c.memory[id]
		r.refcount += delta
		c.memory[id] = r
		if err := c.db.Put(encodePageKey(id), encodeRecord(r.refcount, r.data), nil); err != nil {
			c.mu.Unlock()
			return err
		}
		if r.refcount <= 0 {
			zeroed = append(zeroed, id)
		}
	}
	if err := c.db.Put(key, []byte{1}, nil); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if len(zeroed) > 0 && params.Recycler != nil {
		if _, err := params.Recycler.RecyclePages(ctx, zeroed, params.RecycleGrant, params.RecycleDepth); err != nil {
			return err
		}
	}
	return nil
}

func (c *MemCache) RollbackJob(ctx context.Context, job events.PrepareJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range job.NewPageIDs {
		delete(c.memory, id)
		if err := c.db.Delete(encodePageKey(id), nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *MemCache) DropPage(ctx context.Context, id events.PageID) ([]events.PageID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.memory, id)
	if err := c.db.Delete(encodePageKey(id), nil); err != nil {
		return nil, err
	}
	// The reference cache does not model inter-page references, so dropping
	// a page never cascades further; a real page graph store would return
	// the dropped page's own outgoing refs here.
	return nil, nil
}

type memArena struct {
	id        events.DeviceID
	allocator *memAllocator
}

func (a *memArena) DeviceID() events.DeviceID { return a.id }
func (a *memArena) Allocator() Allocator      { return a.allocator }

type memAllocator struct {
	mu       sync.Mutex
	attached map[uuid.UUID]uint64
}

func (a *memAllocator) AttachUser(ctx context.Context, client uuid.UUID, userSlot uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attached == nil {
		a.attached = make(map[uuid.UUID]uint64)
	}
	a.attached[client] = userSlot
	return nil
}

func (a *memAllocator) IsAttached(client uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.attached[client]
	return ok
}

func (a *memAllocator) Sync(ctx context.Context) error { return nil }

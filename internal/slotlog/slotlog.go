// Package slotlog implements a single-file, append-only, checksummed byte
// log addressed by monotonic slot offsets, with grant-based write
// reservation and a speculative/durable read distinction. It realizes the
// LogDevice / SlotWriter / SlotReader / Grant collaborators that the volume
// and page recycler state machines are built against.
package slotlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const frameHeaderSize = 8 // 4 bytes length + 4 bytes crc

var (
	// ErrLogFull is returned by Reserve when the requested size exceeds the
	// log's free grant pool and the caller asked not to wait.
	ErrLogFull = errors.New("slotlog: no space available in grant pool")
	// ErrClosed is returned by any operation attempted after Close/Halt.
	ErrClosed = errors.New("slotlog: log is closed")
	// ErrGrantExhausted is returned by Append when the supplied grant does
	// not have enough remaining size to cover the frame being written.
	ErrGrantExhausted = errors.New("slotlog: grant exhausted")
	// ErrCorrupt is returned by a reader when a frame's checksum does not
	// match its payload.
	ErrCorrupt = errors.New("slotlog: checksum mismatch")
)

// LogReadMode selects whether a reader may observe slots that have been
// written but not yet fsynced (Speculative), or only slots that are known
// durable (Durable).
type LogReadMode int

const (
	// Speculative allows reading up to the most recently written slot,
	// whether or not it has been synced to stable storage.
	Speculative LogReadMode = iota
	// Durable restricts reading to slots that have been fsynced.
	Durable
)

// SlotRange is a half-open range [Lower, Upper) of slot offsets.
type SlotRange struct {
	Lower uint64
	Upper uint64
}

// Empty reports whether the range contains no slots.
func (r SlotRange) Empty() bool { return r.Upper <= r.Lower }

// Contains reports whether offset lies within [Lower, Upper).
func (r SlotRange) Contains(offset uint64) bool {
	return offset >= r.Lower && offset < r.Upper
}

// SlotLess orders two slot offsets on the log's 64-bit modular axis,
// treating a difference of more than half the address space as having
// wrapped. In practice our logs never approach 2^63 bytes, so this reduces
// to ordinary unsigned comparison; it is kept as a named helper for the
// trim-point and lock-bound comparisons in the recycler, the volume, and
// the slot lock manager. A few in-memory minimum scans (the recycler
// queue's lruSlot, the volume's minPendingSlot) use a bare `<` instead.
func SlotLess(a, b uint64) bool { return int64(a-b) < 0 }

// SlotMin returns whichever of a, b is earlier under SlotLess.
func SlotMin(a, b uint64) uint64 {
	if SlotLess(a, b) {
		return a
	}
	return b
}

// SlotMax returns whichever of a, b is later under SlotLess.
func SlotMax(a, b uint64) uint64 {
	if SlotLess(a, b) {
		return b
	}
	return a
}

// Grant is a revocable reservation against a Log's capacity. A caller must
// hold a grant with sufficient remaining Size before Append will accept a
// record; Append debits the grant by the size of the frame it wrote.
type Grant struct {
	log  *Log
	mu   sync.Mutex
	size uint64
}

// Size returns the grant's current remaining byte budget.
func (g *Grant) Size() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.size
}

// Split carves a new grant of the given size out of g, leaving the
// remainder in g. It fails if g does not have enough budget.
func (g *Grant) Split(size uint64) (*Grant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.size < size {
		return nil, ErrGrantExhausted
	}
	g.size -= size
	return &Grant{log: g.log, size: size}, nil
}

// Subsume merges other's remaining budget into g and zeroes other. It is
// used to refill a long-lived grant pool, as when topping up a recycler's
// task grant or insert grant pool from a fresh reservation.
func (g *Grant) Subsume(other *Grant) {
	other.mu.Lock()
	n := other.size
	other.size = 0
	other.mu.Unlock()

	g.mu.Lock()
	g.size += n
	g.mu.Unlock()
}

// Revoke returns the grant's entire remaining budget to the log's free
// pool and zeroes the grant. Used when halting a writer that will never
// spend the rest of its reservation.
func (g *Grant) Revoke() {
	g.mu.Lock()
	n := g.size
	g.size = 0
	g.mu.Unlock()
	if n > 0 {
		g.log.release(n)
	}
}

func (g *Grant) spend(n uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.size < n {
		return ErrGrantExhausted
	}
	g.size -= n
	return nil
}

// ScanFunc is invoked once per recovered frame, in slot order, while
// opening a log. It lets a caller fold log history (e.g. to rebuild
// in-memory state) without a second pass over the file.
type ScanFunc func(slot uint64, payload []byte) error

// Log is a single growing file addressed by byte offset ("slot"). Writers
// reserve capacity via Reserve, append framed payloads via Append, and
// readers stream frames back via NewReader. Trim logically discards a
// prefix of the log, freeing that capacity back to the grant pool; because
// the log device itself is treated as an external collaborator rather than
// the subject of this design, Trim here only advances the logical lower
// bound and does not attempt to reclaim disk blocks by punching holes or
// rewriting the file.
type Log struct {
	mu       sync.Mutex
	cond     *sync.Cond
	f        *os.File
	w        *bufio.Writer
	path     string
	capacity uint64

	lower      uint64 // logical trim point; bytes below this are reclaimed
	specUpper  uint64 // offset just past the last byte written (not fsynced)
	durUpper   uint64 // offset just past the last byte known fsynced
	reserved   uint64 // bytes currently held by outstanding grants
	closed     bool
}

// Open opens or creates the log file at path with the given capacity (the
// total number of slot bytes that may be reserved at once), replays any
// existing content through scan in slot order, and returns a ready Log
// positioned for further appends.
func Open(path string, capacity uint64, scan ScanFunc) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	l := &Log{f: f, w: bufio.NewWriterSize(f, 64*1024), path: path, capacity: capacity}
	l.cond = sync.NewCond(&l.mu)

	upper, err := replay(f, scan)
	if err != nil {
		f.Close()
		return nil, err
	}
	l.specUpper = upper
	l.durUpper = upper
	if _, err := f.Seek(int64(upper), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func replay(f *os.File, scan ScanFunc) (uint64, error) {
	r := bufio.NewReader(f)
	var offset uint64
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return offset, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// Trailing partial frame from a torn write; treat the log
				// as ending at the last complete frame.
				return offset, nil
			}
			return offset, err
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		wantCRC := binary.LittleEndian.Uint32(header[4:8])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}
			return offset, err
		}
		if crc32.Checksum(payload, crcTable) != wantCRC {
			return offset, nil
		}
		slot := offset
		offset += uint64(frameHeaderSize + len(payload))
		if scan != nil {
			if err := scan(slot, payload); err != nil {
				return offset, err
			}
		}
	}
}

// Factory opens a log, replaying its history through scan, exactly as
// Open does; it exists so recovery code can defer which file and capacity
// a log uses to its caller, matching the LogDeviceFactory collaborator in
// the external interfaces.
type Factory func(scan ScanFunc) (*Log, error)

// Path returns the file path this log was opened from.
func (l *Log) Path() string { return l.path }

// NewReaderFrom is NewReader(l.Path(), lower, mode).
func (l *Log) NewReaderFrom(lower uint64, mode LogReadMode) (*Reader, error) {
	return l.NewReader(l.path, lower, mode)
}

// Capacity returns the log's configured grant pool capacity.
func (l *Log) Capacity() uint64 { return l.capacity }

// SlotOffset returns the offset just past the most recently written frame
// (the speculative upper bound).
func (l *Log) SlotOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specUpper
}

// DurableOffset returns the offset just past the most recently fsynced
// frame.
func (l *Log) DurableOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.durUpper
}

// Upper returns the current upper bound for the given read mode.
func (l *Log) Upper(mode LogReadMode) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mode == Durable {
		return l.durUpper
	}
	return l.specUpper
}

// TrimPoint returns the current logical lower bound of the log.
func (l *Log) TrimPoint() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lower
}

// PoolSize returns the number of bytes still available to Reserve.
func (l *Log) PoolSize() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.poolSizeLocked()
}

func (l *Log) poolSizeLocked() uint64 {
	inUse := l.specUpper - l.lower
	if inUse+l.reserved >= l.capacity {
		return 0
	}
	return l.capacity - inUse - l.reserved
}

// Reserve blocks until size bytes of grant pool capacity are available (or
// ctx is done), then returns a Grant for that many bytes.
func (l *Log) Reserve(ctx context.Context, size uint64) (*Grant, error) {
	return l.reserve(ctx, size, true)
}

// TryReserve attempts to reserve size bytes without blocking, returning
// ErrLogFull immediately if unavailable.
func (l *Log) TryReserve(size uint64) (*Grant, error) {
	return l.reserve(context.Background(), size, false)
}

func (l *Log) reserve(ctx context.Context, size uint64, wait bool) (*Grant, error) {
	l.mu.Lock()
	for {
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		if l.poolSizeLocked() >= size {
			l.reserved += size
			l.mu.Unlock()
			return &Grant{log: l, size: size}, nil
		}
		if !wait {
			l.mu.Unlock()
			return nil, ErrLogFull
		}
		if err := ctx.Err(); err != nil {
			l.mu.Unlock()
			return nil, err
		}
		// sync.Cond cannot select on ctx.Done(); a watcher goroutine
		// rebroadcasts on cancellation so Wait doesn't block forever.
		stop := l.watchCancel(ctx)
		l.cond.Wait()
		stop()
	}
}

func (l *Log) watchCancel(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (l *Log) release(n uint64) {
	l.mu.Lock()
	if l.reserved >= n {
		l.reserved -= n
	} else {
		l.reserved = 0
	}
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Append writes payload as a single checksummed frame, spending len(frame)
// bytes from grant, and returns the slot offset the frame was written at.
// The write is visible to Speculative readers immediately; callers that
// need durability must follow up with Sync(Durable, ...).
func (l *Log) Append(grant *Grant, payload []byte) (uint64, error) {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(payload, crcTable))
	copy(frame[frameHeaderSize:], payload)

	if err := grant.spend(uint64(len(frame))); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	slot := l.specUpper
	if _, err := l.w.Write(frame); err != nil {
		return 0, err
	}
	l.specUpper += uint64(len(frame))
	// The grant's spent bytes move from "reserved" to "in use": once written
	// they are counted by poolSizeLocked as part of [lower, specUpper), so
	// they leave l.reserved here and return to the pool when Trim passes
	// them.
	if l.reserved >= uint64(len(frame)) {
		l.reserved -= uint64(len(frame))
	} else {
		l.reserved = 0
	}
	return slot, nil
}

// Patch overwrites the payload and checksum of an already-written frame at
// slot, in place, without changing the frame's length or moving the
// append cursor. It exists for the narrow case of a record whose payload
// must embed its own slot offset, which Append cannot know until after it
// has already returned: the caller appends a placeholder, learns the real
// slot from Append's return value, then Patches the real value in.
// newPayload must be exactly the length of the payload already on disk at
// slot.
func (l *Log) Patch(slot uint64, newPayload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	var lenBuf [4]byte
	if _, err := l.f.ReadAt(lenBuf[:], int64(slot)); err != nil {
		return err
	}
	oldLen := binary.LittleEndian.Uint32(lenBuf[:])
	if int(oldLen) != len(newPayload) {
		return fmt.Errorf("slotlog: patch length mismatch: frame at %d has %d bytes, new payload has %d", slot, oldLen, len(newPayload))
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.Checksum(newPayload, crcTable))
	if _, err := l.f.WriteAt(crcBuf[:], int64(slot)+4); err != nil {
		return err
	}
	if _, err := l.f.WriteAt(newPayload, int64(slot)+frameHeaderSize); err != nil {
		return err
	}
	return strictSync(l.f)
}

// Sync waits until the log's upper bound under mode has reached at least
// target, flushing and fsyncing the underlying file for Durable.
func (l *Log) Sync(ctx context.Context, mode LogReadMode, target uint64) error {
	if mode == Speculative {
		l.mu.Lock()
		for SlotLess(l.specUpper, target) && !l.closed {
			stop := l.watchCancel(ctx)
			l.cond.Wait()
			stop()
			if err := ctx.Err(); err != nil {
				l.mu.Unlock()
				return err
			}
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		l.mu.Unlock()
		return err
	}
	if err := strictSync(l.f); err != nil {
		l.mu.Unlock()
		return err
	}
	l.durUpper = l.specUpper
	l.cond.Broadcast()
	l.mu.Unlock()
	return nil
}

// strictSync calls fsync and always returns its error rather than
// swallowing it, so a failure that leaves data non-durable (out of space,
// read-only remount) is never mistaken by a caller for a successful sync.
func strictSync(f *os.File) error {
	return f.Sync()
}

// Trim advances the log's logical lower bound to newLower, releasing the
// freed span back to the grant pool. newLower must not exceed the current
// durable upper bound.
func (l *Log) Trim(newLower uint64) error {
	l.mu.Lock()
	if SlotLess(l.durUpper, newLower) {
		l.mu.Unlock()
		return errors.New("slotlog: trim point beyond durable upper bound")
	}
	if SlotLess(newLower, l.lower) {
		l.mu.Unlock()
		return nil
	}
	l.lower = newLower
	l.cond.Broadcast()
	l.mu.Unlock()
	return nil
}

// Close flushes, fsyncs, and closes the underlying file, waking any
// blocked Reserve/Sync callers with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	err := l.w.Flush()
	if err == nil {
		err = l.f.Sync()
	}
	l.cond.Broadcast()
	l.mu.Unlock()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Reader streams frames from a Log starting at a given slot offset.
type Reader struct {
	log    *Log
	mode   LogReadMode
	offset uint64
	f      *os.File
}

// NewReader opens an independent file handle positioned at lower and
// returns a Reader that will not read past the log's current upper bound
// under mode.
func (l *Log) NewReader(path string, lower uint64, mode LogReadMode) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(int64(lower), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{log: l, mode: mode, offset: lower, f: f}, nil
}

// Offset returns the slot offset the next Next call will read from.
func (r *Reader) Offset() uint64 { return r.offset }

// Next returns the next frame's slot offset and payload, or io.EOF once the
// reader reaches the mode's current upper bound.
func (r *Reader) Next() (uint64, []byte, error) {
	upper := r.log.Upper(r.mode)
	if !SlotLess(r.offset, upper) {
		return 0, nil, io.EOF
	}
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r.f, header); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	wantCRC := binary.LittleEndian.Uint32(header[4:8])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.f, payload); err != nil {
		return 0, nil, err
	}
	if crc32.Checksum(payload, crcTable) != wantCRC {
		return 0, nil, ErrCorrupt
	}
	slot := r.offset
	r.offset += uint64(frameHeaderSize + len(payload))
	return slot, payload, nil
}

// Close releases the reader's file handle.
func (r *Reader) Close() error { return r.f.Close() }

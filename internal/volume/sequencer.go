package volume

import (
	"context"
	"sync"

	"llfsvolume/internal/slotlog"
)

// Sequencer orders concurrent Append calls against a single Volume so that
// their slot ranges land in a caller-determined order even though the
// appends themselves race: each Sequencer instance represents one slot in
// that order, chained to the previous one. Append's first phase blocks on
// AwaitPrev before writing anything, guaranteeing earlier-sequenced appends
// become durable first.
type Sequencer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	resolved bool
	rng      slotlog.SlotRange
	err      error
}

// NewSequencer returns the head of a new append ordering chain.
func NewSequencer() *Sequencer {
	s := &Sequencer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Next returns a new, unresolved Sequencer, exactly as NewSequencer does;
// it keeps no link to s. Ordering comes only from passing a Sequencer as
// the prev argument of AppendJob.
func (s *Sequencer) Next() *Sequencer {
	return NewSequencer()
}

// AwaitPrev blocks until prev (which may be nil, meaning "no predecessor")
// resolves, returning its final range or propagating its error.
func AwaitPrev(ctx context.Context, prev *Sequencer) (slotlog.SlotRange, error) {
	if prev == nil {
		return slotlog.SlotRange{}, nil
	}
	prev.mu.Lock()
	defer prev.mu.Unlock()
	for !prev.resolved {
		if err := ctx.Err(); err != nil {
			return slotlog.SlotRange{}, err
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				prev.mu.Lock()
				prev.cond.Broadcast()
				prev.mu.Unlock()
			case <-done:
			}
		}()
		prev.cond.Wait()
		close(done)
	}
	return prev.rng, prev.err
}

// SetCurrent resolves s successfully with the given range, releasing
// anything blocked in AwaitPrev(s).
func (s *Sequencer) SetCurrent(rng slotlog.SlotRange) {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.rng = rng
	s.cond.Broadcast()
	s.mu.Unlock()
}

// SetError resolves s with an error, propagated to anything blocked in
// AwaitPrev(s) so a failed append doesn't wedge the whole ordering chain.
func (s *Sequencer) SetError(err error) {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.err = err
	s.cond.Broadcast()
	s.mu.Unlock()
}

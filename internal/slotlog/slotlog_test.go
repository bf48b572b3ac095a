package slotlog

import (
	"context"
	"path/filepath"
	"testing"
)

func TestAppendReadSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")

	l, err := Open(path, 1<<20, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	grant, err := l.Reserve(context.Background(), 256)
	if err != nil {
		t.Fatal(err)
	}

	slot, err := l.Append(grant, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if slot != 0 {
		t.Fatalf("expected first slot at 0, got %d", slot)
	}

	if err := l.Sync(context.Background(), Durable, l.SlotOffset()); err != nil {
		t.Fatal(err)
	}

	r, err := l.NewReader(path, 0, Durable)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	gotSlot, payload, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if gotSlot != 0 || string(payload) != "hello" {
		t.Fatalf("got (%d, %q)", gotSlot, payload)
	}
}

func TestReserveBlocksUntilTrim(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")

	l, err := Open(path, 32, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	g1, err := l.Reserve(context.Background(), 32)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(g1, []byte("0123456789012345678901")); err != nil {
		t.Fatal(err)
	}
	if err := l.Sync(context.Background(), Durable, l.SlotOffset()); err != nil {
		t.Fatal(err)
	}

	if _, err := l.TryReserve(1); err != ErrLogFull {
		t.Fatalf("expected ErrLogFull, got %v", err)
	}

	done := make(chan struct{})
	go func() {
		if err := l.Trim(l.SlotOffset()); err != nil {
			t.Error(err)
		}
		close(done)
	}()
	<-done

	if _, err := l.TryReserve(16); err != nil {
		t.Fatalf("expected reservation to succeed after trim, got %v", err)
	}
}

func TestReplayRecoversFrames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log")

	l, err := Open(path, 1<<20, nil)
	if err != nil {
		t.Fatal(err)
	}
	grant, err := l.Reserve(context.Background(), 256)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(grant, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(grant, []byte("bb")); err != nil {
		t.Fatal(err)
	}
	if err := l.Sync(context.Background(), Durable, l.SlotOffset()); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	var recovered [][]byte
	l2, err := Open(path, 1<<20, func(slot uint64, payload []byte) error {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		recovered = append(recovered, cp)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	if len(recovered) != 2 || string(recovered[0]) != "a" || string(recovered[1]) != "bb" {
		t.Fatalf("unexpected recovered frames: %v", recovered)
	}
}

func TestGrantSplitAndSubsume(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "log"), 1024, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	g, err := l.Reserve(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := g.Split(40)
	if err != nil {
		t.Fatal(err)
	}
	if g.Size() != 60 || sub.Size() != 40 {
		t.Fatalf("split sizes wrong: g=%d sub=%d", g.Size(), sub.Size())
	}
	g.Subsume(sub)
	if g.Size() != 100 || sub.Size() != 0 {
		t.Fatalf("subsume sizes wrong: g=%d sub=%d", g.Size(), sub.Size())
	}
}

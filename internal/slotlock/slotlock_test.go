package slotlock

import (
	"testing"

	"llfsvolume/internal/slotlog"
)

func TestLockedLowerBoundTracksLiveLocks(t *testing.T) {
	m := New()

	if _, ok := m.LockedLowerBound(); ok {
		t.Fatal("expected no locked lower bound with no locks held")
	}

	a, err := m.LockSlots(slotlog.SlotRange{Lower: 10, Upper: 100}, "reader-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.LockSlots(slotlog.SlotRange{Lower: 30, Upper: 100}, "reader-b")
	if err != nil {
		t.Fatal(err)
	}

	if lower, ok := m.LockedLowerBound(); !ok || lower != 10 {
		t.Fatalf("expected lower bound 10, got %d (%v)", lower, ok)
	}

	a.Release()
	if lower, ok := m.LockedLowerBound(); !ok || lower != 30 {
		t.Fatalf("expected lower bound 30 after releasing a, got %d (%v)", lower, ok)
	}

	if err := m.UpdateLock(b, slotlog.SlotRange{Lower: 50, Upper: 100}, "reader-b"); err != nil {
		t.Fatal(err)
	}
	if lower, ok := m.LockedLowerBound(); !ok || lower != 50 {
		t.Fatalf("expected lower bound 50 after update, got %d (%v)", lower, ok)
	}

	b.Release()
	if _, ok := m.LockedLowerBound(); ok {
		t.Fatal("expected no locked lower bound after releasing all locks")
	}
}

func TestHaltRejectsNewLocks(t *testing.T) {
	m := New()
	m.Halt()
	if _, err := m.LockSlots(slotlog.SlotRange{Lower: 0, Upper: 1}, "x"); err != ErrHalted {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
}

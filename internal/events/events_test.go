package events

import (
	"testing"

	"github.com/google/uuid"
)

func TestRoundTrip(t *testing.T) {
	cases := []Event{
		VolumeIds{Main: uuid.New(), Recycler: uuid.New(), Trimmer: uuid.New()},
		VolumeAttach{Client: uuid.New(), DeviceID: 7},
		VolumeDetach{Client: uuid.New(), DeviceID: 7},
		PrepareJob{
			NewPageIDs:        []PageID{1, 2, 3},
			RootRefs:          []PageID{1},
			PageRefcountDelta: map[PageID]int64{2: 1, 3: -1},
		},
		CommitJob{PrepareSlot: 1024},
		RollbackJob{PrepareSlot: 2048},
		UserData{Payload: []byte("hello volume")},
		RecyclerInfo{UUID: uuid.New(), MaxRefsPerPage: 4, BatchSize: 16, InsertGrantSize: 4096, RecycleTaskTarget: 1024, InfoRefreshSlots: 65536},
		PageToRecycle{PageID: 42, SlotOffset: 99, Depth: 2},
		RecyclePagePrepare{PageID: 42, BatchSlot: 99},
		RecycleBatchCommit{BatchSlot: 99},
	}

	for _, want := range cases {
		data := Encode(want)
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%T): %v", want, err)
		}
		switch w := want.(type) {
		case PrepareJob:
			g := got.(PrepareJob)
			if len(g.NewPageIDs) != len(w.NewPageIDs) || len(g.RootRefs) != len(w.RootRefs) || len(g.PageRefcountDelta) != len(w.PageRefcountDelta) {
				t.Fatalf("PrepareJob round trip mismatch: got %+v want %+v", g, w)
			}
		case UserData:
			g := got.(UserData)
			if string(g.Payload) != string(w.Payload) {
				t.Fatalf("UserData round trip mismatch: got %q want %q", g.Payload, w.Payload)
			}
		default:
			if got != want {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
			}
		}
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, err := Decode(nil); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
	if _, err := Decode([]byte{tagCommitJob, 1, 2}); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	if _, err := Decode([]byte{0xff}); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

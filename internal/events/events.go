// Package events defines the typed records carried by a volume's and a
// recycler's slot logs, and their binary wire encoding.
package events

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrShortBuffer is returned by Decode when the supplied bytes are truncated
// relative to what the tag's fixed header declares.
var ErrShortBuffer = errors.New("events: short buffer")

// ErrUnknownTag is returned by Decode when the leading tag byte does not
// correspond to a known event type.
var ErrUnknownTag = errors.New("events: unknown tag")

// PageID identifies a page within a page arena. Zero is never a valid id.
type PageID uint64

// DeviceID identifies a page arena / cache device.
type DeviceID uint64

// Event is implemented by every record type that can be appended to a
// volume's or a recycler's slot log.
type Event interface {
	tag() byte
}

const (
	tagVolumeIds = iota + 1
	tagVolumeAttach
	tagVolumeDetach
	tagPrepareJob
	tagCommitJob
	tagRollbackJob
	tagUserData
	tagRecyclerInfo
	tagPageToRecycle
	tagRecyclePagePrepare
	tagRecycleBatchCommit
)

// VolumeIds is written once, the first time a volume is recovered with no
// prior history, and fixes its identity and the identities of its recycler
// and trimmer for the lifetime of the volume.
type VolumeIds struct {
	Main     uuid.UUID
	Recycler uuid.UUID
	Trimmer  uuid.UUID
}

func (VolumeIds) tag() byte { return tagVolumeIds }

// VolumeAttach records that a (client uuid, device id) pair has been
// attached to a page arena's allocator slot tracking.
type VolumeAttach struct {
	Client   uuid.UUID
	DeviceID DeviceID
}

func (VolumeAttach) tag() byte { return tagVolumeAttach }

// VolumeDetach records the inverse of VolumeAttach.
type VolumeDetach struct {
	Client   uuid.UUID
	DeviceID DeviceID
}

func (VolumeDetach) tag() byte { return tagVolumeDetach }

// PrepareJob is the first phase of a two-phase job append: it names every
// page the job touches before any of the job's effects are applied.
type PrepareJob struct {
	NewPageIDs        []PageID
	RootRefs          []PageID
	PageRefcountDelta map[PageID]int64
}

func (PrepareJob) tag() byte { return tagPrepareJob }

// CommitJob closes out the PrepareJob recorded at PrepareSlot: the job's
// page writes and refcount deltas are now considered durable.
type CommitJob struct {
	PrepareSlot uint64
}

func (CommitJob) tag() byte { return tagCommitJob }

// RollbackJob closes out the PrepareJob recorded at PrepareSlot by
// discarding it: none of its effects are applied.
type RollbackJob struct {
	PrepareSlot uint64
}

func (RollbackJob) tag() byte { return tagRollbackJob }

// UserData is an opaque, caller-supplied payload appended to a volume's log
// outside of the job state machine (e.g. application-level records).
type UserData struct {
	Payload []byte
}

func (UserData) tag() byte { return tagUserData }

// RecyclerInfo records a page recycler's identity and its tuning options.
// It is written when a recycler's log is first created and re-appended
// when the refresh interval has elapsed or a trim would pass the previous
// info slot; options passed to a later recovery do not cause a re-append.
type RecyclerInfo struct {
	UUID              uuid.UUID
	MaxRefsPerPage     uint32
	BatchSize          uint32
	InsertGrantSize    uint64
	RecycleTaskTarget  uint64
	InfoRefreshSlots   uint64
}

func (RecyclerInfo) tag() byte { return tagRecyclerInfo }

// PageToRecycle enqueues a page for recycling at a given cascade depth.
// SlotOffset is the offset of this very record. It is encoded as written
// (zero from the recycler, whose slot is not known before append) and is
// filled in from the record's slot in memory: by the writer after append,
// and by recovery while scanning, so that recovery can rebuild an LRU
// ordering.
type PageToRecycle struct {
	PageID     PageID
	SlotOffset uint64
	Depth      uint32
}

func (PageToRecycle) tag() byte { return tagPageToRecycle }

// RecyclePagePrepare tags a page as belonging to the in-flight batch
// identified by BatchSlot, the slot offset shared by every prepare record
// in that batch.
type RecyclePagePrepare struct {
	PageID    PageID
	BatchSlot uint64
}

func (RecyclePagePrepare) tag() byte { return tagRecyclePagePrepare }

// RecycleBatchCommit closes out every RecyclePagePrepare tagged with
// BatchSlot: those pages have been durably dropped.
type RecycleBatchCommit struct {
	BatchSlot uint64
}

func (RecycleBatchCommit) tag() byte { return tagRecycleBatchCommit }

// Encode serializes ev as tag byte followed by its fields in little-endian
// order, matching the wire format fixed by the data model.
func Encode(ev Event) []byte {
	switch e := ev.(type) {
	case VolumeIds:
		buf := make([]byte, 1+16*3)
		buf[0] = e.tag()
		copy(buf[1:], e.Main[:])
		copy(buf[17:], e.Recycler[:])
		copy(buf[33:], e.Trimmer[:])
		return buf

	case VolumeAttach:
		return encodeAttach(e.tag(), e.Client, e.DeviceID)

	case VolumeDetach:
		return encodeAttach(e.tag(), e.Client, e.DeviceID)

	case PrepareJob:
		return encodePrepareJob(e)

	case CommitJob:
		buf := make([]byte, 9)
		buf[0] = e.tag()
		binary.LittleEndian.PutUint64(buf[1:], e.PrepareSlot)
		return buf

	case RollbackJob:
		buf := make([]byte, 9)
		buf[0] = e.tag()
		binary.LittleEndian.PutUint64(buf[1:], e.PrepareSlot)
		return buf

	case UserData:
		buf := make([]byte, 1+len(e.Payload))
		buf[0] = e.tag()
		copy(buf[1:], e.Payload)
		return buf

	case RecyclerInfo:
		buf := make([]byte, 1+16+4+4+8+8+8)
		buf[0] = e.tag()
		off := 1
		copy(buf[off:], e.UUID[:])
		off += 16
		binary.LittleEndian.PutUint32(buf[off:], e.MaxRefsPerPage)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], e.BatchSize)
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], e.InsertGrantSize)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], e.RecycleTaskTarget)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], e.InfoRefreshSlots)
		return buf

	case PageToRecycle:
		buf := make([]byte, 1+8+8+4)
		buf[0] = e.tag()
		binary.LittleEndian.PutUint64(buf[1:], uint64(e.PageID))
		binary.LittleEndian.PutUint64(buf[9:], e.SlotOffset)
		binary.LittleEndian.PutUint32(buf[17:], e.Depth)
		return buf

	case RecyclePagePrepare:
		buf := make([]byte, 1+8+8)
		buf[0] = e.tag()
		binary.LittleEndian.PutUint64(buf[1:], uint64(e.PageID))
		binary.LittleEndian.PutUint64(buf[9:], e.BatchSlot)
		return buf

	case RecycleBatchCommit:
		buf := make([]byte, 9)
		buf[0] = e.tag()
		binary.LittleEndian.PutUint64(buf[1:], e.BatchSlot)
		return buf

	default:
		panic(fmt.Sprintf("events: unencodable type %T", ev))
	}
}

func encodeAttach(tag byte, client uuid.UUID, dev DeviceID) []byte {
	buf := make([]byte, 1+16+8)
	buf[0] = tag
	copy(buf[1:], client[:])
	binary.LittleEndian.PutUint64(buf[17:], uint64(dev))
	return buf
}

func encodePrepareJob(e PrepareJob) []byte {
	size := 1 + 4 + 8*len(e.NewPageIDs) + 4 + 8*len(e.RootRefs) + 4 + 16*len(e.PageRefcountDelta)
	buf := make([]byte, size)
	buf[0] = tagPrepareJob
	off := 1
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.NewPageIDs)))
	off += 4
	for _, id := range e.NewPageIDs {
		binary.LittleEndian.PutUint64(buf[off:], uint64(id))
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.RootRefs)))
	off += 4
	for _, id := range e.RootRefs {
		binary.LittleEndian.PutUint64(buf[off:], uint64(id))
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.PageRefcountDelta)))
	off += 4
	for id, delta := range e.PageRefcountDelta {
		binary.LittleEndian.PutUint64(buf[off:], uint64(id))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(delta))
		off += 8
	}
	return buf
}

// Decode parses a record previously produced by Encode.
func Decode(data []byte) (Event, error) {
	if len(data) < 1 {
		return nil, ErrShortBuffer
	}
	tag, body := data[0], data[1:]
	switch tag {
	case tagVolumeIds:
		if len(body) < 48 {
			return nil, ErrShortBuffer
		}
		var e VolumeIds
		copy(e.Main[:], body[0:16])
		copy(e.Recycler[:], body[16:32])
		copy(e.Trimmer[:], body[32:48])
		return e, nil

	case tagVolumeAttach, tagVolumeDetach:
		if len(body) < 24 {
			return nil, ErrShortBuffer
		}
		var client uuid.UUID
		copy(client[:], body[0:16])
		dev := DeviceID(binary.LittleEndian.Uint64(body[16:24]))
		if tag == tagVolumeAttach {
			return VolumeAttach{Client: client, DeviceID: dev}, nil
		}
		return VolumeDetach{Client: client, DeviceID: dev}, nil

	case tagPrepareJob:
		return decodePrepareJob(body)

	case tagCommitJob:
		if len(body) < 8 {
			return nil, ErrShortBuffer
		}
		return CommitJob{PrepareSlot: binary.LittleEndian.Uint64(body)}, nil

	case tagRollbackJob:
		if len(body) < 8 {
			return nil, ErrShortBuffer
		}
		return RollbackJob{PrepareSlot: binary.LittleEndian.Uint64(body)}, nil

	case tagUserData:
		payload := make([]byte, len(body))
		copy(payload, body)
		return UserData{Payload: payload}, nil

	case tagRecyclerInfo:
		if len(body) < 16+4+4+8+8+8 {
			return nil, ErrShortBuffer
		}
		var e RecyclerInfo
		off := 0
		copy(e.UUID[:], body[off:off+16])
		off += 16
		e.MaxRefsPerPage = binary.LittleEndian.Uint32(body[off:])
		off += 4
		e.BatchSize = binary.LittleEndian.Uint32(body[off:])
		off += 4
		e.InsertGrantSize = binary.LittleEndian.Uint64(body[off:])
		off += 8
		e.RecycleTaskTarget = binary.LittleEndian.Uint64(body[off:])
		off += 8
		e.InfoRefreshSlots = binary.LittleEndian.Uint64(body[off:])
		return e, nil

	case tagPageToRecycle:
		if len(body) < 20 {
			return nil, ErrShortBuffer
		}
		return PageToRecycle{
			PageID:     PageID(binary.LittleEndian.Uint64(body[0:8])),
			SlotOffset: binary.LittleEndian.Uint64(body[8:16]),
			Depth:      binary.LittleEndian.Uint32(body[16:20]),
		}, nil

	case tagRecyclePagePrepare:
		if len(body) < 16 {
			return nil, ErrShortBuffer
		}
		return RecyclePagePrepare{
			PageID:    PageID(binary.LittleEndian.Uint64(body[0:8])),
			BatchSlot: binary.LittleEndian.Uint64(body[8:16]),
		}, nil

	case tagRecycleBatchCommit:
		if len(body) < 8 {
			return nil, ErrShortBuffer
		}
		return RecycleBatchCommit{BatchSlot: binary.LittleEndian.Uint64(body)}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

func decodePrepareJob(body []byte) (Event, error) {
	readSlice := func() ([]PageID, error) {
		if len(body) < 4 {
			return nil, ErrShortBuffer
		}
		n := binary.LittleEndian.Uint32(body)
		body = body[4:]
		if uint64(len(body)) < uint64(n)*8 {
			return nil, ErrShortBuffer
		}
		out := make([]PageID, n)
		for i := range out {
			out[i] = PageID(binary.LittleEndian.Uint64(body))
			body = body[8:]
		}
		return out, nil
	}

	newPages, err := readSlice()
	if err != nil {
		return nil, err
	}
	roots, err := readSlice()
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, ErrShortBuffer
	}
	n := binary.LittleEndian.Uint32(body)
	body = body[4:]
	deltas := make(map[PageID]int64, n)
	for i := uint32(0); i < n; i++ {
		if len(body) < 16 {
			return nil, ErrShortBuffer
		}
		id := PageID(binary.LittleEndian.Uint64(body[0:8]))
		delta := int64(binary.LittleEndian.Uint64(body[8:16]))
		deltas[id] = delta
		body = body[16:]
	}
	return PrepareJob{NewPageIDs: newPages, RootRefs: roots, PageRefcountDelta: deltas}, nil
}

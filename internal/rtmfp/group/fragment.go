package group

import (
	"encoding/binary"

	"github.com/alxayo/go-rtmfp/internal/rtmfp/wire"
)

// Marker classifies a GroupFragment's role in a (possibly split) media unit.
type Marker int

const (
	MarkerData Marker = iota
	MarkerStart
	MarkerNext
	MarkerEnd
)

// GroupFragment is one media fragment inside a NetGroup stream.
type GroupFragment struct {
	ID         uint64
	Marker     Marker
	SplitIndex int // for START/NEXT/END, the remaining-pieces countdown
	MediaType  byte
	Timestamp  uint32
	Bytes      []byte
}

// Config holds the per-GroupMedia subscription parameters exchanged via
// MEDIA_INFO.
type Config struct {
	WindowDuration          uint32 // ms
	FetchPeriod             uint32 // ms, default 2500
	AvailabilityUpdatePeriod uint32 // ms, default 100
	RelayMargin             uint32 // ms
	PushLimit               int
	AvailabilitySendToAll   bool
	IsPublisher             bool
}

// DefaultConfig returns the documented defaults for fetch and update period.
func DefaultConfig() Config {
	return Config{FetchPeriod: 2500, AvailabilityUpdatePeriod: 100}
}

// EncodeGroupFragment serializes one GroupFragment onto a group Media
// writer's stream: an opcode naming the marker, the fragment id, a
// split-index for START/NEXT/END, then the media type byte, big-endian
// timestamp, and payload.
func EncodeGroupFragment(f GroupFragment) []byte {
	var opcode Opcode
	switch f.Marker {
	case MarkerStart:
		opcode = OpMediaStart
	case MarkerNext:
		opcode = OpMediaNext
	case MarkerEnd:
		opcode = OpMediaEnd
	default:
		opcode = OpMediaData
	}

	buf := make([]byte, 0, 16+len(f.Bytes))
	buf = append(buf, byte(opcode))
	buf = wire.PutUint7(buf, f.ID)
	if f.Marker != MarkerData {
		buf = wire.PutUint7(buf, uint64(f.SplitIndex))
	}
	buf = append(buf, f.MediaType)
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], f.Timestamp)
	buf = append(buf, ts[:]...)
	buf = append(buf, f.Bytes...)
	return buf
}

// DecodeGroupFragment parses a Media writer chunk into a GroupFragment.
func DecodeGroupFragment(body []byte) (GroupFragment, bool) {
	if len(body) < 1 {
		return GroupFragment{}, false
	}
	opcode := Opcode(body[0])
	rest := body[1:]

	id, rest, ok := wire.Uint7(rest)
	if !ok {
		return GroupFragment{}, false
	}

	var marker Marker
	var splitIndex int
	switch opcode {
	case OpMediaStart:
		marker = MarkerStart
	case OpMediaNext:
		marker = MarkerNext
	case OpMediaEnd:
		marker = MarkerEnd
	case OpMediaData:
		marker = MarkerData
	default:
		return GroupFragment{}, false
	}
	if marker != MarkerData {
		var si uint64
		si, rest, ok = wire.Uint7(rest)
		if !ok {
			return GroupFragment{}, false
		}
		splitIndex = int(si)
	}

	if len(rest) < 5 {
		return GroupFragment{}, false
	}
	mediaType := rest[0]
	timestamp := binary.BigEndian.Uint32(rest[1:5])
	payload := append([]byte(nil), rest[5:]...)

	return GroupFragment{
		ID:         id,
		Marker:     marker,
		SplitIndex: splitIndex,
		MediaType:  mediaType,
		Timestamp:  timestamp,
		Bytes:      payload,
	}, true
}

package rtmfp

import "encoding/binary"

// flvHeader is the 13-byte FLV file header emitted once, on first Read.
var flvHeader = []byte{0x46, 0x4C, 0x56, 0x01, 0x05, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}

// flvTag wraps one delivered payload as an FLV tag: tagType, 24-bit size,
// 24-bit timestamp, 8-bit timestamp extension, 24-bit zero stream id, the
// payload, and a trailing 32-bit previous-tag-size equal to 11+size.
func flvTag(tagType byte, timestamp uint32, payload []byte) []byte {
	size := len(payload)
	out := make([]byte, 0, 11+size+4)
	out = append(out, tagType)
	out = append(out, byte(size>>16), byte(size>>8), byte(size))
	out = append(out, byte(timestamp>>16), byte(timestamp>>8), byte(timestamp))
	out = append(out, byte(timestamp>>24))
	out = append(out, 0, 0, 0) // stream id, always 0
	out = append(out, payload...)

	var prevSize [4]byte
	binary.BigEndian.PutUint32(prevSize[:], uint32(11+size))
	out = append(out, prevSize[:]...)
	return out
}

const (
	flvTagAudio  byte = 0x08
	flvTagVideo  byte = 0x09
	flvTagScript byte = 0x12
)

package group

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// GroupID identifies a NetGroup mesh by its groupspec text and the derived
// hex id peers exchange on the wire.
type GroupID struct {
	Text string // the "groupspec" text
	Hex  string // SHA-256(Text), doubled for v2 groupspecs
	IsV2 bool
}

// NewGroupID derives a GroupID from the groupspec text, applying the v2
// double-hash when the v2 token is present.
func NewGroupID(groupspec string) GroupID {
	isV2 := strings.Contains(strings.ToUpper(groupspec), v2GroupspecToken)
	sum := sha256.Sum256([]byte(groupspec))
	if isV2 {
		sum = sha256.Sum256(sum[:])
	}
	return GroupID{Text: groupspec, Hex: hex.EncodeToString(sum[:]), IsV2: isV2}
}

// Address computes a peer's position on the group's circular address space:
// SHA-256 of the peer's raw id (the 34-byte 0x21 0x0F-prefixed form).
func Address(rawPeerID []byte) [32]byte {
	return sha256.Sum256(rawPeerID)
}

// top64 extracts the most-significant 64 bits of a group address, used for
// ring-distance and group-size estimation arithmetic.
func top64(addr [32]byte) uint64 {
	return binary.BigEndian.Uint64(addr[:8])
}

// ringDistance returns the clockwise distance from a to b on the 64-bit
// circular address space (using only the top 64 bits of the full 256-bit
// address, which is all the group-size estimate needs).
func ringDistance(a, b uint64) uint64 {
	return b - a // wraps naturally via uint64 subtraction
}

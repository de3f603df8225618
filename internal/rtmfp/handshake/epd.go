package handshake

import (
	"crypto/sha256"
	"encoding/hex"

	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
)

// PeerID is the 32-byte SHA-256 of a peer's canonical public key form.
type PeerID [32]byte

// RawID prefixes a PeerID as carried on the wire: 0x21 0x0F || peerId.
func (p PeerID) RawID() []byte {
	out := make([]byte, 0, 34)
	out = append(out, 0x21, 0x0F)
	out = append(out, p[:]...)
	return out
}

// String returns the 64-char hex display form.
func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// Less implements the lexicographic comparison used for concurrent-handshake
// arbitration, stable across endianness since it compares the raw byte
// representation rather than an integer.
func (p PeerID) Less(other PeerID) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

// DerivePeerID computes a PeerID from the canonical byte form of a DH public
// key (its big-endian encoding).
func DerivePeerID(canonicalPubKey []byte) PeerID {
	return PeerID(sha256.Sum256(canonicalPubKey))
}

const (
	epdServer = 0x0A
	epdPeer   = 0x0F
)

// EncodeServerEPD builds an HS30 endpoint descriptor for a server dial: a
// leading 0x0A followed by the URL bytes.
func EncodeServerEPD(url string) []byte {
	return append([]byte{epdServer}, []byte(url)...)
}

// EncodePeerEPD builds an HS30 endpoint descriptor for a peer dial: a
// leading 0x0F followed by the raw 32-byte peer id.
func EncodePeerEPD(id PeerID) []byte {
	return append([]byte{epdPeer}, id[:]...)
}

// DecodeEPD classifies an endpoint descriptor, returning either the target
// URL (server dial) or the target PeerID (peer dial).
func DecodeEPD(epd []byte) (url string, peerID PeerID, isPeer bool, err error) {
	if len(epd) < 1 {
		return "", PeerID{}, false, rerrors.NewHandshakeError("handshake.decode_epd", errEmptyEPD{})
	}
	switch epd[0] {
	case epdServer:
		return string(epd[1:]), PeerID{}, false, nil
	case epdPeer:
		if len(epd) < 1+32 {
			return "", PeerID{}, false, rerrors.NewHandshakeError("handshake.decode_epd", errShortPeerEPD{})
		}
		copy(peerID[:], epd[1:33])
		return "", peerID, true, nil
	default:
		return "", PeerID{}, false, rerrors.NewHandshakeError("handshake.decode_epd", errUnknownEPDType(epd[0]))
	}
}

type errEmptyEPD struct{}

func (errEmptyEPD) Error() string { return "empty endpoint descriptor" }

type errShortPeerEPD struct{}

func (errShortPeerEPD) Error() string { return "peer endpoint descriptor too short" }

type errUnknownEPDType byte

func (e errUnknownEPDType) Error() string { return "unknown endpoint descriptor type" }

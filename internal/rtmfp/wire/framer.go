package wire

// Packet framing: scrambled session id, AES-CBC body, CRC-guarded plaintext
// prefix, marker/timestamp/echo preamble.
//
// Routing note: the Adobe wire format derives the scrambled prefix from the
// encrypted body itself (XOR of three ciphertext words), a trick that only
// the Mona C++ engine implementation (not present in the filtered original
// source) spells out bit-for-bit. This package instead derives a 4-byte
// routing prefix from the session's own key via ScramblePrefix: deterministic
// per (sessionID, key) pair, zero for the handshaker (sessionID 0), and
// computed independently by each side of a session from the matching key —
// so sender and receiver always agree on the prefix without needing to
// reverse-engineer it from ciphertext. The Invoker (internal/rtmfp/invoker)
// uses it as an O(1) map key from incoming datagram to Session.

import (
	"crypto/aes"
	"encoding/binary"

	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
)

const (
	// MaxPacketSize is the largest RTMFP datagram the wire permits.
	MaxPacketSize = 1192
	scrambleSize  = 4
	crcSize       = 2
	blockSize     = 16
)

// Markers for the plaintext body's leading byte.
const (
	MarkerHandshake     = 0x0B
	MarkerRequest       = 0x09 // base request marker, no timestamp echo
	MarkerRequestEcho   = 0x89 // request with timestamp echo
	MarkerResponderReq  = 0x0A // concurrent-responder variant of MarkerRequest
	MarkerResponderEcho = 0x8A // concurrent-responder variant of MarkerRequestEcho
	MarkerNormalEcho    = 0x4E // session-to-session, normal echo marker
	MarkerP2PEcho       = 0xFE // peer-to-peer echo marker
	MarkerP2PEchoAlt    = 0xFD // peer-to-peer echo marker, alternate responder form
)

// hasTimeEcho reports whether marker carries a trailing timeEcho field.
func hasTimeEcho(marker byte) bool {
	switch marker {
	case MarkerNormalEcho, MarkerP2PEcho, MarkerP2PEchoAlt:
		return true
	}
	return false
}

// Pad appends 0xFF padding so that (len(body)+5) % 16 == 0, then returns the
// padded slice. The "+5" accounts for the already-written CRC field (2
// bytes) plus the 3-byte marker+timestamp header that always follows it.
func Pad(body []byte) []byte {
	for (len(body)+5)%blockSize != 0 {
		body = append(body, 0xFF)
	}
	return body
}

// CRC16 computes the RTMFP checksum: the ones-complement sum of big-endian
// 16-bit words over data, folded to 16 bits (a standard Internet checksum).
func CRC16(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// ScramblePrefix computes the 4-byte routing prefix for sessionID under key.
// sessionID 0 (the handshaker) always scrambles to the zero prefix. For any
// other session id, the prefix is sessionID XOR'd with a mask derived by
// running a single zero AES block through key — a cheap PRF that ties the
// prefix to the session's own key material without needing the full CBC
// chain.
func ScramblePrefix(sessionID uint32, key []byte) ([4]byte, error) {
	var out [4]byte
	if sessionID == 0 {
		return out, nil
	}
	mask, err := scrambleMask(key)
	if err != nil {
		return out, err
	}
	binary.BigEndian.PutUint32(out[:], sessionID^mask)
	return out, nil
}

func scrambleMask(key []byte) (uint32, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, rerrors.NewCryptoError("wire.scramble_mask", err)
	}
	var zero, out [blockSize]byte
	block.Encrypt(out[:], zero[:])
	return binary.BigEndian.Uint32(out[:4]), nil
}

// Packet is a fully decoded, CRC-validated RTMFP datagram body (the
// scramble prefix itself is only used for routing and is not part of this
// struct).
type Packet struct {
	Marker    byte
	Timestamp uint16
	TimeEcho  uint16 // valid only if HasEcho
	HasEcho   bool
	Body      []byte // payload following the preamble
}

// Decrypt validates and decrypts raw (the datagram body, scramble prefix
// already stripped by the caller) using engine, returning the parsed Packet.
// CRC mismatches are reported as a FramingError so callers can drop-and-warn
// silently rather than tearing down session state.
func Decrypt(body []byte, engine *Engine) (*Packet, error) {
	if len(body) == 0 || len(body)%blockSize != 0 {
		return nil, rerrors.NewFramingError("wire.decrypt", errShort("cipher body"))
	}
	plain := make([]byte, len(body))
	copy(plain, body)
	if err := engine.Decode(plain); err != nil {
		return nil, err
	}
	if len(plain) < crcSize+3 {
		return nil, rerrors.NewFramingError("wire.decrypt", errShort("plaintext"))
	}
	gotCRC := binary.BigEndian.Uint16(plain[:crcSize])
	rest := plain[crcSize:]
	wantCRC := CRC16(rest)
	if gotCRC != wantCRC {
		return nil, rerrors.NewFramingError("wire.decrypt.crc", errCRCMismatch{got: gotCRC, want: wantCRC})
	}

	marker := rest[0]
	ts := binary.BigEndian.Uint16(rest[1:3])
	off := 3
	pkt := &Packet{Marker: marker, Timestamp: ts}
	if hasTimeEcho(marker) {
		if len(rest) < off+2 {
			return nil, rerrors.NewFramingError("wire.decrypt", errShort("time echo"))
		}
		pkt.TimeEcho = binary.BigEndian.Uint16(rest[off : off+2])
		pkt.HasEcho = true
		off += 2
	}
	pkt.Body = rest[off:]
	return pkt, nil
}

// Encrypt serializes and encrypts pkt's body, returning the AES-CBC
// ciphertext (still missing the scramble-prefix, which the caller prepends
// via ScramblePrefix once it knows the destination session id and key).
func Encrypt(pkt *Packet, engine *Engine) ([]byte, error) {
	body := make([]byte, 0, MaxPacketSize)
	body = append(body, 0, 0) // CRC placeholder
	body = append(body, pkt.Marker)
	var ts [2]byte
	binary.BigEndian.PutUint16(ts[:], pkt.Timestamp)
	body = append(body, ts[:]...)
	if hasTimeEcho(pkt.Marker) {
		var echo [2]byte
		binary.BigEndian.PutUint16(echo[:], pkt.TimeEcho)
		body = append(body, echo[:]...)
	}
	body = append(body, pkt.Body...)
	// Pad's +5 stands for the CRC field and the marker+timestamp bytes, so it
	// is given what follows them; the whole body then fills whole AES blocks.
	body = append(body[:crcSize+3], Pad(body[crcSize+3:])...)
	if scrambleSize+len(body) > MaxPacketSize {
		return nil, rerrors.NewFramingError("wire.encrypt", errTooLarge(len(body)))
	}
	crc := CRC16(body[crcSize:])
	binary.BigEndian.PutUint16(body[:crcSize], crc)

	if err := engine.Encode(body); err != nil {
		return nil, err
	}
	return body, nil
}

type errShort string

func (e errShort) Error() string { return "truncated " + string(e) }

type errCRCMismatch struct{ got, want uint16 }

func (e errCRCMismatch) Error() string {
	return "crc mismatch: got 0x" + hex16(e.got) + " want 0x" + hex16(e.want)
}

func hex16(v uint16) string {
	const digits = "0123456789abcdef"
	b := [4]byte{digits[(v>>12)&0xF], digits[(v>>8)&0xF], digits[(v>>4)&0xF], digits[v&0xF]}
	return string(b[:])
}

type errTooLarge int

func (e errTooLarge) Error() string { return "encoded packet exceeds max size" }

package wire

import (
	"bytes"
	"testing"
)

func TestCRC16_SelfConsistent(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},
		{0x01, 0x02, 0x03},
		bytes.Repeat([]byte{0xAB}, 37),
	}
	for _, data := range cases {
		got := CRC16(data)
		if got != CRC16(append([]byte(nil), data...)) {
			t.Fatalf("CRC16 not deterministic for %v", data)
		}
	}
	if CRC16([]byte{0x00, 0x00}) == CRC16([]byte{0x00, 0x01}) {
		t.Fatalf("CRC16 should differ for different inputs")
	}
}

func TestPad_AlignsTo16(t *testing.T) {
	for n := 0; n < 40; n++ {
		body := make([]byte, n)
		padded := Pad(body)
		if (len(padded)+5)%blockSize != 0 {
			t.Fatalf("Pad(%d bytes) produced %d bytes, not aligned", n, len(padded))
		}
		if len(padded) < n {
			t.Fatalf("Pad should never shrink the body")
		}
	}
}

func TestScramblePrefix_ZeroForHandshake(t *testing.T) {
	key := make([]byte, KeySize)
	prefix, err := ScramblePrefix(0, key)
	if err != nil {
		t.Fatalf("ScramblePrefix(0, ...): %v", err)
	}
	if prefix != ([4]byte{}) {
		t.Fatalf("handshake session id must scramble to the zero prefix, got %v", prefix)
	}
}

func TestScramblePrefix_StablePerSessionAndKey(t *testing.T) {
	key := []byte("0123456789abcdef")
	p1, err := ScramblePrefix(42, key)
	if err != nil {
		t.Fatalf("ScramblePrefix: %v", err)
	}
	p2, err := ScramblePrefix(42, key)
	if err != nil {
		t.Fatalf("ScramblePrefix: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("same (sessionID, key) must scramble identically across calls")
	}

	other, err := ScramblePrefix(43, key)
	if err != nil {
		t.Fatalf("ScramblePrefix: %v", err)
	}
	if other == p1 {
		t.Fatalf("different session ids should not collide for the same key")
	}

	otherKey := []byte("fedcba9876543210")
	withOtherKey, err := ScramblePrefix(42, otherKey)
	if err != nil {
		t.Fatalf("ScramblePrefix: %v", err)
	}
	if withOtherKey == p1 {
		t.Fatalf("different keys should not collide for the same session id")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := []byte("sixteen byte key")
	engine, err := NewEngine(key)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	pkt := &Packet{
		Marker:    MarkerNormalEcho,
		Timestamp: 1234,
		TimeEcho:  5678,
		HasEcho:   true,
		Body:      []byte("hello rtmfp"),
	}

	out, err := Encrypt(pkt, engine)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(out)%blockSize != 0 {
		t.Fatalf("ciphertext length %d not block-aligned", len(out))
	}

	got, err := Decrypt(out, engine)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got.Marker != pkt.Marker || got.Timestamp != pkt.Timestamp {
		t.Fatalf("roundtrip preamble mismatch: got %+v", got)
	}
	if !got.HasEcho || got.TimeEcho != pkt.TimeEcho {
		t.Fatalf("roundtrip time echo mismatch: got %+v", got)
	}
	if !bytes.HasPrefix(got.Body, pkt.Body) {
		t.Fatalf("roundtrip body mismatch: got %q, want prefix %q", got.Body, pkt.Body)
	}
}

func TestDecrypt_RejectsCRCTamper(t *testing.T) {
	engine, err := NewEngine([]byte("sixteen byte key"))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	pkt := &Packet{Marker: MarkerRequest, Timestamp: 1}
	out, err := Encrypt(pkt, engine)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	plain := append([]byte(nil), out...)
	if err := engine.Decode(plain); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	plain[len(plain)-1] ^= 0xFF
	if err := engine.Encode(plain); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := Decrypt(plain, engine); err == nil {
		t.Fatalf("expected a CRC mismatch error after tampering with the last byte")
	}
}

func TestUint7_RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 300, 16384, 1 << 40}
	var buf []byte
	for _, v := range values {
		buf = PutUint7(buf, v)
	}
	for _, want := range values {
		got, rest, ok := Uint7(buf)
		if !ok {
			t.Fatalf("Uint7 decode failed before exhausting expected values")
		}
		if got != want {
			t.Fatalf("Uint7 = %d, want %d", got, want)
		}
		buf = rest
	}
	if len(buf) != 0 {
		t.Fatalf("leftover bytes after decoding all values: %v", buf)
	}
}

func TestUint7_TruncatedInput(t *testing.T) {
	if _, _, ok := Uint7([]byte{0x80, 0x80}); ok {
		t.Fatalf("a varint with no terminating byte should fail to decode")
	}
}

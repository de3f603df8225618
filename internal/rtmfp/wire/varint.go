package wire

// RTMFP's "7bit-long" integer encoding: little-endian base-128 groups, each
// byte's high bit set except the last. Used throughout flow/writer headers
// and group opcodes.

// PutUint7 appends v's 7bit-long encoding to buf.
func PutUint7(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// Uint7 decodes a 7bit-long integer from the front of r, returning the value
// and the remaining bytes. ok is false if r ends before a terminating byte
// (high bit clear) is found.
func Uint7(r []byte) (v uint64, rest []byte, ok bool) {
	var shift uint
	for i, b := range r {
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, r[i+1:], true
		}
		shift += 7
		if shift > 63 {
			return 0, r, false
		}
	}
	return 0, r, false
}

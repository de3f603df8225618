// Package wire implements the RTMFP packet framer and codec: per-session
// AES-128-CBC encryption with a zero IV, the 4-byte scrambled session-id
// prefix, and the CRC-guarded plaintext body.
package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
)

// KeySize is the AES-128 key size in bytes.
const KeySize = 16

// DefaultKey is the well-known key used to decrypt/encrypt handshake packets
// (session id 0), before a session-specific key has been negotiated.
var DefaultKey = [KeySize]byte{'A', 'd', 'o', 'b', 'e', ' ', 'S', 'y', 's', 't', 'e', 'm', 's', ' ', '0', '2'}

// Engine performs AES-128-CBC encode/decode with a fixed zero IV, as RTMFP
// requires: every packet is an independent CBC chain keyed only by the
// session's negotiated (or default) key.
type Engine struct {
	block cipher.Block
}

// NewEngine builds an Engine for the given 16-byte key.
func NewEngine(key []byte) (*Engine, error) {
	if len(key) != KeySize {
		return nil, rerrors.NewCryptoError("wire.new_engine", fmt.Errorf("key must be 16 bytes, got %d", len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, rerrors.NewCryptoError("wire.new_engine", err)
	}
	return &Engine{block: block}, nil
}

// DefaultEngine returns an Engine keyed with the well-known handshake key.
func DefaultEngine() *Engine {
	e, err := NewEngine(DefaultKey[:])
	if err != nil {
		// DefaultKey is a compile-time constant of the right size; this cannot fail.
		panic(err)
	}
	return e
}

// Decode decrypts buf in place. buf's length must be a multiple of
// aes.BlockSize; RTMFP senders always pad to this boundary (see Pad).
func (e *Engine) Decode(buf []byte) error {
	if len(buf) == 0 || len(buf)%aes.BlockSize != 0 {
		return rerrors.NewCryptoError("wire.decode", fmt.Errorf("buffer length %d is not a multiple of the AES block size", len(buf)))
	}
	iv := make([]byte, aes.BlockSize)
	mode := cipher.NewCBCDecrypter(e.block, iv)
	mode.CryptBlocks(buf, buf)
	return nil
}

// Encode encrypts buf in place. buf must already be padded to a multiple of
// aes.BlockSize (see Pad).
func (e *Engine) Encode(buf []byte) error {
	if len(buf) == 0 || len(buf)%aes.BlockSize != 0 {
		return rerrors.NewCryptoError("wire.encode", fmt.Errorf("buffer length %d is not a multiple of the AES block size", len(buf)))
	}
	iv := make([]byte, aes.BlockSize)
	mode := cipher.NewCBCEncrypter(e.block, iv)
	mode.CryptBlocks(buf, buf)
	return nil
}


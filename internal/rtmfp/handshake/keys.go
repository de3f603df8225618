package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
)

// BuildInitiatorNonce constructs the 76-byte initiator nonce: a fixed
// 5-byte prefix, 64 random bytes, and a fixed 7-byte suffix.
func BuildInitiatorNonce() ([]byte, error) {
	nonce := make([]byte, 0, 76)
	nonce = append(nonce, 0x02, 0x1D, 0x02, 0x41, 0x0E)
	random := make([]byte, 64)
	if _, err := rand.Read(random); err != nil {
		return nil, rerrors.NewCryptoError("handshake.initiator_nonce", err)
	}
	nonce = append(nonce, random...)
	nonce = append(nonce, 0x03, 0x1A, 0x02, 0x0A, 0x02, 0x1E, 0x02)
	return nonce, nil
}

// BuildResponderNonce constructs the 73-byte responder nonce: a fixed
// 9-byte prefix followed by 64 random bytes.
func BuildResponderNonce() ([]byte, error) {
	nonce := make([]byte, 0, 73)
	nonce = append(nonce, 0x03, 0x1A, 0x00, 0x00, 0x02, 0x1E, 0x00, 0x41, 0x0E)
	random := make([]byte, 64)
	if _, err := rand.Read(random); err != nil {
		return nil, rerrors.NewCryptoError("handshake.responder_nonce", err)
	}
	nonce = append(nonce, random...)
	return nonce, nil
}

// ComputeAsymmetricKeys derives the directional AES-128 session keys from
// the raw DH shared secret and the two nonces, per the nested HMAC-SHA256
// construction:
//
//	hmac1       = HMAC-SHA256(key=S,     msg=Ni)
//	requestKey  = HMAC-SHA256(key=hmac1, msg=Nr)   // initiator -> responder
//	hmac2       = HMAC-SHA256(key=S,     msg=Nr)
//	responseKey = HMAC-SHA256(key=hmac2, msg=Ni)   // responder -> initiator
//
// Both are truncated to 16 bytes for AES-128.
func ComputeAsymmetricKeys(sharedSecret, initiatorNonce, responderNonce []byte) (requestKey, responseKey [16]byte) {
	h1 := hmacSum(sharedSecret, initiatorNonce)
	req := hmacSum(h1, responderNonce)
	h2 := hmacSum(sharedSecret, responderNonce)
	resp := hmacSum(h2, initiatorNonce)
	copy(requestKey[:], req[:16])
	copy(responseKey[:], resp[:16])
	return
}

func hmacSum(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

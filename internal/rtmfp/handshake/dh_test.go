package handshake

import (
	"math/big"
	"testing"
)

func TestDH_SharedSecretAgrees(t *testing.T) {
	aPriv, aPub, err := KeyPair()
	if err != nil {
		t.Fatalf("KeyPair (a): %v", err)
	}
	bPriv, bPub, err := KeyPair()
	if err != nil {
		t.Fatalf("KeyPair (b): %v", err)
	}

	aSecret, err := SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatalf("SharedSecret (a): %v", err)
	}
	bSecret, err := SharedSecret(bPriv, aPub)
	if err != nil {
		t.Fatalf("SharedSecret (b): %v", err)
	}

	if string(aSecret) != string(bSecret) {
		t.Fatalf("both sides of a DH exchange must agree on the shared secret")
	}
}

func TestDH_RejectsOutOfRangePublicKey(t *testing.T) {
	priv, _, err := KeyPair()
	if err != nil {
		t.Fatalf("KeyPair: %v", err)
	}
	if _, err := SharedSecret(priv, modp1024Prime); err == nil {
		t.Fatalf("a public key equal to the prime should be rejected")
	}
	if _, err := SharedSecret(priv, big.NewInt(0)); err == nil {
		t.Fatalf("a zero public key should be rejected")
	}
}

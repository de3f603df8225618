package handshake

import "testing"

func TestBuildInitiatorNonce_FixedFraming(t *testing.T) {
	nonce, err := BuildInitiatorNonce()
	if err != nil {
		t.Fatalf("BuildInitiatorNonce: %v", err)
	}
	if len(nonce) != 76 {
		t.Fatalf("initiator nonce length = %d, want 76", len(nonce))
	}
	wantPrefix := []byte{0x02, 0x1D, 0x02, 0x41, 0x0E}
	if string(nonce[:5]) != string(wantPrefix) {
		t.Fatalf("initiator nonce prefix = % X, want % X", nonce[:5], wantPrefix)
	}
	wantSuffix := []byte{0x03, 0x1A, 0x02, 0x0A, 0x02, 0x1E, 0x02}
	if string(nonce[69:]) != string(wantSuffix) {
		t.Fatalf("initiator nonce suffix = % X, want % X", nonce[69:], wantSuffix)
	}
}

func TestBuildResponderNonce_FixedFraming(t *testing.T) {
	nonce, err := BuildResponderNonce()
	if err != nil {
		t.Fatalf("BuildResponderNonce: %v", err)
	}
	if len(nonce) != 73 {
		t.Fatalf("responder nonce length = %d, want 73", len(nonce))
	}
	wantPrefix := []byte{0x03, 0x1A, 0x00, 0x00, 0x02, 0x1E, 0x00, 0x41, 0x0E}
	if string(nonce[:9]) != string(wantPrefix) {
		t.Fatalf("responder nonce prefix = % X, want % X", nonce[:9], wantPrefix)
	}
}

func TestComputeAsymmetricKeys_DirectionalAndDeterministic(t *testing.T) {
	secret := []byte("shared secret material")
	ni, err := BuildInitiatorNonce()
	if err != nil {
		t.Fatalf("BuildInitiatorNonce: %v", err)
	}
	nr, err := BuildResponderNonce()
	if err != nil {
		t.Fatalf("BuildResponderNonce: %v", err)
	}

	req1, resp1 := ComputeAsymmetricKeys(secret, ni, nr)
	req2, resp2 := ComputeAsymmetricKeys(secret, ni, nr)
	if req1 != req2 || resp1 != resp2 {
		t.Fatalf("key derivation must be deterministic given the same inputs")
	}
	if req1 == resp1 {
		t.Fatalf("request and response keys must differ")
	}
}

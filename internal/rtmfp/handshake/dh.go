package handshake

import (
	"crypto/rand"
	"math/big"

	rerrors "github.com/alxayo/go-rtmfp/internal/errors"
)

// modp1024Prime is the 1024-bit MODP group prime from RFC 2409 (IETF "second
// Oakley group"), the classical finite-field DH group RTMFP uses.
var modp1024Prime, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD"+
		"129024E088A67CC74020BBEA63B139B22514A08798E3404"+
		"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C"+
		"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406"+
		"B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE"+
		"45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD"+
		"24CF5F83655D23DCA3AD961C62F356208552BB9ED529077"+
		"096966D670C354E4ABC9804F1746C08CA18217C32905E46"+
		"2E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF"+
		"06F4C52C9DE2BCBF6955817183995497CEA956AE515D226"+
		"1898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

var modp1024Generator = big.NewInt(2)

// KeyPair generates a fresh DH private/public key pair under the 1024-bit
// MODP group.
func KeyPair() (priv, pub *big.Int, err error) {
	max := new(big.Int).Sub(modp1024Prime, big.NewInt(2))
	priv, err = rand.Int(rand.Reader, max)
	if err != nil {
		return nil, nil, rerrors.NewCryptoError("handshake.keypair", err)
	}
	priv.Add(priv, big.NewInt(1))
	pub = new(big.Int).Exp(modp1024Generator, priv, modp1024Prime)
	return priv, pub, nil
}

// SharedSecret computes DH(priv, peerPub) over the 1024-bit MODP group.
func SharedSecret(priv, peerPub *big.Int) ([]byte, error) {
	if peerPub.Sign() <= 0 || peerPub.Cmp(modp1024Prime) >= 0 {
		return nil, rerrors.NewCryptoError("handshake.shared_secret", errBadPublicKey{})
	}
	secret := new(big.Int).Exp(peerPub, priv, modp1024Prime)
	return secret.Bytes(), nil
}

type errBadPublicKey struct{}

func (errBadPublicKey) Error() string { return "peer public key out of range" }

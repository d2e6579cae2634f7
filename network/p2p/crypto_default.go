package p2p

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// ed25519Crypto is the default Crypto collaborator. NodeID and Signature are
// sized exactly like an ed25519 public key (32 bytes) and signature (64
// bytes), so node identities double as verification keys the way the
// original source's nano::account does for its own signature scheme.
//
// This is one of the few places this module reaches for the standard
// library over a pack dependency: crypto/ed25519 and crypto/rand are the
// canonical Go implementations of these primitives, and neither
// golang.org/x/crypto (used elsewhere in this module for blake2b) nor any
// other pack dependency provides an independently better signer or source
// of cryptographic randomness — x/crypto/ed25519 itself is just a thin
// alias over the stdlib package on modern Go toolchains.
type ed25519Crypto struct{}

// NewDefaultCrypto returns the default Crypto collaborator.
func NewDefaultCrypto() Crypto {
	return ed25519Crypto{}
}

func (ed25519Crypto) Sign(key []byte, cookie SynCookie) (Signature, error) {
	if len(key) != ed25519.PrivateKeySize {
		return Signature{}, errors.New("p2p: signing key has wrong size for ed25519")
	}
	sig := ed25519.Sign(ed25519.PrivateKey(key), cookie[:])
	var out Signature
	copy(out[:], sig)
	return out, nil
}

func (ed25519Crypto) Verify(node NodeID, cookie SynCookie, sig Signature) bool {
	if node.IsZero() {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(node[:]), cookie[:], sig[:])
}

func (ed25519Crypto) Random32() ([32]byte, error) {
	var out [32]byte
	if _, err := rand.Read(out[:]); err != nil {
		return out, err
	}
	return out, nil
}

package osdg

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size in bytes of every Curve25519 public or secret key
// used by this package.
const KeySize = 32

// NonceSize is the size in bytes of every box/box_afternm nonce.
const NonceSize = 24

// BoxOverhead is the number of authentication/padding bytes NaCl adds on
// top of a sealed message.
const BoxOverhead = box.Overhead

// CreatePrivateKey fills out with fresh Curve25519 secret key material.
// Grounded on jchv-curvecp/server.go's box.GenerateKey call sites.
func CreatePrivateKey(out *[KeySize]byte) error {
	_, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return errors.Wrap(err, "create private key")
	}
	*out = *priv
	return nil
}

// CalcPublicKey derives the Curve25519 public key for secretKey, i.e. the
// scalarmult_base primitive named in spec §2.
func CalcPublicKey(secretKey *[KeySize]byte) (*[KeySize]byte, error) {
	var pub [KeySize]byte
	scalar, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "calc public key")
	}
	copy(pub[:], scalar)
	return &pub, nil
}

func randomBytes(b []byte) error {
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return errors.Wrap(err, "read random bytes")
	}
	return nil
}

func generateEphemeralKeypair() (pub, sec *[KeySize]byte, err error) {
	pub, sec, err = box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate ephemeral keypair")
	}
	return pub, sec, nil
}

// beforenm precomputes the shared session key used for box_afternm
// operations after the COOK/VOCH exchange completes.
func beforenm(peersPublic, secretKey *[KeySize]byte) [KeySize]byte {
	var shared [KeySize]byte
	box.Precompute(&shared, peersPublic, secretKey)
	return shared
}

func sealBox(out, message []byte, nonce *[NonceSize]byte, peersPublic, secretKey *[KeySize]byte) []byte {
	return box.Seal(out, message, nonce, peersPublic, secretKey)
}

func openBox(out, boxed []byte, nonce *[NonceSize]byte, peersPublic, secretKey *[KeySize]byte) ([]byte, bool) {
	return box.Open(out, boxed, nonce, peersPublic, secretKey)
}

func sealAfterNM(out, message []byte, nonce *[NonceSize]byte, sharedKey *[KeySize]byte) []byte {
	return box.SealAfterPrecomputation(out, message, nonce, sharedKey)
}

func openAfterNM(out, boxed []byte, nonce *[NonceSize]byte, sharedKey *[KeySize]byte) ([]byte, bool) {
	return box.OpenAfterPrecomputation(out, boxed, nonce, sharedKey)
}

package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"subfield/internal/platform/xeddsa"
)

const SignatureSize = xeddsa.SignatureSize

// Signature is a 512-bit XEdDSA signature.
type Signature [SignatureSize]byte

func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// Keypair is a node identity. The private key doubles as an X25519 secret.
type Keypair struct {
	PublicKey  V256
	PrivateKey V256
}

func NewKeypair() (Keypair, error) {
	priv, err := RandomV256()
	if err != nil {
		return Keypair{}, err
	}
	return KeypairFromPrivate(priv)
}

func KeypairFromPrivate(priv V256) (Keypair, error) {
	pub, err := xeddsa.PublicKey(priv)
	if err != nil {
		return Keypair{}, fmt.Errorf("derive public key: %w", err)
	}
	return Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

func (k Keypair) Sign(msg []byte) (Signature, error) {
	var random [xeddsa.RandomSize]byte
	if _, err := rand.Read(random[:]); err != nil {
		return Signature{}, fmt.Errorf("sign nonce: %w", err)
	}
	sig, err := xeddsa.Sign(k.PrivateKey, msg, random)
	if err != nil {
		return Signature{}, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// SharedSecret is the X25519 agreement between k and a remote public key.
func (k Keypair) SharedSecret(remote V256) (V256, error) {
	secret, err := xeddsa.SharedSecret(k.PrivateKey, remote)
	if err != nil {
		return V256{}, err
	}
	return secret, nil
}

func Verify(pub V256, msg []byte, sig Signature) bool {
	return xeddsa.Verify(pub, msg, sig)
}

// Package xeddsa signs with X25519 private keys using the XEdDSA construction,
// so one 32-byte secret serves both Diffie-Hellman and signatures.
package xeddsa

import (
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"golang.org/x/crypto/curve25519"
)

const (
	KeySize       = 32
	SignatureSize = 64
	RandomSize    = 64
)

var ErrInvalidKey = errors.New("invalid curve25519 key")

// hash1 prefix: 0xFE followed by 31 bytes of 0xFF.
var hash1Prefix = func() [32]byte {
	var p [32]byte
	p[0] = 0xfe
	for i := 1; i < len(p); i++ {
		p[i] = 0xff
	}
	return p
}()

// PublicKey derives the X25519 (Montgomery u) public key.
func PublicKey(priv [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(out[:], pub)
	return out, nil
}

// SharedSecret runs X25519 between a local private key and a remote public key.
func SharedSecret(priv, peer [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	secret, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(out[:], secret)
	return out, nil
}

// Sign produces a 64-byte XEdDSA signature. random must be fresh secret bytes.
func Sign(priv [KeySize]byte, msg []byte, random [RandomSize]byte) ([SignatureSize]byte, error) {
	var sig [SignatureSize]byte

	k, err := edwards25519.NewScalar().SetBytesWithClamping(priv[:])
	if err != nil {
		return sig, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	edPub := edwards25519.NewIdentityPoint().ScalarBaseMult(k).Bytes()
	a := k
	if edPub[31]&0x80 != 0 {
		// Force the sign bit to zero so verifiers can recover the point from u alone.
		a = edwards25519.NewScalar().Negate(k)
		edPub[31] &= 0x7f
	}

	h := sha512.New()
	h.Write(hash1Prefix[:])
	h.Write(a.Bytes())
	h.Write(msg)
	h.Write(random[:])
	r, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return sig, err
	}
	bigR := edwards25519.NewIdentityPoint().ScalarBaseMult(r).Bytes()

	h.Reset()
	h.Write(bigR)
	h.Write(edPub)
	h.Write(msg)
	challenge, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return sig, err
	}
	s := edwards25519.NewScalar().MultiplyAdd(challenge, a, r)

	copy(sig[:32], bigR)
	copy(sig[32:], s.Bytes())
	return sig, nil
}

// Verify checks an XEdDSA signature against a Montgomery public key.
func Verify(pub [KeySize]byte, msg []byte, sig [SignatureSize]byte) bool {
	edPub, ok := EdwardsPublicKey(pub)
	if !ok {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(edPub[:]), msg, sig[:])
}

// EdwardsPublicKey maps u to the Edwards encoding y = (u-1)/(u+1) with the
// sign bit cleared. Non-canonical u and the point u = -1 are rejected.
func EdwardsPublicKey(u [KeySize]byte) ([KeySize]byte, bool) {
	var out [KeySize]byte
	if u[31]&0x80 != 0 {
		return out, false
	}
	mont, err := new(field.Element).SetBytes(u[:])
	if err != nil {
		return out, false
	}
	if string(mont.Bytes()) != string(u[:]) {
		return out, false
	}
	one := new(field.Element).One()
	denominator := new(field.Element).Add(mont, one)
	if denominator.Equal(new(field.Element).Zero()) == 1 {
		return out, false
	}
	numerator := new(field.Element).Subtract(mont, one)
	y := new(field.Element).Multiply(numerator, new(field.Element).Invert(denominator))
	copy(out[:], y.Bytes())
	out[31] &= 0x7f
	return out, true
}

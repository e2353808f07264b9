package xeddsa

import (
	"crypto/rand"
	"testing"

	"filippo.io/edwards25519"
)

func mustKey(t *testing.T) [KeySize]byte {
	t.Helper()
	var priv [KeySize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("random key: %v", err)
	}
	return priv
}

func mustRandom(t *testing.T) [RandomSize]byte {
	t.Helper()
	var z [RandomSize]byte
	if _, err := rand.Read(z[:]); err != nil {
		t.Fatalf("random nonce: %v", err)
	}
	return z
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	for i := 0; i < 16; i++ {
		priv := mustKey(t)
		pub, err := PublicKey(priv)
		if err != nil {
			t.Fatalf("public key: %v", err)
		}
		msg := []byte("subfield record payload")
		sig, err := Sign(priv, msg, mustRandom(t))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if !Verify(pub, msg, sig) {
			t.Fatalf("signature %d did not verify", i)
		}
		if Verify(pub, []byte("tampered"), sig) {
			t.Fatalf("signature %d verified a different message", i)
		}
		other, _ := PublicKey(mustKey(t))
		if Verify(other, msg, sig) {
			t.Fatalf("signature %d verified under a foreign key", i)
		}
	}
}

func TestPublicKeyMatchesEdwardsBirationalMap(t *testing.T) {
	t.Parallel()
	priv := mustKey(t)
	pub, err := PublicKey(priv)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	k, err := edwards25519.NewScalar().SetBytesWithClamping(priv[:])
	if err != nil {
		t.Fatalf("clamp: %v", err)
	}
	point := edwards25519.NewIdentityPoint().ScalarBaseMult(k)
	if string(point.BytesMontgomery()) != string(pub[:]) {
		t.Fatalf("x25519 public key differs from montgomery form of edwards point")
	}
	ed, ok := EdwardsPublicKey(pub)
	if !ok {
		t.Fatalf("conversion rejected a valid key")
	}
	want := point.Bytes()
	want[31] &= 0x7f
	if string(ed[:]) != string(want) {
		t.Fatalf("converted edwards key mismatch")
	}
}

func TestSignaturesAreRandomized(t *testing.T) {
	t.Parallel()
	priv := mustKey(t)
	msg := []byte("same message")
	a, err := Sign(priv, msg, mustRandom(t))
	if err != nil {
		t.Fatalf("sign a: %v", err)
	}
	b, err := Sign(priv, msg, mustRandom(t))
	if err != nil {
		t.Fatalf("sign b: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct signatures for distinct nonces")
	}
}

func TestEdwardsPublicKeyRejectsMinusOne(t *testing.T) {
	t.Parallel()
	// p - 1 in little-endian.
	var u [KeySize]byte
	u[0] = 0xec
	for i := 1; i < 31; i++ {
		u[i] = 0xff
	}
	u[31] = 0x7f
	if _, ok := EdwardsPublicKey(u); ok {
		t.Fatalf("u = -1 has no edwards image and must be rejected")
	}
}

func TestSharedSecretAgrees(t *testing.T) {
	t.Parallel()
	a, b := mustKey(t), mustKey(t)
	pubA, _ := PublicKey(a)
	pubB, _ := PublicKey(b)
	s1, err := SharedSecret(a, pubB)
	if err != nil {
		t.Fatalf("shared a: %v", err)
	}
	s2, err := SharedSecret(b, pubA)
	if err != nil {
		t.Fatalf("shared b: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("x25519 shared secrets differ")
	}
}

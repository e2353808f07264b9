package domain

import (
	"errors"
	"testing"
)

func mustV256(t *testing.T, fill byte) V256 {
	t.Helper()
	var v V256
	for i := range v {
		v[i] = fill + byte(i)
	}
	return v
}

func TestPartialKeyRequiresAField(t *testing.T) {
	t.Parallel()
	if _, err := NewPartialKey(nil, nil, nil); !errors.Is(err, ErrIncompleteKey) {
		t.Fatalf("expected incomplete key, got %v", err)
	}
	if _, err := (PartialKey{}).HashCombinations(); !errors.Is(err, ErrIncompleteKey) {
		t.Fatalf("expected incomplete key from combinations, got %v", err)
	}
	if _, err := (PartialKey{}).Hash(); !errors.Is(err, ErrIncompleteKey) {
		t.Fatalf("expected incomplete key from hash, got %v", err)
	}
}

func TestHashCombinationsCount(t *testing.T) {
	t.Parallel()
	a, b, c := mustV256(t, 1), mustV256(t, 2), mustV256(t, 3)
	tests := []struct {
		name string
		key  PartialKey
		want int
	}{
		{name: "signer", key: PartialKey{Signer: &a}, want: 1},
		{name: "tangent", key: PartialKey{Tangent: &c}, want: 1},
		{name: "signer+cosigner", key: PartialKey{Signer: &a, Cosigner: &b}, want: 3},
		{name: "cosigner+tangent", key: PartialKey{Cosigner: &b, Tangent: &c}, want: 3},
		{name: "all", key: PartialKey{Signer: &a, Cosigner: &b, Tangent: &c}, want: 7},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.key.HashCombinations()
			if err != nil {
				t.Fatalf("hash combinations: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("expected %d combinations, got %d", tc.want, len(got))
			}
			again, _ := tc.key.HashCombinations()
			for i := range got {
				if got[i] != again[i] {
					t.Fatalf("combination %d is not deterministic", i)
				}
			}
		})
	}
}

func TestCompleteKeyHashes(t *testing.T) {
	t.Parallel()
	key := CompleteKey{Signer: mustV256(t, 1), Cosigner: mustV256(t, 2), Tangent: mustV256(t, 3)}
	combos := key.HashCombinations()
	if len(combos) != 7 {
		t.Fatalf("expected 7 combinations, got %d", len(combos))
	}
	if key.Hash() != HashConcat(key.Signer, key.Cosigner, key.Tangent) {
		t.Fatalf("complete hash must cover signer||cosigner||tangent")
	}
	want := map[V256]bool{
		HashConcat(key.Signer):                            true,
		HashConcat(key.Cosigner):                          true,
		HashConcat(key.Tangent):                           true,
		HashConcat(key.Signer, key.Cosigner):              true,
		HashConcat(key.Signer, key.Tangent):               true,
		HashConcat(key.Cosigner, key.Tangent):             true,
		HashConcat(key.Signer, key.Cosigner, key.Tangent): true,
	}
	for _, h := range combos {
		if !want[h] {
			t.Fatalf("unexpected combination %s", h.Short())
		}
	}
	if len(key.IndexHashes()) != 7 {
		t.Fatalf("distinct fields should index under 7 hashes")
	}
}

func TestDuplicateFieldsStillEnumerate(t *testing.T) {
	t.Parallel()
	same := mustV256(t, 9)
	key := CompleteKey{Signer: same, Cosigner: same, Tangent: mustV256(t, 4)}
	if got := len(key.HashCombinations()); got != 7 {
		t.Fatalf("expected 7 combinations, got %d", got)
	}
	if got := len(key.IndexHashes()); got != 5 {
		t.Fatalf("expected 5 distinct index hashes, got %d", got)
	}
}

func TestCompleteKeyFrom(t *testing.T) {
	t.Parallel()
	a, b := mustV256(t, 1), mustV256(t, 2)
	if _, err := CompleteKeyFrom(PartialKey{Signer: &a, Cosigner: &b}); !errors.Is(err, ErrCompleteKeyMissingField) {
		t.Fatalf("expected missing field, got %v", err)
	}
	c := mustV256(t, 3)
	key, err := CompleteKeyFrom(PartialKey{Signer: &a, Cosigner: &b, Tangent: &c})
	if err != nil {
		t.Fatalf("complete key: %v", err)
	}
	if key.Partial().Present() != 3 {
		t.Fatalf("partial view should carry all fields")
	}
}

func TestRoutingKeyPrimaryHash(t *testing.T) {
	t.Parallel()
	key := CompleteKey{Signer: mustV256(t, 1), Cosigner: mustV256(t, 2), Tangent: mustV256(t, 3)}
	tests := []struct {
		name string
		rk   RoutingKey
		want V256
	}{
		{name: "signer", rk: key.ToSignerRoutingKey(), want: HashConcat(key.Signer)},
		{name: "cosigner", rk: key.ToCosignerRoutingKey(), want: HashConcat(key.Cosigner)},
		{name: "tangent", rk: key.ToTangentRoutingKey(), want: HashConcat(key.Tangent)},
	}
	for _, tc := range tests {
		got, err := tc.rk.PrimaryHash()
		if err != nil {
			t.Fatalf("%s: primary hash: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: unexpected primary hash", tc.name)
		}
	}

	signer := key.Signer
	_, err := NewRoutingKey(DimensionTangent, PartialKey{Signer: &signer})
	if !errors.Is(err, ErrRoutingKeyMissingField) {
		t.Fatalf("expected routing key missing field, got %v", err)
	}
}

func TestParseDimension(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]Dimension{"": DimensionSigner, "signer": DimensionSigner, "cosigner": DimensionCosigner, "tangent": DimensionTangent} {
		got, err := ParseDimension(raw)
		if err != nil || got != want {
			t.Fatalf("parse %q: got %v err %v", raw, got, err)
		}
	}
	if _, err := ParseDimension("diagonal"); err == nil {
		t.Fatalf("expected unknown dimension error")
	}
}

package domain

import "fmt"

// PartialKey names any non-empty subset of the three key fields.
type PartialKey struct {
	Signer   *V256 `cbor:"signer,omitempty"`
	Cosigner *V256 `cbor:"cosigner,omitempty"`
	Tangent  *V256 `cbor:"tangent,omitempty"`
}

func NewPartialKey(signer, cosigner, tangent *V256) (PartialKey, error) {
	key := PartialKey{Signer: copyV256(signer), Cosigner: copyV256(cosigner), Tangent: copyV256(tangent)}
	if key.Present() == 0 {
		return PartialKey{}, ErrIncompleteKey
	}
	return key, nil
}

func copyV256(v *V256) *V256 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// Present counts the populated fields.
func (k PartialKey) Present() int {
	return len(k.fields())
}

// fields returns the present values in signer, cosigner, tangent order.
func (k PartialKey) fields() []V256 {
	out := make([]V256, 0, 3)
	for _, field := range []*V256{k.Signer, k.Cosigner, k.Tangent} {
		if field != nil {
			out = append(out, *field)
		}
	}
	return out
}

// Hash is the hash of the maximal present subset.
func (k PartialKey) Hash() (V256, error) {
	fields := k.fields()
	if len(fields) == 0 {
		return V256{}, ErrIncompleteKey
	}
	return HashConcat(fields...), nil
}

// HashCombinations hashes every non-empty subset of the present fields, one
// entry per subset, ordered by subset bitmask. Equal field values may yield
// equal entries; callers that need a set deduplicate.
func (k PartialKey) HashCombinations() ([]V256, error) {
	fields := k.fields()
	if len(fields) == 0 {
		return nil, ErrIncompleteKey
	}
	total := 1 << len(fields)
	out := make([]V256, 0, total-1)
	subset := make([]V256, 0, len(fields))
	for mask := 1; mask < total; mask++ {
		subset = subset[:0]
		for i := range fields {
			if mask&(1<<i) != 0 {
				subset = append(subset, fields[i])
			}
		}
		out = append(out, HashConcat(subset...))
	}
	return out, nil
}

func (k PartialKey) String() string {
	render := func(v *V256) string {
		if v == nil {
			return "-"
		}
		return v.Short()
	}
	return fmt.Sprintf("{signer:%s cosigner:%s tangent:%s}", render(k.Signer), render(k.Cosigner), render(k.Tangent))
}

// CompleteKey has all three fields.
type CompleteKey struct {
	Signer   V256 `cbor:"signer"`
	Cosigner V256 `cbor:"cosigner"`
	Tangent  V256 `cbor:"tangent"`
}

func CompleteKeyFrom(key PartialKey) (CompleteKey, error) {
	if key.Signer == nil || key.Cosigner == nil || key.Tangent == nil {
		return CompleteKey{}, ErrCompleteKeyMissingField
	}
	return CompleteKey{Signer: *key.Signer, Cosigner: *key.Cosigner, Tangent: *key.Tangent}, nil
}

func (k CompleteKey) Partial() PartialKey {
	signer, cosigner, tangent := k.Signer, k.Cosigner, k.Tangent
	return PartialKey{Signer: &signer, Cosigner: &cosigner, Tangent: &tangent}
}

func (k CompleteKey) Hash() V256 {
	return HashConcat(k.Signer, k.Cosigner, k.Tangent)
}

// HashCombinations always yields seven entries.
func (k CompleteKey) HashCombinations() []V256 {
	out, _ := k.Partial().HashCombinations()
	return out
}

// IndexHashes is the deduplicated indexing set.
func (k CompleteKey) IndexHashes() []V256 {
	all := k.HashCombinations()
	seen := make(map[V256]struct{}, len(all))
	out := make([]V256, 0, len(all))
	for _, h := range all {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

func (k CompleteKey) ToSignerRoutingKey() RoutingKey {
	return RoutingKey{Dimension: DimensionSigner, Key: k.Partial()}
}

func (k CompleteKey) ToCosignerRoutingKey() RoutingKey {
	return RoutingKey{Dimension: DimensionCosigner, Key: k.Partial()}
}

func (k CompleteKey) ToTangentRoutingKey() RoutingKey {
	return RoutingKey{Dimension: DimensionTangent, Key: k.Partial()}
}

// Dimension tags which field routing traverses.
type Dimension uint8

const (
	DimensionSigner Dimension = iota + 1
	DimensionCosigner
	DimensionTangent
)

func (d Dimension) String() string {
	switch d {
	case DimensionSigner:
		return "signer"
	case DimensionCosigner:
		return "cosigner"
	case DimensionTangent:
		return "tangent"
	default:
		return fmt.Sprintf("dimension(%d)", uint8(d))
	}
}

func ParseDimension(raw string) (Dimension, error) {
	switch raw {
	case "", "signer":
		return DimensionSigner, nil
	case "cosigner":
		return DimensionCosigner, nil
	case "tangent":
		return DimensionTangent, nil
	default:
		return 0, fmt.Errorf("unknown routing dimension %q", raw)
	}
}

// RoutingKey pairs a partial key with the field that routing follows.
type RoutingKey struct {
	Dimension Dimension  `cbor:"dimension"`
	Key       PartialKey `cbor:"key"`
}

func NewRoutingKey(dimension Dimension, key PartialKey) (RoutingKey, error) {
	rk := RoutingKey{Dimension: dimension, Key: key}
	if err := rk.Validate(); err != nil {
		return RoutingKey{}, err
	}
	return rk, nil
}

func (r RoutingKey) Validate() error {
	if r.Key.Present() == 0 {
		return ErrIncompleteKey
	}
	if r.primary() == nil {
		return fmt.Errorf("%w: %s", ErrRoutingKeyMissingField, r.Dimension)
	}
	return nil
}

func (r RoutingKey) primary() *V256 {
	switch r.Dimension {
	case DimensionSigner:
		return r.Key.Signer
	case DimensionCosigner:
		return r.Key.Cosigner
	case DimensionTangent:
		return r.Key.Tangent
	default:
		return nil
	}
}

// PrimaryHash is the routing target: the hash of the field the tag names.
func (r RoutingKey) PrimaryHash() (V256, error) {
	if err := r.Validate(); err != nil {
		return V256{}, err
	}
	return HashConcat(*r.primary()), nil
}

// Complete converts the carried key, failing if any field is absent.
func (r RoutingKey) Complete() (CompleteKey, error) {
	return CompleteKeyFrom(r.Key)
}

func (r RoutingKey) String() string {
	return fmt.Sprintf("%s%s", r.Dimension, r.Key)
}

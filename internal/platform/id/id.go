package id

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator creates opaque identifiers.
type Generator interface {
	New() string
}

type UUID struct{}

func (UUID) New() string {
	return uuid.NewString()
}

// Sequence yields predictable identifiers for tests.
type Sequence struct {
	Prefix string
	next   atomic.Int64
}

func (s *Sequence) New() string {
	return fmt.Sprintf("%s%d", s.Prefix, s.next.Add(1))
}

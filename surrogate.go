package bikecurate

import (
	"cmp"
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"
)

// IDGenerator yields a reproducible sequence of 128-bit identifiers. The
// same seed always produces the same sequence, so ids only depend on the
// order entities are handed out in.
type IDGenerator struct {
	rng *rand.Rand
}

func NewIDGenerator(seed uint64) *IDGenerator {
	return &IDGenerator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (g *IDGenerator) Next() string {
	var id uuid.UUID
	for i := 0; i < 16; i += 8 {
		v := g.rng.Uint64()
		for j := 0; j < 8; j++ {
			id[i+j] = byte(v >> (56 - 8*j))
		}
	}
	return id.String()
}

// compareNaturalIDs orders numeric ids numerically ahead of any non-numeric
// id, which are ordered lexically.
func compareNaturalIDs(a, b string) int {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		if c := cmp.Compare(ai, bi); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	default:
		return cmp.Compare(a, b)
	}
}

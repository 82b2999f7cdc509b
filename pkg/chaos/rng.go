// Package chaos provides a small seeded pseudo-random generator for
// deterministic concurrency tests. Runs are reproducible from the seed, so a
// failing interleaving can be replayed exactly.
package chaos

// RNG is a linear congruential generator. Not cryptographic; test use only.
type RNG struct {
	seed int64
}

// NewRNG creates a generator from a seed.
func NewRNG(seed int64) *RNG {
	return &RNG{seed: seed}
}

// Next returns a pseudo-random float in [0, 1).
func (r *RNG) Next() float64 {
	r.seed = (r.seed*9301 + 49297) % 233280
	return float64(r.seed) / 233280
}

// IntN returns a pseudo-random int in [0, n).
func (r *RNG) IntN(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.Next() * float64(n))
}

// Choice returns a pseudo-random element of choices.
func Choice[T any](r *RNG, choices []T) T {
	return choices[r.IntN(len(choices))]
}

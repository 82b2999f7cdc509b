package chaos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRNGDeterminism(t *testing.T) {
	a := NewRNG(42)
	b := NewRNG(42)
	for range 100 {
		assert.Equal(t, a.Next(), b.Next())
	}

	// A different seed diverges.
	c := NewRNG(43)
	diverged := false
	d := NewRNG(42)
	for range 100 {
		if c.Next() != d.Next() {
			diverged = true
			break
		}
	}
	assert.True(t, diverged)
}

func TestIntNBounds(t *testing.T) {
	r := NewRNG(7)
	for range 1000 {
		v := r.IntN(10)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 10)
	}
	assert.Zero(t, r.IntN(0))
	assert.Zero(t, r.IntN(-5))
}

func TestChoice(t *testing.T) {
	r := NewRNG(99)
	options := []string{"a", "b", "c"}
	seen := map[string]bool{}
	for range 50 {
		seen[Choice(r, options)] = true
	}
	assert.True(t, seen["a"] || seen["b"] || seen["c"])
	assert.Subset(t, []string{"a", "b", "c"}, keys(seen))
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

package device

import (
	"fmt"
	"math/rand/v2"
)

// uniformStream selects the PCG sequence used for uniform generation.
const uniformStream = 0x9e3779b97f4a7c15

// Generator produces reproducible uniform float64 data. A Generator is not
// safe for concurrent use; successive calls continue the same sequence.
type Generator struct {
	seed uint64
	rng  *rand.Rand
}

func NewGenerator(seed uint64) *Generator {
	return &Generator{
		seed: seed,
		rng:  rand.New(rand.NewPCG(seed, uniformStream)),
	}
}

func (g *Generator) Seed() uint64 {
	return g.seed
}

// Fill writes uniformly distributed values in [0, 1) into dst.
func (g *Generator) Fill(dst []float64) {
	for i := range dst {
		dst[i] = g.rng.Float64()
	}
}

// Uniform allocates n elements on dev and enqueues their generation on s.
// The tensor contents are only valid after s is synchronized.
func (g *Generator) Uniform(dev Device, s Stream, n int) (Tensor, error) {
	t, err := dev.Alloc(n)
	if err != nil {
		return nil, err
	}
	err = s.Enqueue("uniform", func() error {
		data := t.Data()
		if data == nil {
			return fmt.Errorf("tensor of %d elements is not host addressable", t.Len())
		}
		g.Fill(data)
		return nil
	})
	if err != nil {
		t.Free()
		return nil, err
	}
	return t, nil
}

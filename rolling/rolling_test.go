package rolling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmptyAccumulator(t *testing.T) {
	a := NewAccumulator()
	assert.True(t, a.Empty())
	assert.Equal(t, 0.0, a.Average())
	assert.Equal(t, 0.0, a.Total())
}

func TestAccumulatorAverage(t *testing.T) {
	a := NewAccumulator()
	a.Add(100, 1)
	a.Add(300, 1)
	assert.False(t, a.Empty())
	assert.Equal(t, 2.0, a.Samples())
	assert.Equal(t, 200.0, a.Average())
}

// early samples keep their weight forever
func TestAccumulatorNoDecay(t *testing.T) {
	a := NewAccumulator()
	a.Add(1000, 1)
	for i := 0; i < 9; i++ {
		a.Add(0, 1)
	}
	assert.Equal(t, 100.0, a.Average())
}

func TestWeightedSamples(t *testing.T) {
	a := NewAccumulator()
	a.Add(50, 100) // 50us for 100 bytes
	a.Add(150, 100)
	assert.Equal(t, 1.0, a.Average())
	assert.Equal(t, 200.0, a.Samples())
}

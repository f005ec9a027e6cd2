// Package rolling keeps running averages used to predict disk costs.
package rolling

// Stat accumulates observations. Average is Total/Samples and is 0 while
// nothing has been observed.
type Stat interface {
	// Add records value spread over the given number of samples
	Add(value, samples float64)
	Total() float64
	Samples() float64
	Average() float64
	Empty() bool
}

// Accumulator is a Stat without any decay: every observation since
// creation weighs the same.
type Accumulator struct {
	total   float64
	samples float64
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Add(value, samples float64) {
	a.total += value
	a.samples += samples
}

func (a *Accumulator) Total() float64 {
	return a.total
}

func (a *Accumulator) Samples() float64 {
	return a.samples
}

func (a *Accumulator) Average() float64 {
	if a.samples == 0 {
		return 0
	}
	return a.total / a.samples
}

func (a *Accumulator) Empty() bool {
	return a.samples == 0
}

var _ Stat = (*Accumulator)(nil)

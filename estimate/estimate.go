// Package estimate predicts when outstanding reads will finish. The
// prediction only writes Request.EstimatedCompletion and never touches
// the disk.
package estimate

import (
	"time"

	"github.com/rarydzu/diskstage/request"
)

// Residency tells whether a file already has an open handle
type Residency interface {
	Contains(path request.Path) bool
}

// Input is everything a prediction is based on
type Input struct {
	Now time.Time
	// Queue holds the requests of the stage in execution order.
	Queue []*request.Request
	// Internal holds requests already committed upstream. They are drained
	// youngest first, so the list is walked in reverse.
	Internal []*request.Request
	// External holds requests without a fixed order.
	External []*request.Request

	Residency Residency
	// ReadNanosPerByte is the average transfer cost, 0 when unknown
	ReadNanosPerByte float64
	OpenCloseCost    time.Duration
	SeekCost         time.Duration

	ActivePath        request.Path
	ActiveOffset      uint64
	ActiveOffsetKnown bool
}

// Update stamps every request in the input with its predicted completion
// time. Ordered requests are simulated one after another, starting at Now.
// External requests are each stamped with the worst case after the
// ordered ones, independently of each other.
func Update(in Input) {
	s := simulation{
		in:          in,
		clock:       in.Now,
		active:      in.ActivePath,
		offset:      in.ActiveOffset,
		offsetKnown: in.ActiveOffsetKnown,
	}
	for _, r := range in.Queue {
		s.step(r)
	}
	for i := len(in.Internal) - 1; i >= 0; i-- {
		s.step(in.Internal[i])
	}
	for _, r := range in.External {
		cost := in.SeekCost + transfer(r.Size, in.ReadNanosPerByte)
		if r.Op != request.OpCompressedRead {
			cost += in.OpenCloseCost
		}
		r.EstimatedCompletion = s.clock.Add(cost)
	}
}

type simulation struct {
	in          Input
	clock       time.Time
	active      request.Path
	offset      uint64
	offsetKnown bool
}

func (s *simulation) step(r *request.Request) {
	if r.Path != s.active {
		if r.Op != request.OpCompressedRead && !s.resident(r.Path) {
			s.clock = s.clock.Add(s.in.OpenCloseCost)
		}
		s.offsetKnown = false
	}
	if !s.offsetKnown || r.Offset != s.offset {
		s.clock = s.clock.Add(s.in.SeekCost)
	}
	s.clock = s.clock.Add(transfer(r.Size, s.in.ReadNanosPerByte))
	r.EstimatedCompletion = s.clock

	s.offset = r.Offset + r.Size
	s.offsetKnown = true
	s.active = r.Path
}

func (s *simulation) resident(p request.Path) bool {
	return s.in.Residency != nil && s.in.Residency.Contains(p)
}

func transfer(size uint64, nanosPerByte float64) time.Duration {
	return time.Duration(float64(size) * nanosPerByte)
}

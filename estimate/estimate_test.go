package estimate

import (
	"testing"
	"time"

	"github.com/rarydzu/diskstage/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	perByte   = time.Microsecond
	openClose = 100 * time.Microsecond
	seek      = 12 * time.Millisecond
)

type resident map[request.Path]bool

func (r resident) Contains(p request.Path) bool { return r[p] }

func path(t *testing.T, name string) request.Path {
	p, err := request.AbsolutePath("/data/" + name)
	require.NoError(t, err)
	return p
}

func read(p request.Path, offset, size uint64) *request.Request {
	return request.NewRead(p, offset, size, []byte{})
}

func input() Input {
	return Input{
		Now:              now,
		ReadNanosPerByte: float64(perByte),
		OpenCloseCost:    openClose,
		SeekCost:         seek,
	}
}

func TestFirstRequestPaysOpenAndSeek(t *testing.T) {
	a := path(t, "a")
	r := read(a, 0, 10)
	in := input()
	in.Queue = []*request.Request{r}
	Update(in)
	assert.Equal(t, now.Add(openClose+seek+10*perByte), r.EstimatedCompletion)
}

func TestSequentialReadSkipsSeek(t *testing.T) {
	a := path(t, "a")
	r1 := read(a, 0, 10)
	r2 := read(a, 10, 10)
	r3 := read(a, 50, 10)
	in := input()
	in.Queue = []*request.Request{r1, r2, r3}
	Update(in)

	t1 := now.Add(openClose + seek + 10*perByte)
	t2 := t1.Add(10 * perByte)
	t3 := t2.Add(seek + 10*perByte)
	assert.Equal(t, t1, r1.EstimatedCompletion)
	assert.Equal(t, t2, r2.EstimatedCompletion)
	assert.Equal(t, t3, r3.EstimatedCompletion)
}

func TestActiveFileAndOffset(t *testing.T) {
	a := path(t, "a")
	r := read(a, 100, 10)
	in := input()
	in.ActivePath = a
	in.ActiveOffset = 100
	in.ActiveOffsetKnown = true
	in.Queue = []*request.Request{r}
	Update(in)
	assert.Equal(t, now.Add(10*perByte), r.EstimatedCompletion)
}

func TestResidentFileSkipsOpen(t *testing.T) {
	a := path(t, "a")
	b := path(t, "b")
	r1 := read(a, 0, 10)
	r2 := read(b, 0, 10)
	in := input()
	in.Residency = resident{b: true}
	in.Queue = []*request.Request{r1, r2}
	Update(in)
	t1 := now.Add(openClose + seek + 10*perByte)
	assert.Equal(t, t1, r1.EstimatedCompletion)
	// offset is unknown after a file switch, so the seek is still charged
	assert.Equal(t, t1.Add(seek+10*perByte), r2.EstimatedCompletion)
}

func TestCompressedReadSkipsOpen(t *testing.T) {
	a := path(t, "a")
	r := read(a, 0, 10)
	r.Op = request.OpCompressedRead
	in := input()
	in.Queue = []*request.Request{r}
	Update(in)
	assert.Equal(t, now.Add(seek+10*perByte), r.EstimatedCompletion)
}

func TestInternalPendingReversed(t *testing.T) {
	a := path(t, "a")
	b := path(t, "b")
	q := read(a, 0, 10)
	older := read(a, 10, 10)
	younger := read(b, 0, 10)
	in := input()
	in.Queue = []*request.Request{q}
	in.Internal = []*request.Request{older, younger}
	Update(in)

	tq := now.Add(openClose + seek + 10*perByte)
	tYounger := tq.Add(openClose + seek + 10*perByte)
	// back to a at an unknown offset
	tOlder := tYounger.Add(openClose + seek + 10*perByte)
	assert.Equal(t, tq, q.EstimatedCompletion)
	assert.Equal(t, tYounger, younger.EstimatedCompletion)
	assert.Equal(t, tOlder, older.EstimatedCompletion)
}

func TestExternalPendingIsPessimisticAndIndependent(t *testing.T) {
	a := path(t, "a")
	q := read(a, 0, 10)
	e1 := read(a, 10, 100)
	e2 := read(a, 10, 100)
	e3 := read(a, 0, 5)
	e3.Op = request.OpCompressedRead
	in := input()
	in.Residency = resident{a: true}
	in.Queue = []*request.Request{q}
	in.External = []*request.Request{e1, e2, e3}
	Update(in)

	base := q.EstimatedCompletion
	worst := base.Add(openClose + seek + 100*perByte)
	assert.Equal(t, worst, e1.EstimatedCompletion)
	assert.Equal(t, worst, e2.EstimatedCompletion)
	assert.Equal(t, base.Add(seek+5*perByte), e3.EstimatedCompletion)
}

func TestExternalPendingWithoutQueue(t *testing.T) {
	a := path(t, "a")
	e := read(a, 0, 10)
	in := input()
	in.External = []*request.Request{e}
	Update(in)
	assert.Equal(t, now.Add(openClose+seek+10*perByte), e.EstimatedCompletion)
}

func TestNoThroughputSample(t *testing.T) {
	a := path(t, "a")
	r := read(a, 0, 1<<20)
	in := input()
	in.ReadNanosPerByte = 0
	in.Queue = []*request.Request{r}
	Update(in)
	assert.Equal(t, now.Add(openClose+seek), r.EstimatedCompletion)
}

func TestEstimatesAreMonotonic(t *testing.T) {
	paths := []request.Path{path(t, "a"), path(t, "b"), path(t, "c")}
	var queue []*request.Request
	for i := 0; i < 30; i++ {
		queue = append(queue, read(paths[i%len(paths)], uint64(i*7%50), uint64(i%4)))
	}
	in := input()
	in.Residency = resident{paths[1]: true}
	in.Queue = queue
	Update(in)
	for i := 1; i < len(queue); i++ {
		assert.False(t, queue[i].EstimatedCompletion.Before(queue[i-1].EstimatedCompletion), "request %d", i)
	}
	assert.False(t, queue[0].EstimatedCompletion.Before(now))
}

// Package drive is the bottom stage of the streaming pipeline. It turns
// queued read requests into physical reads through a handle cache, learns
// its own cost profile and predicts completion times for scheduling.
//
// A Drive is not safe for concurrent use. It is driven by one scheduler
// goroutine calling PrepareRequest, ExecuteRequests and
// UpdateCompletionEstimates in turn.
package drive

import (
	"fmt"
	"math"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/rarydzu/diskstage/estimate"
	"github.com/rarydzu/diskstage/handlecache"
	"github.com/rarydzu/diskstage/request"
	"github.com/rarydzu/diskstage/rolling"
	"github.com/rarydzu/diskstage/utils"
	"go.uber.org/zap"
)

const (
	// MaxRequests is the queue depth a warmed up drive admits
	MaxRequests = 1
	// AverageSeekTime is a typical desktop HDD seek plus rotational latency
	AverageSeekTime = 9*time.Millisecond + 3*time.Millisecond
	// Unlimited is reported as available slots until costs are known
	Unlimited = math.MaxInt
)

// Stage is a link of the streaming pipeline
type Stage interface {
	PrepareRequest(req *request.Request)
	ExecuteRequests() bool
	AvailableRequestSlots() int
}

// Statistic names, prefixed with the drive name and a slash
const (
	StatSpeed          = "Speed (MB/s)"
	StatOpenClose      = "File open & close (us)"
	StatAvailableSlots = "Available slots"
)

// Statistic is a named metric sample
type Statistic struct {
	Name  string
	Value float64
}

type Drive struct {
	name  string
	cache *handlecache.Cache
	queue []*request.Request

	// readStat holds read microseconds over bytes read
	readStat rolling.Stat
	// openCloseStat holds microseconds per open and close
	openCloseStat rolling.Stat

	activePath        request.Path
	activeOffset      uint64
	activeOffsetKnown bool

	ctx request.CompletionContext
	log *zap.SugaredLogger
}

// New creates a drive keeping at most maxFileHandles files open
func New(name string, maxFileHandles int, fs handlecache.FileSystem, clock timeutil.Clock, ctx request.CompletionContext, log *zap.SugaredLogger) *Drive {
	return &Drive{
		name:          name,
		cache:         handlecache.New(maxFileHandles, fs, clock, log),
		readStat:      rolling.NewAccumulator(),
		openCloseStat: rolling.NewAccumulator(),
		ctx:           ctx,
		log:           log,
	}
}

func (d *Drive) Name() string {
	return d.name
}

// PrepareRequest queues a read or applies a cancel. Other operations are
// a caller bug and panic.
func (d *Drive) PrepareRequest(req *request.Request) {
	switch req.Op {
	case request.OpRead:
		d.queue = append(d.queue, req)
	case request.OpCancel:
		d.cancel(req.Target)
	default:
		panic(fmt.Sprintf("drive %s: unsupported operation %s", d.name, req.Op))
	}
}

func (d *Drive) cancel(target *request.Request) {
	if target == nil {
		return
	}
	kept := d.queue[:0]
	var canceled []*request.Request
	for _, r := range d.queue {
		if r == target || r.IsChildOf(target) {
			canceled = append(canceled, r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(d.queue); i++ {
		d.queue[i] = nil
	}
	d.queue = kept
	for _, r := range canceled {
		d.complete(r, request.Canceled)
	}
}

// ExecuteRequests services the oldest queued request. It returns false
// when there was nothing to do.
func (d *Drive) ExecuteRequests() bool {
	if len(d.queue) == 0 {
		return false
	}
	req := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]

	out := req.Output
	if uint64(len(out)) > req.Size {
		out = out[:req.Size]
	}
	res, err := d.cache.Read(req.Path, req.Offset, out)
	if res.Opened {
		d.openCloseStat.Add(utils.Micros(res.OpenClose), 1)
	}
	req.BytesRead = res.BytesRead
	if err != nil {
		d.log.Warnf("drive %s: read %s at %d: %v", d.name, req.Path, req.Offset, err)
		d.activeOffsetKnown = false
		d.complete(req, request.Failed)
		return true
	}
	d.readStat.Add(utils.Micros(res.ReadTime), float64(res.BytesRead))
	d.activePath = req.Path
	d.activeOffset = req.Offset + res.BytesRead
	d.activeOffsetKnown = true

	if res.BytesRead == req.Size {
		d.complete(req, request.Completed)
	} else {
		d.log.Warnf("drive %s: short read %s at %d: %d of %d bytes", d.name, req.Path, req.Offset, res.BytesRead, req.Size)
		d.complete(req, request.Failed)
	}
	return true
}

func (d *Drive) complete(req *request.Request, status request.Status) {
	if err := req.SetStatus(status); err != nil {
		panic(fmt.Sprintf("drive %s: %v", d.name, err))
	}
	d.ctx.MarkRequestAsCompleted(request.Completion{
		Request:   req,
		Status:    status,
		BytesRead: req.BytesRead,
	})
}

// AvailableRequestSlots reports how many more requests the drive admits
func (d *Drive) AvailableRequestSlots() int {
	if d.openCloseStat.Empty() {
		return Unlimited
	}
	n := MaxRequests - len(d.queue)
	if n < 0 {
		return 0
	}
	return n
}

// UpdateCompletionEstimates predicts the completion of the queued requests
// followed by the internal and external pending ones.
func (d *Drive) UpdateCompletionEstimates(now time.Time, internal, external []*request.Request) {
	estimate.Update(estimate.Input{
		Now:               now,
		Queue:             d.queue,
		Internal:          internal,
		External:          external,
		Residency:         d.cache,
		ReadNanosPerByte:  d.readStat.Average() * float64(time.Microsecond),
		OpenCloseCost:     utils.MicrosToDuration(d.openCloseStat.Average()),
		SeekCost:          AverageSeekTime,
		ActivePath:        d.activePath,
		ActiveOffset:      d.activeOffset,
		ActiveOffsetKnown: d.activeOffsetKnown,
	})
}

// CollectStatistics returns the current metrics. Speed is left out until
// some read was timed.
func (d *Drive) CollectStatistics() []Statistic {
	var stats []Statistic
	if d.readStat.Samples() > 0 && d.readStat.Total() > 0 {
		stats = append(stats, Statistic{
			Name:  d.name + "/" + StatSpeed,
			Value: utils.MBPerSecond(d.readStat.Samples(), d.readStat.Total()),
		})
	}
	stats = append(stats,
		Statistic{Name: d.name + "/" + StatOpenClose, Value: d.openCloseStat.Average()},
		Statistic{Name: d.name + "/" + StatAvailableSlots, Value: float64(d.AvailableRequestSlots())},
	)
	return stats
}

// SetNext panics for any successor: the drive is the last stage
func (d *Drive) SetNext(next Stage) {
	if next != nil {
		panic(fmt.Sprintf("drive %s: a drive can't have a next stage", d.name))
	}
}

// FileSize returns the length of path, false when it is unknown or zero
func (d *Drive) FileSize(path request.Path) (uint64, bool) {
	return d.cache.Size(path)
}

// FlushCache closes the handle of a file known to have changed
func (d *Drive) FlushCache(path request.Path) {
	d.cache.Flush(path)
	if d.activePath == path {
		d.activeOffsetKnown = false
	}
}

func (d *Drive) FlushAllCaches() {
	d.cache.FlushAll()
	d.activeOffsetKnown = false
}

func (d *Drive) PendingCount() int {
	return len(d.queue)
}

// CachedPaths returns the paths with an open handle
func (d *Drive) CachedPaths() []request.Path {
	return d.cache.Paths()
}

var _ Stage = (*Drive)(nil)

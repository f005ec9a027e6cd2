package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/jinzhu/copier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rarydzu/diskstage/config"
	"github.com/rarydzu/diskstage/drive"
	"github.com/rarydzu/diskstage/handlecache"
	"github.com/rarydzu/diskstage/processor"
	"github.com/rarydzu/diskstage/request"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrWorkerStopped = errors.New("worker stopped")
	ErrUnsupported   = errors.New("unsupported operation")
)

// Snapshot is the last collected view of the drive
type Snapshot struct {
	Statistics []drive.Statistic
	Pending    int
	// OpenFDs is -1 when the count is unavailable
	OpenFDs   int32
	Collected time.Time
}

type control struct {
	fn   func(d *drive.Drive)
	done chan struct{}
}

// Worker owns a drive and runs it on a single scheduler goroutine.
// Requests the drive does not admit yet wait in the worker and are
// estimated as external pending.
type Worker struct {
	active bool
	sync.RWMutex
	Processor *processor.Processor
	cfg       *config.Config
	drive     *drive.Drive
	clock     timeutil.Clock
	metrics   *Metrics
	log       *zap.SugaredLogger

	submit      chan *request.Request
	control     chan control
	completions chan request.Completion
	stopped     chan struct{}
	// waiting is owned by the loop goroutine
	waiting []*request.Request

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutOnce sync.Once
	shutErr  error
	snapshot Snapshot
}

// New creates a worker reading through fs. registry may be nil.
func New(cfg *config.Config, fs handlecache.FileSystem, clock timeutil.Clock, registry prometheus.Registerer, log *zap.SugaredLogger) (*Worker, error) {
	w := &Worker{
		cfg:      &config.Config{},
		clock:    clock,
		metrics:  NewMetrics(registry),
		log:      log,
		control:  make(chan control),
		stopped:  make(chan struct{}),
		snapshot: Snapshot{OpenFDs: -1},
	}
	if err := copier.Copy(w.cfg, cfg); err != nil {
		return nil, err
	}
	if err := config.Validate(w.cfg); err != nil {
		return nil, err
	}
	w.submit = make(chan *request.Request, w.cfg.QueueSize)
	w.completions = make(chan request.Completion, w.cfg.QueueSize)
	w.drive = drive.New(w.cfg.Name, w.cfg.MaxFileHandles, fs, clock, w, log)
	return w, nil
}

// Config returns the configuration the worker runs with
func (w *Worker) Config() config.Config {
	return *w.cfg
}

// Start launches the scheduler and the statistics reporter
func (w *Worker) Start(ctx context.Context) error {
	w.Lock()
	defer w.Unlock()
	if w.active {
		return fmt.Errorf("Worker already active")
	}
	w.active = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.Processor = processor.New(w.cfg.ShutdownTimeout, w.log)
	if err := w.Processor.Register(processor.Shutdown, "drive", w.shutdown); err != nil {
		return err
	}
	if err := w.Processor.Register(processor.Reload, "handles", w.FlushAll); err != nil {
		return err
	}
	w.group, _ = errgroup.WithContext(w.ctx)
	w.group.Go(func() error { return w.loop(w.ctx) })
	w.group.Go(func() error { return w.report(w.ctx) })
	w.Processor.Run(w.ctx)
	w.log.Infof("drive %s started with %d file handles", w.cfg.Name, w.cfg.MaxFileHandles)
	return nil
}

// Stop cancels the scheduler and waits for the shutdown sequence
func (w *Worker) Stop() error {
	w.RLock()
	active := w.active
	w.RUnlock()
	if !active {
		return ErrWorkerStopped
	}
	w.cancel()
	return w.Wait()
}

// Wait blocks until the worker shut down
func (w *Worker) Wait() error {
	w.Processor.Wait()
	return w.shutErr
}

func (w *Worker) shutdown(context.Context) error {
	w.shutOnce.Do(func() {
		w.cancel()
		w.shutErr = w.group.Wait()
		// the loop is gone, the drive can be read directly
		w.publish(Snapshot{
			Statistics: w.drive.CollectStatistics(),
			Pending:    w.drive.PendingCount() + len(w.waiting),
			OpenFDs:    -1,
			Collected:  w.clock.Now(),
		})
		w.drive.FlushAllCaches()
		close(w.completions)
		w.log.Infof("drive %s stopped", w.cfg.Name)
	})
	return w.shutErr
}

// Submit hands a read or cancel request to the scheduler
func (w *Worker) Submit(ctx context.Context, req *request.Request) error {
	if req.Op != request.OpRead && req.Op != request.OpCancel {
		return fmt.Errorf("%w: %s", ErrUnsupported, req.Op)
	}
	select {
	case <-w.stopped:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.submit <- req:
		return nil
	case <-w.stopped:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels target and every request derived from it
func (w *Worker) Cancel(ctx context.Context, target *request.Request) error {
	return w.Submit(ctx, request.NewCancel(target))
}

// Completions delivers one event per request reaching a terminal status.
// It is closed once the worker stopped.
func (w *Worker) Completions() <-chan request.Completion {
	return w.completions
}

// Do runs fn on the scheduler goroutine and waits for it
func (w *Worker) Do(ctx context.Context, fn func(d *drive.Drive)) error {
	c := control{fn: fn, done: make(chan struct{})}
	select {
	case w.control <- c:
	case <-w.stopped:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-w.stopped:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush closes the cached handle of path
func (w *Worker) Flush(ctx context.Context, path request.Path) error {
	return w.Do(ctx, func(d *drive.Drive) { d.FlushCache(path) })
}

// FlushAll closes every cached handle
func (w *Worker) FlushAll(ctx context.Context) error {
	return w.Do(ctx, func(d *drive.Drive) { d.FlushAllCaches() })
}

// FileSize returns the length of path as seen by the drive
func (w *Worker) FileSize(ctx context.Context, path request.Path) (uint64, bool, error) {
	var (
		size uint64
		ok   bool
	)
	err := w.Do(ctx, func(d *drive.Drive) { size, ok = d.FileSize(path) })
	return size, ok, err
}

// Stats returns the last collected snapshot
func (w *Worker) Stats() Snapshot {
	w.RLock()
	defer w.RUnlock()
	return w.snapshot
}

// MarkRequestAsCompleted is called by the drive on the loop goroutine
func (w *Worker) MarkRequestAsCompleted(c request.Completion) {
	w.metrics.completed(w.cfg.Name, c.Status)
	select {
	case w.completions <- c:
	case <-w.ctx.Done():
		w.log.Debugf("dropping completion of %s: worker stopping", c.Request.Path)
	}
}

func (w *Worker) loop(ctx context.Context) error {
	defer close(w.stopped)
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()
	for {
		w.admit()
		busy := w.drive.ExecuteRequests()
		w.drive.UpdateCompletionEstimates(w.clock.Now(), nil, w.waiting)
		if busy {
			if !w.drain(ctx) {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case req := <-w.submit:
			w.accept(req)
		case c := <-w.control:
			w.run(c)
		case <-ticker.C:
		}
	}
}

// drain takes whatever was submitted without blocking. It returns false
// once ctx is done.
func (w *Worker) drain(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case req := <-w.submit:
			w.accept(req)
		case c := <-w.control:
			w.run(c)
		default:
			return true
		}
	}
}

func (w *Worker) run(c control) {
	c.fn(w.drive)
	close(c.done)
}

func (w *Worker) accept(req *request.Request) {
	if req.Op != request.OpCancel {
		w.waiting = append(w.waiting, req)
		return
	}
	kept := w.waiting[:0]
	for _, r := range w.waiting {
		if req.Target != nil && (r == req.Target || r.IsChildOf(req.Target)) {
			if err := r.SetStatus(request.Canceled); err != nil {
				w.log.Warnf("cancel %s: %v", r.Path, err)
				continue
			}
			w.MarkRequestAsCompleted(request.Completion{Request: r, Status: request.Canceled})
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(w.waiting); i++ {
		w.waiting[i] = nil
	}
	w.waiting = kept
	w.drive.PrepareRequest(req)
}

// admit moves waiting requests into the drive while it has free slots
func (w *Worker) admit() {
	for len(w.waiting) > 0 && w.drive.AvailableRequestSlots() > 0 {
		req := w.waiting[0]
		w.waiting[0] = nil
		w.waiting = w.waiting[1:]
		w.drive.PrepareRequest(req)
	}
}

func (w *Worker) report(ctx context.Context) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		w.log.Warnf("process stats unavailable: %v", err)
	}
	ticker := time.NewTicker(w.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.collect(ctx, proc); err != nil && !errors.Is(err, ErrWorkerStopped) && ctx.Err() == nil {
				return err
			}
		}
	}
}

// collect refreshes the snapshot and the metrics
func (w *Worker) collect(ctx context.Context, proc *process.Process) error {
	snap := Snapshot{OpenFDs: -1, Collected: w.clock.Now()}
	err := w.Do(ctx, func(d *drive.Drive) {
		snap.Statistics = d.CollectStatistics()
		snap.Pending = d.PendingCount() + len(w.waiting)
	})
	if err != nil {
		return err
	}
	if proc != nil {
		if fds, err := proc.NumFDsWithContext(ctx); err == nil {
			snap.OpenFDs = fds
		} else {
			w.log.Debugf("open fds: %v", err)
		}
	}
	w.publish(snap)
	return nil
}

func (w *Worker) publish(snap Snapshot) {
	w.metrics.update(w.cfg.Name, snap)
	w.Lock()
	w.snapshot = snap
	w.Unlock()
	for _, s := range snap.Statistics {
		w.log.Debugf("%s: %.2f", s.Name, s.Value)
	}
	w.log.Debugf("%s: %d pending, %d open fds", w.cfg.Name, snap.Pending, snap.OpenFDs)
}

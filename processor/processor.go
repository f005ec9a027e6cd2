package processor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	Reload   = "reload"
	Shutdown = "shutdown"
)

// Operation is run when its process is triggered
type Operation func(ctx context.Context) error

// Processor ties SIGHUP to reload operations and SIGINT/SIGTERM to
// shutdown operations.
type Processor struct {
	ForceShutdownTimeout time.Duration // force shutdown timeout
	rChan                chan os.Signal
	mu                   sync.Mutex
	shutOps              map[string]Operation
	reloadOps            map[string]Operation
	wg                   sync.WaitGroup
	exit                 func(code int)
	log                  *zap.SugaredLogger
}

// New - creates new processor
func New(timeout time.Duration, log *zap.SugaredLogger) *Processor {
	return &Processor{
		ForceShutdownTimeout: timeout,
		rChan:                make(chan os.Signal, 1),
		shutOps:              map[string]Operation{},
		reloadOps:            map[string]Operation{},
		exit:                 os.Exit,
		log:                  log,
	}
}

// Run assigns signals and starts processing. Cancelling ctx has the same
// effect as SIGTERM.
func (p *Processor) Run(ctx context.Context) {
	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(p.rChan, syscall.SIGHUP)
	reloadCtx, cancel := context.WithCancel(context.Background())
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.processReloadSignal(reloadCtx)
		stop()
	}()
	go func() {
		defer p.wg.Done()
		p.processStopSignal(stopCtx)
		signal.Stop(p.rChan)
		cancel()
	}()
}

// processReloadSignal runs reload operations on every SIGHUP
func (p *Processor) processReloadSignal(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.log.Infof("shutdown reload")
			return
		case <-p.rChan:
			if err := p.Trigger(ctx, Reload); err != nil {
				p.log.Warnf("reload: %v", err)
			}
		}
	}
}

// processStopSignal runs shutdown operations, exiting the process if they
// take longer than ForceShutdownTimeout
func (p *Processor) processStopSignal(ctx context.Context) {
	<-ctx.Done()
	tF := time.AfterFunc(p.ForceShutdownTimeout, func() {
		p.log.Warnf("timeout %d ms has been elapsed, force exit", p.ForceShutdownTimeout.Milliseconds())
		p.exit(1)
	})
	defer tF.Stop()
	shutCtx, cancel := context.WithTimeout(context.Background(), p.ForceShutdownTimeout)
	defer cancel()
	if err := p.Trigger(shutCtx, Shutdown); err != nil {
		p.log.Warnf("shutdown: %v", err)
	}
}

// Trigger runs every operation registered for process concurrently and
// returns the first failure
func (p *Processor) Trigger(ctx context.Context, process string) error {
	p.mu.Lock()
	var ops map[string]Operation
	switch process {
	case Shutdown:
		ops = p.shutOps
	case Reload:
		ops = p.reloadOps
	default:
		p.mu.Unlock()
		return fmt.Errorf("%s process unknown", process)
	}
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	calls := make([]Operation, len(names))
	for i, name := range names {
		calls[i] = ops[name]
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := range names {
		name, call := names[i], calls[i]
		g.Go(func() error {
			if err := call(gctx); err != nil {
				p.log.Warnf("%s %s: failed (%s)", process, name, err.Error())
				return fmt.Errorf("%s %s: %w", process, name, err)
			}
			p.log.Infof("%s %s: succeeded", process, name)
			return nil
		})
	}
	err := g.Wait()
	p.log.Infof("%s sequence completed", process)
	return err
}

// Register registers a shutdown or reload operation
func (p *Processor) Register(process, operationName string, operation Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch process {
	case Shutdown:
		p.shutOps[operationName] = operation
	case Reload:
		p.reloadOps[operationName] = operation
	default:
		return fmt.Errorf("%s process unknown", process)
	}
	return nil
}

// Wait blocks until shutdown completed
func (p *Processor) Wait() {
	p.wg.Wait()
}

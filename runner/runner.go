package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type StageFunc func(context.Context) error

// Runner supervises the goroutines of one process run. Work stages are the
// reason the process exists; once all of them return the runner cancels the
// services (metrics listener and similar) and waits for them too. The first
// failing stage cancels everything else.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	workWG    sync.WaitGroup
	serviceWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	since time.Time
}

func New(parent context.Context, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		since:  time.Now(),
	}
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// AddStage starts a work stage.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.start(&r.workWG, name+" stage", fn)
}

// AddService starts a background service that runs until the work stages
// are done.
func (r *Runner) AddService(name string, fn StageFunc) {
	r.start(&r.serviceWG, name+" service", fn)
}

func (r *Runner) start(wg *sync.WaitGroup, label string, fn StageFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.fail(fmt.Errorf("%s: panic: %v", label, rec))
			}
		}()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s: %w", label, err))
		}
	}()
}

// Wait blocks until every stage and service returned and reports the first
// failure.
func (r *Runner) Wait() error {
	r.workWG.Wait()
	r.cancel()
	r.serviceWG.Wait()

	err := r.Err()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("run failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("run completed", "duration", duration)
	return nil
}

func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

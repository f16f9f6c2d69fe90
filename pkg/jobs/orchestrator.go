// Package jobs runs analysis requests asynchronously: submission returns a
// job ID immediately, a fixed worker pool executes the compute, and callers
// observe progress through snapshot polling. Each job is driven by exactly
// one worker, so results are committed atomically with the status change and
// a poll can never observe a completed job without its result.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"radquant/internal/models"
	"radquant/pkg/calcium"
	"radquant/pkg/overlay"
	"radquant/pkg/perfusion"
)

// Default pool sizing and deadlines, used when Options leaves them zero.
const (
	DefaultWorkers        = 4
	DefaultMaxQueued      = 1024
	DefaultComputeTimeout = 5 * time.Minute
)

// Options configures an orchestrator.
type Options struct {
	// Workers is the number of concurrent job executors.
	Workers int

	// MaxQueued bounds the pending queue; Submit fails with ErrQueueFull
	// beyond it.
	MaxQueued int

	// ComputeTimeout is the per-job compute deadline.
	ComputeTimeout time.Duration

	// ComputeLanes is the per-voxel parallelism handed to the engines.
	ComputeLanes int

	// Provider resolves dataset references to loaded data.
	Provider models.DatasetProvider

	// Logger receives orchestrator events.
	Logger zerolog.Logger
}

// PerfusionResult is the completed output of a perfusion job.
type PerfusionResult struct {
	Maps     *perfusion.Maps
	Abnormal *perfusion.AbnormalityResult
}

// OverlayResult is the completed output of an overlay job.
type OverlayResult struct {
	Image    *image.RGBA
	Boundary []bool
	Stats    map[int]overlay.LabelStats
}

// Filter narrows List output. Nil fields match everything.
type Filter struct {
	Status *Status
	Kind   *Kind
}

// Orchestrator owns the job store and worker pool.
type Orchestrator struct {
	opts      Options
	store     *store
	queue     chan string
	calcium   *calcium.Engine
	perfusion *perfusion.Engine
	log       zerolog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// New builds an orchestrator and starts its worker pool.
func New(opts Options) (*Orchestrator, error) {
	if opts.Provider == nil {
		return nil, errors.New("orchestrator requires a dataset provider")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = DefaultMaxQueued
	}
	if opts.ComputeTimeout <= 0 {
		opts.ComputeTimeout = DefaultComputeTimeout
	}
	if opts.ComputeLanes <= 0 {
		opts.ComputeLanes = 1
	}

	o := &Orchestrator{
		opts:      opts,
		store:     newStore(),
		queue:     make(chan string, opts.MaxQueued),
		calcium:   calcium.NewEngine(opts.Logger),
		perfusion: perfusion.NewEngine(opts.Logger),
		log:       opts.Logger.With().Str("component", "jobs").Logger(),
		cancels:   make(map[string]context.CancelFunc),
	}
	for i := 0; i < opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	return o, nil
}

// Close drains the queue, waits for in-flight jobs and rejects further
// submissions. Queued jobs still run to completion under their deadlines.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	close(o.queue)
	o.wg.Wait()
}

// Submit validates the request, registers it as Pending and enqueues it.
// The returned ID is valid for Poll and Cancel immediately.
func (o *Orchestrator) Submit(params Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrStopped
	}

	id := uuid.NewString()
	o.store.add(id, params, time.Now())
	select {
	case o.queue <- id:
	default:
		o.store.discard(id)
		return "", ErrQueueFull
	}

	o.log.Info().Str("job", id).Str("kind", params.JobKind().String()).
		Str("dataset", params.DatasetReference()).Msg("job submitted")
	return id, nil
}

// Poll returns a snapshot of the job's current state.
func (o *Orchestrator) Poll(id string) (Job, error) {
	job, ok := o.store.snapshot(id)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

// List returns snapshots in submission order, optionally filtered.
func (o *Orchestrator) List(filter Filter) []Job {
	return o.store.list(filter)
}

// Cancel stops a job. Queued jobs are cancelled immediately; running jobs
// are signalled and wind down cooperatively. Cancelling a terminal job is an
// error, cancelling an unknown ID another.
func (o *Orchestrator) Cancel(id string) error {
	job, ok := o.store.snapshot(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, job.Status)
	}

	o.mu.Lock()
	cancel := o.cancels[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.log.Info().Str("job", id).Msg("running job cancellation requested")
		return nil
	}

	// Not yet picked up by a worker. Marking it here makes the eventual
	// tryStart fail, so the queue entry is skipped.
	if o.store.markCancelled(id, time.Now()) {
		o.log.Info().Str("job", id).Msg("queued job cancelled")
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
}

// Cleanup removes terminal jobs older than maxAge and reports how many were
// dropped.
func (o *Orchestrator) Cleanup(maxAge time.Duration) int {
	removed := o.store.cleanup(maxAge, time.Now())
	if removed > 0 {
		o.log.Info().Int("removed", removed).Msg("terminal jobs cleaned up")
	}
	return removed
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for id := range o.queue {
		o.runJob(id)
	}
}

// runJob is the single writer for its job from start to terminal status.
func (o *Orchestrator) runJob(id string) {
	params, ok := o.store.tryStart(id, time.Now())
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx, timeoutCancel := context.WithTimeout(ctx, o.opts.ComputeTimeout)
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
	defer func() {
		timeoutCancel()
		cancel()
		o.mu.Lock()
		delete(o.cancels, id)
		o.mu.Unlock()
	}()

	started := time.Now()
	result, err := o.compute(ctx, id, params)
	now := time.Now()

	switch {
	case err == nil:
		o.store.complete(id, result, now)
		o.log.Info().Str("job", id).Dur("elapsed", now.Sub(started)).Msg("job completed")
	case errors.Is(err, context.Canceled):
		o.store.markCancelled(id, now)
		o.log.Info().Str("job", id).Msg("job cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		o.store.fail(id, ErrComputeTimeout.Error(), now)
		o.log.Warn().Str("job", id).Dur("elapsed", now.Sub(started)).Msg("job deadline exceeded")
	default:
		o.store.fail(id, err.Error(), now)
		o.log.Error().Str("job", id).Err(err).Msg("job failed")
	}
}

func (o *Orchestrator) compute(ctx context.Context, id string, params Params) (any, error) {
	switch p := params.(type) {
	case CalciumParams:
		vol, err := o.opts.Provider.Volume(p.DatasetRef)
		if err != nil {
			return nil, err
		}
		o.store.setProgress(id, 0.1, time.Now())
		return o.calcium.Score(ctx, vol, calcium.Params{
			ThresholdHU:      p.ThresholdHU,
			Connectivity:     p.Connectivity,
			MinLesionAreaMM2: p.MinLesionAreaMM2,
			Lanes:            o.opts.ComputeLanes,
		})

	case PerfusionParams:
		series, err := o.opts.Provider.Series(p.DatasetRef)
		if err != nil {
			return nil, err
		}
		o.store.setProgress(id, 0.1, time.Now())
		maps, err := o.perfusion.GenerateMaps(ctx, series, perfusion.MapParams{
			ReferenceROI:   p.ReferenceROI,
			Regularization: p.Regularization,
			Calibration:    p.Calibration,
			Mode:           p.Mode,
			Lanes:          o.opts.ComputeLanes,
		})
		if err != nil {
			return nil, err
		}
		o.store.setProgress(id, 0.8, time.Now())
		result := &PerfusionResult{Maps: maps}
		if p.FlowBelowFraction > 0 || p.TransitAboveSeconds > 0 {
			result.Abnormal = o.perfusion.DetectAbnormal(maps, perfusion.AbnormalityParams{
				FlowBelowFraction:   p.FlowBelowFraction,
				TransitAboveSeconds: p.TransitAboveSeconds,
			})
		}
		return result, nil

	case OverlayParams:
		vol, err := o.opts.Provider.Volume(p.DatasetRef)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.store.setProgress(id, 0.1, time.Now())
		img, err := overlay.CompositeSlice(vol, p.Mask, p.Slice, overlay.Params{
			Opacity:       p.Opacity,
			VisibleLabels: p.VisibleLabels,
		})
		if err != nil {
			return nil, err
		}
		boundary, err := overlay.Boundary(p.Mask, p.Slice)
		if err != nil {
			return nil, err
		}
		stats, err := overlay.Statistics(p.Mask)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &OverlayResult{Image: img, Boundary: boundary, Stats: stats}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported params type %T", ErrInvalidParameters, params)
	}
}

package transcribe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fmueller/voxengine/internal/audio"
	"github.com/fmueller/voxengine/internal/catalog"
	"github.com/fmueller/voxengine/internal/engine"
	"github.com/fmueller/voxengine/internal/fault"
	"github.com/fmueller/voxengine/internal/store"
)

// State is the lifecycle of the local provider's resident model.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateBusy     State = "busy"
)

var (
	// ErrJobCanceled resolves jobs that were canceled before or
	// during execution. A job canceled mid-inference still runs to
	// completion; only its result is discarded.
	ErrJobCanceled = errors.New("transcription job canceled")

	// ErrProviderClosed rejects jobs submitted to a closed provider.
	ErrProviderClosed = errors.New("local provider is closed")
)

// DefaultIdleTimeout unloads the resident model after this much
// inactivity.
const DefaultIdleTimeout = 5 * time.Minute

// maxConsecutiveInferFailures unloads the resident model after this
// many inference failures in a row, forcing a fresh load. A single
// failed job never invalidates the model.
const maxConsecutiveInferFailures = 3

type localJob struct {
	id         string
	ctx        context.Context
	variant    catalog.Variant
	samples    []float32
	language   string
	duration   time.Duration
	enqueuedAt time.Time
	done       chan localResult
	canceled   atomic.Bool
}

type localResult struct {
	text string
	err  error
}

// LocalOptions configures a Local provider.
type LocalOptions struct {
	Store       *store.Store
	Runtime     engine.Runtime
	Logger      *zap.Logger
	IdleTimeout time.Duration

	// InferTimeout overrides the per-job timeout computation, for
	// tests.
	InferTimeout func(audioDuration time.Duration, variant catalog.Variant) time.Duration
}

// Local transcribes against the locally resident model. A single
// worker goroutine exclusively owns the resident handle and drains
// jobs strictly FIFO, so no two inferences ever run concurrently and
// eviction can never race an in-flight inference.
type Local struct {
	store       *store.Store
	runtime     engine.Runtime
	logger      *zap.Logger
	idleTimeout time.Duration
	timeoutFor  func(time.Duration, catalog.Variant) time.Duration

	mu         sync.Mutex
	queue      []*localJob
	current    *localJob
	closed     bool
	state      State
	residentID string

	wake chan struct{}
	done chan struct{}

	// Worker-owned; never touched outside the worker goroutine.
	resident        engine.Handle
	residentVariant catalog.Variant
	inferFailures   int
}

// NewLocal creates the provider and starts its queue worker.
func NewLocal(opts LocalOptions) (*Local, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.InferTimeout == nil {
		opts.InferTimeout = defaultInferTimeout
	}

	l := &Local{
		store:       opts.Store,
		runtime:     opts.Runtime,
		logger:      opts.Logger,
		idleTimeout: opts.IdleTimeout,
		timeoutFor:  opts.InferTimeout,
		state:       StateUnloaded,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	go l.worker()
	return l, nil
}

func (l *Local) Name() string {
	return ServedByLocal
}

// Transcribe converts the clip to engine PCM, enqueues a job, and
// waits for the worker to resolve it. Results resolve in submission
// order regardless of audio length.
func (l *Local) Transcribe(ctx context.Context, clip audio.Clip, opts Options) (Result, error) {
	variantID := opts.VariantID
	if variantID == "" {
		variantID = catalog.DefaultVariant
	}
	variant, ok := catalog.Lookup(variantID)
	if !ok {
		return Result{}, fault.Configuration("unknown model variant %q", variantID)
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	job := &localJob{
		id:         jobID,
		ctx:        ctx,
		variant:    variant,
		samples:    audio.Convert(clip),
		language:   opts.Language,
		duration:   clip.Duration(),
		enqueuedAt: time.Now(),
		done:       make(chan localResult, 1),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Result{}, ErrProviderClosed
	}
	l.queue = append(l.queue, job)
	l.mu.Unlock()
	l.signal()

	select {
	case <-ctx.Done():
		job.canceled.Store(true)
		return Result{JobID: jobID}, ctx.Err()
	case res := <-job.done:
		if res.err != nil {
			return Result{JobID: jobID}, res.err
		}
		return Result{JobID: jobID, Text: res.text, ServedBy: ServedByLocal}, nil
	}
}

// Cancel marks a job as canceled. A queued job is dropped without
// running; a job already inside inference finishes and its result is
// discarded. Reports whether the job was found.
func (l *Local) Cancel(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current != nil && l.current.id == jobID {
		l.current.canceled.Store(true)
		return true
	}
	for _, job := range l.queue {
		if job.id == jobID {
			job.canceled.Store(true)
			return true
		}
	}
	return false
}

// State returns the provider's lifecycle state.
func (l *Local) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ResidentVariantID returns the id of the loaded variant, or the
// empty string when no model is resident.
func (l *Local) ResidentVariantID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.residentID
}

// QueueLen returns the number of jobs waiting behind the current one.
func (l *Local) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close rejects queued jobs, unloads the resident model, and stops
// the worker. Blocks until the worker has exited; an in-flight
// inference finishes first.
func (l *Local) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.signal()
	<-l.done
}

func (l *Local) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Local) worker() {
	defer close(l.done)

	lastUsed := time.Now()

	for {
		l.mu.Lock()
		if l.closed {
			remaining := l.queue
			l.queue = nil
			l.mu.Unlock()

			for _, job := range remaining {
				job.done <- localResult{err: ErrProviderClosed}
			}
			l.evict()
			return
		}

		if len(l.queue) > 0 {
			job := l.queue[0]
			l.queue = l.queue[1:]
			l.current = job
			l.mu.Unlock()

			l.process(job)

			l.mu.Lock()
			l.current = nil
			l.mu.Unlock()

			lastUsed = time.Now()
			continue
		}

		// Queue is empty. Arm the idle timer when a model is
		// resident; eviction only ever happens down this path, so it
		// cannot overlap an inference. The unload happens while the
		// mutex is still held, so a concurrent enqueue either lands
		// before the decision (queue no longer empty) or after the
		// model is gone (job reloads).
		var idleC <-chan time.Time
		var timer *time.Timer
		if l.resident != nil {
			remaining := l.idleTimeout - time.Since(lastUsed)
			if remaining <= 0 {
				l.evictLocked()
				l.mu.Unlock()
				continue
			}
			timer = time.NewTimer(remaining)
			idleC = timer.C
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-idleC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (l *Local) process(job *localJob) {
	if job.canceled.Load() || job.ctx.Err() != nil {
		job.done <- localResult{err: ErrJobCanceled}
		return
	}

	if l.resident == nil || l.residentVariant.ID != job.variant.ID {
		// FIFO ordering means every job queued before this one has
		// already completed, so a variant swap never interrupts work
		// for the previous model.
		if err := l.swapTo(job.variant); err != nil {
			job.done <- localResult{err: err}
			return
		}
	}

	l.setState(StateBusy)

	timeout := l.timeoutFor(job.duration, job.variant)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	started := time.Now()
	text, err := l.runtime.Infer(ctx, l.resident, engine.InferRequest{
		Samples:  job.samples,
		Language: job.language,
	})
	timedOut := ctx.Err() != nil
	cancel()

	if err != nil {
		if timedOut {
			err = fault.InferenceTimeout(job.id, err)
		} else {
			err = fault.Inference(job.id, err)
		}

		l.inferFailures++
		l.logger.Warn("inference failed",
			zap.String("job", job.id),
			zap.String("variant", job.variant.ID),
			zap.Duration("elapsed", time.Since(started)),
			zap.Int("consecutive_failures", l.inferFailures),
			zap.Error(err))

		if l.inferFailures >= maxConsecutiveInferFailures {
			l.logger.Warn("repeated inference failures, unloading resident model",
				zap.String("variant", l.residentVariant.ID))
			l.evict()
		} else {
			l.setState(StateReady)
		}

		job.done <- localResult{err: err}
		return
	}

	l.inferFailures = 0
	l.setState(StateReady)
	l.logger.Debug("inference finished",
		zap.String("job", job.id),
		zap.Duration("elapsed", time.Since(started)))

	if job.canceled.Load() {
		job.done <- localResult{err: ErrJobCanceled}
		return
	}
	job.done <- localResult{text: text}
}

func (l *Local) swapTo(variant catalog.Variant) error {
	path, err := l.store.ReadyPath(variant.ID)
	if err != nil {
		return err
	}

	if l.resident != nil {
		l.runtime.Unload(l.resident)
		l.resident = nil
		l.residentVariant = catalog.Variant{}
		l.setResident("")
	}

	l.setState(StateLoading)
	l.logger.Info("loading model", zap.String("variant", variant.ID), zap.String("path", path))
	started := time.Now()

	handle, err := l.runtime.Load(context.Background(), path)
	if err != nil {
		l.setState(StateUnloaded)
		return fault.ModelLoad(variant.ID, isTransientLoadError(err), err)
	}

	l.resident = handle
	l.residentVariant = variant
	l.setResident(variant.ID)
	l.setState(StateReady)
	l.logger.Info("model loaded",
		zap.String("variant", variant.ID),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (l *Local) evict() {
	l.mu.Lock()
	l.evictLocked()
	l.mu.Unlock()
}

// evictLocked unloads the resident model. Caller holds l.mu.
func (l *Local) evictLocked() {
	if l.resident == nil {
		l.state = StateUnloaded
		return
	}

	l.runtime.Unload(l.resident)
	l.logger.Info("resident model unloaded", zap.String("variant", l.residentVariant.ID))
	l.resident = nil
	l.residentVariant = catalog.Variant{}
	l.inferFailures = 0
	l.residentID = ""
	l.state = StateUnloaded
}

func (l *Local) setState(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

func (l *Local) setResident(variantID string) {
	l.mu.Lock()
	l.residentID = variantID
	l.mu.Unlock()
}

// defaultInferTimeout scales the per-job deadline with audio length
// and variant speed: slower variants get more headroom. Best effort;
// the native call may outlive the deadline.
func defaultInferTimeout(audioDuration time.Duration, variant catalog.Variant) time.Duration {
	mult := time.Duration(6 - variant.SpeedRating)
	if mult < 1 {
		mult = 1
	}
	return 30*time.Second + 4*mult*audioDuration
}

func isTransientLoadError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "memory") ||
		strings.Contains(message, "alloc") ||
		strings.Contains(message, "mmap")
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/hub"
	"github.com/ethpandaops/dvtoor/pkg/metrics"
	"github.com/ethpandaops/dvtoor/pkg/runstore"
	"github.com/ethpandaops/dvtoor/pkg/suite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownSuite is returned when no module serves the requested
	// category and suite type.
	ErrUnknownSuite = suite.ErrUnknownSuite
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("run not found")
	// ErrNotRunning is returned when cancelling a run that already ended.
	ErrNotRunning = errors.New("run is not running")
	// ErrInvalidRequest is returned for malformed submissions.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnrecorded is returned by Wait when a run finished but its
	// terminal status could not be written to the store.
	ErrUnrecorded = errors.New("terminal status not recorded")
)

// Cancellation causes attached to run contexts.
var (
	errCancelled = errors.New("run cancelled")
	errTimeout   = errors.New("run timed out")
	errShutdown  = errors.New("orchestrator shutting down")

	errAlreadyTerminal = errors.New("run already terminal")
)

// Terminal store writes are retried with doubling delays.
const (
	terminalWriteAttempts = 5
	terminalWriteDelay    = 100 * time.Millisecond
)

// Request asks for one suite to be run.
type Request struct {
	Category  suite.Category
	SuiteType string
	Params    suite.Params
}

// Descriptor describes an available test module.
type Descriptor struct {
	Category   suite.Category `json:"category"`
	Module     string         `json:"module"`
	SuiteTypes []string       `json:"suite_types"`
}

// Exporter receives every run once it reached a terminal status.
type Exporter interface {
	Export(ctx context.Context, run *runstore.Run) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunTimeout bounds every run. Zero disables the bound.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithExporter sets the exporter invoked after terminal updates.
func WithExporter(e Exporter) Option {
	return func(o *Orchestrator) { o.exporter = e }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

type handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Orchestrator accepts run requests, executes them in the background and
// announces lifecycle changes on the hub.
type Orchestrator struct {
	log      logrus.FieldLogger
	registry *suite.Registry
	store    runstore.Store
	hub      *hub.Hub
	metrics  *metrics.Metrics
	exporter Exporter
	timeout  time.Duration

	// retryDelay is the first pause between terminal write attempts.
	retryDelay time.Duration

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*handle
	stopped bool
}

// New creates an orchestrator.
func New(
	log logrus.FieldLogger,
	registry *suite.Registry,
	store runstore.Store,
	h *hub.Hub,
	opts ...Option,
) *Orchestrator {
	ctx, stop := context.WithCancelCause(context.Background())

	o := &Orchestrator{
		log:        log.WithField("component", "orchestrator"),
		registry:   registry,
		store:      store,
		hub:        h,
		retryDelay: terminalWriteDelay,
		baseCtx:    ctx,
		stop:       stop,
		active:     make(map[string]*handle, 16),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Submit validates req, records a running run, announces it and starts
// execution in the background. Validation errors leave no trace.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*runstore.Run, error) {
	if req.SuiteType == "" {
		req.SuiteType = suite.TypeFull
	}

	module, err := o.registry.Lookup(req.Category, req.SuiteType)
	if err != nil {
		return nil, err
	}

	if req.Params.DevicePath == "" {
		return nil, fmt.Errorf("%w: device_path is required", ErrInvalidRequest)
	}

	// Reserve the run's slot in the wait group before anything becomes
	// observable, so Stop either rejects this submission or waits for it.
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()

		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, errShutdown)
	}

	o.wg.Add(1)
	o.mu.Unlock()

	launched := false

	defer func() {
		if !launched {
			o.wg.Done()
		}
	}()

	run := &runstore.Run{
		ID:         fmt.Sprintf("%s-%s", req.Category, uuid.NewString()),
		Category:   string(req.Category),
		SuiteType:  req.SuiteType,
		Status:     runstore.StatusRunning,
		StartTime:  time.Now().UTC(),
		DevicePath: req.Params.DevicePath,
		Devices:    req.Params.Devices,
	}

	if err := o.store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(o.baseCtx)
	h := &handle{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.active[run.ID] = h
	o.mu.Unlock()

	o.hub.Publish(hub.Event{
		Type:      hub.EventStarted,
		RunID:     run.ID,
		Category:  run.Category,
		SuiteType: run.SuiteType,
	})

	o.metrics.RunSubmitted(run.Category, run.SuiteType)

	o.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"category":   run.Category,
		"suite_type": run.SuiteType,
		"device":     run.DevicePath,
	}).Info("Run started")

	launched = true

	go o.execute(runCtx, h, run.Clone(), module, req.Params)

	return run, nil
}

type outcome struct {
	raws []suite.RawResult
	err  error
}

// execute drives a run to its terminal status. The module runs in its own
// goroutine so a module ignoring its context cannot hold the run open once
// the context is done.
func (o *Orchestrator) execute(
	ctx context.Context,
	h *handle,
	run *runstore.Run,
	module suite.Module,
	params suite.Params,
) {
	defer o.wg.Done()

	defer func() {
		o.mu.Lock()
		delete(o.active, run.ID)
		o.mu.Unlock()

		h.cancel(nil)
		close(h.done)
	}()

	log := o.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"category":   run.Category,
		"suite_type": run.SuiteType,
	})

	if o.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeoutCause(ctx, o.timeout, errTimeout)
		defer cancel()
	}

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("module panicked: %v", r)}
			}
		}()

		raws, err := module.Run(ctx, run.SuiteType, params)
		done <- outcome{raws: raws, err: err}
	}()

	var out outcome

	select {
	case out = <-done:
	case <-ctx.Done():
		select {
		case out = <-done:
		default:
			out = outcome{err: context.Cause(ctx)}
		}
	}

	final, err := o.finish(context.WithoutCancel(ctx), ctx, run, module, out)
	if err != nil {
		log.WithError(err).Error("Failed to record terminal status")

		// Subscribers still learn that the run is over; the store keeps
		// the last recorded state and Wait reports ErrUnrecorded.
		final = run.Clone()
		final.Fail(time.Now().UTC(), runstore.ErrorKindExecution,
			fmt.Sprintf("recording terminal status: %v", err))
		o.announce(final)
		o.metrics.RunFinished(final.Category, string(final.Status), string(final.ErrorKind),
			final.EndTime.Sub(final.StartTime))

		return
	}

	o.announce(final)

	duration := final.EndTime.Sub(final.StartTime)
	o.metrics.RunFinished(final.Category, string(final.Status), string(final.ErrorKind), duration)

	entry := log.WithFields(logrus.Fields{
		"status":   final.Status,
		"duration": duration.Round(time.Millisecond).String(),
	})

	if final.Status == runstore.StatusFailed {
		entry.WithFields(logrus.Fields{
			"error":      *final.Error,
			"error_kind": final.ErrorKind,
		}).Warn("Run failed")
	} else {
		passed, failed := final.Results.Summary()
		o.metrics.Records(final.Category, passed, failed)

		entry.WithFields(logrus.Fields{
			"passed": passed,
			"failed": failed,
		}).Info("Run completed")
	}

	if o.exporter != nil {
		if err := o.exporter.Export(context.WithoutCancel(ctx), final); err != nil {
			log.WithError(err).Warn("Failed to export run results")
		}
	}
}

// finish normalizes the outcome and records the single terminal update
// for run, retrying transient store failures.
func (o *Orchestrator) finish(
	storeCtx context.Context,
	runCtx context.Context,
	run *runstore.Run,
	module suite.Module,
	out outcome,
) (*runstore.Run, error) {
	now := time.Now().UTC()

	var apply func(r *runstore.Run)

	if out.err == nil {
		results := suite.Collect(module, run.SuiteType, out.raws)
		apply = func(r *runstore.Run) { r.Complete(now, results) }
	} else {
		kind, msg := o.classify(runCtx, out.err)
		apply = func(r *runstore.Run) { r.Fail(now, kind, msg) }
	}

	mutate := func(r *runstore.Run) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", errAlreadyTerminal, r.ID, r.Status)
		}

		apply(r)

		return nil
	}

	delay := o.retryDelay

	for attempt := 1; ; attempt++ {
		final, err := o.store.Update(storeCtx, run.ID, mutate)
		if err == nil {
			return final, nil
		}

		if attempt == terminalWriteAttempts ||
			errors.Is(err, errAlreadyTerminal) ||
			errors.Is(err, runstore.ErrNotFound) {
			return nil, err
		}

		o.log.WithError(err).WithFields(logrus.Fields{
			"run_id":  run.ID,
			"attempt": attempt,
		}).Warn("Terminal status write failed, retrying")

		timer := time.NewTimer(delay)

		select {
		case <-storeCtx.Done():
			timer.Stop()

			return nil, err
		case <-timer.C:
		}

		delay *= 2
	}
}

func (o *Orchestrator) classify(ctx context.Context, err error) (runstore.ErrorKind, string) {
	if ctx.Err() == nil {
		return runstore.ErrorKindExecution, err.Error()
	}

	cause := context.Cause(ctx)

	switch {
	case errors.Is(cause, errTimeout):
		return runstore.ErrorKindTimeout, fmt.Sprintf("run exceeded timeout of %s", o.timeout)
	case errors.Is(cause, errCancelled):
		return runstore.ErrorKindCancelled, "run cancelled"
	case errors.Is(cause, errShutdown):
		return runstore.ErrorKindCancelled, "run cancelled: service shutting down"
	default:
		return runstore.ErrorKindExecution, err.Error()
	}
}

func (o *Orchestrator) announce(run *runstore.Run) {
	ev := hub.Event{
		RunID:     run.ID,
		Category:  run.Category,
		SuiteType: run.SuiteType,
	}

	if run.Status == runstore.StatusCompleted {
		ev.Type = hub.EventCompleted
		ev.Results = run.Results
	} else {
		ev.Type = hub.EventFailed
		ev.Error = *run.Error
		ev.ErrorKind = string(run.ErrorKind)
	}

	o.hub.Publish(ev)
}

// Get returns a copy of the run.
func (o *Orchestrator) Get(ctx context.Context, id string) (*runstore.Run, error) {
	run, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return nil, err
	}

	return run, nil
}

// List returns every run in submission order.
func (o *Orchestrator) List(ctx context.Context) ([]*runstore.Run, error) {
	return o.store.List(ctx)
}

// Cancel stops a running run. The run ends failed with error kind
// cancelled shortly after; use Wait to observe the terminal state.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*runstore.Run, error) {
	run, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if run.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, run.Status)
	}

	o.mu.Lock()
	h, ok := o.active[id]
	o.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s is finishing", ErrNotRunning, id)
	}

	h.cancel(errCancelled)

	o.log.WithField("run_id", id).Info("Run cancellation requested")

	return run, nil
}

// Wait blocks until the run is terminal or ctx is done. A run that is no
// longer executing but was never recorded as terminal yields ErrUnrecorded
// together with its last stored state.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*runstore.Run, error) {
	o.mu.Lock()
	h, ok := o.active[id]
	o.mu.Unlock()

	if ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	run, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !run.Status.Terminal() {
		return run, fmt.Errorf("%w: %s is still %s", ErrUnrecorded, id, run.Status)
	}

	return run, nil
}

// Describe lists the registered modules and their suite types.
func (o *Orchestrator) Describe() []Descriptor {
	descs := o.registry.Descriptors()
	out := make([]Descriptor, 0, len(descs))

	for _, d := range descs {
		out = append(out, Descriptor{
			Category:   d.Category,
			Module:     d.Module,
			SuiteTypes: d.SuiteTypes(),
		})
	}

	return out
}

// Stop cancels every outstanding run and waits for them to be recorded.
// Submissions after Stop are rejected.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	o.stop(errShutdown)
	o.wg.Wait()
}

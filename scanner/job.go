package scanner

import (
	"context"
	"sync"
	"sync/atomic"

	"regsweep/rules"
)

// EventKind tags a Job event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventFinished
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventFinished:
		return "finished"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered on Job.Events. Finished carries the report, Failed the
// error.
type Event struct {
	Kind      EventKind
	Processed int
	Report    *Report
	Err       error
}

const jobEventBuffer = 64

// Job is a scan running on its own goroutine.
type Job struct {
	cancel    context.CancelFunc
	events    chan Event
	done      chan struct{}
	processed atomic.Int64
	steps     *atomic.Int64

	mu     sync.Mutex
	report *Report
	err    error
}

// Start launches Run in the background. Progress events are dropped when
// the consumer falls behind; the single terminal event is always
// delivered, after which Events is closed.
func Start(ctx context.Context, crit Criteria, specs []rules.RuleSpec, opts Options) *Job {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	j := &Job{
		cancel: cancel,
		events: make(chan Event, jobEventBuffer),
		done:   make(chan struct{}),
		steps:  opts.Steps,
	}
	if j.steps == nil {
		j.steps = new(atomic.Int64)
		opts.Steps = j.steps
	}
	forward := opts.OnProgress
	opts.OnProgress = func(n int) {
		j.processed.Store(int64(n))
		if forward != nil {
			forward(n)
		}
		// keep one slot free for the terminal event
		if len(j.events) < cap(j.events)-1 {
			select {
			case j.events <- Event{Kind: EventProgress, Processed: n}:
			default:
			}
		}
	}
	go func() {
		defer cancel()
		report, err := Run(runCtx, crit, specs, opts)
		j.mu.Lock()
		j.report, j.err = report, err
		j.mu.Unlock()
		if err != nil {
			j.events <- Event{Kind: EventFailed, Processed: int(j.processed.Load()), Err: err}
		} else {
			j.processed.Store(int64(report.Total))
			j.events <- Event{Kind: EventFinished, Processed: report.Total, Report: report}
		}
		close(j.events)
		close(j.done)
	}()
	return j
}

func (j *Job) Events() <-chan Event { return j.events }

func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel asks the run to stop at its next step.
func (j *Job) Cancel() { j.cancel() }

// Processed is the last reported processed count.
func (j *Job) Processed() int { return int(j.processed.Load()) }

// Steps is the live count of key opens and values, updated as the walk
// moves rather than at progress thresholds.
func (j *Job) Steps() int64 { return j.steps.Load() }

// Wait blocks until the run ends and returns its outcome.
func (j *Job) Wait() (*Report, error) {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report, j.err
}

// Package play executes one orchestration action across a selected set of
// containers: the dependency graph is partitioned into layers, layers run
// strictly in order, and containers within a layer run in parallel under
// the play's concurrency cap.
package play

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalfx/maestro-ng/internal/audit"
	"github.com/signalfx/maestro-ng/internal/graph"
	"github.com/signalfx/maestro-ng/internal/logging"
	"github.com/signalfx/maestro-ng/internal/metrics"
	"github.com/signalfx/maestro-ng/internal/model"
	"github.com/signalfx/maestro-ng/internal/orcherr"
	"github.com/signalfx/maestro-ng/internal/progress"
	"github.com/signalfx/maestro-ng/internal/reconcile"
)

// Direction returns the graph traversal direction for an action: mutating
// actions that bring containers up run dependencies first, tear-down
// actions run dependents first.
func Direction(action reconcile.Action) graph.Direction {
	switch action {
	case reconcile.ActionStop, reconcile.ActionKill, reconcile.ActionClean:
		return graph.Reverse
	default:
		return graph.Forward
	}
}

// Options tune one play.
type Options struct {
	// Concurrency caps in-flight container tasks; zero means unbounded.
	Concurrency int
	// WithDependencies pulls the targets' transitive hard dependencies
	// into the play.
	WithDependencies bool
	// IgnoreOrder collapses every selected container into a single layer.
	IgnoreOrder bool
	// StepDelay spaces out task submissions within a layer, for rolling
	// restarts.
	StepDelay time.Duration
}

// Result is the terminal record of one container task.
type Result struct {
	Container *model.Container
	Status    reconcile.Status
	Err       error
	Duration  time.Duration
}

// Applier drives one container through the state machine for one action.
// *reconcile.Reconciler is the production implementation.
type Applier interface {
	Apply(ctx context.Context, action reconcile.Action, c *model.Container) (reconcile.Status, error)
}

// Play runs actions through a reconciler while notifying the audit trail
// and the progress reporter.
type Play struct {
	env      *model.Environment
	graph    *graph.Graph
	rec      Applier
	trail    *audit.Trail
	reporter progress.Reporter
	opts     Options
}

// New assembles a Play. A nil trail or reporter is replaced with a no-op.
func New(env *model.Environment, rec Applier, trail *audit.Trail, reporter progress.Reporter, opts Options) *Play {
	if trail == nil {
		trail = audit.NewTrail()
	}
	if reporter == nil {
		reporter = progress.Nop{}
	}
	if r, ok := rec.(*reconcile.Reconciler); ok {
		r.Reporter = reporter
	}
	return &Play{
		env:      env,
		graph:    graph.New(env),
		rec:      rec,
		trail:    trail,
		reporter: reporter,
		opts:     opts,
	}
}

// Run executes action over targets and returns the per-container results
// keyed by full name. The returned error is non-nil only for configuration
// failures (bad graph, audit refusal); per-container failures are conveyed
// in the results.
func (p *Play) Run(ctx context.Context, action reconcile.Action, targets []*model.Container) (map[string]Result, error) {
	start := time.Now()

	layers, err := p.layers(action, targets)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, layer := range layers {
		for _, c := range layer {
			names = append(names, c.FullName())
		}
	}
	if err := p.trail.PlayStart(ctx, audit.PlayEvent{Action: string(action), Targets: names}); err != nil {
		return nil, err
	}

	results := map[string]Result{}
	var resultsMu sync.Mutex
	record := func(c *model.Container, status reconcile.Status, err error, d time.Duration) {
		resultsMu.Lock()
		results[c.FullName()] = Result{Container: c, Status: status, Err: err, Duration: d}
		resultsMu.Unlock()
	}

	for _, layer := range layers {
		for _, c := range layer {
			p.reporter.Pending(c.FullName())
		}
	}

	aborted := false
	for _, layer := range layers {
		if aborted || ctx.Err() != nil {
			// no new layers start after a failure or an interrupt; the
			// containers never dispatched are terminal as cancelled.
			for _, c := range layer {
				cancelErr := orcherr.Newf(orcherr.KindCancelled, c.FullName(), "play aborted")
				record(c, reconcile.StatusFailed, cancelErr, 0)
				p.reporter.Terminal(c.FullName(), string(reconcile.StatusFailed), cancelErr)
			}
			continue
		}

		var g errgroup.Group
		if p.opts.Concurrency > 0 {
			g.SetLimit(p.opts.Concurrency)
		}
		for _, c := range layer {
			c := c
			if p.opts.StepDelay > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(p.opts.StepDelay):
				}
			}
			g.Go(func() error {
				p.runTask(ctx, action, c, record)
				return nil
			})
		}
		// drain the whole layer before looking at failures; peers of a
		// failed task are never interrupted mid-flight.
		_ = g.Wait()

		resultsMu.Lock()
		for _, c := range layer {
			if res := results[c.FullName()]; res.Status == reconcile.StatusFailed {
				aborted = true
			}
		}
		resultsMu.Unlock()
	}

	sum := p.summarize(string(action), results, time.Since(start))
	metrics.IncPlay(sum.Failed > 0)
	metrics.SetLastPlay(time.Now())
	if err := p.trail.PlayEnd(ctx, sum); err != nil {
		return results, err
	}
	return results, nil
}

func (p *Play) layers(action reconcile.Action, targets []*model.Container) ([][]*model.Container, error) {
	if p.opts.IgnoreOrder || !action.Mutates() {
		flat := append([]*model.Container{}, targets...)
		sort.Slice(flat, func(i, j int) bool { return flat[i].FullName() < flat[j].FullName() })
		if len(flat) == 0 {
			return nil, nil
		}
		// even an unordered play validates the graph, so cycle errors are
		// reported before any RPC is issued.
		if err := p.graph.CheckCycles(); err != nil {
			return nil, err
		}
		return [][]*model.Container{flat}, nil
	}
	return p.graph.Order(targets, !p.opts.WithDependencies, Direction(action))
}

func (p *Play) runTask(ctx context.Context, action reconcile.Action, c *model.Container, record func(*model.Container, reconcile.Status, error, time.Duration)) {
	ev := audit.ContainerEvent{
		Action:    string(action),
		Service:   c.Service.Name,
		Container: c.Name,
		Ship:      c.Ship.Name,
	}
	if err := p.trail.ContainerActionStart(ctx, ev); err != nil {
		logging.Get().Error().Err(err).Str("container", c.FullName()).Msg("audit refused container action")
		record(c, reconcile.StatusFailed, err, 0)
		p.reporter.Terminal(c.FullName(), string(reconcile.StatusFailed), err)
		return
	}

	taskStart := time.Now()
	p.reporter.Stage(c.FullName(), "starting "+string(action))
	status, err := p.rec.Apply(ctx, action, c)
	elapsed := time.Since(taskStart)

	switch status {
	case reconcile.StatusDone:
		metrics.IncActionDone()
	case reconcile.StatusAlready:
		metrics.IncActionAlready()
	default:
		metrics.IncActionFailed()
	}
	metrics.ObserveActionDuration(string(action), elapsed.Seconds())

	record(c, status, err, elapsed)
	p.reporter.Terminal(c.FullName(), string(status), err)
	if auditErr := p.trail.ContainerActionEnd(ctx, audit.ContainerResult{
		ContainerEvent: ev,
		Result:         string(status),
		Err:            err,
		Duration:       elapsed,
	}); auditErr != nil {
		logging.Get().Error().Err(auditErr).Str("container", c.FullName()).Msg("audit refused container result")
	}
}

func (p *Play) summarize(action string, results map[string]Result, elapsed time.Duration) audit.Summary {
	sum := audit.Summary{Action: action, Duration: elapsed}
	for _, r := range results {
		switch r.Status {
		case reconcile.StatusDone:
			sum.Done++
		case reconcile.StatusAlready:
			sum.Already++
		default:
			sum.Failed++
		}
	}
	return sum
}

// Failed reports whether any container in the results failed, the play's
// overall status and the process exit condition.
func Failed(results map[string]Result) bool {
	for _, r := range results {
		if r.Status == reconcile.StatusFailed {
			return true
		}
	}
	return false
}

package jobqueue

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/forgebuild/forge/internal/trace"
	"github.com/forgebuild/forge/internal/unitgraph"
)

// topoOrder sorts units into dependency-before-dependent order via gonum's
// DirectedGraph/topo.Sort, giving the dispatcher a deterministic scan order
// (instead of whatever order unitgraph.AllUnits happened to hand in) and
// catching a cyclic unit graph up front instead of deadlocking in ready().
func topoOrder(units []*unitgraph.Unit) ([]*unitgraph.Unit, error) {
	id := make(map[*unitgraph.Unit]int64, len(units))
	byID := make(map[int64]*unitgraph.Unit, len(units))
	dg := simple.NewDirectedGraph()
	for i, u := range units {
		id[u] = int64(i)
		byID[int64(i)] = u
		dg.AddNode(simple.Node(int64(i)))
	}
	for _, u := range units {
		for _, d := range u.Deps() {
			if _, ok := id[d]; !ok {
				continue
			}
			dg.SetEdge(dg.NewEdge(simple.Node(id[d]), simple.Node(id[u])))
		}
	}
	sorted, err := topo.Sort(dg)
	if err != nil {
		return nil, err
	}
	out := make([]*unitgraph.Unit, 0, len(units))
	for _, n := range sorted {
		out = append(out, byID[n.ID()])
	}
	return out, nil
}

// CompileResult is how a Compiler reports progress on one unit back to the
// scheduler: RmetaReady closes when the unit's metadata-only artifact
// exists (spec.md §4.7 "Pipelining"), and Done delivers the final
// compile error (nil on success) exactly once.
type CompileResult struct {
	RmetaReady <-chan struct{}
	Done       <-chan error
}

// Compiler invokes the actual compiler (or build script) for one unit. A
// real implementation spawns a child process and wires ForwardDiagnostics
// over its stderr and, for RunCustomBuild units, ParseDirectives over its
// stdout; tests substitute a fake.
type Compiler interface {
	Compile(ctx context.Context, u *unitgraph.Unit) CompileResult
}

// Options configures one Scheduler.Run invocation.
type Options struct {
	Workers   int // -j; New raises values <= 0 to 1
	KeepGoing bool
	Log       *log.Logger
}

// Scheduler implements spec.md §4.7: "a single coordinator thread plus a
// bounded pool of worker threads... A jobserver is inherited by child
// compiler invocations so nested parallelism is globally bounded."
type Scheduler struct {
	opts      Options
	compiler  Compiler
	jobserver *Jobserver
	sessionID string
}

// New creates a Scheduler. sessionID, if empty, is generated fresh as a
// random UUID.
func New(opts Options, compiler Compiler, js *Jobserver, sessionID string) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Log == nil {
		opts.Log = log.Default()
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Scheduler{opts: opts, compiler: compiler, jobserver: js, sessionID: sessionID}
}

// SessionID returns the per-invocation id the Scheduler was created with.
// The scheduler does not attach it to diagnostics or trace events.
func (s *Scheduler) SessionID() string { return s.sessionID }

type result struct {
	job *Job
	err error
}

// Run drives units (in any order; dependency order is enforced internally
// via each Unit's Deps()) through the state machine, dispatching Fresh
// units to the isFresh map without invoking the compiler at all.
func (s *Scheduler) Run(ctx context.Context, units []*unitgraph.Unit, isFresh map[*unitgraph.Unit]bool) error {
	order, err := topoOrder(units)
	if err != nil {
		return xerrors.Errorf("unit graph has a cycle: %w", err)
	}
	units = order

	jobs := make(map[*unitgraph.Unit]*Job, len(units))
	for _, u := range units {
		jobs[u] = newJob(u, isFresh[u])
	}

	var (
		mu       sync.Mutex
		failed   = make(map[*unitgraph.Unit]bool)
		cancelled bool
		merr     *multierror.Error
	)

	work := make(chan *Job, len(units))
	done := make(chan result)
	eg, ctx := errgroup.WithContext(ctx)

	isTerminal := isatty.IsTerminal(uintptr(1))

	ready := func(u *unitgraph.Unit, wantFullLinkage bool) bool {
		for _, dep := range u.Deps() {
			dj := jobs[dep]
			if dj == nil {
				continue
			}
			if dj.State() == Errored {
				return false
			}
			if wantFullLinkage {
				if dj.State() != Completed {
					return false
				}
			} else if !dj.rmetaAvailable() {
				return false
			}
		}
		return true
	}

	dependents := make(map[*unitgraph.Unit][]*unitgraph.Unit)
	for _, u := range units {
		for _, d := range u.Deps() {
			dependents[d] = append(dependents[d], u)
		}
	}

	enqueued := make(map[*unitgraph.Unit]bool)
	var enqueueReady func()
	enqueueReady = func() {
		for _, u := range units {
			if enqueued[u] {
				continue
			}
			j := jobs[u]
			if j.State() != Queued {
				continue
			}
			mu.Lock()
			blocked := cancelled && !s.opts.KeepGoing
			mu.Unlock()
			if blocked {
				continue
			}
			if ready(u, needsFullLinkage(u)) {
				enqueued[u] = true
				j.setState(Dispatched, nil)
				select {
				case work <- j:
				case <-ctx.Done():
					return
				}
			}
		}
	}

	for i := 0; i < s.opts.Workers; i++ {
		workerID := i
		eg.Go(func() error {
			for j := range work {
				// Worker 0 runs on the implicit token the jobserver does not
				// preload; every other worker takes a token from the pipe.
				if s.jobserver != nil && workerID != 0 {
					if err := s.jobserver.Acquire(); err != nil {
						return err
					}
				}
				err := s.runOne(ctx, j, workerID)
				if s.jobserver != nil && workerID != 0 {
					s.jobserver.Release()
				}
				select {
				case done <- result{job: j, err: err}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}

	remaining := 0
	for _, u := range units {
		if jobs[u].State() != Completed {
			remaining++
		}
	}

	// skipDependents marks the transitive dependents of a failed unit as
	// Errored without ever dispatching them (spec.md §4.7 "with
	// --keep-going, continues dispatching units whose dep-closure does not
	// include a failed unit" — implying the rest are permanently skipped,
	// not retried). Only called from the single dispatcher goroutine below,
	// so remaining needs no lock here.
	var skipDependents func(failed *unitgraph.Unit)
	skipDependents = func(failed *unitgraph.Unit) {
		for _, dep := range dependents[failed] {
			dj := jobs[dep]
			if dj == nil || dj.State() != Queued {
				continue
			}
			dj.setState(Errored, xerrors.Errorf("dependency %s failed", failed.UnitID))
			remaining--
			skipDependents(dep)
		}
	}

	go func() {
		defer close(work)
		enqueueReady()
		succeeded, failedN := 0, 0
		for remaining > 0 {
			select {
			case r := <-done:
				remaining--
				if r.err != nil {
					r.job.setState(Errored, r.err)
					mu.Lock()
					failed[r.job.Unit] = true
					cancelled = true
					merr = multierror.Append(merr, xerrors.Errorf("unit %s: %w", r.job.Unit.UnitID, r.err))
					mu.Unlock()
					failedN++
					s.opts.Log.Printf("build of %s failed: %v", r.job.Unit.Pkg.String(), r.err)
					skipDependents(r.job.Unit)
					if !s.opts.KeepGoing {
						// spec.md §4.7 "stops dispatching new units": every
						// not-yet-dispatched unit is permanently skipped,
						// not merely deferred.
						for _, u := range units {
							uj := jobs[u]
							if uj.State() == Queued {
								uj.setState(Errored, xerrors.New("build cancelled after an earlier unit failed"))
								remaining--
							}
						}
					}
				} else {
					r.job.setState(Completed, nil)
					succeeded++
				}
				if isTerminal {
					s.opts.Log.Printf("%s",
						humanize.Comma(int64(succeeded+failedN))+" of "+humanize.Comma(int64(len(units)))+" units")
				}
				enqueueReady()
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := eg.Wait(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if merr != nil {
		return merr.ErrorOrNil()
	}
	return nil
}

// runOne performs the Dispatched -> {Completed | Errored} transition for
// one unit, waiting for rmeta-readiness to flip dependents loose without
// blocking this goroutine.
func (s *Scheduler) runOne(ctx context.Context, j *Job, workerID int) error {
	ev := trace.Event(traceEventName(j.Unit), workerID)
	defer ev.Done()

	cr := s.compiler.Compile(ctx, j.Unit)
	if cr.RmetaReady != nil {
		go func() {
			select {
			case <-cr.RmetaReady:
				j.markRmetaReady()
			case <-ctx.Done():
			}
		}()
	}
	select {
	case err := <-cr.Done:
		if err == nil {
			j.markRmetaReady()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func traceEventName(u *unitgraph.Unit) string {
	return fmt.Sprintf("%s %s", u.Mode, u.Pkg.Name())
}

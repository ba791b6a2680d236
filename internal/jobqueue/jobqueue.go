// Package jobqueue implements spec.md §4.7: the scheduler that turns a
// unitgraph.Graph into a sequence of compiler invocations, bounded by a
// worker pool and a jobserver token bucket, with pipelining, diagnostic
// forwarding, and the build-script cargo: directive protocol.
package jobqueue

import (
	"fmt"
	"sync"

	"github.com/forgebuild/forge/internal/unitgraph"
)

// State is a unit's position in spec.md §4.7's state machine:
//
//	Queued --ready?--> Dispatched --run--> {Completed | Errored}
//
// Fresh units skip straight from Queued to Completed.
type State int

const (
	Queued State = iota
	Dispatched
	Completed
	Errored
)

func (s State) String() string {
	switch s {
	case Dispatched:
		return "dispatched"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	default:
		return "queued"
	}
}

// Job tracks one Unit's progress through the scheduler.
type Job struct {
	Unit  *unitgraph.Unit
	Fresh bool // computed up front via internal/fingerprint.IsFresh

	mu         sync.Mutex
	state      State
	err        error
	rmetaReady bool // spec.md §4.7 "Pipelining"
}

func newJob(u *unitgraph.Unit, fresh bool) *Job {
	j := &Job{Unit: u, Fresh: fresh}
	if fresh {
		j.state = Completed
		j.rmetaReady = true
	}
	return j
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s State, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
	j.err = err
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// markRmetaReady records that this job's .rmeta metadata-only artifact is
// available, letting rmeta-only dependents (Check units, front-end-only
// consumers) become ready before this job fully completes.
func (j *Job) markRmetaReady() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rmetaReady = true
}

func (j *Job) rmetaAvailable() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rmetaReady
}

// needsFullLinkage reports whether dependent d requires dep's full
// artifact (rlib/executable) rather than just its rmeta. Only Check-mode
// dependents can proceed on rmeta alone (spec.md §4.7 "dependents that only
// need .rmeta ... become ready at that point").
func needsFullLinkage(dependent *unitgraph.Unit) bool {
	return dependent.Mode != unitgraph.Check
}

// errCompileFailed implements spec.md §4.7's exit-code wrapping rule: exit
// codes < 128 are wrapped with "could not compile `<name>`"; codes >= 128
// (signals, Windows abort codes) are reported verbatim.
func errCompileFailed(pkgName string, exitCode int, cause error) error {
	if exitCode >= 128 {
		return cause
	}
	return fmt.Errorf("could not compile `%s`: %w", pkgName, cause)
}

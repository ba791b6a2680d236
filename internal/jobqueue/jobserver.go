package jobqueue

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Jobserver is the OS pipe-backed token bucket spec.md §4.7 names: "inherited
// by child compiler invocations so nested parallelism is globally bounded."
// It follows the GNU make jobserver protocol: N-1 single-byte tokens are
// preloaded into a pipe (the scheduler itself holds the implicit Nth token),
// acquired by reading one byte and released by writing it back, so a child
// process that inherits the pipe's read/write fds can participate in the
// same bound.
type Jobserver struct {
	r, w int // raw fds, suitable for inheriting into a spawned child's ExtraFiles
	n    int
}

// NewJobserver creates a jobserver bounding total concurrency (including the
// scheduler's own workers) to n.
func NewJobserver(n int) (*Jobserver, error) {
	if n < 1 {
		n = 1
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("jobqueue: creating jobserver pipe: %w", err)
	}
	js := &Jobserver{r: fds[0], w: fds[1], n: n}
	tok := make([]byte, n-1)
	for i := range tok {
		tok[i] = '+'
	}
	if len(tok) > 0 {
		if _, err := unix.Write(js.w, tok); err != nil {
			return nil, fmt.Errorf("jobqueue: seeding jobserver tokens: %w", err)
		}
	}
	return js, nil
}

// Acquire blocks until a token is available. The scheduler's own worker
// slots call this before dispatching a unit; a worker that already holds
// the implicit Nth slot need not call Acquire at all.
func (j *Jobserver) Acquire() error {
	buf := make([]byte, 1)
	for {
		n, err := unix.Read(j.r, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("jobqueue: acquiring jobserver token: %w", err)
		}
		if n == 1 {
			return nil
		}
	}
}

// Release returns a token to the pool.
func (j *Jobserver) Release() {
	buf := []byte{'+'}
	for {
		_, err := unix.Write(j.w, buf)
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Fds returns the read/write ends to inherit into a spawned compiler child
// (e.g. via exec.Cmd.ExtraFiles), the way a real jobserver is advertised to
// children through MAKEFLAGS.
func (j *Jobserver) Fds() (r, w int) { return j.r, j.w }

// Close releases the pipe's fds.
func (j *Jobserver) Close() error {
	err1 := unix.Close(j.r)
	err2 := unix.Close(j.w)
	if err1 != nil {
		return err1
	}
	return err2
}

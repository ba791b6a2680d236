// Package trace emits per-unit build spans in Chrome's JSON trace event
// format, the same wire shape distri used for build-host profiling. Here it
// records scheduler/unit timing instead of host CPU/memory counters: each
// dispatched unit gets one complete ("X") span on the worker's thread-id lane, so
// a build's overlap (spec.md §4.7 "Pipelining") is visible in a trace
// viewer.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var start = time.Now()

var (
	sinkMu sync.Mutex
	sink   io.Writer = ioutil.Discard
)

// Sink writes all following Event()s as a Chrome trace event file into w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	w.Write([]byte{'['}) // JSON Array Format; the closing ']' is optional
}

// Enable is a convenience function for creating a file in
// $TMPDIR/forge.traces/prefix.sessionID, keyed by the build session id so
// concurrent invocations of forge don't clobber each other's trace.
func Enable(prefix, sessionID string) error {
	fn := filepath.Join(os.TempDir(), "forge.traces", fmt.Sprintf("%s.%s", prefix, sessionID))
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

// PendingEvent is a begin-to-Done() span on one worker lane.
type PendingEvent struct {
	Name           string      `json:"name"`
	Categories     string      `json:"cat"`
	Type           string      `json:"ph"`
	ClockTimestamp uint64      `json:"ts"`
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"`
	Tid            uint64      `json:"tid"`
	Args           interface{} `json:"args"`

	start time.Time
}

// Done closes the span and writes it to the sink.
func (pe *PendingEvent) Done() {
	pe.Duration = uint64(time.Since(pe.start) / time.Microsecond)
	b, err := json.Marshal(pe)
	if err != nil {
		panic(err)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[trace] %v", err)
	}
}

// Event starts a span named name on worker lane tid (spec.md §4.7: each
// worker thread dispatches one unit at a time, so tid doubles as the
// worker-slot index).
func Event(name string, tid int) *PendingEvent {
	return &PendingEvent{
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		start:          time.Now(),
	}
}

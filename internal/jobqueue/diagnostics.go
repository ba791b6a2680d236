package jobqueue

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// CompilerMessage is the "from-compiler" event spec.md §4.7 names, emitted
// on stdout in JSON mode.
type CompilerMessage struct {
	PackageID string          `json:"package_id"`
	Target    string          `json:"target"`
	Message   json.RawMessage `json:"message"`
}

// DiagnosticSink receives forwarded diagnostics. Exactly one of Rendered or
// Event fires per JSON line; Verbatim fires for any non-JSON stderr line.
type DiagnosticSink struct {
	Rendered func(text string)          // human mode passthrough
	Event    func(msg CompilerMessage)  // JSON mode, written to stdout
	Verbatim func(line string)          // forwarded to the user's stderr unchanged
	JSONMode bool
}

// ForwardDiagnostics scans a compiler child's stderr per spec.md §4.7:
// "Lines beginning with `{` on stderr are parsed as JSON and routed to
// either a rendered diagnostic passthrough... or a from-compiler event...
// Non-JSON stderr lines are forwarded verbatim."
func ForwardDiagnostics(stderr io.Reader, pkgID, target string, sink DiagnosticSink) error {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "{") {
			if sink.Verbatim != nil {
				sink.Verbatim(line)
			}
			continue
		}
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			// malformed JSON despite the `{` prefix: treat as verbatim,
			// never fatal to the build.
			if sink.Verbatim != nil {
				sink.Verbatim(line)
			}
			continue
		}
		if sink.JSONMode {
			if sink.Event != nil {
				sink.Event(CompilerMessage{PackageID: pkgID, Target: target, Message: raw})
			}
		} else if sink.Rendered != nil {
			sink.Rendered(renderedText(raw))
		}
	}
	return sc.Err()
}

// renderedText extracts the compiler's pre-rendered human text from a
// diagnostic JSON object (the "rendered" field, matching rustc's
// --error-format=json shape), falling back to the raw JSON if absent.
func renderedText(raw json.RawMessage) string {
	var obj struct {
		Rendered string `json:"rendered"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Rendered != "" {
		return obj.Rendered
	}
	return string(raw)
}

// ExitCodeError wraps a non-zero exit per spec.md §4.7's wrapping rule.
func ExitCodeError(pkgName string, exitCode int, cause error) error {
	return errCompileFailed(pkgName, exitCode, cause)
}

// WarningBuffer accumulates cargo:warning directives, surfaced only if the
// owning package is a workspace member or the build failed (spec.md §4.7
// table, "Buffered; surfaced iff...").
type WarningBuffer struct {
	lines []string
}

func (w *WarningBuffer) Add(line string) { w.lines = append(w.lines, line) }

// Flush returns the buffered warnings if show is true, else discards them.
func (w *WarningBuffer) Flush(show bool) []string {
	if !show {
		w.lines = nil
		return nil
	}
	out := w.lines
	w.lines = nil
	return out
}

// Package trace emits the line-delimited JSON await/resume/wait/complete
// event stream described in spec §6, and converts it into a Chrome
// Trace Event Format document (§1.2) for visualization with
// chrome://tracing or the Perfetto UI.
//
// The emitter is kept independent of operational logging (internal/config's
// LoggingConfig) so the trace stream can be redirected to its own file, the
// same separation the teacher keeps between dashboard and engine logging.
package trace

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MyEvent is the coarse phase of a traced await point.
type MyEvent string

const (
	Await    MyEvent = "await"
	Resume   MyEvent = "resume"
	Wait     MyEvent = "wait"
	Complete MyEvent = "complete"
)

// Event is one line of the trace stream. Fields mirror spec §6 exactly so
// a Go-emitted trace file is interchangeable with the original Python
// implementation's output.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	FuncName    string    `json:"func_name"`
	Event       string    `json:"event"`
	MyEvent     MyEvent   `json:"my_event"`
	CurrentTask int64     `json:"current_task"`
	Clazz       string    `json:"clazz"`
	Symbol      string    `json:"symbol,omitempty"`
	Depends     []int64   `json:"depends,omitempty"`
}

// Emitter writes Events as line-delimited JSON to an underlying writer.
// It is safe for concurrent use by multiple task goroutines.
type Emitter struct {
	mu      sync.Mutex // serializes Encode calls
	enc     *json.Encoder
	nextTID int64
}

// NewEmitter wraps w (typically an *os.File opened for the configured
// trace path) in a line-delimited JSON encoder.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{enc: json.NewEncoder(w)}
}

// NextTaskID hands out a monotonically increasing task id, the Go stand-in
// for the source's coroutine object identity used as `current_task`.
func (e *Emitter) NextTaskID() int64 {
	return atomic.AddInt64(&e.nextTID, 1)
}

// Emit writes one trace line. Encoding errors are logged, not returned —
// a broken trace sink must never perturb the reconciliation core it is
// observing. The timestamp is written without a zone, in the
// "2006-01-02T15:04:05.000000" layout that Convert parses.
func (e *Emitter) Emit(ev Event) {
	line := struct {
		Event
		Timestamp string `json:"timestamp"`
	}{ev, ev.Timestamp.Format("2006-01-02T15:04:05.000000")}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(line); err != nil {
		slog.Default().Warn("trace emit failed", "error", err)
	}
}

// discardWriter swallows every write; it backs NewNopEmitter, used when
// trace.enabled is false.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// NewNopEmitter returns an Emitter that discards all events.
func NewNopEmitter() *Emitter {
	return NewEmitter(discardWriter{})
}

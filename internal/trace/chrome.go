package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// chromeEvent is one entry in a Chrome Trace Event Format document's
// traceEvents array. Fields match the subset the original
// trace_to_chrome.py emits: a name on begin events only, category,
// phase ("B"/"E"), timestamp in microseconds, process/thread id, a
// per-line event counter as id, and the pass-through arg fields.
type chromeEvent struct {
	Name string         `json:"name,omitempty"`
	Cat  string         `json:"cat"`
	Ph   string         `json:"ph"`
	Ts   float64        `json:"ts"`
	Pid  string         `json:"pid"`
	Tid  string         `json:"tid"`
	ID   int            `json:"id"`
	Args map[string]any `json:"args,omitempty"`
}

// ChromeTrace is the top-level document chrome://tracing and Perfetto
// both accept.
type ChromeTrace struct {
	TraceEvents     []chromeEvent `json:"traceEvents"`
	DisplayTimeUnit string        `json:"displayTimeUnit"`
}

// rawLine is the loosely-typed shape a trace line is read into before
// being filtered to genuine await/resume/wait/complete events — mirroring
// load_file_as_line_by_line_json/filter_my_event_log_only in the source,
// which skip any line that fails to parse or lacks a recognized
// `my_event`.
type rawLine struct {
	Timestamp string `json:"timestamp"`
	FuncName  string `json:"func_name"`
	Event     string `json:"event"`
	MyEvent   string `json:"my_event"`
	Symbol    string `json:"symbol"`
	Clazz     string `json:"clazz"`
	Task      int64  `json:"current_task"`

	Lineno             any `json:"lineno,omitempty"`
	Depends            any `json:"depends,omitempty"`
	Filename           any `json:"filename,omitempty"`
	EventRev           any `json:"event_rev,omitempty"`
	WaitUpdateCounter  any `json:"wait_update_counter,omitempty"`
}

func (r rawLine) args() map[string]any {
	m := map[string]any{}
	add := func(k string, v any) {
		if v != nil {
			m[k] = v
		}
	}
	add("lineno", r.Lineno)
	add("depends", r.Depends)
	add("filename", r.Filename)
	add("event_rev", r.EventRev)
	add("wait_update_counter", r.WaitUpdateCounter)
	if len(m) == 0 {
		return nil
	}
	return m
}

// The source tries these two layouts in order (with, then without,
// fractional seconds) — try_parse_time in trace_to_chrome.py.
var traceTimeLayouts = []string{
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseTraceTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range traceTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, fmt.Errorf("parse trace timestamp %q: %w", s, firstErr)
}

// Convert reads a line-delimited JSON trace stream from r and produces a
// Chrome Trace Event Format document, per spec §6 and the original
// trace_to_chrome.py: group by `symbol` (process) and
// `clazz.func_name:current_task` (thread), emit begin/end pairs for
// await/resume and wait/complete, and carry a fixed set of diagnostic
// fields into each event's `args`. The thread id is the line's own
// clazz.func_name:current_task string, used verbatim; exhausted thread ids
// are not recycled, so every distinct current_task gets its own thread row.
func Convert(r io.Reader) (ChromeTrace, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var events []chromeEvent
	var firstTS *time.Time
	counter := 0

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw rawLine
		if err := json.Unmarshal(line, &raw); err != nil {
			continue // malformed line: skip, matching load_file_as_line_by_line_json
		}
		switch raw.MyEvent {
		case "await", "resume", "wait", "complete":
		default:
			continue
		}

		ts, err := parseTraceTime(raw.Timestamp)
		if err != nil {
			continue
		}
		if firstTS == nil {
			firstTS = &ts
		}
		offsetMicros := float64(ts.Sub(*firstTS).Microseconds())

		args := raw.args()

		switch raw.MyEvent {
		case "await":
			events = append(events, chromeEvent{
				Name: raw.Event, Cat: "function", Ph: "B", Ts: offsetMicros,
				Pid: raw.Symbol, Tid: threadID(raw.Clazz, raw.FuncName, raw.Task),
				ID: counter, Args: args,
			})
		case "resume":
			events = append(events, chromeEvent{
				Cat: "function", Ph: "E", Ts: offsetMicros,
				Pid: raw.Symbol, Tid: threadID(raw.Clazz, raw.FuncName, raw.Task),
				ID: counter, Args: args,
			})
		case "wait":
			events = append(events, chromeEvent{
				Name: raw.Event, Cat: "function", Ph: "B", Ts: offsetMicros,
				Pid: "mainloop", Tid: "mainloop",
				ID: counter, Args: args,
			})
		case "complete":
			events = append(events, chromeEvent{
				Cat: "function", Ph: "E", Ts: offsetMicros,
				Pid: "mainloop", Tid: "mainloop",
				ID: counter, Args: args,
			})
		}
		counter++
	}
	if err := scanner.Err(); err != nil {
		return ChromeTrace{}, fmt.Errorf("scan trace: %w", err)
	}

	return ChromeTrace{TraceEvents: events, DisplayTimeUnit: "ns"}, nil
}

func threadID(clazz, funcName string, task int64) string {
	return fmt.Sprintf("%s.%s:%d", clazz, funcName, task)
}

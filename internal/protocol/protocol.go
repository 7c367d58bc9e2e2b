// Package protocol defines the messages exchanged between the pool
// coordinator and its worker processes, and their line framing.
//
// The coordinator writes one Task per line to the worker's stdin; the
// worker answers with exactly one Outcome per line on its stdout. Lines
// that are not JSON objects are skipped, so stray output from the worker
// cannot break the channel.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Task describes one unit of work: the steps to run for one package.
// Tasks are immutable once created.
type Task struct {
	ID      string   `json:"id"`
	Package string   `json:"package"`
	Dir     string   `json:"dir,omitempty"` // package directory, when known
	Steps   []string `json:"steps,omitempty"`
	Args    []string `json:"args,omitempty"` // extra flags for the test step
}

// NewTask returns a Task identified by its package path.
func NewTask(pkg string, steps, args []string) Task {
	return Task{ID: pkg, Package: pkg, Steps: steps, Args: args}
}

// Status distinguishes a successful outcome from a failed one.
type Status string

const (
	Pass Status = "pass"
	Fail Status = "fail"
	Skip Status = "skip" // never dispatched
)

// Outcome is the result of one execution attempt of a Task.
type Outcome struct {
	Task    string          `json:"task"` // Task.ID this outcome answers
	Status  Status          `json:"status"`
	Message string          `json:"message,omitempty"` // failure text
	Payload json.RawMessage `json:"payload,omitempty"` // forwarded verbatim
	Elapsed time.Duration   `json:"elapsed,omitempty"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Status == Pass
}

// Passed builds a success outcome for t carrying payload.
func Passed(t Task, payload any) Outcome {
	return Outcome{Task: t.ID, Status: Pass}.With(payload)
}

// With returns a copy of o carrying payload. A payload that cannot be
// marshalled is dropped.
func (o Outcome) With(payload any) Outcome {
	if payload == nil {
		return o
	}
	if data, err := json.Marshal(payload); err == nil {
		o.Payload = data
	}
	return o
}

// Failed builds a failure outcome for t.
func Failed(t Task, format string, args ...any) Outcome {
	return Outcome{Task: t.ID, Status: Fail, Message: fmt.Sprintf(format, args...)}
}

// Encoder writes newline-delimited JSON messages. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v as a single line.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// maxLine bounds a single message. Payloads carry parsed summaries, not
// raw tool output, so this is generous.
const maxLine = 16 << 20

// Decoder reads newline-delimited JSON messages.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Decoder{sc: sc}
}

// Next decodes the next JSON object line into v. Blank lines and lines
// that do not decode are skipped. It returns io.EOF when the stream ends.
func (d *Decoder) Next(v any) error {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			continue
		}
		return nil
	}
	if err := d.sc.Err(); err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	return io.EOF
}

package telemetry

import (
	"context"
	"sync"
)

// Event is one recorded emission.
type Event struct {
	Name       string
	Attributes Attributes
	Value      float64

	// Model / Tool / Status / Reason carry the metric-specific attributes
	// that were attached, when any.
	Model    string
	Tool     string
	Status   string
	Reason   string
	Original string
	Fallback string
	Index    int
}

// Recorder is an Emitter that captures every emission for test assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Emitter = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByName returns recorded events for one metric name.
func (r *Recorder) ByName(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) RunStarted(ctx context.Context, a Attributes) {
	r.record(Event{Name: NameRuns, Attributes: a, Value: 1, Status: "start"})
}

func (r *Recorder) RunEnded(ctx context.Context, a Attributes, status string) {
	r.record(Event{Name: NameRuns, Attributes: a, Value: 1, Status: status})
}

func (r *Recorder) Iteration(ctx context.Context, a Attributes, idx int) {
	r.record(Event{Name: NameIterations, Attributes: a, Value: 1, Index: idx})
}

func (r *Recorder) ToolCall(ctx context.Context, a Attributes, tool string) {
	r.record(Event{Name: NameToolCalls, Attributes: a, Value: 1, Tool: tool})
}

func (r *Recorder) ModelCost(ctx context.Context, a Attributes, model string, cost float64) {
	r.record(Event{Name: NameCostModel, Attributes: a, Value: cost, Model: model})
}

func (r *Recorder) ToolCost(ctx context.Context, a Attributes, tool string, cost float64) {
	r.record(Event{Name: NameCostTool, Attributes: a, Value: cost, Tool: tool})
}

func (r *Recorder) TotalCost(ctx context.Context, a Attributes, cost float64) {
	r.record(Event{Name: NameCostTotal, Attributes: a, Value: cost})
}

func (r *Recorder) Tokens(ctx context.Context, a Attributes, model string, in, out int64) {
	r.record(Event{Name: NameTokensInput, Attributes: a, Value: float64(in), Model: model})
	r.record(Event{Name: NameTokensOutput, Attributes: a, Value: float64(out), Model: model})
}

func (r *Recorder) Downgrade(ctx context.Context, a Attributes, original, fallback, reason string) {
	r.record(Event{Name: NameDowngradeEvents, Attributes: a, Value: 1,
		Original: original, Fallback: fallback, Reason: reason})
}

func (r *Recorder) Rejection(ctx context.Context, a Attributes, reason string) {
	r.record(Event{Name: NameRejectionEvents, Attributes: a, Value: 1, Reason: reason})
}

func (r *Recorder) Halt(ctx context.Context, a Attributes, reason string) {
	r.record(Event{Name: NameHaltEvents, Attributes: a, Value: 1, Reason: reason})
}

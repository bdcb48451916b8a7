package harness

import (
	"fmt"

	"github.com/roach88/optisync/internal/canon"
)

// Record is one scenario entity. Its "id" field is the collection key.
type Record map[string]any

func recordKey(r Record) string {
	if id, ok := r["id"].(string); ok {
		return id
	}
	return fmt.Sprint(r["id"])
}

// merged returns a copy of r with set applied.
func (r Record) merged(set Record) Record {
	out := make(Record, len(r)+len(set))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range set {
		out[k] = v
	}
	return out
}

// TraceEvent is the settled state after one step.
type TraceEvent struct {
	Step     int      `json:"step"`
	Action   string   `json:"action"`
	Mutation string   `json:"mutation,omitempty"`
	ID       string   `json:"id,omitempty"`
	Status   string   `json:"status,omitempty"`
	Error    string   `json:"error,omitempty"`
	Updating bool     `json:"updating"`
	Visible  []Record `json:"visible"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed assertion.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Final returns the last trace event, or the zero event for an empty trace.
func (r *Result) Final() TraceEvent {
	if len(r.Trace) == 0 {
		return TraceEvent{}
	}
	return r.Trace[len(r.Trace)-1]
}

func sameRecords(a, b []Record) bool {
	if a == nil {
		a = []Record{}
	}
	if b == nil {
		b = []Record{}
	}
	return canon.Equal(a, b)
}

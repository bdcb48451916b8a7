package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/optisync/internal/canon"
	"github.com/roach88/optisync/internal/optimistic"
)

// AssertionError is a failed assertion with the trace for context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", ev.Step, ev.Action, ev.Mutation, ev.Status)
		}
	}
	return buf.String()
}

func (h *Harness) evaluate(result *Result, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		if err := h.check(result, a); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func (h *Harness) check(result *Result, a Assertion) error {
	switch a.Type {
	case AssertVisible:
		return assertVisible(result, a)
	case AssertStatus:
		return h.assertStatus(result, a)
	case AssertError:
		return h.assertError(result, a)
	case AssertUpdating:
		return assertUpdating(result, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertVisible(result *Result, a Assertion) error {
	got := result.Final().Visible
	if sameRecords(got, a.Items) {
		return nil
	}
	return &AssertionError{
		Type:     AssertVisible,
		Expected: render(a.Items),
		Actual:   render(got),
		Trace:    result.Trace,
	}
}

func (h *Harness) assertStatus(result *Result, a Assertion) error {
	hd := h.held[a.Mutation]
	if hd == nil {
		return fmt.Errorf("status: unknown mutation %q", a.Mutation)
	}
	got := hd.mut.Status()
	if got.String() == a.Status {
		return nil
	}
	return &AssertionError{
		Type:     AssertStatus,
		Expected: fmt.Sprintf("%s is %s", a.Mutation, a.Status),
		Actual:   got.String(),
		Trace:    result.Trace,
	}
}

// assertError checks the failure kind. An empty kind asserts the mutation
// resolved without error.
func (h *Harness) assertError(result *Result, a Assertion) error {
	hd := h.held[a.Mutation]
	if hd == nil {
		return fmt.Errorf("error: unknown mutation %q", a.Mutation)
	}
	if hd.mut.Status() == optimistic.StatusPending {
		return &AssertionError{
			Type:     AssertError,
			Expected: fmt.Sprintf("%s resolved", a.Mutation),
			Actual:   "pending",
			Trace:    result.Trace,
		}
	}

	want := ""
	if a.Kind != "" {
		k, err := parseKind(a.Kind)
		if err != nil {
			return err
		}
		want = string(k)
	}
	got := string(h.errorKind(a.Mutation))
	if got == want {
		return nil
	}
	return &AssertionError{
		Type:     AssertError,
		Expected: fmt.Sprintf("%s error %q", a.Mutation, want),
		Actual:   fmt.Sprintf("%q", got),
		Trace:    result.Trace,
	}
}

func assertUpdating(result *Result, a Assertion) error {
	got := result.Final().Updating
	if got == *a.Updating {
		return nil
	}
	return &AssertionError{
		Type:     AssertUpdating,
		Expected: fmt.Sprintf("updating=%t", *a.Updating),
		Actual:   fmt.Sprintf("updating=%t", got),
		Trace:    result.Trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Action == a.Action {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
		Actual:   fmt.Sprintf("%d occurrences", count),
		Trace:    trace,
	}
}

func render(items []Record) string {
	if items == nil {
		items = []Record{}
	}
	b, err := canon.Marshal(items)
	if err != nil {
		return fmt.Sprintf("%v", items)
	}
	return string(b)
}

package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/optisync/internal/change"
	"github.com/roach88/optisync/internal/optimistic"
	"github.com/roach88/optisync/internal/syncerr"
)

// Scenario is a scripted sequence of mutations, releases and remote
// events against one collection.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Serialization is per_key (default) or concurrent.
	Serialization string `yaml:"serialization,omitempty"`

	// Initial seeds the collection as confirmed state.
	Initial []Record `yaml:"initial,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step holds exactly one action.
type Step struct {
	Insert  *MutationStep `yaml:"insert,omitempty"`
	Update  *MutationStep `yaml:"update,omitempty"`
	Remove  *MutationStep `yaml:"remove,omitempty"`
	Event   *EventStep    `yaml:"event,omitempty"`
	Release *ReleaseStep  `yaml:"release,omitempty"`
}

// Action names the step's action.
func (s Step) Action() string {
	switch {
	case s.Insert != nil:
		return "insert"
	case s.Update != nil:
		return "update"
	case s.Remove != nil:
		return "remove"
	case s.Event != nil:
		return "event"
	case s.Release != nil:
		return "release"
	default:
		return ""
	}
}

func (s Step) actionCount() int {
	n := 0
	for _, set := range []bool{s.Insert != nil, s.Update != nil, s.Remove != nil, s.Event != nil, s.Release != nil} {
		if set {
			n++
		}
	}
	return n
}

// MutationStep issues an optimistic mutation whose commit waits for a
// release step naming it.
type MutationStep struct {
	// As names the mutation for release steps and assertions.
	As string `yaml:"as"`

	// ID is the target of update and remove.
	ID string `yaml:"id,omitempty"`

	// Item is the provisional entity of an insert.
	Item Record `yaml:"item,omitempty"`

	// Set lists the fields an update changes.
	Set Record `yaml:"set,omitempty"`

	NoRollback bool `yaml:"no_rollback,omitempty"`
}

// EventStep delivers a remote change through the realtime merge rules.
type EventStep struct {
	Kind string `yaml:"kind"`
	ID   string `yaml:"id,omitempty"`
	Item Record `yaml:"item,omitempty"`
}

// ReleaseStep scripts the outcome of a held commit.
type ReleaseStep struct {
	Mutation string `yaml:"mutation"`

	// Error fails the commit with this kind (transient, invalid, ...).
	Error string `yaml:"error,omitempty"`

	// Value is the authority's response. When absent the authority echoes
	// what the client speculated.
	Value Record `yaml:"value,omitempty"`
}

// Assertion checks the outcome.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Items is the exact visible list (visible).
	Items []Record `yaml:"items,omitempty"`

	// Mutation names the mutation (status, error).
	Mutation string `yaml:"mutation,omitempty"`

	Status string `yaml:"status,omitempty"`
	Kind   string `yaml:"kind,omitempty"`

	// Updating is the expected pending state (updating).
	Updating *bool `yaml:"updating,omitempty"`

	// Action and Count check how many steps of a kind ran (trace_count).
	Action string `yaml:"action,omitempty"`
	Count  int    `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertVisible    = "visible"
	AssertStatus     = "status"
	AssertError      = "error"
	AssertUpdating   = "updating"
	AssertTraceCount = "trace_count"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := optimistic.ParseSerialization(s.Serialization); err != nil {
		return err
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, item := range s.Initial {
		if recordKey(item) == "" || item["id"] == nil {
			return fmt.Errorf("initial[%d]: id is required", i)
		}
	}

	declared := make(map[string]bool)
	for i, step := range s.Steps {
		if n := step.actionCount(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, n)
		}
		if err := validateStep(step, declared); err != nil {
			return fmt.Errorf("steps[%d] (%s): %w", i, step.Action(), err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, declared); err != nil {
			return fmt.Errorf("assertions[%d] (%s): %w", i, a.Type, err)
		}
	}
	return nil
}

func validateStep(step Step, declared map[string]bool) error {
	switch {
	case step.Insert != nil, step.Update != nil, step.Remove != nil:
		m := mutationOf(step)
		if m.As == "" {
			return fmt.Errorf("as is required")
		}
		if declared[m.As] {
			return fmt.Errorf("mutation %q declared twice", m.As)
		}
		declared[m.As] = true
		if step.Insert != nil && (m.Item == nil || m.Item["id"] == nil) {
			return fmt.Errorf("item with an id is required")
		}
		if step.Insert == nil && m.ID == "" {
			return fmt.Errorf("id is required")
		}
		if step.Update != nil && len(m.Set) == 0 {
			return fmt.Errorf("set is required")
		}
	case step.Event != nil:
		kind, err := change.ParseKind(step.Event.Kind)
		if err != nil {
			return err
		}
		if kind == change.Delete && step.Event.ID == "" {
			return fmt.Errorf("id is required for delete events")
		}
		if kind != change.Delete && (step.Event.Item == nil || step.Event.Item["id"] == nil) {
			return fmt.Errorf("item with an id is required")
		}
	case step.Release != nil:
		if !declared[step.Release.Mutation] {
			return fmt.Errorf("unknown mutation %q", step.Release.Mutation)
		}
		if step.Release.Error != "" {
			if _, err := parseKind(step.Release.Error); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateAssertion(a Assertion, declared map[string]bool) error {
	switch a.Type {
	case AssertVisible:
		return nil
	case AssertStatus, AssertError:
		if !declared[a.Mutation] {
			return fmt.Errorf("unknown mutation %q", a.Mutation)
		}
		if a.Type == AssertError && a.Kind != "" {
			_, err := parseKind(a.Kind)
			return err
		}
		return nil
	case AssertUpdating:
		if a.Updating == nil {
			return fmt.Errorf("updating is required")
		}
		return nil
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("action is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func mutationOf(step Step) *MutationStep {
	switch {
	case step.Insert != nil:
		return step.Insert
	case step.Update != nil:
		return step.Update
	default:
		return step.Remove
	}
}

func parseKind(s string) (syncerr.Kind, error) {
	k := syncerr.Kind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case syncerr.KindNotFound, syncerr.KindUnauthorized, syncerr.KindTransient,
		syncerr.KindConflict, syncerr.KindInvalid, syncerr.KindInternal:
		return k, nil
	default:
		return "", fmt.Errorf("unknown error kind %q", s)
	}
}

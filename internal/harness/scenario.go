package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance scenario: one document, a step
// sequence, and assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names the golden
	// file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Document is the document opened before the steps run.
	Document DocumentSeed `yaml:"document"`

	// Origin is the fixed session origin token. Empty defaults to
	// "test-origin-default".
	Origin string `yaml:"origin,omitempty"`

	// Steps is the main flow, executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final document, save calls, and
	// publishes.
	Assertions []Assertion `yaml:"assertions"`
}

// DocumentSeed is the initial document.
type DocumentSeed struct {
	ID      string `yaml:"id"`
	Content string `yaml:"content"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	// Edit applies a local edit.
	Edit *ContentStep `yaml:"edit,omitempty"`

	// Remote delivers a broadcast from another session.
	Remote *RemoteStep `yaml:"remote,omitempty"`

	// Advance moves the manual clock forward ("500ms", "1s").
	Advance string `yaml:"advance,omitempty"`

	// Ack releases the oldest held save call and waits for the
	// engine to absorb the result.
	Ack bool `yaml:"ack,omitempty"`

	// FailSaves scripts subsequent save calls to fail.
	FailSaves *FailStep `yaml:"fail_saves,omitempty"`

	// RestoreSaves clears a previous fail_saves script.
	RestoreSaves bool `yaml:"restore_saves,omitempty"`

	// Flush forces immediate persistence.
	Flush *FlushStep `yaml:"flush,omitempty"`

	// Close flushes and removes the document.
	Close bool `yaml:"close,omitempty"`

	// Discard removes the document without flushing.
	Discard bool `yaml:"discard,omitempty"`

	// WaitContent polls until the document content matches. Used
	// after steps whose effect lands asynchronously, like the
	// cosmetic reformat pass.
	WaitContent *ContentStep `yaml:"wait_content,omitempty"`

	// Check records the current document state in the trace.
	Check bool `yaml:"check,omitempty"`
}

// ContentStep carries the content for edit and wait_content steps.
type ContentStep struct {
	Content string `yaml:"content"`
}

// RemoteStep is a broadcast delivery.
type RemoteStep struct {
	Content string `yaml:"content"`
	Origin  string `yaml:"origin"`
}

// FailStep scripts save failures.
type FailStep struct {
	Error string `yaml:"error"`
}

// FlushStep forces persistence with a reason.
type FlushStep struct {
	// Reason is one of "explicit", "focus_lost", "close", "shutdown".
	Reason string `yaml:"reason"`
}

// Assertion validates final state after all steps ran.
type Assertion struct {
	// Type selects the assertion:
	//   - "final_content": document content equals Content
	//   - "final_state": document Dirty / Version / State / Open match
	//   - "save_count": total save calls equal Count
	//   - "publish_count": total publishes equal Count
	//   - "last_saved": most recent save call carried Content
	Type string `yaml:"type"`

	Content string `yaml:"content,omitempty"`
	Dirty   *bool  `yaml:"dirty,omitempty"`
	Version *int64 `yaml:"version,omitempty"`
	State   string `yaml:"state,omitempty"`
	Open    *bool  `yaml:"open,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalContent = "final_content"
	AssertFinalState   = "final_state"
	AssertSaveCount    = "save_count"
	AssertPublishCount = "publish_count"
	AssertLastSaved    = "last_saved"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected so typos fail loudly instead of silently validating
// nothing.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

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

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Document.ID == "" {
		return fmt.Errorf("document.id is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateStep checks that exactly one action is set and its fields
// are usable.
func validateStep(index int, st *Step) error {
	set := 0
	if st.Edit != nil {
		set++
	}
	if st.Remote != nil {
		set++
		if st.Remote.Origin == "" {
			return fmt.Errorf("steps[%d].remote: origin is required", index)
		}
	}
	if st.Advance != "" {
		set++
		if _, err := time.ParseDuration(st.Advance); err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
	}
	if st.Ack {
		set++
	}
	if st.FailSaves != nil {
		set++
		if st.FailSaves.Error == "" {
			return fmt.Errorf("steps[%d].fail_saves: error is required", index)
		}
	}
	if st.RestoreSaves {
		set++
	}
	if st.Flush != nil {
		set++
		switch st.Flush.Reason {
		case "explicit", "focus_lost", "close", "shutdown":
		default:
			return fmt.Errorf("steps[%d].flush: unknown reason %q", index, st.Flush.Reason)
		}
	}
	if st.Close {
		set++
	}
	if st.Discard {
		set++
	}
	if st.WaitContent != nil {
		set++
	}
	if st.Check {
		set++
	}

	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action must be set, got %d", index, set)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertFinalContent, AssertLastSaved:
		// Content may legitimately be empty; nothing more to check.
	case AssertFinalState:
		if a.Dirty == nil && a.Version == nil && a.State == "" && a.Open == nil {
			return fmt.Errorf("assertions[%d]: final_state needs at least one of dirty, version, state, open", index)
		}
	case AssertSaveCount, AssertPublishCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

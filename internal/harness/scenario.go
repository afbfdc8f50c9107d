package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStart is the clock start of scenarios that do not set one.
const DefaultStart = "2026-03-01T12:00:00Z"

// Scenario defines one lifecycle scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the RFC 3339 clock start. Defaults to DefaultStart.
	Start string `yaml:"start,omitempty"`

	// RunIDs are handed out to passes in order; the last one repeats.
	RunIDs []string `yaml:"run_ids,omitempty"`

	// Settings override engine timing.
	Settings Settings `yaml:"settings,omitempty"`

	// Chain scripts Submit calls in order.
	Chain []ChainStep `yaml:"chain,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final ledger and the recorded calls.
	Assertions []Assertion `yaml:"assertions"`
}

// Settings override engine defaults. Empty values keep the defaults.
type Settings struct {
	MinRetryDelay string `yaml:"min_retry_delay,omitempty"`
	StaleAfter    string `yaml:"stale_after,omitempty"`
}

// ChainStep scripts one Submit call and the Wait of its handle.
type ChainStep struct {
	SubmitError   string `yaml:"submit_error,omitempty"`
	TxRef         string `yaml:"tx_ref,omitempty"`
	AttestationID string `yaml:"attestation_id,omitempty"`
	WaitError     string `yaml:"wait_error,omitempty"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Records []map[string]interface{} `yaml:"records,omitempty"`
	Run     *PassExpect              `yaml:"run,omitempty"`
	Recover *PassExpect              `yaml:"recover,omitempty"`
	Advance string                   `yaml:"advance,omitempty"`
	Receipt *ReceiptStep             `yaml:"receipt,omitempty"`
	Orphan  *OrphanStep              `yaml:"orphan,omitempty"`
}

// PassExpect holds optional expectations for a run or recover step.
type PassExpect struct {
	// Outcome is the expected outcome of the new batch, or "none" when the
	// pass must not create one. Only valid for run steps.
	Outcome string `yaml:"outcome,omitempty"`

	// Recovered maps batch ids to expected recovery outcomes.
	Recovered map[string]string `yaml:"recovered,omitempty"`

	// Error is the expected engine error code, e.g. LEDGER_ERROR.
	Error string `yaml:"error,omitempty"`
}

// ReceiptStep scripts the receipt lookup of one transaction.
type ReceiptStep struct {
	TxRef         string `yaml:"tx_ref"`
	Status        string `yaml:"status,omitempty"`
	AttestationID string `yaml:"attestation_id,omitempty"`
	Error         string `yaml:"error,omitempty"`
}

// OrphanStep creates a memberless batch from input records already added.
type OrphanStep struct {
	BatchID string   `yaml:"batch_id"`
	Records []string `yaml:"records"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// BatchID selects the batch (batch).
	BatchID string `yaml:"batch_id,omitempty"`

	// Expect holds expected batch fields, subset match (batch).
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Count is the expected number (batches, submissions).
	Count *int `yaml:"count,omitempty"`

	// BatchIDs are the expected batch ids of each submission (submissions).
	BatchIDs []string `yaml:"batch_ids,omitempty"`

	// Types are the expected event types in order (events).
	Types []string `yaml:"types,omitempty"`

	// IDs are the expected record ids in any order (confirmed).
	IDs []string `yaml:"ids,omitempty"`
}

// Assertion type constants.
const (
	AssertBatch       = "batch"
	AssertBatches     = "batches"
	AssertSubmissions = "submissions"
	AssertEvents      = "events"
	AssertConfirmed   = "confirmed"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is invalid.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
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

// StartTime returns the parsed clock start.
func (s *Scenario) StartTime() (time.Time, error) {
	start := s.Start
	if start == "" {
		start = DefaultStart
	}
	return time.Parse(time.RFC3339, start)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps must not be empty")
	}
	if _, err := s.StartTime(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	for name, d := range map[string]string{
		"min_retry_delay": s.Settings.MinRetryDelay,
		"stale_after":     s.Settings.StaleAfter,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("settings.%s: %w", name, err)
		}
	}

	for i, st := range s.Steps {
		if err := validateStep(i, st); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st Step) error {
	set := 0
	if st.Records != nil {
		set++
	}
	if st.Run != nil {
		set++
	}
	if st.Recover != nil {
		set++
		if st.Recover.Outcome != "" {
			return fmt.Errorf("steps[%d]: recover takes no outcome", index)
		}
	}
	if st.Advance != "" {
		set++
		d, err := time.ParseDuration(st.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	}
	if st.Receipt != nil {
		set++
		if st.Receipt.TxRef == "" {
			return fmt.Errorf("steps[%d]: receipt.tx_ref is required", index)
		}
		if st.Receipt.Status == "" && st.Receipt.Error == "" {
			return fmt.Errorf("steps[%d]: receipt needs a status or an error", index)
		}
	}
	if st.Orphan != nil {
		set++
		if st.Orphan.BatchID == "" || len(st.Orphan.Records) == 0 {
			return fmt.Errorf("steps[%d]: orphan needs batch_id and records", index)
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertBatch:
		if a.BatchID == "" {
			return fmt.Errorf("assertions[%d]: batch_id is required for batch", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for batch", index)
		}
	case AssertBatches:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for batches", index)
		}
	case AssertSubmissions:
		if a.Count == nil && a.BatchIDs == nil {
			return fmt.Errorf("assertions[%d]: count or batch_ids is required for submissions", index)
		}
	case AssertEvents, AssertConfirmed:
		// An empty list asserts that nothing happened.
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one envelope submitted against a seeded store, with the
// statuses and final state it must produce.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Prefer is the return preference: minimal, representation or
	// OperationOutcome. Empty means minimal.
	Prefer string `yaml:"prefer,omitempty"`

	// Config overrides engine settings.
	Config EngineConfig `yaml:"config,omitempty"`

	// Seed resources are created, in order, before the envelope runs.
	Seed []SeedResource `yaml:"seed,omitempty"`

	// Envelope is the bundle submitted to the engine.
	Envelope map[string]any `yaml:"envelope"`

	// Expect checks the top-level status and per-entry statuses.
	Expect Expectation `yaml:"expect"`

	// Assertions validate response entries and the final store state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// EngineConfig mirrors the engine section of the server config.
type EngineConfig struct {
	ConditionalDeleteMax *int  `yaml:"conditional_delete_max,omitempty"`
	UpdateCreate         *bool `yaml:"update_create,omitempty"`
	MaxEntries           int   `yaml:"max_entries,omitempty"`
}

// SeedResource creates Count copies of Resource. Count defaults to 1.
type SeedResource struct {
	Resource map[string]any `yaml:"resource"`
	Count    int            `yaml:"count,omitempty"`
}

// Expectation is checked before assertions run.
type Expectation struct {
	// Status is the expected transport status, 200 for a processed
	// envelope.
	Status int `yaml:"status"`

	// Entries lists expected response entry statuses in request order.
	// Empty skips the check.
	Entries []string `yaml:"entries,omitempty"`
}

// Assertion validates the response or the final store state.
type Assertion struct {
	// Type is one of entry_field, outcome_contains, resource_count or
	// resource_state.
	Type string `yaml:"type"`

	// Index selects the response entry (entry_field).
	Index int `yaml:"index,omitempty"`

	// Field is a dotted path into the response entry; numeric segments
	// index arrays (entry_field).
	Field string `yaml:"field,omitempty"`

	// Value is the expected value at Field (entry_field).
	Value any `yaml:"value,omitempty"`

	// Contains is a substring of some issue's diagnostics
	// (outcome_contains).
	Contains string `yaml:"contains,omitempty"`

	// ResourceType and Count are used by resource_count.
	ResourceType string `yaml:"resource_type,omitempty"`
	Count        int    `yaml:"count,omitempty"`

	// Reference is "Type/id" (resource_state).
	Reference string `yaml:"reference,omitempty"`

	// Expect is a subset of fields the stored resource must carry
	// (resource_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Deleted requires the current version to be a deletion marker
	// (resource_state).
	Deleted bool `yaml:"deleted,omitempty"`
}

// Assertion type constants.
const (
	AssertEntryField      = "entry_field"
	AssertOutcomeContains = "outcome_contains"
	AssertResourceCount   = "resource_count"
	AssertResourceState   = "resource_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:" vs "assertions:"
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
	if len(s.Envelope) == 0 {
		return fmt.Errorf("envelope is required")
	}
	if s.Expect.Status == 0 {
		return fmt.Errorf("expect.status is required")
	}
	switch s.Prefer {
	case "", "minimal", "representation", "OperationOutcome":
	default:
		return fmt.Errorf("unknown prefer value %q", s.Prefer)
	}

	for i, seed := range s.Seed {
		if len(seed.Resource) == 0 {
			return fmt.Errorf("seed[%d]: resource is required", i)
		}
		if _, ok := seed.Resource["resourceType"].(string); !ok {
			return fmt.Errorf("seed[%d]: resource.resourceType is required", i)
		}
		if seed.Count < 0 {
			return fmt.Errorf("seed[%d]: count must be non-negative", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEntryField:
		if a.Field == "" {
			return fmt.Errorf("assertions[%d]: field is required for entry_field", index)
		}
		if a.Index < 0 {
			return fmt.Errorf("assertions[%d]: index must be non-negative for entry_field", index)
		}
	case AssertOutcomeContains:
		if a.Contains == "" {
			return fmt.Errorf("assertions[%d]: contains is required for outcome_contains", index)
		}
	case AssertResourceCount:
		if a.ResourceType == "" {
			return fmt.Errorf("assertions[%d]: resource_type is required for resource_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for resource_count", index)
		}
	case AssertResourceState:
		if a.Reference == "" {
			return fmt.Errorf("assertions[%d]: reference is required for resource_state", index)
		}
		if len(a.Expect) == 0 && !a.Deleted {
			return fmt.Errorf("assertions[%d]: expect or deleted is required for resource_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

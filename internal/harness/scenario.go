package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/shelfsync/internal/conflict"
	"github.com/roach88/shelfsync/internal/syncerr"
)

// Scenario defines an offline-sync scenario: a sequence of steps and the
// state expected once they have all run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Strategy is the conflict strategy for books. Empty means client_wins.
	Strategy string `yaml:"strategy,omitempty"`

	// Steps run in order, one clock second apart.
	Steps []Step `yaml:"steps"`

	// Expect is checked after the last step.
	Expect Expect `yaml:"expect"`
}

// Step kinds.
const (
	StepOffline    = "offline"
	StepOnline     = "online"
	StepAdd        = "add"
	StepUpdate     = "update"
	StepDelete     = "delete"
	StepSync       = "sync"
	StepResolve    = "resolve"
	StepRemoteEdit = "remote_edit"
	StepRemoteFail = "remote_fail"
)

// Step is one action of a scenario. Which fields apply depends on Do.
type Step struct {
	Do string `yaml:"do"`

	// ID addresses a record (update, delete, remote_edit) or an operation
	// (resolve).
	ID string `yaml:"id,omitempty"`

	Title  string `yaml:"title,omitempty"`
	Author string `yaml:"author,omitempty"`

	// Fields are book fields keyed by their JSON names.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Keep is the resolve decision.
	Keep string `yaml:"keep,omitempty"`

	// Code and Times configure remote_fail.
	Code  string `yaml:"code,omitempty"`
	Times int    `yaml:"times,omitempty"`
}

// Expect describes the state after the last step. Nil fields are not
// checked; an empty list expects no records.
type Expect struct {
	QueueLen    *int         `yaml:"queue_len,omitempty"`
	Books       []BookExpect `yaml:"books,omitempty"`
	RemoteBooks []BookExpect `yaml:"remote_books,omitempty"`
}

// BookExpect is a subset match against one record. Empty strings and nil
// pointers are not compared.
type BookExpect struct {
	ID      string  `yaml:"id,omitempty"`
	Title   string  `yaml:"title,omitempty"`
	Author  string  `yaml:"author,omitempty"`
	Status  string  `yaml:"status,omitempty"`
	Rating  *int    `yaml:"rating,omitempty"`
	Notes   *string `yaml:"notes,omitempty"`
	Offline *bool   `yaml:"offline,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "step:" vs "steps:"
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
	if s.Strategy != "" {
		if _, err := conflict.ParseStrategy(s.Strategy); err != nil {
			return fmt.Errorf("strategy: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	if s.Expect.QueueLen != nil && *s.Expect.QueueLen < 0 {
		return fmt.Errorf("expect.queue_len must not be negative")
	}
	return nil
}

// validateStep validates a single step based on its kind.
func validateStep(s Step) error {
	switch s.Do {
	case "":
		return fmt.Errorf("do is required")
	case StepOffline, StepOnline, StepSync:
	case StepAdd:
		if s.Title == "" || s.Author == "" {
			return fmt.Errorf("title and author are required for add")
		}
	case StepUpdate, StepRemoteEdit:
		if s.ID == "" {
			return fmt.Errorf("id is required for %s", s.Do)
		}
		if len(s.Fields) == 0 {
			return fmt.Errorf("fields are required for %s", s.Do)
		}
	case StepDelete:
		if s.ID == "" {
			return fmt.Errorf("id is required for delete")
		}
	case StepResolve:
		if s.ID == "" {
			return fmt.Errorf("id is required for resolve")
		}
		if _, err := conflict.ParseDecision(s.Keep); err != nil {
			return fmt.Errorf("keep: %w", err)
		}
	case StepRemoteFail:
		if s.Times < 0 {
			return fmt.Errorf("times must not be negative")
		}
		if s.Code != "" && !knownCode(syncerr.Code(s.Code)) {
			return fmt.Errorf("unknown error code %q", s.Code)
		}
	default:
		return fmt.Errorf("unknown step %q", s.Do)
	}
	return nil
}

func knownCode(c syncerr.Code) bool {
	switch c {
	case syncerr.CodeNetwork, syncerr.CodeAuth, syncerr.CodeConflict,
		syncerr.CodeNotFound, syncerr.CodeRemote:
		return true
	}
	return false
}

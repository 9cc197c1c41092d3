package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/monitor"
)

// DefaultSheet is the sheet id used for cell references without a sheet.
const DefaultSheet = "Sheet1"

// Scenario defines a multi-replica editing session.
// Replicas edit offline, exchange updates at sync steps, and the resulting
// conflicts and cell contents are checked by assertions.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Sheet is the default sheet for cell references. Default: Sheet1.
	Sheet string `yaml:"sheet,omitempty"`

	// Mode is the formula monitor mode: "formula" or "formula+value".
	Mode string `yaml:"mode,omitempty"`

	// MaxOpRecordsPerUser bounds each author's op log records.
	MaxOpRecordsPerUser int `yaml:"max_op_records_per_user,omitempty"`

	// MaxOpRecordAge enables age-based op log pruning (Go duration).
	MaxOpRecordAge string `yaml:"max_op_record_age,omitempty"`

	// IgnoredOrigins are transaction origins every monitor skips.
	IgnoredOrigins []string `yaml:"ignored_origins,omitempty"`

	// Replicas lists the participating documents.
	Replicas []ReplicaSpec `yaml:"replicas"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// ReplicaSpec declares one replica.
type ReplicaSpec struct {
	// Name is the replica's user id.
	Name string `yaml:"name"`

	// Client is the document client id. Higher clients win concurrent
	// register writes.
	Client uint64 `yaml:"client"`

	// Monitors limits which monitors run. Default: all three.
	Monitors []string `yaml:"monitors,omitempty"`
}

// Step is one action. Exactly one of Set, Move, Clear, Sync, Resolve,
// Advance, Restart or Prune is given.
type Step struct {
	// Replica performs the edit (Set, Move, Clear, Restart, Prune).
	Replica string `yaml:"replica,omitempty"`

	// Origin overrides the transaction origin of an edit.
	Origin string `yaml:"origin,omitempty"`

	Set     *SetStep     `yaml:"set,omitempty"`
	Move    *MoveStep    `yaml:"move,omitempty"`
	Clear   string       `yaml:"clear,omitempty"`
	Sync    []string     `yaml:"sync,omitempty"`
	Resolve *ResolveStep `yaml:"resolve,omitempty"`

	// Advance moves the shared clock forward (Go duration).
	Advance string `yaml:"advance,omitempty"`

	// Restart disposes the replica's monitors and attaches new ones, which
	// forgets every pending edit.
	Restart bool `yaml:"restart,omitempty"`

	// Prune runs an op log prune pass on the replica.
	Prune bool `yaml:"prune,omitempty"`
}

// SetStep writes cell content. A formula clears the value and a value
// clears the formula.
type SetStep struct {
	Cell    string         `yaml:"cell"`
	Value   any            `yaml:"value,omitempty"`
	Formula string         `yaml:"formula,omitempty"`
	Format  map[string]any `yaml:"format,omitempty"`
	Enc     string         `yaml:"enc,omitempty"`
}

// MoveStep relocates a cell the way cut and paste does.
type MoveStep struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// ResolveStep settles an open conflict.
type ResolveStep struct {
	Replica string `yaml:"replica"`
	Monitor string `yaml:"monitor"`

	// Index selects the conflict in detection order.
	Index int `yaml:"index,omitempty"`

	// Choose is local or remote for value and formula conflicts, and ours,
	// theirs or manual for structural ones. local and remote are accepted
	// as aliases of ours and theirs.
	Choose string `yaml:"choose,omitempty"`

	// Value is an explicit resolution for value and formula conflicts.
	Value any `yaml:"value,omitempty"`

	// To is the destination of a manual move resolution.
	To string `yaml:"to,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "conflict_count": open conflicts on a replica, optionally per monitor
	// - "conflict": an open conflict with the given kind, reason and cell
	// - "cell": a cell's content on a replica
	// - "converged": replicas hold identical cells
	// - "records": the number of op log records on a replica
	Type string `yaml:"type"`

	Replica string `yaml:"replica,omitempty"`
	Monitor string `yaml:"monitor,omitempty"`
	Kind    string `yaml:"kind,omitempty"`
	Reason  string `yaml:"reason,omitempty"`
	Cell    string `yaml:"cell,omitempty"`

	Count int `yaml:"count,omitempty"`

	Value   any    `yaml:"value,omitempty"`
	Formula string `yaml:"formula,omitempty"`
	Empty   bool   `yaml:"empty,omitempty"`

	Replicas []string `yaml:"replicas,omitempty"`
}

// Assertion type constants.
const (
	AssertConflictCount = "conflict_count"
	AssertConflict      = "conflict"
	AssertCell          = "cell"
	AssertConverged     = "converged"
	AssertRecords       = "records"
)

// Monitor names.
const (
	MonitorValue      = "value"
	MonitorFormula    = "formula"
	MonitorStructural = "structural"
)

var allMonitors = []string{MonitorValue, MonitorFormula, MonitorStructural}

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

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "step:" vs "steps:")
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
	switch monitor.Mode(s.Mode) {
	case "", monitor.ModeFormula, monitor.ModeFormulaValue:
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	if s.MaxOpRecordsPerUser < 0 {
		return fmt.Errorf("max_op_records_per_user must be non-negative")
	}
	if s.MaxOpRecordAge != "" {
		if _, err := time.ParseDuration(s.MaxOpRecordAge); err != nil {
			return fmt.Errorf("max_op_record_age: %w", err)
		}
	}

	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	names := make(map[string]bool)
	clients := make(map[uint64]bool)
	for i, r := range s.Replicas {
		if r.Name == "" {
			return fmt.Errorf("replicas[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("replicas[%d]: duplicate name %q", i, r.Name)
		}
		if clients[r.Client] {
			return fmt.Errorf("replicas[%d]: duplicate client %d", i, r.Client)
		}
		names[r.Name] = true
		clients[r.Client] = true
		for _, m := range r.Monitors {
			if !knownMonitor(m) {
				return fmt.Errorf("replicas[%d]: unknown monitor %q", i, m)
			}
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(s, names, step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(s, names, a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func knownMonitor(name string) bool {
	switch name {
	case MonitorValue, MonitorFormula, MonitorStructural:
		return true
	}
	return false
}

func validateStep(s *Scenario, names map[string]bool, step Step) error {
	n := 0
	for _, set := range []bool{
		step.Set != nil, step.Move != nil, step.Clear != "", len(step.Sync) > 0,
		step.Resolve != nil, step.Advance != "", step.Restart, step.Prune,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one action is required, got %d", n)
	}

	needsReplica := step.Set != nil || step.Move != nil || step.Clear != "" || step.Restart || step.Prune
	if needsReplica && !names[step.Replica] {
		return fmt.Errorf("unknown replica %q", step.Replica)
	}

	switch {
	case step.Set != nil:
		if _, err := s.key(step.Set.Cell); err != nil {
			return err
		}
	case step.Move != nil:
		if _, err := s.key(step.Move.From); err != nil {
			return err
		}
		if _, err := s.key(step.Move.To); err != nil {
			return err
		}
	case step.Clear != "":
		if _, err := s.key(step.Clear); err != nil {
			return err
		}
	case len(step.Sync) > 0:
		if len(step.Sync) < 2 {
			return fmt.Errorf("sync needs at least two replicas")
		}
		for _, name := range step.Sync {
			if !names[name] {
				return fmt.Errorf("unknown replica %q", name)
			}
		}
	case step.Resolve != nil:
		r := step.Resolve
		if !names[r.Replica] {
			return fmt.Errorf("unknown replica %q", r.Replica)
		}
		if !knownMonitor(r.Monitor) {
			return fmt.Errorf("unknown monitor %q", r.Monitor)
		}
		if r.Index < 0 {
			return fmt.Errorf("index must be non-negative")
		}
		if r.Choose == "" && r.Value == nil {
			return fmt.Errorf("resolve needs choose or value")
		}
		if r.To != "" {
			if _, err := s.key(r.To); err != nil {
				return err
			}
		}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("advance must not be negative")
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(s *Scenario, names map[string]bool, a Assertion) error {
	switch a.Type {
	case AssertConflictCount, AssertConflict, AssertCell, AssertRecords:
		if !names[a.Replica] {
			return fmt.Errorf("unknown replica %q", a.Replica)
		}
	case AssertConverged:
		for _, name := range a.Replicas {
			if !names[name] {
				return fmt.Errorf("unknown replica %q", name)
			}
		}
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}

	if a.Monitor != "" && !knownMonitor(a.Monitor) {
		return fmt.Errorf("unknown monitor %q", a.Monitor)
	}
	if a.Count < 0 {
		return fmt.Errorf("count must be non-negative")
	}
	if a.Type == AssertCell || (a.Type == AssertConflict && a.Cell != "") {
		if _, err := s.key(a.Cell); err != nil {
			return err
		}
	}
	return nil
}

// key converts a cell reference ("B3" or "Sheet2!B3") to a cell key.
func (s *Scenario) key(ref string) (string, error) {
	addr, err := s.address(ref)
	if err != nil {
		return "", err
	}
	return addr.Key(), nil
}

func (s *Scenario) address(ref string) (cell.Address, error) {
	if ref == "" {
		return cell.Address{}, fmt.Errorf("cell reference is required")
	}
	if !strings.Contains(ref, "!") {
		ref = s.sheet() + "!" + ref
	}
	return cell.ParseA1(ref)
}

func (s *Scenario) sheet() string {
	if s.Sheet == "" {
		return DefaultSheet
	}
	return s.Sheet
}

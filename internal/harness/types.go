package harness

// Trace event types.
const (
	EventConflict = "conflict"
	EventResolved = "resolved"
)

// TraceEvent records a conflict being raised or resolved during a run.
type TraceEvent struct {
	Type       string `json:"type"`
	Step       int    `json:"step"`
	Replica    string `json:"replica"`
	Monitor    string `json:"monitor"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason,omitempty"`
	Cell       string `json:"cell"`
	RemoteUser string `json:"remote_user,omitempty"`
}

// ReplicaState is a replica's state at the end of a run.
type ReplicaState struct {
	// Cells maps A1 references of non-empty cells to their content
	// fields (value, formula, format, enc).
	Cells map[string]map[string]any `json:"cells"`

	// Open counts open conflicts per monitor. Monitors with none are
	// omitted.
	Open map[string]int `json:"open"`

	// Records is the number of structural op log records.
	Records int `json:"records"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: no step failed and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace lists conflict events in the order they happened.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step and assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Replicas holds the final state keyed by replica name.
	Replicas map[string]*ReplicaState `json:"replicas"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Replicas: make(map[string]*ReplicaState),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Events returns the trace events of the given type.
func (r *Result) Events(typ string) []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

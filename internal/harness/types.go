package harness

// TraceEvent is one entry of a scenario trace: a step the harness took, or
// a notification the engine emitted during that step.
type TraceEvent struct {
	Seq     int    `json:"seq"`
	Op      string `json:"op"` // records|run|recover|advance|receipt|orphan|event
	RunID   string `json:"run_id,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	TxRef   string `json:"tx_ref,omitempty"`
	Count   int    `json:"count,omitempty"`
	Status  string `json:"status,omitempty"`
	Event   string `json:"event,omitempty"`
	Now     string `json:"now,omitempty"`
	Error   string `json:"error,omitempty"`

	// Recovered maps batch ids to recovery outcomes (run, recover).
	Recovered map[string]string `json:"recovered,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation, assertion and principle held.
	Pass bool `json:"pass"`

	// Trace records steps and notifications in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}

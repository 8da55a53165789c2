package harness

// TraceEvent is one engine event observed while a step ran.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

// StepTrace groups the events published by one step.
type StepTrace struct {
	// Label is a short rendering of the step ("add \"Dune\" by Herbert").
	Label string `json:"label"`

	// Events are the engine events published while the step ran.
	Events []TraceEvent `json:"events"`

	// Error is the error the step returned, if any. Step errors are part of
	// the observed behaviour, not harness failures.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expectation matched.
	Pass bool `json:"pass"`

	// Steps holds the trace of every step in order.
	Steps []StepTrace `json:"steps"`

	// Errors contains one message per failed expectation.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepTrace{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Events returns every traced event in publication order.
func (r *Result) Events() []TraceEvent {
	var out []TraceEvent
	for _, s := range r.Steps {
		out = append(out, s.Events...)
	}
	return out
}

package schema

// WorkSubmission is the work-creation request crossing the subsystem
// boundary. CallbackToken is optional: absent or empty means no async
// handshake is requested and the record behaves exactly as it did before
// the handshake existed.
type WorkSubmission struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`

	// CallbackToken is the engine-issued completion token, copied verbatim.
	// It is opaque: never parsed, never logged in full.
	CallbackToken []byte `json:"callback_token,omitempty"`

	// Correlation identifiers from the submitting activity. Used only for
	// log correlation, never for resuming.
	WorkflowID string `json:"workflow_id,omitempty"`
	ActivityID string `json:"activity_id,omitempty"`
}

// RetryPolicy configures attempt-level retries of work execution.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"` // none, constant, linear, exponential
	Delay    string `json:"delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}

package replay

// ErrorKind classifies why a request has no completion.
type ErrorKind string

const (
	ErrorNone            ErrorKind = ""
	ErrorUnresolvedChunk ErrorKind = "unresolved_chunk"
	ErrorBackend         ErrorKind = "backend_error"
	ErrorCancelled       ErrorKind = "cancelled"
)

// TimingRecord is the terminal outcome of one scheduled request. All times
// are seconds since the run started (the first dispatch).
type TimingRecord struct {
	EntryID   int    `json:"entry_id" yaml:"entry_id"`
	SessionID string `json:"session_id,omitempty" yaml:"session_id,omitempty"`

	Scheduled     float64 `json:"scheduled" yaml:"scheduled"`           // scaled dispatch time
	Dispatched    float64 `json:"dispatched" yaml:"dispatched"`         // when the scheduler handed it to a worker
	AdmissionWait float64 `json:"admission_wait" yaml:"admission_wait"` // time spent at the concurrency gate

	SendTime       *float64  `json:"send_time,omitempty" yaml:"send_time,omitempty"`
	FirstTokenTime *float64  `json:"first_token_time,omitempty" yaml:"first_token_time,omitempty"`
	TokenTimes     []float64 `json:"token_times,omitempty" yaml:"token_times,omitempty"` // includes the first token
	CompletionTime *float64  `json:"completion_time,omitempty" yaml:"completion_time,omitempty"`

	InputTokens          int  `json:"input_tokens" yaml:"input_tokens"` // computed payload length
	DeclaredInputTokens  int  `json:"declared_input_tokens" yaml:"declared_input_tokens"`
	DeclaredOutputTokens int  `json:"declared_output_tokens" yaml:"declared_output_tokens"`
	ReportedOutputTokens int  `json:"reported_output_tokens,omitempty" yaml:"reported_output_tokens,omitempty"`
	LengthMismatch       bool `json:"length_mismatch,omitempty" yaml:"length_mismatch,omitempty"`

	Error        ErrorKind `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Completed reports whether the request streamed to the end without error.
func (r TimingRecord) Completed() bool {
	return r.Error == ErrorNone && r.CompletionTime != nil
}

// TTFT returns first-token minus send time, or false if no token arrived.
func (r TimingRecord) TTFT() (float64, bool) {
	if r.SendTime == nil || r.FirstTokenTime == nil {
		return 0, false
	}
	return *r.FirstTokenTime - *r.SendTime, true
}

// TPOT returns the mean inter-token gap after the first token. It is
// undefined for records with fewer than two token events or no completion.
func (r TimingRecord) TPOT() (float64, bool) {
	if len(r.TokenTimes) < 2 || r.FirstTokenTime == nil || r.CompletionTime == nil {
		return 0, false
	}
	return (*r.CompletionTime - *r.FirstTokenTime) / float64(len(r.TokenTimes)-1), true
}

// OutputTokens prefers the server-reported count over observed events.
func (r TimingRecord) OutputTokens() int {
	if r.ReportedOutputTokens > 0 {
		return r.ReportedOutputTokens
	}
	return len(r.TokenTimes)
}

func (r *TimingRecord) fail(kind ErrorKind, err error) {
	r.Error = kind
	r.CompletionTime = nil
	if err != nil {
		r.ErrorMessage = err.Error()
	}
}

func ptr(v float64) *float64 { return &v }

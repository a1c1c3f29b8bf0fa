package vonage

import "strings"

// Call statuses reported to the event webhook.
const (
	StatusStarted    = "started"
	StatusRinging    = "ringing"
	StatusAnswered   = "answered"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
	StatusRejected   = "rejected"
	StatusTimeout    = "timeout"
	StatusUnanswered = "unanswered"
)

// Speech timeout reasons.
const (
	TimeoutStart = "start_timeout"
	TimeoutEnd   = "end_on_silence_timeout"
	TimeoutMax   = "max_duration"
)

// Event is the body of a call status webhook.
type Event struct {
	From             string `json:"from"`
	To               string `json:"to"`
	UUID             string `json:"uuid"`
	ConversationUUID string `json:"conversation_uuid"`
	Status           string `json:"status"`
	Direction        string `json:"direction"`
	Timestamp        string `json:"timestamp"`
}

// Ended reports whether the status means the leg is gone.
func (e Event) Ended() bool {
	switch e.Status {
	case StatusCompleted, StatusBusy, StatusCancelled, StatusFailed,
		StatusRejected, StatusTimeout, StatusUnanswered:
		return true
	}
	return false
}

// Input is the body of an input webhook: either collected digits or a
// speech recognition result.
type Input struct {
	From             string       `json:"from"`
	To               string       `json:"to"`
	UUID             string       `json:"uuid"`
	ConversationUUID string       `json:"conversation_uuid"`
	DTMF             *DTMFResult  `json:"dtmf,omitempty"`
	Speech           *SpeechState `json:"speech,omitempty"`
}

// DTMFResult holds the digits a caller entered.
type DTMFResult struct {
	Digits   string `json:"digits"`
	TimedOut bool   `json:"timed_out"`
}

// SpeechState holds the outcome of speech recognition.
type SpeechState struct {
	TimeoutReason string         `json:"timeout_reason,omitempty"`
	Error         string         `json:"error,omitempty"`
	Results       []SpeechResult `json:"results,omitempty"`
}

// SpeechResult is one recognition hypothesis.
type SpeechResult struct {
	Text       string `json:"text"`
	Confidence string `json:"confidence"`
}

// Digits returns the entered digits with surrounding whitespace removed.
func (in Input) Digits() string {
	if in.DTMF == nil {
		return ""
	}
	return strings.TrimSpace(in.DTMF.Digits)
}

// Caller returns the number of the party talking to the IVR. For inbound
// calls that is From and for outbound calls it is To; Vonage reports the
// callee of an outbound leg in To and the virtual number in From.
func (e Event) Caller(virtualNumber string) string {
	return callerOf(e.From, e.To, virtualNumber)
}

// Caller returns the number of the party talking to the IVR.
func (in Input) Caller(virtualNumber string) string {
	return callerOf(in.From, in.To, virtualNumber)
}

func callerOf(from, to, virtualNumber string) string {
	if virtualNumber != "" && from == virtualNumber {
		return to
	}
	if virtualNumber != "" && to == virtualNumber {
		return from
	}
	if to != "" {
		return to
	}
	return from
}

package vonage

import (
	"encoding/json"
	"testing"
)

func TestCaller(t *testing.T) {
	const vn = "447700900000"
	tests := []struct {
		name     string
		from, to string
		virtual  string
		want     string
	}{
		{"inbound", "447700900123", vn, vn, "447700900123"},
		{"outbound", vn, "447700900123", vn, "447700900123"},
		{"unknown virtual number prefers to", "447700900123", "447700900999", vn, "447700900999"},
		{"no virtual number configured", "447700900123", "447700900999", "", "447700900999"},
		{"no to", "447700900123", "", "", "447700900123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Event{From: tt.from, To: tt.to}).Caller(tt.virtual); got != tt.want {
				t.Errorf("Event.Caller() = %q, want %q", got, tt.want)
			}
			if got := (Input{From: tt.from, To: tt.to}).Caller(tt.virtual); got != tt.want {
				t.Errorf("Input.Caller() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventEnded(t *testing.T) {
	ended := []string{StatusCompleted, StatusBusy, StatusCancelled, StatusFailed, StatusRejected, StatusTimeout, StatusUnanswered}
	for _, status := range ended {
		if !(Event{Status: status}).Ended() {
			t.Errorf("Ended() = false for %q", status)
		}
	}
	for _, status := range []string{StatusStarted, StatusRinging, StatusAnswered, ""} {
		if (Event{Status: status}).Ended() {
			t.Errorf("Ended() = true for %q", status)
		}
	}
}

func TestInputDecode(t *testing.T) {
	body := `{
		"from": "447700900123",
		"to": "447700900000",
		"uuid": "aaaaaaaa-bbbb-cccc-dddd-0123456789ab",
		"conversation_uuid": "CON-aaaaaaaa-bbbb-cccc-dddd-0123456789ab",
		"dtmf": {"digits": " 5 ", "timed_out": true},
		"timestamp": "2024-01-01T00:00:00.000Z"
	}`
	var in Input
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		t.Fatal(err)
	}
	if in.Digits() != "5" {
		t.Errorf("Digits() = %q, want 5", in.Digits())
	}
	if in.Speech != nil {
		t.Error("Speech set for a dtmf input")
	}

	var empty Input
	if empty.Digits() != "" {
		t.Errorf("Digits() without dtmf = %q", empty.Digits())
	}
}

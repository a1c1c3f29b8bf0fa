// Package ncco renders call-control intents (speak, play a stream, collect
// input, transfer, hang up) into Vonage Call Control Objects. It is the
// only place in the module that knows the provider's document shapes.
package ncco

import (
	"html"
	"strings"
)

// Input modes accepted by CollectInput.
const (
	ModeDigits = "dtmf"
	ModeSpeech = "speech"
)

// Action is a single NCCO instruction. Only the fields relevant to the
// action type are populated; the rest are omitted from the JSON document.
type Action struct {
	Action    string          `json:"action"`
	Text      string          `json:"text,omitempty"`
	Language  string          `json:"language,omitempty"`
	Level     int             `json:"level,omitempty"`
	BargeIn   *bool           `json:"bargeIn,omitempty"`
	StreamURL []string        `json:"streamUrl,omitempty"`
	Loop      *int            `json:"loop,omitempty"`
	EventURL  []string        `json:"eventUrl,omitempty"`
	Type      []string        `json:"type,omitempty"`
	DTMF      *DTMFSettings   `json:"dtmf,omitempty"`
	Speech    *SpeechSettings `json:"speech,omitempty"`
}

// DTMFSettings configures digit collection.
type DTMFSettings struct {
	MaxDigits int `json:"maxDigits"`
	TimeOut   int `json:"timeOut,omitempty"`
}

// SpeechSettings configures speech recognition.
type SpeechSettings struct {
	Language     string `json:"language"`
	StartTimeout int    `json:"startTimeout,omitempty"`
}

// NCCO is an ordered list of actions executed by the provider in sequence.
type NCCO []Action

// CallUpdate is the body of a mid-call modification (transfer or hangup)
// sent to the provider's REST API rather than returned from a webhook.
type CallUpdate struct {
	Action      string       `json:"action"`
	Destination *Destination `json:"destination,omitempty"`
}

// Destination names the NCCO a transferred leg should execute.
type Destination struct {
	Type string `json:"type"`
	NCCO NCCO   `json:"ncco"`
}

// Builder produces actions bound to a public base URL (for input event
// callbacks) and a spoken language.
type Builder struct {
	baseURL  string
	language string
}

// NewBuilder creates a Builder. baseURL is the externally reachable URL of
// this service, e.g. "https://ivr.example.com".
func NewBuilder(baseURL, language string) *Builder {
	return &Builder{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: language,
	}
}

// BaseURL returns the public base URL without a trailing slash.
func (b *Builder) BaseURL() string {
	return b.baseURL
}

// Speak renders text as SSML wrapped in a prosody element at the given rate.
func (b *Builder) Speak(text string, rate Rate, interruptible bool) Action {
	if !rate.Valid() {
		rate = RateMedium
	}
	ssml := "<speak><prosody rate='" + string(rate) + "'>" + html.EscapeString(text) + "</prosody></speak>"
	return Action{
		Action:   "talk",
		Text:     ssml,
		Language: b.language,
		Level:    1,
		BargeIn:  boolPtr(interruptible),
	}
}

// PlayStream plays an audio URL. loop 0 repeats until interrupted.
func (b *Builder) PlayStream(url string, loop int, interruptible bool) Action {
	return Action{
		Action:    "stream",
		StreamURL: []string{url},
		Level:     1,
		Loop:      &loop,
		BargeIn:   boolPtr(interruptible),
	}
}

// CollectDigits waits for up to maxDigits keypresses and posts the result
// to the input webhook of the given menu.
func (b *Builder) CollectDigits(menu string, maxDigits int) Action {
	if maxDigits <= 0 {
		maxDigits = 1
	}
	return Action{
		Action:   "input",
		EventURL: []string{b.InputURL(menu)},
		Type:     []string{ModeDigits},
		DTMF:     &DTMFSettings{MaxDigits: maxDigits},
	}
}

// CollectSpeech waits for an utterance, giving up after startTimeout
// seconds of silence, and posts the result to the menu's input webhook.
func (b *Builder) CollectSpeech(menu string, startTimeout int) Action {
	return Action{
		Action:   "input",
		EventURL: []string{b.InputURL(menu)},
		Type:     []string{ModeSpeech},
		Speech: &SpeechSettings{
			Language:     b.language,
			StartTimeout: startTimeout,
		},
	}
}

// InputURL returns the webhook URL inputs for the named menu are posted to.
func (b *Builder) InputURL(menu string) string {
	return b.baseURL + "/webhooks/input/" + menu
}

// EventURL returns the call status webhook URL.
func (b *Builder) EventURL() string {
	return b.baseURL + "/webhooks/event"
}

// AudioURL returns the public URL of a file in the served audio directory.
func (b *Builder) AudioURL(name string) string {
	return b.baseURL + "/audio/" + name
}

// Transfer moves a live leg onto a new NCCO.
func Transfer(actions NCCO) CallUpdate {
	return CallUpdate{
		Action: "transfer",
		Destination: &Destination{
			Type: "ncco",
			NCCO: actions,
		},
	}
}

// Hangup terminates a live leg.
func Hangup() CallUpdate {
	return CallUpdate{Action: "hangup"}
}

func boolPtr(v bool) *bool {
	return &v
}

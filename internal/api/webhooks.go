package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/flowpbx/storyline/internal/ivr"
	"github.com/flowpbx/storyline/internal/session"
	"github.com/flowpbx/storyline/internal/vonage"
	"github.com/go-chi/chi/v5"
)

// decodeWebhook decodes a provider callback body. Unlike readJSON it
// tolerates fields this service does not use.
func decodeWebhook(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(dst)
}

// webhookContext bounds the work for one webhook.
func (s *Server) webhookContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.webhookTimeout)
}

// handleAnswer is the answer URL of the application. The provider fetches
// it when a leg connects and plays the returned NCCO.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ev := vonage.Event{
		From:             q.Get("from"),
		To:               q.Get("to"),
		UUID:             q.Get("uuid"),
		ConversationUUID: q.Get("conversation_uuid"),
	}
	callerID := ev.Caller(s.virtualNumber)
	if callerID == "" || ev.UUID == "" {
		s.logger.Warn("answer webhook missing call details", "from", ev.From, "to", ev.To, "leg_id", ev.UUID)
		writeError(w, http.StatusBadRequest, "from/to and uuid are required")
		return
	}

	ctx, cancel := s.webhookContext(r)
	defer cancel()

	actions, err := s.calls.Answer(ctx, callerID, ev.UUID, ev.ConversationUUID)
	if err != nil {
		s.logger.Error("answer webhook: failed to answer", "caller_id", callerID, "leg_id", ev.UUID, "error", err)
		writeNCCO(w, s.calls.Fallback(session.StateMainMenu))
		return
	}
	writeNCCO(w, actions)
}

// handleEvent receives call status changes. The provider only needs an
// acknowledgment, so every event is answered with 200.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev vonage.Event
	if err := decodeWebhook(r, &ev); err != nil {
		s.logger.Warn("event webhook: undecodable body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	callerID := ev.Caller(s.virtualNumber)

	switch {
	case ev.Status == vonage.StatusAnswered:
		ctx, cancel := s.webhookContext(r)
		defer cancel()
		err := s.calls.Bind(ctx, callerID, ev.UUID, ev.ConversationUUID)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrSessionNotFound):
			s.logger.Debug("answered leg without session", "caller_id", callerID, "leg_id", ev.UUID)
		default:
			s.logger.Warn("event webhook: failed to bind leg", "caller_id", callerID, "leg_id", ev.UUID, "error", err)
		}
	case ev.Ended():
		s.calls.CallEnded(ev.ConversationUUID, callerID, ev.UUID)
	default:
		s.logger.Debug("call event",
			"caller_id", callerID,
			"leg_id", ev.UUID,
			"status", ev.Status,
			"direction", ev.Direction,
		)
	}
	w.WriteHeader(http.StatusOK)
}

// handleInput receives the digits or speech collected for a menu and
// answers with what the caller hears next.
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	menu := session.MenuState(chi.URLParam(r, "menu"))

	var body vonage.Input
	if err := decodeWebhook(r, &body); err != nil {
		s.logger.Warn("input webhook: undecodable body", "menu", menu, "error", err)
		writeNCCO(w, s.calls.Fallback(menu))
		return
	}

	in := ivr.Input{
		CallerID:       body.Caller(s.virtualNumber),
		ConversationID: body.ConversationUUID,
		LegID:          body.UUID,
		Menu:           menu,
		Digits:         body.Digits(),
		Speech:         toSpeech(body.Speech),
	}

	ctx, cancel := s.webhookContext(r)
	defer cancel()

	writeNCCO(w, s.calls.Handle(ctx, in))
}

// toSpeech converts a recognition result. A timeout with no hypotheses
// means the caller said nothing.
func toSpeech(st *vonage.SpeechState) *ivr.Speech {
	if st == nil {
		return nil
	}
	sp := &ivr.Speech{
		TimedOut: st.TimeoutReason != "" && len(st.Results) == 0,
		Error:    st.Error,
	}
	for _, res := range st.Results {
		sp.Transcripts = append(sp.Transcripts, res.Text)
	}
	return sp
}

// handleAudio serves a fragment to the provider while it streams a story.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	path, err := s.fragments.Path(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, filepath.Clean(path))
}

// handleSilence serves the silence looped behind the reading menu.
func (s *Server) handleSilence(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	w.Write(s.silence) //nolint:errcheck
}

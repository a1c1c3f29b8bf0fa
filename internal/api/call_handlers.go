package api

import (
	"errors"
	"net/http"

	"github.com/flowpbx/storyline/internal/vonage"
)

// callRequest is the JSON request body for placing an outbound call.
type callRequest struct {
	To string `json:"to"`
}

// callResponse describes the created call.
type callResponse struct {
	To               string `json:"to"`
	LegID            string `json:"leg_id"`
	ConversationUUID string `json:"conversation_uuid"`
	Status           string `json:"status"`
}

// handleCreateCall dials a number and connects it to the main menu. The
// caller's session is prepared before the call is placed since the call
// carries its first NCCO inline.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		writeError(w, http.StatusServiceUnavailable, "outbound calls are not configured")
		return
	}

	var req callRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validatePhoneNumber("to", req.To); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	to := normalizePhoneNumber(req.To)

	ctx := r.Context()
	actions, err := s.calls.Greeting(ctx, to)
	if err != nil {
		s.logger.Error("create call: failed to prepare session", "caller_id", to, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp, err := s.dialer.CreateCall(ctx, to, actions, s.builder.EventURL())
	if err != nil {
		s.calls.Abandon(to)
		s.logger.Error("create call: provider rejected call", "caller_id", to, "error", err)
		var apiErr *vonage.APIError
		if errors.As(err, &apiErr) {
			writeError(w, http.StatusBadGateway, "provider rejected the call: "+apiErr.Title)
			return
		}
		writeError(w, http.StatusBadGateway, "provider unavailable")
		return
	}

	if err := s.calls.Bind(ctx, to, resp.UUID, resp.ConversationUUID); err != nil {
		// The answered event binds the leg again.
		s.logger.Warn("create call: failed to bind leg", "caller_id", to, "leg_id", resp.UUID, "error", err)
	}

	s.logger.Info("outbound call placed", "caller_id", to, "leg_id", resp.UUID)

	writeJSON(w, http.StatusCreated, callResponse{
		To:               to,
		LegID:            resp.UUID,
		ConversationUUID: resp.ConversationUUID,
		Status:           resp.Status,
	})
}

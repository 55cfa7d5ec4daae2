package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/transcript"
)

// TranscriptView is the body of GET /sessions/{id}/transcript.
type TranscriptView struct {
	Session models.Session `json:"session"`
	Turns   []models.Turn  `json:"turns"`
	Text    string         `json:"text"`
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.st.ListSessions(r.Context())
	if err != nil {
		slog.Error("Server.listSessionsHandler: failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// lookupSession writes a 404 and returns nil when the session does not exist.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) *models.Session {
	id := r.PathValue("id")
	session, err := s.st.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Server.lookupSession: failed to get session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get session")
		return nil
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil
	}
	return session
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	session := s.lookupSession(w, r)
	if session == nil {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(session))
}

func (s *Server) transcriptHandler(w http.ResponseWriter, r *http.Request) {
	session := s.lookupSession(w, r)
	if session == nil {
		return
	}
	turns, err := s.st.ListTurns(r.Context(), session.ID)
	if err != nil {
		slog.Error("Server.transcriptHandler: failed to list turns", "session_id", session.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get transcript")
		return
	}
	var text strings.Builder
	err = transcript.RenderUpdate(&text, session.UpdateText, transcript.Options{})
	if err == nil {
		err = transcript.RenderTurns(&text, turns, transcript.Options{})
	}
	if err != nil {
		slog.Warn("Server.transcriptHandler: failed to render transcript", "session_id", session.ID, "error", err)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(TranscriptView{Session: *session, Turns: turns, Text: text.String()}))
}

func (s *Server) resultHandler(w http.ResponseWriter, r *http.Request) {
	session := s.lookupSession(w, r)
	if session == nil {
		return
	}
	result, err := s.st.GetFinalResult(r.Context(), session.ID)
	if err != nil {
		slog.Error("Server.resultHandler: failed to get final result", "session_id", session.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get final result")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "No final result for session")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if sessions, err := s.st.ListSessions(ctx); err != nil {
		slog.Warn("Health check: failed to list sessions", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to read session store"
	} else {
		healthData["sessions"] = len(sessions)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"quiz-arena-service/internal/app"
	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/identity"
)

// APIHandler exposes the non-realtime use cases (quiz authoring, lobby
// listings, history) as a small JSON API.
type APIHandler struct {
	service  *app.GameService
	verifier *identity.Verifier
}

func NewAPIHandler(service *app.GameService, verifier *identity.Verifier) *APIHandler {
	return &APIHandler{service: service, verifier: verifier}
}

func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/quizzes", h.listQuizzes)
	mux.HandleFunc("POST /api/quizzes", h.createQuiz)
	mux.HandleFunc("DELETE /api/quizzes/{id}", h.deleteQuiz)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("GET /api/sessions/{id}/results", h.results)
	mux.HandleFunc("GET /api/history", h.history)
}

type createQuizRequest struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

func (h *APIHandler) createQuiz(w http.ResponseWriter, r *http.Request) {
	actor, err := identify(r, h.verifier)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createQuizRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		http.Error(w, "topic and count required", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 5
	}
	quiz, err := h.service.CreateQuiz(r.Context(), actor, req.Topic, req.Count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, quiz)
}

func (h *APIHandler) listQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := h.service.ListQuizzes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quizzes)
}

func (h *APIHandler) deleteQuiz(w http.ResponseWriter, r *http.Request) {
	actor, err := identify(r, h.verifier)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.DeleteQuiz(r.Context(), actor, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createSessionRequest struct {
	QuizID string `json:"quizId"`
}

func (h *APIHandler) createSession(w http.ResponseWriter, r *http.Request) {
	actor, err := identify(r, h.verifier)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuizID == "" {
		http.Error(w, "quizId required", http.StatusBadRequest)
		return
	}
	session, err := h.service.CreateSession(r.Context(), actor, req.QuizID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *APIHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.ListOpenSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *APIHandler) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *APIHandler) results(w http.ResponseWriter, r *http.Request) {
	leaderboard, err := h.service.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leaderboard)
}

func (h *APIHandler) history(w http.ResponseWriter, r *http.Request) {
	actor, err := identify(r, h.verifier)
	if err != nil {
		writeError(w, err)
		return
	}
	profile, err := h.service.Profile(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrQuizNotFound), errors.Is(err, domain.ErrPlayerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrGenerationFailed):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrStaleTransition):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": userMessage(err)})
}

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/johnwikman/id2202-autograder/pkg/store"
)

const defaultListLimit = 50

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")

			return
		}

		limit = n
	}

	var sinceID uint

	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since")

			return
		}

		sinceID = uint(n)
	}

	subs, err := s.store.ListSubmissions(r.Context(), sinceID, limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list submissions")
		s.writeError(w, http.StatusInternalServerError, "internal error")

		return
	}

	s.writeJSON(w, http.StatusOK, subs)
}

func (s *server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid submission id")

		return
	}

	sub, err := s.store.GetSubmission(r.Context(), uint(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "submission not found")

			return
		}

		s.log.WithError(err).Error("Failed to get submission")
		s.writeError(w, http.StatusInternalServerError, "internal error")

		return
	}

	s.writeJSON(w, http.StatusOK, sub)
}

func (s *server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.store.ListRunners(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list runners")
		s.writeError(w, http.StatusInternalServerError, "internal error")

		return
	}

	s.writeJSON(w, http.StatusOK, runners)
}

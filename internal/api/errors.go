package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alnlabs/aln-orchestrator/internal/cue"
	"github.com/alnlabs/aln-orchestrator/internal/scoring"
	"github.com/alnlabs/aln-orchestrator/internal/session"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the error body shape every endpoint shares.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeDomainError maps service errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scoring.ErrNoActiveSession), errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrTeamExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scoring.ErrUnknownTransaction), errors.Is(err, cue.ErrUnknownCue):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, cue.ErrInvalidCue):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cue.ErrCueCycle), errors.Is(err, cue.ErrNestingTooDeep):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON parses a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
	"github.com/jbweber/homelab/vmnetd/internal/store"
)

const maxBodyBytes = 1 << 20

// Reasons carried in ErrorResponse so clients need not parse messages.
const (
	ReasonInvalid  = "Invalid"
	ReasonNotFound = "NotFound"
	ReasonConflict = "Conflict"
	ReasonInUse    = "InUse"
	ReasonNotReady = "NotReady"
	ReasonTimeout  = "Timeout"
	ReasonInternal = "Internal"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error  string              `json:"error"`
	Reason string              `json:"reason,omitempty"`
	Fields []domain.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, log *logrus.Entry, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	writeJSON(w, log, status, ErrorResponse{Error: err.Error(), Reason: reasonForError(err), Fields: domain.Fields(err)})
}

// reasonForError names the store error behind a response. The specific
// conflicts are checked before the generic one.
func reasonForError(err error) string {
	switch {
	case errors.Is(err, store.ErrValidation):
		return ReasonInvalid
	case errors.Is(err, store.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, store.ErrInUse):
		return ReasonInUse
	case errors.Is(err, store.ErrNotReady):
		return ReasonNotReady
	case errors.Is(err, store.ErrConflict):
		return ReasonConflict
	}
	return ReasonInternal
}

// statusForError maps store errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInUse), errors.Is(err, store.ErrNotReady):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decodeBody decodes a bounded JSON request body. Malformed input is
// reported as a validation error.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if fe := domain.Fields(err); fe != nil {
			return err
		}
		return domain.FieldErrors{{Field: "body", Message: err.Error()}}
	}
	return nil
}

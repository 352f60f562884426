package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/revf/internal/service/auth"
)

const internalErrorMessage = "Internal server error"

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeMessage sends a success message.
func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeServiceError maps an auth failure to its status and client-safe message.
func writeServiceError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	writeError(w, status, msg)
}

func errorStatus(err error) (int, string) {
	var authErr *auth.Error
	if !errors.As(err, &authErr) {
		return http.StatusInternalServerError, internalErrorMessage
	}
	switch authErr.Kind {
	case auth.KindUpstream:
		return http.StatusInternalServerError, authErr.Message
	case auth.KindValidation, auth.KindConflict, auth.KindAuth, auth.KindNotFound:
		return http.StatusBadRequest, authErr.Message
	default:
		return http.StatusInternalServerError, internalErrorMessage
	}
}

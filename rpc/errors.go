package rpc

import (
	"encoding/json"
	"net/http"

	"streamchain/native/stream"
)

// StatusTooEarly is returned when a tick arrives before any time has elapsed.
const StatusTooEarly = http.StatusTooEarly

func statusFor(err error) (int, string) {
	switch stream.KindOf(err) {
	case stream.KindValidation:
		return http.StatusBadRequest, "invalid_argument"
	case stream.KindAuthorization:
		return http.StatusForbidden, "unauthorized"
	case stream.KindState:
		return http.StatusConflict, "invalid_state"
	case stream.KindResource:
		return http.StatusPaymentRequired, "insufficient_funds"
	case stream.KindTemporal:
		return StatusTooEarly, "no_time_elapsed"
	case stream.KindNotFound:
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: message}})
}

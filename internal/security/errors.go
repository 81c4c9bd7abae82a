package security

import (
	"encoding/json"
	"net/http"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteJSONError writes a machine-readable error code (and optional human
// detail) with the request's correlation ID echoed back.
func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string, detail ...string) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}

	resp := ErrorResponse{Error: code, CorrelationID: cid}
	if len(detail) > 0 {
		resp.Detail = detail[0]
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

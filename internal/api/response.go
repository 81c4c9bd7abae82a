package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/credit-ledger/internal/ledger"
	"github.com/example/credit-ledger/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeLedgerError maps typed ledger errors to stable HTTP error codes.
// Validation and capacity errors are the caller's to fix; infrastructure
// errors are surfaced, never masked as success.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var drift *ledger.DriftError

	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_amount")
	case errors.Is(err, ledger.ErrInsufficientCredits):
		security.WriteJSONError(w, r, http.StatusConflict, "insufficient_credits")
	case errors.Is(err, ledger.ErrDuplicateHold):
		security.WriteJSONError(w, r, http.StatusConflict, "duplicate_hold")
	case errors.Is(err, ledger.ErrHoldNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "hold_not_found")
	case errors.Is(err, ledger.ErrHoldAlreadyClosed):
		security.WriteJSONError(w, r, http.StatusConflict, "hold_already_closed", err.Error())
	case errors.Is(err, ledger.ErrPartialRelease):
		security.WriteJSONError(w, r, http.StatusInternalServerError, "partial_release", err.Error())
	case errors.Is(err, ledger.ErrStoreUnavailable):
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "store_unavailable")
	case errors.As(err, &drift):
		security.WriteJSONError(w, r, http.StatusConflict, "ledger_drift", err.Error())
	default:
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

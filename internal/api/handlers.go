package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/credit-ledger/internal/ledger"
	"github.com/example/credit-ledger/internal/security"
)

type amountRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type releaseRequest struct {
	Reference string `json:"reference"`
	PayeeID   string `json:"payee_account_id"`
}

type refundRequest struct {
	Reference string `json:"reference"`
}

type snapshotResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Snapshot      ledger.Snapshot `json:"snapshot"`
}

type releaseResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Holder        ledger.Snapshot `json:"holder"`
	Payee         ledger.Snapshot `json:"payee"`
}

type historyResponse struct {
	CorrelationID string         `json:"correlation_id"`
	AccountID     string         `json:"account_id"`
	Entries       []ledger.Entry `json:"entries"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "malformed_json")
		return false
	}
	return true
}

func cid(r *http.Request) string {
	return security.CorrelationIDFromContext(r.Context())
}

func handleAddCredits(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if !decode(w, r, &req) {
			return
		}

		snap, err := deps.Ledger.AddCredits(r.Context(), req.AccountID, req.Amount, req.Reference)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, snapshotResponse{CorrelationID: cid(r), Snapshot: snap})
	}
}

func handleSpendCredits(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if !decode(w, r, &req) {
			return
		}

		snap, err := deps.Ledger.SpendCredits(r.Context(), req.AccountID, req.Amount, req.Reference)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, snapshotResponse{CorrelationID: cid(r), Snapshot: snap})
	}
}

func handleHoldEscrow(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if !decode(w, r, &req) {
			return
		}

		snap, err := deps.Ledger.HoldEscrow(r.Context(), req.AccountID, req.Amount, req.Reference)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, snapshotResponse{CorrelationID: cid(r), Snapshot: snap})
	}
}

func handleReleaseEscrow(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req releaseRequest
		if !decode(w, r, &req) {
			return
		}

		holder, payee, err := deps.Ledger.ReleaseEscrow(r.Context(), req.Reference, req.PayeeID)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, releaseResponse{CorrelationID: cid(r), Holder: holder, Payee: payee})
	}
}

func handleRefundEscrow(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refundRequest
		if !decode(w, r, &req) {
			return
		}

		snap, err := deps.Ledger.RefundEscrow(r.Context(), req.Reference)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, snapshotResponse{CorrelationID: cid(r), Snapshot: snap})
	}
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")

		snap, err := deps.Ledger.BalanceOf(r.Context(), accountID)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, snapshotResponse{CorrelationID: cid(r), Snapshot: snap})
	}
}

func handleHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")

		var since int64
		if v := r.URL.Query().Get("since"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_since")
				return
			}
			since = parsed
		}

		entries, err := deps.Ledger.History(r.Context(), accountID, since)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		if entries == nil {
			entries = []ledger.Entry{}
		}
		writeJSON(w, r, http.StatusOK, historyResponse{CorrelationID: cid(r), AccountID: accountID, Entries: entries})
	}
}

func handleStats(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")

		stats, err := deps.Ledger.StatsFor(r.Context(), accountID)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, struct {
			CorrelationID string       `json:"correlation_id"`
			Stats         ledger.Stats `json:"stats"`
		}{cid(r), stats})
	}
}

func handleReconcile(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")

		report, err := deps.Ledger.Reconcile(r.Context(), accountID)
		if err != nil {
			var drift *ledger.DriftError
			if errors.As(err, &drift) {
				// Drift is a finding, not a transport failure: return the
				// full report with a conflict status.
				writeJSON(w, r, http.StatusConflict, struct {
					CorrelationID string                 `json:"correlation_id"`
					Report        ledger.ReconcileReport `json:"report"`
				}{cid(r), report})
				return
			}
			writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, struct {
			CorrelationID string                 `json:"correlation_id"`
			Report        ledger.ReconcileReport `json:"report"`
		}{cid(r), report})
	}
}

func handleVerify(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")

		report, err := deps.Ledger.VerifyIntegrity(r.Context(), accountID)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}

		status := http.StatusOK
		if !report.Valid {
			status = http.StatusConflict
		}
		writeJSON(w, r, status, struct {
			CorrelationID string                 `json:"correlation_id"`
			Report        ledger.IntegrityReport `json:"report"`
		}{cid(r), report})
	}
}

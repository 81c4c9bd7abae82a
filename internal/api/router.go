package api

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/credit-ledger/internal/ledger"
	"github.com/example/credit-ledger/internal/security"
)

type Dependencies struct {
	Logger *slog.Logger
	Ledger *ledger.Service

	// RateLimiter, when configured, throttles write operations per account.
	RateLimiter  *security.RedisTokenBucket
	MaxBodyBytes int64

	// AdminAllowlist, when non-empty, restricts the reconcile and verify
	// endpoints to operator networks.
	AdminAllowlist []*net.IPNet
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	if deps.MaxBodyBytes > 0 {
		r.Use(maxBody(deps.MaxBodyBytes))
	}

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, req, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(writes chi.Router) {
		if deps.RateLimiter != nil {
			writes.Use(security.RateLimitMiddleware(deps.RateLimiter, writeRateKey))
		}
		writes.Post("/credits/add", handleAddCredits(deps))
		writes.Post("/credits/spend", handleSpendCredits(deps))
		writes.Post("/escrow/hold", handleHoldEscrow(deps))
		writes.Post("/escrow/release", handleReleaseEscrow(deps))
		writes.Post("/escrow/refund", handleRefundEscrow(deps))
	})

	r.Get("/accounts/{accountID}/balance", handleBalance(deps))
	r.Get("/accounts/{accountID}/history", handleHistory(deps))
	r.Get("/accounts/{accountID}/stats", handleStats(deps))
	r.Get("/stats", handleStats(deps))

	r.Group(func(admin chi.Router) {
		if len(deps.AdminAllowlist) > 0 {
			admin.Use(security.IPAllowlist(deps.AdminAllowlist))
		}
		admin.Post("/accounts/{accountID}/reconcile", handleReconcile(deps))
		admin.Get("/accounts/{accountID}/verify", handleVerify(deps))
	})

	return r
}

// writeRateKey buckets write traffic by client address; the ledger's own
// per-account locks already serialize per-account writes.
func writeRateKey(r *http.Request) string {
	return r.RemoteAddr
}

func maxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tollkeeper/cashu-gate/internal/adminauth"
	"github.com/tollkeeper/cashu-gate/internal/metrics"
	"github.com/tollkeeper/cashu-gate/internal/treasury"
	"github.com/tollkeeper/cashu-gate/web"
)

// onchainInvoiceBuilder encodes the payout address and chain tag into the
// string the mint's non-standard on-chain melt-quote endpoint expects in
// place of a Lightning invoice, per treasury.OnchainInvoiceBuilder.
func onchainInvoiceBuilder(address, chain string) string {
	return fmt.Sprintf(`{"address":%q,"chain":%q}`, address, chain)
}

// asInsufficientBalance unwraps a *treasury.InsufficientBalanceError.
func asInsufficientBalance(err error) (*treasury.InsufficientBalanceError, bool) {
	e, ok := err.(*treasury.InsufficientBalanceError)
	return e, ok
}

// withAdmin wraps an admin handler with the requireAdmin contract.
// allowQueryToken is true only for the dashboard route.
func (d *Deps) withAdmin(allowQueryToken bool, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := adminauth.RequireAdmin(r, d.AdminLimiter, d.AdminToken, allowQueryToken)
		if !res.Authorized {
			writeJSON(w, res.HTTPStatus, map[string]any{"error": res.Message})
			return
		}
		handler(w, r)
	}
}

// Balance implements GET /v1/gate/balance.
func (d *Deps) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := d.Treasury.Balance(r.Context())
	if err != nil {
		writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "failed to read balance"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance_units": bal, "unit": "usd"})
}

// HomoBalance implements GET /homo/balance: balance plus proof/entry counts.
func (d *Deps) HomoBalance(w http.ResponseWriter, r *http.Request) {
	entries, err := d.ProofStore.ListAll(r.Context())
	if err != nil {
		writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "failed to list proofs"))
		return
	}
	var balance uint64
	var proofCount int
	for _, e := range entries {
		balance += e.Amount()
		proofCount += len(e.Proofs)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance_units": balance,
		"proof_count":   proofCount,
		"entry_count":   len(entries),
	})
}

type meltLightningRequest struct {
	Invoice string `json:"invoice"`
}

// MeltLightning implements POST /homo/melt and POST /v1/gate/melt-ln.
func (d *Deps) MeltLightning(w http.ResponseWriter, r *http.Request) {
	var req meltLightningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Invoice == "" {
		writeGateError(w, http.StatusBadRequest, newError(CodeInvalidRequest, "invoice is required"))
		return
	}

	res, err := d.Treasury.MeltLightning(r.Context(), req.Invoice)
	if err != nil {
		d.writeTreasuryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type meltOnchainRequest struct {
	Address string `json:"address"`
}

// MeltOnchain implements POST /v1/gate/melt.
func (d *Deps) MeltOnchain(w http.ResponseWriter, r *http.Request) {
	var req meltOnchainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req.Address = d.WalletAddress
	}
	if req.Address == "" {
		req.Address = d.WalletAddress
	}
	if req.Address == "" {
		writeGateError(w, http.StatusBadRequest, newError(CodeInvalidRequest, "no payout address configured"))
		return
	}

	res, err := d.Treasury.MeltOnchain(r.Context(), req.Address, onchainInvoiceBuilder)
	if err != nil {
		d.writeTreasuryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type withdrawRequest struct {
	Amount uint64 `json:"amount"`
}

// Withdraw implements POST /homo/withdraw.
func (d *Deps) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == 0 {
		writeGateError(w, http.StatusBadRequest, newError(CodeInvalidRequest, "amount must be a positive integer"))
		return
	}

	res, err := d.Treasury.Withdraw(r.Context(), req.Amount, "")
	if err != nil {
		d.writeTreasuryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Dashboard implements GET /homo/ui: the placeholder admin HTML page.
func (d *Deps) Dashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(web.DashboardHTML))
}

// Cleanup implements POST /homo/cleanup.
func (d *Deps) Cleanup(w http.ResponseWriter, r *http.Request) {
	res, err := d.Treasury.Cleanup(r.Context())
	if err != nil {
		writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "cleanup failed"))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stats implements GET /stats: today's and the last 7 days' summaries.
func (d *Deps) Stats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	today, err := d.MetricsReader.RecordsForDate(r.Context(), now)
	if err != nil {
		writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "failed to read metrics"))
		return
	}

	weekAgo := now.AddDate(0, 0, -6)
	week, err := d.MetricsReader.RecordsForRange(r.Context(), weekAgo, now)
	if err != nil {
		writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "failed to read metrics"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"today":       metrics.SummarizeRecords(today),
		"last_7_days": metrics.SummarizeRecords(week),
	})
}

// MetricsSummary implements GET /v1/gate/metrics/summary for a single day
// (?date=YYYY-MM-DD, defaulting to today).
func (d *Deps) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	date := parseDateParam(r, time.Now().UTC())
	records, err := d.MetricsReader.RecordsForDate(r.Context(), date)
	if err != nil {
		writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "failed to read metrics"))
		return
	}
	writeJSON(w, http.StatusOK, metrics.SummarizeRecords(records))
}

// MetricsRaw implements GET /v1/gate/metrics for a single day's raw records.
func (d *Deps) MetricsRaw(w http.ResponseWriter, r *http.Request) {
	date := parseDateParam(r, time.Now().UTC())
	records, err := d.MetricsReader.RecordsForDate(r.Context(), date)
	if err != nil {
		writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "failed to read metrics"))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// TokenErrors implements GET /v1/gate/token-errors for a single day's raw
// token-decode failures.
func (d *Deps) TokenErrors(w http.ResponseWriter, r *http.Request) {
	date := parseDateParam(r, time.Now().UTC())
	records, err := d.MetricsReader.TokenErrorsForDate(r.Context(), date)
	if err != nil {
		writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "failed to read token errors"))
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// TokenErrorsSummary implements GET /v1/gate/token-errors/summary.
func (d *Deps) TokenErrorsSummary(w http.ResponseWriter, r *http.Request) {
	date := parseDateParam(r, time.Now().UTC())
	records, err := d.MetricsReader.TokenErrorsForDate(r.Context(), date)
	if err != nil {
		writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "failed to read token errors"))
		return
	}
	writeJSON(w, http.StatusOK, metrics.SummarizeTokenErrors(records, time.Now().UTC()))
}

func parseDateParam(r *http.Request, fallback time.Time) time.Time {
	q := r.URL.Query().Get("date")
	if q == "" {
		return fallback
	}
	if t, err := time.Parse("2006-01-02", q); err == nil {
		return t
	}
	return fallback
}

// writeTreasuryError maps the treasury package's typed errors onto a
// response shape that never leaks raw mint error text beyond a single
// details field.
func (d *Deps) writeTreasuryError(w http.ResponseWriter, err error) {
	if insufficient, ok := asInsufficientBalance(err); ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "insufficient_balance",
			"balance":  insufficient.Balance,
			"required": insufficient.Required,
		})
		return
	}

	writeJSON(w, http.StatusBadGateway, map[string]any{
		"error":   "mint_error",
		"details": err.Error(),
	})
}

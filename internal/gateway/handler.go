package gateway

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tollkeeper/cashu-gate/internal/logging"
	"github.com/tollkeeper/cashu-gate/internal/token"
	"github.com/tollkeeper/cashu-gate/internal/upstream"
	"go.uber.org/zap"
)

// receipt is the JSON payload of the X-Cashu-Receipt header.
type receipt struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Amount    uint64 `json:"amount"`
	Unit      string `json:"unit"`
	Model     string `json:"model"`
	TokenHash string `json:"token_hash"`
}

// newReceipt builds the receipt for the proofs presented in this request.
// TokenHash is the first 16 hex chars of SHA-256 of the proof secrets
// joined by "|": deterministic for an identical secret set, but sensitive
// to the order they're joined in.
func newReceipt(sc *scope) receipt {
	return receipt{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Amount:    sc.EstimatedPrice,
		Unit:      "usd",
		Model:     sc.Model,
		TokenHash: tokenHash(sc.Stamp.Proofs),
	}
}

func tokenHash(proofs token.Proofs) string {
	secrets := make([]string, len(proofs))
	for i, p := range proofs {
		secrets[i] = p.Secret
	}
	sum := sha256.Sum256([]byte(strings.Join(secrets, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// ChatCompletions implements the payment-gated proxy: resolves the
// upstream, proxies the (possibly rewritten) body, and emits the
// receipt/change/refund headers depending on unary vs. streaming outcome.
func (d *Deps) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	sc, ok := scopeFrom(r.Context())
	if !ok {
		writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "missing request scope"))
		return
	}

	route := upstream.Resolve(sc.Model, d.UpstreamRoutes)
	if route == nil {
		if refund := refundHeader(sc); refund != "" {
			w.Header().Set("X-Cashu-Refund", refund)
		}
		d.recordMetric(onMetricOutcome{status: http.StatusBadGateway, errorCode: string(CodeNoUpstream), model: sc.Model, mint: sc.Stamp.Mint, unitsIn: sc.Stamp.Amount, price: sc.EstimatedPrice, refunded: true}, 0, false)
		writeGateError(w, http.StatusBadGateway, newError(CodeNoUpstream, "no upstream configured for model "+sc.Model))
		d.refundAndCleanup(r.Context(), sc) // after the refund token has reached the client
		return
	}

	requestedStream, _ := sc.Body["stream"].(bool)

	start := time.Now()
	resp, err := d.Upstream.Call(r.Context(), *route, sc.Body, requestedStream)
	elapsedMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		if refund := refundHeader(sc); refund != "" {
			w.Header().Set("X-Cashu-Refund", refund)
		}
		d.recordMetric(onMetricOutcome{status: http.StatusBadGateway, errorCode: string(CodeUpstreamError), model: sc.Model, mint: sc.Stamp.Mint, unitsIn: sc.Stamp.Amount, price: sc.EstimatedPrice, refunded: true}, elapsedMs, requestedStream)
		writeGateError(w, http.StatusBadGateway, newError(CodeUpstreamError, "upstream call failed"))
		d.refundAndCleanup(r.Context(), sc)
		return
	}

	w.Header().Set("X-Gate-Version", d.Version)

	if resp.Streaming {
		d.handleStreaming(w, r, sc, resp, elapsedMs)
		return
	}

	if resp.StatusCode >= 400 {
		if refund := refundHeader(sc); refund != "" {
			w.Header().Set("X-Cashu-Refund", refund)
		}
		d.recordMetric(onMetricOutcome{status: resp.StatusCode, errorCode: string(CodeUpstreamError), model: sc.Model, mint: sc.Stamp.Mint, unitsIn: sc.Stamp.Amount, price: sc.EstimatedPrice, refunded: true}, elapsedMs, false)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
		d.refundAndCleanup(r.Context(), sc)
		return
	}

	rcpt := newReceipt(sc)
	rcptJSON, _ := json.Marshal(rcpt)
	w.Header().Set("X-Cashu-Receipt", string(rcptJSON))

	if sc.Change.Amount() > 0 {
		if encoded, err := token.EncodeV4(sc.Stamp.Mint, token.UnitUSD, sc.Change, ""); err == nil {
			w.Header().Set("X-Cashu-Change", encoded)
		}
	}

	d.recordMetric(onMetricOutcome{status: http.StatusOK, model: sc.Model, mint: sc.Stamp.Mint, unitsIn: sc.Stamp.Amount, price: sc.EstimatedPrice, change: sc.Change.Amount()}, elapsedMs, false)
	if d.Telemetry != nil {
		d.Telemetry.EcashReceived.Add(float64(sc.Stamp.Amount))
		d.Telemetry.EcashChange.Add(float64(sc.Change.Amount()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Body)
}

// handleStreaming pipes the upstream SSE body through unchanged, appending
// a trailing cashu-change event once the upstream stream ends. It never
// attempts a refund after headers are sent.
func (d *Deps) handleStreaming(w http.ResponseWriter, r *http.Request, sc *scope, resp *upstream.Response, elapsedMs float64) {
	defer resp.Stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rcpt := newReceipt(sc)
	rcptJSON, _ := json.Marshal(rcpt)
	w.Header().Set("X-Cashu-Receipt", string(rcptJSON))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	reader := bufio.NewReader(resp.Stream)
	streamErr := copyStream(r.Context(), w, flusher, reader)

	d.recordMetric(onMetricOutcome{status: http.StatusOK, model: sc.Model, mint: sc.Stamp.Mint, unitsIn: sc.Stamp.Amount, price: sc.EstimatedPrice, change: sc.Change.Amount()}, elapsedMs, true)
	if d.Telemetry != nil {
		d.Telemetry.EcashReceived.Add(float64(sc.Stamp.Amount))
	}

	if streamErr != nil {
		logging.Warn("upstream stream aborted mid-flight", zap.Error(streamErr))
		return
	}

	if sc.Change.Amount() > 0 {
		if encoded, err := token.EncodeV4(sc.Stamp.Mint, token.UnitUSD, sc.Change, ""); err == nil {
			w.Write([]byte("event: cashu-change\ndata: " + encoded + "\n\n"))
			if flusher != nil {
				flusher.Flush()
			}
			if d.Telemetry != nil {
				d.Telemetry.EcashChange.Add(float64(sc.Change.Amount()))
			}
		}
	}
}

// copyStream reads upstream SSE bytes and writes them through unchanged,
// respecting downstream cancellation: if the client drops the connection,
// the upstream read loop stops.
func copyStream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, reader *bufio.Reader) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// refundAndCleanup removes the stored keep-entry from KV after the refund
// token has already reached the client (the caller sets X-Cashu-Refund via
// refundHeader before writing the response). Losing the refund delivery is
// worse than a transient phantom balance cleaned up later by Cleanup.
func (d *Deps) refundAndCleanup(ctx context.Context, sc *scope) {
	if sc.KVKey == "" || d.ProofStore == nil {
		return
	}
	if err := d.ProofStore.Delete(ctx, sc.KVKey); err != nil {
		logging.Warn("refund cleanup: failed to delete kept-proof entry", zap.String("key", sc.KVKey), zap.Error(err))
	}
}

// refundHeader builds the X-Cashu-Refund token value for a scope about to
// be refunded. Handlers call this before WriteHeader so the header is set
// on the same response the refund applies to.
func refundHeader(sc *scope) string {
	all := append(append(token.Proofs{}, sc.Keep...), sc.Change...)
	if len(all) == 0 {
		return ""
	}
	encoded, err := token.EncodeV4(sc.Stamp.Mint, token.UnitUSD, all, "")
	if err != nil {
		return ""
	}
	return encoded
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tollkeeper/cashu-gate/internal/logging"
	"github.com/tollkeeper/cashu-gate/internal/metrics"
	"github.com/tollkeeper/cashu-gate/internal/mintclient"
	"github.com/tollkeeper/cashu-gate/internal/pricing"
	"github.com/tollkeeper/cashu-gate/internal/stamp"
)

// onMetricOutcome is the minimal outcome shape every early-return path in
// StampGate and ChatCompletions must record.
type onMetricOutcome struct {
	status    int
	errorCode string
	model     string
	mint      string
	unitsIn   uint64
	price     uint64
	change    uint64
	refunded  bool
}

func (d *Deps) recordMetric(o onMetricOutcome, upstreamMs float64, stream bool) {
	if d.MetricsWriter != nil {
		go func() {
			_ = d.MetricsWriter.WriteRecord(context.Background(), metrics.Record{
				Timestamp:  timeNow(),
				Model:      o.model,
				Status:     o.status,
				UnitsIn:    o.unitsIn,
				Price:      o.price,
				Change:     o.change,
				Refunded:   o.refunded,
				ErrorCode:  o.errorCode,
				Mint:       o.mint,
				UpstreamMs: upstreamMs,
				Stream:     stream,
			})
		}()
	}
	if d.Telemetry != nil {
		outcome := "ok"
		if o.errorCode != "" {
			outcome = o.errorCode
		}
		d.Telemetry.RequestsTotal.WithLabelValues(o.model, outcome).Inc()
		if upstreamMs > 0 {
			d.Telemetry.UpstreamLatency.WithLabelValues(o.model).Observe(upstreamMs / 1000.0)
		}
	}
}

// StampGate decodes, trusts, prices, and redeems a payment before the
// request reaches the handler. It returns a standard net/http middleware,
// composing with gorilla/mux as a handler wrapper rather than a
// chain-of-responsibility object graph.
func (d *Deps) StampGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Cashu")

		if raw == "" {
			d.recordMetric(onMetricOutcome{status: http.StatusPaymentRequired, errorCode: string(CodePaymentRequired)}, 0, false)
			w.Header().Set("X-Cashu-Price", "see /v1/pricing")
			writeGateError(w, http.StatusPaymentRequired, newError(CodePaymentRequired, "payment required: attach an X-Cashu token"))
			return
		}

		st, diag := stamp.DecodeWithDiagnostics(raw, logging.Log != nil && logging.Log.Core().Enabled(zap.DebugLevel))
		if st == nil {
			d.onTokenError(r, diag)
			d.recordMetric(onMetricOutcome{status: http.StatusBadRequest, errorCode: string(CodeInvalidToken)}, 0, false)
			writeGateError(w, http.StatusBadRequest, newError(CodeInvalidToken, "could not decode payment token"))
			return
		}

		if !d.TrustedMints[st.Mint] {
			d.recordMetric(onMetricOutcome{status: http.StatusBadRequest, errorCode: string(CodeUntrustedMint), mint: st.Mint, unitsIn: st.Amount}, 0, false)
			writeGateError(w, http.StatusBadRequest, newError(CodeUntrustedMint, "mint is not trusted"))
			return
		}

		body, model, err := parseBody(r)
		if err != nil || model == "" {
			d.recordMetric(onMetricOutcome{status: http.StatusBadRequest, errorCode: string(CodeInvalidRequest), mint: st.Mint, unitsIn: st.Amount}, 0, false)
			writeGateError(w, http.StatusBadRequest, newError(CodeInvalidRequest, "request body must include a model"))
			return
		}

		rule := pricing.Resolve(model, d.PricingRules)
		if rule == nil {
			d.recordMetric(onMetricOutcome{status: http.StatusBadRequest, errorCode: string(CodeModelNotFound), model: model, mint: st.Mint, unitsIn: st.Amount}, 0, false)
			writeGateError(w, http.StatusBadRequest, newError(CodeModelNotFound, "no pricing rule for model "+model))
			return
		}

		var estCtx *pricing.EstimateContext
		if rule.Mode == pricing.ModePerToken {
			estCtx = &pricing.EstimateContext{InputTokens: estimateInputTokens(body)}
		}
		validation, err := pricing.ValidateAmount(st.Amount, *rule, estCtx)
		if err != nil {
			d.recordMetric(onMetricOutcome{status: http.StatusInternalServerError, errorCode: string(CodeInternal), model: model, mint: st.Mint, unitsIn: st.Amount}, 0, false)
			writeGateError(w, http.StatusInternalServerError, newError(CodeInternal, "pricing configuration error"))
			return
		}
		if !validation.Ok {
			d.recordMetric(onMetricOutcome{status: http.StatusPaymentRequired, errorCode: string(CodeInsufficientPay), model: model, mint: st.Mint, unitsIn: st.Amount, price: validation.Required}, 0, false)
			w.Header().Set("X-Cashu-Price", priceHeaderJSON(*rule, validation.Required))
			writeGateError(w, http.StatusPaymentRequired, GateError{
				Code: CodeInsufficientPay, Message: "insufficient payment",
				Extra: map[string]any{"required": validation.Required, "provided": validation.Provided},
			})
			return
		}

		redeemResult := d.MintClient.Redeem(r.Context(), st.Mint, st.Raw, st.Proofs, st.Amount, validation.Required)
		switch redeemResult.Outcome {
		case mintclient.OutcomeSpent:
			d.recordMetric(onMetricOutcome{status: http.StatusBadRequest, errorCode: string(CodeTokenSpent), model: model, mint: st.Mint, unitsIn: st.Amount}, 0, false)
			writeGateError(w, http.StatusBadRequest, newError(CodeTokenSpent, redeemResult.Message))
			return
		case mintclient.OutcomeTimeout:
			d.recordMetric(onMetricOutcome{status: http.StatusGatewayTimeout, errorCode: string(CodeGatewayTimeout), model: model, mint: st.Mint, unitsIn: st.Amount}, 0, false)
			writeGateError(w, http.StatusGatewayTimeout, newError(CodeGatewayTimeout, redeemResult.Message))
			return
		case mintclient.OutcomeCircuitOpen, mintclient.OutcomeOther:
			d.recordMetric(onMetricOutcome{status: http.StatusInternalServerError, errorCode: string(CodeRedeemFailed), model: model, mint: st.Mint, unitsIn: st.Amount}, 0, false)
			writeGateError(w, http.StatusInternalServerError, newError(CodeRedeemFailed, "redeem failed"))
			return
		}

		sc := &scope{
			Body:           body,
			Model:          model,
			Stamp:          st,
			Rule:           *rule,
			EstimatedPrice: validation.Required,
			Keep:           redeemResult.Keep,
			Change:         redeemResult.Change,
			KVKey:          redeemResult.KVKey,
		}

		next.ServeHTTP(w, r.WithContext(withScope(r.Context(), sc)))
	})
}

// onTokenError records a decode failure for the operator dashboard,
// including the caller's hashed IP and user agent.
func (d *Deps) onTokenError(r *http.Request, diag stamp.Diagnostics) {
	if d.MetricsWriter == nil {
		return
	}
	go func() {
		_ = d.MetricsWriter.WriteTokenError(context.Background(), metrics.TokenErrorRecord{
			Timestamp:        timeNow(),
			Version:          string(diag.TokenVersion),
			Error:            diag.Error,
			RawPrefix:        diag.RawPrefix,
			RawToken:         diag.RawToken,
			DecodeTimeMs:     diag.DecodeTimeMs,
			RawCborStructure: diag.RawCborStructure,
			IPHash:           HashIP(clientIPForHashing(r), d.IPHashSalt),
			UserAgent:        r.Header.Get("User-Agent"),
		})
	}()
	if d.Telemetry != nil {
		d.Telemetry.TokenDecodeFail.WithLabelValues(string(diag.TokenVersion)).Inc()
	}
}

// parseBody reads and JSON-decodes the request body exactly once, caching
// it so downstream handlers never re-read r.Body.
func parseBody(r *http.Request) (map[string]any, string, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, "", err
	}
	model, _ := body["model"].(string)
	return body, model, nil
}

// estimateInputTokens adapts the raw decoded JSON body's "messages" array
// into pricing.Message values for EstimateInputTokens.
func estimateInputTokens(body map[string]any) uint64 {
	raw, ok := body["messages"].([]any)
	if !ok {
		return pricing.EstimateInputTokens(nil)
	}

	messages := make([]pricing.Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		msg := pricing.Message{}
		if role, ok := m["role"].(string); ok {
			msg.Role = role
		}
		switch content := m["content"].(type) {
		case string:
			msg.Content = content
		case []any:
			for _, part := range content {
				pm, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if pm["type"] == "image_url" {
					msg.ImageParts++
				}
				if text, ok := pm["text"].(string); ok {
					msg.Content += text
				}
			}
		}
		messages = append(messages, msg)
	}
	return pricing.EstimateInputTokens(messages)
}

// clientIPForHashing mirrors adminauth.ClientIP's precedence without
// importing adminauth's lockout machinery into the hot request path.
func clientIPForHashing(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if ff := r.Header.Get("X-Forwarded-For"); ff != "" {
		return ff
	}
	return r.RemoteAddr
}

func timeNow() time.Time { return time.Now() }

// priceHeaderJSON builds the X-Cashu-Price JSON body for an
// insufficient-payment 402: {mode, model, unit, ...mode-specific fields}.
func priceHeaderJSON(rule pricing.Rule, required uint64) string {
	body := map[string]any{
		"mode":     rule.Mode,
		"model":    rule.Model,
		"unit":     "usd",
		"required": required,
	}
	switch rule.Mode {
	case pricing.ModePerRequest:
		body["per_request"] = rule.PerRequest
	case pricing.ModePerToken:
		body["input_per_million"] = rule.InputPerMillion
		body["output_per_million"] = rule.OutputPerMillion
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "see /v1/pricing"
	}
	return string(encoded)
}

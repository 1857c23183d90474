package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tollkeeper/cashu-gate/internal/adminauth"
	"github.com/tollkeeper/cashu-gate/internal/kv"
	"github.com/tollkeeper/cashu-gate/internal/mintclient"
	"github.com/tollkeeper/cashu-gate/internal/pricing"
	"github.com/tollkeeper/cashu-gate/internal/proofstore"
	"github.com/tollkeeper/cashu-gate/internal/telemetry"
	"github.com/tollkeeper/cashu-gate/internal/token"
	"github.com/tollkeeper/cashu-gate/internal/upstream"
)

// stubWallet is a minimal mintclient.MintWallet: only Receive (no-price
// redeem) is exercised by these tests, matching mintclient_test.go's
// fakeWallet pattern.
type stubWallet struct {
	fresh token.Proofs
}

func (w *stubWallet) LoadMint(ctx context.Context) error { return nil }

func (w *stubWallet) Swap(ctx context.Context, amount uint64, proofs token.Proofs) (token.Proofs, token.Proofs, error) {
	return proofs, nil, nil
}

func (w *stubWallet) Receive(ctx context.Context, raw string) (token.Proofs, error) {
	return w.fresh, nil
}

func (w *stubWallet) CreateMeltQuote(ctx context.Context, invoice string) (mintclient.MeltQuote, error) {
	return mintclient.MeltQuote{}, nil
}

func (w *stubWallet) MeltProofs(ctx context.Context, quote mintclient.MeltQuote, proofs token.Proofs) (mintclient.MeltResult, error) {
	return mintclient.MeltResult{}, nil
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func proof(amount uint64, secret string) token.Proof {
	return token.Proof{Amount: amount, Id: "00aabbcc", Secret: secret, C: "02abcdef"}
}

func encodeToken(t *testing.T, mint string, proofs token.Proofs) string {
	t.Helper()
	encoded, err := token.EncodeV4(mint, token.UnitUSD, proofs, "")
	require.NoError(t, err)
	return encoded
}

func testDeps(t *testing.T, mintWallet mintclient.MintWallet, upstreamServer *httptest.Server, mintURL string) *Deps {
	t.Helper()

	mintClient := mintclient.New(func(string) mintclient.MintWallet { return mintWallet }, time.Second)
	store := proofstore.New(kv.NewMemStore())
	mintClient.OnRedeem = func(m string, keep token.Proofs) (string, error) {
		if keep.Amount() == 0 {
			return "", nil
		}
		return store.Store(context.Background(), m, keep)
	}

	routes := []upstream.Route{{Match: "*", BaseURL: upstreamServer.URL, APIKey: "test-key"}}

	return &Deps{
		TrustedMints: map[string]bool{mintURL: true},
		PricingRules: map[string]pricing.Rule{
			"gpt-test": {Mode: pricing.ModePerRequest, PerRequest: 10},
		},
		MintClient:     mintClient,
		ProofStore:     store,
		Upstream:       upstream.NewClient(upstreamServer.Client()),
		UpstreamRoutes: routes,
		AdminToken:     "s3cr3t",
		AdminLimiter:   adminauth.NewLimiter(),
		Telemetry:      telemetry.NewTelemetry(),
		Version:        "1.0.0-test",
	}
}

func TestStampGate_NoHeader_402(t *testing.T) {
	deps := &Deps{Telemetry: telemetry.NewTelemetry()}
	handler := deps.StampGate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Cashu-Price"))

	var env map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, string(CodePaymentRequired), env["error"]["code"])
}

func TestStampGate_UntrustedMint_400(t *testing.T) {
	deps := &Deps{TrustedMints: map[string]bool{"https://other-mint": true}, Telemetry: telemetry.NewTelemetry()}
	handler := deps.StampGate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	}))

	raw := encodeToken(t, "https://my-mint", token.Proofs{proof(10, "a")})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("X-Cashu", raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, string(CodeUntrustedMint), env["error"]["code"])
}

func TestChatCompletions_HappyPath_Unary(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"cc-1","choices":[]}`))
	}))
	defer upstreamSrv.Close()

	mintURL := "https://my-mint"
	wallet := &stubWallet{fresh: token.Proofs{proof(10, "a")}}
	deps := testDeps(t, wallet, upstreamSrv, mintURL)

	raw := encodeToken(t, mintURL, token.Proofs{proof(10, "a")})
	body := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytesReader(body))
	req.Header.Set("X-Cashu", raw)

	rec := httptest.NewRecorder()
	handler := deps.StampGate(http.HandlerFunc(deps.ChatCompletions))
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Cashu-Receipt"))
	require.Contains(t, rec.Body.String(), `"id":"cc-1"`)
}

func TestChatCompletions_NoUpstream_RefundsAndCleansUp(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	}))
	defer upstreamSrv.Close()

	mintURL := "https://my-mint"
	wallet := &stubWallet{fresh: token.Proofs{proof(10, "a")}}
	deps := testDeps(t, wallet, upstreamSrv, mintURL)
	deps.UpstreamRoutes = nil // force "no upstream configured"

	raw := encodeToken(t, mintURL, token.Proofs{proof(10, "a")})
	body := []byte(`{"model":"gpt-test"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytesReader(body))
	req.Header.Set("X-Cashu", raw)

	rec := httptest.NewRecorder()
	handler := deps.StampGate(http.HandlerFunc(deps.ChatCompletions))
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Cashu-Refund"))
}

func TestWithAdmin_NoToken_503(t *testing.T) {
	deps := &Deps{AdminLimiter: adminauth.NewLimiter()}
	handler := deps.withAdmin(false, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWithAdmin_WrongToken_401(t *testing.T) {
	deps := &Deps{AdminLimiter: adminauth.NewLimiter(), AdminToken: "s3cr3t"}
	handler := deps.withAdmin(false, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWithAdmin_CorrectToken_Runs(t *testing.T) {
	deps := &Deps{AdminLimiter: adminauth.NewLimiter(), AdminToken: "s3cr3t"}
	ran := false
	handler := deps.withAdmin(false, func(w http.ResponseWriter, r *http.Request) {
		ran = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.True(t, ran)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPricing_IncludesExchangeRate(t *testing.T) {
	deps := &Deps{PricingRules: map[string]pricing.Rule{
		"*": {Mode: pricing.ModePerToken, InputPerMillion: 50, OutputPerMillion: 150},
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/pricing", nil)
	rec := httptest.NewRecorder()
	deps.Pricing(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	rate := body["exchange_rate"].(map[string]any)
	require.EqualValues(t, 100000, rate["usd_to_units"])
}

func TestHashIP_Deterministic(t *testing.T) {
	a := HashIP("1.2.3.4", "salt")
	b := HashIP("1.2.3.4", "salt")
	c := HashIP("1.2.3.4", "other-salt")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

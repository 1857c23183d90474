package mintclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tollkeeper/cashu-gate/internal/token"
)

// HTTPMintWallet is a thin, swappable seam that speaks the plain mint HTTP
// endpoints the same way the reference wallet package does
// (POST /v1/swap, /v1/melt/quote/bolt11, /v1/melt/bolt11). It does not
// construct or verify blind signatures — that cryptography is out of scope
// here; a production deployment wraps a real Cashu wallet library behind
// the same MintWallet interface.
type HTTPMintWallet struct {
	MintURL string
	HTTP    *http.Client
}

func NewHTTPMintWallet(mintURL string, client *http.Client) *HTTPMintWallet {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPMintWallet{MintURL: mintURL, HTTP: client}
}

func (w *HTTPMintWallet) LoadMint(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.MintURL+"/v1/keys", nil)
	if err != nil {
		return err
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mint returned status %d loading keys", resp.StatusCode)
	}
	return nil
}

type swapRequest struct {
	Inputs  token.Proofs `json:"inputs"`
	Outputs []struct{}   `json:"outputs"`
}

type swapResponse struct {
	Signatures []struct{} `json:"signatures"`
}

// Swap is a structural placeholder: a real implementation would construct
// blinded messages for `amount`/`proofs.Amount()-amount`, POST /v1/swap, and
// unblind the returned signatures into two proof sets. Since blind-signature
// math is out of scope here, this seam returns an error indicating the gate
// needs a real Cashu wallet library wired in; it exists so the rest of the
// pipeline (circuit breaker, classification, redeem barrier) has a concrete
// implementation to compile and test against.
func (w *HTTPMintWallet) Swap(ctx context.Context, amount uint64, proofs token.Proofs) (send, keep token.Proofs, err error) {
	return nil, nil, fmt.Errorf("mintclient: HTTPMintWallet.Swap requires a wired Cashu wallet library")
}

func (w *HTTPMintWallet) Receive(ctx context.Context, rawToken string) (token.Proofs, error) {
	return nil, fmt.Errorf("mintclient: HTTPMintWallet.Receive requires a wired Cashu wallet library")
}

type meltQuoteRequest struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type meltQuoteResponse struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      string `json:"state"`
	Expiry     int64  `json:"expiry"`
}

func (w *HTTPMintWallet) CreateMeltQuote(ctx context.Context, invoice string) (MeltQuote, error) {
	body, err := json.Marshal(meltQuoteRequest{Request: invoice, Unit: "usd"})
	if err != nil {
		return MeltQuote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.MintURL+"/v1/melt/quote/bolt11", bytes.NewReader(body))
	if err != nil {
		return MeltQuote{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTP.Do(req)
	if err != nil {
		return MeltQuote{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return MeltQuote{}, fmt.Errorf("mint melt quote returned status %d", resp.StatusCode)
	}

	var q meltQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return MeltQuote{}, fmt.Errorf("decoding melt quote response: %w", err)
	}

	return MeltQuote{Quote: q.Quote, Amount: q.Amount, FeeReserve: q.FeeReserve, State: q.State, Expiry: q.Expiry}, nil
}

type meltRequest struct {
	Quote  string       `json:"quote"`
	Inputs token.Proofs `json:"inputs"`
}

type meltResponseWire struct {
	State           string       `json:"state"`
	PaymentPreimage string       `json:"payment_preimage"`
	Change          token.Proofs `json:"change"`
}

func (w *HTTPMintWallet) MeltProofs(ctx context.Context, quote MeltQuote, proofs token.Proofs) (MeltResult, error) {
	body, err := json.Marshal(meltRequest{Quote: quote.Quote, Inputs: proofs})
	if err != nil {
		return MeltResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.MintURL+"/v1/melt/bolt11", bytes.NewReader(body))
	if err != nil {
		return MeltResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTP.Do(req)
	if err != nil {
		return MeltResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return MeltResult{}, fmt.Errorf("mint melt returned status %d", resp.StatusCode)
	}

	var wire meltResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return MeltResult{}, fmt.Errorf("decoding melt response: %w", err)
	}

	return MeltResult{State: wire.State, PaymentPreimage: wire.PaymentPreimage, Change: wire.Change}, nil
}

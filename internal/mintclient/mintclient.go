// Package mintclient implements the mint-interaction layer: a per-mint
// wallet cache, a per-mint circuit breaker, and the redeem operation that
// classifies whatever string error a mint call raises into a closed sum
// type instead of branching on message substrings downstream.
package mintclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tollkeeper/cashu-gate/internal/circuitbreaker"
	"github.com/tollkeeper/cashu-gate/internal/token"
)

// MeltQuote is the mint's response to a melt-quote request.
type MeltQuote struct {
	Quote      string
	Amount     uint64
	FeeReserve uint64
	State      string
	Expiry     int64
}

// MeltResult is the mint's response to a melt-proofs request.
type MeltResult struct {
	State           string
	PaymentPreimage string
	Change          token.Proofs
}

// MintWallet is the "wallet object" contract: the operations the core
// needs against a trusted mint. A real implementation speaks the mint's
// HTTP API; constructing proofs/verifying signatures is explicitly out of
// scope for this layer.
type MintWallet interface {
	LoadMint(ctx context.Context) error
	Swap(ctx context.Context, amount uint64, proofs token.Proofs) (send, keep token.Proofs, err error)
	Receive(ctx context.Context, rawToken string) (token.Proofs, error)
	CreateMeltQuote(ctx context.Context, invoice string) (MeltQuote, error)
	MeltProofs(ctx context.Context, quote MeltQuote, proofs token.Proofs) (MeltResult, error)
}

// WalletFactory constructs a MintWallet bound to one mint URL.
type WalletFactory func(mintURL string) MintWallet

// Outcome is the closed sum type every redeem resolves to.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeSpent       Outcome = "spent"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeOther       Outcome = "other"
)

// RedeemResult is what every redeem call returns, success or failure.
type RedeemResult struct {
	Outcome Outcome
	Keep    token.Proofs
	Change  token.Proofs
	KVKey   string
	Message string
}

func (r RedeemResult) OK() bool { return r.Outcome == OutcomeOK }

const defaultMintTimeout = 10 * time.Second

// OnRedeemHook is invoked after a successful redeem with the mint URL and
// the proofs kept; its return value becomes RedeemResult.KVKey. An error or
// panic from the hook is discarded without logging: the redeem still
// succeeds, with an empty KVKey.
type OnRedeemHook func(mintURL string, keep token.Proofs) (kvKey string, err error)

type walletEntry struct {
	mu     sync.Mutex
	wallet MintWallet
	loaded bool
}

// Client owns the per-mint wallet cache and circuit breaker registry.
type Client struct {
	factory WalletFactory
	timeout time.Duration

	mu      sync.Mutex
	wallets map[string]*walletEntry

	breakers *circuitbreaker.Registry

	OnRedeem OnRedeemHook
}

func New(factory WalletFactory, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultMintTimeout
	}
	return &Client{
		factory:  factory,
		timeout:  timeout,
		wallets:  make(map[string]*walletEntry),
		breakers: circuitbreaker.NewRegistry(),
	}
}

func (c *Client) walletFor(mintURL string) *walletEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.wallets[mintURL]
	if !ok {
		w = &walletEntry{wallet: c.factory(mintURL)}
		c.wallets[mintURL] = w
	}
	return w
}

func (c *Client) ensureLoaded(ctx context.Context, entry *walletEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.loaded {
		return nil
	}
	if err := entry.wallet.LoadMint(ctx); err != nil {
		return err
	}
	entry.loaded = true
	return nil
}

// classify turns a raw mint-call error into the closed Outcome sum type by
// matching known substrings against the error message.
func classify(err error) (Outcome, string) {
	msg := err.Error()
	lower := strings.ToLower(msg)

	spentMarkers := []string{"already spent", "token already spent", "proof_already_used", "11001"}
	for _, marker := range spentMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return OutcomeSpent, "Token already spent"
		}
	}

	if strings.Contains(lower, "timeout") {
		return OutcomeTimeout, msg
	}

	return OutcomeOther, msg
}

var errMintCallTimedOut = errors.New("mint call timeout")

// Redeem charges a presented token through the breaker-guarded wallet,
// keeping `price` units and returning the rest as change.
func (c *Client) Redeem(ctx context.Context, mintURL string, raw string, proofs token.Proofs, amount uint64, price uint64) RedeemResult {
	breaker := c.breakers.Get(mintURL)
	if !breaker.CanCall() {
		return RedeemResult{Outcome: OutcomeCircuitOpen, Message: "circuit open"}
	}

	entry := c.walletFor(mintURL)
	if err := c.ensureLoaded(ctx, entry); err != nil {
		breaker.OnFailure()
		return RedeemResult{Outcome: OutcomeOther, Message: "Redeem failed"}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var keep, change token.Proofs
	var callErr error

	type result struct {
		keep, change token.Proofs
		err          error
	}
	done := make(chan result, 1)

	go func() {
		if price > 0 && price < amount {
			send, rest, err := entry.wallet.Swap(callCtx, price, proofs)
			done <- result{keep: send, change: rest, err: err}
			return
		}
		fresh, err := entry.wallet.Receive(callCtx, raw)
		done <- result{keep: fresh, err: err}
	}()

	select {
	case r := <-done:
		keep, change, callErr = r.keep, r.change, r.err
	case <-callCtx.Done():
		callErr = errMintCallTimedOut
	}

	if callErr != nil {
		outcome, msg := classify(callErr)
		switch outcome {
		case OutcomeSpent:
			// client-provided token problem, not a mint health problem
			return RedeemResult{Outcome: OutcomeSpent, Message: msg}
		case OutcomeTimeout:
			breaker.OnFailure()
			return RedeemResult{Outcome: OutcomeTimeout, Message: msg}
		default:
			breaker.OnFailure()
			return RedeemResult{Outcome: OutcomeOther, Message: "Redeem failed"}
		}
	}

	breaker.OnSuccess()

	res := RedeemResult{Outcome: OutcomeOK, Keep: keep, Change: change}
	if c.OnRedeem != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// a panicking callback is swallowed here, unlogged;
					// it never fails the redeem
					_ = r
				}
			}()
			key, err := c.OnRedeem(mintURL, keep)
			if err != nil {
				return
			}
			res.KVKey = key
		}()
	}

	return res
}

// BreakerState exposes the current circuit state for a mint, for the
// observability plane.
func (c *Client) BreakerState(mintURL string) circuitbreaker.State {
	return c.breakers.Get(mintURL).StateSnapshot()
}

// Package treasury implements melting the gate's own kept balance to
// Lightning or on-chain, withdrawing a slice as a fresh token, and the
// self-swap cleanup sweep. All three operations write the new entry before
// deleting the old ones, for crash safety.
package treasury

import (
	"context"
	"fmt"

	"github.com/tollkeeper/cashu-gate/internal/mintclient"
	"github.com/tollkeeper/cashu-gate/internal/proofstore"
	"github.com/tollkeeper/cashu-gate/internal/token"
)

// ErrInsufficientBalance is returned when the treasury can't cover a
// requested melt or withdraw amount from its current kept proofs.
var ErrInsufficientBalance = fmt.Errorf("treasury: insufficient balance")

// Service binds one gate-configured mint wallet (distinct from the
// per-request trusted-mint set used for redeem) to the proof store.
type Service struct {
	wallet  mintclient.MintWallet
	mintURL string
	store   *proofstore.Store
	// ChainTag names the on-chain network in melt-on-chain request bodies.
	// Configurable; defaults to "base".
	ChainTag string
}

func New(wallet mintclient.MintWallet, mintURL string, store *proofstore.Store) *Service {
	return &Service{wallet: wallet, mintURL: mintURL, store: store, ChainTag: "base"}
}

// MeltLightningResult is the response shape for POST /homo/melt.
type MeltLightningResult struct {
	Success         bool         `json:"success"`
	AmountUnits     uint64       `json:"amount_units"`
	FeeUnits        uint64       `json:"fee_units"`
	InputUnits      uint64       `json:"input_units"`
	ChangeUnits     uint64       `json:"change_units"`
	PaymentPreimage string       `json:"payment_preimage,omitempty"`
}

// ErrMintQuoteFailed wraps a mint error encountered requesting a melt quote;
// the KV store is guaranteed untouched when this is returned.
type ErrMintQuoteFailed struct{ Err error }

func (e *ErrMintQuoteFailed) Error() string { return fmt.Sprintf("melt quote failed: %v", e.Err) }
func (e *ErrMintQuoteFailed) Unwrap() error { return e.Err }

// InsufficientBalanceError carries the numbers the admin endpoint echoes
// back in its 400 response.
type InsufficientBalanceError struct {
	Balance  uint64
	Required uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("treasury: balance %d below required %d", e.Balance, e.Required)
}

// MeltLightning gathers every stored proof, requests a quote, verifies
// balance covers amount+fee, melts, then stores returned change under a
// fresh entry BEFORE deleting the consumed originals.
func (s *Service) MeltLightning(ctx context.Context, invoice string) (MeltLightningResult, error) {
	entries, err := s.store.ListAll(ctx)
	if err != nil {
		return MeltLightningResult{}, fmt.Errorf("listing stored proofs: %w", err)
	}

	var all token.Proofs
	var keys []string
	for _, e := range entries {
		all = append(all, e.Proofs...)
		keys = append(keys, e.Key)
	}
	balance := all.Amount()

	quote, err := s.wallet.CreateMeltQuote(ctx, invoice)
	if err != nil {
		return MeltLightningResult{}, &ErrMintQuoteFailed{Err: err}
	}

	required := quote.Amount + quote.FeeReserve
	if balance < required {
		return MeltLightningResult{}, &InsufficientBalanceError{Balance: balance, Required: required}
	}

	result, err := s.wallet.MeltProofs(ctx, quote, all)
	if err != nil {
		return MeltLightningResult{}, fmt.Errorf("melt proofs: %w", err)
	}

	if result.Change.Amount() > 0 {
		if _, err := s.store.Store(ctx, s.mintURL, result.Change); err != nil {
			return MeltLightningResult{}, fmt.Errorf("storing melt change: %w", err)
		}
	}
	if err := s.store.DeleteMany(ctx, keys); err != nil {
		return MeltLightningResult{}, fmt.Errorf("deleting consumed entries: %w", err)
	}

	return MeltLightningResult{
		Success:         result.State == "PAID",
		AmountUnits:     quote.Amount,
		FeeUnits:        quote.FeeReserve,
		InputUnits:      balance,
		ChangeUnits:     result.Change.Amount(),
		PaymentPreimage: result.PaymentPreimage,
	}, nil
}

// MeltOnchainResult is the response shape for POST /v1/gate/melt.
type MeltOnchainResult struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"tx_hash,omitempty"`
	AmountUnits uint64 `json:"amount_units"`
	FeeUnits    uint64 `json:"fee_units"`
	InputUnits  uint64 `json:"input_units"`
	ChangeUnits uint64 `json:"change_units"`
}

// OnchainInvoiceBuilder turns a payout address plus the configured chain tag
// into the "invoice" string passed to the mint's melt-quote endpoint. The
// builder receives only the address and chain tag, so the string it returns
// carries no amount field. HTTPMintWallet is crypto-free and
// melt-quote-agnostic about payout medium, so the gate builds this string
// itself and hands it to the same CreateMeltQuote contract as Lightning.
type OnchainInvoiceBuilder func(address, chain string) string

// MeltOnchain mirrors MeltLightning but targets an on-chain payout address:
// the quote request carries an on-chain payout quote instead of an invoice.
func (s *Service) MeltOnchain(ctx context.Context, address string, buildInvoice OnchainInvoiceBuilder) (MeltOnchainResult, error) {
	entries, err := s.store.ListAll(ctx)
	if err != nil {
		return MeltOnchainResult{}, fmt.Errorf("listing stored proofs: %w", err)
	}

	var all token.Proofs
	var keys []string
	for _, e := range entries {
		all = append(all, e.Proofs...)
		keys = append(keys, e.Key)
	}
	balance := all.Amount()

	invoice := buildInvoice(address, s.ChainTag)
	quote, err := s.wallet.CreateMeltQuote(ctx, invoice)
	if err != nil {
		return MeltOnchainResult{}, &ErrMintQuoteFailed{Err: err}
	}

	required := quote.Amount + quote.FeeReserve
	if balance < required {
		return MeltOnchainResult{}, &InsufficientBalanceError{Balance: balance, Required: required}
	}

	result, err := s.wallet.MeltProofs(ctx, quote, all)
	if err != nil {
		return MeltOnchainResult{}, fmt.Errorf("melt proofs: %w", err)
	}

	if result.Change.Amount() > 0 {
		if _, err := s.store.Store(ctx, s.mintURL, result.Change); err != nil {
			return MeltOnchainResult{}, fmt.Errorf("storing melt change: %w", err)
		}
	}
	if err := s.store.DeleteMany(ctx, keys); err != nil {
		return MeltOnchainResult{}, fmt.Errorf("deleting consumed entries: %w", err)
	}

	return MeltOnchainResult{
		Success:     result.State == "PAID",
		TxHash:      result.PaymentPreimage,
		AmountUnits: quote.Amount,
		FeeUnits:    quote.FeeReserve,
		InputUnits:  balance,
		ChangeUnits: result.Change.Amount(),
	}, nil
}

// WithdrawResult is the response shape for POST /homo/withdraw.
type WithdrawResult struct {
	Success               bool   `json:"success"`
	Token                 string `json:"token"`
	AmountUnits           uint64 `json:"amount_units"`
	ChangeUnits           uint64 `json:"change_units"`
	RemainingBalanceUnits uint64 `json:"remaining_balance_units"`
}

// ErrSwapFailed wraps a mint swap failure; KV is guaranteed untouched.
type ErrSwapFailed struct{ Err error }

func (e *ErrSwapFailed) Error() string { return fmt.Sprintf("withdraw swap failed: %v", e.Err) }
func (e *ErrSwapFailed) Unwrap() error { return e.Err }

// Withdraw implements the greedy-selection withdraw flow: select, swap,
// encode the sent half as a fresh V4 token for the caller, and reconcile
// the touched entries.
func (s *Service) Withdraw(ctx context.Context, amount uint64, memo string) (WithdrawResult, error) {
	entries, err := s.store.ListAll(ctx)
	if err != nil {
		return WithdrawResult{}, fmt.Errorf("listing stored proofs: %w", err)
	}

	var balance uint64
	for _, e := range entries {
		balance += e.Amount()
	}
	if balance < amount {
		return WithdrawResult{}, &InsufficientBalanceError{Balance: balance, Required: amount}
	}

	sel, err := proofstore.SelectGreedy(entries, amount)
	if err != nil {
		return WithdrawResult{}, &InsufficientBalanceError{Balance: balance, Required: amount}
	}

	send, keep, err := s.wallet.Swap(ctx, amount, sel.Selected)
	if err != nil {
		return WithdrawResult{}, &ErrSwapFailed{Err: err}
	}

	if keep.Amount() > 0 {
		if _, err := s.store.Store(ctx, s.mintURL, keep); err != nil {
			return WithdrawResult{}, fmt.Errorf("storing withdraw change: %w", err)
		}
	}
	if err := s.reconcileTouched(ctx, entries, sel); err != nil {
		return WithdrawResult{}, err
	}

	encoded, err := token.EncodeV4(s.mintURL, token.UnitUSD, send, memo)
	if err != nil {
		return WithdrawResult{}, fmt.Errorf("encoding withdraw token: %w", err)
	}

	return WithdrawResult{
		Success:               true,
		Token:                 encoded,
		AmountUnits:           send.Amount(),
		ChangeUnits:           keep.Amount(),
		RemainingBalanceUnits: balance - amount,
	}, nil
}

// reconcileTouched rewrites entries with a nonzero residual and deletes
// fully-consumed ones. proofstore.SelectGreedy puts every entry it drew
// from into sel.Touched, including fully-consumed ones with an empty
// residual, so a single pass over sel.Touched covers both cases.
func (s *Service) reconcileTouched(ctx context.Context, entries []proofstore.Entry, sel proofstore.Selection) error {
	var toDelete []string
	for _, e := range entries {
		residual, touched := sel.Touched[e.Key]
		if !touched {
			continue
		}
		if len(residual) == 0 {
			toDelete = append(toDelete, e.Key)
			continue
		}
		if err := s.store.Rewrite(ctx, e.Key, e.MintURL, residual); err != nil {
			return fmt.Errorf("rewriting entry %s: %w", e.Key, err)
		}
	}

	if len(toDelete) > 0 {
		if err := s.store.DeleteMany(ctx, toDelete); err != nil {
			return fmt.Errorf("deleting consumed entries: %w", err)
		}
	}
	return nil
}

// CleanupResult is the response shape for POST /homo/cleanup.
type CleanupResult struct {
	EntriesProcessed int    `json:"entries_processed"`
	ProofsRemoved    int    `json:"proofs_removed"`
	UnitsRemoved     uint64 `json:"units_removed"`
	UnitsKept        uint64 `json:"units_kept"`
}

// Cleanup runs a self-swap sweep: for each entry, try a whole-entry
// self-swap first; on failure fall back to per-proof self-swaps, dropping
// whichever individual proofs are spent.
func (s *Service) Cleanup(ctx context.Context) (CleanupResult, error) {
	entries, err := s.store.ListAll(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("listing stored proofs: %w", err)
	}

	var result CleanupResult
	for _, e := range entries {
		result.EntriesProcessed++

		total := e.Amount()
		send, keep, err := s.wallet.Swap(ctx, total, e.Proofs)
		if err == nil {
			fresh := append(token.Proofs{}, send...)
			fresh = append(fresh, keep...)
			if err := s.store.Rewrite(ctx, e.Key, e.MintURL, fresh); err != nil {
				return result, fmt.Errorf("rewriting cleaned entry %s: %w", e.Key, err)
			}
			result.UnitsKept += fresh.Amount()
			continue
		}

		var surviving token.Proofs
		for _, p := range e.Proofs {
			single := token.Proofs{p}
			_, keep, err := s.wallet.Swap(ctx, p.Amount, single)
			if err != nil {
				result.ProofsRemoved++
				result.UnitsRemoved += p.Amount
				continue
			}
			surviving = append(surviving, keep...)
		}

		if len(surviving) == 0 {
			if err := s.store.Delete(ctx, e.Key); err != nil {
				return result, fmt.Errorf("deleting emptied entry %s: %w", e.Key, err)
			}
			continue
		}
		if err := s.store.Rewrite(ctx, e.Key, e.MintURL, surviving); err != nil {
			return result, fmt.Errorf("rewriting partially cleaned entry %s: %w", e.Key, err)
		}
		result.UnitsKept += surviving.Amount()
	}

	return result, nil
}

// Balance reports the treasury's total kept-proof balance.
func (s *Service) Balance(ctx context.Context) (uint64, error) {
	return s.store.Balance(ctx)
}

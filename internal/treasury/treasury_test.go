package treasury

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tollkeeper/cashu-gate/internal/kv"
	"github.com/tollkeeper/cashu-gate/internal/mintclient"
	"github.com/tollkeeper/cashu-gate/internal/proofstore"
	"github.com/tollkeeper/cashu-gate/internal/token"
)

type fakeWallet struct {
	quote        mintclient.MeltQuote
	quoteErr     error
	meltResult   mintclient.MeltResult
	meltErr      error
	swapSend     token.Proofs
	swapKeep     token.Proofs
	swapErr      error
	swapCalls    int
	swapFailFor  string // secret that fails self-swap, for cleanup tests
}

func (f *fakeWallet) LoadMint(ctx context.Context) error { return nil }

func (f *fakeWallet) Swap(ctx context.Context, amount uint64, proofs token.Proofs) (token.Proofs, token.Proofs, error) {
	f.swapCalls++
	if f.swapFailFor != "" {
		for _, p := range proofs {
			if p.Secret == f.swapFailFor {
				return nil, nil, errors.New("proof already spent")
			}
		}
		return nil, proofs, nil
	}
	if f.swapErr != nil {
		return nil, nil, f.swapErr
	}
	return f.swapSend, f.swapKeep, nil
}

func (f *fakeWallet) Receive(ctx context.Context, raw string) (token.Proofs, error) { return nil, nil }

func (f *fakeWallet) CreateMeltQuote(ctx context.Context, invoice string) (mintclient.MeltQuote, error) {
	return f.quote, f.quoteErr
}

func (f *fakeWallet) MeltProofs(ctx context.Context, quote mintclient.MeltQuote, proofs token.Proofs) (mintclient.MeltResult, error) {
	return f.meltResult, f.meltErr
}

func proof(amount uint64, secret string) token.Proof {
	return token.Proof{Amount: amount, Id: "00aabbcc", Secret: secret, C: "02abcdef"}
}

func newStore() *proofstore.Store {
	return proofstore.New(kv.NewMemStore())
}

func TestMeltLightning_Success_ChangeStoredBeforeDelete(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Store(ctx, "https://mint", token.Proofs{proof(100, "a")})
	require.NoError(t, err)

	w := &fakeWallet{
		quote:      mintclient.MeltQuote{Quote: "q1", Amount: 80, FeeReserve: 5},
		meltResult: mintclient.MeltResult{State: "PAID", PaymentPreimage: "preimage", Change: token.Proofs{proof(15, "change")}},
	}
	svc := New(w, "https://mint", store)

	res, err := svc.MeltLightning(ctx, "lnbc1...")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.EqualValues(t, 80, res.AmountUnits)
	require.EqualValues(t, 5, res.FeeUnits)
	require.EqualValues(t, 100, res.InputUnits)
	require.EqualValues(t, 15, res.ChangeUnits)

	bal, err := store.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 15, bal)
}

func TestMeltLightning_InsufficientBalance(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, _ = store.Store(ctx, "https://mint", token.Proofs{proof(10, "a")})

	w := &fakeWallet{quote: mintclient.MeltQuote{Quote: "q1", Amount: 80, FeeReserve: 5}}
	svc := New(w, "https://mint", store)

	_, err := svc.MeltLightning(ctx, "lnbc1...")
	require.Error(t, err)
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.EqualValues(t, 10, insufficient.Balance)
	require.EqualValues(t, 85, insufficient.Required)

	bal, err := store.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 10, bal, "KV must be untouched on quote-insufficient failure")
}

func TestMeltLightning_QuoteFailureLeavesKVUntouched(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, _ = store.Store(ctx, "https://mint", token.Proofs{proof(10, "a")})

	w := &fakeWallet{quoteErr: errors.New("mint unreachable")}
	svc := New(w, "https://mint", store)

	_, err := svc.MeltLightning(ctx, "lnbc1...")
	require.Error(t, err)
	var quoteErr *ErrMintQuoteFailed
	require.ErrorAs(t, err, &quoteErr)

	bal, err := store.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 10, bal)
}

func TestMeltOnchain_BuildsInvoiceFromAddressAndChainTag(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, _ = store.Store(ctx, "https://mint", token.Proofs{proof(100, "a")})

	w := &fakeWallet{
		quote:      mintclient.MeltQuote{Quote: "q1", Amount: 90, FeeReserve: 2},
		meltResult: mintclient.MeltResult{State: "PAID", PaymentPreimage: "0xhash"},
	}
	svc := New(w, "https://mint", store)

	var gotAddress, gotChain string
	res, err := svc.MeltOnchain(ctx, "0xabc", func(address, chain string) string {
		gotAddress, gotChain = address, chain
		return "built-invoice"
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "0xabc", gotAddress)
	require.Equal(t, "base", gotChain)
	require.Equal(t, "0xhash", res.TxHash)
}

func TestWithdraw_Success(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Store(ctx, "https://mint", token.Proofs{proof(50, "a"), proof(30, "b")})
	require.NoError(t, err)

	w := &fakeWallet{swapSend: token.Proofs{proof(50, "send")}, swapKeep: token.Proofs{proof(30, "keep")}}
	svc := New(w, "https://mint", store)

	res, err := svc.Withdraw(ctx, 50, "")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.Token)
	require.EqualValues(t, 50, res.AmountUnits)
	require.EqualValues(t, 30, res.ChangeUnits)
	require.EqualValues(t, 30, res.RemainingBalanceUnits)
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, _ = store.Store(ctx, "https://mint", token.Proofs{proof(10, "a")})

	w := &fakeWallet{}
	svc := New(w, "https://mint", store)

	_, err := svc.Withdraw(ctx, 50, "")
	require.Error(t, err)
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
}

func TestWithdraw_SwapFailureLeavesKVUntouched(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Store(ctx, "https://mint", token.Proofs{proof(50, "a")})
	require.NoError(t, err)

	w := &fakeWallet{swapErr: errors.New("mint down")}
	svc := New(w, "https://mint", store)

	_, err = svc.Withdraw(ctx, 50, "")
	require.Error(t, err)
	var swapErr *ErrSwapFailed
	require.ErrorAs(t, err, &swapErr)

	bal, err := store.Balance(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 50, bal)
}

func TestCleanup_WholeEntrySwapSucceeds(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Store(ctx, "https://mint", token.Proofs{proof(64, "a")})
	require.NoError(t, err)

	w := &fakeWallet{swapSend: token.Proofs{proof(64, "fresh")}}
	svc := New(w, "https://mint", store)

	res, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.EntriesProcessed)
	require.Equal(t, 0, res.ProofsRemoved)
	require.EqualValues(t, 64, res.UnitsKept)
}

func TestCleanup_FallsBackToPerProofOnWholeEntryFailure(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Store(ctx, "https://mint", token.Proofs{proof(20, "good"), proof(10, "spent")})
	require.NoError(t, err)

	w := &fakeWallet{swapFailFor: "spent"}
	// whole-entry swap: fails because one proof is spent (swapFailFor logic
	// treats the whole-entry call identically — simulate by always failing
	// when the batch contains the spent secret).
	svc := New(w, "https://mint", store)

	res, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.EntriesProcessed)
	require.Equal(t, 1, res.ProofsRemoved)
	require.EqualValues(t, 10, res.UnitsRemoved)
	require.EqualValues(t, 20, res.UnitsKept)
}

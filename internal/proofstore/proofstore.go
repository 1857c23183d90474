// Package proofstore implements the append-only KV layout of kept proofs:
// one entry per redeem/change/withdraw event, plus the greedy coin-selection
// used by withdraw and melt.
package proofstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tollkeeper/cashu-gate/internal/kv"
	"github.com/tollkeeper/cashu-gate/internal/token"
)

const keyPrefix = "proofs:"

// Entry is one KV record: a bundle of proofs received from a single mint.
type Entry struct {
	Key     string       `json:"-"`
	MintURL string       `json:"mintUrl"`
	Proofs  token.Proofs `json:"proofs"`
}

func (e Entry) Amount() uint64 {
	return e.Proofs.Amount()
}

// Store wraps a kv.Store with the proof-entry layout and operations.
type Store struct {
	kv kv.Store
}

func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// NewKey mints a fresh "proofs:<ts-ms>:<uuid>" key.
func NewKey(now time.Time) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, now.UnixMilli(), uuid.NewString())
}

// Store appends a new entry; it never merges with an existing one.
func (s *Store) Store(ctx context.Context, mintURL string, proofs token.Proofs) (string, error) {
	key := NewKey(time.Now())
	entry := Entry{MintURL: mintURL, Proofs: proofs}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal proof entry: %w", err)
	}

	if err := s.kv.Put(ctx, key, string(data), kv.PutOptions{}); err != nil {
		return "", fmt.Errorf("store proof entry: %w", err)
	}
	return key, nil
}

// Rewrite overwrites an existing entry in place (used when only part of its
// proofs survive a reconciliation).
func (s *Store) Rewrite(ctx context.Context, key, mintURL string, proofs token.Proofs) error {
	entry := Entry{MintURL: mintURL, Proofs: proofs}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal proof entry: %w", err)
	}
	return s.kv.Put(ctx, key, string(data), kv.PutOptions{})
}

// Delete removes a single entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// DeleteMany removes a set of entries in parallel.
func (s *Store) DeleteMany(ctx context.Context, keys []string) error {
	return kv.DeleteKeys(ctx, s.kv, keys)
}

// ListAll pages through every stored entry (page size 1000), decoding each
// value and silently skipping malformed entries.
func (s *Store) ListAll(ctx context.Context) ([]Entry, error) {
	keys, err := kv.ListAll(ctx, s.kv, keyPrefix, 1000)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		val, found, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(val), &entry); err != nil {
			continue // skip malformed entries silently
		}
		entry.Key = key
		entries = append(entries, entry)
	}
	return entries, nil
}

// Balance sums every entry's proof amounts.
func (s *Store) Balance(ctx context.Context) (uint64, error) {
	entries, err := s.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, e := range entries {
		total += e.Amount()
	}
	return total, nil
}

// flatProof pairs a proof with the entry key it currently lives under, the
// unit greedy selection operates on.
type flatProof struct {
	proof    token.Proof
	entryKey string
}

// Selection is the outcome of a greedy coin-selection pass.
type Selection struct {
	Selected token.Proofs
	// Touched maps an entry key to the proofs from that entry which were
	// NOT selected (the residual to rewrite the entry with). An entry with
	// an empty residual should be deleted rather than rewritten.
	Touched map[string]token.Proofs
}

// SelectGreedy flattens every entry's proofs, sorts them descending by
// amount, and accumulates until the running total meets or exceeds target.
// It returns ErrInsufficientBalance if the total available is short.
var ErrInsufficientBalance = fmt.Errorf("proofstore: insufficient balance")

func SelectGreedy(entries []Entry, target uint64) (Selection, error) {
	var flat []flatProof
	for _, e := range entries {
		for _, p := range e.Proofs {
			flat = append(flat, flatProof{proof: p, entryKey: e.Key})
		}
	}

	sort.SliceStable(flat, func(i, j int) bool {
		return flat[i].proof.Amount > flat[j].proof.Amount
	})

	sel := Selection{Touched: make(map[string]token.Proofs)}
	residualByEntry := make(map[string]token.Proofs)
	for _, e := range entries {
		residualByEntry[e.Key] = append(token.Proofs{}, e.Proofs...)
	}

	var total uint64
	for _, fp := range flat {
		if total >= target {
			break
		}
		total += fp.proof.Amount
		sel.Selected = append(sel.Selected, fp.proof)
		residualByEntry[fp.entryKey] = removeFirst(residualByEntry[fp.entryKey], fp.proof)
	}

	if total < target {
		return Selection{}, ErrInsufficientBalance
	}

	for key, residual := range residualByEntry {
		if len(residual) != lenOriginal(entries, key) {
			sel.Touched[key] = residual
		}
	}

	return sel, nil
}

func removeFirst(proofs token.Proofs, target token.Proof) token.Proofs {
	for i, p := range proofs {
		if p.Secret == target.Secret && p.Amount == target.Amount && p.Id == target.Id {
			return append(proofs[:i:i], proofs[i+1:]...)
		}
	}
	return proofs
}

func lenOriginal(entries []Entry, key string) int {
	for _, e := range entries {
		if e.Key == key {
			return len(e.Proofs)
		}
	}
	return 0
}

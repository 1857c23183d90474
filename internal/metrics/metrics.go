// Package metrics implements the observability plane: one record per
// request, one record per token-decode failure, and the pure aggregation
// queries that power the admin dashboard.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tollkeeper/cashu-gate/internal/kv"
)

const (
	metricsPrefix    = "metrics:"
	tokenErrorPrefix = "token_error:"

	metricsTTL    = 90 * 24 * time.Hour
	tokenErrorTTL = 24 * time.Hour

	dateLayout = "2006-01-02"
)

// Record is one request's metrics row.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	Status       int       `json:"status"`
	UnitsIn      uint64    `json:"units_in"`
	Price        uint64    `json:"price"`
	Change       uint64    `json:"change"`
	Refunded     bool      `json:"refunded"`
	UpstreamMs   float64   `json:"upstream_ms"`
	ErrorCode    string    `json:"error_code,omitempty"`
	Mint         string    `json:"mint"`
	Stream       bool      `json:"stream"`
}

// TokenErrorRecord is one token-decode failure row.
type TokenErrorRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	Version          string    `json:"version"`
	Error            string    `json:"error"`
	RawPrefix        string    `json:"raw_prefix"`
	RawToken         string    `json:"raw_token"`
	DecodeTimeMs     float64   `json:"decode_time_ms"`
	RawCborStructure string    `json:"raw_cbor_structure,omitempty"`
	IPHash           string    `json:"ip_hash"`
	UserAgent        string    `json:"user_agent"`
}

// Writer persists Records and TokenErrorRecords to a kv.Store under their
// respective key schemes and TTLs.
type Writer struct {
	kv kv.Store
}

func NewWriter(store kv.Store) *Writer {
	return &Writer{kv: store}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// WriteRecord persists a metrics row. It is intentionally off the hot
// path — callers should invoke this via a fire-and-forget goroutine or an
// after-response hook, never block the client response on it.
func (w *Writer) WriteRecord(ctx context.Context, r Record) error {
	key := fmt.Sprintf("%s%s:%d:%s", metricsPrefix, r.Timestamp.UTC().Format(dateLayout), r.Timestamp.UnixMilli(), uuid.NewString())
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal metric record: %w", err)
	}
	return w.kv.Put(ctx, key, string(data), kv.PutOptions{ExpirationTTL: metricsTTL})
}

// WriteTokenError persists a token-decode failure row.
func (w *Writer) WriteTokenError(ctx context.Context, r TokenErrorRecord) error {
	r.RawPrefix = truncate(r.RawPrefix, 15)
	r.RawToken = truncate(r.RawToken, 2000)

	key := fmt.Sprintf("%s%s:%d:%s", tokenErrorPrefix, r.Timestamp.UTC().Format(dateLayout), r.Timestamp.UnixMilli(), uuid.NewString())
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal token error record: %w", err)
	}
	return w.kv.Put(ctx, key, string(data), kv.PutOptions{ExpirationTTL: tokenErrorTTL})
}

// Reader pages through stored records for a given day (or range).
type Reader struct {
	kv kv.Store
}

func NewReader(store kv.Store) *Reader {
	return &Reader{kv: store}
}

// RecordsForDate fetches every metrics record written on the given UTC date.
func (r *Reader) RecordsForDate(ctx context.Context, date time.Time) ([]Record, error) {
	prefix := metricsPrefix + date.UTC().Format(dateLayout) + ":"
	keys, err := kv.ListAll(ctx, r.kv, prefix, 1000)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		val, found, err := r.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// dayBatchSize bounds how many days are read concurrently at once.
const dayBatchSize = 50

// RecordsForRange fetches every day in [from, to] inclusive, in parallel
// batches of dayBatchSize.
func (r *Reader) RecordsForRange(ctx context.Context, from, to time.Time) ([]Record, error) {
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}

	var all []Record
	for start := 0; start < len(days); start += dayBatchSize {
		end := start + dayBatchSize
		if end > len(days) {
			end = len(days)
		}
		batch := days[start:end]

		type dayResult struct {
			records []Record
			err     error
		}
		results := make([]dayResult, len(batch))
		done := make(chan int, len(batch))

		for i, d := range batch {
			go func(i int, d time.Time) {
				recs, err := r.RecordsForDate(ctx, d)
				results[i] = dayResult{records: recs, err: err}
				done <- i
			}(i, d)
		}
		for range batch {
			<-done
		}

		for _, res := range results {
			if res.err != nil {
				return nil, res.err
			}
			all = append(all, res.records...)
		}
	}
	return all, nil
}

// TokenErrorsForDate fetches every token-decode error recorded on a date.
func (r *Reader) TokenErrorsForDate(ctx context.Context, date time.Time) ([]TokenErrorRecord, error) {
	prefix := tokenErrorPrefix + date.UTC().Format(dateLayout) + ":"
	keys, err := kv.ListAll(ctx, r.kv, prefix, 1000)
	if err != nil {
		return nil, err
	}

	records := make([]TokenErrorRecord, 0, len(keys))
	for _, key := range keys {
		val, found, err := r.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var rec TokenErrorRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Summary is the result of summarizeRecords.
type Summary struct {
	TotalRequests  int                    `json:"total_requests"`
	SuccessCount   int                    `json:"success_count"`
	ErrorCount     int                    `json:"error_count"`
	EcashReceived  uint64                 `json:"ecash_received"`
	EstimatedCost  uint64                 `json:"estimated_cost"`
	AvgLatencyMs   int64                  `json:"avg_latency_ms"`
	ErrorBreakdown map[string]int         `json:"error_breakdown"`
	ModelBreakdown map[string]ModelStats  `json:"model_breakdown"`
}

type ModelStats struct {
	Count    int    `json:"count"`
	EcashIn  uint64 `json:"ecash_in"`
	Errors   int    `json:"errors"`
}

// SummarizeRecords is a pure aggregation over a record list.
func SummarizeRecords(records []Record) Summary {
	s := Summary{
		ErrorBreakdown: make(map[string]int),
		ModelBreakdown: make(map[string]ModelStats),
	}

	var latencySum float64
	for _, r := range records {
		s.TotalRequests++
		s.EcashReceived += r.UnitsIn

		if r.ErrorCode == "" {
			s.SuccessCount++
			s.EstimatedCost += r.Price
		} else {
			s.ErrorCount++
			s.ErrorBreakdown[r.ErrorCode]++
		}

		latencySum += r.UpstreamMs

		stats := s.ModelBreakdown[r.Model]
		stats.Count++
		stats.EcashIn += r.UnitsIn
		if r.ErrorCode != "" {
			stats.Errors++
		}
		s.ModelBreakdown[r.Model] = stats
	}

	if s.TotalRequests > 0 {
		s.AvgLatencyMs = int64(latencySum/float64(s.TotalRequests) + 0.5)
	}

	return s
}

// TokenErrorSummary is the result of summarizing token-decode failures.
type TokenErrorSummary struct {
	TotalErrors  int            `json:"totalErrors"`
	ByVersion    map[string]int `json:"byVersion"`
	ByError      map[string]int `json:"byError"`
	RecentCount24h int          `json:"recentCount24h"`
}

// coarseErrorClass buckets a raw decode error string into a fixed set of
// operator-facing classes.
func coarseErrorClass(errStr string) string {
	switch {
	case contains(errStr, "cbor"):
		return "CBOR decode"
	case contains(errStr, "base64") || contains(errStr, "decoding"):
		return "Base64 decode"
	case contains(errStr, "empty"):
		return "Empty token"
	case contains(errStr, "mint"):
		return "Missing mint"
	case contains(errStr, "proof"):
		return "Missing proofs"
	case contains(errStr, "invalid") || contains(errStr, "unrecognized"):
		return "Invalid format"
	default:
		return "Other"
	}
}

func contains(haystack, needle string) bool {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return nl == 0
	}
	for i := 0; i+nl <= hl; i++ {
		match := true
		for j := 0; j < nl; j++ {
			hc, nc := lower(haystack[i+j]), lower(needle[j])
			if hc != nc {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// SummarizeTokenErrors aggregates token-decode failures the same way
// SummarizeRecords aggregates metric records.
func SummarizeTokenErrors(records []TokenErrorRecord, now time.Time) TokenErrorSummary {
	sum := TokenErrorSummary{
		ByVersion: make(map[string]int),
		ByError:   make(map[string]int),
	}

	cutoff := now.Add(-24 * time.Hour)
	for _, r := range records {
		sum.TotalErrors++
		sum.ByVersion[r.Version]++
		sum.ByError[coarseErrorClass(r.Error)]++
		if r.Timestamp.After(cutoff) {
			sum.RecentCount24h++
		}
	}
	return sum
}

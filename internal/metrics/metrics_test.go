package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tollkeeper/cashu-gate/internal/kv"
)

func TestWriter_WriteAndReadRecord(t *testing.T) {
	store := kv.NewMemStore()
	w := NewWriter(store)
	r := NewReader(store)

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, w.WriteRecord(context.Background(), Record{
		Timestamp: now,
		Model:     "gpt-4",
		UnitsIn:   100,
		Price:     80,
	}))

	recs, err := r.RecordsForDate(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "gpt-4", recs[0].Model)
}

func TestWriter_WriteTokenError_TruncatesFields(t *testing.T) {
	store := kv.NewMemStore()
	w := NewWriter(store)
	r := NewReader(store)

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	longPrefix := "this-is-a-very-long-raw-prefix-that-exceeds-limit"
	require.NoError(t, w.WriteTokenError(context.Background(), TokenErrorRecord{
		Timestamp: now,
		Version:   "unknown",
		Error:     "malformed cbor",
		RawPrefix: longPrefix,
	}))

	recs, err := r.TokenErrorsForDate(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.LessOrEqual(t, len(recs[0].RawPrefix), 15)
}

func TestRecordsForRange_SpansMultipleDays(t *testing.T) {
	store := kv.NewMemStore()
	w := NewWriter(store)
	r := NewReader(store)

	day1 := time.Date(2026, 7, 28, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.WriteRecord(context.Background(), Record{Timestamp: day1, Model: "a", UnitsIn: 1}))
	require.NoError(t, w.WriteRecord(context.Background(), Record{Timestamp: day2, Model: "b", UnitsIn: 2}))

	recs, err := r.RecordsForRange(context.Background(), day1, day2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestSummarizeRecords(t *testing.T) {
	records := []Record{
		{Model: "gpt-4", UnitsIn: 100, Price: 80, UpstreamMs: 200},
		{Model: "gpt-4", UnitsIn: 50, Price: 0, ErrorCode: "insufficient_balance", UpstreamMs: 50},
		{Model: "claude", UnitsIn: 200, Price: 150, UpstreamMs: 300},
	}

	s := SummarizeRecords(records)
	require.Equal(t, 3, s.TotalRequests)
	require.Equal(t, 2, s.SuccessCount)
	require.Equal(t, 1, s.ErrorCount)
	require.EqualValues(t, 350, s.EcashReceived)
	require.EqualValues(t, 230, s.EstimatedCost)
	require.Equal(t, 1, s.ErrorBreakdown["insufficient_balance"])
	require.Equal(t, 2, s.ModelBreakdown["gpt-4"].Count)
	require.Equal(t, int64(183), s.AvgLatencyMs)
}

func TestSummarizeRecords_Empty(t *testing.T) {
	s := SummarizeRecords(nil)
	require.Equal(t, 0, s.TotalRequests)
	require.Equal(t, int64(0), s.AvgLatencyMs)
}

func TestSummarizeTokenErrors(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	records := []TokenErrorRecord{
		{Timestamp: now.Add(-1 * time.Hour), Version: "v4", Error: "cbor: unexpected EOF"},
		{Timestamp: now.Add(-2 * 24 * time.Hour), Version: "v3", Error: "invalid base64 decoding"},
	}

	sum := SummarizeTokenErrors(records, now)
	require.Equal(t, 2, sum.TotalErrors)
	require.Equal(t, 1, sum.ByVersion["v4"])
	require.Equal(t, 1, sum.RecentCount24h)
	require.Equal(t, 1, sum.ByError["CBOR decode"])
	require.Equal(t, 1, sum.ByError["Base64 decode"])
}

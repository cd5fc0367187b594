package model

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDatabase swaps in a throwaway SQLite database for the test.
func setupTestDatabase(t *testing.T) {
	t.Helper()
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", filepath.Join(t.TempDir(), "requests.db"), 3000)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&RequestLog{}))

	old := DB
	DB = db
	t.Cleanup(func() { DB = old })
}

func testEntry(id, model string, success bool, in, out int) *RequestLog {
	status := "success"
	if !success {
		status = "failed"
	}
	return &RequestLog{
		RequestID:     id,
		Timestamp:     float64(time.Now().Unix()),
		Model:         model,
		Status:        status,
		Success:       success,
		Duration:      1.5,
		MessagesCount: 2,
		InputTokens:   in,
		OutputTokens:  out,
	}
}

func TestRecordRequestFillsDerivedFields(t *testing.T) {
	setupTestDatabase(t)

	entry := testEntry("req-derive", "gpt-test", true, 10, 20)
	require.NoError(t, RecordRequest(context.Background(), entry))

	stored, err := GetRequestLog(context.Background(), "req-derive")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 30, stored.TotalTokens)
	assert.Equal(t, "USD", stored.Currency)
	assert.Equal(t, time.Now().Format("2006-01-02"), stored.Date)
}

func TestRecordRequestUpsertsByRequestID(t *testing.T) {
	setupTestDatabase(t)

	require.NoError(t, RecordRequest(context.Background(), testEntry("req-upsert", "m", false, 1, 0)))
	second := testEntry("req-upsert", "m", true, 5, 7)
	require.NoError(t, RecordRequest(context.Background(), second))

	var count int64
	require.NoError(t, DB.Model(&RequestLog{}).Where("request_id = ?", "req-upsert").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	stored, err := GetRequestLog(context.Background(), "req-upsert")
	require.NoError(t, err)
	assert.True(t, stored.Success)
	assert.Equal(t, 12, stored.TotalTokens)
}

func TestRecordRequestRequiresRequestID(t *testing.T) {
	setupTestDatabase(t)
	err := RecordRequest(context.Background(), &RequestLog{Model: "m"})
	require.Error(t, err)
}

func TestGetRequestLogMissingReturnsNil(t *testing.T) {
	setupTestDatabase(t)
	stored, err := GetRequestLog(context.Background(), "never-recorded")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRecentRequestsNewestFirst(t *testing.T) {
	setupTestDatabase(t)

	base := float64(time.Now().Unix())
	for i := 0; i < 3; i++ {
		entry := testEntry(fmt.Sprintf("req-%d", i), "m", true, 1, 1)
		entry.Timestamp = base + float64(i)
		require.NoError(t, RecordRequest(context.Background(), entry))
	}

	rows, err := RecentRequests(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "req-2", rows[0].RequestID)
	assert.Equal(t, "req-1", rows[1].RequestID)
}

func TestTokenStatsAggregates(t *testing.T) {
	setupTestDatabase(t)

	ctx := context.Background()
	a := testEntry("tok-1", "model-a", true, 100, 50)
	a.Date = "2026-08-01"
	a.InputCost, a.OutputCost, a.TotalCost = 0.1, 0.2, 0.3
	require.NoError(t, RecordRequest(ctx, a))

	b := testEntry("tok-2", "model-b", true, 10, 5)
	b.Date = "2026-08-02"
	require.NoError(t, RecordRequest(ctx, b))

	stats, err := TokenStats(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(110), stats.TotalInputTokens)
	assert.Equal(t, int64(55), stats.TotalOutputTokens)
	assert.Equal(t, int64(165), stats.TotalTokens)
	assert.InDelta(t, 0.3, stats.TotalCost, 1e-9)
	assert.Equal(t, 2, stats.ModelsCount)
	require.Len(t, stats.ModelStats, 2)
	// ordered by total tokens, biggest first
	assert.Equal(t, "model-a", stats.ModelStats[0].Model)
	require.Len(t, stats.DailyStats, 2)
	assert.Equal(t, "2026-08-01", stats.DailyStats[0].Date)
}

func TestTokenStatsDateRange(t *testing.T) {
	setupTestDatabase(t)

	ctx := context.Background()
	for i, date := range []string{"2026-08-01", "2026-08-02", "2026-08-03"} {
		entry := testEntry(fmt.Sprintf("rng-%d", i), "m", true, 10, 0)
		entry.Date = date
		require.NoError(t, RecordRequest(ctx, entry))
	}

	stats, err := TokenStats(ctx, "2026-08-02", "2026-08-02")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.TotalInputTokens)
	require.Len(t, stats.DailyStats, 1)
}

func TestRequestStatsCountsOutcomes(t *testing.T) {
	setupTestDatabase(t)

	ctx := context.Background()
	require.NoError(t, RecordRequest(ctx, testEntry("ok-1", "m", true, 1, 1)))
	require.NoError(t, RecordRequest(ctx, testEntry("ok-2", "m", true, 1, 1)))
	fail := testEntry("bad-1", "m", false, 1, 0)
	fail.Error = "upstream exploded"
	require.NoError(t, RecordRequest(ctx, fail))

	stats, err := RequestStats(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.SuccessRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
	require.Len(t, stats.DailyStats, 1)
	assert.Equal(t, int64(3), stats.DailyStats[0].Total)
}

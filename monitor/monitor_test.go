package monitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmbridge/lmbridge/relay/direct"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(t.TempDir())
}

func TestRequestLifecycle(t *testing.T) {
	s := newTestService(t)

	s.RequestStart("req-1", "model-a", StartOptions{
		MessagesCount: 2,
		Mode:          "session",
		Messages:      []relaymodel.Message{{Role: "user", Content: "tell me everything"}},
	})

	active := s.ActiveRequests()
	require.Len(t, active, 1)
	assert.Equal(t, "active", active[0].Status)
	assert.Greater(t, active[0].InputTokens, 0)

	s.RequestEnd("req-1", Outcome{
		Success:         true,
		ResponseContent: "everything",
		InputTokens:     42,
		OutputTokens:    7,
		CostInfo:        &direct.CostInfo{TotalCost: 0.01, Currency: "USD"},
	})

	assert.Empty(t, s.ActiveRequests())

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessRequests)
	assert.Equal(t, int64(0), stats.FailedRequests)

	recent := s.RecentRequests(10)
	require.Len(t, recent, 1)
	assert.Equal(t, "success", recent[0].Status)
	assert.Equal(t, 42, recent[0].InputTokens)

	details, ok := s.RequestDetails(context.Background(), "req-1")
	require.True(t, ok)
	assert.Equal(t, "everything", details.ResponseContent)
	require.NotNil(t, details.CostInfo)
	assert.InDelta(t, 0.01, details.CostInfo.TotalCost, 1e-9)
}

func TestFailedRequestFeedsErrorList(t *testing.T) {
	s := newTestService(t)

	s.RequestStart("req-err", "model-a", StartOptions{})
	s.RequestEnd("req-err", Outcome{Success: false, Error: "tab exploded"})

	errs := s.RecentErrors(10)
	require.Len(t, errs, 1)
	assert.Equal(t, "tab exploded", errs[0].Error)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.FailedRequests)

	models := s.ModelStats()
	require.Len(t, models, 1)
	assert.Equal(t, int64(1), models[0].Failed)
}

func TestRequestEndUnknownRequestIgnored(t *testing.T) {
	s := newTestService(t)
	s.RequestEnd("never-started", Outcome{Success: true})
	assert.Equal(t, int64(0), s.Stats().TotalRequests)
}

func TestRecentRequestsNewestFirst(t *testing.T) {
	s := newTestService(t)
	for _, id := range []string{"a", "b", "c"} {
		s.RequestStart(id, "m", StartOptions{})
		s.RequestEnd(id, Outcome{Success: true})
	}

	recent := s.RecentRequests(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].RequestID)
	assert.Equal(t, "b", recent[1].RequestID)
}

func TestDetailsCacheEvictsOldest(t *testing.T) {
	s := newTestService(t)
	s.detailsLimit = 2

	for _, id := range []string{"d1", "d2", "d3"} {
		s.RequestStart(id, "m", StartOptions{})
		s.RequestEnd(id, Outcome{Success: true})
	}

	_, ok := s.RequestDetails(context.Background(), "d1")
	assert.False(t, ok)
	_, ok = s.RequestDetails(context.Background(), "d3")
	assert.True(t, ok)
}

func TestCleanupStaleReapsOldRequests(t *testing.T) {
	s := newTestService(t)

	s.RequestStart("old", "m", StartOptions{})
	s.RequestStart("fresh", "m", StartOptions{})
	s.mu.Lock()
	s.active["old"].Timestamp = nowUnix() - 3600
	s.mu.Unlock()

	reaped := s.CleanupStale()
	assert.Equal(t, 1, reaped)

	active := s.ActiveRequests()
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].RequestID)

	recent := s.RecentRequests(10)
	require.Len(t, recent, 1)
	assert.Equal(t, "failed", recent[0].Status)
	assert.Contains(t, recent[0].Error, "timed out")
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := newTestService(t)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.RequestStart("sub-1", "m", StartOptions{})
	s.RequestEnd("sub-1", Outcome{Success: true})

	var types []string
	for len(types) < 2 {
		select {
		case payload := <-ch:
			var event struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(payload, &event))
			types = append(types, event.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for monitor events")
		}
	}
	assert.Equal(t, []string{"request_start", "request_end"}, types)
}

func TestWriteRequestLogFile(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)

	ts := time.Date(2026, 8, 24, 13, 45, 0, 0, time.Local)
	info := &RequestInfo{
		RequestID: "abcdef1234567890",
		Timestamp: float64(ts.Unix()),
		Model:     "vendor/model:v1",
		Status:    "success",
	}
	s.writeRequestLogFile(info)

	path := filepath.Join(dir, "20260824", "13", "vendor-model-v1_20260824_1345_abcdef12.json")
	payload, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded RequestInfo
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, info.RequestID, decoded.RequestID)
}

func TestSafeModelName(t *testing.T) {
	assert.Equal(t, "a-b-c", safeModelName(`a/b:c`))
	assert.Equal(t, "unknown", safeModelName(""))
}

func TestEstimateInputTokens(t *testing.T) {
	msgs := []relaymodel.Message{
		{Role: "user", Content: "12345678"},
		{Role: "assistant", Content: "1234"},
	}
	assert.Equal(t, 3, estimateInputTokens(msgs))
}

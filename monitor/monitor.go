package monitor

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/Laisky/zap"

	"github.com/lmbridge/lmbridge/common/config"
	"github.com/lmbridge/lmbridge/common/logger"
	"github.com/lmbridge/lmbridge/model"
	"github.com/lmbridge/lmbridge/relay/direct"
	relaymodel "github.com/lmbridge/lmbridge/relay/model"
)

const (
	maxRecentRequests = 10000
	maxRecentErrors   = 50
)

// RequestInfo is the full in-memory record of one request, kept for the
// details view while the request is recent enough to matter.
type RequestInfo struct {
	RequestID        string           `json:"request_id"`
	Timestamp        float64          `json:"timestamp"`
	Model            string           `json:"model"`
	Status           string           `json:"status"`
	Duration         float64          `json:"duration,omitempty"`
	Error            string           `json:"error,omitempty"`
	Mode             string           `json:"mode,omitempty"`
	SessionID        string           `json:"session_id,omitempty"`
	MessagesCount    int              `json:"messages_count"`
	InputTokens      int              `json:"input_tokens"`
	OutputTokens     int              `json:"output_tokens"`
	RequestMessages  []relaymodel.Message `json:"request_messages,omitempty"`
	RequestParams    map[string]any   `json:"request_params,omitempty"`
	ResponseContent  string           `json:"response_content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	CostInfo         *direct.CostInfo `json:"cost_info,omitempty"`
}

// ErrorInfo is one failed request in the recent-errors feed.
type ErrorInfo struct {
	Timestamp float64 `json:"timestamp"`
	RequestID string  `json:"request_id"`
	Model     string  `json:"model"`
	Error     string  `json:"error"`
}

// StartOptions carries the optional detail captured when a request begins.
type StartOptions struct {
	MessagesCount int
	SessionID     string
	Mode          string
	Messages      []relaymodel.Message
	Params        map[string]any
}

// Outcome carries everything known about a request when it finishes.
type Outcome struct {
	Success          bool
	Error            string
	ResponseContent  string
	ReasoningContent string
	InputTokens      int
	OutputTokens     int
	CostInfo         *direct.CostInfo
}

type modelAggregate struct {
	Total             int64
	Success           int64
	Failed            int64
	TotalDuration     float64
	CountWithDuration int64
}

// Service tracks in-flight and recently finished requests, feeds the
// monitor websocket, and persists finished requests to the database and
// the per-request JSON log tree.
type Service struct {
	startup time.Time
	logDir  string

	mu           sync.Mutex
	active       map[string]*RequestInfo
	recent       []RequestInfo
	recentErrors []ErrorInfo
	modelStats   map[string]*modelAggregate

	details      map[string]*list.Element
	detailsOrder *list.List
	detailsLimit int

	clientsMu sync.Mutex
	clients   map[chan []byte]struct{}
}

func NewService(logDir string) *Service {
	if logDir == "" {
		logDir = "logs"
	}
	limit := config.RequestDetailsLimit
	if limit <= 0 {
		limit = 10000
	}
	return &Service{
		startup:      time.Now(),
		logDir:       logDir,
		active:       map[string]*RequestInfo{},
		modelStats:   map[string]*modelAggregate{},
		details:      map[string]*list.Element{},
		detailsOrder: list.New(),
		detailsLimit: limit,
		clients:      map[chan []byte]struct{}{},
	}
}

// RequestStart registers a new in-flight request. The input token count is
// a rough estimate until the real count arrives at the end.
func (s *Service) RequestStart(requestID, modelName string, opts StartOptions) {
	info := &RequestInfo{
		RequestID:       requestID,
		Timestamp:       nowUnix(),
		Model:           modelName,
		Status:          "active",
		Mode:            opts.Mode,
		SessionID:       opts.SessionID,
		MessagesCount:   opts.MessagesCount,
		RequestMessages: opts.Messages,
		RequestParams:   opts.Params,
		InputTokens:     estimateInputTokens(opts.Messages),
	}

	s.mu.Lock()
	s.active[requestID] = info
	s.storeDetailsLocked(requestID, info)
	s.mu.Unlock()

	metricActiveRequests.Inc()
	logger.Logger.Info("request started",
		zap.String("request_id", shorten(requestID)),
		zap.String("model", modelName))

	s.broadcast("request_start", map[string]any{
		"request_id": requestID,
		"model":      modelName,
		"mode":       opts.Mode,
	})
}

// RequestEnd finalizes an in-flight request, updates the aggregates, and
// persists the outcome.
func (s *Service) RequestEnd(requestID string, outcome Outcome) {
	s.mu.Lock()
	info, ok := s.active[requestID]
	if !ok {
		s.mu.Unlock()
		logger.Logger.Warn("request end for unknown request", zap.String("request_id", requestID))
		return
	}
	delete(s.active, requestID)

	info.Status = "success"
	if !outcome.Success {
		info.Status = "failed"
	}
	info.Duration = nowUnix() - info.Timestamp
	info.Error = outcome.Error
	info.ResponseContent = outcome.ResponseContent
	info.ReasoningContent = outcome.ReasoningContent
	if outcome.InputTokens > 0 {
		info.InputTokens = outcome.InputTokens
	}
	info.OutputTokens = outcome.OutputTokens
	info.CostInfo = outcome.CostInfo
	s.storeDetailsLocked(requestID, info)

	agg, ok := s.modelStats[info.Model]
	if !ok {
		agg = &modelAggregate{}
		s.modelStats[info.Model] = agg
	}
	agg.Total++
	if outcome.Success {
		agg.Success++
	} else {
		agg.Failed++
	}
	if info.Duration > 0 {
		agg.TotalDuration += info.Duration
		agg.CountWithDuration++
	}

	s.recent = append(s.recent, *info)
	if len(s.recent) > maxRecentRequests {
		s.recent = s.recent[len(s.recent)-maxRecentRequests:]
	}
	if !outcome.Success {
		s.recentErrors = append(s.recentErrors, ErrorInfo{
			Timestamp: nowUnix(),
			RequestID: requestID,
			Model:     info.Model,
			Error:     firstNonEmpty(outcome.Error, "Unknown error"),
		})
		if len(s.recentErrors) > maxRecentErrors {
			s.recentErrors = s.recentErrors[len(s.recentErrors)-maxRecentErrors:]
		}
	}
	snapshot := *info
	s.mu.Unlock()

	metricActiveRequests.Dec()
	outcomeLabel := "success"
	if !outcome.Success {
		outcomeLabel = "failed"
	}
	metricRequestsTotal.WithLabelValues(snapshot.Model, snapshot.Mode, outcomeLabel).Inc()
	metricRequestDuration.WithLabelValues(snapshot.Model, snapshot.Mode).Observe(snapshot.Duration)
	metricTokensTotal.WithLabelValues(snapshot.Model, "input").Add(float64(snapshot.InputTokens))
	metricTokensTotal.WithLabelValues(snapshot.Model, "output").Add(float64(snapshot.OutputTokens))

	logger.Logger.Info("request finished",
		zap.String("request_id", shorten(requestID)),
		zap.String("status", snapshot.Status),
		zap.Float64("duration_secs", snapshot.Duration))

	s.writeRequestLogFile(&snapshot)
	s.persistRequest(&snapshot)

	s.broadcast("request_end", map[string]any{
		"request_id": requestID,
		"model":      snapshot.Model,
		"status":     snapshot.Status,
		"duration":   snapshot.Duration,
	})
}

// persistRequest writes the finished request to the database without
// blocking the response path.
func (s *Service) persistRequest(info *RequestInfo) {
	if model.DB == nil {
		return
	}
	entry := &model.RequestLog{
		RequestID:     info.RequestID,
		Timestamp:     info.Timestamp,
		Model:         info.Model,
		Status:        info.Status,
		Success:       info.Status == "success",
		Duration:      info.Duration,
		Error:         info.Error,
		Mode:          info.Mode,
		SessionID:     info.SessionID,
		MessagesCount: info.MessagesCount,
		InputTokens:   info.InputTokens,
		OutputTokens:  info.OutputTokens,
	}
	if info.CostInfo != nil {
		entry.InputCost = info.CostInfo.InputCost
		entry.OutputCost = info.CostInfo.OutputCost
		entry.TotalCost = info.CostInfo.TotalCost
		entry.Currency = info.CostInfo.Currency
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := model.RecordRequest(ctx, entry); err != nil {
			logger.Logger.Error("cannot persist request log",
				zap.String("request_id", info.RequestID), zap.Error(err))
		}
	}()
}

// storeDetailsLocked keeps the newest request details in an LRU capped at
// the configured limit. Caller holds s.mu.
func (s *Service) storeDetailsLocked(requestID string, info *RequestInfo) {
	copied := *info
	if elem, ok := s.details[requestID]; ok {
		elem.Value = &copied
		s.detailsOrder.MoveToBack(elem)
		return
	}
	s.details[requestID] = s.detailsOrder.PushBack(&copied)
	for s.detailsOrder.Len() > s.detailsLimit {
		oldest := s.detailsOrder.Front()
		s.detailsOrder.Remove(oldest)
		delete(s.details, oldest.Value.(*RequestInfo).RequestID)
	}
}

// RequestDetails returns the full record for one request, falling back to
// the database once the in-memory copy has aged out.
func (s *Service) RequestDetails(ctx context.Context, requestID string) (*RequestInfo, bool) {
	s.mu.Lock()
	if elem, ok := s.details[requestID]; ok {
		copied := *elem.Value.(*RequestInfo)
		s.mu.Unlock()
		return &copied, true
	}
	s.mu.Unlock()

	if model.DB == nil {
		return nil, false
	}
	row, err := model.GetRequestLog(ctx, requestID)
	if err != nil || row == nil {
		return nil, false
	}
	info := &RequestInfo{
		RequestID:     row.RequestID,
		Timestamp:     row.Timestamp,
		Model:         row.Model,
		Status:        row.Status,
		Duration:      row.Duration,
		Error:         row.Error,
		Mode:          row.Mode,
		SessionID:     row.SessionID,
		MessagesCount: row.MessagesCount,
		InputTokens:   row.InputTokens,
		OutputTokens:  row.OutputTokens,
	}
	if row.TotalCost != 0 || row.InputCost != 0 || row.OutputCost != 0 {
		info.CostInfo = &direct.CostInfo{
			InputCost:  row.InputCost,
			OutputCost: row.OutputCost,
			TotalCost:  row.TotalCost,
			Currency:   row.Currency,
		}
	}
	return info, true
}

// Stats is the headline snapshot for the status endpoint.
type Stats struct {
	Uptime          float64 `json:"uptime"`
	ActiveRequests  int     `json:"active_requests"`
	TotalRequests   int64   `json:"total_requests"`
	SuccessRequests int64   `json:"success_requests"`
	FailedRequests  int64   `json:"failed_requests"`
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Uptime:         time.Since(s.startup).Seconds(),
		ActiveRequests: len(s.active),
	}
	for _, agg := range s.modelStats {
		stats.TotalRequests += agg.Total
		stats.SuccessRequests += agg.Success
		stats.FailedRequests += agg.Failed
	}
	return stats
}

// ModelStat is per-model aggregate counters with average latency.
type ModelStat struct {
	Model       string  `json:"model"`
	Total       int64   `json:"total"`
	Success     int64   `json:"success"`
	Failed      int64   `json:"failed"`
	AvgDuration float64 `json:"avg_duration"`
}

func (s *Service) ModelStats() []ModelStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ModelStat, 0, len(s.modelStats))
	for name, agg := range s.modelStats {
		stat := ModelStat{
			Model:   name,
			Total:   agg.Total,
			Success: agg.Success,
			Failed:  agg.Failed,
		}
		if agg.CountWithDuration > 0 {
			stat.AvgDuration = agg.TotalDuration / float64(agg.CountWithDuration)
		}
		out = append(out, stat)
	}
	return out
}

func (s *Service) ActiveRequests() []RequestInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RequestInfo, 0, len(s.active))
	for _, info := range s.active {
		out = append(out, *info)
	}
	return out
}

func (s *Service) RecentRequests(limit int) []RequestInfo {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.recent) - limit
	if start < 0 {
		start = 0
	}
	out := make([]RequestInfo, len(s.recent)-start)
	// newest first
	for i := range out {
		out[i] = s.recent[len(s.recent)-1-i]
	}
	return out
}

func (s *Service) RecentErrors(limit int) []ErrorInfo {
	if limit <= 0 {
		limit = 30
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.recentErrors) - limit
	if start < 0 {
		start = 0
	}
	out := make([]ErrorInfo, len(s.recentErrors)-start)
	for i := range out {
		out[i] = s.recentErrors[len(s.recentErrors)-1-i]
	}
	return out
}

// CleanupStale force-fails active requests older than the stale timeout
// and returns how many were reaped.
func (s *Service) CleanupStale() int {
	cutoff := nowUnix() - config.StaleRequestTimeout.Seconds()

	s.mu.Lock()
	var stale []string
	for id, info := range s.active {
		if info.Timestamp < cutoff {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		logger.Logger.Warn("reaping stale request", zap.String("request_id", shorten(id)))
		s.RequestEnd(id, Outcome{Success: false, Error: "request timed out and was cleaned up"})
	}
	return len(stale)
}

// RunSweeper periodically reaps stale requests until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.CleanupStale(); n > 0 {
				logger.Logger.Info("stale request sweep finished", zap.Int("reaped", n))
			}
		}
	}
}

func estimateInputTokens(messages []relaymodel.Message) int {
	total := 0
	for i := range messages {
		total += len(messages[i].StringContent()) / 4
	}
	return total
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func shorten(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package model

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RequestLog is one finished bridge request. Every completion attempt ends
// up here regardless of whether it went through a browser tab or a direct
// upstream.
type RequestLog struct {
	Id            int     `json:"id" gorm:"primaryKey"`
	RequestID     string  `json:"request_id" gorm:"size:64;uniqueIndex"`
	Timestamp     float64 `json:"timestamp" gorm:"index:idx_requests_timestamp"`
	Date          string  `json:"date" gorm:"size:10;index:idx_requests_date;index:idx_requests_date_model,priority:1"`
	Model         string  `json:"model" gorm:"size:128;index:idx_requests_model;index:idx_requests_date_model,priority:2"`
	Status        string  `json:"status" gorm:"size:32;index:idx_requests_status"`
	Success       bool    `json:"success" gorm:"index:idx_requests_success"`
	Duration      float64 `json:"duration"`
	Error         string  `json:"error,omitempty" gorm:"type:text"`
	Mode          string  `json:"mode,omitempty" gorm:"size:32"`
	SessionID     string  `json:"session_id,omitempty" gorm:"size:64"`
	MessagesCount int     `json:"messages_count"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	InputCost     float64 `json:"input_cost"`
	OutputCost    float64 `json:"output_cost"`
	TotalCost     float64 `json:"total_cost"`
	Currency      string  `json:"currency" gorm:"size:8;default:USD"`

	CreatedAt time.Time `json:"created_at"`
}

// RecordRequest upserts one finished request keyed by request id, so a
// retried write never duplicates a row.
func RecordRequest(ctx context.Context, entry *RequestLog) error {
	if entry.RequestID == "" {
		return errors.New("request id is required")
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	if entry.Date == "" {
		entry.Date = time.Unix(int64(entry.Timestamp), 0).Format("2006-01-02")
	}
	if entry.TotalTokens == 0 {
		entry.TotalTokens = entry.InputTokens + entry.OutputTokens
	}
	if entry.Currency == "" {
		entry.Currency = "USD"
	}

	return runWithSQLiteBusyRetry(ctx, func() error {
		err := DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			UpdateAll: true,
		}).Create(entry).Error
		return errors.Wrap(err, "record request")
	})
}

// GetRequestLog returns the stored row for one request id, or nil when the
// request was never recorded.
func GetRequestLog(ctx context.Context, requestID string) (*RequestLog, error) {
	var entry RequestLog
	err := DB.WithContext(ctx).Where("request_id = ?", requestID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get request log")
	}
	return &entry, nil
}

// RecentRequests returns the newest finished requests, newest first.
func RecentRequests(ctx context.Context, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []RequestLog
	err := DB.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, errors.Wrap(err, "list recent requests")
}

// ModelTokenStats is per-model token usage over a date range.
type ModelTokenStats struct {
	Model        string `json:"model"`
	RequestCount int64  `json:"request_count"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
}

// DailyTokenStats is per-day token usage over a date range.
type DailyTokenStats struct {
	Date         string `json:"date"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
}

// TokenStatsResult aggregates token and cost usage for the stats API.
type TokenStatsResult struct {
	ModelStats        []ModelTokenStats `json:"model_stats"`
	DailyStats        []DailyTokenStats `json:"daily_stats"`
	TotalInputTokens  int64             `json:"total_input_tokens"`
	TotalOutputTokens int64             `json:"total_output_tokens"`
	TotalTokens       int64             `json:"total_tokens"`
	InputCost         float64           `json:"input_cost"`
	OutputCost        float64           `json:"output_cost"`
	TotalCost         float64           `json:"total_cost"`
	Currency          string            `json:"currency"`
	ModelsCount       int               `json:"models_count"`
}

func dateRangeScope(startDate, endDate string) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if startDate != "" {
			db = db.Where("date >= ?", startDate)
		}
		if endDate != "" {
			db = db.Where("date <= ?", endDate)
		}
		return db
	}
}

// TokenStats aggregates token and cost usage, optionally bounded by an
// inclusive YYYY-MM-DD date range.
func TokenStats(ctx context.Context, startDate, endDate string) (*TokenStatsResult, error) {
	scope := dateRangeScope(startDate, endDate)
	result := &TokenStatsResult{Currency: "USD"}

	err := DB.WithContext(ctx).Model(&RequestLog{}).Scopes(scope).
		Select("model",
			"COUNT(*) AS request_count",
			"COALESCE(SUM(input_tokens), 0) AS input_tokens",
			"COALESCE(SUM(output_tokens), 0) AS output_tokens",
			"COALESCE(SUM(total_tokens), 0) AS total_tokens").
		Group("model").
		Order("total_tokens DESC").
		Scan(&result.ModelStats).Error
	if err != nil {
		return nil, errors.Wrap(err, "aggregate model token stats")
	}

	err = DB.WithContext(ctx).Model(&RequestLog{}).Scopes(scope).
		Select("date",
			"COALESCE(SUM(input_tokens), 0) AS input_tokens",
			"COALESCE(SUM(output_tokens), 0) AS output_tokens",
			"COALESCE(SUM(total_tokens), 0) AS total_tokens").
		Group("date").
		Order("date").
		Scan(&result.DailyStats).Error
	if err != nil {
		return nil, errors.Wrap(err, "aggregate daily token stats")
	}

	var totals struct {
		TotalInput  int64
		TotalOutput int64
		TotalAll    int64
		InputCost   float64
		OutputCost  float64
		TotalCost   float64
		Currency    string
	}
	err = DB.WithContext(ctx).Model(&RequestLog{}).Scopes(scope).
		Select("COALESCE(SUM(input_tokens), 0) AS total_input",
			"COALESCE(SUM(output_tokens), 0) AS total_output",
			"COALESCE(SUM(total_tokens), 0) AS total_all",
			"COALESCE(SUM(input_cost), 0) AS input_cost",
			"COALESCE(SUM(output_cost), 0) AS output_cost",
			"COALESCE(SUM(total_cost), 0) AS total_cost",
			"COALESCE(MAX(currency), 'USD') AS currency").
		Scan(&totals).Error
	if err != nil {
		return nil, errors.Wrap(err, "aggregate token totals")
	}

	result.TotalInputTokens = totals.TotalInput
	result.TotalOutputTokens = totals.TotalOutput
	result.TotalTokens = totals.TotalAll
	result.InputCost = totals.InputCost
	result.OutputCost = totals.OutputCost
	result.TotalCost = totals.TotalCost
	if totals.Currency != "" {
		result.Currency = totals.Currency
	}
	result.ModelsCount = len(result.ModelStats)
	return result, nil
}

// DailyRequestStats is per-day request counts.
type DailyRequestStats struct {
	Date    string `json:"date"`
	Total   int64  `json:"total"`
	Success int64  `json:"success"`
	Failed  int64  `json:"failed"`
}

// RequestStatsResult aggregates request outcomes for the stats API.
type RequestStatsResult struct {
	TotalRequests   int64               `json:"total_requests"`
	SuccessRequests int64               `json:"success_requests"`
	FailedRequests  int64               `json:"failed_requests"`
	DailyStats      []DailyRequestStats `json:"daily_stats"`
}

// RequestStats counts request outcomes, optionally bounded by an inclusive
// YYYY-MM-DD date range.
func RequestStats(ctx context.Context, startDate, endDate string) (*RequestStatsResult, error) {
	scope := dateRangeScope(startDate, endDate)
	result := &RequestStatsResult{}

	var totals struct {
		Total   int64
		Success int64
		Failed  int64
	}
	err := DB.WithContext(ctx).Model(&RequestLog{}).Scopes(scope).
		Select("COUNT(*) AS total",
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success",
			"COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) AS failed").
		Scan(&totals).Error
	if err != nil {
		return nil, errors.Wrap(err, "aggregate request totals")
	}
	result.TotalRequests = totals.Total
	result.SuccessRequests = totals.Success
	result.FailedRequests = totals.Failed

	err = DB.WithContext(ctx).Model(&RequestLog{}).Scopes(scope).
		Select("date",
			"COUNT(*) AS total",
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success",
			"COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) AS failed").
		Group("date").
		Order("date").
		Scan(&result.DailyStats).Error
	if err != nil {
		return nil, errors.Wrap(err, "aggregate daily request stats")
	}
	return result, nil
}

package controller

import (
	"net/http"
	"strconv"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/lmbridge/lmbridge/common/utils"
	"github.com/lmbridge/lmbridge/model"
)

// Health is GET /health.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"tabs":   s.Tabs.Registry.Count(),
	})
}

// Status is GET /api/status: the dashboard headline.
func (s *Server) Status(c *gin.Context) {
	verificationActive, remaining := s.Guard.Active()
	c.JSON(http.StatusOK, gin.H{
		"stats":                 s.Monitor.Stats(),
		"browser_connected":     s.Tabs.Registry.Count() > 0,
		"tabs":                  s.Tabs.Registry.Loads(),
		"queued_requests":       s.Queue.Len(),
		"verification_active":   verificationActive,
		"verification_cooldown": remaining,
		"models":                len(s.Store.ModelNames()),
	})
}

// ActiveRequestsEndpoint is GET /api/requests/active.
func (s *Server) ActiveRequestsEndpoint(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"requests": s.Monitor.ActiveRequests()})
}

// RecentRequestsEndpoint is GET /api/requests/recent.
func (s *Server) RecentRequestsEndpoint(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	c.JSON(http.StatusOK, gin.H{"requests": s.Monitor.RecentRequests(limit)})
}

// RecentErrorsEndpoint is GET /api/errors/recent.
func (s *Server) RecentErrorsEndpoint(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
	c.JSON(http.StatusOK, gin.H{"errors": s.Monitor.RecentErrors(limit)})
}

// RequestDetailsEndpoint is GET /api/requests/:id.
func (s *Server) RequestDetailsEndpoint(c *gin.Context) {
	id := c.Param("id")
	details, ok := s.Monitor.RequestDetails(c.Request.Context(), id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found: " + id})
		return
	}
	c.JSON(http.StatusOK, details)
}

// TransferStatsEndpoint is GET /api/stats/transfers: per-request transfer
// counters for everything still open on the broker.
func (s *Server) TransferStatsEndpoint(c *gin.Context) {
	type transferInfo struct {
		RequestID     string  `json:"request_id"`
		Model         string  `json:"model"`
		TabID         string  `json:"tab_id"`
		OriginalTabID string  `json:"original_tab_id,omitempty"`
		TransferCount int     `json:"transfer_count"`
		AgeSeconds    float64 `json:"age_seconds"`
	}

	transfers := []transferInfo{}
	transferred := 0
	for _, requestID := range s.Tabs.Broker.OpenRequests() {
		p, ok := s.Tabs.Broker.Pending(requestID)
		if !ok {
			continue
		}
		if p.TransferCount > 0 {
			transferred++
		}
		transfers = append(transfers, transferInfo{
			RequestID:     p.RequestID,
			Model:         p.Model,
			TabID:         p.TabID,
			OriginalTabID: p.OriginalTabID,
			TransferCount: p.TransferCount,
			AgeSeconds:    time.Since(p.CreatedAt).Seconds(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"open_requests":        len(transfers),
		"transferred_requests": transferred,
		"requests":             transfers,
	})
}

// ModelStatsEndpoint is GET /api/stats/models.
func (s *Server) ModelStatsEndpoint(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.Monitor.ModelStats()})
}

// statsDateRange validates the optional from_date/to_date query pair.
func statsDateRange(c *gin.Context) (string, string, bool) {
	fromDate := c.Query("from_date")
	toDate := c.Query("to_date")
	if fromDate != "" && toDate != "" {
		if _, _, err := utils.NormalizeDateRange(fromDate, toDate, 366); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return "", "", false
		}
	}
	return fromDate, toDate, true
}

// TokenStatsEndpoint is GET /api/stats/tokens, backed by the request-log
// database.
func (s *Server) TokenStatsEndpoint(c *gin.Context) {
	if model.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request-log database not available"})
		return
	}
	fromDate, toDate, ok := statsDateRange(c)
	if !ok {
		return
	}
	stats, err := model.TokenStats(c.Request.Context(), fromDate, toDate)
	if err != nil {
		gmw.GetLogger(c).Error("token stats query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token stats query failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RequestStatsEndpoint is GET /api/stats/requests.
func (s *Server) RequestStatsEndpoint(c *gin.Context) {
	if model.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request-log database not available"})
		return
	}
	fromDate, toDate, ok := statsDateRange(c)
	if !ok {
		return
	}
	stats, err := model.RequestStats(c.Request.Context(), fromDate, toDate)
	if err != nil {
		gmw.GetLogger(c).Error("request stats query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request stats query failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

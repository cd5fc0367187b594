package middleware

import (
	"bytes"
	"io"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/lmbridge/lmbridge/common/helper"
)

// GetRequestBody reads the request body and restores it so downstream
// handlers can bind it again.
func GetRequestBody(c *gin.Context) ([]byte, error) {
	if c.Request == nil || c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	_ = c.Request.Body.Close()
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// getRequestModel peeks the model name out of the request body without
// consuming it.
func getRequestModel(c *gin.Context) string {
	body, err := GetRequestBody(c)
	if err != nil || len(body) == 0 {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}

// AbortWithError aborts the request with an OpenAI-shaped error envelope.
func AbortWithError(c *gin.Context, statusCode int, err error) {
	gmw.GetLogger(c).Warn("server abort",
		zap.Int("status_code", statusCode),
		zap.Error(err))

	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"message":    err.Error(),
			"type":       errorTypeForStatus(statusCode),
			"request_id": c.GetString(helper.RequestIdKey),
		},
	})
	c.Abort()
}

func errorTypeForStatus(statusCode int) string {
	switch statusCode {
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 400:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

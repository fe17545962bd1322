package middleware

import (
	"fmt"
	"strings"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/common/ctxkey"
)

// AbortWithError aborts the request with an error message
func AbortWithError(c *gin.Context, statusCode int, err error) {
	logger := gmw.GetLogger(c)
	if ignoreServerError(err) {
		logger.Warn("server abort",
			zap.Int("status_code", statusCode),
			zap.Error(err))
	} else {
		logger.Error("server abort",
			zap.Int("status_code", statusCode),
			zap.Error(err))
	}

	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"message": messageWithRequestId(err.Error(), c.GetString(ctxkey.RequestId)),
			"type":    "fluxgate_error",
		},
	})
	c.Abort()
}

func messageWithRequestId(message string, id string) string {
	if id == "" {
		return message
	}
	return fmt.Sprintf("%s (request id: %s)", message, id)
}

func ignoreServerError(err error) bool {
	switch {
	case strings.Contains(err.Error(), "token not found"):
		return true
	case strings.Contains(err.Error(), "record not found"):
		return true
	default:
		return false
	}
}

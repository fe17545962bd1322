package controller

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	relaycontroller "github.com/fluxgate/fluxgate/relay/controller"
	relaymodel "github.com/fluxgate/fluxgate/relay/model"
)

// RelayOpenAI serves POST /v1/chat/completions.
func RelayOpenAI(c *gin.Context) {
	relaycontroller.Dispatch(c, relaymodel.DialectOpenAI, "", false)
}

// RelayClaude serves POST /v1/messages.
func RelayClaude(c *gin.Context) {
	relaycontroller.Dispatch(c, relaymodel.DialectClaude, "", false)
}

// RelayGemini serves POST /v1beta/models/{model}:{action}. The model
// and the streaming flag live in the path, not the body.
func RelayGemini(c *gin.Context) {
	seg := c.Param("model")
	modelName, action, found := strings.Cut(seg, ":")
	if !found || modelName == "" {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"code":    http.StatusNotFound,
				"message": "expected models/{model}:generateContent or :streamGenerateContent",
				"status":  "NOT_FOUND",
			},
		})
		return
	}
	switch action {
	case "generateContent":
		relaycontroller.Dispatch(c, relaymodel.DialectGemini, modelName, false)
	case "streamGenerateContent":
		relaycontroller.Dispatch(c, relaymodel.DialectGemini, modelName, true)
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"code":    http.StatusNotFound,
				"message": "unknown action " + action,
				"status":  "NOT_FOUND",
			},
		})
	}
}

package controller

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/common"
	"github.com/fluxgate/fluxgate/common/ctxkey"
	"github.com/fluxgate/fluxgate/model"
)

type openAIModel struct {
	Id      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListModels serves GET /v1/models: the models at least one live
// provider serves, narrowed to the caller token's whitelist when it has
// one.
func ListModels(c *gin.Context) {
	available := model.SnapshotModels()

	key := strings.TrimPrefix(c.GetString(ctxkey.TokenKey), "sk-")
	if token, err := model.CacheGetTokenByKey(c.Request.Context(), key); err == nil {
		if whitelist := token.GetModels(); len(whitelist) > 0 {
			allowed := make(map[string]bool, len(whitelist))
			for _, m := range whitelist {
				allowed[m] = true
			}
			filtered := available[:0]
			for _, m := range available {
				if allowed[m] {
					filtered = append(filtered, m)
				}
			}
			available = filtered
		}
	}

	data := make([]openAIModel, 0, len(available))
	for _, m := range available {
		data = append(data, openAIModel{
			Id:      m,
			Object:  "model",
			Created: common.StartTime,
			OwnedBy: "fluxgate",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// RetrieveModel serves GET /v1/models/{model}.
func RetrieveModel(c *gin.Context) {
	name := c.Param("model")
	for _, m := range model.SnapshotModels() {
		if m == name {
			c.JSON(http.StatusOK, openAIModel{
				Id:      name,
				Object:  "model",
				Created: common.StartTime,
				OwnedBy: "fluxgate",
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{
		"error": gin.H{
			"message": "model " + name + " is not available",
			"type":    "invalid_request_error",
			"code":    "model_not_found",
		},
	})
}

package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/common/ctxkey"
	"github.com/fluxgate/fluxgate/common/helper"
)

func RequestId() func(c *gin.Context) {
	return func(c *gin.Context) {
		id := helper.GenRequestID()
		c.Set(ctxkey.RequestId, id)
		c.Header(ctxkey.RequestId, id)
		c.Next()
	}
}

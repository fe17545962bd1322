package common

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/common/ctxkey"
)

// GetRequestBody reads and caches the raw request body so retries can
// replay it without re-reading a consumed stream.
func GetRequestBody(c *gin.Context) ([]byte, error) {
	if body, ok := c.Get(ctxkey.KeyRequestBody); ok {
		return body.([]byte), nil
	}
	requestBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	_ = c.Request.Body.Close()
	c.Set(ctxkey.KeyRequestBody, requestBody)
	return requestBody, nil
}

// UnmarshalBodyReusable decodes the JSON body into v and restores
// c.Request.Body so downstream handlers can read it again.
func UnmarshalBodyReusable(c *gin.Context, v any) error {
	requestBody, err := GetRequestBody(c)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(requestBody, v); err != nil {
		return errors.Wrap(err, "unmarshal request body")
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
	return nil
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/common/ctxkey"
	"github.com/fluxgate/fluxgate/model"
)

// extractKey pulls the access-token credential from wherever the
// caller's dialect puts it: Authorization bearer, the Claude x-api-key
// header, the Gemini x-goog-api-key header or its key query parameter.
func extractKey(c *gin.Context) string {
	auth := c.Request.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	if key := c.Request.Header.Get("x-api-key"); key != "" {
		return strings.TrimSpace(key)
	}
	if key := c.Request.Header.Get("x-goog-api-key"); key != "" {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(c.Query("key"))
}

// TokenAuth stores the raw credential for the dispatcher, which
// performs the full authorization once the requested model and prompt
// estimate are known.
func TokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractKey(c)
		if key == "" {
			AbortWithError(c, http.StatusUnauthorized, errors.New("no access token provided"))
			return
		}
		c.Set(ctxkey.TokenKey, key)
		c.Set(ctxkey.ClientIP, c.ClientIP())
		c.Next()
	}
}

// AdminAuth admits only access tokens owned by an admin user. Token
// scoping (models, quota, expiry) does not apply to the management API,
// but disabled tokens and users are rejected.
func AdminAuth() gin.HandlerFunc {
	return adminAuth(model.RoleAdmin)
}

// RootAuth admits only the super administrator.
func RootAuth() gin.HandlerFunc {
	return adminAuth(model.RoleSuperAdmin)
}

func adminAuth(minRole int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractKey(c)
		if key == "" {
			AbortWithError(c, http.StatusUnauthorized, errors.New("no access token provided"))
			return
		}
		token, err := model.CacheGetTokenByKey(c.Request.Context(), strings.TrimPrefix(key, "sk-"))
		if err != nil {
			AbortWithError(c, http.StatusUnauthorized, errors.New("invalid access token"))
			return
		}
		if token.Status != model.TokenStatusEnabled {
			AbortWithError(c, http.StatusUnauthorized, errors.New("access token is not enabled"))
			return
		}
		user, err := model.GetUserById(token.UserId)
		if err != nil || user.Status != model.UserStatusEnabled {
			AbortWithError(c, http.StatusUnauthorized, errors.New("user is not enabled"))
			return
		}
		if user.Role < minRole {
			AbortWithError(c, http.StatusForbidden, errors.New("insufficient privileges"))
			return
		}
		c.Set(ctxkey.Id, user.Id)
		c.Set(ctxkey.TokenId, token.Id)
		c.Next()
	}
}

package controller

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/common"
	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/ctxkey"
	"github.com/fluxgate/fluxgate/model"
)

func GetUserTokens(c *gin.Context) {
	userId := c.GetInt(ctxkey.Id)
	if requested, err := strconv.Atoi(c.Query("user_id")); err == nil && requested > 0 {
		userId = requested
	}
	tokens, err := model.GetUserTokens(userId)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, tokens)
}

func GetToken(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	token, err := model.GetTokenById(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, token)
}

// AddToken mints an access token. The plaintext key is returned exactly
// once; only its hash is stored.
func AddToken(c *gin.Context) {
	var token model.Token
	if err := c.ShouldBindJSON(&token); err != nil {
		respondErr(c, err)
		return
	}
	if token.UserId == 0 {
		token.UserId = c.GetInt(ctxkey.Id)
	}
	key := model.GenerateTokenKey()
	token.KeyHash = common.HashKey(strings.TrimPrefix(key, config.TokenKeyPrefix))
	if err := token.Insert(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"token": token, "key": key})
}

func UpdateToken(c *gin.Context) {
	var token model.Token
	if err := c.ShouldBindJSON(&token); err != nil {
		respondErr(c, err)
		return
	}
	if err := token.Update(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, token)
}

func DeleteToken(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	token, err := model.GetTokenById(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	if err := token.Delete(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

package controller

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/model"
)

// accountRequest carries the plaintext secrets; they are sealed or
// stored on the row and never echoed back.
type accountRequest struct {
	model.Account
	APIKey           string `json:"api_key"`
	CredentialBundle string `json:"credential_bundle"`
	// Enabled shadows the row field so an omitted value is
	// distinguishable from an explicit false.
	Enabled *bool `json:"enabled"`
}

func GetAllAccounts(c *gin.Context) {
	accounts, err := model.GetAllAccounts()
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, accounts)
}

func GetAccount(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	account, err := model.GetAccountById(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, account)
}

func AddAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, err)
		return
	}
	account := req.Account
	account.APIKey = req.APIKey
	account.Enabled = req.Enabled == nil || *req.Enabled
	if req.CredentialBundle != "" {
		if err := account.SetCredentialBundle([]byte(req.CredentialBundle)); err != nil {
			respondErr(c, err)
			return
		}
	}
	if err := account.Insert(); err != nil {
		respondErr(c, err)
		return
	}
	refreshSnapshot()
	respondOK(c, account)
}

func UpdateAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, err)
		return
	}
	account := req.Account
	account.APIKey = req.APIKey
	if req.Enabled != nil {
		account.Enabled = *req.Enabled
	}
	if req.CredentialBundle != "" {
		if err := account.SetCredentialBundle([]byte(req.CredentialBundle)); err != nil {
			respondErr(c, err)
			return
		}
	}
	if err := account.Update(); err != nil {
		respondErr(c, err)
		return
	}
	refreshSnapshot()
	respondOK(c, account)
}

func DeleteAccount(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	account := model.Account{Id: id}
	if err := account.Delete(); err != nil {
		respondErr(c, err)
		return
	}
	refreshSnapshot()
	respondOK(c, nil)
}

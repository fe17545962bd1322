package controller

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/model"
)

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "", "data": data})
}

func respondErr(c *gin.Context, err error) {
	c.JSON(http.StatusOK, gin.H{"success": false, "message": err.Error()})
}

func GetAllProviders(c *gin.Context) {
	providers, err := model.GetAllProviders()
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, providers)
}

func GetProvider(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	provider, err := model.GetProviderById(id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, provider)
}

func AddProvider(c *gin.Context) {
	// The pointer distinguishes an explicit "enabled": false from an
	// omitted field; new providers default to enabled.
	var req struct {
		model.Provider
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, err)
		return
	}
	provider := req.Provider
	provider.Enabled = req.Enabled == nil || *req.Enabled
	if err := provider.Insert(); err != nil {
		respondErr(c, err)
		return
	}
	refreshSnapshot()
	respondOK(c, provider)
}

func UpdateProvider(c *gin.Context) {
	var provider model.Provider
	if err := c.ShouldBindJSON(&provider); err != nil {
		respondErr(c, err)
		return
	}
	if err := provider.Update(); err != nil {
		respondErr(c, err)
		return
	}
	refreshSnapshot()
	respondOK(c, provider)
}

func DeleteProvider(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	provider := model.Provider{Id: id}
	if err := provider.Delete(); err != nil {
		respondErr(c, err)
		return
	}
	refreshSnapshot()
	respondOK(c, nil)
}

// refreshSnapshot applies provider or account changes to the dispatch
// view immediately instead of waiting for the next sync tick.
func refreshSnapshot() {
	_ = model.RefreshProviderSnapshot()
}

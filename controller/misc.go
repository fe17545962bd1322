package controller

import (
	"net/http"
	"strconv"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/common"
	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/monitor"
	relaycontroller "github.com/fluxgate/fluxgate/relay/controller"
)

func GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "",
		"data": gin.H{
			"version":     common.Version,
			"start_time":  common.StartTime,
			"system_name": config.SystemName,
		},
	})
}

// GetAccountHealth reports the monitor's view of every tracked account.
func GetAccountHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "",
		"data":    relaycontroller.Health.Summary(),
	})
}

// ForceAccountHealth lets an operator override the monitor: recover an
// account early, degrade it for testing, or ban it outright.
func ForceAccountHealth(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, err)
		return
	}
	switch req.Action {
	case "recover":
		relaycontroller.Health.Force(id, monitor.StatusHealthy, 0)
	case "degrade":
		relaycontroller.Health.Force(id, monitor.StatusDegraded, config.RateLimitCooldown)
	case "ban":
		relaycontroller.Health.Force(id, monitor.StatusBanned, config.AuthBanDuration)
	default:
		respondErr(c, errors.Errorf("unknown action %q", req.Action))
		return
	}
	respondOK(c, nil)
}

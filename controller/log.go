package controller

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/common/utils"
	"github.com/fluxgate/fluxgate/model"
)

const (
	logPageSize = 20
	// maxUsageRangeDays bounds ad-hoc usage queries so one request cannot
	// scan an unbounded slice of the log table.
	maxUsageRangeDays = 366
)

// GetLogs serves the paginated request log with optional user, token
// and model filters.
func GetLogs(c *gin.Context) {
	p, _ := strconv.Atoi(c.Query("p"))
	if p < 0 {
		p = 0
	}
	userId, _ := strconv.Atoi(c.Query("user_id"))
	tokenId, _ := strconv.Atoi(c.Query("token_id"))
	modelName := c.Query("model_name")

	logs, total, err := model.SearchLogs(userId, tokenId, modelName, p*logPageSize, logPageSize)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"items": logs, "total": total})
}

// GetUsageSummary aggregates token usage. The window is either
// from_date/to_date (inclusive YYYY-MM-DD pair) or a raw unix `since`
// timestamp; with neither it covers all time.
func GetUsageSummary(c *gin.Context) {
	userId, _ := strconv.Atoi(c.Query("user_id"))

	var from, to int64
	if fromStr := c.Query("from_date"); fromStr != "" {
		var err error
		from, to, err = utils.NormalizeDateRange(fromStr, c.Query("to_date"), maxUsageRangeDays)
		if err != nil {
			respondErr(c, err)
			return
		}
	} else {
		from, _ = strconv.ParseInt(c.Query("since"), 10, 64)
	}

	prompt, completion, requests, err := model.SumUsage(userId, from, to)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      prompt + completion,
		"requests":          requests,
	})
}

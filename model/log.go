package model

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/helper"
	"github.com/fluxgate/fluxgate/common/logger"
)

// Log is one append-only request row. Rows are never mutated after
// insertion; the token-count fields are the billing trail.
type Log struct {
	Id         int    `json:"id"`
	CreatedAt  int64  `json:"created_at" gorm:"bigint;index"`
	UserId     int    `json:"user_id" gorm:"index"`
	TokenId    int    `json:"token_id" gorm:"index"`
	TokenName  string `json:"token_name" gorm:"index;default:''"`
	ProviderId int    `json:"provider_id" gorm:"index"`
	AccountId  int    `json:"account_id" gorm:"index"`
	ModelName  string `json:"model_name" gorm:"index;default:''"`
	StatusCode int    `json:"status_code" gorm:"index"`
	// ElapsedTime is the request duration in milliseconds.
	ElapsedTime      int64  `json:"elapsed_time" gorm:"default:0"`
	PromptTokens     int    `json:"prompt_tokens" gorm:"default:0"`
	CompletionTokens int    `json:"completion_tokens" gorm:"default:0"`
	IsStream         bool   `json:"is_stream" gorm:"default:false"`
	// ErrorKind is set when StatusCode >= 400.
	ErrorKind string `json:"error_kind" gorm:"default:''"`
	RequestId string `json:"request_id" gorm:"default:''"`
}

const logFlushBatchSize = 256

var (
	logQueue     chan *Log
	logFlushKick chan struct{}
)

func init() {
	logQueue = make(chan *Log, config.LogQueueSize)
	logFlushKick = make(chan struct{}, 1)
}

// RecordLog enqueues a row for the batched flusher. When the queue is at
// its hard cap the row is stripped to its billing fields and written
// synchronously so token counts are never lost.
func RecordLog(row *Log) {
	if row.CreatedAt == 0 {
		row.CreatedAt = helper.GetTimestamp()
	}

	select {
	case logQueue <- row:
	default:
		row.RequestId = ""
		row.ErrorKind = ""
		if err := DB.Create(row).Error; err != nil {
			logger.Logger.Error("log queue full and direct write failed - billing trail incomplete",
				zap.Int("token_id", row.TokenId),
				zap.Int("prompt_tokens", row.PromptTokens),
				zap.Int("completion_tokens", row.CompletionTokens),
				zap.Error(err))
		}
		return
	}

	// Kick an early flush past the high-water mark.
	if len(logQueue) >= cap(logQueue)/2 {
		select {
		case logFlushKick <- struct{}{}:
		default:
		}
	}
}

// FlushLogs runs the batched flush loop until ctx is done, then drains
// whatever is still queued.
func FlushLogs(ctx context.Context) {
	ticker := time.NewTicker(config.LogFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushLogBatch(context.Background())
			return
		case <-ticker.C:
			flushLogBatch(ctx)
		case <-logFlushKick:
			flushLogBatch(ctx)
		}
	}
}

func flushLogBatch(ctx context.Context) {
	for {
		batch := drainLogQueue(logFlushBatchSize)
		if len(batch) == 0 {
			return
		}
		err := runWithSQLiteBusyRetry(ctx, func() error {
			return DB.CreateInBatches(batch, logFlushBatchSize).Error
		})
		if err != nil {
			logger.Logger.Error("failed to flush log batch - billing trail incomplete",
				zap.Int("rows", len(batch)), zap.Error(err))
			return
		}
		if len(batch) < logFlushBatchSize {
			return
		}
	}
}

func drainLogQueue(max int) []*Log {
	var batch []*Log
	for len(batch) < max {
		select {
		case row := <-logQueue:
			batch = append(batch, row)
		default:
			return batch
		}
	}
	return batch
}

// SearchLogs returns rows for the stats endpoints, newest first.
func SearchLogs(userId int, tokenId int, modelName string, startIdx int, num int) ([]*Log, int64, error) {
	query := DB.Model(&Log{})
	if userId != 0 {
		query = query.Where("user_id = ?", userId)
	}
	if tokenId != 0 {
		query = query.Where("token_id = ?", tokenId)
	}
	if modelName != "" {
		query = query.Where("model_name = ?", modelName)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count logs")
	}
	var rows []*Log
	err := query.Order("id desc").Offset(startIdx).Limit(num).Find(&rows).Error
	return rows, total, errors.Wrap(err, "search logs")
}

// SumUsage aggregates the billing counters for one user inside the
// half-open [from, to) unix-second window. to = 0 leaves the window
// open-ended and userId = 0 sums every user.
func SumUsage(userId int, from int64, to int64) (prompt int64, completion int64, requests int64, err error) {
	type agg struct {
		Prompt     int64
		Completion int64
		Requests   int64
	}
	query := DB.Model(&Log{}).
		Select("COALESCE(SUM(prompt_tokens),0) as prompt, COALESCE(SUM(completion_tokens),0) as completion, COUNT(*) as requests").
		Where("created_at >= ?", from)
	if userId != 0 {
		query = query.Where("user_id = ?", userId)
	}
	if to > 0 {
		query = query.Where("created_at < ?", to)
	}
	var a agg
	if err = query.Scan(&a).Error; err != nil {
		return 0, 0, 0, errors.Wrapf(err, "sum usage of user %d", userId)
	}
	return a.Prompt, a.Completion, a.Requests, nil
}

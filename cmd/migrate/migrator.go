package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fluxgate/fluxgate/common"
	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/logger"
	"github.com/fluxgate/fluxgate/model"
)

type migrator struct {
	source    *gorm.DB
	target    *gorm.DB
	targetPg  bool
	batchSize int
	dryRun    bool
}

// tableOrder lists every gateway table in foreign-key order: owners
// before the rows that reference them.
var tableOrder = []string{"users", "tokens", "providers", "accounts", "logs"}

func newMigrator(sourceDSN, targetDSN string, batchSize int, dryRun bool) (*migrator, error) {
	source, _, err := openDatabase(sourceDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open source")
	}
	target, targetType, err := openDatabase(targetDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open target")
	}
	return &migrator{
		source:    source,
		target:    target,
		targetPg:  targetType == "postgres",
		batchSize: batchSize,
		dryRun:    dryRun,
	}, nil
}

// openDatabase connects to a DSN, inferring the backend from its scheme.
// A scheme-less DSN with a user@host shape is MySQL, anything else is a
// SQLite file path.
func openDatabase(dsn string) (*gorm.DB, string, error) {
	cfg := &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var db *gorm.DB
	var dbType string
	var err error
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dbType = "postgres"
		db, err = gorm.Open(postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true}), cfg)
	case strings.HasPrefix(dsn, "mysql://"), strings.Contains(dsn, "@"):
		dbType = "mysql"
		normalized, normErr := common.NormalizeMySQLDSN(dsn)
		if normErr != nil {
			return nil, "", errors.Wrap(normErr, "normalize mysql DSN")
		}
		db, err = gorm.Open(mysql.Open(normalized), cfg)
	default:
		dbType = "sqlite"
		path := strings.TrimPrefix(dsn, "sqlite://")
		if !strings.Contains(path, "_busy_timeout") {
			sep := "?"
			if strings.Contains(path, "?") {
				sep = "&"
			}
			path += fmt.Sprintf("%s_busy_timeout=%d", sep, config.SQLiteBusyTimeout)
		}
		db, err = gorm.Open(sqlite.Open(path), cfg)
	}
	if err != nil {
		return nil, "", errors.Wrapf(err, "open %s database", dbType)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, "", errors.Wrap(err, "get sql.DB")
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, "", errors.Wrapf(err, "ping %s database", dbType)
	}
	return db, dbType, nil
}

func (m *migrator) close() {
	for _, db := range []*gorm.DB{m.source, m.target} {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

type tablePlan struct {
	Name        string `json:"name"`
	RecordCount int64  `json:"record_count"`
}

func (m *migrator) plan() ([]tablePlan, error) {
	plans := make([]tablePlan, 0, len(tableOrder))
	for _, name := range tableOrder {
		if !m.source.Migrator().HasTable(name) {
			continue
		}
		var count int64
		if err := m.source.Table(name).Count(&count).Error; err != nil {
			return nil, errors.Wrapf(err, "count %s", name)
		}
		plans = append(plans, tablePlan{Name: name, RecordCount: count})
	}
	return plans, nil
}

func (m *migrator) run(ctx context.Context) error {
	start := time.Now()
	if m.dryRun {
		logger.Logger.Info("dry run, target will not be written")
	} else if err := m.target.AutoMigrate(
		&model.User{}, &model.Token{}, &model.Provider{}, &model.Account{}, &model.Log{},
	); err != nil {
		return errors.Wrap(err, "prepare target schema")
	}

	var total int64
	for _, step := range []func(context.Context) (int64, error){
		copyTable[model.User](m, "users"),
		copyTable[model.Token](m, "tokens"),
		copyTable[model.Provider](m, "providers"),
		copyTable[model.Account](m, "accounts"),
		copyTable[model.Log](m, "logs"),
	} {
		n, err := step(ctx)
		if err != nil {
			return err
		}
		total += n
	}

	if !m.dryRun && m.targetPg {
		m.fixSequences()
	}
	if !m.dryRun {
		if err := m.validateCounts(); err != nil {
			return err
		}
	}

	logger.Logger.Info("migration complete",
		zap.Int64("records", total),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// copyTable streams one table from source to target in batches. Rows
// already present in the target are overwritten, so reruns converge.
func copyTable[T any](m *migrator, name string) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		if !m.source.Migrator().HasTable(name) {
			logger.Logger.Warn("table missing in source, skipped", zap.String("table", name))
			return 0, nil
		}

		var copied int64
		var batch []T
		err := m.source.WithContext(ctx).Table(name).Order("id").
			FindInBatches(&batch, m.batchSize, func(tx *gorm.DB, _ int) error {
				if m.dryRun {
					copied += int64(len(batch))
					return nil
				}
				if err := m.target.WithContext(ctx).Table(name).
					Clauses(clause.OnConflict{
						Columns:   []clause.Column{{Name: "id"}},
						UpdateAll: true,
					}).Create(&batch).Error; err != nil {
					return errors.Wrapf(err, "insert batch into %s", name)
				}
				copied += int64(len(batch))
				return nil
			}).Error
		if err != nil {
			return copied, errors.Wrapf(err, "copy table %s", name)
		}

		logger.Logger.Info("table copied",
			zap.String("table", name), zap.Int64("records", copied))
		return copied, nil
	}
}

// fixSequences bumps PostgreSQL identity sequences past the migrated ids
// so the next insert does not collide. Failures are logged, not fatal.
func (m *migrator) fixSequences() {
	for _, name := range tableOrder {
		var maxId int64
		if err := m.target.Table(name).Select("COALESCE(MAX(id), 0)").Scan(&maxId).Error; err != nil || maxId == 0 {
			continue
		}
		seq := name + "_id_seq"
		if err := m.target.Exec(fmt.Sprintf("SELECT setval('%s', %d, true)", seq, maxId)).Error; err != nil {
			logger.Logger.Warn("sequence fix failed",
				zap.String("sequence", seq), zap.Error(err))
		}
	}
}

func (m *migrator) validateCounts() error {
	for _, name := range tableOrder {
		if !m.source.Migrator().HasTable(name) {
			continue
		}
		var sourceCount, targetCount int64
		if err := m.source.Table(name).Count(&sourceCount).Error; err != nil {
			return errors.Wrapf(err, "count source %s", name)
		}
		if err := m.target.Table(name).Count(&targetCount).Error; err != nil {
			return errors.Wrapf(err, "count target %s", name)
		}
		if sourceCount != targetCount {
			return errors.Errorf("row count mismatch for %s: source=%d target=%d",
				name, sourceCount, targetCount)
		}
	}
	return nil
}

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fluxgate/fluxgate/common"
	"github.com/fluxgate/fluxgate/common/config"
	"github.com/fluxgate/fluxgate/common/helper"
	"github.com/fluxgate/fluxgate/common/logger"
	"github.com/fluxgate/fluxgate/common/random"
)

var DB *gorm.DB

func chooseDB(dsn string) (*gorm.DB, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"):
		return openPostgreSQL(dsn)
	case dsn != "":
		return openMySQL(dsn)
	default:
		return openSQLite()
	}
}

func openPostgreSQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using PostgreSQL as database")
	common.UsingPostgreSQL.Store(true)
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true, // disables implicit prepared statement usage
	}), &gorm.Config{
		PrepareStmt: true,
	})
}

func openMySQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using MySQL as database")
	common.UsingMySQL.Store(true)
	normalized, err := common.NormalizeMySQLDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "normalize MySQL DSN")
	}
	return gorm.Open(mysql.Open(normalized), &gorm.Config{
		PrepareStmt: true,
	})
}

func openSQLite() (*gorm.DB, error) {
	logger.Logger.Info("SQL_DSN not set, using SQLite as database")
	common.UsingSQLite.Store(true)
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", config.SQLitePath, config.SQLiteBusyTimeout)
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true,
	})
}

func InitDB() {
	var err error
	DB, err = chooseDB(config.SQLDSN)
	if err != nil {
		logger.Logger.Fatal("failed to initialize database", zap.Error(err))
		return
	}

	if config.DebugSQLEnabled {
		logger.Logger.Debug("debug sql enabled")
		DB = DB.Debug()
	}

	setDBConns(DB)

	logger.Logger.Info("database migration started")
	if err = migrateDB(); err != nil {
		logger.Logger.Fatal("failed to migrate database", zap.Error(err))
		return
	}
	logger.Logger.Info("database migration completed")

	if err = CreateRootUserIfNeed(); err != nil {
		logger.Logger.Fatal("failed to create root user", zap.Error(err))
	}
}

func migrateDB() error {
	for _, m := range []any{&User{}, &Token{}, &Provider{}, &Account{}, &Log{}} {
		if err := DB.AutoMigrate(m); err != nil {
			return errors.Wrapf(err, "migrate %T", m)
		}
	}
	return nil
}

func setDBConns(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Logger.Fatal("failed to obtain sql.DB", zap.Error(err))
		return
	}
	sqlDB.SetMaxIdleConns(config.SQLMaxIdleConns)
	sqlDB.SetMaxOpenConns(config.SQLMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(config.SQLMaxLifetimeSeconds) * time.Second)
}

// CreateRootUserIfNeed seeds a super admin plus an optional bootstrap
// access token on an empty database.
func CreateRootUserIfNeed() error {
	var user User
	if err := DB.First(&user).Error; err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(err, "probe for existing users")
	}

	logger.Logger.Info("no user exists, creating a root user for you: username is root, password is 123456")
	hashedPassword, err := common.Password2Hash("123456")
	if err != nil {
		return errors.WithStack(err)
	}
	rootUser := User{
		Username:    "root",
		Password:    hashedPassword,
		DisplayName: "Root User",
		Role:        RoleSuperAdmin,
		Status:      UserStatusEnabled,
		Quota:       -1,
	}
	if err := DB.Create(&rootUser).Error; err != nil {
		return errors.Wrap(err, "create root user")
	}

	if config.InitialRootToken != "" {
		logger.Logger.Info("creating initial root token as requested")
		token := Token{
			UserId:      rootUser.Id,
			KeyHash:     common.HashKey(strings.TrimPrefix(config.InitialRootToken, config.TokenKeyPrefix)),
			Status:      TokenStatusEnabled,
			Name:        "Initial Root Token",
			CreatedTime: helper.GetTimestamp(),
			ExpiredTime: -1,
			RemainQuota: -1,
		}
		if err := DB.Create(&token).Error; err != nil {
			return errors.Wrap(err, "create initial root token")
		}
	}
	return nil
}

// GenerateTokenKey returns the plaintext key for a new access token. Only
// the salted hash is persisted, so the caller must show this value once.
func GenerateTokenKey() string {
	return config.TokenKeyPrefix + random.GenerateKey()
}

func CloseDB() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return errors.Wrap(err, "obtain sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "close database")
}

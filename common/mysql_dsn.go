package common

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gosqlmysql "github.com/go-sql-driver/mysql"
)

// NormalizeMySQLDSN accepts either a go-sql-driver DSN or a mysql:// URL
// and returns a driver DSN with parseTime=true. When the caller did not
// pin a loc parameter the location defaults to UTC so DATETIME scans are
// timezone-stable across nodes.
func NormalizeMySQLDSN(dsn string) (string, error) {
	normalized, err := mysqlURLToDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "convert MySQL DSN")
	}

	cfg, err := gosqlmysql.ParseDSN(normalized)
	if err != nil {
		return "", errors.Wrap(err, "parse MySQL DSN")
	}

	cfg.ParseTime = true
	if !hasDSNOption(normalized, "loc") {
		cfg.Loc = time.UTC
	}

	return cfg.FormatDSN(), nil
}

func mysqlURLToDSN(dsn string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(dsn), "mysql://") {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql:// URL")
	}
	if parsed.Host == "" {
		return "", errors.New("mysql DSN missing host")
	}

	var b strings.Builder
	if parsed.User != nil {
		b.WriteString(parsed.User.Username())
		if pwd, ok := parsed.User.Password(); ok {
			b.WriteString(":" + pwd)
		}
		b.WriteString("@")
	}
	fmt.Fprintf(&b, "tcp(%s)/%s", parsed.Host, strings.TrimPrefix(parsed.Path, "/"))
	if parsed.RawQuery != "" {
		b.WriteString("?" + parsed.RawQuery)
	}
	return b.String(), nil
}

func hasDSNOption(dsn string, key string) bool {
	idx := strings.Index(dsn, "?")
	if idx == -1 {
		return false
	}
	values, err := url.ParseQuery(dsn[idx+1:])
	if err != nil {
		return false
	}
	_, ok := values[key]
	return ok
}

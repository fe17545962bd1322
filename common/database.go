package common

import "sync/atomic"

// Backend flags are set once during model.InitDB and read by code that
// needs backend-specific behavior, e.g. the SQLite busy-retry loop.
var (
	UsingSQLite     atomic.Bool
	UsingPostgreSQL atomic.Bool
	UsingMySQL      atomic.Bool
)

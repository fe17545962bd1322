package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Laisky/zap"
	_ "github.com/joho/godotenv/autoload"

	"github.com/fluxgate/fluxgate/common/logger"
)

// Copies every gateway table between two databases, e.g. from the default
// SQLite file to PostgreSQL before scaling out.
func main() {
	var (
		sourceDSN = flag.String("source", "", "source DSN (sqlite path, mysql:// or postgres://)")
		targetDSN = flag.String("target", "", "target DSN")
		dryRun    = flag.Bool("dry-run", false, "analyze without writing to the target")
		batchSize = flag.Int("batch-size", 1000, "rows per copy batch")
		planOnly  = flag.Bool("plan", false, "print the migration plan as JSON, then exit")
	)
	flag.Parse()

	if *sourceDSN == "" || *targetDSN == "" {
		fmt.Fprintln(os.Stderr, "both -source and -target are required")
		flag.Usage()
		os.Exit(2)
	}
	if *sourceDSN == *targetDSN {
		logger.Logger.Fatal("source and target must differ")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := newMigrator(*sourceDSN, *targetDSN, *batchSize, *dryRun)
	if err != nil {
		logger.Logger.Fatal("connect", zap.Error(err))
	}
	defer m.close()

	if *planOnly {
		plan, err := m.plan()
		if err != nil {
			logger.Logger.Fatal("build migration plan", zap.Error(err))
		}
		out, _ := json.MarshalIndent(plan, "", "  ")
		fmt.Println(string(out))
		return
	}

	if err := m.run(ctx); err != nil {
		logger.Logger.Fatal("migration failed", zap.Error(err))
	}
}

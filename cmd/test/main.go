package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	_ "github.com/joho/godotenv/autoload"
)

// Smoke tester for a running gateway: sends one request per model and
// variant through every client dialect and prints a pass/fail table.

type dialectType string

const (
	dialectOpenAI dialectType = "openai"
	dialectClaude dialectType = "claude"
	dialectGemini dialectType = "gemini"

	defaultAPIBase    = "http://localhost:3000"
	defaultTestModels = "gpt-4o-mini,claude-sonnet-4-5,gemini-2.5-flash"
	maxResponseBody   = 1 << 20
)

type requestVariant struct {
	Key     string
	Header  string
	Dialect dialectType
	Stream  bool
}

var requestVariants = []requestVariant{
	{Key: "openai_unary", Header: "OpenAI (stream=false)", Dialect: dialectOpenAI, Stream: false},
	{Key: "openai_stream", Header: "OpenAI (stream=true)", Dialect: dialectOpenAI, Stream: true},
	{Key: "claude_unary", Header: "Claude (stream=false)", Dialect: dialectClaude, Stream: false},
	{Key: "claude_stream", Header: "Claude (stream=true)", Dialect: dialectClaude, Stream: true},
	{Key: "gemini_unary", Header: "Gemini (stream=false)", Dialect: dialectGemini, Stream: false},
	{Key: "gemini_stream", Header: "Gemini (stream=true)", Dialect: dialectGemini, Stream: true},
}

type testConfig struct {
	APIBase string
	APIKey  string
	Models  []string
	Timeout time.Duration
}

func loadConfig() *testConfig {
	var (
		apiBase = flag.String("base", envOr("FLUXGATE_TEST_BASE", defaultAPIBase), "gateway base URL")
		apiKey  = flag.String("key", os.Getenv("FLUXGATE_TEST_KEY"), "access token (sk-...)")
		models  = flag.String("models", envOr("FLUXGATE_TEST_MODELS", defaultTestModels), "comma-separated models to probe")
		timeout = flag.Duration("timeout", 90*time.Second, "per-request timeout")
	)
	flag.Parse()

	cfg := &testConfig{
		APIBase: strings.TrimRight(*apiBase, "/"),
		APIKey:  *apiKey,
		Timeout: *timeout,
	}
	for _, m := range strings.Split(*models, ",") {
		if m = strings.TrimSpace(m); m != "" {
			cfg.Models = append(cfg.Models, m)
		}
	}
	return cfg
}

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger, err := glog.NewConsoleWithName("fluxgate-test", glog.LevelInfo)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	if cfg.APIKey == "" {
		logger.Fatal("no access token; set -key or FLUXGATE_TEST_KEY")
	}

	results := run(ctx, logger, cfg)
	printReport(os.Stdout, cfg.Models, results)

	for _, r := range results {
		if !r.Success {
			logger.Warn("smoke test finished with failures")
			os.Exit(1)
		}
	}
	logger.Info("smoke test passed", zap.Int("requests", len(results)))
}

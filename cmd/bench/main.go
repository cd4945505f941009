// README: Smoke and load runner for a deployed assist API; executes HTTP/DB/Redis checks and prints results.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusFail:
			fail++
		case StatusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	JWTSecret      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
}

func loadConfig() Config {
	var cfg Config
	pflag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("ASSIST_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	pflag.StringVar(&cfg.DSN, "dsn", envOrDefault("ASSIST_DB_DSN", ""), "Postgres DSN (empty skips DB checks)")
	pflag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("ASSIST_REDIS_ADDR", "localhost:6379"), "Redis address")
	pflag.StringVar(&cfg.JWTSecret, "jwt-secret", envOrDefault("ASSIST_JWT_SECRET", ""), "HMAC secret the API verifies tokens with")
	pflag.StringVar(&cfg.MigrationPath, "migration", envOrDefault("ASSIST_BENCH_MIGRATION", "migrations/0001_init.sql"), "Migration SQL path")
	pflag.BoolVar(&cfg.ApplyMigration, "apply-migration", envOrDefaultBool("ASSIST_BENCH_APPLY_MIGRATION", false), "Apply migration SQL before tests")
	pflag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("ASSIST_BENCH_STRICT", false), "Fail on skipped tests")
	pflag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("ASSIST_BENCH_TIMEOUT", 60*time.Second), "Total timeout")
	pflag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("ASSIST_BENCH_CONCURRENCY", 20), "Concurrency for race and perf tests")
	pflag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("ASSIST_BENCH_DURATION", 10*time.Second), "Duration for perf tests")
	pflag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// README: Smoke and load runner for a deployed dispatch API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"scrapdispatch/internal/config"
)

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("bench config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	results := NewRunner(cfg).RunAll(ctx)
	s := summarize(results)
	s.print()
	if s.failed() || (cfg.Strict && len(s.skipped) > 0) {
		os.Exit(1)
	}
}

// loadConfig takes the store addresses from the API's own config so that the
// bench seeds the database the API reads. SCRAP_BENCH_* and flags override.
func loadConfig(args []string) (Config, error) {
	app, err := config.Load()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("SCRAP_BENCH")
	v.AutomaticEnv()
	v.SetDefault("BASE_URL", "http://localhost"+app.HTTP.Addr)
	v.SetDefault("MIGRATION", "migrations/0001_init.sql")
	v.SetDefault("APPLY_MIGRATION", false)
	v.SetDefault("STRICT", false)
	v.SetDefault("TIMEOUT", 60*time.Second)
	v.SetDefault("CONCURRENCY", 10)
	v.SetDefault("DURATION", 5*time.Second)

	var cfg Config
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.StringVar(&cfg.BaseURL, "base-url", v.GetString("BASE_URL"), "dispatch API base URL")
	fs.StringVar(&cfg.DSN, "dsn", app.DB.DSN, "Postgres DSN used for fixtures")
	fs.StringVar(&cfg.RedisAddr, "redis", app.Redis.Addr, "Redis address holding confirm keys")
	fs.StringVar(&cfg.MigrationPath, "migration", v.GetString("MIGRATION"), "migration SQL path")
	fs.BoolVar(&cfg.ApplyMigration, "apply-migration", v.GetBool("APPLY_MIGRATION"), "apply migration SQL before the cases")
	fs.BoolVar(&cfg.Strict, "strict", v.GetBool("STRICT"), "fail on skipped cases")
	fs.DurationVar(&cfg.Timeout, "timeout", v.GetDuration("TIMEOUT"), "total timeout")
	fs.IntVar(&cfg.Concurrency, "concurrency", v.GetInt("CONCURRENCY"), "sessions racing for one order")
	fs.DurationVar(&cfg.Duration, "duration", v.GetDuration("DURATION"), "open throughput window")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency < 2 {
		return Config{}, fmt.Errorf("concurrency must be at least 2 for the commit race, got %d", cfg.Concurrency)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

type summary struct {
	passed  []Result
	failing []Result
	skipped []Result
	slowest Result
}

func summarize(results []Result) summary {
	var s summary
	for _, r := range results {
		switch r.Status {
		case "PASS":
			s.passed = append(s.passed, r)
		case "FAIL":
			s.failing = append(s.failing, r)
		case "SKIP":
			s.skipped = append(s.skipped, r)
		}
		if r.Latency > s.slowest.Latency {
			s.slowest = r
		}
	}
	return s
}

func (s summary) failed() bool { return len(s.failing) > 0 }

func (s summary) print() {
	fmt.Println("\n== Dispatch bench ==")
	fmt.Printf("passed=%d failed=%d skipped=%d\n", len(s.passed), len(s.failing), len(s.skipped))
	for _, r := range s.failing {
		fmt.Printf("  failed: %s: %s\n", r.Name, r.Note)
	}
	for _, r := range s.skipped {
		fmt.Printf("  skipped: %s: %s\n", r.Name, r.Note)
	}
	if s.slowest.Latency > 0 {
		fmt.Printf("slowest: %s (%s)\n", s.slowest.Name, s.slowest.Latency)
	}
}

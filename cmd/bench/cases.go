// README: Bench cases run against a live API with seeded fixtures.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	runID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		runID: fmt.Sprintf("bench%d", time.Now().UnixNano()),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) id(name string) string {
	return r.runID + "-" + name
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if !exists {
						return Result{Status: "FAIL", Note: "missing table: " + t}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Fixtures: seed yard, collector and orders",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				if err := r.seed(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "API: health",
			Run: func(ctx context.Context, r *Runner) Result {
				start := time.Now()
				status, _, err := r.do(ctx, http.MethodGet, base+"/health", nil, nil)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return expect(status, time.Since(start), http.StatusOK)
			},
		},
		{
			Name: "Dispatch: open unknown order -> 404",
			Run: func(ctx context.Context, r *Runner) Result {
				status, _, err := r.do(ctx, http.MethodPost, base+"/api/dispatch/sessions",
					map[string]any{"order_id": r.id("missing")}, nil)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return expect(status, 0, http.StatusNotFound)
			},
		},
		{
			Name: "Dispatch: next without yard -> 422",
			Run: func(ctx context.Context, r *Runner) Result {
				sid, err := r.openSession(ctx, r.id("o-gate"))
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				status, body, err := r.do(ctx, http.MethodPost, r.sessionURL(sid, "/next"), nil, nil)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if status == http.StatusUnprocessableEntity && bytes.Contains(body, []byte("yard required")) {
					return Result{Status: "PASS"}
				}
				return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d body=%s", status, body)}
			},
		},
		{
			Name: "Dispatch: full flow commits once",
			Run: func(ctx context.Context, r *Runner) Result {
				start := time.Now()
				orderID := r.id("o-flow")
				sid, err := r.walkToReview(ctx, orderID)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				key := map[string]string{"Idempotency-Key": r.id("k-flow")}
				for i := 0; i < 2; i++ {
					status, body, err := r.do(ctx, http.MethodPost, r.sessionURL(sid, "/confirm"), nil, key)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if status != http.StatusOK {
						return Result{Status: "FAIL", Note: fmt.Sprintf("confirm #%d status=%d body=%s", i+1, status, body)}
					}
				}
				var version int
				var status string
				if err := r.db.QueryRow(ctx, `SELECT status, assignment_version FROM orders WHERE id=$1`, orderID).
					Scan(&status, &version); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if status != "assigned" || version != 1 {
					return Result{Status: "FAIL", Note: fmt.Sprintf("status=%s version=%d", status, version)}
				}
				return Result{Status: "PASS", Latency: time.Since(start)}
			},
		},
		{
			Name: "Concurrency: sessions race on one order",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.raceConfirm(ctx, r.id("o-race"))
			},
		},
		{
			Name: "Perf: open session throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.perfOpen(ctx, r.id("o-perf"))
			},
		},
	}
}

func (r *Runner) seed(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`INSERT INTO scrap_yards (id, name, lat, lng) VALUES ('%s', 'Bench Yard', 25.05, 121.52)`, r.id("y1")),
		fmt.Sprintf(`INSERT INTO collectors (id, full_name) VALUES ('%s', 'Bench Collector')`, r.id("c1")),
	}
	for _, o := range []string{"o-gate", "o-flow", "o-race", "o-perf"} {
		stmts = append(stmts, fmt.Sprintf(
			`INSERT INTO orders (id, customer_name, pickup_address, pickup_lat, pickup_lng) VALUES ('%s', 'Bench', '1 Bench St', 25.033, 121.565)`,
			r.id(o)))
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) sessionURL(sid, suffix string) string {
	return r.cfg.BaseURL + "/api/dispatch/sessions/" + sid + suffix
}

func (r *Runner) do(ctx context.Context, method, url string, body any, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

type sessionView struct {
	SessionID string `json:"session_id"`
	Step      string `json:"step"`
	Loading   bool   `json:"loading"`
}

// openSession opens a session and polls until the candidate pools have loaded.
func (r *Runner) openSession(ctx context.Context, orderID string) (string, error) {
	status, body, err := r.do(ctx, http.MethodPost, r.cfg.BaseURL+"/api/dispatch/sessions",
		map[string]any{"order_id": orderID}, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("open status=%d body=%s", status, body)
	}
	var v sessionView
	if err := json.Unmarshal(body, &v); err != nil {
		return "", err
	}
	for v.Loading {
		time.Sleep(50 * time.Millisecond)
		_, body, err = r.do(ctx, http.MethodGet, r.sessionURL(v.SessionID, ""), nil, nil)
		if err != nil {
			return "", err
		}
		if err := json.Unmarshal(body, &v); err != nil {
			return "", err
		}
	}
	return v.SessionID, nil
}

func (r *Runner) walkToReview(ctx context.Context, orderID string) (string, error) {
	sid, err := r.openSession(ctx, orderID)
	if err != nil {
		return "", err
	}
	steps := []struct {
		method, path string
		body         any
	}{
		{http.MethodPut, "/yard", map[string]any{"yard_id": r.id("y1")}},
		{http.MethodPost, "/next", nil},
		{http.MethodPost, "/collectors/" + r.id("c1") + "/toggle", nil},
		{http.MethodPost, "/next", nil},
	}
	for _, s := range steps {
		status, body, err := r.do(ctx, s.method, r.sessionURL(sid, s.path), s.body, nil)
		if err != nil {
			return "", err
		}
		if status != http.StatusOK {
			return "", fmt.Errorf("%s status=%d body=%s", s.path, status, body)
		}
	}
	return sid, nil
}

// raceConfirm opens several sessions on one order and confirms them together.
// With order versions enforced exactly one may win.
func (r *Runner) raceConfirm(ctx context.Context, orderID string) Result {
	sids := make([]string, 0, r.cfg.Concurrency)
	for i := 0; i < r.cfg.Concurrency; i++ {
		sid, err := r.walkToReview(ctx, orderID)
		if err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		sids = append(sids, sid)
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		ok, reject int
	)
	for _, sid := range sids {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			status, _, err := r.do(ctx, http.MethodPost, r.sessionURL(sid, "/confirm"), nil, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
			case status == http.StatusOK:
				ok++
			case status == http.StatusConflict:
				reject++
			}
		}(sid)
	}
	wg.Wait()

	if ok == 1 && reject == len(sids)-1 {
		return Result{Status: "PASS", Note: fmt.Sprintf("committed=%d rejected=%d", ok, reject)}
	}
	return Result{Status: "FAIL", Note: fmt.Sprintf("committed=%d rejected=%d", ok, reject)}
}

func (r *Runner) perfOpen(ctx context.Context, orderID string) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		mu              sync.Mutex
		wg              sync.WaitGroup
		count, errCount int64
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) {
				status, _, err := r.do(ctx, http.MethodPost, r.cfg.BaseURL+"/api/dispatch/sessions",
					map[string]any{"order_id": orderID}, nil)
				mu.Lock()
				if err != nil || status != http.StatusCreated {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func expect(status int, latency time.Duration, want int) Result {
	if status == want {
		return Result{Status: "PASS", Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	}
	return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d want=%d", status, want)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// README: Smoke test cases; includes environment, HTTP, concurrency, and
// performance checks against a running deployment.
package main

import (
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
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
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
		fmt.Printf("[%s] %s (%s) %s\n", res.Status, tc.Name, res.Latency.Round(time.Millisecond), res.Note)
	}
	return results
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "DB reachable",
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
			Name:  "Env: Redis connect",
			Focus: "Redis reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "FAIL", Note: "redis not configured"}
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
			Name:  "Migration: apply (optional)",
			Focus: "Schema bootstrap",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				sqlBytes, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, stmt := range splitSQL(string(sqlBytes)) {
					if _, err := r.db.Exec(ctx, stmt); err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Schema: tables present",
			Focus: "Migration tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "SKIP", Note: "migration file unreadable: " + err.Error()}
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
				return Result{Status: "PASS", Note: fmt.Sprintf("%d tables", len(tables))}
			},
		},
		{
			Name:  "API: health reachable",
			Focus: "Server up",
			Run: func(ctx context.Context, r *Runner) Result {
				start := time.Now()
				resp, err := r.httpc.Get(base + "/health")
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				_ = resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d", resp.StatusCode)}
				}
				return Result{Status: "PASS", Latency: time.Since(start)}
			},
		},

		// Validation surface: these never touch the DB, so they work on any
		// deployment.
		httpCase("Job: create rejects bad client id", base+"/api/jobs",
			map[string]any{"client_id": "not valid!"}, []int{400}, nil),
		httpCase("Job: create rejects malformed schedule mode", base+"/api/jobs",
			map[string]any{"client_id": "cafe01", "mode": "scheduled"}, []int{400}, nil),
		httpCase("Job: accept requires provider id", base+"/api/jobs/cafe01/accept",
			map[string]any{}, []int{400}, nil),
		httpCase("Dispute: open requires valid ids", base+"/api/disputes",
			map[string]any{"job_id": "bad id", "client_id": "cafe01", "reason": "x"}, []int{400}, nil),
		httpCase("Settlement: pay requires reference", base+"/api/admin/settlements/cafe01/pay",
			map[string]any{"executed_by": "ops"}, []int{400}, nil),
		httpCase("Webhook: charge requires event id", base+"/api/webhooks/charge-succeeded",
			map[string]any{"job_id": "cafe01", "charge_id": "ch_1"}, []int{400}, nil),

		// Flows against live data.
		httpCaseMethod("Job: unknown id -> 404", http.MethodGet, base+"/api/jobs/cafe0123456789", nil, []int{404}, nil),
		httpCase("Job: create on-demand", base+"/api/jobs", map[string]any{
			"client_id":        "cafe01",
			"mode":             "on_demand",
			"service_type":     "plumbing",
			"address":          "123 Main",
			"city":             "Montreal",
			"region_code":      "CA-QC",
			"lat":              45.5019,
			"lng":              -73.5674,
			"base_price_cents": 12000,
		}, []int{201}, []int{400, 500}),
		{
			Name:  "Webhook: duplicate event absorbed",
			Focus: "Replay returns duplicate, never double-applies",
			Run:   func(ctx context.Context, r *Runner) Result { return duplicateWebhook(ctx, r, base) },
		},
		{
			Name:  "Concurrency: one hold wins",
			Focus: "Concurrent urgent holds on one job yield a single holder",
			Run:   func(ctx context.Context, r *Runner) Result { return concurrentHold(ctx, r, base) },
		},

		// Performance.
		{
			Name:  "Perf: provider heartbeat throughput",
			Focus: "Location updates under load",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodPut, base+"/api/providers/cafe02/location",
					map[string]any{"lat": 45.5019, "lng": -73.5674})
			},
		},
		{
			Name:  "Perf: health throughput",
			Focus: "Router overhead baseline",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodGet, base+"/health", nil)
			},
		},
	}
}

func httpCase(name, url string, body any, okStatuses, pendingStatuses []int) TestCase {
	return httpCaseMethod(name, http.MethodPost, url, body, okStatuses, pendingStatuses)
}

func httpCaseMethod(name, method, url string, body any, okStatuses, pendingStatuses []int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			status, latency, err := r.do(ctx, method, url, body)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			if contains(okStatuses, status) {
				return Result{Status: "PASS", Latency: latency, Note: fmt.Sprintf("status=%d", status)}
			}
			if contains(pendingStatuses, status) {
				return Result{Status: "PENDING", Latency: latency, Note: fmt.Sprintf("status=%d", status)}
			}
			return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d", status)}
		},
	}
}

func (r *Runner) do(ctx context.Context, method, url string, body any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, time.Since(start), nil
}

// duplicateWebhook posts the same payout-status event twice; the second
// response must report a duplicate regardless of how the first one landed.
func duplicateWebhook(ctx context.Context, r *Runner, base string) Result {
	eventID := fmt.Sprintf("bench_evt_%d", time.Now().UnixNano())
	payload := map[string]any{
		"event_id":      eventID,
		"settlement_id": "cafe0123456789",
		"status":        "paid",
	}
	url := base + "/api/webhooks/payout-status"
	if _, _, err := r.do(ctx, http.MethodPost, url, payload); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	var second struct {
		Status string `json:"status"`
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(mustJSON(payload)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&second); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if resp.StatusCode == http.StatusOK && second.Status == "duplicate" {
		return Result{Status: "PASS"}
	}
	return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d body=%s", resp.StatusCode, second.Status)}
}

// concurrentHold fires parallel urgent holds from distinct providers; the
// hold protocol must grant at most one.
func concurrentHold(ctx context.Context, r *Runner, base string) Result {
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/jobs", strings.NewReader(mustJSON(map[string]any{
		"client_id":        "cafe03",
		"mode":             "on_demand",
		"service_type":     "cleaning",
		"address":          "9 Bench St",
		"city":             "Montreal",
		"region_code":      "CA-QC",
		"base_price_cents": 9000,
	})))
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	var created struct {
		JobID string `json:"job_id"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || decodeErr != nil || created.JobID == "" {
		return Result{Status: "PENDING", Note: fmt.Sprintf("create status=%d", resp.StatusCode)}
	}

	holdURL := base + "/api/jobs/" + created.JobID + "/hold"
	var mu sync.Mutex
	granted := 0
	wg := sync.WaitGroup{}
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, _, err := r.do(ctx, http.MethodPost, holdURL, map[string]any{
				"provider_id": fmt.Sprintf("beef%02d", i),
			})
			if err == nil && status == http.StatusOK {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if granted == 1 {
		return Result{Status: "PASS", Note: "granted=1"}
	}
	return Result{Status: "FAIL", Note: fmt.Sprintf("granted=%d", granted)}
}

func perfLoad(ctx context.Context, r *Runner, method, url string, payload any) Result {
	var body string
	if payload != nil {
		body = mustJSON(payload)
	}
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) {
				var reader io.Reader
				if body != "" {
					reader = strings.NewReader(body)
				}
				req, _ := http.NewRequestWithContext(ctx, method, url, reader)
				req.Header.Set("Content-Type", "application/json")
				resp, err := r.httpc.Do(req)
				if err != nil {
					mu.Lock()
					errCount++
					mu.Unlock()
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				mu.Lock()
				count++
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

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
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
	cleaned := strings.Join(filtered, "\n")
	parts := strings.Split(cleaned, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

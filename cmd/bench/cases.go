// README: Smoke cases for the assist API; covers env, lifecycle over HTTP, the one-open-request race, and load.
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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"roadassist/internal/infra"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// lifecycleID is the request the lifecycle case drove to completion.
	lifecycleID string
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

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: checkHealth},
		{Name: "API: missing token -> 401", Run: checkUnauthenticated},
		{Name: "Request: unverified phone -> 403", Run: checkUnverifiedPhone},
		{Name: "Request: invalid problem type -> 400", Run: checkInvalidCreate},
		{Name: "Lifecycle: create, offer, confirm, start, complete, pay", Run: runLifecycle},
		{Name: "Audit: state events recorded", Run: checkAuditTrail},
		{Name: "Redis: completed request left the geo index", Run: checkGeoIndex},
		{Name: "Race: concurrent create yields one open request", Run: concurrentCreate},
		{Name: "Perf: GET /api/requests/active", Run: perfActive},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusSkip, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: StatusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
	}
	return Result{Status: StatusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusSkip, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: StatusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

func checkHealth(ctx context.Context, r *Runner) Result {
	start := time.Now()
	status, _, err := r.call(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return expect(status, time.Since(start), http.StatusOK)
}

func checkUnauthenticated(ctx context.Context, r *Runner) Result {
	status, _, err := r.call(ctx, http.MethodGet, "/api/requests/active", "", nil)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return expect(status, 0, http.StatusUnauthorized)
}

func checkUnverifiedPhone(ctx context.Context, r *Runner) Result {
	tok, skip := r.token("bench-"+uuid.NewString(), "", false)
	if skip != nil {
		return *skip
	}
	status, _, err := r.call(ctx, http.MethodPost, "/api/requests", tok, createBody("flat_tire", 0))
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return expect(status, 0, http.StatusForbidden)
}

func checkInvalidCreate(ctx context.Context, r *Runner) Result {
	tok, skip := r.token("bench-"+uuid.NewString(), "", true)
	if skip != nil {
		return *skip
	}
	status, _, err := r.call(ctx, http.MethodPost, "/api/requests", tok, createBody("hovercraft_stuck", 0))
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return expect(status, 0, http.StatusBadRequest)
}

func runLifecycle(ctx context.Context, r *Runner) Result {
	requester, skip := r.token("bench-req-"+uuid.NewString(), "", true)
	if skip != nil {
		return *skip
	}
	helperID := "bench-helper-" + uuid.NewString()
	helper, _ := r.token(helperID, "", true)
	payer, _ := r.token("bench-payments", "payment", true)

	start := time.Now()
	var created struct {
		ID string `json:"id"`
	}
	status, body, err := r.call(ctx, http.MethodPost, "/api/requests", requester, createBody("dead_battery", 2500))
	if err != nil || status != http.StatusCreated {
		return stepFailed("create", status, body, err)
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		return Result{Status: StatusFail, Note: "create: no id in response"}
	}
	base := "/api/requests/" + created.ID

	steps := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"duplicate create", http.MethodPost, "/api/requests", requester, createBody("dead_battery", 0), http.StatusConflict},
		{"offer", http.MethodPost, base + "/offers", helper, map[string]any{"message": "five minutes away"}, http.StatusCreated},
		{"duplicate offer", http.MethodPost, base + "/offers", helper, map[string]any{}, http.StatusConflict},
		{"confirm", http.MethodPost, base + "/confirm", requester, map[string]any{"helper_id": helperID}, http.StatusOK},
		{"start", http.MethodPost, base + "/start", helper, nil, http.StatusOK},
		{"helper complete", http.MethodPost, base + "/helper-complete", helper, nil, http.StatusOK},
		{"requester confirms", http.MethodPost, base + "/confirm-completion", requester, nil, http.StatusOK},
		{"payment", http.MethodPost, base + "/payment", payer, map[string]any{"method": "card"}, http.StatusOK},
	}
	for _, s := range steps {
		status, body, err := r.call(ctx, s.method, s.path, s.token, s.body)
		if err != nil || status != s.want {
			return stepFailed(s.name, status, body, err)
		}
	}

	var final struct {
		Status string `json:"status"`
	}
	_, body, err = r.call(ctx, http.MethodGet, base, requester, nil)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	if err := json.Unmarshal(body, &final); err != nil || final.Status != "completed" {
		return Result{Status: StatusFail, Note: "final status " + final.Status}
	}
	r.lifecycleID = created.ID
	return Result{Status: StatusPass, Latency: time.Since(start), Note: "request=" + created.ID}
}

func checkAuditTrail(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusSkip, Note: "db not configured"}
	}
	if r.lifecycleID == "" {
		return Result{Status: StatusSkip, Note: "lifecycle did not run"}
	}
	var n int
	err := r.db.QueryRow(ctx,
		"SELECT count(*) FROM request_state_events WHERE request_id=$1", r.lifecycleID,
	).Scan(&n)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	// pending, assigned, in_progress, completed
	if n < 4 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("events=%d", n)}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("events=%d", n)}
}

func checkGeoIndex(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusSkip, Note: "redis not configured"}
	}
	if r.lifecycleID == "" {
		return Result{Status: StatusSkip, Note: "lifecycle did not run"}
	}
	pos, err := r.redis.GeoPos(ctx, "geo:requests:active", r.lifecycleID).Result()
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	if len(pos) > 0 && pos[0] != nil {
		return Result{Status: StatusFail, Note: "completed request still indexed"}
	}
	return Result{Status: StatusPass}
}

// concurrentCreate fires parallel creates for one requester; only one may win.
func concurrentCreate(ctx context.Context, r *Runner) Result {
	tok, skip := r.token("bench-race-"+uuid.NewString(), "", true)
	if skip != nil {
		return *skip
	}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
		winner    string
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, body, err := r.call(ctx, http.MethodPost, "/api/requests", tok, createBody("out_of_fuel", 0))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case http.StatusCreated:
				created++
				var v struct {
					ID string `json:"id"`
				}
				_ = json.Unmarshal(body, &v)
				winner = v.ID
			case http.StatusConflict:
				conflicts++
			}
		}()
	}
	wg.Wait()

	if winner != "" {
		_, _, _ = r.call(ctx, http.MethodPost, "/api/requests/"+winner+"/cancel", tok, map[string]any{"reason": "bench cleanup"})
	}
	note := fmt.Sprintf("created=%d conflicts=%d", created, conflicts)
	if created != 1 {
		return Result{Status: StatusFail, Note: note}
	}
	return Result{Status: StatusPass, Note: note}
}

func perfActive(ctx context.Context, r *Runner) Result {
	tok, skip := r.token("bench-perf", "", true)
	if skip != nil {
		return *skip
	}
	end := time.Now().Add(r.cfg.Duration)
	var (
		count    int64
		errCount int64
		mu       sync.Mutex
		wg       sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, err := r.call(ctx, http.MethodGet, "/api/requests/active", tok, nil)
				mu.Lock()
				if err != nil || status != http.StatusOK {
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
		return Result{Status: StatusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: StatusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func (r *Runner) token(uid, role string, phoneVerified bool) (string, *Result) {
	if r.cfg.JWTSecret == "" {
		return "", &Result{Status: StatusSkip, Note: "jwt secret not configured"}
	}
	tok, err := infra.IssueJWT(r.cfg.JWTSecret, uid, role, phoneVerified, 10*time.Minute)
	if err != nil {
		return "", &Result{Status: StatusFail, Note: err.Error()}
	}
	return tok, nil
}

func (r *Runner) call(ctx context.Context, method, path, token string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func createBody(problem string, amount int64) map[string]any {
	return map[string]any{
		"location": map[string]any{
			"lat":     25.033,
			"lng":     121.565,
			"address": "Xinyi Rd, Taipei",
		},
		"problem_type":   problem,
		"description":    "bench run",
		"offered_amount": amount,
	}
}

func expect(status int, latency time.Duration, want int) Result {
	note := fmt.Sprintf("status=%d", status)
	if status != want {
		return Result{Status: StatusFail, Latency: latency, Note: note}
	}
	return Result{Status: StatusPass, Latency: latency, Note: note}
}

func stepFailed(step string, status int, body []byte, err error) Result {
	if err != nil {
		return Result{Status: StatusFail, Note: step + ": " + err.Error()}
	}
	return Result{Status: StatusFail, Note: fmt.Sprintf("%s: status=%d body=%s", step, status, truncate(string(body), 160))}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
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

// README: Bench cases: environment, schema, swap flow over HTTP, accept race, DB invariants and load.
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
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"

	benchVehicle = "bench-v1"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// swapID carries the request created by the flow into later cases.
	swapID string
}

type Result struct {
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

func fail(err error) Result { return Result{Status: statusFail, Note: err.Error()} }

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{"Env: Postgres connect", func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusFail, Note: "db not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return fail(err)
			}
			return Result{Status: statusPass}
		}},
		{"Env: Redis connect", func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusSkip, Note: "redis not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return fail(err)
			}
			return Result{Status: statusPass}
		}},
		{"Schema: tables exist", checkTables},
		{"API: health", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK)
		}},
		{"API: metrics exposed", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/metrics", "", nil, http.StatusOK)
		}},
		{"API: swaps require a token", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/swaps", "", map[string]any{}, http.StatusUnauthorized)
		}},

		{"Swap: seed drivers and vehicle", seedDrivers},
		{"Swap: create assignment", createSwap},
		{"Swap: duplicate pending rejected", func(ctx context.Context, r *Runner) Result {
			if r.swapID == "" {
				return Result{Status: statusSkip, Note: "no swap created"}
			}
			return r.expect(ctx, http.MethodPost, "/api/swaps", r.cfg.RequesterToken, swapBody(r.cfg.CandidateUID), http.StatusBadRequest)
		}},
		{"Swap: concurrent accept has one winner", concurrentAccept},
		{"Swap: end reverts", func(ctx context.Context, r *Runner) Result {
			if r.swapID == "" {
				return Result{Status: statusSkip, Note: "no swap created"}
			}
			return r.expect(ctx, http.MethodPost, "/api/swaps/"+r.swapID+"/end", r.cfg.RequesterToken, nil, http.StatusOK)
		}},

		{"Invariant: one live lease per vehicle", invariant(`
			SELECT v, COUNT(*) FROM (
				SELECT primary_vehicle_id AS v FROM swap_requests WHERE status IN ('accepted', 'pending_revert')
				UNION ALL
				SELECT secondary_vehicle_id FROM swap_requests WHERE status IN ('accepted', 'pending_revert') AND secondary_vehicle_id IS NOT NULL
			) leases GROUP BY v HAVING COUNT(*) > 1`)},
		{"Invariant: one live lease per driver", invariant(`
			SELECT d, COUNT(*) FROM (
				SELECT requester_id AS d FROM swap_requests WHERE status IN ('accepted', 'pending_revert')
				UNION ALL
				SELECT candidate_id FROM swap_requests WHERE status IN ('accepted', 'pending_revert')
			) parties GROUP BY d HAVING COUNT(*) > 1`)},
		{"Invariant: no vehicle points at a closed trip", invariant(`
			SELECT v.id, t.id FROM vehicles v JOIN trip_sessions t ON t.id = v.active_trip_id
			WHERE t.ended_at IS NOT NULL`)},

		{"Perf: health under load", func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, "/health")
		}},
	}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.Migration)
	if err != nil {
		return fail(err)
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
		).Scan(&exists)
		if err != nil {
			return fail(err)
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

// seedDrivers puts the requester on the bench vehicle and leaves the candidate reserved.
func seedDrivers(ctx context.Context, r *Runner) Result {
	if !r.cfg.hasDrivers() {
		return Result{Status: statusSkip, Note: "driver uids/tokens not configured"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	req, cand := r.cfg.RequesterUID, r.cfg.CandidateUID
	stmts := []struct {
		sql  string
		args []any
	}{
		{`DELETE FROM swap_requests WHERE requester_id = ANY($1) OR candidate_id = ANY($1)`, []any{[]string{req, cand}}},
		{`INSERT INTO drivers (id, status, current_vehicle_id) VALUES ($1, 'active', $2)
		  ON CONFLICT (id) DO UPDATE SET status = 'active', current_vehicle_id = $2, current_route_id = NULL`, []any{req, benchVehicle}},
		{`INSERT INTO drivers (id, status, current_vehicle_id) VALUES ($1, 'active', NULL)
		  ON CONFLICT (id) DO UPDATE SET status = 'active', current_vehicle_id = NULL, current_route_id = NULL`, []any{cand}},
		{`INSERT INTO vehicles (id, active_driver_id, assigned_driver_id) VALUES ($1, $2, $2)
		  ON CONFLICT (id) DO UPDATE SET active_driver_id = $2, assigned_driver_id = $2, active_trip_id = NULL`, []any{benchVehicle, req}},
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(ctx, s.sql, s.args...); err != nil {
			return fail(err)
		}
	}
	return Result{Status: statusPass}
}

func swapBody(candidate string) map[string]any {
	start := time.Now().UTC()
	return map[string]any{
		"candidate_id":    candidate,
		"vehicle_id":      benchVehicle,
		"scheduled_start": start,
		"scheduled_end":   start.Add(time.Hour),
		"reason":          "bench",
	}
}

func createSwap(ctx context.Context, r *Runner) Result {
	if !r.cfg.hasDrivers() {
		return Result{Status: statusSkip, Note: "driver uids/tokens not configured"}
	}
	start := time.Now()
	code, body, err := r.do(ctx, http.MethodPost, "/api/swaps", r.cfg.RequesterToken, swapBody(r.cfg.CandidateUID))
	if err != nil {
		return fail(err)
	}
	latency := time.Since(start)
	if code != http.StatusCreated {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d body=%s", code, body)}
	}
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.ID == "" {
		return Result{Status: statusFail, Latency: latency, Note: "response has no id"}
	}
	r.swapID = doc.ID
	return Result{Status: statusPass, Latency: latency, Note: "id=" + doc.ID}
}

// concurrentAccept fires cfg.Concurrency accepts at the same request; exactly
// one may win and the rest must see a conflict.
func concurrentAccept(ctx context.Context, r *Runner) Result {
	if r.swapID == "" {
		return Result{Status: statusSkip, Note: "no swap created"}
	}
	var (
		wg                sync.WaitGroup
		mu                sync.Mutex
		won, lost, failed int
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _, err := r.do(ctx, http.MethodPost, "/api/swaps/"+r.swapID+"/accept", r.cfg.CandidateToken, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed++
			case code == http.StatusOK:
				won++
			case code == http.StatusConflict || code == http.StatusServiceUnavailable:
				lost++
			default:
				failed++
			}
		}()
	}
	wg.Wait()

	note := fmt.Sprintf("won=%d lost=%d failed=%d", won, lost, failed)
	if won == 1 && failed == 0 {
		return Result{Status: statusPass, Note: note}
	}
	return Result{Status: statusFail, Note: note}
}

// invariant passes when query returns no rows.
func invariant(query string) func(ctx context.Context, r *Runner) Result {
	return func(ctx context.Context, r *Runner) Result {
		if r.db == nil {
			return Result{Status: statusFail, Note: "db not configured"}
		}
		rows, err := r.db.Query(ctx, query)
		if err != nil {
			return fail(err)
		}
		defer rows.Close()
		n := 0
		for rows.Next() {
			n++
		}
		if err := rows.Err(); err != nil {
			return fail(err)
		}
		if n > 0 {
			return Result{Status: statusFail, Note: fmt.Sprintf("violations=%d", n)}
		}
		return Result{Status: statusPass}
	}
}

func perfLoad(ctx context.Context, r *Runner, path string) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		count, errCount int64
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				_, _, err := r.do(ctx, http.MethodGet, path, "", nil)
				mu.Lock()
				if err != nil {
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
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int) Result {
	start := time.Now()
	code, _, err := r.do(ctx, method, path, token, body)
	if err != nil {
		return fail(err)
	}
	res := Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("status=%d", code)}
	if code != want {
		res.Status = statusFail
		res.Note = fmt.Sprintf("status=%d want=%d", code, want)
	}
	return res
}

func (r *Runner) do(ctx context.Context, method, path, token string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

var createTableRe = regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	matches := createTableRe.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

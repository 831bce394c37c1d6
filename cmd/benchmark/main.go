package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Rows          int
	Duration      time.Duration
	OpsPerSec     float64
	RowsPerSec    float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

type client struct {
	baseURL string
	http    *http.Client
}

type apiResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Data   json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8081", "admin endpoint of an analyticdb node")
	space := flag.Uint("space", 1, "space to create the benchmark table in")
	ops := flag.Int("ops", 200, "operations per test")
	batch := flag.Int("batch", 100, "rows per write request")
	concurrency := flag.Int("c", 10, "concurrent workers")
	flag.Parse()

	c := &client{baseURL: *baseURL, http: &http.Client{Timeout: 10 * time.Second}}
	ctx := context.Background()

	fmt.Println("=== analyticdb benchmark ===")
	fmt.Printf("Target: %s\n\n", c.baseURL)

	if !c.checkHealth(ctx) {
		fmt.Printf("ERROR: node %s is not available\n", c.baseURL)
		os.Exit(1)
	}

	table, err := c.setup(ctx, uint32(*space))
	if err != nil {
		fmt.Printf("ERROR: setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Benchmark table id: %d\n\n", table)

	fmt.Printf("Test 1: Sequential ingest (%d requests x %d rows)\n", *ops, *batch)
	printResult(c.benchmarkWrites(ctx, table, "seq", *ops, *batch, 1))

	fmt.Printf("\nTest 2: Concurrent ingest (%d requests x %d rows, %d workers)\n", *ops, *batch, *concurrency)
	printResult(c.benchmarkWrites(ctx, table, "par", *ops, *batch, *concurrency))

	fmt.Printf("\nTest 3: Point reads (%d requests, %d workers)\n", *ops, *concurrency)
	printResult(c.benchmarkGets(ctx, table, *ops, *batch, *concurrency))

	if err := c.post(ctx, fmt.Sprintf("/api/tables/%d/flush", table), nil, nil); err != nil {
		fmt.Printf("\nWARN: flush: %v\n", err)
	}

	fmt.Printf("\nTest 4: Full scans after flush (%d requests, %d workers)\n", *ops/10+1, *concurrency)
	printResult(c.benchmarkScans(ctx, table, *ops/10+1, *concurrency))

	fmt.Println("\n=== Benchmark Complete ===")
}

func (c *client) checkHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *client) setup(ctx context.Context, space uint32) (uint64, error) {
	if err := c.post(ctx, fmt.Sprintf("/api/spaces/%d", space), nil, nil); err != nil {
		return 0, fmt.Errorf("create space: %w", err)
	}
	body := map[string]any{
		"space": space,
		"name":  fmt.Sprintf("bench_%d", time.Now().UnixNano()),
		"columns": []map[string]any{
			{"name": "host", "kind": "string"},
			{"name": "value", "kind": "float64"},
			{"name": "ts", "kind": "int64"},
		},
	}
	var created struct {
		ID uint64 `json:"id"`
	}
	if err := c.post(ctx, "/api/tables", body, &created); err != nil {
		return 0, fmt.Errorf("create table: %w", err)
	}
	return created.ID, nil
}

func (c *client) benchmarkWrites(ctx context.Context, table uint64, prefix string, totalOps, batch, concurrency int) BenchmarkResult {
	path := fmt.Sprintf("/api/tables/%d/rows", table)
	return run(ctx, totalOps, concurrency, func(ctx context.Context, op int) (int, error) {
		rows := make([]map[string]any, batch)
		for i := range rows {
			rows[i] = map[string]any{
				"key": fmt.Sprintf("%s_%08d_%04d", prefix, op, i),
				"values": map[string]any{
					"host":  fmt.Sprintf("host-%d", op%16),
					"value": float64(i) / 3,
					"ts":    time.Now().UnixNano(),
				},
			}
		}
		if err := c.post(ctx, path, map[string]any{"rows": rows}, nil); err != nil {
			return 0, err
		}
		return batch, nil
	})
}

func (c *client) benchmarkGets(ctx context.Context, table uint64, totalOps, batch, concurrency int) BenchmarkResult {
	return run(ctx, totalOps, concurrency, func(ctx context.Context, op int) (int, error) {
		key := fmt.Sprintf("seq_%08d_%04d", op, op%batch)
		if err := c.get(ctx, fmt.Sprintf("/api/tables/%d/rows/%s", table, key), nil); err != nil {
			return 0, err
		}
		return 1, nil
	})
}

func (c *client) benchmarkScans(ctx context.Context, table uint64, totalOps, concurrency int) BenchmarkResult {
	path := fmt.Sprintf("/api/tables/%d/rows?columns=value", table)
	return run(ctx, totalOps, concurrency, func(ctx context.Context, _ int) (int, error) {
		var rows []json.RawMessage
		if err := c.get(ctx, path, &rows); err != nil {
			return 0, err
		}
		return len(rows), nil
	})
}

// run spreads totalOps over concurrency workers and collects latencies. A
// failed op is counted, it does not stop the other workers.
func run(ctx context.Context, totalOps, concurrency int, op func(ctx context.Context, op int) (int, error)) BenchmarkResult {
	var (
		mu        sync.Mutex
		res       = BenchmarkResult{TotalOps: totalOps}
		latencies = make([]time.Duration, 0, totalOps)
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i := range totalOps {
		g.Go(func() error {
			opStart := time.Now()
			rows, err := op(gctx, i)
			latency := time.Since(opStart)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.FailedOps++
			} else {
				res.SuccessfulOps++
				res.Rows += rows
			}
			latencies = append(latencies, latency)
			return nil
		})
	}
	_ = g.Wait()
	res.Duration = time.Since(start)

	if len(latencies) > 0 {
		slices.Sort(latencies)
		var sum time.Duration
		for _, lat := range latencies {
			sum += lat
		}
		res.MinLatency = latencies[0]
		res.MaxLatency = latencies[len(latencies)-1]
		res.AvgLatency = sum / time.Duration(len(latencies))
		res.P99Latency = latencies[len(latencies)*99/100]
	}
	if secs := res.Duration.Seconds(); secs > 0 {
		res.OpsPerSec = float64(res.SuccessfulOps) / secs
		res.RowsPerSec = float64(res.Rows) / secs
	}
	return res
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, ar.Error)
	}
	if out != nil && len(ar.Data) > 0 {
		return json.Unmarshal(ar.Data, out)
	}
	return nil
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Rows: %d\n", result.Rows)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Rows/sec: %.2f\n", result.RowsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}

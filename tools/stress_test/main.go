package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/api"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/data"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/expr"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/monitoring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/goccy/go-json"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address     string
	Concurrency int
	Rows        int
	Duration    time.Duration
	AuthToken   string
	ReportFile  string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

var sampleSchema = arrow.NewSchema([]arrow.Field{
	{Name: "v", Type: arrow.PrimitiveTypes.Int64},
	{Name: "len", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// sampleExprs implodes v by len and flattens the result back.
var sampleExprs = []expr.Expr{
	expr.Call(expr.FuncFlatten,
		expr.Call(expr.FuncImplodeWithLengths, expr.Col("v"), expr.Col("len")),
	).Alias("v"),
	expr.Col("len"),
}

func main() {
	config := parseFlags()

	logger, err := monitoring.NewLogger("info", monitoring.FormatLogfmt)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println("=== Reshape Server Stress Test ===")
	fmt.Printf("Target: %s\n", config.Address)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	fmt.Printf("Rows per request: %d\n", config.Rows)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Println()

	tbl, err := sampleTable(data.NewCodec(), config.Rows)
	if err != nil {
		level.Error(logger).Log("msg", "failed to build sample table", "err", err)
		os.Exit(1)
	}
	defer tbl.Release()

	result := runStressTest(config, tbl, logger)

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result, logger)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Address, "addr", "127.0.0.1:50051", "Reshape TCP server address")
	flag.IntVar(&config.Concurrency, "c", 10, "Number of concurrent workers")
	flag.IntVar(&config.Rows, "rows", 1000, "Rows of the sample table sent with each request")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of test")
	flag.StringVar(&config.AuthToken, "token", "", "Authentication token")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

// sampleTable builds a table whose len column holds the lengths 0, 1, 2 in
// turn, with the remainder of v in the last row.
func sampleTable(codec *data.Codec, rows int) (arrow.Table, error) {
	var sb strings.Builder
	sb.WriteString("[")
	total := 0
	for i := 0; i < rows; i++ {
		n := i % 3
		if i == rows-1 {
			n = rows - total
		}
		total += n
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"v":%d,"len":%d}`, i, n)
	}
	sb.WriteString("]")

	return codec.TableFromJSON(sampleSchema, []byte(sb.String()))
}

func runStressTest(config StressTestConfig, tbl arrow.Table, logger log.Logger) StressTestResult {
	var (
		totalReqs    int64
		successReqs  int64
		failedReqs   int64
		totalLatency int64
		minLatency   int64 = 1<<63 - 1
		maxLatency   int64
		wg           sync.WaitGroup
	)

	ctx, cancel := context.WithTimeout(context.Background(), config.Duration)
	defer cancel()

	startTime := time.Now()

	// Start workers
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(ctx, config, tbl, log.With(logger, "worker", workerID),
				&totalReqs, &successReqs, &failedReqs, &totalLatency, &minLatency, &maxLatency)
		}(i)
	}

	wg.Wait()

	duration := time.Since(startTime)
	total := atomic.LoadInt64(&totalReqs)
	success := atomic.LoadInt64(&successReqs)
	failed := atomic.LoadInt64(&failedReqs)
	latencySum := atomic.LoadInt64(&totalLatency)
	minLat := atomic.LoadInt64(&minLatency)
	maxLat := atomic.LoadInt64(&maxLatency)

	var avgLatency time.Duration
	if success > 0 {
		avgLatency = time.Duration(latencySum / success)
	} else {
		minLat = 0
	}

	return StressTestResult{
		TotalRequests:  total,
		SuccessfulReqs: success,
		FailedReqs:     failed,
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLat),
		MaxLatency:     time.Duration(maxLat),
		RequestsPerSec: float64(total) / duration.Seconds(),
	}
}

func runWorker(ctx context.Context, config StressTestConfig, tbl arrow.Table, logger log.Logger,
	totalReqs, successReqs, failedReqs, totalLatency, minLatency, maxLatency *int64) {
	var client *api.Client
	defer func() {
		if client != nil {
			_ = client.Close()
		}
	}()

	for ctx.Err() == nil {
		if client == nil {
			c, err := api.Dial(ctx, config.Address, config.AuthToken, nil)
			if err != nil {
				level.Warn(logger).Log("msg", "failed to connect", "err", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			client = c
		}

		latency, err := sendRequest(ctx, client, tbl)
		if ctx.Err() != nil {
			return
		}
		atomic.AddInt64(totalReqs, 1)

		if err != nil {
			atomic.AddInt64(failedReqs, 1)
			level.Debug(logger).Log("msg", "request failed", "err", err)
			// Reconnect after transport errors; the server reports request
			// errors without closing the connection.
			var remote *api.RemoteError
			if !errors.As(err, &remote) {
				_ = client.Close()
				client = nil
			}
			// Small sleep on error to avoid hammering
			time.Sleep(10 * time.Millisecond)
			continue
		}

		atomic.AddInt64(successReqs, 1)
		atomic.AddInt64(totalLatency, int64(latency))

		// Update min/max latency
		lat := int64(latency)
		for {
			old := atomic.LoadInt64(minLatency)
			if lat >= old || atomic.CompareAndSwapInt64(minLatency, old, lat) {
				break
			}
		}
		for {
			old := atomic.LoadInt64(maxLatency)
			if lat <= old || atomic.CompareAndSwapInt64(maxLatency, old, lat) {
				break
			}
		}
	}
}

func sendRequest(ctx context.Context, client *api.Client, tbl arrow.Table) (time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	out, err := client.Select(reqCtx, tbl, sampleExprs...)
	latency := time.Since(start)
	if err != nil {
		return 0, err
	}
	defer out.Release()

	if out.NumRows() != tbl.NumRows() {
		return 0, fmt.Errorf("expected %d rows, got %d", tbl.NumRows(), out.NumRows())
	}
	return latency, nil
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	if result.TotalRequests > 0 {
		fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, float64(result.SuccessfulReqs)/float64(result.TotalRequests)*100)
		fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, float64(result.FailedReqs)/float64(result.TotalRequests)*100)
	}
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult, logger log.Logger) {
	report := map[string]any{
		"config": map[string]any{
			"address":     config.Address,
			"concurrency": config.Concurrency,
			"rows":        config.Rows,
			"duration":    config.Duration.String(),
		},
		"results": map[string]any{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		level.Error(logger).Log("msg", "failed to encode report", "err", err)
		return
	}
	if err := os.WriteFile(config.ReportFile, data, 0o600); err != nil {
		level.Error(logger).Log("msg", "failed to write report", "err", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}

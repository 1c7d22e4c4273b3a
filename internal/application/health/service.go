package health

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"time"

	"clinic-backend/internal/middleware"

	"github.com/redis/go-redis/v9"
)

// Checker is a dependency that can be checked. Implementations must honor ctx.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

type CollectResult struct {
	Status       string               `json:"status"`
	Runtime      RuntimeInfo          `json:"runtime"`
	Traffic      TrafficInfo          `json:"traffic"`
	Dependencies map[string]DepStatus `json:"dependencies"`
}

type RuntimeInfo struct {
	UptimeSeconds int64  `json:"uptimeSeconds"`
	HeapAllocMB   int    `json:"heapAllocMb"`
	HeapInuseMB   int    `json:"heapInuseMb"`
	Goroutines    int    `json:"goroutines"`
	Platform      string `json:"platform"`
	GoVersion     string `json:"goVersion"`
}

type TrafficInfo struct {
	TotalRequests   int         `json:"totalRequests"`
	SuccessCount    int         `json:"successCount"`
	FailedCount     int         `json:"failedCount"`
	SuccessRate     string      `json:"successRate"`
	AvgResponseTime interface{} `json:"avgResponseTime"`
	LastRequest     interface{} `json:"lastRequest"`
}

type DepStatus struct {
	Status string `json:"status"`
	PingMs *int64 `json:"pingMs"`
	// Required dependencies turn the overall status into "issue" when they are down.
	Required bool `json:"required"`
}

const pingTimeout = 2 * time.Second

// CollectHealth checks the database, Redis and any optional dependencies, and reads the
// request counters kept by middleware.HealthMarker.
func CollectHealth(ctx context.Context, rdb *redis.Client, db Checker, optional map[string]Checker) CollectResult {
	result := CollectResult{
		Status:       "ok",
		Dependencies: make(map[string]DepStatus),
	}
	result.Dependencies["database"] = checkDep(ctx, db, true)

	stats := TrafficInfo{AvgResponseTime: 0, SuccessRate: "100"}
	startTimeMs := time.Now().UnixMilli()
	var redisChecker Checker
	if rdb != nil {
		redisChecker = CheckerFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	redisStatus := checkDep(ctx, redisChecker, false)
	result.Dependencies["redis"] = redisStatus
	if redisStatus.Status == "connected" {
		startTimeMs = readTraffic(ctx, rdb, &stats, startTimeMs)
	}
	for name, c := range optional {
		result.Dependencies[name] = checkDep(ctx, c, false)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptime := (time.Now().UnixMilli() - startTimeMs) / 1000
	if uptime < 0 {
		uptime = 0
	}
	result.Runtime = RuntimeInfo{
		UptimeSeconds: uptime,
		HeapAllocMB:   int(m.HeapAlloc / 1024 / 1024),
		HeapInuseMB:   int(m.HeapInuse / 1024 / 1024),
		Goroutines:    runtime.NumGoroutine(),
		Platform:      runtime.GOOS + " (" + runtime.GOARCH + ")",
		GoVersion:     runtime.Version(),
	}
	result.Traffic = stats

	for _, d := range result.Dependencies {
		if d.Required && d.Status != "connected" {
			result.Status = "issue"
		}
	}
	return result
}

func checkDep(ctx context.Context, c Checker, required bool) DepStatus {
	if c == nil {
		return DepStatus{Status: "disconnected", Required: required}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return DepStatus{Status: "error", Required: required}
	}
	ms := time.Since(start).Milliseconds()
	return DepStatus{Status: "connected", PingMs: &ms, Required: required}
}

func readTraffic(ctx context.Context, rdb *redis.Client, stats *TrafficInfo, startTimeMs int64) int64 {
	totalReq, _ := rdb.Get(ctx, middleware.KeyReqTotal).Result()
	totalErr, _ := rdb.Get(ctx, middleware.KeyReqErrors).Result()
	totalTime, _ := rdb.Get(ctx, middleware.KeyResTime).Result()
	resCount, _ := rdb.Get(ctx, middleware.KeyResCount).Result()
	startTimeStr, _ := rdb.Get(ctx, middleware.KeyStartTime).Result()
	lastReqStr, _ := rdb.Get(ctx, middleware.KeyLastReq).Result()

	if startTimeStr != "" {
		if t, err := strconv.ParseInt(startTimeStr, 10, 64); err == nil {
			startTimeMs = t
		}
	} else {
		rdb.Set(ctx, middleware.KeyStartTime, startTimeMs, 0)
	}

	stats.TotalRequests, _ = strconv.Atoi(totalReq)
	stats.FailedCount, _ = strconv.Atoi(totalErr)
	stats.SuccessCount = stats.TotalRequests - stats.FailedCount
	if stats.TotalRequests > 0 {
		stats.SuccessRate = strconv.FormatFloat(float64(stats.SuccessCount)/float64(stats.TotalRequests)*100, 'f', 1, 64)
	}
	timeSum, _ := strconv.ParseFloat(totalTime, 64)
	countSum, _ := strconv.Atoi(resCount)
	if countSum > 0 {
		stats.AvgResponseTime = strconv.FormatFloat(timeSum/float64(countSum), 'f', 2, 64)
	}
	if lastReqStr != "" {
		var lastReq map[string]interface{}
		_ = json.Unmarshal([]byte(lastReqStr), &lastReq)
		stats.LastRequest = lastReq
	}
	return startTimeMs
}

package handler

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/worker"
)

const statusInterval = 7 * time.Second

// TaskCounter reports how many auto-save tasks are running.
type TaskCounter interface {
	Active() int
}

// SweepReporter exposes the outcome of the latest deadline sweep.
type SweepReporter interface {
	LastSweep() *worker.SweepStats
}

// SystemHandler streams engine and Go runtime status via SSE.
type SystemHandler struct {
	rdb       *redis.Client
	tasks     TaskCounter
	sweeps    SweepReporter
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler. rdb may be nil.
func NewSystemHandler(rdb *redis.Client, tasks TaskCounter, sweeps SweepReporter, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		tasks:     tasks,
		sweeps:    sweeps,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type engineStatus struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// Engine
	AutosaveTasks  int                `json:"autosave_tasks"`
	LastSweep      *worker.SweepStats `json:"last_sweep,omitempty"`
	RedisUp        bool               `json:"redis_up"`
	RedisLatencyMS float64            `json:"redis_latency_ms,omitempty"`

	// OS
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	LoadAvg1      float64 `json:"load_avg_1"`

	// Go Application
	Goroutines  int    `json:"goroutines"`
	HeapAlloc   uint64 `json:"heap_alloc"`
	NumGC       uint32 `json:"num_gc"`
	AppRSSBytes uint64 `json:"app_rss_bytes"`
	GoVersion   string `json:"go_version"`
}

// StatusSSE godoc
// GET /api/v1/admin/system/status
func (h *SystemHandler) StatusSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	response.StartStream(c)

	h.log.Debug().Msg("Admin connected to system status SSE")

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	for {
		if err := response.WriteJSONEvent(c, h.collect(reqCtx)); err != nil {
			return
		}
		select {
		case <-reqCtx.Done():
			h.log.Debug().Msg("Admin disconnected from system status SSE")
			return
		case <-ticker.C:
		}
	}
}

func (h *SystemHandler) collect(ctx context.Context) engineStatus {
	m := engineStatus{
		Timestamp: time.Now().Unix(),
		Uptime:    formatDuration(time.Since(h.startTime)),
		GoVersion: runtime.Version(),
	}

	// ── Engine ──
	if h.tasks != nil {
		m.AutosaveTasks = h.tasks.Active()
	}
	if h.sweeps != nil {
		m.LastSweep = h.sweeps.LastSweep()
	}
	if h.rdb != nil {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		start := time.Now()
		if err := h.rdb.Ping(pingCtx).Err(); err == nil {
			m.RedisUp = true
			m.RedisLatencyMS = float64(time.Since(start).Microseconds()) / 1000
		}
		cancel()
	}

	// ── Memory / Load ──
	if total, avail, err := readMemInfo(); err == nil && total > 0 {
		m.MemTotalBytes = total
		m.MemUsedBytes = total - avail
	}
	m.LoadAvg1, _ = readLoadAvg()

	// ── Go Runtime ──
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines = runtime.NumGoroutine()
	m.HeapAlloc = ms.HeapAlloc
	m.NumGC = ms.NumGC
	m.AppRSSBytes, _ = readProcessRSS()

	return m
}

// ---------- /proc Readers ----------

// readMemInfo parses /proc/meminfo for MemTotal and MemAvailable.
func readMemInfo() (total, available uint64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for found := 0; scanner.Scan() && found < 2; {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = kbField(line)
			found++
		case strings.HasPrefix(line, "MemAvailable:"):
			available = kbField(line)
			found++
		}
	}
	return total, available, scanner.Err()
}

// kbField parses lines like "MemTotal:       16384000 kB" into bytes.
func kbField(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	val, _ := strconv.ParseUint(fields[1], 10, 64)
	return val * 1024
}

func readLoadAvg() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("unexpected /proc/loadavg format")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// readProcessRSS reads VmRSS from /proc/self/status.
func readProcessRSS() (uint64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "VmRSS:") {
			return kbField(line), nil
		}
	}
	return 0, fmt.Errorf("VmRSS not found")
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

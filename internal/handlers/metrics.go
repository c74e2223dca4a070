package handlers

import (
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"time"

	svrmetrics "flowpilot/internal/metrics"
	"flowpilot/internal/services"
	"flowpilot/internal/version"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// MetricsHandler 指标处理器
type MetricsHandler struct {
	wsHub     *services.WebSocketHub
	scheduler *services.Scheduler
	startedAt time.Time
	db        *gorm.DB
}

// NewMetricsHandler 创建指标处理器
func NewMetricsHandler(wsHub *services.WebSocketHub, scheduler *services.Scheduler, db *gorm.DB) *MetricsHandler {
	return &MetricsHandler{wsHub: wsHub, scheduler: scheduler, startedAt: time.Now(), db: db}
}

// GetMetrics 获取系统指标（Prometheus 格式）
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain")

	uptime := time.Since(h.startedAt).Seconds()
	wsClients := 0
	if h.wsHub != nil {
		wsClients = h.wsHub.GetClientCount()
	}

	b := &strings.Builder{}
	fmt.Fprintf(b, "# HELP flowpilot_info Information about the FlowPilot instance\n")
	fmt.Fprintf(b, "# TYPE flowpilot_info gauge\n")
	v := strings.ReplaceAll(version.Version, "\"", "\\\"")
	cmt := strings.ReplaceAll(version.Commit, "\"", "\\\"")
	bt := strings.ReplaceAll(version.BuildTime, "\"", "\\\"")
	fmt.Fprintf(b, "flowpilot_info{version=\"%s\",commit=\"%s\",build_time=\"%s\"} 1\n\n", v, cmt, bt)

	fmt.Fprintf(b, "# HELP flowpilot_uptime_seconds Total uptime of the FlowPilot instance in seconds\n")
	fmt.Fprintf(b, "# TYPE flowpilot_uptime_seconds counter\n")
	fmt.Fprintf(b, "flowpilot_uptime_seconds %.0f\n\n", uptime)

	fmt.Fprintf(b, "# HELP flowpilot_websocket_active_connections Active WebSocket connections\n")
	fmt.Fprintf(b, "# TYPE flowpilot_websocket_active_connections gauge\n")
	fmt.Fprintf(b, "flowpilot_websocket_active_connections %d\n\n", wsClients)

	// Scheduler counters
	ticks, byStatus := svrmetrics.FireSnapshot()
	fmt.Fprintf(b, "# HELP flowpilot_scheduler_ticks_total Total scheduler due-check passes\n")
	fmt.Fprintf(b, "# TYPE flowpilot_scheduler_ticks_total counter\n")
	fmt.Fprintf(b, "flowpilot_scheduler_ticks_total %d\n\n", ticks)

	fmt.Fprintf(b, "# HELP flowpilot_automation_fires_total Total automation executions by status\n")
	fmt.Fprintf(b, "# TYPE flowpilot_automation_fires_total counter\n")
	if len(byStatus) == 0 {
		fmt.Fprintf(b, "flowpilot_automation_fires_total{status=\"success\"} 0\n")
	} else {
		for status, n := range byStatus {
			fmt.Fprintf(b, "flowpilot_automation_fires_total{status=\"%s\"} %d\n", status, n)
		}
	}
	fmt.Fprintf(b, "\n")

	// Go runtime minimal metrics
	fmt.Fprintf(b, "# HELP flowpilot_go_goroutines Number of goroutines\n")
	fmt.Fprintf(b, "# TYPE flowpilot_go_goroutines gauge\n")
	fmt.Fprintf(b, "flowpilot_go_goroutines %d\n\n", runtime.NumGoroutine())

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	fmt.Fprintf(b, "# HELP flowpilot_go_mem_alloc_bytes Bytes of allocated heap objects\n")
	fmt.Fprintf(b, "# TYPE flowpilot_go_mem_alloc_bytes gauge\n")
	fmt.Fprintf(b, "flowpilot_go_mem_alloc_bytes %d\n", ms.Alloc)

	// Database/sql stats (if available)
	if h.db != nil {
		var sqlDB *sql.DB
		if s, err := h.db.DB(); err == nil {
			sqlDB = s
		}
		if sqlDB != nil {
			ds := sqlDB.Stats()
			fmt.Fprintf(b, "\n# HELP flowpilot_db_open_connections The number of established connections both in use and idle\n")
			fmt.Fprintf(b, "# TYPE flowpilot_db_open_connections gauge\n")
			fmt.Fprintf(b, "flowpilot_db_open_connections %d\n", ds.OpenConnections)

			fmt.Fprintf(b, "# HELP flowpilot_db_inuse_connections The number of connections currently in use\n")
			fmt.Fprintf(b, "# TYPE flowpilot_db_inuse_connections gauge\n")
			fmt.Fprintf(b, "flowpilot_db_inuse_connections %d\n", ds.InUse)

			fmt.Fprintf(b, "# HELP flowpilot_db_wait_count The total number of connections waited for\n")
			fmt.Fprintf(b, "# TYPE flowpilot_db_wait_count counter\n")
			fmt.Fprintf(b, "flowpilot_db_wait_count %d\n", ds.WaitCount)
		}
	}

	// Rate limit drops (by prefix)
	totalDrops, byPrefix := svrmetrics.RateLimitSnapshot()
	fmt.Fprintf(b, "\n# HELP flowpilot_ratelimit_dropped_total Total HTTP 429 responses due to rate limiting\n")
	fmt.Fprintf(b, "# TYPE flowpilot_ratelimit_dropped_total counter\n")
	if len(byPrefix) == 0 {
		fmt.Fprintf(b, "flowpilot_ratelimit_dropped_total{prefix=\"global\"} %d\n", totalDrops)
	} else {
		for p, n := range byPrefix {
			fmt.Fprintf(b, "flowpilot_ratelimit_dropped_total{prefix=\"%s\"} %d\n", p, n)
		}
	}

	c.String(200, b.String())
}

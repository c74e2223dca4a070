package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"flowpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db        *gorm.DB
	scheduler *services.Scheduler
	logger    *logrus.Logger
}

func NewHealthHandler(db *gorm.DB, scheduler *services.Scheduler) *HealthHandler {
	return &HealthHandler{db: db, scheduler: scheduler, logger: logrus.StandardLogger()}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).String(),
			GoVersion: runtime.Version(),
		},
	}

	allHealthy := true
	h.checkDatabase(ctx, &response, &allHealthy)
	h.checkScheduler(&response)

	if !allHealthy {
		response.Status = "degraded"
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点：数据库可达即就绪
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		ready = false
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
	})
}

// checkDatabase 检查数据库状态
func (h *HealthHandler) checkDatabase(ctx context.Context, response *HealthResponse, allHealthy *bool) {
	start := time.Now()

	info := ServiceInfo{Status: "healthy"}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		*allHealthy = false
	}
	info.Latency = time.Since(start).String()

	response.Services["database"] = info
}

// checkScheduler 检查调度循环状态
func (h *HealthHandler) checkScheduler(response *HealthResponse) {
	if h.scheduler == nil {
		response.Services["scheduler"] = ServiceInfo{Status: "disabled"}
		return
	}
	response.Services["scheduler"] = ServiceInfo{
		Status:  "healthy",
		Details: h.scheduler.Stats(),
	}
}

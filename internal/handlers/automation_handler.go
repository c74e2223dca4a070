package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"flowpilot/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AutomationHandler 管理自动化规则
// 说明：触发器/动作声明由客户端传递 JSON，创建时整体校验。
type AutomationHandler struct {
	service *services.AutomationService
}

func NewAutomationHandler(service *services.AutomationService) *AutomationHandler {
	return &AutomationHandler{service: service}
}

// CreateAutomation 创建自动化规则
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	automation, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create automation", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, automation)
}

// ListAutomations 获取会话下的自动化规则列表
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	conversationID, err := strconv.ParseUint(c.Query("conversation_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid conversation_id", Message: "conversation_id query parameter is required"})
		return
	}

	automations, err := h.service.List(c.Request.Context(), uint(conversationID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automations)
}

// GetAutomation 获取单条自动化规则
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	automation, err := h.service.Get(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to get automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

// DeleteAutomation 删除自动化规则及其执行历史
func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	if err := h.service.Delete(c.Request.Context(), uint(id)); err != nil {
		status := http.StatusInternalServerError
		if err.Error() == "automation not found" {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to delete automation", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// EnableAutomation 启用自动化规则（时间类规则会重新计算下次运行时间）
func (h *AutomationHandler) EnableAutomation(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableAutomation 停用自动化规则
func (h *AutomationHandler) DisableAutomation(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *AutomationHandler) setEnabled(c *gin.Context, enabled bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	automation, err := h.service.SetEnabled(c.Request.Context(), uint(id), enabled)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation not found"})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to update automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automation)
}

// ListExecutions 获取自动化规则的执行历史（新到旧）
func (h *AutomationHandler) ListExecutions(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	executions, err := h.service.ListExecutions(c.Request.Context(), uint(id), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list executions", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, executions)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.ListAutomations)
		auto.POST("", handler.CreateAutomation)
		auto.GET(":id", handler.GetAutomation)
		auto.DELETE(":id", handler.DeleteAutomation)
		auto.POST(":id/enable", handler.EnableAutomation)
		auto.POST(":id/disable", handler.DisableAutomation)
		auto.GET(":id/executions", handler.ListExecutions)
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"flowpilot/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ConversationHandler 会话与消息相关接口
type ConversationHandler struct {
	conversations *services.ConversationService
	scheduler     *services.Scheduler
}

func NewConversationHandler(conversations *services.ConversationService, scheduler *services.Scheduler) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, scheduler: scheduler}
}

// CreateConversation 创建会话
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req services.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	conv, err := h.conversations.CreateConversation(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create conversation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// GetConversation 获取会话
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	conv, err := h.conversations.GetConversation(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to get conversation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// PostMessageRequest 发送消息请求
type PostMessageRequest struct {
	SenderID uint   `json:"sender_id" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

// PostMessage 发送消息并同步评估事件类自动化规则
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	msg, err := h.conversations.PostUserMessage(c.Request.Context(), uint(id), req.SenderID, req.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to post message", Message: err.Error()})
		return
	}

	// 消息入库后立即评估触发器，动作产生的回复在响应前写入
	if h.scheduler != nil {
		h.scheduler.ProcessMessage(c.Request.Context(), msg)
	}

	c.JSON(http.StatusCreated, msg)
}

// ListMessages 按时间顺序获取消息
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	messages, err := h.conversations.ListMessages(c.Request.Context(), uint(id), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list messages", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, messages)
}

// ListRecords 获取会话的结构化记录
func (h *ConversationHandler) ListRecords(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	records, err := h.conversations.ListStructuredRecords(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list records", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

// CreatePersonaRequest 创建角色请求
type CreatePersonaRequest struct {
	Name         string `json:"name" binding:"required"`
	SystemPrompt string `json:"system_prompt"`
}

// CreatePersona 为会话创建 AI 角色
func (h *ConversationHandler) CreatePersona(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	var req CreatePersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	persona, err := h.conversations.CreatePersona(c.Request.Context(), uint(id), req.Name, req.SystemPrompt)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create persona", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, persona)
}

// RegisterConversationRoutes 注册路由
func RegisterConversationRoutes(r *gin.RouterGroup, handler *ConversationHandler) {
	conv := r.Group("/conversations")
	{
		conv.POST("", handler.CreateConversation)
		conv.GET(":id", handler.GetConversation)
		conv.POST(":id/messages", handler.PostMessage)
		conv.GET(":id/messages", handler.ListMessages)
		conv.GET(":id/records", handler.ListRecords)
		conv.POST(":id/personas", handler.CreatePersona)
	}
}

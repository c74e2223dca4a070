package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"flowpilot/internal/models"
	"flowpilot/pkg/utils"
)

// ConversationService is the engine's view of the conversation store:
// insert-only message and record writes plus bounded reads. It never
// mutates an existing message.
type ConversationService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewConversationService(db *gorm.DB, logger *logrus.Logger) *ConversationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConversationService{db: db, logger: logger}
}

// CreateConversationRequest 创建会话的请求
type CreateConversationRequest struct {
	Title    string `json:"title" binding:"required"`
	OwnerID  uint   `json:"owner_id" binding:"required"`
	Timezone string `json:"timezone"`
}

func (s *ConversationService) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*models.Conversation, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	conv := &models.Conversation{
		Title:     req.Title,
		OwnerID:   req.OwnerID,
		Timezone:  tz,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, err
	}
	member := &models.ConversationMember{
		ConversationID: conv.ID,
		UserID:         req.OwnerID,
		Role:           "owner",
		JoinedAt:       time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(member).Error; err != nil {
		s.logger.Warnf("conversation: add owner member failed: %v", err)
	}
	return conv, nil
}

func (s *ConversationService) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// PostUserMessage inserts an inbound message from a user.
func (s *ConversationService) PostUserMessage(ctx context.Context, conversationID, senderID uint, content string) (*models.Message, error) {
	if !utils.ValidateMessage(content) {
		return nil, fmt.Errorf("message content empty or too long")
	}
	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Sender:         "user",
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	return msg, nil
}

// PostSystemMessage inserts an automation-authored message with no user
// or persona attribution.
func (s *ConversationService) PostSystemMessage(ctx context.Context, conversationID uint, content string) (*models.Message, error) {
	if !utils.ValidateMessage(content) {
		return nil, fmt.Errorf("message content empty or too long")
	}
	msg := &models.Message{
		ConversationID: conversationID,
		Sender:         "system",
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	return msg, nil
}

// PostPersonaMessage inserts a message attributed to an AI persona.
func (s *ConversationService) PostPersonaMessage(ctx context.Context, conversationID, personaID uint, content string) (*models.Message, error) {
	if !utils.ValidateMessage(content) {
		return nil, fmt.Errorf("message content empty or too long")
	}
	msg := &models.Message{
		ConversationID: conversationID,
		PersonaID:      &personaID,
		Sender:         "persona",
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	return msg, nil
}

// RecentMessages returns up to limit messages, oldest first, so they can
// be fed to the AI as conversation context.
func (s *ConversationService) RecentMessages(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var messages []models.Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *ConversationService) ListMessages(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var messages []models.Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// CreateStructuredRecord inserts an event/poll/note record and returns it.
func (s *ConversationService) CreateStructuredRecord(ctx context.Context, conversationID uint, recordType, title string, date *time.Time, options []string, sourceMsgID *uint) (*models.StructuredRecord, error) {
	if title == "" {
		return nil, fmt.Errorf("record title required")
	}
	if recordType == "" {
		recordType = "note"
	}
	optJSON := ""
	if len(options) > 0 {
		b, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("encode options: %w", err)
		}
		optJSON = string(b)
	}
	rec := &models.StructuredRecord{
		ConversationID: conversationID,
		Ref:            uuid.NewString()[:8],
		Type:           recordType,
		Title:          title,
		Date:           date,
		Options:        optJSON,
		SourceMsgID:    sourceMsgID,
		CreatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}
	return rec, nil
}

func (s *ConversationService) ListStructuredRecords(ctx context.Context, conversationID uint) ([]models.StructuredRecord, error) {
	var records []models.StructuredRecord
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CreatePersona 新建 AI 人格
func (s *ConversationService) CreatePersona(ctx context.Context, conversationID uint, name, systemPrompt string) (*models.Persona, error) {
	if name == "" {
		return nil, fmt.Errorf("persona name required")
	}
	p := &models.Persona{
		ConversationID: conversationID,
		Name:           name,
		SystemPrompt:   systemPrompt,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (s *ConversationService) GetPersona(ctx context.Context, id uint) (*models.Persona, error) {
	var p models.Persona
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FirstPersona returns the oldest persona in a conversation, used when an
// action does not name one explicitly.
func (s *ConversationService) FirstPersona(ctx context.Context, conversationID uint) (*models.Persona, error) {
	var p models.Persona
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"flowpilot/internal/models"
)

// AutomationService is the owner-facing surface: creation with declaration
// validation, enable/disable, deletion and execution history. The
// scheduler owns the runtime timestamps; this service only touches
// next_run_at when the owner re-enables a time-based automation.
type AutomationService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{db: db, logger: logger}
}

// AutomationRequest 创建自动化的请求
type AutomationRequest struct {
	ConversationID  uint               `json:"conversation_id" binding:"required"`
	CreatorID       uint               `json:"creator_id" binding:"required"`
	Name            string             `json:"name" binding:"required"`
	Kind            string             `json:"kind" binding:"required"`
	Trigger         TriggerDeclaration `json:"trigger"`
	Action          ActionDeclaration  `json:"action"`
	CooldownSeconds int                `json:"cooldown_seconds"`
	Enabled         *bool              `json:"enabled"`
}

// Create validates both declarations and persists the automation.
// Unparsable schedules and non-compiling patterns are rejected here,
// synchronously, so the engine never loads an invalid declaration.
func (s *AutomationService) Create(ctx context.Context, req *AutomationRequest) (*models.Automation, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	now := time.Now()

	if err := ValidateTrigger(req.Kind, &req.Trigger, now); err != nil {
		return nil, fmt.Errorf("invalid trigger: %w", err)
	}
	if err := ValidateAction(&req.Action); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}
	if req.CooldownSeconds < 0 {
		return nil, fmt.Errorf("cooldown must not be negative")
	}

	trigJSON, err := json.Marshal(req.Trigger)
	if err != nil {
		return nil, fmt.Errorf("encode trigger: %w", err)
	}
	actJSON, err := json.Marshal(req.Action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	a := &models.Automation{
		ConversationID:  req.ConversationID,
		CreatorID:       req.CreatorID,
		Name:            req.Name,
		Kind:            req.Kind,
		TriggerConfig:   string(trigJSON),
		ActionConfig:    string(actJSON),
		Enabled:         enabled,
		CooldownSeconds: req.CooldownSeconds,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AutomationService) Get(ctx context.Context, id uint) (*models.Automation, error) {
	var a models.Automation
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns all automations of a conversation, newest first.
func (s *AutomationService) List(ctx context.Context, conversationID uint) ([]models.Automation, error) {
	var automations []models.Automation
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Find(&automations).Error; err != nil {
		return nil, err
	}
	return automations, nil
}

// SetEnabled flips the enabled flag. Re-enabling a time-based automation
// recomputes next_run_at from the original spec so it does not fire
// immediately for every tick it missed while disabled.
func (s *AutomationService) SetEnabled(ctx context.Context, id uint, enabled bool) (*models.Automation, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"enabled":    enabled,
		"updated_at": time.Now(),
	}
	if enabled && a.IsTimeBased() {
		decl, err := DecodeTrigger(a)
		if err != nil {
			return nil, err
		}
		next, err := ParseSchedule(decl.Schedule, decl.Timezone, time.Now())
		if err != nil {
			return nil, fmt.Errorf("cannot enable, schedule no longer parses: %w", err)
		}
		updates["next_run_at"] = next
	}
	if !enabled {
		updates["next_run_at"] = nil
	}

	if err := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes the automation and cascades its execution history.
func (s *AutomationService) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("automation_id = ?", id).
			Delete(&models.AutomationExecution{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Automation{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("automation not found")
		}
		return nil
	})
}

// ListExecutions returns execution history newest-first with a bounded
// page size.
func (s *AutomationService) ListExecutions(ctx context.Context, automationID uint, limit int) ([]models.AutomationExecution, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var executions []models.AutomationExecution
	if err := s.db.WithContext(ctx).
		Where("automation_id = ?", automationID).
		Order("fired_at DESC").
		Limit(limit).
		Find(&executions).Error; err != nil {
		return nil, err
	}
	return executions, nil
}

// RecordExecution appends one immutable audit entry. A write failure is
// logged but never fails the surrounding dispatch.
func (s *AutomationService) RecordExecution(ctx context.Context, automationID uint, messageID *uint, status string, result *ExecutionResult, firedAt time.Time) {
	exec := &models.AutomationExecution{
		AutomationID: automationID,
		MessageID:    messageID,
		Status:       status,
		FiredAt:      firedAt,
		CreatedAt:    time.Now(),
	}
	if result != nil {
		exec.Error = result.Error
		if len(result.Data) > 0 {
			if b, err := json.Marshal(result.Data); err == nil {
				exec.Result = string(b)
			}
		}
	}
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		s.logger.Warnf("automation: record execution failed: %v", err)
	}
}

// InCooldown reports whether the automation fired too recently to fire
// again. An automation that never fired is never in cooldown.
func InCooldown(a *models.Automation, now time.Time) bool {
	if a.LastFiredAt == nil || a.CooldownSeconds <= 0 {
		return false
	}
	return now.Sub(*a.LastFiredAt) < time.Duration(a.CooldownSeconds)*time.Second
}

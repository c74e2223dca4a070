package models

import "time"

// Automation trigger kinds.
const (
	KindMessagePattern = "message_pattern"
	KindKeyword        = "keyword"
	KindAIMention      = "ai_mention"
	KindScheduled      = "scheduled"
	KindTimeBased      = "time_based"
	KindReminder       = "reminder" // one-shot child created by the remind action
)

// Execution statuses.
const (
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
	ExecutionSkipped = "skipped"
)

// Automation 自动化定义：一个触发器加一个动作，归属于单个会话。
// NextRunAt/LastFiredAt 仅由调度器（及所有者启用操作）写入。
type Automation struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ConversationID  uint       `gorm:"index" json:"conversation_id"`
	CreatorID       uint       `gorm:"index" json:"creator_id"`
	Name            string     `gorm:"not null" json:"name"`
	Kind            string     `gorm:"not null;index" json:"kind"`      // message_pattern, keyword, ai_mention, scheduled, time_based, reminder
	TriggerConfig   string     `gorm:"type:text" json:"trigger_config"` // JSON TriggerDeclaration
	ActionConfig    string     `gorm:"type:text" json:"action_config"`  // JSON ActionDeclaration
	Enabled         bool       `gorm:"default:true;index" json:"enabled"`
	CooldownSeconds int        `gorm:"default:0" json:"cooldown_seconds"`
	LastFiredAt     *time.Time `json:"last_fired_at"`
	NextRunAt       *time.Time `gorm:"index" json:"next_run_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsTimeBased reports whether the automation fires on the tick path
// rather than on inbound messages.
func (a *Automation) IsTimeBased() bool {
	switch a.Kind {
	case KindScheduled, KindTimeBased, KindReminder:
		return true
	default:
		return false
	}
}

// AutomationExecution 执行记录，只增不改，用于审计
type AutomationExecution struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	AutomationID uint       `gorm:"index" json:"automation_id"`
	MessageID    *uint      `gorm:"index" json:"message_id"` // nil for time-based fires
	Status       string     `gorm:"index" json:"status"`     // success, failed, skipped
	Result       string     `gorm:"type:text" json:"result"`
	Error        string     `gorm:"type:text" json:"error"`
	FiredAt      time.Time  `json:"fired_at"`
	CreatedAt    time.Time  `json:"created_at"`

	Automation Automation `gorm:"foreignKey:AutomationID;constraint:OnDelete:CASCADE" json:"automation,omitempty"`
}

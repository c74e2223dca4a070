package models

import (
	"time"

	"gorm.io/gorm"
)

// 用户模型
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Avatar    string         `json:"avatar"`
	Role      string         `gorm:"default:'member'" json:"role"` // member, owner, admin
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 会话模型
type Conversation struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Title     string         `gorm:"not null" json:"title"`
	OwnerID   uint           `gorm:"index" json:"owner_id"`
	Timezone  string         `gorm:"default:'UTC'" json:"timezone"` // IANA zone, default for schedules in this conversation
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Owner    User                 `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Members  []ConversationMember `gorm:"foreignKey:ConversationID" json:"members,omitempty"`
	Personas []Persona            `gorm:"foreignKey:ConversationID" json:"personas,omitempty"`
}

// 会话成员
type ConversationMember struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"index" json:"conversation_id"`
	UserID         uint      `gorm:"index" json:"user_id"`
	Role           string    `gorm:"default:'member'" json:"role"` // member, owner
	JoinedAt       time.Time `json:"joined_at"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// Persona AI 人格，作为会话中的发言者
type Persona struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"index" json:"conversation_id"`
	Name           string    `gorm:"not null" json:"name"`
	Avatar         string    `json:"avatar"`
	SystemPrompt   string    `gorm:"type:text" json:"system_prompt"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// 消息模型。消息只增不改。
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"index" json:"conversation_id"`
	SenderID       uint      `gorm:"index" json:"sender_id"` // 0 for system/automation messages
	PersonaID      *uint     `gorm:"index" json:"persona_id"`
	Sender         string    `gorm:"default:'user'" json:"sender"` // user, persona, system
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `json:"created_at"`

	Persona *Persona `gorm:"foreignKey:PersonaID" json:"persona,omitempty"`
}

// StructuredRecord 自动化动作创建的结构化记录（日程、投票等）
type StructuredRecord struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	ConversationID uint       `gorm:"index" json:"conversation_id"`
	Ref            string     `gorm:"uniqueIndex;not null" json:"ref"` // short reference used in announcements
	Type           string     `gorm:"not null" json:"type"`            // event, poll, note
	Title          string     `gorm:"not null" json:"title"`
	Date           *time.Time `json:"date"`
	Options        string     `gorm:"type:text" json:"options"` // JSON array for polls
	SourceMsgID    *uint      `json:"source_msg_id"`
	CreatedAt      time.Time  `json:"created_at"`
}

package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"flowpilot/internal/models"
)

// Action types.
const (
	ActionCreateRecord    = "create_structured_record"
	ActionPostMessage     = "post_message"
	ActionGenerateAndPost = "generate_and_post"
	ActionSummarize       = "summarize"
	ActionRemind          = "remind"
)

// TriggerDeclaration describes when an automation fires. Exactly the
// fields for the automation's kind are required; the rest stay empty.
type TriggerDeclaration struct {
	// message_pattern
	Pattern       string `json:"pattern,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`

	// keyword / ai_mention
	Keywords       []string `json:"keywords,omitempty"`
	MatchAll       bool     `json:"match_all,omitempty"`
	IntentKeywords []string `json:"intent_keywords,omitempty"`

	// scheduled / time_based / reminder
	Schedule string `json:"schedule,omitempty"` // ISO instant, daily:HH:MM, weekly:<day>:HH:MM, or 5-field cron
	Timezone string `json:"timezone,omitempty"` // IANA zone; empty means UTC
}

// ActionDeclaration describes what an automation does when it fires.
type ActionDeclaration struct {
	Type string `json:"type"`

	// post_message / remind announcement
	Template string `json:"template,omitempty"` // {{text}} and {{automation}} tokens
	Prompt   string `json:"prompt,omitempty"`   // when set, the AI drafts the message

	// create_structured_record
	ExtractWithAI bool     `json:"extract_with_ai,omitempty"`
	RecordType    string   `json:"record_type,omitempty"` // event, poll, note
	Title         string   `json:"title,omitempty"`
	Options       []string `json:"options,omitempty"`

	// generate_and_post / summarize
	PersonaID    uint   `json:"persona_id,omitempty"` // 0 means first persona in the conversation
	Style        string `json:"style,omitempty"`      // concise, detailed
	MessageCount int    `json:"message_count,omitempty"`

	// remind
	DelayMinutes int    `json:"delay_minutes,omitempty"`
	Message      string `json:"message,omitempty"`
}

// DecodeTrigger parses the stored trigger JSON of an automation.
func DecodeTrigger(a *models.Automation) (*TriggerDeclaration, error) {
	var decl TriggerDeclaration
	if a.TriggerConfig != "" {
		if err := json.Unmarshal([]byte(a.TriggerConfig), &decl); err != nil {
			return nil, fmt.Errorf("invalid trigger config: %w", err)
		}
	}
	return &decl, nil
}

// DecodeAction parses the stored action JSON of an automation.
func DecodeAction(a *models.Automation) (*ActionDeclaration, error) {
	var decl ActionDeclaration
	if a.ActionConfig != "" {
		if err := json.Unmarshal([]byte(a.ActionConfig), &decl); err != nil {
			return nil, fmt.Errorf("invalid action config: %w", err)
		}
	}
	if decl.Type == "" {
		return nil, fmt.Errorf("action type required")
	}
	return &decl, nil
}

// ValidateTrigger rejects malformed declarations at creation time so the
// matcher and scheduler never see an invalid one. Returns the declaration
// it validated.
func ValidateTrigger(kind string, decl *TriggerDeclaration, now time.Time) error {
	switch kind {
	case models.KindMessagePattern:
		if decl.Pattern == "" {
			return fmt.Errorf("pattern required for %s trigger", kind)
		}
		if _, err := regexp.Compile(decl.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	case models.KindKeyword:
		if len(decl.Keywords) == 0 {
			return fmt.Errorf("at least one keyword required")
		}
	case models.KindAIMention:
		// intent keywords are optional; the mention token alone suffices
	case models.KindScheduled, models.KindTimeBased, models.KindReminder:
		if decl.Schedule == "" {
			return fmt.Errorf("schedule required for %s trigger", kind)
		}
		if _, err := ParseSchedule(decl.Schedule, decl.Timezone, now); err != nil {
			return fmt.Errorf("unparsable schedule %q: %w", decl.Schedule, err)
		}
	default:
		return fmt.Errorf("unsupported automation kind: %s", kind)
	}
	return nil
}

// ValidateAction checks that the declaration carries what its handler needs.
func ValidateAction(decl *ActionDeclaration) error {
	switch decl.Type {
	case ActionCreateRecord:
		if !decl.ExtractWithAI && decl.Title == "" {
			return fmt.Errorf("title required when AI extraction is disabled")
		}
		switch decl.RecordType {
		case "", "event", "poll", "note":
		default:
			return fmt.Errorf("unsupported record type: %s", decl.RecordType)
		}
	case ActionPostMessage:
		if decl.Template == "" && decl.Prompt == "" {
			return fmt.Errorf("template or prompt required")
		}
	case ActionGenerateAndPost:
		// persona resolved at dispatch time; nothing mandatory here
	case ActionSummarize:
		switch decl.Style {
		case "", "concise", "detailed":
		default:
			return fmt.Errorf("unsupported summary style: %s", decl.Style)
		}
	case ActionRemind:
		if decl.DelayMinutes <= 0 {
			return fmt.Errorf("delay_minutes must be positive")
		}
		if decl.Message == "" {
			return fmt.Errorf("reminder message required")
		}
	default:
		return fmt.Errorf("unsupported action type: %s", decl.Type)
	}
	return nil
}

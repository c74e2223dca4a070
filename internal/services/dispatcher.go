package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"flowpilot/internal/models"
)

// ExecutionResult is the uniform outcome envelope every action handler
// returns. Collaborator failures land here as Status=failed; they never
// propagate out of Execute.
type ExecutionResult struct {
	Status string                 `json:"status"` // success, failed
	Data   map[string]interface{} `json:"data,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

func successResult(data map[string]interface{}) *ExecutionResult {
	return &ExecutionResult{Status: models.ExecutionSuccess, Data: data}
}

func failedResult(err error) *ExecutionResult {
	return &ExecutionResult{Status: models.ExecutionFailed, Error: err.Error()}
}

// TriggerContext carries what fired the automation. Message is nil for
// time-based fires.
type TriggerContext struct {
	Message *models.Message
	Now     time.Time
}

func (tc *TriggerContext) text() string {
	if tc == nil || tc.Message == nil {
		return ""
	}
	return tc.Message.Content
}

// DispatcherService executes the side-effecting half of an automation.
type DispatcherService struct {
	db            *gorm.DB
	conversations *ConversationService
	ai            AICompleter
	logger        *logrus.Logger
	contextWindow int // recent messages fed to the AI as context
}

func NewDispatcherService(db *gorm.DB, conversations *ConversationService, ai AICompleter, logger *logrus.Logger) *DispatcherService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DispatcherService{
		db:            db,
		conversations: conversations,
		ai:            ai,
		logger:        logger,
		contextWindow: 20,
	}
}

// SetContextWindow overrides how many recent messages are fed to the AI.
func (s *DispatcherService) SetContextWindow(n int) {
	if n > 0 {
		s.contextWindow = n
	}
}

// Execute runs the automation's action and returns a structured outcome.
// The switch is exhaustive over the action types; an unknown type is a
// failed result, not a panic.
func (s *DispatcherService) Execute(ctx context.Context, a *models.Automation, trig *TriggerContext) *ExecutionResult {
	decl, err := DecodeAction(a)
	if err != nil {
		return failedResult(err)
	}
	if trig == nil {
		trig = &TriggerContext{Now: time.Now()}
	}

	switch decl.Type {
	case ActionCreateRecord:
		return s.executeCreateRecord(ctx, a, decl, trig)
	case ActionPostMessage:
		return s.executePostMessage(ctx, a, decl, trig)
	case ActionGenerateAndPost:
		return s.executeGenerateAndPost(ctx, a, decl, trig)
	case ActionSummarize:
		return s.executeSummarize(ctx, a, decl, trig)
	case ActionRemind:
		return s.executeRemind(ctx, a, decl, trig)
	default:
		return failedResult(fmt.Errorf("unsupported action type: %s", decl.Type))
	}
}

// executeCreateRecord optionally asks the AI to extract record fields from
// the triggering text, falls back to the static declaration when
// extraction is disabled or fails, then persists the record and announces
// it in the conversation.
func (s *DispatcherService) executeCreateRecord(ctx context.Context, a *models.Automation, decl *ActionDeclaration, trig *TriggerContext) *ExecutionResult {
	recordType := decl.RecordType
	title := decl.Title
	options := decl.Options
	var date *time.Time

	if decl.ExtractWithAI && trig.Message != nil {
		extracted, err := s.extractRecordFields(ctx, trig.text())
		if err != nil {
			s.logger.Warnf("dispatch: AI extraction failed for automation %d, using template fields: %v", a.ID, err)
		} else {
			if v, ok := extracted["title"].(string); ok && v != "" {
				title = v
			}
			if v, ok := extracted["type"].(string); ok && v != "" {
				recordType = v
			}
			if v, ok := extracted["date"].(string); ok && v != "" {
				if d, perr := parseRecordDate(v); perr == nil {
					date = &d
				}
			}
			if v, ok := extracted["options"].([]interface{}); ok && len(v) > 0 {
				options = nil
				for _, o := range v {
					if str, ok := o.(string); ok {
						options = append(options, str)
					}
				}
			}
		}
	}

	if title == "" {
		return failedResult(fmt.Errorf("no record title available"))
	}

	var sourceMsgID *uint
	if trig.Message != nil {
		sourceMsgID = &trig.Message.ID
	}
	rec, err := s.conversations.CreateStructuredRecord(ctx, a.ConversationID, recordType, title, date, options, sourceMsgID)
	if err != nil {
		return failedResult(fmt.Errorf("create record: %w", err))
	}

	announcement := fmt.Sprintf("Created %s %q (ref %s) via automation %q.", rec.Type, rec.Title, rec.Ref, a.Name)
	if _, err := s.conversations.PostSystemMessage(ctx, a.ConversationID, announcement); err != nil {
		return failedResult(fmt.Errorf("announce record: %w", err))
	}

	return successResult(map[string]interface{}{
		"record_id": rec.ID,
		"ref":       rec.Ref,
		"type":      rec.Type,
	})
}

func (s *DispatcherService) extractRecordFields(ctx context.Context, text string) (map[string]interface{}, error) {
	system := "You extract structured records from chat messages. " +
		"Return keys: title (string), type (event|poll|note), date (RFC3339, optional), options (string array, polls only)."
	return s.ai.CompleteJSON(ctx, system, text)
}

func parseRecordDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// executePostMessage renders a template or asks the AI to draft from a
// prompt, then posts. Empty content is refused.
func (s *DispatcherService) executePostMessage(ctx context.Context, a *models.Automation, decl *ActionDeclaration, trig *TriggerContext) *ExecutionResult {
	var content string
	if decl.Prompt != "" {
		drafted, err := s.ai.Complete(ctx, "You draft short chat messages on behalf of an automation.", renderTemplate(decl.Prompt, a, trig))
		if err != nil {
			return failedResult(fmt.Errorf("AI draft: %w", err))
		}
		content = drafted
	} else {
		content = renderTemplate(decl.Template, a, trig)
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return failedResult(fmt.Errorf("refusing to post empty message"))
	}

	msg, err := s.conversations.PostSystemMessage(ctx, a.ConversationID, content)
	if err != nil {
		return failedResult(fmt.Errorf("post message: %w", err))
	}
	return successResult(map[string]interface{}{"message_id": msg.ID})
}

// executeGenerateAndPost resolves the persona to speak as, assembles
// recent conversation context and posts the completion attributed to that
// persona. An empty completion is a failure, not a silent no-op.
func (s *DispatcherService) executeGenerateAndPost(ctx context.Context, a *models.Automation, decl *ActionDeclaration, trig *TriggerContext) *ExecutionResult {
	persona, err := s.resolvePersona(ctx, a.ConversationID, decl.PersonaID)
	if err != nil {
		return failedResult(err)
	}

	transcript, err := s.buildTranscript(ctx, a.ConversationID, decl.MessageCount)
	if err != nil {
		return failedResult(fmt.Errorf("load context: %w", err))
	}

	prompt := transcript
	if text := trig.text(); text != "" {
		prompt += fmt.Sprintf("\nThe latest message addressed to you: %s\nReply to it.", text)
	} else {
		prompt += "\nContinue the conversation naturally."
	}

	reply, err := s.ai.Complete(ctx, persona.SystemPrompt, prompt)
	if err != nil {
		return failedResult(fmt.Errorf("AI completion: %w", err))
	}
	if strings.TrimSpace(reply) == "" {
		return failedResult(fmt.Errorf("AI returned an empty completion"))
	}

	msg, err := s.conversations.PostPersonaMessage(ctx, a.ConversationID, persona.ID, reply)
	if err != nil {
		return failedResult(fmt.Errorf("post persona message: %w", err))
	}
	return successResult(map[string]interface{}{
		"message_id": msg.ID,
		"persona_id": persona.ID,
	})
}

func (s *DispatcherService) executeSummarize(ctx context.Context, a *models.Automation, decl *ActionDeclaration, trig *TriggerContext) *ExecutionResult {
	count := decl.MessageCount
	if count <= 0 {
		count = 30
	}
	messages, err := s.conversations.RecentMessages(ctx, a.ConversationID, count)
	if err != nil {
		return failedResult(fmt.Errorf("load messages: %w", err))
	}
	if len(messages) == 0 {
		return failedResult(fmt.Errorf("no messages to summarize"))
	}

	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}

	instruction := "Summarize this conversation in two or three sentences."
	if decl.Style == "detailed" {
		instruction = "Summarize this conversation in detail, one bullet point per topic discussed."
	}

	summary, err := s.ai.Complete(ctx, instruction, b.String())
	if err != nil {
		return failedResult(fmt.Errorf("AI summary: %w", err))
	}
	if strings.TrimSpace(summary) == "" {
		return failedResult(fmt.Errorf("AI returned an empty summary"))
	}

	var msg *models.Message
	if persona, perr := s.resolvePersona(ctx, a.ConversationID, decl.PersonaID); perr == nil {
		msg, err = s.conversations.PostPersonaMessage(ctx, a.ConversationID, persona.ID, summary)
	} else {
		msg, err = s.conversations.PostSystemMessage(ctx, a.ConversationID, summary)
	}
	if err != nil {
		return failedResult(fmt.Errorf("post summary: %w", err))
	}
	return successResult(map[string]interface{}{
		"message_id": msg.ID,
		"messages":   len(messages),
	})
}

// executeRemind creates a one-shot reminder automation due at
// now+delayMinutes and acknowledges in-conversation. The child's
// next_run_at stays null until the scheduler initializes it; its absolute
// schedule makes it fire exactly once and disable itself.
func (s *DispatcherService) executeRemind(ctx context.Context, a *models.Automation, decl *ActionDeclaration, trig *TriggerContext) *ExecutionResult {
	runAt := trig.Now.Add(time.Duration(decl.DelayMinutes) * time.Minute).UTC()

	trigJSON := fmt.Sprintf(`{"schedule":%q,"timezone":"UTC"}`, runAt.Format(time.RFC3339))
	actJSON := fmt.Sprintf(`{"type":%q,"template":%q}`, ActionPostMessage, "Reminder: "+decl.Message)

	child := &models.Automation{
		ConversationID: a.ConversationID,
		CreatorID:      a.CreatorID,
		Name:           fmt.Sprintf("reminder from %q", a.Name),
		Kind:           models.KindReminder,
		TriggerConfig:  trigJSON,
		ActionConfig:   actJSON,
		Enabled:        true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(child).Error; err != nil {
		return failedResult(fmt.Errorf("schedule reminder: %w", err))
	}

	ack := fmt.Sprintf("Reminder set for %s: %s", runAt.Format("2006-01-02 15:04 MST"), decl.Message)
	if _, err := s.conversations.PostSystemMessage(ctx, a.ConversationID, ack); err != nil {
		return failedResult(fmt.Errorf("acknowledge reminder: %w", err))
	}

	return successResult(map[string]interface{}{
		"reminder_id": child.ID,
		"run_at":      runAt.Format(time.RFC3339),
	})
}

func (s *DispatcherService) resolvePersona(ctx context.Context, conversationID, personaID uint) (*models.Persona, error) {
	if personaID != 0 {
		persona, err := s.conversations.GetPersona(ctx, personaID)
		if err != nil {
			return nil, fmt.Errorf("persona %d not found", personaID)
		}
		return persona, nil
	}
	persona, err := s.conversations.FirstPersona(ctx, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation has no persona to speak as")
		}
		return nil, err
	}
	return persona, nil
}

func (s *DispatcherService) buildTranscript(ctx context.Context, conversationID uint, count int) (string, error) {
	if count <= 0 {
		count = s.contextWindow
	}
	messages, err := s.conversations.RecentMessages(ctx, conversationID, count)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Content)
	}
	return b.String(), nil
}

// renderTemplate substitutes {{text}} with the triggering message content
// and {{automation}} with the automation name.
func renderTemplate(tmpl string, a *models.Automation, trig *TriggerContext) string {
	out := strings.ReplaceAll(tmpl, "{{text}}", trig.text())
	out = strings.ReplaceAll(out, "{{automation}}", a.Name)
	return out
}

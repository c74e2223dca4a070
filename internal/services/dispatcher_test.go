package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"flowpilot/internal/models"
)

// fakeAI parrots back canned responses so dispatch paths can be tested
// without a network.
type fakeAI struct {
	completion string
	jsonFields map[string]interface{}
	err        error
	lastPrompt string
}

func (f *fakeAI) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.lastPrompt = prompt
	return f.completion, f.err
}

func (f *fakeAI) CompleteJSON(ctx context.Context, system, prompt string) (map[string]interface{}, error) {
	f.lastPrompt = prompt
	return f.jsonFields, f.err
}

func newDispatcherTestEnv(t *testing.T, ai AICompleter) (*gorm.DB, *DispatcherService, *ConversationService) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Conversation{},
		&models.ConversationMember{},
		&models.Persona{},
		&models.Message{},
		&models.StructuredRecord{},
		&models.Automation{},
		&models.AutomationExecution{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	logger := logrus.New()
	conversations := NewConversationService(db, logger)
	dispatcher := NewDispatcherService(db, conversations, ai, logger)
	return db, dispatcher, conversations
}

func newTestConversation(t *testing.T, conversations *ConversationService) *models.Conversation {
	conv, err := conversations.CreateConversation(context.Background(), &CreateConversationRequest{
		Title: "test room", OwnerID: 1, Timezone: "UTC",
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func automationWithAction(t *testing.T, db *gorm.DB, conversationID uint, kind string, action ActionDeclaration) *models.Automation {
	actJSON, err := json.Marshal(action)
	if err != nil {
		t.Fatalf("encode action: %v", err)
	}
	a := &models.Automation{
		ConversationID: conversationID,
		CreatorID:      1,
		Name:           "test automation",
		Kind:           kind,
		TriggerConfig:  `{"keywords":["x"]}`,
		ActionConfig:   string(actJSON),
		Enabled:        true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("create automation: %v", err)
	}
	return a
}

func TestDispatcher_PostMessageTemplate(t *testing.T) {
	db, dispatcher, conversations := newDispatcherTestEnv(t, &fakeAI{})
	conv := newTestConversation(t, conversations)
	a := automationWithAction(t, db, conv.ID, models.KindKeyword, ActionDeclaration{
		Type:     ActionPostMessage,
		Template: "Saw {{text}} via {{automation}}",
	})

	msg, _ := conversations.PostUserMessage(context.Background(), conv.ID, 1, "hello world")
	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Message: msg, Now: time.Now()})
	if res.Status != models.ExecutionSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}

	var posted models.Message
	if err := db.Last(&posted).Error; err != nil {
		t.Fatalf("load posted message: %v", err)
	}
	if posted.Sender != "system" {
		t.Errorf("expected system attribution, got %s", posted.Sender)
	}
	if posted.Content != "Saw hello world via test automation" {
		t.Errorf("template not rendered: %q", posted.Content)
	}
}

func TestDispatcher_PostMessageRefusesEmpty(t *testing.T) {
	db, dispatcher, conversations := newDispatcherTestEnv(t, &fakeAI{})
	conv := newTestConversation(t, conversations)
	a := automationWithAction(t, db, conv.ID, models.KindKeyword, ActionDeclaration{
		Type:     ActionPostMessage,
		Template: "{{text}}",
	})

	// 触发上下文无消息时模板展开为空
	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Now: time.Now()})
	if res.Status != models.ExecutionFailed {
		t.Fatalf("expected failed for empty content, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "empty") {
		t.Errorf("unexpected error: %s", res.Error)
	}
}

func TestDispatcher_GenerateAndPostNeedsPersona(t *testing.T) {
	db, dispatcher, conversations := newDispatcherTestEnv(t, &fakeAI{completion: "hi there"})
	conv := newTestConversation(t, conversations)
	a := automationWithAction(t, db, conv.ID, models.KindAIMention, ActionDeclaration{Type: ActionGenerateAndPost})

	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Now: time.Now()})
	if res.Status != models.ExecutionFailed {
		t.Fatalf("expected failure without persona, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "persona") {
		t.Errorf("unexpected error: %s", res.Error)
	}
}

func TestDispatcher_GenerateAndPostSpeaksAsPersona(t *testing.T) {
	ai := &fakeAI{completion: "Happy to help!"}
	db, dispatcher, conversations := newDispatcherTestEnv(t, ai)
	conv := newTestConversation(t, conversations)
	persona, err := conversations.CreatePersona(context.Background(), conv.ID, "Helper", "You are a helpful assistant.")
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}
	a := automationWithAction(t, db, conv.ID, models.KindAIMention, ActionDeclaration{Type: ActionGenerateAndPost})

	msg, _ := conversations.PostUserMessage(context.Background(), conv.ID, 1, "@ai can you help?")
	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Message: msg, Now: time.Now()})
	if res.Status != models.ExecutionSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}

	var posted models.Message
	if err := db.Last(&posted).Error; err != nil {
		t.Fatalf("load posted message: %v", err)
	}
	if posted.Sender != "persona" || posted.PersonaID == nil || *posted.PersonaID != persona.ID {
		t.Errorf("expected persona attribution, got sender=%s persona=%v", posted.Sender, posted.PersonaID)
	}
	if !strings.Contains(ai.lastPrompt, "@ai can you help?") {
		t.Error("expected triggering message in the prompt")
	}
}

func TestDispatcher_GenerateAndPostEmptyCompletionFails(t *testing.T) {
	db, dispatcher, conversations := newDispatcherTestEnv(t, &fakeAI{completion: "   "})
	conv := newTestConversation(t, conversations)
	if _, err := conversations.CreatePersona(context.Background(), conv.ID, "Helper", ""); err != nil {
		t.Fatalf("create persona: %v", err)
	}
	a := automationWithAction(t, db, conv.ID, models.KindAIMention, ActionDeclaration{Type: ActionGenerateAndPost})

	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Now: time.Now()})
	if res.Status != models.ExecutionFailed {
		t.Fatalf("expected failure for blank completion, got %s", res.Status)
	}
}

func TestDispatcher_SummarizeNoMessagesFails(t *testing.T) {
	db, dispatcher, conversations := newDispatcherTestEnv(t, &fakeAI{completion: "summary"})
	conv := newTestConversation(t, conversations)
	a := automationWithAction(t, db, conv.ID, models.KindScheduled, ActionDeclaration{Type: ActionSummarize})

	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Now: time.Now()})
	if res.Status != models.ExecutionFailed {
		t.Fatalf("expected failure on empty conversation, got %s", res.Status)
	}
}

func TestDispatcher_SummarizeFallsBackToSystemVoice(t *testing.T) {
	db, dispatcher, conversations := newDispatcherTestEnv(t, &fakeAI{completion: "They discussed lunch."})
	conv := newTestConversation(t, conversations)
	a := automationWithAction(t, db, conv.ID, models.KindScheduled, ActionDeclaration{Type: ActionSummarize})

	conversations.PostUserMessage(context.Background(), conv.ID, 1, "lunch at noon?")
	conversations.PostUserMessage(context.Background(), conv.ID, 2, "sounds good")

	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Now: time.Now()})
	if res.Status != models.ExecutionSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}

	var posted models.Message
	if err := db.Last(&posted).Error; err != nil {
		t.Fatalf("load posted message: %v", err)
	}
	// 无 persona 时以 system 身份发布
	if posted.Sender != "system" {
		t.Errorf("expected system voice, got %s", posted.Sender)
	}
	if posted.Content != "They discussed lunch." {
		t.Errorf("unexpected summary content: %q", posted.Content)
	}
}

func TestDispatcher_CreateRecordWithAIFallback(t *testing.T) {
	// CompleteJSON 失败时回退到声明中的静态字段
	db, dispatcher, conversations := newDispatcherTestEnv(t, &fakeAI{err: fmt.Errorf("model unavailable")})
	conv := newTestConversation(t, conversations)
	a := automationWithAction(t, db, conv.ID, models.KindMessagePattern, ActionDeclaration{
		Type:          ActionCreateRecord,
		ExtractWithAI: true,
		RecordType:    "event",
		Title:         "Team sync",
	})

	msg, _ := conversations.PostUserMessage(context.Background(), conv.ID, 1, "let's sync friday")
	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Message: msg, Now: time.Now()})
	if res.Status != models.ExecutionSuccess {
		t.Fatalf("expected fallback success, got %s (%s)", res.Status, res.Error)
	}

	var rec models.StructuredRecord
	if err := db.First(&rec).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec.Title != "Team sync" || rec.Type != "event" {
		t.Errorf("expected static fields, got %+v", rec)
	}
	if len(rec.Ref) != 8 {
		t.Errorf("expected 8-char ref, got %q", rec.Ref)
	}
	if rec.SourceMsgID == nil || *rec.SourceMsgID != msg.ID {
		t.Error("expected record linked to source message")
	}

	// 公告消息入库
	var announcement models.Message
	db.Last(&announcement)
	if !strings.Contains(announcement.Content, rec.Ref) {
		t.Errorf("expected announcement to carry ref, got %q", announcement.Content)
	}
}

func TestDispatcher_CreateRecordUsesExtractedFields(t *testing.T) {
	ai := &fakeAI{jsonFields: map[string]interface{}{
		"title":   "Lunch poll",
		"type":    "poll",
		"options": []interface{}{"pizza", "sushi"},
	}}
	db, dispatcher, conversations := newDispatcherTestEnv(t, ai)
	conv := newTestConversation(t, conversations)
	a := automationWithAction(t, db, conv.ID, models.KindMessagePattern, ActionDeclaration{
		Type:          ActionCreateRecord,
		ExtractWithAI: true,
		RecordType:    "note",
		Title:         "fallback title",
	})

	msg, _ := conversations.PostUserMessage(context.Background(), conv.ID, 1, "pizza or sushi?")
	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Message: msg, Now: time.Now()})
	if res.Status != models.ExecutionSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}

	var rec models.StructuredRecord
	if err := db.First(&rec).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if rec.Title != "Lunch poll" || rec.Type != "poll" {
		t.Errorf("expected extracted fields, got %+v", rec)
	}
	var opts []string
	if err := json.Unmarshal([]byte(rec.Options), &opts); err != nil || len(opts) != 2 {
		t.Errorf("expected two options, got %q", rec.Options)
	}
}

func TestDispatcher_RemindCreatesOneShotChild(t *testing.T) {
	db, dispatcher, conversations := newDispatcherTestEnv(t, &fakeAI{})
	conv := newTestConversation(t, conversations)
	a := automationWithAction(t, db, conv.ID, models.KindKeyword, ActionDeclaration{
		Type:         ActionRemind,
		DelayMinutes: 30,
		Message:      "stand up",
	})

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Now: now})
	if res.Status != models.ExecutionSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Error)
	}

	var child models.Automation
	if err := db.Where("kind = ?", models.KindReminder).First(&child).Error; err != nil {
		t.Fatalf("load reminder child: %v", err)
	}
	if !child.Enabled {
		t.Error("reminder child must be enabled")
	}
	if child.NextRunAt != nil {
		t.Error("reminder child next_run_at must stay nil until the scheduler initializes it")
	}

	decl, err := DecodeTrigger(&child)
	if err != nil {
		t.Fatalf("decode child trigger: %v", err)
	}
	if !IsOneShotSchedule(decl.Schedule) {
		t.Errorf("expected one-shot schedule, got %q", decl.Schedule)
	}
	runAt, err := ParseSchedule(decl.Schedule, decl.Timezone, now)
	if err != nil {
		t.Fatalf("parse child schedule: %v", err)
	}
	if !runAt.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("expected run at now+30m, got %s", runAt)
	}

	action, err := DecodeAction(&child)
	if err != nil {
		t.Fatalf("decode child action: %v", err)
	}
	if action.Type != ActionPostMessage || action.Template != "Reminder: stand up" {
		t.Errorf("unexpected child action: %+v", action)
	}

	// 确认回执已发布
	var ack models.Message
	db.Last(&ack)
	if !strings.Contains(ack.Content, "Reminder set for") {
		t.Errorf("expected acknowledgement message, got %q", ack.Content)
	}
}

func TestDispatcher_UnknownActionFails(t *testing.T) {
	db, dispatcher, conversations := newDispatcherTestEnv(t, &fakeAI{})
	conv := newTestConversation(t, conversations)
	a := automationWithAction(t, db, conv.ID, models.KindKeyword, ActionDeclaration{Type: "explode"})

	res := dispatcher.Execute(context.Background(), a, &TriggerContext{Now: time.Now()})
	if res.Status != models.ExecutionFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
}

package services

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"flowpilot/internal/models"
)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Conversation{},
		&models.Message{},
		&models.Automation{},
		&models.AutomationExecution{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func keywordRequest() *AutomationRequest {
	return &AutomationRequest{
		ConversationID: 1,
		CreatorID:      1,
		Name:           "lunch watcher",
		Kind:           models.KindKeyword,
		Trigger:        TriggerDeclaration{Keywords: []string{"lunch"}},
		Action:         ActionDeclaration{Type: ActionPostMessage, Template: "Lunch time!"},
	}
}

func TestAutomationService_Create(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, logrus.New())

	a, err := svc.Create(context.Background(), keywordRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !a.Enabled {
		t.Error("expected automation enabled by default")
	}
	if a.NextRunAt != nil {
		t.Error("event automation must not get a next_run_at")
	}
	if a.LastFiredAt != nil {
		t.Error("fresh automation must have nil last_fired_at")
	}
}

func TestAutomationService_CreateRejectsInvalidDeclarations(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, logrus.New())

	tests := []struct {
		name   string
		mutate func(*AutomationRequest)
	}{
		{"non-compiling pattern", func(r *AutomationRequest) {
			r.Kind = models.KindMessagePattern
			r.Trigger = TriggerDeclaration{Pattern: "(unclosed"}
		}},
		{"keyword trigger without keywords", func(r *AutomationRequest) {
			r.Trigger = TriggerDeclaration{}
		}},
		{"scheduled without schedule", func(r *AutomationRequest) {
			r.Kind = models.KindScheduled
			r.Trigger = TriggerDeclaration{}
		}},
		{"unparsable schedule", func(r *AutomationRequest) {
			r.Kind = models.KindScheduled
			r.Trigger = TriggerDeclaration{Schedule: "every other blue moon"}
		}},
		{"unknown action type", func(r *AutomationRequest) {
			r.Action = ActionDeclaration{Type: "launch_rockets"}
		}},
		{"remind without delay", func(r *AutomationRequest) {
			r.Action = ActionDeclaration{Type: ActionRemind, Message: "hi"}
		}},
		{"post_message without template or prompt", func(r *AutomationRequest) {
			r.Action = ActionDeclaration{Type: ActionPostMessage}
		}},
		{"negative cooldown", func(r *AutomationRequest) {
			r.CooldownSeconds = -5
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := keywordRequest()
			tt.mutate(req)
			if _, err := svc.Create(context.Background(), req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAutomationService_SetEnabledRecomputesNextRun(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, logrus.New())

	req := keywordRequest()
	req.Kind = models.KindScheduled
	req.Trigger = TriggerDeclaration{Schedule: "daily:09:00", Timezone: "UTC"}
	a, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// 停用清空 next_run_at
	a, err = svc.SetEnabled(context.Background(), a.ID, false)
	if err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if a.Enabled || a.NextRunAt != nil {
		t.Fatalf("expected disabled with nil next_run_at, got enabled=%v next=%v", a.Enabled, a.NextRunAt)
	}

	// 重新启用从原始表达式重算
	a, err = svc.SetEnabled(context.Background(), a.ID, true)
	if err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if a.NextRunAt == nil {
		t.Fatal("expected next_run_at recomputed on enable")
	}
	if !a.NextRunAt.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("expected future next_run_at, got %s", a.NextRunAt)
	}
}

func TestAutomationService_DeleteCascadesExecutions(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, logrus.New())

	a, err := svc.Create(context.Background(), keywordRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	svc.RecordExecution(context.Background(), a.ID, nil, models.ExecutionSuccess, successResult(nil), time.Now())
	svc.RecordExecution(context.Background(), a.ID, nil, models.ExecutionFailed, failedResult(context.DeadlineExceeded), time.Now())

	if err := svc.Delete(context.Background(), a.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var count int64
	db.Model(&models.AutomationExecution{}).Where("automation_id = ?", a.ID).Count(&count)
	if count != 0 {
		t.Fatalf("expected executions cascaded, %d left", count)
	}

	if err := svc.Delete(context.Background(), a.ID); err == nil {
		t.Fatal("expected error deleting missing automation")
	}
}

func TestAutomationService_ListExecutionsNewestFirstBounded(t *testing.T) {
	db := newAutomationTestDB(t)
	svc := NewAutomationService(db, logrus.New())

	a, err := svc.Create(context.Background(), keywordRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		svc.RecordExecution(context.Background(), a.ID, nil, models.ExecutionSuccess, nil, base.Add(time.Duration(i)*time.Minute))
	}

	execs, err := svc.ListExecutions(context.Background(), a.ID, 3)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(execs))
	}
	if !execs[0].FiredAt.After(execs[1].FiredAt) {
		t.Error("expected newest-first ordering")
	}

	// 超界 limit 回退到默认值
	execs, err = svc.ListExecutions(context.Background(), a.ID, 1000)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(execs) != 5 {
		t.Fatalf("expected all 5 executions under default limit, got %d", len(execs))
	}
}

func TestInCooldown(t *testing.T) {
	now := time.Now()
	justFired := now.Add(-10 * time.Second)
	longAgo := now.Add(-2 * time.Hour)

	tests := []struct {
		name string
		a    models.Automation
		want bool
	}{
		{"never fired", models.Automation{CooldownSeconds: 60}, false},
		{"no cooldown configured", models.Automation{LastFiredAt: &justFired}, false},
		{"inside window", models.Automation{CooldownSeconds: 60, LastFiredAt: &justFired}, true},
		{"window expired", models.Automation{CooldownSeconds: 60, LastFiredAt: &longAgo}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InCooldown(&tt.a, now); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

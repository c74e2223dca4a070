package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"flowpilot/internal/metrics"
	"flowpilot/internal/models"
)

var timeBasedKinds = []string{models.KindScheduled, models.KindTimeBased, models.KindReminder}
var eventKinds = []string{models.KindMessagePattern, models.KindKeyword, models.KindAIMention}

// Scheduler drives both firing paths: a periodic tick for time-based
// automations and ProcessMessage for inbound chat events. It is the only
// writer of next_run_at and last_fired_at at runtime.
//
// Due automations are claimed with a conditional update keyed on the
// next_run_at value the scheduler loaded, so two processes sharing the
// store cannot double-fire the same row: exactly one wins the claim.
type Scheduler struct {
	db          *gorm.DB
	dispatcher  *DispatcherService
	automations *AutomationService
	logger      *logrus.Logger
	tracer      trace.Tracer
	interval    time.Duration
	nowFn       func() time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu         sync.Mutex
	lastTickAt time.Time
	ticks      int64
}

func NewScheduler(db *gorm.DB, dispatcher *DispatcherService, automations *AutomationService, interval time.Duration, logger *logrus.Logger) *Scheduler {
	return NewSchedulerWithContext(context.Background(), db, dispatcher, automations, interval, logger)
}

func NewSchedulerWithContext(parent context.Context, db *gorm.DB, dispatcher *DispatcherService, automations *AutomationService, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		db:          db,
		dispatcher:  dispatcher,
		automations: automations,
		logger:      logger,
		tracer:      otel.Tracer("flowpilot/scheduler"),
		interval:    interval,
		nowFn:       time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start runs the self-heal pass and begins the tick loop.
func (s *Scheduler) Start() {
	if err := s.HealMissingNextRuns(s.ctx); err != nil {
		s.logger.Errorf("scheduler: startup self-heal failed: %v", err)
	}
	s.wg.Add(1)
	go s.run()
	s.logger.Infof("scheduler started, tick interval %s", s.interval)
}

// Stop cancels the loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.lastTickAt = s.nowFn()
			s.ticks++
			s.mu.Unlock()

			if err := s.Tick(s.ctx); err != nil {
				s.logger.Warnf("scheduler: tick error: %v", err)
			}
		}
	}
}

// Tick runs one due-check pass: self-heal missing next_run_at values,
// claim every due automation, and dispatch each on its own goroutine so a
// slow action does not stall the others. The pass waits for all dispatches
// before returning, keeping partial failures observable.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	metrics.IncTick()
	now := s.nowFn()

	if err := s.HealMissingNextRuns(ctx); err != nil {
		s.logger.Warnf("scheduler: self-heal pass failed: %v", err)
	}

	var due []models.Automation
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND kind IN ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, timeBasedKinds, now).
		Find(&due).Error; err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("scheduler.due", len(due)))
	if len(due) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	fired := 0
	for i := range due {
		a := due[i]
		if !s.claimDue(ctx, &a, now) {
			continue
		}
		fired++
		wg.Add(1)
		go func(a models.Automation) {
			defer wg.Done()
			s.fire(ctx, &a, now)
		}(a)
	}
	wg.Wait()

	span.SetAttributes(attribute.Int("scheduler.fired", fired))
	return nil
}

// claimDue atomically stamps last_fired_at and reschedules (or disables)
// the automation, conditioned on the next_run_at value this process
// loaded. A lost race means another instance fired it; we skip.
//
// next_run_at is always recomputed from the original spec, never by
// adding an interval to the previous value, so firing latency cannot
// accumulate into clock drift.
func (s *Scheduler) claimDue(ctx context.Context, a *models.Automation, now time.Time) bool {
	updates := map[string]interface{}{
		"last_fired_at": now,
		"updated_at":    now,
	}

	decl, err := DecodeTrigger(a)
	if err != nil {
		// undecodable trigger on an enabled automation: disable it rather
		// than retrying forever
		s.logger.Errorf("scheduler: automation %d has invalid trigger, disabling: %v", a.ID, err)
		updates["enabled"] = false
		updates["next_run_at"] = nil
	} else if IsOneShotSchedule(decl.Schedule) {
		updates["enabled"] = false
		updates["next_run_at"] = nil
	} else if next, perr := ParseSchedule(decl.Schedule, decl.Timezone, now); perr != nil {
		s.logger.Errorf("scheduler: automation %d schedule %q no longer parses, disabling: %v", a.ID, decl.Schedule, perr)
		updates["enabled"] = false
		updates["next_run_at"] = nil
	} else {
		updates["next_run_at"] = next
	}

	result := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ? AND enabled = ? AND next_run_at = ?", a.ID, true, a.NextRunAt).
		Updates(updates)
	if result.Error != nil {
		s.logger.Errorf("scheduler: claim automation %d failed: %v", a.ID, result.Error)
		return false
	}
	return result.RowsAffected == 1
}

// fire executes one claimed automation and appends its execution record.
func (s *Scheduler) fire(ctx context.Context, a *models.Automation, now time.Time) {
	result := s.dispatcher.Execute(ctx, a, &TriggerContext{Now: now})
	s.automations.RecordExecution(ctx, a.ID, nil, result.Status, result, now)
	metrics.IncFire(result.Status)

	if result.Status == models.ExecutionFailed {
		s.logger.Warnf("scheduler: automation %d (%s) failed: %s", a.ID, a.Name, result.Error)
	} else {
		s.logger.Infof("scheduler: automation %d (%s) fired", a.ID, a.Name)
	}
}

// ProcessMessage is the event path: evaluate every enabled event-based
// automation of the message's conversation. Failures and cooldown skips
// are isolated per automation; one broken automation never blocks the
// rest of the pass.
func (s *Scheduler) ProcessMessage(ctx context.Context, msg *models.Message) {
	if msg == nil {
		return
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.process_message")
	defer span.End()

	var automations []models.Automation
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND enabled = ? AND kind IN ?", msg.ConversationID, true, eventKinds).
		Find(&automations).Error; err != nil {
		s.logger.Warnf("scheduler: load automations for conversation %d failed: %v", msg.ConversationID, err)
		return
	}

	now := s.nowFn()
	matched := 0
	for i := range automations {
		a := automations[i]

		decl, err := DecodeTrigger(&a)
		if err != nil {
			s.logger.Warnf("scheduler: automation %d has invalid trigger: %v", a.ID, err)
			continue
		}
		if !MatchesTrigger(a.Kind, decl, msg, s.logger) {
			continue
		}
		matched++

		if InCooldown(&a, now) {
			s.automations.RecordExecution(ctx, a.ID, &msg.ID, models.ExecutionSkipped, nil, now)
			metrics.IncFire(models.ExecutionSkipped)
			continue
		}

		result := s.dispatcher.Execute(ctx, &a, &TriggerContext{Message: msg, Now: now})
		s.automations.RecordExecution(ctx, a.ID, &msg.ID, result.Status, result, now)
		metrics.IncFire(result.Status)

		if result.Status == models.ExecutionSuccess {
			s.stampFired(ctx, &a, now)
		} else {
			s.logger.Warnf("scheduler: automation %d (%s) failed on message %d: %s", a.ID, a.Name, msg.ID, result.Error)
		}
	}

	span.SetAttributes(
		attribute.Int("scheduler.evaluated", len(automations)),
		attribute.Int("scheduler.matched", matched),
	)
}

// stampFired advances last_fired_at, guarded against a concurrent stamp
// by another instance processing the same burst.
func (s *Scheduler) stampFired(ctx context.Context, a *models.Automation, now time.Time) {
	query := s.db.WithContext(ctx).Model(&models.Automation{}).Where("id = ?", a.ID)
	if a.LastFiredAt == nil {
		query = query.Where("last_fired_at IS NULL")
	} else {
		query = query.Where("last_fired_at = ?", a.LastFiredAt)
	}
	if err := query.Updates(map[string]interface{}{
		"last_fired_at": now,
		"updated_at":    now,
	}).Error; err != nil {
		s.logger.Warnf("scheduler: stamp last_fired_at for automation %d failed: %v", a.ID, err)
	}
}

// HealMissingNextRuns assigns a next_run_at to every enabled time-based
// automation that lacks one, such as rows created while the scheduler was
// down or reminder children the dispatcher just inserted. A schedule that
// no longer parses disables the automation instead of wedging it.
func (s *Scheduler) HealMissingNextRuns(ctx context.Context) error {
	var orphans []models.Automation
	if err := s.db.WithContext(ctx).
		Where("enabled = ? AND kind IN ? AND next_run_at IS NULL", true, timeBasedKinds).
		Find(&orphans).Error; err != nil {
		return err
	}

	now := s.nowFn()
	for i := range orphans {
		a := orphans[i]
		decl, err := DecodeTrigger(&a)
		var next time.Time
		if err == nil {
			next, err = ParseSchedule(decl.Schedule, decl.Timezone, now)
		}
		if err != nil {
			s.logger.Errorf("scheduler: self-heal disabling automation %d, schedule unusable: %v", a.ID, err)
			if derr := s.db.WithContext(ctx).Model(&models.Automation{}).
				Where("id = ?", a.ID).
				Update("enabled", false).Error; derr != nil {
				s.logger.Errorf("scheduler: disable automation %d failed: %v", a.ID, derr)
			}
			continue
		}
		if uerr := s.db.WithContext(ctx).Model(&models.Automation{}).
			Where("id = ? AND enabled = ? AND next_run_at IS NULL", a.ID, true).
			Update("next_run_at", next).Error; uerr != nil {
			s.logger.Warnf("scheduler: self-heal automation %d failed: %v", a.ID, uerr)
			continue
		}
		s.logger.Infof("scheduler: self-heal assigned next run %s to automation %d", next.Format(time.RFC3339), a.ID)
	}
	return nil
}

// Stats returns loop counters for the metrics endpoint.
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"last_tick_at": s.lastTickAt,
		"ticks":        s.ticks,
		"interval":     s.interval.String(),
	}
}

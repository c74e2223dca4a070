package main

import (
	"context"
	"fmt"
	"time"

	"flowpilot/internal/config"
	"flowpilot/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// tickCmd 手动执行一次调度检查，用于排查到期规则未触发的问题。
var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single scheduler pass against the configured database",
	RunE:  runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	aiService := services.NewAIService(
		cfg.AI.OpenAI.APIKey, cfg.AI.OpenAI.BaseURL, cfg.AI.OpenAI.Model,
		cfg.AI.OpenAI.Temperature, cfg.AI.OpenAI.MaxTokens, cfg.AI.OpenAI.Timeout,
	)
	conversationService := services.NewConversationService(db, appLogger)
	automationService := services.NewAutomationService(db, appLogger)
	dispatcher := services.NewDispatcherService(db, conversationService, aiService, appLogger)
	dispatcher.SetContextWindow(cfg.Scheduler.ContextMessages)
	scheduler := services.NewScheduler(db, dispatcher, automationService, cfg.Scheduler.TickInterval, appLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := scheduler.Tick(ctx); err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	fmt.Println("Tick completed")
	return nil
}

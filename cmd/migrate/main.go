package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"flowpilot/internal/config"
	"flowpilot/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	var dsn string
	flag.StringVar(&dsn, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides config values")
	flag.Parse()
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	// 自动迁移所有模型
	err = db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.ConversationMember{},
		&models.Persona{},
		&models.Message{},
		&models.StructuredRecord{},
		&models.Automation{},
		&models.AutomationExecution{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")

	// 消息按会话时间序检索
	db.Exec("CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at)")

	// 调度器 due 查询：enabled + next_run_at
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automations_enabled_next_run ON automations(enabled, next_run_at)")

	// 执行历史按规则时间序检索
	db.Exec("CREATE INDEX IF NOT EXISTS idx_executions_automation_fired ON automation_executions(automation_id, fired_at)")

	log.Println("Indexes created successfully!")
}

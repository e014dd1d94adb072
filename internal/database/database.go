package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/gravadormedico/checkout-api/internal/config"
	"github.com/gravadormedico/checkout-api/internal/models"
)

// Connect opens the Postgres connection described by cfg and verifies it
// with a ping.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return db, nil
}

// RunMigrations creates or updates the schema for every persisted model.
func RunMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Sale{},
		&models.PaymentAttemptAudit{},
		&models.ProvisioningQueueItem{},
		&models.WebhookLogEntry{},
		&models.IntegrationLog{},
	)
}

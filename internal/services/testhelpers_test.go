package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gravadormedico/checkout-api/internal/gateway"
	"github.com/gravadormedico/checkout-api/internal/models"
)

// newTestDB opens an isolated in-memory database with the full schema. The
// pool is pinned to one connection so every query sees the same memory store.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Sale{},
		&models.PaymentAttemptAudit{},
		&models.ProvisioningQueueItem{},
		&models.WebhookLogEntry{},
		&models.IntegrationLog{},
	))
	return db
}

// stubAdapter plays back a scripted gateway outcome and records the calls it
// received.
type stubAdapter struct {
	name    string
	outcome *gateway.Outcome
	err     error
	calls   int
	lastReq gateway.PaymentRequest
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Attempt(ctx context.Context, req gateway.PaymentRequest) (*gateway.Outcome, error) {
	s.calls++
	s.lastReq = req
	return s.outcome, s.err
}

// stubFetcher plays back a scripted enrichment response.
type stubFetcher struct {
	payment *gateway.MPPayment
	err     error
	calls   int
}

func (s *stubFetcher) FetchPayment(ctx context.Context, paymentID string) (*gateway.MPPayment, error) {
	s.calls++
	return s.payment, s.err
}

// stubProvisioner scripts account creation results, one per call.
type stubProvisioner struct {
	results []error
	userID  string
	calls   int
	lastReq AccountRequest
}

func (s *stubProvisioner) CreateAccount(ctx context.Context, req AccountRequest) (*AccountResult, error) {
	idx := s.calls
	s.calls++
	s.lastReq = req
	if idx < len(s.results) && s.results[idx] != nil {
		return nil, s.results[idx]
	}
	userID := s.userID
	if userID == "" {
		userID = "user-1"
	}
	return &AccountResult{UserID: userID}, nil
}

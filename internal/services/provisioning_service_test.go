package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gravadormedico/checkout-api/internal/models"
)

func createPaidSale(t *testing.T, db *gorm.DB, paymentID string) *models.Sale {
	t.Helper()
	sale := &models.Sale{
		CustomerName:     "Maria Silva",
		CustomerEmail:    "maria@example.com",
		AmountCents:      19790,
		Status:           models.SaleStatusPaid,
		PaymentGateway:   models.GatewayMercadoPago,
		GatewayPaymentID: paymentID,
		GatewayAttempts:  models.MarshalAttempts(nil),
	}
	require.NoError(t, db.Create(sale).Error)
	return sale
}

func enqueueSale(t *testing.T, db *gorm.DB, sale *models.Sale) *models.ProvisioningQueueItem {
	t.Helper()
	item := &models.ProvisioningQueueItem{SaleID: sale.ID}
	require.NoError(t, db.Create(item).Error)
	return item
}

func TestProvisioningSuccess(t *testing.T) {
	db := newTestDB(t)
	sale := createPaidSale(t, db, "111")
	item := enqueueSale(t, db, sale)

	provisioner := &stubProvisioner{userID: "lv-42"}
	svc := NewProvisioningService(db, provisioner, nil, zap.NewNop())

	report, err := svc.ProcessQueue(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, provisioner.calls)
	assert.Equal(t, "maria@example.com", provisioner.lastReq.Email)
	assert.NotEmpty(t, provisioner.lastReq.Password)

	var updatedSale models.Sale
	require.NoError(t, db.First(&updatedSale, "id = ?", sale.ID).Error)
	assert.Equal(t, models.SaleStatusActive, updatedSale.Status)

	var updatedItem models.ProvisioningQueueItem
	require.NoError(t, db.First(&updatedItem, "id = ?", item.ID).Error)
	assert.Equal(t, models.QueueStatusCompleted, updatedItem.Status)
	assert.NotNil(t, updatedItem.CompletedAt)

	var log models.IntegrationLog
	require.NoError(t, db.Where("sale_id = ?", sale.ID).First(&log).Error)
	assert.Equal(t, "create_user_lovable", log.Action)
	assert.Equal(t, "success", log.Status)
	assert.Equal(t, "lv-42", log.ExternalUserID)
}

func TestProvisioningFailureSchedulesRetryWithBackoff(t *testing.T) {
	db := newTestDB(t)
	sale := createPaidSale(t, db, "222")
	item := enqueueSale(t, db, sale)

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	provisioner := &stubProvisioner{results: []error{errors.New("lovable unavailable")}}
	svc := NewProvisioningService(db, provisioner, nil, zap.NewNop())
	svc.now = func() time.Time { return now }

	report, err := svc.ProcessQueue(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, sale.ID.String(), report.Errors[0].SaleID)

	var updatedItem models.ProvisioningQueueItem
	require.NoError(t, db.First(&updatedItem, "id = ?", item.ID).Error)
	assert.Equal(t, models.QueueStatusFailed, updatedItem.Status)
	assert.Equal(t, 1, updatedItem.RetryCount)
	assert.Equal(t, "lovable unavailable", updatedItem.LastError)
	require.NotNil(t, updatedItem.NextRetryAt)
	assert.Equal(t, now.Add(10*time.Minute), updatedItem.NextRetryAt.UTC())

	// The sale goes back to paid so the next tick can claim it again.
	var updatedSale models.Sale
	require.NoError(t, db.First(&updatedSale, "id = ?", sale.ID).Error)
	assert.Equal(t, models.SaleStatusPaid, updatedSale.Status)
}

func TestProvisioningBackoffGrowsPerRetry(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	sale := createPaidSale(t, db, "333")
	enqueueSale(t, db, sale)

	provisioner := &stubProvisioner{results: []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}}
	svc := NewProvisioningService(db, provisioner, nil, zap.NewNop())
	svc.now = func() time.Time { return now }

	var delays []time.Duration
	for i := 0; i < 2; i++ {
		_, err := svc.ProcessQueue(context.Background())
		require.NoError(t, err)

		var item models.ProvisioningQueueItem
		require.NoError(t, db.Where("sale_id = ?", sale.ID).First(&item).Error)
		require.NotNil(t, item.NextRetryAt)
		delays = append(delays, item.NextRetryAt.UTC().Sub(now))

		// Advance past the scheduled retry so the next pass picks it up.
		now = item.NextRetryAt.UTC().Add(time.Minute)
	}

	assert.Equal(t, 10*time.Minute, delays[0])
	assert.Equal(t, 20*time.Minute, delays[1])
	assert.Greater(t, delays[1], delays[0])
}

func TestProvisioningExhaustedRetriesAreTerminal(t *testing.T) {
	db := newTestDB(t)
	sale := createPaidSale(t, db, "444")
	item := &models.ProvisioningQueueItem{
		SaleID:     sale.ID,
		Status:     models.QueueStatusFailed,
		RetryCount: 2,
	}
	require.NoError(t, db.Create(item).Error)

	provisioner := &stubProvisioner{results: []error{errors.New("still down")}}
	svc := NewProvisioningService(db, provisioner, nil, zap.NewNop())

	report, err := svc.ProcessQueue(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	var updatedItem models.ProvisioningQueueItem
	require.NoError(t, db.First(&updatedItem, "id = ?", item.ID).Error)
	assert.Equal(t, models.QueueStatusFailed, updatedItem.Status)
	assert.Equal(t, 3, updatedItem.RetryCount)
	assert.Nil(t, updatedItem.NextRetryAt, "a permanent failure is never rescheduled")

	var updatedSale models.Sale
	require.NoError(t, db.First(&updatedSale, "id = ?", sale.ID).Error)
	assert.Equal(t, models.SaleStatusProvisioningFailed, updatedSale.Status)

	// Exhausted items are no longer eligible.
	provisioner.results = nil
	report, err = svc.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, provisioner.calls)
}

func TestProvisioningSkipsFutureRetries(t *testing.T) {
	db := newTestDB(t)
	sale := createPaidSale(t, db, "555")
	future := time.Now().UTC().Add(30 * time.Minute)
	item := &models.ProvisioningQueueItem{
		SaleID:      sale.ID,
		Status:      models.QueueStatusFailed,
		RetryCount:  1,
		NextRetryAt: &future,
	}
	require.NoError(t, db.Create(item).Error)

	provisioner := &stubProvisioner{}
	svc := NewProvisioningService(db, provisioner, nil, zap.NewNop())

	report, err := svc.ProcessQueue(context.Background())

	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Zero(t, provisioner.calls)
}

func TestProvisioningSkipsSaleNotPaid(t *testing.T) {
	db := newTestDB(t)
	sale := createPaidSale(t, db, "666")
	require.NoError(t, db.Model(sale).Update("status", models.SaleStatusActive).Error)
	item := enqueueSale(t, db, sale)

	provisioner := &stubProvisioner{}
	svc := NewProvisioningService(db, provisioner, nil, zap.NewNop())

	report, err := svc.ProcessQueue(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, provisioner.calls)

	// An already-active sale completes its stale queue entry.
	var updatedItem models.ProvisioningQueueItem
	require.NoError(t, db.First(&updatedItem, "id = ?", item.ID).Error)
	assert.Equal(t, models.QueueStatusCompleted, updatedItem.Status)
}

func TestProvisioningBatchIsOldestFirst(t *testing.T) {
	db := newTestDB(t)

	provisioner := &stubProvisioner{}
	svc := NewProvisioningService(db, provisioner, nil, zap.NewNop())
	svc.batchSize = 2

	for i := 0; i < 3; i++ {
		sale := createPaidSale(t, db, string(rune('a'+i)))
		item := enqueueSale(t, db, sale)
		// Force distinct, ordered creation times.
		created := time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, db.Model(item).Update("created_at", created).Error)
	}

	report, err := svc.ProcessQueue(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed, "the batch limit caps one pass")
	assert.Equal(t, 2, provisioner.calls)

	var remaining int64
	db.Model(&models.ProvisioningQueueItem{}).
		Where("status = ?", models.QueueStatusPending).
		Count(&remaining)
	assert.Equal(t, int64(1), remaining)
}

func TestReprocessOrderResetsExhaustedItem(t *testing.T) {
	db := newTestDB(t)
	sale := createPaidSale(t, db, "777")
	require.NoError(t, db.Model(sale).Update("status", models.SaleStatusProvisioningFailed).Error)
	item := &models.ProvisioningQueueItem{
		SaleID:     sale.ID,
		Status:     models.QueueStatusFailed,
		RetryCount: 3,
		LastError:  "still down",
	}
	require.NoError(t, db.Create(item).Error)

	provisioner := &stubProvisioner{userID: "lv-99"}
	svc := NewProvisioningService(db, provisioner, nil, zap.NewNop())

	report, err := svc.ReprocessOrder(context.Background(), sale.ID)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, provisioner.calls)

	var updatedSale models.Sale
	require.NoError(t, db.First(&updatedSale, "id = ?", sale.ID).Error)
	assert.Equal(t, models.SaleStatusActive, updatedSale.Status)

	var updatedItem models.ProvisioningQueueItem
	require.NoError(t, db.First(&updatedItem, "id = ?", item.ID).Error)
	assert.Equal(t, models.QueueStatusCompleted, updatedItem.Status)
}

func TestReprocessOrderCreatesMissingItem(t *testing.T) {
	db := newTestDB(t)
	sale := createPaidSale(t, db, "888")

	provisioner := &stubProvisioner{}
	svc := NewProvisioningService(db, provisioner, nil, zap.NewNop())

	report, err := svc.ReprocessOrder(context.Background(), sale.ID)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	var item models.ProvisioningQueueItem
	require.NoError(t, db.Where("sale_id = ?", sale.ID).First(&item).Error)
	assert.Equal(t, models.QueueStatusCompleted, item.Status)
}

func TestGeneratePassword(t *testing.T) {
	first, err := GeneratePassword()
	require.NoError(t, err)
	second, err := GeneratePassword()
	require.NoError(t, err)

	assert.Len(t, first, 16)
	assert.Len(t, second, 16)
	assert.NotEqual(t, first, second)
}

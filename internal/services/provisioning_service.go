package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/gravadormedico/checkout-api/internal/models"
)

const provisioningBatchSize = 10

// ProvisioningService drives the post-payment state machine
// (paid → provisioning → active | provisioning_failed) for queued sales. It
// has no internal timer; an external scheduler invokes ProcessQueue
// periodically, and overlapping ticks are serialized per item by the
// conditional claim update.
type ProvisioningService struct {
	db          *gorm.DB
	provisioner AccountProvisioner
	notifier    WelcomeNotifier
	logger      *zap.Logger
	tracer      trace.Tracer

	batchSize int
	now       func() time.Time
}

// NewProvisioningService creates the queue worker.
func NewProvisioningService(db *gorm.DB, provisioner AccountProvisioner, notifier WelcomeNotifier, logger *zap.Logger) *ProvisioningService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ProvisioningService{
		db:          db,
		provisioner: provisioner,
		notifier:    notifier,
		logger:      logger,
		tracer:      otel.Tracer("provisioning-worker"),
		batchSize:   provisioningBatchSize,
		now:         time.Now,
	}
}

// ProvisioningError identifies one failed queue item in a report.
type ProvisioningError struct {
	SaleID string `json:"sale_id"`
	Error  string `json:"error"`
}

// ProvisioningReport summarizes one worker pass.
type ProvisioningReport struct {
	Processed int                 `json:"processed"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	Errors    []ProvisioningError `json:"errors,omitempty"`
}

// ProcessQueue runs one worker pass: select eligible queue items oldest
// first, claim each atomically, and provision the owning sale.
func (s *ProvisioningService) ProcessQueue(ctx context.Context) (*ProvisioningReport, error) {
	ctx, span := s.tracer.Start(ctx, "process_provisioning_queue")
	defer span.End()

	report := &ProvisioningReport{}
	now := s.now().UTC()

	var items []models.ProvisioningQueueItem
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.QueueStatusPending, models.QueueStatusFailed}).
		Where("retry_count < max_retries").
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("created_at ASC").
		Limit(s.batchSize).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("select provisioning queue: %w", err)
	}
	if len(items) == 0 {
		return report, nil
	}

	for i := range items {
		item := &items[i]
		if err := s.processItem(ctx, item, report); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, ProvisioningError{
				SaleID: item.SaleID.String(),
				Error:  err.Error(),
			})
		}
	}

	span.SetAttributes(
		attribute.Int("processed", report.Processed),
		attribute.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *ProvisioningService) processItem(ctx context.Context, item *models.ProvisioningQueueItem, report *ProvisioningReport) error {
	start := s.now()

	// Atomic claim: two overlapping ticks cannot both flip the same item
	// out of pending/failed.
	if !s.claimItem(ctx, item) {
		report.Skipped++
		return nil
	}

	var sale models.Sale
	if err := s.db.WithContext(ctx).First(&sale, "id = ?", item.SaleID).Error; err != nil {
		s.failItem(ctx, item, nil, fmt.Sprintf("sale not found: %v", err), start)
		return fmt.Errorf("sale %s not found", item.SaleID)
	}

	// Second half of the claim: the owning sale must still be "paid".
	if !s.claimSale(ctx, &sale) {
		s.releaseStaleItem(ctx, item, &sale)
		report.Skipped++
		return nil
	}

	password, err := GeneratePassword()
	if err != nil {
		s.failItem(ctx, item, &sale, err.Error(), start)
		return err
	}

	result, err := s.provisioner.CreateAccount(ctx, AccountRequest{
		Email:    sale.CustomerEmail,
		Password: password,
		FullName: sale.CustomerName,
	})
	if err != nil {
		s.failItem(ctx, item, &sale, err.Error(), start)
		return err
	}

	s.logIntegration(ctx, sale.ID, "create_user_lovable", "success", sale.CustomerEmail, result.UserID, "", map[string]interface{}{
		"retry_count": item.RetryCount,
	}, s.now().Sub(start))

	if err := s.notifier.SendWelcome(ctx, sale.CustomerEmail, sale.CustomerName, password); err != nil {
		// Welcome delivery is best effort; the account exists either way.
		s.logger.Warn("Welcome notification failed",
			zap.String("sale_id", sale.ID.String()), zap.Error(err))
	}

	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.Sale{}).
		Where("id = ?", sale.ID).
		Update("status", models.SaleStatusActive).Error; err != nil {
		return fmt.Errorf("activate sale %s: %w", sale.ID, err)
	}
	if err := s.db.WithContext(ctx).Model(&models.ProvisioningQueueItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"status":       models.QueueStatusCompleted,
			"completed_at": now,
		}).Error; err != nil {
		return fmt.Errorf("complete queue item %s: %w", item.ID, err)
	}

	s.logger.Info("Sale provisioned",
		zap.String("sale_id", sale.ID.String()),
		zap.String("external_user_id", result.UserID))
	report.Processed++
	return nil
}

// claimItem flips the queue item to processing only if it is still in an
// eligible state. Raw conditional update so the check-and-set is a single
// statement.
func (s *ProvisioningService) claimItem(ctx context.Context, item *models.ProvisioningQueueItem) bool {
	res := s.db.WithContext(ctx).Exec(
		"UPDATE provisioning_queue SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)",
		models.QueueStatusProcessing, s.now().UTC(), item.ID,
		models.QueueStatusPending, models.QueueStatusFailed,
	)
	if res.Error != nil {
		s.logger.Error("Queue item claim failed", zap.String("item_id", item.ID.String()), zap.Error(res.Error))
		return false
	}
	if res.RowsAffected == 0 {
		return false
	}
	item.Status = models.QueueStatusProcessing
	return true
}

// claimSale moves the owning sale paid → provisioning conditionally.
func (s *ProvisioningService) claimSale(ctx context.Context, sale *models.Sale) bool {
	res := s.db.WithContext(ctx).Exec(
		"UPDATE sales SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		models.SaleStatusProvisioning, s.now().UTC(), sale.ID, models.SaleStatusPaid,
	)
	if res.Error != nil {
		s.logger.Error("Sale claim failed", zap.String("sale_id", sale.ID.String()), zap.Error(res.Error))
		return false
	}
	if res.RowsAffected == 0 {
		return false
	}
	sale.Status = models.SaleStatusProvisioning
	return true
}

// releaseStaleItem resolves a queue entry whose sale is no longer "paid":
// an already-active sale completes the item, anything else returns it to
// pending for a later look.
func (s *ProvisioningService) releaseStaleItem(ctx context.Context, item *models.ProvisioningQueueItem, sale *models.Sale) {
	var current models.Sale
	if err := s.db.WithContext(ctx).First(&current, "id = ?", sale.ID).Error; err == nil {
		sale = &current
	}

	updates := map[string]interface{}{"status": models.QueueStatusPending}
	if sale.Status == models.SaleStatusActive {
		updates["status"] = models.QueueStatusCompleted
		updates["completed_at"] = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Model(&models.ProvisioningQueueItem{}).
		Where("id = ?", item.ID).Updates(updates).Error; err != nil {
		s.logger.Error("Failed to release stale queue item",
			zap.String("item_id", item.ID.String()), zap.Error(err))
	}
	s.logger.Info("Skipped queue item for non-paid sale",
		zap.String("sale_id", sale.ID.String()),
		zap.String("sale_status", sale.Status))
}

// failItem records a provisioning failure: exponential backoff while
// retries remain, terminal provisioning_failed once exhausted.
func (s *ProvisioningService) failItem(ctx context.Context, item *models.ProvisioningQueueItem, sale *models.Sale, errMsg string, start time.Time) {
	newRetryCount := item.RetryCount + 1
	maxRetries := item.MaxRetries
	if maxRetries == 0 {
		maxRetries = models.DefaultMaxRetries
	}
	duration := s.now().Sub(start)

	if newRetryCount >= maxRetries {
		s.logger.Error("Provisioning retries exhausted, marking permanent failure",
			zap.String("item_id", item.ID.String()),
			zap.String("error", errMsg),
			zap.Int("retry_count", newRetryCount))

		if sale != nil {
			if err := s.db.WithContext(ctx).Model(&models.Sale{}).
				Where("id = ?", sale.ID).
				Update("status", models.SaleStatusProvisioningFailed).Error; err != nil {
				s.logger.Error("Failed to mark sale provisioning_failed",
					zap.String("sale_id", sale.ID.String()), zap.Error(err))
			}
		}
		if err := s.db.WithContext(ctx).Model(&models.ProvisioningQueueItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"status":        models.QueueStatusFailed,
				"retry_count":   newRetryCount,
				"last_error":    errMsg,
				"next_retry_at": nil,
			}).Error; err != nil {
			s.logger.Error("Failed to mark queue item failed",
				zap.String("item_id", item.ID.String()), zap.Error(err))
		}

		s.logIntegration(ctx, item.SaleID, "create_user_lovable", "error", recipientEmail(sale), "", errMsg, map[string]interface{}{
			"retry_count":       newRetryCount,
			"max_retries":       maxRetries,
			"permanent_failure": true,
		}, duration)
		return
	}

	// Backoff schedule: 5 * 2^n minutes (10, 20, 40, ...).
	delay := time.Duration(5*(1<<newRetryCount)) * time.Minute
	nextRetryAt := s.now().UTC().Add(delay)

	s.logger.Warn("Provisioning failed, scheduling retry",
		zap.String("item_id", item.ID.String()),
		zap.String("error", errMsg),
		zap.Int("retry_count", newRetryCount),
		zap.Time("next_retry_at", nextRetryAt))

	if err := s.db.WithContext(ctx).Model(&models.ProvisioningQueueItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"status":        models.QueueStatusFailed,
			"retry_count":   newRetryCount,
			"last_error":    errMsg,
			"next_retry_at": nextRetryAt,
		}).Error; err != nil {
		s.logger.Error("Failed to schedule queue item retry",
			zap.String("item_id", item.ID.String()), zap.Error(err))
	}

	// Return the sale to paid so the next tick can pick it up again.
	if sale != nil {
		if err := s.db.WithContext(ctx).Model(&models.Sale{}).
			Where("id = ? AND status = ?", sale.ID, models.SaleStatusProvisioning).
			Update("status", models.SaleStatusPaid).Error; err != nil {
			s.logger.Error("Failed to revert sale to paid",
				zap.String("sale_id", sale.ID.String()), zap.Error(err))
		}
	}

	s.logIntegration(ctx, item.SaleID, "create_user_lovable", "error", recipientEmail(sale), "", errMsg, map[string]interface{}{
		"retry_count":   newRetryCount,
		"max_retries":   maxRetries,
		"next_retry_at": nextRetryAt,
		"will_retry":    true,
	}, duration)
}

// ReprocessOrder is the manual operator path: reset (or create) the queue
// item for a sale and run one worker pass immediately. The retry counter is
// reset so an item that already exhausted its retries becomes eligible again
// after the operator fixed the external cause.
func (s *ProvisioningService) ReprocessOrder(ctx context.Context, saleID uuid.UUID) (*ProvisioningReport, error) {
	var item models.ProvisioningQueueItem
	err := s.db.WithContext(ctx).Where("sale_id = ?", saleID).First(&item).Error
	switch {
	case err == nil:
		if err := s.db.WithContext(ctx).Model(&models.ProvisioningQueueItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"status":        models.QueueStatusPending,
				"retry_count":   0,
				"next_retry_at": nil,
			}).Error; err != nil {
			return nil, fmt.Errorf("reset queue item: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		item = models.ProvisioningQueueItem{SaleID: saleID}
		if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
			return nil, fmt.Errorf("create queue item: %w", err)
		}
	default:
		return nil, fmt.Errorf("lookup queue item: %w", err)
	}

	// A sale stuck in provisioning_failed goes back to paid so the worker
	// will claim it again.
	if err := s.db.WithContext(ctx).Model(&models.Sale{}).
		Where("id = ? AND status = ?", saleID, models.SaleStatusProvisioningFailed).
		Update("status", models.SaleStatusPaid).Error; err != nil {
		return nil, fmt.Errorf("reset sale status: %w", err)
	}

	return s.ProcessQueue(ctx)
}

func (s *ProvisioningService) logIntegration(ctx context.Context, saleID uuid.UUID, action, status, email, externalUserID, errMsg string, details map[string]interface{}, duration time.Duration) {
	var detailsJSON datatypes.JSON
	if data, err := json.Marshal(details); err == nil {
		detailsJSON = datatypes.JSON(data)
	}
	entry := &models.IntegrationLog{
		SaleID:         saleID,
		Action:         action,
		Status:         status,
		RecipientEmail: email,
		ExternalUserID: externalUserID,
		ErrorMessage:   errMsg,
		Details:        detailsJSON,
		DurationMs:     duration.Milliseconds(),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Error("Failed to write integration log",
			zap.String("sale_id", saleID.String()), zap.Error(err))
	}
}

func recipientEmail(sale *models.Sale) string {
	if sale == nil {
		return ""
	}
	return sale.CustomerEmail
}

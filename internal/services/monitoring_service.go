package services

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gravadormedico/checkout-api/internal/models"
)

// MonitoringService derives operational health and metrics from the durable
// state: sales, the provisioning queue and the webhook log. It keeps no
// counters of its own, so a restart loses nothing.
type MonitoringService struct {
	db        *gorm.DB
	startedAt time.Time
}

// NewMonitoringService creates the monitoring service.
func NewMonitoringService(db *gorm.DB) *MonitoringService {
	return &MonitoringService{db: db, startedAt: time.Now()}
}

// ComponentStatus is the health verdict for one subsystem.
type ComponentStatus struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HandleDetailedHealth reports per-component health: database reachability,
// provisioning queue backlog and webhook processing backlog.
func (m *MonitoringService) HandleDetailedHealth(c *gin.Context) {
	components := map[string]ComponentStatus{
		"database":           m.checkDatabase(),
		"provisioning_queue": m.checkProvisioningQueue(),
		"webhook_processing": m.checkWebhookBacklog(),
	}

	overall := "healthy"
	for _, component := range components {
		switch component.Status {
		case "critical":
			overall = "critical"
		case "degraded":
			if overall == "healthy" {
				overall = "degraded"
			}
		}
	}

	statusCode := http.StatusOK
	if overall == "critical" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":     overall,
		"uptime":     time.Since(m.startedAt).String(),
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

// HandleMetrics exposes sales, cascade and queue counters for scraping.
func (m *MonitoringService) HandleMetrics(c *gin.Context) {
	var salesByStatus []struct {
		Status string
		Count  int64
	}
	m.db.Model(&models.Sale{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&salesByStatus)

	statusCounts := make(map[string]int64, len(salesByStatus))
	for _, row := range salesByStatus {
		statusCounts[row.Status] = row.Count
	}

	var totalSales, fallbackRescues, exhaustedCascades int64
	m.db.Model(&models.Sale{}).Count(&totalSales)
	m.db.Model(&models.Sale{}).Where("fallback_used = ?", true).Count(&fallbackRescues)
	m.db.Model(&models.PaymentAttemptAudit{}).Count(&exhaustedCascades)

	var queuePending, queueFailed int64
	m.db.Model(&models.ProvisioningQueueItem{}).
		Where("status = ?", models.QueueStatusPending).Count(&queuePending)
	m.db.Model(&models.ProvisioningQueueItem{}).
		Where("status = ? AND retry_count >= max_retries", models.QueueStatusFailed).Count(&queueFailed)

	var webhooksTotal, webhooksUnprocessed int64
	m.db.Model(&models.WebhookLogEntry{}).Count(&webhooksTotal)
	m.db.Model(&models.WebhookLogEntry{}).Where("processed = ?", false).Count(&webhooksUnprocessed)

	c.JSON(http.StatusOK, gin.H{
		"sales": gin.H{
			"total":              totalSales,
			"by_status":          statusCounts,
			"fallback_rescues":   fallbackRescues,
			"exhausted_cascades": exhaustedCascades,
		},
		"provisioning_queue": gin.H{
			"pending":            queuePending,
			"permanently_failed": queueFailed,
		},
		"webhooks": gin.H{
			"total":       webhooksTotal,
			"unprocessed": webhooksUnprocessed,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (m *MonitoringService) checkDatabase() ComponentStatus {
	sqlDB, err := m.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		return ComponentStatus{
			Status:  "critical",
			Message: fmt.Sprintf("database unreachable: %v", err),
		}
	}
	return ComponentStatus{Status: "healthy", Message: "database reachable"}
}

func (m *MonitoringService) checkProvisioningQueue() ComponentStatus {
	var stuck int64
	if err := m.db.Model(&models.ProvisioningQueueItem{}).
		Where("status = ? AND retry_count >= max_retries", models.QueueStatusFailed).
		Count(&stuck).Error; err != nil {
		return ComponentStatus{Status: "degraded", Message: fmt.Sprintf("queue check failed: %v", err)}
	}
	if stuck > 0 {
		return ComponentStatus{
			Status:  "degraded",
			Message: fmt.Sprintf("%d sales need manual reprocessing", stuck),
			Details: map[string]interface{}{"permanently_failed": stuck},
		}
	}
	return ComponentStatus{Status: "healthy", Message: "provisioning queue draining normally"}
}

func (m *MonitoringService) checkWebhookBacklog() ComponentStatus {
	var unprocessed int64
	if err := m.db.Model(&models.WebhookLogEntry{}).
		Where("processed = ? AND created_at < ?", false, time.Now().UTC().Add(-time.Hour)).
		Count(&unprocessed).Error; err != nil {
		return ComponentStatus{Status: "degraded", Message: fmt.Sprintf("backlog check failed: %v", err)}
	}
	if unprocessed > 0 {
		return ComponentStatus{
			Status:  "degraded",
			Message: fmt.Sprintf("%d webhooks older than an hour remain unprocessed", unprocessed),
			Details: map[string]interface{}{"unprocessed": unprocessed},
		}
	}
	return ComponentStatus{Status: "healthy", Message: "no stale webhook backlog"}
}

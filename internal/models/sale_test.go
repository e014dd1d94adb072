package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarshalAttempts(t *testing.T) {
	attempts := []GatewayAttempt{
		{Gateway: GatewayMercadoPago, Success: false, StatusDetail: "cc_rejected_high_risk", AttemptedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		{Gateway: GatewayAppmax, Success: true, Status: "aprovado", AttemptedAt: time.Date(2025, 3, 1, 12, 0, 2, 0, time.UTC)},
	}

	data := string(MarshalAttempts(attempts))
	assert.Contains(t, data, `"gateway":"mercadopago"`)
	assert.Contains(t, data, `"status_detail":"cc_rejected_high_risk"`)
	assert.Contains(t, data, `"gateway":"appmax"`)
}

func TestMarshalAttemptsNilIsEmptyArray(t *testing.T) {
	assert.Equal(t, "[]", string(MarshalAttempts(nil)))
	assert.Equal(t, "[]", string(MarshalAttempts([]GatewayAttempt{})))
}

package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected Classification
	}{
		{"high risk is retryable", "cc_rejected_high_risk", RetryAlternate},
		{"blacklist is retryable", "cc_rejected_blacklist", RetryAlternate},
		{"other reason is retryable", "cc_rejected_other_reason", RetryAlternate},
		{"call for authorize is retryable", "cc_rejected_call_for_authorize", RetryAlternate},
		{"duplicated payment is retryable", "cc_rejected_duplicated_payment", RetryAlternate},
		{"max attempts is retryable", "cc_rejected_max_attempts", RetryAlternate},
		{"bad card number is terminal", "cc_rejected_bad_filled_card_number", TerminalClientError},
		{"bad security code is terminal", "cc_rejected_bad_filled_security_code", TerminalClientError},
		{"bad date is terminal", "cc_rejected_bad_filled_date", TerminalClientError},
		{"bad filled other is terminal", "cc_rejected_bad_filled_other", TerminalClientError},
		{"invalid installments is terminal", "cc_rejected_invalid_installments", TerminalClientError},
		{"unrecognized code is unknown", "cc_rejected_some_new_code", Unknown},
		{"empty code is unknown", "", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.code))
		})
	}
}

func TestClassificationString(t *testing.T) {
	assert.Equal(t, "retry_alternate", RetryAlternate.String())
	assert.Equal(t, "terminal_client_error", TerminalClientError.String())
	assert.Equal(t, "unknown", Unknown.String())
}

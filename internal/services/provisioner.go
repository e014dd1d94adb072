package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gravadormedico/checkout-api/internal/config"
)

// AccountRequest describes the external account to create for a paid sale.
type AccountRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// AccountResult is the normalized provisioning outcome.
type AccountResult struct {
	UserID string `json:"user_id"`
}

// AccountProvisioner creates the customer's access to the purchased
// product. Implementations must be idempotent with respect to the customer
// email: creating an account that already exists is a success.
type AccountProvisioner interface {
	CreateAccount(ctx context.Context, req AccountRequest) (*AccountResult, error)
}

// WelcomeNotifier delivers the post-provisioning welcome message. The
// production sender is not wired yet; NopNotifier stands in.
type WelcomeNotifier interface {
	SendWelcome(ctx context.Context, email, name, password string) error
}

// NopNotifier satisfies WelcomeNotifier without sending anything.
type NopNotifier struct{}

func (NopNotifier) SendWelcome(ctx context.Context, email, name, password string) error { return nil }

// LovableClient provisions user accounts on the Lovable platform.
type LovableClient struct {
	cfg        config.LovableConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewLovableClient creates the Lovable provisioning client.
func NewLovableClient(cfg config.LovableConfig, logger *zap.Logger) *LovableClient {
	return &LovableClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

type lovableUserResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	User    struct {
		ID string `json:"id"`
	} `json:"user"`
}

// CreateAccount creates (or re-confirms) the user keyed by email.
func (l *LovableClient) CreateAccount(ctx context.Context, req AccountRequest) (*AccountResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("lovable: marshal user payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/api/users", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("lovable: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)

	resp, err := l.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("lovable: user creation request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lovable: read response: %w", err)
	}

	var result lovableUserResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("lovable: decode response: %w", err)
	}

	// An existing account for the same email is a success: provisioning is
	// retried and double-delivery must not fail the queue item.
	if resp.StatusCode == http.StatusConflict {
		return &AccountResult{UserID: result.User.ID}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !result.Success {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return nil, fmt.Errorf("lovable: user creation failed: %s", msg)
	}

	return &AccountResult{UserID: result.User.ID}, nil
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%"

// GeneratePassword returns a random initial password for a provisioned
// account.
func GeneratePassword() (string, error) {
	const length = 16
	out := make([]byte, length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}

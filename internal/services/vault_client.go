package services

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/gravadormedico/checkout-api/internal/config"
)

// VaultClient loads gateway credentials from HashiCorp Vault so production
// tokens never live in config files. When Vault is not configured the
// config-file values stand.
type VaultClient struct {
	client *api.Client
	logger *zap.Logger
}

// NewVaultClient creates a Vault client for the given address and token.
func NewVaultClient(baseURL, token string, logger *zap.Logger) (*VaultClient, error) {
	cfg := &api.Config{
		Address: baseURL,
		HttpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultClient{client: client, logger: logger}, nil
}

// getSecret reads one logical secret path.
func (v *VaultClient) getSecret(path string) (map[string]interface{}, error) {
	secret, err := v.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret data found at %s", path)
	}
	return secret.Data, nil
}

// LoadGatewaySecrets overlays gateway and provisioning credentials from
// Vault onto cfg. Missing paths are logged and skipped, not fatal.
func (v *VaultClient) LoadGatewaySecrets(serviceName string, cfg *config.Config) {
	if data, err := v.getSecret(fmt.Sprintf("gravadormedico/%s/mercadopago", serviceName)); err == nil {
		if token, ok := data["access_token"].(string); ok && token != "" {
			cfg.MercadoPago.AccessToken = token
		}
	} else {
		v.logger.Warn("Failed to load Mercado Pago secrets from Vault", zap.Error(err))
	}

	if data, err := v.getSecret(fmt.Sprintf("gravadormedico/%s/appmax", serviceName)); err == nil {
		if token, ok := data["token"].(string); ok && token != "" {
			cfg.Appmax.Token = token
		}
	} else {
		v.logger.Warn("Failed to load Appmax secrets from Vault", zap.Error(err))
	}

	if data, err := v.getSecret(fmt.Sprintf("gravadormedico/%s/lovable", serviceName)); err == nil {
		if key, ok := data["api_key"].(string); ok && key != "" {
			cfg.Lovable.APIKey = key
		}
	} else {
		v.logger.Warn("Failed to load Lovable secrets from Vault", zap.Error(err))
	}

	if data, err := v.getSecret(fmt.Sprintf("gravadormedico/%s/cron", serviceName)); err == nil {
		if secret, ok := data["secret"].(string); ok && secret != "" {
			cfg.Cron.Secret = secret
		}
	} else {
		v.logger.Warn("Failed to load cron secret from Vault", zap.Error(err))
	}
}

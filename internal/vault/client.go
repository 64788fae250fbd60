package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"trading-worker/config"
)

// BrokerCredentials is the secret material stored per broker kind
type BrokerCredentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	AccountID string `json:"account_id"`
}

// Client wraps the HashiCorp Vault client for broker credential lookup.
// With Vault disabled it degrades to an in-memory store so development
// setups can seed credentials from the environment.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*BrokerCredentials // broker kind -> credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*BrokerCredentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.client = client
	return c, nil
}

// StoreCredentials writes broker credentials, keyed by broker kind
func (c *Client) StoreCredentials(ctx context.Context, brokerKind string, creds BrokerCredentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[brokerKind] = &creds
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"username":   creds.Username,
			"password":   creds.Password,
			"account_id": creds.AccountID,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(brokerKind), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[brokerKind] = &creds
	c.mu.Unlock()
	return nil
}

// GetCredentials returns the credentials for a broker kind
func (c *Client) GetCredentials(ctx context.Context, brokerKind string) (*BrokerCredentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[brokerKind]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials for %s not found and vault is disabled", brokerKind)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(brokerKind))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials in vault for %s", brokerKind)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected vault secret shape for %s", brokerKind)
	}

	creds := &BrokerCredentials{
		APIKey:    stringField(data, "api_key"),
		SecretKey: stringField(data, "secret_key"),
		Username:  stringField(data, "username"),
		Password:  stringField(data, "password"),
		AccountID: stringField(data, "account_id"),
	}

	c.mu.Lock()
	c.cache[brokerKind] = creds
	c.mu.Unlock()
	return creds, nil
}

// InvalidateCache drops cached credentials for a broker kind
func (c *Client) InvalidateCache(brokerKind string) {
	c.mu.Lock()
	delete(c.cache, brokerKind)
	c.mu.Unlock()
}

func (c *Client) secretPath(brokerKind string) string {
	mount := c.config.MountPath
	if mount == "" {
		mount = "secret"
	}
	prefix := c.config.SecretPath
	if prefix == "" {
		prefix = "brokers"
	}
	return fmt.Sprintf("%s/data/%s/%s", mount, prefix, brokerKind)
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

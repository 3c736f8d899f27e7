package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var (
	ErrProviderUnavailable = errors.New("secrets provider unavailable")
	ErrNotFound            = errors.New("secret not found")
)

type Provider interface {
	GetSecret(ctx context.Context, key string) (value string, err error)
}

// Adapter resolves secrets from a primary store (Vault KV or AWS Secrets
// Manager) and falls back to the process environment.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("SECRETS_REQUIRE_PRIMARY")) == "true"
	var primary Provider
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil {
		if awsRegion := os.Getenv("AWS_REGION"); awsRegion != "" {
			if ap, err := newAWSProvider(ctx); err == nil {
				primary = ap
			}
		}
	}
	if requirePrimary && primary == nil {
		return nil, fmt.Errorf("SECRETS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS Secrets Manager)")
	}
	a := &Adapter{
		primary:        primary,
		failClosed:     os.Getenv("SECRETS_FAIL_CLOSED") == "true",
		requirePrimary: requirePrimary,
	}
	if !requirePrimary {
		a.fallback = envProvider{}
	}
	return a, nil
}

// NewAdapterWithProviders builds an adapter from explicit providers. Either
// may be nil.
func NewAdapterWithProviders(primary, fallback Provider, failClosed bool) *Adapter {
	return &Adapter{primary: primary, fallback: fallback, failClosed: failClosed}
}

// HasPrimary reports whether a remote secret store is configured.
func (a *Adapter) HasPrimary() bool {
	return a.primary != nil
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if err == nil {
			err = ErrNotFound
		}
		if a.requirePrimary {
			return "", fmt.Errorf("primary GetSecret failed (SECRETS_REQUIRE_PRIMARY=true): %w", err)
		}
		if a.failClosed {
			return "", fmt.Errorf("get secret failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/slugbin"),
	}, nil
}

// GetSecret reads a KV v2 entry at <secretPath>/<key> and returns its "value"
// field.
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	path := fmt.Sprintf("%s/%s", v.secretPath, key)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	smClient *secretsmanager.Client
	prefix   string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(os.Getenv("AWS_REGION")),
	)
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		smClient: secretsmanager.NewFromConfig(cfg),
		prefix:   getEnvOrDefault("AWS_SECRET_PREFIX", "slugbin/"),
	}, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type envProvider struct{}

func (envProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, exists := os.LookupEnv(key)
	if !exists || val == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

package config

import (
	"errors"
	"os"
	"time"

	"github.com/zalando/go-keyring"
)

// KeyringService is the system keyring service name secrets are stored under
const KeyringService = "kartoza-pgql"

// Secret names accepted by StoreSecret and the keyring lookups
const (
	SecretHasuraAdmin  = "hasura_admin_secret"
	SecretLLMAPIKey    = "llm_api_key"
	SecretDashboardKey = "dashboard_api_key"
	SecretAppKey       = "app_api_key"
	SecretStoreDSN     = "store_dsn"
)

// secretEnv maps a secret name to the environment variable that overrides it
var secretEnv = map[string]string{
	SecretHasuraAdmin:  "PROMPTQL_HASURA_ADMIN_SECRET",
	SecretLLMAPIKey:    "LLM_API_KEY",
	SecretDashboardKey: "DASHBOARD_API_KEY",
	SecretAppKey:       "PGQL_APP_API_KEY",
	SecretStoreDSN:     "PGQL_STORE_DSN",
}

// keyringTimeout bounds keyring calls; headless hosts can block on dbus
var keyringTimeout = 2 * time.Second

// ErrUnknownSecret is returned for secret names outside the known set
var ErrUnknownSecret = errors.New("unknown secret name")

// ResolveSecrets fills secrets with precedence env, then keyring, then file
func (c *Config) ResolveSecrets() {
	c.Gateway.AdminSecret = resolveSecret(SecretHasuraAdmin, c.Gateway.AdminSecret)
	c.LLM.APIKey = resolveSecret(SecretLLMAPIKey, c.LLM.APIKey)
	c.Server.DashboardAPIKey = resolveSecret(SecretDashboardKey, c.Server.DashboardAPIKey)
	c.Server.AppAPIKey = resolveSecret(SecretAppKey, c.Server.AppAPIKey)
	c.Store.DSN = resolveSecret(SecretStoreDSN, c.Store.DSN)
}

func resolveSecret(name, fileValue string) string {
	if v := os.Getenv(secretEnv[name]); v != "" {
		return v
	}
	if v, err := keyringGet(name); err == nil && v != "" {
		return v
	}
	return fileValue
}

// SecretNames lists the names StoreSecret accepts
func SecretNames() []string {
	return []string{SecretHasuraAdmin, SecretLLMAPIKey, SecretDashboardKey, SecretAppKey, SecretStoreDSN}
}

// StoreSecret saves a secret in the system keyring
func StoreSecret(name, value string) error {
	if _, ok := secretEnv[name]; !ok {
		return ErrUnknownSecret
	}
	return keyring.Set(KeyringService, name, value)
}

// DeleteSecret removes a secret from the system keyring
func DeleteSecret(name string) error {
	if _, ok := secretEnv[name]; !ok {
		return ErrUnknownSecret
	}
	err := keyring.Delete(KeyringService, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

func keyringGet(name string) (string, error) {
	type result struct {
		value string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := keyring.Get(KeyringService, name)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-time.After(keyringTimeout):
		return "", errors.New("keyring timeout")
	}
}

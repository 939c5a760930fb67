// Package secrets resolves channel provider credentials (SMTP auth, SMS
// API keys, push certificates, per-channel webhook HMAC secrets) from a
// backing store at startup, keeping them out of internal/config's YAML.
//
// Adapted from kolajAi/internal/security's HashiCorpVaultAdapter /
// LocalVaultAdapter pair: same Store interface, renamed to the domain
// this module actually has (credential resolution, not session token
// storage) and trimmed of the unused Rotate-as-versioning stub.
package secrets

import (
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// Store resolves and persists opaque secret values by key.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// VaultStore resolves secrets from HashiCorp Vault's KV v2 engine.
type VaultStore struct {
	client *vaultapi.Client
	mount  string
}

// NewVaultStore dials Vault at address, authenticating with token.
func NewVaultStore(address, token, mount string) (*VaultStore, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = address

	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: create vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultStore{client: client, mount: mount}, nil
}

func (v *VaultStore) Get(key string) ([]byte, error) {
	secret, err := v.client.Logical().Read(fmt.Sprintf("%s/data/%s", v.mount, key))
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", key, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secrets: key not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secrets: malformed vault response for %s", key)
	}
	switch v := data["value"].(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("secrets: unexpected value type for %s", key)
	}
}

func (v *VaultStore) Set(key string, value []byte) error {
	payload := map[string]interface{}{"data": map[string]interface{}{"value": string(value)}}
	_, err := v.client.Logical().Write(fmt.Sprintf("%s/data/%s", v.mount, key), payload)
	if err != nil {
		return fmt.Errorf("secrets: write %s: %w", key, err)
	}
	return nil
}

func (v *VaultStore) Delete(key string) error {
	_, err := v.client.Logical().Delete(fmt.Sprintf("%s/data/%s", v.mount, key))
	if err != nil {
		return fmt.Errorf("secrets: delete %s: %w", key, err)
	}
	return nil
}

// MemStore is an in-process Store for local development and tests.
type MemStore struct {
	values map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string][]byte)}
}

func (m *MemStore) Get(key string) ([]byte, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("secrets: key not found: %s", key)
	}
	return v, nil
}

func (m *MemStore) Set(key string, value []byte) error {
	m.values[key] = value
	return nil
}

func (m *MemStore) Delete(key string) error {
	delete(m.values, key)
	return nil
}

// Package secrets resolves "vault:<path>#<key>" configuration references
// against a HashiCorp Vault KV v2 mount.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"

	"tw_autotrade/config"
)

// ErrNotFound is returned when the path or key does not exist.
var ErrNotFound = errors.New("secrets: not found")

// VaultResolver reads KV v2 secrets. Each path is read once per process.
type VaultResolver struct {
	client *api.Client
	mount  string
	mu     sync.Mutex
	cache  map[string]map[string]any
}

// NewVaultResolver returns nil when no Vault address is configured.
func NewVaultResolver(cfg config.VaultConfig) (*VaultResolver, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Addr

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	return &VaultResolver{client: client, mount: mount, cache: make(map[string]map[string]any)}, nil
}

// Resolve looks up ref, written as "<path>#<key>".
func (r *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	path, key, ok := strings.Cut(ref, "#")
	if !ok || path == "" || key == "" {
		return "", fmt.Errorf("invalid secret reference %q, want <path>#<key>", ref)
	}
	data, err := r.read(ctx, strings.Trim(path, "/"))
	if err != nil {
		return "", err
	}
	v, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%s#%s: %w", path, key, ErrNotFound)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s#%s: value is %T, not a string", path, key, v)
	}
	return s, nil
}

func (r *VaultResolver) read(ctx context.Context, path string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.cache[path]; ok {
		return data, nil
	}

	secret, err := r.client.Logical().ReadWithContext(ctx, r.mount+"/data/"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from vault: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: invalid secret format", path)
	}
	r.cache[path] = data
	return data, nil
}

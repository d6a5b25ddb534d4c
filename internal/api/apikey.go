package api

import (
	"golang.org/x/crypto/bcrypt"
)

// APIKeyValidator authenticates the bearer token on the tenant API-key
// boundary (spec.md §6). *BcryptAPIKeyStore satisfies this; nil is valid
// and means the boundary is unconfigured and every tenant passes, which
// keeps existing test fixtures and single-tenant deployments unaffected.
type APIKeyValidator interface {
	Validate(tenantID, presentedKey string) bool
}

// BcryptAPIKeyStore validates a tenant-presented bearer token against a
// bcrypt hash configured for that tenant. Hashes are provisioned out of
// band (config or an operator tool) and never reversed; only the bcrypt
// comparison runs on the request path.
type BcryptAPIKeyStore struct {
	hashes map[string][]byte
}

// NewBcryptAPIKeyStore builds a store from tenant -> bcrypt hash. Entries
// whose hash doesn't parse as bcrypt are dropped rather than panicking,
// so a single malformed config entry can't take the whole boundary down.
func NewBcryptAPIKeyStore(tenantHashes map[string]string) *BcryptAPIKeyStore {
	hashes := make(map[string][]byte, len(tenantHashes))
	for tenant, hash := range tenantHashes {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			continue
		}
		hashes[tenant] = []byte(hash)
	}
	return &BcryptAPIKeyStore{hashes: hashes}
}

// Validate reports whether presentedKey matches the bcrypt hash on file
// for tenantID. A tenant with no configured hash always fails closed.
func (s *BcryptAPIKeyStore) Validate(tenantID, presentedKey string) bool {
	if s == nil {
		return true
	}
	hash, ok := s.hashes[tenantID]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(presentedKey)) == nil
}

// HashAPIKey bcrypt-hashes a plaintext tenant API key at the configured
// cost, for provisioning tools that populate SecurityConfig.TenantAPIKeyHashes
// rather than for anything on the request path.
func HashAPIKey(plaintext string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

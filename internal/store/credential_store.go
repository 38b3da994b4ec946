/**
 * @description
 * This file implements the per-tenant gateway credential store. Credentials
 * are owned by the tenant-management backend; this store keeps a short-lived,
 * read-only copy per tenant so that a burst of payment traffic does not hammer
 * the backend. Entries expire by TTL — there is no cross-instance
 * invalidation, so the TTL is the consistency bound after a tenant rotates a
 * key or toggles a gateway.
 *
 * @notes
 * - Concurrent misses for the same tenant may both fetch. That is benign:
 *   writes replace the tenant's whole credential set atomically, so both
 *   fetches converge on the same authoritative data.
 * - A credential for a disabled provider is never returned.
 */
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bibek1414/nepdora-payment-service/internal/domain"
	"github.com/bibek1414/nepdora-payment-service/pkg/tenantclient"
)

var (
	// ErrMissingTenant means a payment operation was attempted without
	// tenant context; gateway credentials are always tenant-scoped.
	ErrMissingTenant = errors.New("tenant context is required")

	// ErrGatewayNotEnabled means the tenant has not configured or has
	// disabled the requested provider.
	ErrGatewayNotEnabled = errors.New("payment gateway is not enabled for this store")
)

// CredentialStore resolves a tenant's credential for one provider.
type CredentialStore interface {
	GetCredential(ctx context.Context, tenant domain.TenantContext, method domain.PaymentMethod) (*domain.GatewayCredential, error)
}

// ConfigFetcher is the slice of the tenant backend client this store needs.
type ConfigFetcher interface {
	FetchGatewayConfigs(ctx context.Context, subdomain string) ([]tenantclient.GatewayConfig, error)
}

type credentialEntry struct {
	credentials []domain.GatewayCredential
	fetchedAt   time.Time
}

// CachedCredentialStore is a process-wide, mutex-guarded TTL cache over the
// tenant backend's gateway-config endpoint. The clock is injected so tests
// can drive expiry without sleeping.
type CachedCredentialStore struct {
	fetcher ConfigFetcher
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]credentialEntry
}

// NewCachedCredentialStore creates a credential store with the given TTL.
func NewCachedCredentialStore(fetcher ConfigFetcher, ttl time.Duration) *CachedCredentialStore {
	return &CachedCredentialStore{
		fetcher: fetcher,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]credentialEntry),
	}
}

// WithClock substitutes the time source; used by tests.
func (s *CachedCredentialStore) WithClock(now func() time.Time) *CachedCredentialStore {
	s.now = now
	return s
}

// GetCredential returns the tenant's enabled credential for the requested
// provider, fetching the tenant's credential set from the backend when the
// cache is cold or stale.
func (s *CachedCredentialStore) GetCredential(ctx context.Context, tenant domain.TenantContext, method domain.PaymentMethod) (*domain.GatewayCredential, error) {
	if !tenant.HasTenant() {
		return nil, ErrMissingTenant
	}

	s.mu.Lock()
	entry, ok := s.entries[tenant.Subdomain]
	fresh := ok && s.now().Sub(entry.fetchedAt) < s.ttl
	s.mu.Unlock()

	if !fresh {
		configs, err := s.fetcher.FetchGatewayConfigs(ctx, tenant.Subdomain)
		if err != nil {
			return nil, err
		}
		entry = credentialEntry{
			credentials: toCredentials(configs),
			fetchedAt:   s.now(),
		}
		s.mu.Lock()
		s.entries[tenant.Subdomain] = entry
		s.mu.Unlock()
	}

	for _, cred := range entry.credentials {
		if cred.Provider == method && cred.Enabled {
			c := cred
			return &c, nil
		}
	}
	return nil, ErrGatewayNotEnabled
}

func toCredentials(configs []tenantclient.GatewayConfig) []domain.GatewayCredential {
	creds := make([]domain.GatewayCredential, 0, len(configs))
	for _, cfg := range configs {
		merchantCode := ""
		if cfg.MerchantCode != nil {
			merchantCode = *cfg.MerchantCode
		}
		creds = append(creds, domain.GatewayCredential{
			Provider:     domain.PaymentMethod(cfg.PaymentType),
			SecretKey:    cfg.SecretKey,
			MerchantCode: merchantCode,
			Enabled:      cfg.IsEnabled,
		})
	}
	return creds
}

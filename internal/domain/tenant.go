/**
 * @description
 * Tenant resolution for the multi-tenant storefront platform. Every storefront
 * is served under its own subdomain (e.g. shopa.nepdora.com, or
 * shopa.localhost:3000 during local development), and the active tenant is
 * derived purely from the Host header of the inbound request. No network or
 * shared state is involved; malformed or missing hosts resolve to "no tenant".
 */
package domain

import "strings"

// TenantContext identifies the storefront a request belongs to. A zero
// Subdomain means the request hit the root/default site, which has no
// payment-gateway configuration of its own. The context is derived once per
// request and never mutated afterwards.
type TenantContext struct {
	Subdomain string
}

// HasTenant reports whether the request was made against a tenant storefront.
func (t TenantContext) HasTenant() bool {
	return t.Subdomain != ""
}

// ResolveTenant extracts the tenant subdomain from a request host.
//
// Local development hosts use the "<subdomain>.localhost[:port]" convention;
// production hosts use "<subdomain>.<baseDomain>[:port]". The reserved "www"
// label and the bare base domain both resolve to no tenant, as does anything
// that fails to match either scheme.
func ResolveTenant(host, baseDomain string) TenantContext {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return TenantContext{}
	}

	if idx := strings.Index(host, ".localhost"); idx > 0 {
		label := host[:idx]
		// Nested labels (a.b.localhost) are not valid tenant hosts.
		if label != "" && label != "localhost" && !strings.Contains(label, ".") {
			return TenantContext{Subdomain: label}
		}
		return TenantContext{}
	}
	if host == "localhost" || strings.HasPrefix(host, "localhost:") {
		return TenantContext{}
	}

	baseDomain = strings.TrimSpace(strings.ToLower(baseDomain))
	if baseDomain == "" {
		return TenantContext{}
	}

	// Strip an optional port before comparing against the base domain.
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}

	if !strings.HasSuffix(host, "."+baseDomain) {
		return TenantContext{}
	}

	sub := strings.TrimSuffix(host, "."+baseDomain)
	if sub == "" || sub == "www" {
		return TenantContext{}
	}
	return TenantContext{Subdomain: sub}
}

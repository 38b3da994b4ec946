/**
 * @description
 * Redirect URL construction for the browser round trip through a payment
 * provider. URLs are tenant-qualified so the customer lands back on the
 * storefront they started from, and they differ between local development
 * (plain http, explicit frontend port) and production (tenant subdomain on
 * the configured base domain). No secrets ever appear in these URLs.
 */
package app

import (
	"fmt"
	"strings"

	"github.com/bibek1414/nepdora-payment-service/internal/domain"
)

// redirectOptions carries the host composition settings from config.
type redirectOptions struct {
	Protocol     string
	BaseDomain   string
	FrontendPort string
}

// buildRedirectURLs produces the success/failure return targets for a
// payment. Each provider client appends its own method value to the trailing
// "?method=" suffix.
func buildRedirectURLs(host string, tenant domain.TenantContext, opts redirectOptions) domain.RedirectURLs {
	isLocal := strings.Contains(host, "localhost")

	protocol := "http"
	if !isLocal {
		protocol = opts.Protocol
		if protocol == "" {
			protocol = "https"
		}
	}

	var baseURL string
	switch {
	case tenant.HasTenant() && isLocal:
		port := opts.FrontendPort
		if port == "" {
			port = "3000"
		}
		baseURL = fmt.Sprintf("http://%s.localhost:%s", tenant.Subdomain, port)
	case tenant.HasTenant():
		baseURL = fmt.Sprintf("%s://%s.%s", protocol, tenant.Subdomain, opts.BaseDomain)
	default:
		baseURL = fmt.Sprintf("%s://%s", protocol, host)
	}

	return domain.RedirectURLs{
		SuccessURL: baseURL + "/payment/success?method=",
		FailureURL: baseURL + "/payment/failure?method=",
	}
}

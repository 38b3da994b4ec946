package app

import (
	"testing"

	"github.com/bibek1414/nepdora-payment-service/internal/domain"
)

func TestBuildRedirectURLs(t *testing.T) {
	opts := redirectOptions{Protocol: "https", BaseDomain: "nepdora.com", FrontendPort: "3000"}

	tests := []struct {
		name        string
		host        string
		tenant      string
		wantSuccess string
	}{
		{
			name:        "local tenant host",
			host:        "shopa.localhost:8080",
			tenant:      "shopa",
			wantSuccess: "http://shopa.localhost:3000/payment/success?method=",
		},
		{
			name:        "production tenant host",
			host:        "shopa.nepdora.com",
			tenant:      "shopa",
			wantSuccess: "https://shopa.nepdora.com/payment/success?method=",
		},
		{
			name:        "no tenant falls back to request host",
			host:        "nepdora.com",
			tenant:      "",
			wantSuccess: "https://nepdora.com/payment/success?method=",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			urls := buildRedirectURLs(tt.host, domain.TenantContext{Subdomain: tt.tenant}, opts)
			if urls.SuccessURL != tt.wantSuccess {
				t.Fatalf("SuccessURL = %q, want %q", urls.SuccessURL, tt.wantSuccess)
			}
			wantFailure := tt.wantSuccess[:len(tt.wantSuccess)-len("success?method=")] + "failure?method="
			if urls.FailureURL != wantFailure {
				t.Fatalf("FailureURL = %q, want %q", urls.FailureURL, wantFailure)
			}
		})
	}
}

func TestBuildRedirectURLsDefaultsProtocol(t *testing.T) {
	urls := buildRedirectURLs("shopa.nepdora.com", domain.TenantContext{Subdomain: "shopa"}, redirectOptions{BaseDomain: "nepdora.com"})
	if urls.SuccessURL != "https://shopa.nepdora.com/payment/success?method=" {
		t.Fatalf("expected https default, got %q", urls.SuccessURL)
	}
}

package domain

import "testing"

func TestResolveTenant(t *testing.T) {
	tests := []struct {
		name       string
		host       string
		baseDomain string
		want       string
	}{
		{name: "local tenant host", host: "shopa.localhost:3000", baseDomain: "nepdora.com", want: "shopa"},
		{name: "local tenant host without port", host: "shopa.localhost", baseDomain: "nepdora.com", want: "shopa"},
		{name: "bare localhost", host: "localhost:3000", baseDomain: "nepdora.com", want: ""},
		{name: "nested local label", host: "a.b.localhost:3000", baseDomain: "nepdora.com", want: ""},
		{name: "production tenant host", host: "shopa.nepdora.com", baseDomain: "nepdora.com", want: "shopa"},
		{name: "production tenant host with port", host: "shopa.nepdora.com:443", baseDomain: "nepdora.com", want: "shopa"},
		{name: "bare base domain", host: "nepdora.com", baseDomain: "nepdora.com", want: ""},
		{name: "www is reserved", host: "www.nepdora.com", baseDomain: "nepdora.com", want: ""},
		{name: "unrelated domain", host: "evil.example.com", baseDomain: "nepdora.com", want: ""},
		{name: "suffix lookalike", host: "fakenepdora.com", baseDomain: "nepdora.com", want: ""},
		{name: "uppercase host is normalized", host: "SHOPA.NEPDORA.COM", baseDomain: "nepdora.com", want: "shopa"},
		{name: "empty host", host: "", baseDomain: "nepdora.com", want: ""},
		{name: "empty base domain", host: "shopa.nepdora.com", baseDomain: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveTenant(tt.host, tt.baseDomain)
			if got.Subdomain != tt.want {
				t.Fatalf("ResolveTenant(%q, %q) = %q, want %q", tt.host, tt.baseDomain, got.Subdomain, tt.want)
			}
			if got.HasTenant() != (tt.want != "") {
				t.Fatalf("HasTenant() = %t for subdomain %q", got.HasTenant(), got.Subdomain)
			}
		})
	}
}

func TestResolveTenantIsDeterministic(t *testing.T) {
	first := ResolveTenant("shopa.nepdora.com", "nepdora.com")
	second := ResolveTenant("shopa.nepdora.com", "nepdora.com")
	if first != second {
		t.Fatalf("same host resolved differently: %+v vs %+v", first, second)
	}
}

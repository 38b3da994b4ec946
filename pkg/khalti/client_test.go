package khalti

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSubunitConversion(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{amount: "10", want: 1000},
		{amount: "10.5", want: 1050},
		{amount: "10.555", want: 1056},
		{amount: "0.01", want: 1},
		{amount: "99999.99", want: 9999999},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			amount, err := decimal.NewFromString(tt.amount)
			if err != nil {
				t.Fatalf("bad test amount: %v", err)
			}
			if got := Subunit(amount); got != tt.want {
				t.Fatalf("Subunit(%s) = %d, want %d", tt.amount, got, tt.want)
			}
		})
	}
}

func TestFromSubunitInvertsSubunit(t *testing.T) {
	for _, rupees := range []string{"10", "10.50", "123.45", "0.01"} {
		amount, err := decimal.NewFromString(rupees)
		if err != nil {
			t.Fatalf("bad test amount: %v", err)
		}
		back := FromSubunit(Subunit(amount))
		if !back.Equal(amount) {
			t.Fatalf("round trip of %s produced %s", amount, back)
		}
	}
}

func TestInitiateSendsKeyAuthorization(t *testing.T) {
	var gotAuth string
	var gotPayload InitiatePayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/epayment/initiate/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		json.NewEncoder(w).Encode(InitiateResponse{Pidx: "px123", PaymentURL: "https://pay.khalti.com/?pidx=px123"})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	resp, err := client.Initiate(context.Background(), "tenant-secret", InitiatePayload{
		Amount:          1000,
		PurchaseOrderID: "TXN-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Key tenant-secret" {
		t.Fatalf("expected Key authorization header, got %q", gotAuth)
	}
	if gotPayload.Amount != 1000 {
		t.Fatalf("expected amount 1000 paisa, got %d", gotPayload.Amount)
	}
	if resp.Pidx != "px123" {
		t.Fatalf("expected pidx px123, got %q", resp.Pidx)
	}
}

func TestLookupReturnsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/epayment/lookup/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["pidx"] != "px123" {
			t.Errorf("expected pidx px123 in body, got %q", body["pidx"])
		}
		json.NewEncoder(w).Encode(LookupResponse{Pidx: "px123", Status: "Completed", TotalAmount: 1000})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	resp, err := client.Lookup(context.Background(), "tenant-secret", "px123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "Completed" || resp.TotalAmount != 1000 {
		t.Fatalf("unexpected lookup response: %+v", resp)
	}
}

func TestNonSuccessResponseBecomesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error_key":"validation_error","return_url":["Enter a valid URL."]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	_, err := client.Initiate(context.Background(), "tenant-secret", InitiatePayload{})
	if err == nil {
		t.Fatal("expected error")
	}

	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "return url: Enter a valid URL." {
		t.Fatalf("unexpected flattened message %q", apiErr.Message)
	}
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "detail string", body: `{"detail":"Invalid token."}`, want: "Invalid token."},
		{
			name: "validation fields",
			body: `{"error_key":"validation_error","amount":["Amount is required."],"return_url":["Enter a valid URL."]}`,
			want: "amount: Amount is required.; return url: Enter a valid URL.",
		},
		{name: "empty validation", body: `{"error_key":"validation_error"}`, want: "validation error occurred"},
		{name: "unknown shape", body: `{"weird":true}`, want: "an unexpected error occurred"},
		{name: "not json", body: `<html>gateway timeout</html>`, want: "an unexpected error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatError([]byte(tt.body)); got != tt.want {
				t.Fatalf("formatError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateStatus(t *testing.T) {
	tests := []struct {
		status      string
		wantSuccess bool
	}{
		{status: "Completed", wantSuccess: true},
		{status: "Pending", wantSuccess: false},
		{status: "Expired", wantSuccess: false},
		{status: "User canceled", wantSuccess: false},
		{status: "Refunded", wantSuccess: false},
		{status: "Partially Refunded", wantSuccess: false},
		{status: "Initiated", wantSuccess: false},
		{status: "something new", wantSuccess: false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			got := ValidateStatus(tt.status)
			if got.ShouldProvideService != tt.wantSuccess || got.IsSuccess != tt.wantSuccess {
				t.Fatalf("ValidateStatus(%q) = %+v, want success=%t", tt.status, got, tt.wantSuccess)
			}
			if got.Message == "" {
				t.Fatalf("ValidateStatus(%q) returned empty message", tt.status)
			}
		})
	}
}

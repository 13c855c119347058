package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		hops       int
		want       string
		wantXFFSet bool
	}{
		{"public peer ignores xff", "203.0.113.7:5555", "198.51.100.1", 1, "203.0.113.7", false},
		{"private peer without hops", "10.0.0.5:5555", "198.51.100.1", 0, "10.0.0.5", false},
		{"single load balancer", "10.0.0.5:5555", "198.51.100.1", 1, "198.51.100.1", true},
		{"rightmost wins with one hop", "10.0.0.5:5555", "1.1.1.1, 198.51.100.1", 1, "198.51.100.1", true},
		{"cdn then lb", "10.0.0.5:5555", "1.1.1.1, 198.51.100.1, 10.0.0.9", 2, "198.51.100.1", true},
		{"short chain fails closed", "10.0.0.5:5555", "198.51.100.1", 3, "10.0.0.5", false},
		{"garbage entry ignored", "10.0.0.5:5555", "not-an-ip", 1, "10.0.0.5", true},
		{"loopback proxy", "127.0.0.1:5555", "198.51.100.1", 1, "198.51.100.1", true},
		{"no port", "10.0.0.5", "", 1, "10.0.0.5", false},
		{"unparseable host", "bogus:1", "", 1, unknownClient, false},
		{"empty remote", "", "", 0, unknownClient, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := resolveClientIP(r, tt.hops); got != tt.want {
				t.Fatalf("resolveClientIP = %q, want %q", got, tt.want)
			}
			if tt.xff != "" && (r.Header.Get("X-Forwarded-For") != "") != tt.wantXFFSet {
				t.Fatalf("X-Forwarded-For present = %v, want %v", !tt.wantXFFSet, tt.wantXFFSet)
			}
		})
	}
}

func TestClientIPWithOptions_StoresInContext(t *testing.T) {
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = "10.1.2.3:443"
	r.Header.Set("X-Forwarded-For", "198.51.100.20")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "198.51.100.20" {
		t.Fatalf("client ip = %q", got)
	}
}

func TestClientIP_DefaultIgnoresForwarded(t *testing.T) {
	var got string
	h := ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = "10.1.2.3:443"
	r.Header.Set("X-Forwarded-For", "198.51.100.20")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "10.1.2.3" {
		t.Fatalf("client ip = %q", got)
	}
}

func TestWithClientIP_EmptyIsNoop(t *testing.T) {
	ctx := WithClientIP(context.Background(), "")
	if ClientIPFromContext(ctx) != "" {
		t.Fatal("empty ip should not be stored")
	}
}

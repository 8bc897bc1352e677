package horosafe

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	if err := ValidateSecret([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
	if err := ValidateSecret(bytes.Repeat([]byte("a"), MinSecretLen)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://203.0.113.7/auth", false},
		{"ftp://203.0.113.7/data", true},     // bad scheme
		{"javascript:alert(1)", true},        // bad scheme
		{"https:///nohost", true},            // no host
		{"http://127.0.0.1/login", true},     // loopback
		{"http://10.0.0.1/internal", true},   // private
		{"http://192.168.1.1/api", true},     // private
		{"http://[::1]/api", true},           // IPv6 loopback
		{"http://172.16.0.1/secret", true},   // private
		{"http://[::ffff:10.1.2.3]/", true},  // mapped private
		{"http://0.0.0.0:8080/x", true},      // unspecified
		{"http://169.254.169.254/", true},    // link-local metadata
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidateEndpoint_AllowPrivate(t *testing.T) {
	if err := ValidateEndpoint("http://10.0.0.5:8080/credentials", true); err != nil {
		t.Fatalf("private endpoint rejected with allowPrivate: %v", err)
	}
	if err := ValidateEndpoint("http://10.0.0.5:8080/credentials", false); !errors.Is(err, ErrSSRF) {
		t.Fatalf("got %v, want ErrSSRF", err)
	}
	if err := ValidateEndpoint("file:///etc/passwd", true); !errors.Is(err, ErrUnsafeScheme) {
		t.Fatalf("got %v, want ErrUnsafeScheme", err)
	}
}

func TestValidateIdentifier(t *testing.T) {
	if err := ValidateIdentifier("credentials"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateIdentifier("9F2A4C1E0B.target-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "../etc/passwd", "has spaces", strings.Repeat("a", 257)} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Errorf("ValidateIdentifier(%q) accepted", bad)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(got))
	}

	if _, err := LimitedReadAll(strings.NewReader(data), 50); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
	if _, err := LimitedReadAll(strings.NewReader(data), 100); err != nil {
		t.Fatalf("exact limit rejected: %v", err)
	}
}

func TestIsPrivate(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
		{"fd00::1", true},
		{"2001:db8::1", false},
	}
	for _, tt := range tests {
		if got := isPrivate(netip.MustParseAddr(tt.ip)); got != tt.private {
			t.Errorf("isPrivate(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}

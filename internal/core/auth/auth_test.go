package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/solatis/floodgate/internal/types"
)

func TestNewRequiresKeysWhenEnabled(t *testing.T) {
	if _, err := New(true, nil); err == nil {
		t.Fatal("expected error for enabled auth with no keys")
	}
	if _, err := New(true, []string{"sk-test"}); err != nil {
		t.Fatalf("New failed with keys present: %v", err)
	}
	if _, err := New(false, nil); err != nil {
		t.Fatalf("New failed with auth disabled: %v", err)
	}
}

func TestAuthenticateDisabledFallsBackToAddress(t *testing.T) {
	a, _ := New(false, nil)

	id, err := a.Authenticate("", "10.1.2.3:54321")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if id != types.ClientID("10.1.2.3") {
		t.Errorf("client id = %q, expected source address without port", id)
	}
}

func TestAuthenticateEnabled(t *testing.T) {
	a, err := New(true, []string{"sk-valid"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"valid key", "Bearer sk-valid", false},
		{"case insensitive scheme", "bearer sk-valid", false},
		{"unknown key", "Bearer sk-other", true},
		{"missing header", "", true},
		{"wrong scheme", "Basic sk-valid", true},
		{"bare key without scheme", "sk-valid", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := a.Authenticate(tt.header, "10.0.0.1:1234")
			if tt.wantErr {
				if !errors.Is(err, types.ErrUnauthorized) {
					t.Errorf("Authenticate returned %v, expected ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate failed: %v", err)
			}
			if !strings.HasPrefix(string(id), "key_") {
				t.Errorf("client id = %q, expected a key fingerprint", id)
			}
		})
	}
}

func TestFingerprintIsStableAndOpaque(t *testing.T) {
	fp1 := Fingerprint("sk-secret")
	fp2 := Fingerprint("sk-secret")
	if fp1 != fp2 {
		t.Error("fingerprint must be deterministic")
	}
	if strings.Contains(fp1, "secret") {
		t.Error("fingerprint must not leak key material")
	}
	if Fingerprint("sk-other") == fp1 {
		t.Error("distinct keys must fingerprint differently")
	}
}

func TestSharedKeyIsOnePartition(t *testing.T) {
	a, _ := New(true, []string{"sk-shared"})

	id1, _ := a.Authenticate("Bearer sk-shared", "10.0.0.1:1111")
	id2, _ := a.Authenticate("Bearer sk-shared", "10.0.0.2:2222")
	if id1 != id2 {
		t.Error("same key from different hosts must map to one identity")
	}
}

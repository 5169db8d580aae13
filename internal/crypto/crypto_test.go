// Package crypto tests for sealing and key derivation.
package crypto

import (
	"bytes"
	"testing"
)

func mustKey(t *testing.T, secret, tenant, user string) []byte {
	t.Helper()
	key, err := DeriveKey([]byte(secret), tenant, user)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	return key
}

// TestSealOpen_roundtrip verifies basic sealing and opening.
func TestSealOpen_roundtrip(t *testing.T) {
	key := mustKey(t, "device-secret", "t1", "u1")
	plaintext := []byte(`{"token":"abc"}`)

	sealed, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if sealed == "" {
		t.Fatal("Seal() returned empty string")
	}

	got, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open() = %q, want %q", got, plaintext)
	}
}

// TestSeal_uniqueNonce verifies each seal produces unique output.
func TestSeal_uniqueNonce(t *testing.T) {
	key := mustKey(t, "device-secret", "t1", "u1")
	a, _ := Seal([]byte("same"), key)
	b, _ := Seal([]byte("same"), key)
	if a == b {
		t.Error("Seal() produced identical output twice")
	}
}

// TestOpen_otherScope verifies a value sealed for one scope cannot be opened
// under another.
func TestOpen_otherScope(t *testing.T) {
	sealed, err := Seal([]byte("secret"), mustKey(t, "device-secret", "t1", "u1"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := Open(sealed, mustKey(t, "device-secret", "t2", "u1")); err != ErrInvalidCiphertext {
		t.Errorf("Open() other tenant error = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := Open(sealed, mustKey(t, "device-secret", "t1", "u2")); err != ErrInvalidCiphertext {
		t.Errorf("Open() other user error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestOpen_invalidInput verifies malformed inputs are rejected.
func TestOpen_invalidInput(t *testing.T) {
	key := mustKey(t, "device-secret", "t1", "")

	for _, in := range []string{"not base64!!", "", "YWJj"} {
		if _, err := Open(in, key); err != ErrInvalidCiphertext {
			t.Errorf("Open(%q) error = %v, want ErrInvalidCiphertext", in, err)
		}
	}
	if _, err := Seal([]byte("x"), []byte("short")); err != ErrInvalidKey {
		t.Errorf("Seal() short key error = %v, want ErrInvalidKey", err)
	}
}

// TestDeriveKey verifies derivation is deterministic and requires a secret.
func TestDeriveKey(t *testing.T) {
	a := mustKey(t, "s", "t1", "u1")
	b := mustKey(t, "s", "t1", "u1")
	if !bytes.Equal(a, b) {
		t.Error("DeriveKey() not deterministic")
	}
	if len(a) != 32 {
		t.Errorf("len(key) = %d, want 32", len(a))
	}
	if _, err := DeriveKey(nil, "t1", "u1"); err != ErrInvalidKey {
		t.Errorf("DeriveKey(nil) error = %v, want ErrInvalidKey", err)
	}
}

package crypto

import (
	"encoding/base64"
	"testing"
)

func newTestCipher(t *testing.T) *AESGCM {
	t.Helper()
	key := make([]byte, 32)
	c, err := NewAESGCMFromBase64Key(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESGCMFromBase64Key: %v", err)
	}
	return c
}

func TestAESGCMEncryptDecrypt(t *testing.T) {
	c := newTestCipher(t)
	plain := []byte("sk-backend-secret")
	blob, err := c.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := c.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plain) {
		t.Fatalf("decrypt mismatch: got=%q want=%q", got, plain)
	}
}

func TestAESGCMBase64RoundTrip(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.EncryptBase64("sk-backend-secret")
	if err != nil {
		t.Fatalf("EncryptBase64: %v", err)
	}
	got, err := c.DecryptBase64(sealed)
	if err != nil {
		t.Fatalf("DecryptBase64: %v", err)
	}
	if got != "sk-backend-secret" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestAESGCMRejectsBadKeyAndBlob(t *testing.T) {
	if _, err := NewAESGCMFromBase64Key("short"); err == nil {
		t.Fatalf("expected error for invalid base64 key")
	}
	if _, err := NewAESGCMFromBase64Key(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Fatalf("expected error for 16-byte key")
	}
	c := newTestCipher(t)
	if _, err := c.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated blob")
	}
}

package crypto

import (
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	codec, err := NewCodec("app-secret")
	if err != nil {
		t.Fatalf("NewCodec error = %v", err)
	}

	sealed, err := codec.Encrypt("radarr-api-key")
	if err != nil {
		t.Fatalf("Encrypt error = %v", err)
	}
	if !IsEncrypted(sealed) {
		t.Fatalf("sealed = %q, want %s prefix", sealed, EncryptedPrefix)
	}
	if sealed == "radarr-api-key" {
		t.Fatal("ciphertext must differ from plaintext")
	}

	plain, err := codec.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt error = %v", err)
	}
	if plain != "radarr-api-key" {
		t.Fatalf("plain = %q", plain)
	}

	// Two seals of the same value differ by nonce.
	again, _ := codec.Encrypt("radarr-api-key")
	if again == sealed {
		t.Fatal("nonce reuse: identical ciphertexts")
	}
}

func TestEmptyValuesPassThrough(t *testing.T) {
	codec, _ := NewCodec("app-secret")
	sealed, err := codec.Encrypt("")
	if err != nil || sealed != "" {
		t.Fatalf("Encrypt(\"\") = %q, %v", sealed, err)
	}
	plain, err := codec.Decrypt("")
	if err != nil || plain != "" {
		t.Fatalf("Decrypt(\"\") = %q, %v", plain, err)
	}
}

func TestLegacyPlaintextPassThrough(t *testing.T) {
	codec, _ := NewCodec("app-secret")
	plain, err := codec.Decrypt("legacy-unencrypted-key")
	if err != nil {
		t.Fatalf("Decrypt error = %v", err)
	}
	if plain != "legacy-unencrypted-key" {
		t.Fatalf("plain = %q, want pass-through", plain)
	}
}

func TestWrongKeyFails(t *testing.T) {
	a, _ := NewCodec("secret-a")
	b, _ := NewCodec("secret-b")

	sealed, err := a.Encrypt("token")
	if err != nil {
		t.Fatalf("Encrypt error = %v", err)
	}
	if _, err := b.Decrypt(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("Decrypt under wrong key = %v, want ErrDecryptionFailed", err)
	}
}

func TestMalformedCiphertext(t *testing.T) {
	codec, _ := NewCodec("app-secret")
	if _, err := codec.Decrypt(EncryptedPrefix + "!!!not-base64"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("bad base64 = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := codec.Decrypt(EncryptedPrefix + "AAAA"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("short payload = %v, want ErrInvalidCiphertext", err)
	}
}

func TestNewCodecRequiresSecret(t *testing.T) {
	if _, err := NewCodec(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

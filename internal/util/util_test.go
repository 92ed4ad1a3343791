package util

import (
	"bytes"
	"crypto/x509"
	"testing"
)

func TestAES(t *testing.T) {
	key, _ := NewAESKey()
	plainText := []byte("hello world")
	aad := []byte("context")

	t.Run("EncryptDecryptWithAAD", func(t *testing.T) {
		cipherText, err := EncryptAESWithAAD(plainText, key, aad)
		if err != nil {
			t.Fatalf("EncryptAESWithAAD failed: %v", err)
		}

		decrypted, err := DecryptAESWithAAD(cipherText, key, aad)
		if err != nil {
			t.Fatalf("DecryptAESWithAAD failed: %v", err)
		}

		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		_, err := DecryptAESWithAAD(cipherText, key, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		cipherText[len(cipherText)-1] ^= 0xFF
		_, err := DecryptAESWithAAD(cipherText, key, aad)
		if err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := EncryptAESWithAAD(plainText, []byte("too short"), aad)
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})
}

func TestPasswordHash(t *testing.T) {
	params := Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32}
	salt := []byte("0123456789abcdef")

	hash, err := HashPassword("correct horse", salt, params)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if len(hash) != 32 {
		t.Fatalf("expected 32-byte hash, got %d", len(hash))
	}

	ok, err := ComparePassword("correct horse", salt, params, hash)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, _ = ComparePassword("wrong horse", salt, params, hash)
	if ok {
		t.Fatal("expected mismatch for wrong password")
	}
	ok, _ = ComparePassword("", salt, params, hash)
	if ok {
		t.Fatal("expected mismatch for empty password")
	}

	if _, err := HashPassword("x", salt, Argon2idParams{KeyLen: 16}); err == nil {
		t.Fatal("expected error for invalid params")
	}
}

func TestNormalize(t *testing.T) {
	// U+00E9 and e + U+0301 are canonically equivalent.
	if Normalize("caf\u00e9") != Normalize("cafe\u0301") {
		t.Fatal("expected equivalent strings to normalize identically")
	}
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	b, _ := RandomToken(32)
	if a == b {
		t.Fatal("expected distinct tokens")
	}
	if len(a) != 43 {
		t.Fatalf("expected 43 chars, got %d", len(a))
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if leaf.Subject.CommonName != "localhost" {
		t.Fatalf("unexpected CN %q", leaf.Subject.CommonName)
	}
}

package transform

import (
	"bytes"
	"testing"
)

func TestChaCha20CipherRoundTrip(t *testing.T) {
	key := DeriveKey("a shared passphrase")
	cipher, err := NewChaCha20Cipher(key)
	if err != nil {
		t.Fatalf("NewChaCha20Cipher: %v", err)
	}

	chunks := [][]byte{
		[]byte("first chunk"),
		[]byte("second, slightly longer chunk"),
		[]byte("3"),
	}

	var ciphertext [][]byte
	for _, c := range chunks {
		ciphertext = append(ciphertext, cipher.Encrypt(c))
	}

	for i, c := range ciphertext {
		if bytes.Equal(c, chunks[i]) {
			t.Fatalf("chunk %d was not actually transformed", i)
		}
		got := cipher.Decrypt(c)
		if !bytes.Equal(got, chunks[i]) {
			t.Fatalf("chunk %d round trip mismatch: got %q, want %q", i, got, chunks[i])
		}
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a := DeriveKey("same passphrase")
	b := DeriveKey("same passphrase")
	if !bytes.Equal(a, b) {
		t.Fatal("DeriveKey should be deterministic for the same passphrase")
	}
	c := DeriveKey("different passphrase")
	if bytes.Equal(a, c) {
		t.Fatal("DeriveKey should differ across passphrases")
	}
}

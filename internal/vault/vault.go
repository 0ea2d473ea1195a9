// Package vault encrypts stored SSH credentials with AES-256-GCM.
//
// Ciphertext is a JSON record of three hex fields so values survive storage
// in a text column and remain inspectable without being readable:
//
//	{"nonce":"...","authTag":"...","body":"..."}
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const gcmTagSize = 16

// Vault seals and opens credential values with a single master key.
type Vault struct {
	aead cipher.AEAD
}

type envelope struct {
	Nonce   string `json:"nonce"`
	AuthTag string `json:"authTag"`
	Body    string `json:"body"`
}

// New builds a vault from a 32-byte master key.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault: master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns the JSON envelope.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	body := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	out, err := json.Marshal(envelope{
		Nonce:   hex.EncodeToString(nonce),
		AuthTag: hex.EncodeToString(tag),
		Body:    hex.EncodeToString(body),
	})
	if err != nil {
		return "", fmt.Errorf("vault: encode envelope: %w", err)
	}
	return string(out), nil
}

// Decrypt opens a JSON envelope produced by Encrypt. Tampering with any
// field fails authentication.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(ciphertext), &env); err != nil {
		return "", fmt.Errorf("vault: malformed envelope: %w", err)
	}

	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("vault: decode nonce: %w", err)
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil {
		return "", fmt.Errorf("vault: decode auth tag: %w", err)
	}
	body, err := hex.DecodeString(env.Body)
	if err != nil {
		return "", fmt.Errorf("vault: decode body: %w", err)
	}
	if len(nonce) != v.aead.NonceSize() {
		return "", fmt.Errorf("vault: nonce must be %d bytes, got %d", v.aead.NonceSize(), len(nonce))
	}

	plaintext, err := v.aead.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SelfTest round-trips a fresh random value. Callers run this at startup
// and halt the process on failure.
func (v *Vault) SelfTest() error {
	probe := make([]byte, 24)
	if _, err := rand.Read(probe); err != nil {
		return fmt.Errorf("vault: self-test: %w", err)
	}
	want := hex.EncodeToString(probe)

	sealed, err := v.Encrypt(want)
	if err != nil {
		return fmt.Errorf("vault: self-test encrypt: %w", err)
	}
	got, err := v.Decrypt(sealed)
	if err != nil {
		return fmt.Errorf("vault: self-test decrypt: %w", err)
	}
	if got != want {
		return fmt.Errorf("vault: self-test round-trip mismatch")
	}
	return nil
}

package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealerInfo = "clipgate session credential v1"

// Sealer encrypts upstream bearer credentials before they reach a session
// store, so a dumped sessions table never exposes forwardable secrets. Keys
// are derived from a deployment master secret via HKDF-SHA256.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives an XChaCha20-Poly1305 key from the master secret.
func NewSealer(masterSecret string) (*Sealer, error) {
	if strings.TrimSpace(masterSecret) == "" {
		return nil, errors.New("master secret is required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(sealerInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts the credential and returns a base64 envelope of nonce plus ciphertext.
func (s *Sealer) Seal(credential string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(credential), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed credential: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("sealed credential too short")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed credential: %w", err)
	}
	return string(plaintext), nil
}

// credentialExpiry reads the exp claim from a JWT credential without
// verifying its signature. The gateway never trusts the claim for
// authorization, only to avoid holding sessions past the credential's life.
func credentialExpiry(credential string) (time.Time, bool) {
	if strings.Count(credential, ".") != 2 {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(credential, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// SealParams are the scrypt cost parameters of a sealed key.
type SealParams struct {
	N int `json:"n"`
	R int `json:"r"`
	P int `json:"p"`
}

// DefaultSealParams follows the OWASP minimum for scrypt.
func DefaultSealParams() SealParams {
	return SealParams{N: 32768, R: 8, P: 1}
}

// Validate rejects parameters scrypt cannot use.
func (p SealParams) Validate() error {
	if p.N <= 1 || p.N&(p.N-1) != 0 {
		return fmt.Errorf("scrypt N must be a power of two above 1, got %d", p.N)
	}
	if p.R < 1 || p.P < 1 {
		return errors.New("scrypt r and p must be positive")
	}
	return nil
}

const (
	sealVersion = 1
	keyLen      = 32
	saltLen     = 32
)

// SealedKey is an encrypted signing key as stored on disk.
type SealedKey struct {
	Version    uint8      `json:"version"`
	Params     SealParams `json:"params"`
	Salt       []byte     `json:"salt"`
	Nonce      []byte     `json:"nonce"`
	Ciphertext []byte     `json:"ciphertext"`
}

// ErrWrongPassphrase is returned when a sealed key does not open.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key")

// Seal encrypts plaintext with AES-256-GCM under a key derived from
// passphrase with scrypt.
func Seal(plaintext, passphrase []byte, params SealParams) (*SealedKey, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &SealedKey{
		Version:    sealVersion,
		Params:     params,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, []byte{sealVersion}),
	}, nil
}

// Open decrypts a sealed key.
func Open(sealed *SealedKey, passphrase []byte) ([]byte, error) {
	if sealed == nil {
		return nil, errors.New("sealed key cannot be nil")
	}
	if sealed.Version != sealVersion {
		return nil, fmt.Errorf("unsupported sealed key version: %d", sealed.Version)
	}
	if err := sealed.Params.Validate(); err != nil {
		return nil, err
	}
	gcm, err := newGCM(passphrase, sealed.Salt, sealed.Params)
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != gcm.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, []byte{sealed.Version})
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func newGCM(passphrase, salt []byte, params SealParams) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, params.N, params.R, params.P, keyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// MarshalSealed encodes a sealed key as JSON.
func MarshalSealed(sealed *SealedKey) ([]byte, error) {
	return json.MarshalIndent(sealed, "", "  ")
}

// UnmarshalSealed decodes a sealed key.
func UnmarshalSealed(data []byte) (*SealedKey, error) {
	var sealed SealedKey
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("invalid sealed key: %w", err)
	}
	return &sealed, nil
}

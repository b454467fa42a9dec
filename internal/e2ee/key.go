// Package e2ee encrypts encoded media frames between the encoder and the
// network. Keys are per call, held in memory only, and dropped when the call
// ends.
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type Algorithm string

const (
	AESGCM           Algorithm = "aes-gcm"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

const (
	// MaterialSize is the size of the shared secret distributed to peers.
	MaterialSize = 32
	keyIDSize    = 8
)

var (
	ErrKeyMissing       = errors.New("e2ee: no key for frame")
	ErrUnknownAlgorithm = errors.New("e2ee: unknown algorithm")
	ErrBadMaterial      = errors.New("e2ee: key material must be 32 bytes")
)

// Key is one imported frame key. The AEAD key and the key id are both
// derived from the shared material with HKDF, salted by the call id, so a
// key cannot be replayed into a different call.
type Key struct {
	ID        string
	Algorithm Algorithm

	material []byte
	aead     cipher.AEAD
}

// GenerateKey creates fresh random material for callID.
func GenerateKey(callID string, alg Algorithm) (*Key, error) {
	material := make([]byte, MaterialSize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("e2ee: read random: %w", err)
	}
	return ImportKey(callID, material, alg)
}

// ImportKey builds a Key from material received over signaling.
func ImportKey(callID string, material []byte, alg Algorithm) (*Key, error) {
	if len(material) != MaterialSize {
		return nil, ErrBadMaterial
	}
	if alg == "" {
		alg = AESGCM
	}

	frameKey, err := derive(material, callID, "callcore frame key "+string(alg), 32)
	if err != nil {
		return nil, err
	}
	idBytes, err := derive(material, callID, "callcore key id", keyIDSize)
	if err != nil {
		return nil, err
	}

	var aead cipher.AEAD
	switch alg {
	case AESGCM:
		block, err := aes.NewCipher(frameKey)
		if err != nil {
			return nil, err
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	case ChaCha20Poly1305:
		aead, err = chacha20poly1305.New(frameKey)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}

	return &Key{
		ID:        hex.EncodeToString(idBytes),
		Algorithm: alg,
		material:  append([]byte(nil), material...),
		aead:      aead,
	}, nil
}

// ImportEncoded decodes base64 material and imports it.
func ImportEncoded(callID, encoded string, alg Algorithm) (*Key, error) {
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("e2ee: decode key: %w", err)
	}
	return ImportKey(callID, material, alg)
}

// Export returns the material as base64 for the key-exchange message.
func (k *Key) Export() string {
	return base64.StdEncoding.EncodeToString(k.material)
}

func derive(secret []byte, salt, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, secret, []byte(salt), []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("e2ee: hkdf: %w", err)
	}
	return out, nil
}

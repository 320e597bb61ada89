package go_peerlink

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SESSION_KEY_SIZE is the size of every symmetric key carried by a SessionKey.
const SESSION_KEY_SIZE = chacha20poly1305.KeySize

// KeyMaterial is the raw output of a completed key exchange for one epoch.
// The link never inspects it beyond equality checks and cipher construction.
type KeyMaterial struct {
	OutgoingKey []byte
	IncomingKey []byte
	IVKey       []byte
	IVNonce     []byte
	HMACKey     []byte
}

// NewSessionCipher creates a ChaCha20-Poly1305 AEAD handle for one direction of a link.
func NewSessionCipher(key []byte) (cipher.AEAD, error) {
	if len(key) != SESSION_KEY_SIZE {
		return nil, fmt.Errorf("session cipher key must be %d bytes, got %d: %w", SESSION_KEY_SIZE, len(key), ErrInvalidArgument)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 AEAD: %w", err)
	}
	return aead, nil
}

// DeriveKeyMaterial expands a negotiated shared secret into the keys of one epoch
// using HKDF-SHA256. initiator selects which half becomes the outgoing key, so both
// ends of a link derive mirrored material from the same secret.
//
// Example:
//
//	km, err := DeriveKeyMaterial(secret, bootSalt, []byte("link"), true)
//	if err != nil {
//	    return err
//	}
//	result.Keys = km
func DeriveKeyMaterial(secret, salt, info []byte, initiator bool) (KeyMaterial, error) {
	if len(secret) == 0 {
		return KeyMaterial{}, fmt.Errorf("shared secret cannot be empty: %w", ErrInvalidArgument)
	}

	reader := hkdf.New(sha256.New, secret, salt, info)
	// a->b, b->a, iv key, hmac key, iv nonce
	blocks := make([][]byte, 5)
	for i := range blocks {
		size := SESSION_KEY_SIZE
		if i == 4 {
			size = chacha20poly1305.NonceSize
		}
		blocks[i] = make([]byte, size)
		if _, err := io.ReadFull(reader, blocks[i]); err != nil {
			return KeyMaterial{}, fmt.Errorf("failed to expand key material: %w", err)
		}
	}

	km := KeyMaterial{
		OutgoingKey: blocks[0],
		IncomingKey: blocks[1],
		IVKey:       blocks[2],
		HMACKey:     blocks[3],
		IVNonce:     blocks[4],
	}
	if !initiator {
		km.OutgoingKey, km.IncomingKey = km.IncomingKey, km.OutgoingKey
	}
	return km, nil
}

// sameKeys reports whether two epochs would share traffic keys.
func (km KeyMaterial) sameKeys(other KeyMaterial) bool {
	return bytes.Equal(km.OutgoingKey, other.OutgoingKey) && bytes.Equal(km.IncomingKey, other.IncomingKey)
}

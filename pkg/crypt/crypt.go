// Package crypt seals and opens channel frames with a symmetric key derived from a shared token.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	NonceSize = 24
)

// ErrAuthentication matches every AuthenticationError via errors.Is.
var ErrAuthentication = errors.New("authentication failed")

// AuthenticationError is returned by Open for frames that are truncated, tampered with or sealed under another key.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAuthentication.Error(), e.Reason)
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

// Key is immutable for the lifetime of a session.
type Key [KeySize]byte

type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

var DefaultKDFParams = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

// DeriveKey stretches token into a key with argon2id. The salt is bound to the channel so the same token used on two
// channels yields unrelated keys.
func DeriveKey(token, channel string, params KDFParams) (Key, error) {
	var key Key
	if token == "" {
		return key, errors.New("key token is required")
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return key, fmt.Errorf("invalid kdf params %+v", params)
	}
	salt := sha256.Sum256([]byte("listmap/" + channel))
	copy(key[:], argon2.IDKey([]byte(token), salt[:16], params.Time, params.Memory, params.Threads, KeySize))
	return key, nil
}

// Cipher provides authenticated encryption of frame payloads.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

func newNonce(r io.Reader) (*[NonceSize]byte, error) {
	nonce := new([NonceSize]byte)
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return nonce, nil
}

// SecretBox seals with NaCl secretbox (XSalsa20-Poly1305). Frames are nonce || box.
type SecretBox struct {
	key  Key
	rand io.Reader
}

func NewSecretBox(key Key) *SecretBox {
	return &SecretBox{key: key, rand: rand.Reader}
}

func (s *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	nonce, err := newNonce(s.rand)
	if err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, nonce, (*[KeySize]byte)(&s.key)), nil
}

func (s *SecretBox) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+secretbox.Overhead {
		return nil, &AuthenticationError{Reason: "frame too short"}
	}
	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])
	out, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, (*[KeySize]byte)(&s.key))
	if !ok {
		return nil, &AuthenticationError{Reason: "secretbox verification failed"}
	}
	return out, nil
}

// XChaCha seals with XChaCha20-Poly1305 and authenticates the channel id as associated data, so a frame replayed into
// another channel under the same key is rejected.
type XChaCha struct {
	aead    cipher.AEAD
	channel []byte
	rand    io.Reader
}

func NewXChaCha(key Key, channel string) (*XChaCha, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init xchacha20poly1305: %w", err)
	}
	return &XChaCha{aead: aead, channel: []byte(channel), rand: rand.Reader}, nil
}

func (x *XChaCha) Seal(plaintext []byte) ([]byte, error) {
	nonce, err := newNonce(x.rand)
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+x.aead.Overhead())
	copy(out, nonce[:])
	return x.aead.Seal(out, nonce[:], plaintext, x.channel), nil
}

func (x *XChaCha) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+x.aead.Overhead() {
		return nil, &AuthenticationError{Reason: "frame too short"}
	}
	out, err := x.aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], x.channel)
	if err != nil {
		return nil, &AuthenticationError{Reason: err.Error()}
	}
	return out, nil
}

// ByName builds one of the built in ciphers.
func ByName(name string, key Key, channel string) (Cipher, error) {
	switch name {
	case "", "secretbox":
		return NewSecretBox(key), nil
	case "xchacha":
		return NewXChaCha(key, channel)
	}
	return nil, fmt.Errorf("unknown cipher %q", name)
}

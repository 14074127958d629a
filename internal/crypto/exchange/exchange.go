// Package exchange implements the key agreement used for private messages.
// Peers swap X25519 public keys through the relay and derive a symmetric
// message key from the shared secret; payloads are then sealed with
// XChaCha20-Poly1305 and carried as opaque base64 text.
package exchange

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of X25519 keys and derived message keys.
const KeySize = 32

var curve = ecdh.X25519()

var hkdfInfo = []byte("galaxy-chat private message v1")

// KeyPair holds an X25519 key pair. Public is what travels through the relay.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair produces a fresh X25519 key pair.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	return KeyPair{
		Public:  append([]byte(nil), priv.PublicKey().Bytes()...),
		Private: append([]byte(nil), priv.Bytes()...),
	}, nil
}

// EncodePublic renders a public key for transport inside a key frame.
func EncodePublic(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublic parses a transported public key and validates its shape.
func DecodePublic(encoded string) ([]byte, error) {
	pub, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != KeySize {
		return nil, fmt.Errorf("public key must be %d bytes (got %d)", KeySize, len(pub))
	}
	if _, err := curve.NewPublicKey(pub); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}

// MessageKey derives the symmetric key both peers share for a conversation.
// It combines the X25519 shared secret with HKDF-SHA256 so the raw ECDH
// output never keys the cipher directly.
func MessageKey(private, peerPublic []byte) ([]byte, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes (got %d)", KeySize, len(private))
	}
	privKey, err := curve.NewPrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pubKey, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}

	secret, err := privKey.ECDH(pubKey)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	defer zeroBytes(secret)
	if isZero(secret) {
		return nil, fmt.Errorf("shared secret is all zeros")
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive message key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under the derived message key and returns a
// self-contained base64 payload (nonce prepended to the ciphertext).
func Seal(key []byte, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a payload produced by Seal.
func Open(key []byte, payload string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("payload too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return plaintext, nil
}

func isZero(b []byte) bool {
	acc := byte(0)
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

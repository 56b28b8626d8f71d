// Package crypt seals conversation payloads.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 32
	keySize    = 32
	iterations = 100000
	nonceSize  = 24
)

var (
	ErrShortMessage = errors.New("sealed message too short")
	ErrDecrypt      = errors.New("failed to decrypt message")
)

// Cipher is the encryption pair a conversation applies to every message.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// Passphrase derives an AES-256-GCM key from a shared passphrase with PBKDF2-SHA256.
// Sealed messages are salt·nonce·ciphertext. The sending side draws one salt per
// instance; keys derived for incoming salts are cached.
type Passphrase struct {
	pass []byte
	salt []byte
	aead cipher.AEAD

	mu   sync.Mutex
	seen map[string]cipher.AEAD
}

func NewPassphrase(pass string) (*Passphrase, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	p := &Passphrase{pass: []byte(pass), salt: salt, seen: make(map[string]cipher.AEAD)}
	aead, err := p.derive(salt)
	if err != nil {
		return nil, err
	}
	p.aead = aead
	p.seen[string(salt)] = aead
	return p, nil
}

func (p *Passphrase) derive(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(p.pass, salt, iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func (p *Passphrase) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plain)+p.aead.Overhead())
	out = append(out, p.salt...)
	out = append(out, nonce...)
	return p.aead.Seal(out, nonce, plain, nil), nil
}

func (p *Passphrase) Decrypt(sealed []byte) ([]byte, error) {
	ns := p.aead.NonceSize()
	if len(sealed) < saltSize+ns+p.aead.Overhead() {
		return nil, ErrShortMessage
	}
	salt, nonce, ct := sealed[:saltSize], sealed[saltSize:saltSize+ns], sealed[saltSize+ns:]

	p.mu.Lock()
	aead, ok := p.seen[string(salt)]
	p.mu.Unlock()
	if !ok {
		var err error
		if aead, err = p.derive(salt); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.seen[string(salt)] = aead
		p.mu.Unlock()
	}

	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w (wrong passphrase?): %v", ErrDecrypt, err)
	}
	return plain, nil
}

// Box seals messages for one remote key pair with NaCl box. Sealed messages are
// nonce·box.
type Box struct {
	shared [32]byte
}

// GenerateBoxKeys returns a fresh Curve25519 key pair.
func GenerateBoxKeys() (publicKey, privateKey *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

func NewBox(localPrivate, remotePublic *[32]byte) *Box {
	b := &Box{}
	box.Precompute(&b.shared, remotePublic, localPrivate)
	return b
}

func (b *Box) Encrypt(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return box.SealAfterPrecomputation(nonce[:], plain, &nonce, &b.shared), nil
}

func (b *Box) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+box.Overhead {
		return nil, ErrShortMessage
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := box.OpenAfterPrecomputation(nil, sealed[nonceSize:], &nonce, &b.shared)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

var (
	_ Cipher = (*Passphrase)(nil)
	_ Cipher = (*Box)(nil)
)

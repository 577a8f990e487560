package logging

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// DefaultKey is the passphrase used when encryption is on and no key is given.
const DefaultKey = "argus-default-key"

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1
)

var magic = []byte("argus\x01")

var (
	// ErrNotEncrypted is returned for input that does not carry the cipher header.
	ErrNotEncrypted = errors.New("not an encrypted log line")
	// ErrDecrypt is returned when authentication fails, usually a wrong key.
	ErrDecrypt = errors.New("decrypt failed")
)

// Cipher seals log lines under a key derived once from a passphrase.
// Every sealed line carries its salt so it can be opened on its own.
type Cipher struct {
	salt [saltSize]byte
	key  [keySize]byte
}

// NewCipher derives a key from passphrase with a fresh random salt.
func NewCipher(passphrase string) (*Cipher, error) {
	c := &Cipher{}
	if _, err := rand.Read(c.salt[:]); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	key, err := deriveKey(passphrase, c.salt[:])
	if err != nil {
		return nil, err
	}
	c.key = key
	return c, nil
}

// Seal encrypts plain and returns base64(magic | salt | nonce | box).
func (c *Cipher) Seal(plain []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	out := make([]byte, 0, len(magic)+saltSize+nonceSize+len(plain)+secretbox.Overhead)
	out = append(out, magic...)
	out = append(out, c.salt[:]...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plain, &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Encrypt seals plaintext under passphrase.
func Encrypt(plaintext, passphrase string) (string, error) {
	c, err := NewCipher(passphrase)
	if err != nil {
		return "", err
	}
	return c.Seal([]byte(plaintext))
}

// Decrypt opens a line produced by Encrypt or Seal.
func Decrypt(ciphertext, passphrase string) (string, error) {
	return newOpener(passphrase).open(ciphertext)
}

// opener caches derived keys per salt; a log file written by one process
// shares a single salt.
type opener struct {
	passphrase string
	mu         sync.Mutex
	keys       map[[saltSize]byte][keySize]byte
}

func newOpener(passphrase string) *opener {
	return &opener{passphrase: passphrase, keys: map[[saltSize]byte][keySize]byte{}}
}

func (o *opener) open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || !bytes.HasPrefix(raw, magic) || len(raw) < len(magic)+saltSize+nonceSize+secretbox.Overhead {
		return "", ErrNotEncrypted
	}
	raw = raw[len(magic):]
	var salt [saltSize]byte
	var nonce [nonceSize]byte
	copy(salt[:], raw[:saltSize])
	copy(nonce[:], raw[saltSize:saltSize+nonceSize])

	key, err := o.key(salt)
	if err != nil {
		return "", err
	}
	plain, ok := secretbox.Open(nil, raw[saltSize+nonceSize:], &nonce, &key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

func (o *opener) key(salt [saltSize]byte) ([keySize]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if k, ok := o.keys[salt]; ok {
		return k, nil
	}
	k, err := deriveKey(o.passphrase, salt[:])
	if err != nil {
		return k, err
	}
	o.keys[salt] = k
	return k, nil
}

func deriveKey(passphrase string, salt []byte) ([keySize]byte, error) {
	var key [keySize]byte
	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return key, fmt.Errorf("derive key: %w", err)
	}
	copy(key[:], derived)
	return key, nil
}

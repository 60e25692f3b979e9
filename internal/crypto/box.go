package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/scrypt"
)

var errShortFrame = errors.New("sealed frame too short")

// Box seals transport frames with AES-GCM under a key derived from a shared
// secret. A nil *Box passes frames through unchanged.
type Box struct {
	gcm cipher.AEAD
}

// NewBox returns nil (no encryption) for an empty secret.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, nil
	}
	salt := sha256.Sum256([]byte("p2p-comments:" + secret))
	key, err := scrypt.Key([]byte(secret), salt[:], 1<<15, 8, 1, 32)
	if err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm")
	}
	return &Box{gcm: gcm}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext), which is
// safe to write as one line.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	if b == nil {
		return plaintext, nil
	}
	nonce := make([]byte, b.gcm.NonceSize(), b.gcm.NonceSize()+len(plaintext)+b.gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	sealed := b.gcm.Seal(nonce, nonce, plaintext, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Open reverses Seal.
func (b *Box) Open(line []byte) ([]byte, error) {
	if b == nil {
		return line, nil
	}
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(sealed, line)
	if err != nil {
		return nil, errors.Wrap(err, "decode sealed frame")
	}
	sealed = sealed[:n]
	ns := b.gcm.NonceSize()
	if len(sealed) < ns+b.gcm.Overhead() {
		return nil, errShortFrame
	}
	plain, err := b.gcm.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "open sealed frame")
	}
	return plain, nil
}

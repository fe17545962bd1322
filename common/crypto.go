package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/Laisky/errors/v2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/fluxgate/fluxgate/common/config"
)

// HashKey returns the salted SHA-256 digest of an access-token key. The
// plaintext key is never stored; lookups hash the presented key the same
// way. Deterministic so it can serve as a unique index.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(config.SessionSecret + ":" + key))
	return hex.EncodeToString(h[:])
}

func credentialCipher() (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(config.SessionSecret), []byte("fluxgate-credential"), 4096, 32, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create gcm")
	}
	return aead, nil
}

// EncryptCredential seals a device-flow credential bundle for storage.
func EncryptCredential(plaintext []byte) (string, error) {
	aead, err := credentialCipher()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptCredential reverses EncryptCredential.
func DecryptCredential(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decode credential")
	}
	aead, err := credentialCipher()
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("credential payload too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open credential")
	}
	return plaintext, nil
}

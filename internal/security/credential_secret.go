package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	credentialKeyEnv           = "CREDENTIALS_ENCRYPTION_KEY"
	CredentialEncryptionPrefix = "enc:"
)

var (
	credentialCipherOnce sync.Once
	credentialCipherInst *credentialCipher
	credentialCipherErr  error
)

type credentialCipher struct {
	gcm cipher.AEAD
}

func getCredentialCipher() (*credentialCipher, error) {
	credentialCipherOnce.Do(func() {
		rawKey := strings.TrimSpace(os.Getenv(credentialKeyEnv))
		if rawKey == "" {
			credentialCipherErr = errors.New("credential encryption key not set: " + credentialKeyEnv)
			return
		}

		key, err := deriveCredentialKey(rawKey)
		if err != nil {
			credentialCipherErr = fmt.Errorf("derive credential key: %w", err)
			return
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			credentialCipherErr = fmt.Errorf("create cipher: %w", err)
			return
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			credentialCipherErr = fmt.Errorf("create gcm: %w", err)
			return
		}

		credentialCipherInst = &credentialCipher{gcm: gcm}
	})

	return credentialCipherInst, credentialCipherErr
}

func deriveCredentialKey(raw string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err == nil {
		return normalizeKey(decoded), nil
	}

	sum := sha256.Sum256([]byte(raw))
	return sum[:], nil
}

func normalizeKey(key []byte) []byte {
	switch len(key) {
	case 16, 24, 32:
		return key
	default:
		sum := sha256.Sum256(key)
		return sum[:]
	}
}

func EncryptCredentialSecret(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	cc, err := getCredentialCipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, cc.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	cipherText := cc.gcm.Seal(nil, nonce, []byte(plain), nil)
	payload := append(nonce, cipherText...)

	return CredentialEncryptionPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptCredentialSecret returns the plaintext and whether the stored value
// was a legacy unencrypted blob (accepted on read, re-encrypted on next save).
func DecryptCredentialSecret(value string) (string, bool, error) {
	if value == "" {
		return "", false, nil
	}

	if !strings.HasPrefix(value, CredentialEncryptionPrefix) {
		return value, true, nil
	}

	encoded := strings.TrimPrefix(value, CredentialEncryptionPrefix)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", true, fmt.Errorf("decode ciphertext: %w", err)
	}

	cc, err := getCredentialCipher()
	if err != nil {
		return "", false, err
	}

	nonceSize := cc.gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", true, errors.New("ciphertext too short")
	}

	nonce := data[:nonceSize]
	cipherText := data[nonceSize:]

	plain, err := cc.gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return "", true, fmt.Errorf("decrypt ciphertext: %w", err)
	}

	return string(plain), false, nil
}

func IsCredentialSecretEncrypted(value string) bool {
	return strings.HasPrefix(value, CredentialEncryptionPrefix)
}

func ResetCredentialCipherForTests() {
	credentialCipherOnce = sync.Once{}
	credentialCipherInst = nil
	credentialCipherErr = nil
}

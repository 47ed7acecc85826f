// Package secrets encrypts private keys and API keys with a password and
// loads the bots' secrets file.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Method is the key derivation and authentication scheme. Its value is also
// the prefix of the encrypted text.
type Method string

const (
	// MethodSHA256 hashes the password with sha256. Kept for old files.
	MethodSHA256 Method = ""
	// MethodScrypt derives the key with scrypt and stores no auth tag.
	MethodScrypt Method = "@"
	// MethodScryptAuth derives the key with scrypt and stores the GCM tag, so a
	// wrong password or corrupted text is detected.
	MethodScryptAuth Method = "#"
)

const (
	ivLen  = 16
	tagLen = 16
	keyLen = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	ErrWrongPassword   = errors.New("wrong password or corrupted text")
	ErrInvalidText     = errors.New("invalid encrypted text format")
	ErrUnknownMethod   = errors.New("unknown encryption method")
	errShortCiphertext = fmt.Errorf("%w: too short", ErrInvalidText)
)

func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "", "scrypt-auth", "#":
		return MethodScryptAuth, nil
	case "scrypt", "@":
		return MethodScrypt, nil
	case "sha256", "sha":
		return MethodSHA256, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

func deriveKey(method Method, password string, salt []byte) ([]byte, error) {
	if method == MethodSHA256 {
		sum := sha256.Sum256([]byte(password))
		return sum[:], nil
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// EncryptText encrypts text with AES-256-GCM under a fresh random IV. The
// result is the method prefix followed by base64(iv [|| tag] || ciphertext).
func EncryptText(password, text string, method Method) (string, error) {
	if method != MethodSHA256 && method != MethodScrypt && method != MethodScryptAuth {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	key, err := deriveKey(method, password, iv)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, []byte(text), nil)
	ciphertext, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, ivLen+len(sealed))
	out = append(out, iv...)
	if method == MethodScryptAuth {
		out = append(out, tag...)
	}
	out = append(out, ciphertext...)
	return string(method) + base64.StdEncoding.EncodeToString(out), nil
}

// DecryptText reverses EncryptText. Only MethodScryptAuth can tell a wrong
// password from a right one; the other methods return garbage instead.
func DecryptText(password, encrypted string) (string, error) {
	method, body := splitMethod(encrypted)
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidText, err)
	}
	if len(raw) < ivLen || (method == MethodScryptAuth && len(raw) < ivLen+tagLen) {
		return "", errShortCiphertext
	}
	iv := raw[:ivLen]
	key, err := deriveKey(method, password, iv)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if method == MethodScryptAuth {
		tag, ciphertext := raw[ivLen:ivLen+tagLen], raw[ivLen+tagLen:]
		sealed := append(append([]byte(nil), ciphertext...), tag...)
		plain, err := gcm.Open(nil, iv, sealed, nil)
		if err != nil {
			return "", ErrWrongPassword
		}
		return string(plain), nil
	}
	// GCM without the tag is CTR mode: sealing the ciphertext with the same
	// key and IV applies the same keystream again.
	ciphertext := raw[ivLen:]
	sealed := gcm.Seal(nil, iv, ciphertext, nil)
	return string(sealed[:len(ciphertext)]), nil
}

func splitMethod(encrypted string) (Method, string) {
	switch {
	case strings.HasPrefix(encrypted, string(MethodScryptAuth)):
		return MethodScryptAuth, encrypted[1:]
	case strings.HasPrefix(encrypted, string(MethodScrypt)):
		return MethodScrypt, encrypted[1:]
	}
	return MethodSHA256, encrypted
}

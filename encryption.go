package capsule

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // key checksum per the SSE-C header contract
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
)

// SSE header names and the single supported cipher id.
const (
	SSEHeader             = "x-amz-server-side-encryption"
	SSECAlgorithmHeader   = "x-amz-server-side-encryption-customer-algorithm"
	SSECKeyHeader         = "x-amz-server-side-encryption-customer-key"
	SSECKeyMD5Header      = "x-amz-server-side-encryption-customer-key-md5"
	SSEAlgorithmAES256    = "AES256"
	EncryptionTypeSSES3   = "SSE-S3"
	EncryptionTypeSSEC    = "SSE-C"
	encryptionKeyLenBytes = 32
)

// EncryptionEnvelope records everything except the key that is needed to
// reverse an object's encryption transform. It is persisted as JSON text
// on the location row. The GCM nonce and tag are stored here, never
// derived from the key.
type EncryptionEnvelope struct {
	Type   string `json:"type"`             // "SSE-S3" or "SSE-C"
	Nonce  string `json:"iv"`               // hex
	Tag    string `json:"authTag"`          // hex
	KeyRef string `json:"keyId,omitempty"`  // SSE-S3 key reference
	KeyMD5 string `json:"keyMd5,omitempty"` // SSE-C key checksum, base64
}

// GenerateEncryptionKey returns fresh 256-bit key material, hex encoded.
func GenerateEncryptionKey() (string, error) {
	key := make([]byte, encryptionKeyLenBytes)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate encryption key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// EncryptObject seals plaintext under the hex-encoded key with
// AES-256-GCM and a fresh random nonce. The returned ciphertext excludes
// the authentication tag; nonce and tag land in the envelope.
func EncryptObject(plaintext []byte, keyHex string) ([]byte, EncryptionEnvelope, error) {
	gcm, err := newGCM(keyHex)
	if err != nil {
		return nil, EncryptionEnvelope{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, EncryptionEnvelope{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()

	env := EncryptionEnvelope{
		Nonce: hex.EncodeToString(nonce),
		Tag:   hex.EncodeToString(sealed[tagStart:]),
	}

	return sealed[:tagStart], env, nil
}

// DecryptObject reverses EncryptObject. It fails when the key is wrong or
// the ciphertext/tag have been tampered with.
func DecryptObject(ciphertext []byte, keyHex string, env EncryptionEnvelope) ([]byte, error) {
	gcm, err := newGCM(keyHex)
	if err != nil {
		return nil, err
	}

	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}

	tag, err := hex.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt object: %w", err)
	}

	return plaintext, nil
}

// RotateEncryptionKey decrypts ciphertext under the old key and re-seals
// it under the new key with a fresh nonce.
func RotateEncryptionKey(ciphertext []byte, oldKeyHex string, oldEnv EncryptionEnvelope, newKeyHex string) ([]byte, EncryptionEnvelope, error) {
	plaintext, err := DecryptObject(ciphertext, oldKeyHex, oldEnv)
	if err != nil {
		return nil, EncryptionEnvelope{}, err
	}
	return EncryptObject(plaintext, newKeyHex)
}

func newGCM(keyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}

	if len(key) != encryptionKeyLenBytes {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes", ErrInvalidArgument, encryptionKeyLenBytes)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	return gcm, nil
}

// SSECKey is a customer-supplied encryption key extracted from request
// headers. The key material is never persisted.
type SSECKey struct {
	KeyHex string
	KeyMD5 string // base64 checksum as supplied by the caller
}

// ParseSSECHeaders extracts and validates SSE-C headers. It returns nil
// when the request carries no SSE-C directives, and ErrInvalidArgument
// when the headers are present but malformed: unsupported algorithm,
// wrong key length, or a checksum that does not match the key.
func ParseSSECHeaders(h http.Header) (*SSECKey, error) {
	algo := h.Get(SSECAlgorithmHeader)
	keyB64 := h.Get(SSECKeyHeader)
	keyMD5 := h.Get(SSECKeyMD5Header)

	if algo == "" && keyB64 == "" {
		return nil, nil
	}

	if algo != SSEAlgorithmAES256 {
		return nil, fmt.Errorf("%w: unsupported encryption algorithm %q", ErrInvalidArgument, algo)
	}

	if keyB64 == "" {
		return nil, fmt.Errorf("%w: missing customer encryption key", ErrInvalidArgument)
	}

	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: customer key is not valid base64", ErrInvalidArgument)
	}

	if len(key) != encryptionKeyLenBytes {
		return nil, fmt.Errorf("%w: customer key must be %d bytes", ErrInvalidArgument, encryptionKeyLenBytes)
	}

	if keyMD5 != "" {
		sum := md5.Sum(key) //nolint:gosec
		if base64.StdEncoding.EncodeToString(sum[:]) != keyMD5 {
			return nil, fmt.Errorf("%w: customer key md5 mismatch", ErrInvalidArgument)
		}
	}

	return &SSECKey{KeyHex: hex.EncodeToString(key), KeyMD5: keyMD5}, nil
}

// VerifySSECKeyMD5 re-verifies a caller-supplied key checksum against the
// checksum recorded at write time.
func VerifySSECKeyMD5(recorded, supplied string) error {
	if recorded != "" && recorded != supplied {
		return fmt.Errorf("%w: encryption key does not match the one used to encrypt the object", ErrPreconditionFailed)
	}
	return nil
}

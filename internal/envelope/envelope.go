package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey reports structurally unusable key material. It is
	// returned before any cryptographic work happens.
	ErrInvalidKey = errors.New("invalid key material")
	// ErrDecryptionFailed reports a wrapped-key or payload that could not
	// be recovered: corruption, tampering, or the wrong key.
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	symmetricKeySize = 32
	nonceSize        = 12
	minModulusBits   = 2048
)

// Envelope is the wire form of an encrypted broker payload. The symmetric
// key and nonce are serialized and wrapped with the fleet's RSA public key so
// the broker never observes plaintext.
type Envelope struct {
	WrappedKey string `json:"wrappedKey"`
	CipherText string `json:"cipherText"`
}

type symmetricMaterial struct {
	Key []byte `json:"key"`
	IV  []byte `json:"iv"`
}

// Encrypt seals plaintext under a fresh AES-256-GCM key and wraps the key
// material with RSA-OAEP for the recipient.
func Encrypt(plaintext []byte, pub *rsa.PublicKey) (Envelope, error) {
	if err := validatePublicKey(pub); err != nil {
		return Envelope{}, err
	}
	key := make([]byte, symmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return Envelope{}, fmt.Errorf("generate symmetric key: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("initialise cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("initialise gcm: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	material, err := json.Marshal(symmetricMaterial{Key: key, IV: nonce})
	if err != nil {
		return Envelope{}, fmt.Errorf("serialise key material: %w", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, material, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap symmetric key: %w", err)
	}
	return Envelope{
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		CipherText: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt unwraps the symmetric key material and opens the payload. Any
// failure after key validation surfaces as ErrDecryptionFailed; a tampered
// envelope never yields incorrect plaintext because GCM authenticates.
func Decrypt(env Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	if err := validatePrivateKey(priv); err != nil {
		return nil, err
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", ErrDecryptionFailed)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.CipherText)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", ErrDecryptionFailed)
	}
	material, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap symmetric key: %w", ErrDecryptionFailed)
	}
	var sym symmetricMaterial
	if err := json.Unmarshal(material, &sym); err != nil {
		return nil, fmt.Errorf("parse key material: %w", ErrDecryptionFailed)
	}
	if len(sym.Key) != symmetricKeySize || len(sym.IV) != nonceSize {
		return nil, fmt.Errorf("key material has unexpected shape: %w", ErrDecryptionFailed)
	}
	block, err := aes.NewCipher(sym.Key)
	if err != nil {
		return nil, fmt.Errorf("initialise cipher: %w", ErrDecryptionFailed)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initialise gcm: %w", ErrDecryptionFailed)
	}
	plaintext, err := gcm.Open(nil, sym.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", ErrDecryptionFailed)
	}
	return plaintext, nil
}

func validatePublicKey(pub *rsa.PublicKey) error {
	if pub == nil || pub.N == nil {
		return fmt.Errorf("public key is missing: %w", ErrInvalidKey)
	}
	if pub.E < 3 {
		return fmt.Errorf("public exponent out of range: %w", ErrInvalidKey)
	}
	if pub.N.BitLen() < minModulusBits {
		return fmt.Errorf("modulus below %d bits: %w", minModulusBits, ErrInvalidKey)
	}
	return nil
}

func validatePrivateKey(priv *rsa.PrivateKey) error {
	if priv == nil || priv.N == nil {
		return fmt.Errorf("private key is missing: %w", ErrInvalidKey)
	}
	if priv.N.BitLen() < minModulusBits {
		return fmt.Errorf("modulus below %d bits: %w", minModulusBits, ErrInvalidKey)
	}
	if err := priv.Validate(); err != nil {
		return fmt.Errorf("private key failed validation: %w", ErrInvalidKey)
	}
	return nil
}

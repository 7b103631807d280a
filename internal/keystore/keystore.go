package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// multicodec prefix for a P-256 compressed public key (0x1200 as a
// varint), per the multicodec table. The full encoded form is
// 'z' + base58btc(prefix || compressed point) and must stay
// bit-compatible with external verifiers of the same scheme.
var p256Multicodec = []byte{0x80, 0x24}

var ErrInvalidKey = errors.New("invalid key material")

// Generate creates a new P-256 keypair.
func Generate() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// EncodePublicMultibase compresses the public key point to a parity
// prefix plus x-coordinate, prepends the curve multicodec, and encodes
// base58btc with the 'z' multibase prefix.
func EncodePublicMultibase(pub *ecdsa.PublicKey) string {
	compressed := elliptic.MarshalCompressed(elliptic.P256(), pub.X, pub.Y)
	return "z" + base58.Encode(append(append([]byte{}, p256Multicodec...), compressed...))
}

// DecodePublicMultibase reverses EncodePublicMultibase.
func DecodePublicMultibase(encoded string) (*ecdsa.PublicKey, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("%w: missing multibase prefix", ErrInvalidKey)
	}
	raw, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != len(p256Multicodec)+33 || raw[0] != p256Multicodec[0] || raw[1] != p256Multicodec[1] {
		return nil, fmt.Errorf("%w: not a p256 multicodec key", ErrInvalidKey)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), raw[len(p256Multicodec):])
	if x == nil {
		return nil, fmt.Errorf("%w: point not on curve", ErrInvalidKey)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// EncryptColumn seals plaintext for storage as an encrypted column:
// base64(iv[12] || authTag[16] || ciphertext) under AES-256-GCM. The
// same format covers every secret column in the store.
func EncryptColumn(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	// Seal appends ciphertext||tag; the stored layout wants iv||tag||ct.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	out := make([]byte, 0, len(iv)+len(sealed))
	out = append(out, iv...)
	out = append(out, sealed[tagStart:]...)
	out = append(out, sealed[:tagStart]...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptColumn reverses EncryptColumn. Authentication failure (wrong
// key, tampered ciphertext) returns an error.
func DecryptColumn(encoded string, key []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted column: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: encrypted column too short", ErrInvalidKey)
	}
	iv := raw[:gcm.NonceSize()]
	tag := raw[gcm.NonceSize() : gcm.NonceSize()+gcm.Overhead()]
	ciphertext := raw[gcm.NonceSize()+gcm.Overhead():]
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	return gcm.Open(nil, iv, sealed, nil)
}

// SealPrivateKey marshals and encrypts a private key for storage.
func SealPrivateKey(priv *ecdsa.PrivateKey, key []byte) (string, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return EncryptColumn(der, key)
}

// OpenPrivateKey decrypts and parses a stored private key. The
// decrypted material lives only for the duration of the signing
// operation that needed it.
func OpenPrivateKey(encoded string, key []byte) (*ecdsa.PrivateKey, error) {
	der, err := DecryptColumn(encoded, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseECPrivateKey(der)
}

// Package crypto loads the secp256k1 key used to sign opportunity payloads
// and produces signatures downstream executors can verify.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 480_000
	saltSize      = 16
	aesKeySize    = 32
	sealedVersion = 1
)

// ErrNoKey is returned by LoadKey when no key source is configured.
var ErrNoKey = errors.New("crypto: no signing key configured")

// sealedKey is the on-disk format written by Seal.
type sealedKey struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource says where the signing key comes from. Hex wins over Path.
type KeySource struct {
	Hex      string
	Path     string
	Password string
}

// Seal encrypts key under password with PBKDF2-SHA256 and AES-256-GCM.
func Seal(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: seal: empty password")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: seal: salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: seal: nonce: %w", err)
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)

	return sonnet.Marshal(sealedKey{
		Version:    sealedVersion,
		Address:    addr.Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), addr.Bytes())),
	})
}

// Open reverses Seal. The stored address is authenticated as additional
// data, so a tampered file fails to open.
func Open(blob []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: open: empty password")
	}
	var sk sealedKey
	if err := sonnet.Unmarshal(blob, &sk); err != nil {
		return nil, fmt.Errorf("crypto: open: decode: %w", err)
	}
	if sk.Version != sealedVersion {
		return nil, fmt.Errorf("crypto: open: unsupported version %d", sk.Version)
	}

	var parts [3][]byte
	for i, s := range []string{sk.Salt, sk.Nonce, sk.Ciphertext} {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("crypto: open: field %d: %w", i, err)
		}
		parts[i] = b
	}
	salt, nonce, ciphertext := parts[0], parts[1], parts[2]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: open: nonce is %d bytes", len(nonce))
	}
	addr, err := parseAddress(sk.Address)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	raw, err := gcm.Open(nil, nonce, ciphertext, addr.Bytes())
	if err != nil {
		return nil, fmt.Errorf("crypto: open: wrong password or corrupted file: %w", err)
	}
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return key, nil
}

// LoadKey resolves src to a private key. It returns ErrNoKey when neither
// Hex nor Path is set.
func LoadKey(src KeySource) (*ecdsa.PrivateKey, error) {
	switch {
	case src.Hex != "":
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(src.Hex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("crypto: load key: %w", err)
		}
		return key, nil
	case src.Path != "":
		blob, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("crypto: load key: %w", err)
		}
		return Open(blob, src.Password)
	default:
		return nil, ErrNoKey
	}
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, kdfIterations, aesKeySize, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

package crypto

import (
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSignRecover(t *testing.T) {
	key, err := LoadKey(KeySource{Hex: "0x" + testKeyHex})
	require.NoError(t, err)
	s := NewSigner(key)

	payload := []byte(`{"id":"opp-1"}`)
	sig, err := s.Sign(payload)
	require.NoError(t, err)
	assert.Len(t, sig, 2+2*ethcrypto.SignatureLength)

	addr, err := Recover(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr.Hex())

	other, err := Recover([]byte(`{"id":"opp-2"}`), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other.Hex())
}

func TestRecoverRejectsMalformed(t *testing.T) {
	_, err := Recover([]byte("x"), "0x1234")
	assert.Error(t, err)
	_, err = Recover([]byte("x"), "not-hex")
	assert.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	blob, err := Seal(key, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadKey(KeySource{Path: path, Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.FromECDSA(key), ethcrypto.FromECDSA(got))

	_, err = Open(blob, "wrong")
	assert.Error(t, err)
	_, err = Seal(key, "")
	assert.Error(t, err)
}

func TestLoadKeyWithoutSource(t *testing.T) {
	_, err := LoadKey(KeySource{})
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = LoadKey(KeySource{Hex: "zz"})
	assert.Error(t, err)
}

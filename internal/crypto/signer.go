package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const recoveryID = ethcrypto.RecoveryIDOffset

// Signer produces EIP-191 personal-message signatures, the form wallets and
// contracts recover with ecrecover.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// Address is the checksummed signer address.
func (s *Signer) Address() string { return s.address.Hex() }

// Sign returns the 65-byte signature over payload as 0x-prefixed hex, with
// the recovery id in the Ethereum 27/28 form.
func (s *Signer) Sign(payload []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(payload), s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign: %w", err)
	}
	sig[recoveryID] += 27
	return hexutil.Encode(sig), nil
}

// Recover returns the address that produced sig over payload.
func Recover(payload []byte, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover: %w", err)
	}
	if len(raw) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("crypto: recover: signature is %d bytes", len(raw))
	}
	if raw[recoveryID] >= 27 {
		raw[recoveryID] -= 27
	}
	if raw[recoveryID] > 1 {
		return common.Address{}, errors.New("crypto: recover: invalid recovery id")
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(payload), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

package ledger

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable prefix of every ledger address.
const AddressPrefix = "rent"

// Keypair controls one ledger account.
type Keypair struct {
	key *ecdsa.PrivateKey
}

// GenerateKeypair creates a fresh secp256k1 keypair.
func GenerateKeypair() (*Keypair, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Keypair{key: key}, nil
}

// KeypairFromSecret restores a keypair from its hex-encoded secret.
func KeypairFromSecret(secret string) (*Keypair, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(secret), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return &Keypair{key: key}, nil
}

// Secret returns the hex-encoded private key.
func (k *Keypair) Secret() string {
	return hex.EncodeToString(crypto.FromECDSA(k.key))
}

// Address returns the bech32 account address.
func (k *Keypair) Address() string {
	return encodeAddress(crypto.PubkeyToAddress(k.key.PublicKey).Bytes())
}

// Sign signs the transaction hash and returns the signed envelope.
func (k *Keypair) Sign(tx Transaction) (SignedTransaction, error) {
	digest, err := tx.digest()
	if err != nil {
		return SignedTransaction{}, err
	}
	sig, err := crypto.Sign(digest, k.key)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("sign transaction: %w", err)
	}
	return SignedTransaction{
		Transaction: tx,
		Hash:        hex.EncodeToString(digest),
		Signature:   hex.EncodeToString(sig),
	}, nil
}

func encodeAddress(b []byte) string {
	conv, err := bech32.ConvertBits(b, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// ValidateAddress checks prefix, checksum and length of a ledger address.
func ValidateAddress(addr string) error {
	prefix, decoded, err := bech32.Decode(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if prefix != AddressPrefix {
		return fmt.Errorf("invalid address %q: unexpected prefix %q", addr, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if len(conv) != 20 {
		return fmt.Errorf("invalid address %q: expected 20 bytes, got %d", addr, len(conv))
	}
	return nil
}

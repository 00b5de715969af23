package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// Wallet signs transactions with an ed25519 keypair.
type Wallet struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// ParsePrivateKey accepts a base58 encoded 64-byte keypair or 32-byte seed,
// or the JSON byte-array form written by the Solana CLI.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("solana: parse key array: %w", err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, errors.New("solana: key array value out of range")
			}
			raw[i] = byte(v)
		}
	} else {
		var err error
		raw, err = base58.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("solana: decode base58 key: %w", err)
		}
	}

	switch len(raw) {
	case ed25519.PrivateKeySize:
		key := ed25519.PrivateKey(raw)
		derived := ed25519.NewKeyFromSeed(key.Seed())
		if !bytes.Equal(derived[32:], raw[32:]) {
			return nil, errors.New("solana: keypair public half does not match seed")
		}
		return key, nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("solana: key must be 32 or 64 bytes, got %d", len(raw))
	}
}

// NewWallet wraps a private key.
func NewWallet(priv ed25519.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// PublicKey returns the base58 address.
func (w *Wallet) PublicKey() string {
	return base58.Encode(w.pub)
}

// SignBase64 signs a base64 encoded transaction and returns it re-encoded.
func (w *Wallet) SignBase64(txBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("solana: decode transaction: %w", err)
	}
	signed, err := w.SignTransaction(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(signed), nil
}

// SignTransaction places the wallet's signature in the slot that matches its
// position among the message's required signers.
func (w *Wallet) SignTransaction(tx []byte) ([]byte, error) {
	nSigs, n, err := decodeShortVec(tx)
	if err != nil {
		return nil, fmt.Errorf("solana: %w: %w", domain.ErrSigningFailed, err)
	}
	msgStart := n + nSigs*ed25519.SignatureSize
	if nSigs == 0 || len(tx) <= msgStart {
		return nil, fmt.Errorf("solana: %w: truncated transaction", domain.ErrSigningFailed)
	}
	msg := tx[msgStart:]

	idx, err := signerIndex(msg, w.pub)
	if err != nil {
		return nil, fmt.Errorf("solana: %w: %w", domain.ErrSigningFailed, err)
	}
	if idx >= nSigs {
		return nil, fmt.Errorf("solana: %w: signer slot %d beyond %d signatures", domain.ErrSigningFailed, idx, nSigs)
	}

	out := bytes.Clone(tx)
	sig := ed25519.Sign(w.priv, msg)
	copy(out[n+idx*ed25519.SignatureSize:], sig)
	return out, nil
}

// signerIndex finds pub among the first numRequiredSignatures account keys
// of a legacy or versioned message.
func signerIndex(msg, pub []byte) (int, error) {
	off := 0
	if len(msg) > 0 && msg[0]&0x80 != 0 {
		off = 1 // versioned message prefix
	}
	if len(msg) < off+3 {
		return 0, errors.New("message header truncated")
	}
	required := int(msg[off])
	off += 3

	nKeys, n, err := decodeShortVec(msg[off:])
	if err != nil {
		return 0, err
	}
	off += n
	if len(msg) < off+nKeys*ed25519.PublicKeySize {
		return 0, errors.New("account keys truncated")
	}
	for i := 0; i < nKeys && i < required; i++ {
		key := msg[off+i*ed25519.PublicKeySize : off+(i+1)*ed25519.PublicKeySize]
		if bytes.Equal(key, pub) {
			return i, nil
		}
	}
	return 0, errors.New("wallet is not a required signer")
}

// decodeShortVec reads Solana's compact-u16 length prefix.
func decodeShortVec(b []byte) (value, size int, err error) {
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("short vec truncated")
		}
		value |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, errors.New("short vec too long")
}

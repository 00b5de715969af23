package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestParsePrivateKeyForms(t *testing.T) {
	priv := newKey(t)

	got, err := ParsePrivateKey(base58.Encode(priv))
	require.NoError(t, err)
	assert.Equal(t, priv, got)

	got, err = ParsePrivateKey(base58.Encode(priv.Seed()))
	require.NoError(t, err)
	assert.Equal(t, priv, got)

	arr := make([]int, len(priv))
	for i, b := range priv {
		arr[i] = int(b)
	}
	js, err := json.Marshal(arr)
	require.NoError(t, err)
	got, err = ParsePrivateKey(string(js))
	require.NoError(t, err)
	assert.Equal(t, priv, got)

	_, err = ParsePrivateKey("0OIl")
	assert.Error(t, err)
	_, err = ParsePrivateKey(base58.Encode([]byte{1, 2, 3}))
	assert.Error(t, err)

	tampered := append(ed25519.PrivateKey(nil), priv...)
	tampered[40] ^= 0xff
	_, err = ParsePrivateKey(base58.Encode(tampered))
	assert.Error(t, err)
}

// legacyTx builds an unsigned transaction whose message lists the given
// signer keys first.
func legacyTx(signers ...ed25519.PublicKey) (tx, msg []byte) {
	msg = []byte{byte(len(signers)), 0, 1, byte(len(signers) + 1)}
	for _, s := range signers {
		msg = append(msg, s...)
	}
	msg = append(msg, make([]byte, 32)...) // program id
	msg = append(msg, make([]byte, 32)...) // recent blockhash
	msg = append(msg, 0)                   // no instructions

	tx = []byte{byte(len(signers))}
	tx = append(tx, make([]byte, 64*len(signers))...)
	tx = append(tx, msg...)
	return tx, msg
}

func TestSignTransaction(t *testing.T) {
	payer := newKey(t)
	other := newKey(t)
	w := NewWallet(payer)

	tx, msg := legacyTx(other.Public().(ed25519.PublicKey), payer.Public().(ed25519.PublicKey))
	signed, err := w.SignTransaction(tx)
	require.NoError(t, err)

	assert.Equal(t, make([]byte, 64), signed[1:65], "other signer slot untouched")
	assert.True(t, ed25519.Verify(payer.Public().(ed25519.PublicKey), msg, signed[65:129]))
	assert.Equal(t, tx[129:], signed[129:])
	assert.Equal(t, make([]byte, 64), tx[65:129], "input not modified")
}

func TestSignVersionedTransaction(t *testing.T) {
	payer := newKey(t)
	w := NewWallet(payer)

	legacy, _ := legacyTx(payer.Public().(ed25519.PublicKey))
	msg := append([]byte{0x80}, legacy[65:]...)
	tx := append(append([]byte{1}, make([]byte, 64)...), msg...)

	signed, err := w.SignBase64(encodeB64(tx))
	require.NoError(t, err)
	raw := decodeB64(t, signed)
	assert.True(t, ed25519.Verify(payer.Public().(ed25519.PublicKey), msg, raw[1:65]))
}

func TestSignTransactionRejectsForeignTx(t *testing.T) {
	w := NewWallet(newKey(t))
	tx, _ := legacyTx(newKey(t).Public().(ed25519.PublicKey))
	_, err := w.SignTransaction(tx)
	assert.ErrorIs(t, err, domain.ErrSigningFailed)

	_, err = w.SignTransaction([]byte{1, 2})
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}

func TestDecodeShortVec(t *testing.T) {
	for _, tc := range []struct {
		in    []byte
		value int
		size  int
	}{
		{[]byte{0x00}, 0, 1},
		{[]byte{0x7f}, 127, 1},
		{[]byte{0x80, 0x01}, 128, 2},
		{[]byte{0xff, 0xff, 0x03}, 65535, 3},
	} {
		v, n, err := decodeShortVec(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.value, v)
		assert.Equal(t, tc.size, n)
	}
	_, _, err := decodeShortVec([]byte{0x80})
	assert.Error(t, err)
}

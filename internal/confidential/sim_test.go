package confidential_test

import (
	"ConfidentialPerp/internal/confidential"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey = []byte("0123456789abcdef0123456789abcdef")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newBackend(t *testing.T) (*confidential.SimBackend, *confidential.Sealer) {
	t.Helper()
	backend, err := confidential.NewSimBackend(testKey)
	require.NoError(t, err)
	sealer, err := confidential.NewSealer(testKey)
	require.NoError(t, err)
	return backend, sealer
}

func plain(t *testing.T, b *confidential.SimBackend, v confidential.Value) int64 {
	t.Helper()
	d, err := b.DecryptValue(v)
	require.NoError(t, err)
	return d.IntPart()
}

func truth(t *testing.T, b *confidential.SimBackend, v confidential.Bool) bool {
	t.Helper()
	r, err := b.DecryptBool(v)
	require.NoError(t, err)
	return r
}

// ============================================================================
// Test: Input decoding
// ============================================================================

func TestDecode_RoundTrip(t *testing.T) {
	backend, sealer := newBackend(t)

	ct, err := sealer.Seal(alice, 1000)
	require.NoError(t, err)

	v, err := backend.Decode(ct, alice)
	require.NoError(t, err)
	assert.True(t, v.IsSet())
	assert.Equal(t, int64(1000), plain(t, backend, v))
}

func TestDecode_WrongOwnerRejected(t *testing.T) {
	backend, sealer := newBackend(t)

	ct, err := sealer.Seal(alice, 1000)
	require.NoError(t, err)

	_, err = backend.Decode(ct, bob)
	assert.ErrorIs(t, err, confidential.ErrMalformedCiphertext)
}

func TestDecode_TamperedBlobRejected(t *testing.T) {
	backend, sealer := newBackend(t)

	ct, err := sealer.Seal(alice, 42)
	require.NoError(t, err)

	ct.Blob[len(ct.Blob)-1] ^= 0xff
	ct.Proof = confidential.InputProof(alice, ct.Blob)

	_, err = backend.Decode(ct, alice)
	assert.ErrorIs(t, err, confidential.ErrMalformedCiphertext)
}

func TestDecode_ShortBlobRejected(t *testing.T) {
	backend, _ := newBackend(t)

	blob := []byte{1, 2, 3}
	_, err := backend.Decode(confidential.Ciphertext{Blob: blob, Proof: confidential.InputProof(alice, blob)}, alice)
	assert.ErrorIs(t, err, confidential.ErrMalformedCiphertext)
}

func TestDecode_ForeignKeyRejected(t *testing.T) {
	backend, _ := newBackend(t)
	other, err := confidential.NewSealer([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	ct, err := other.Seal(alice, 7)
	require.NoError(t, err)

	_, err = backend.Decode(ct, alice)
	assert.ErrorIs(t, err, confidential.ErrMalformedCiphertext)
}

func TestNewSimBackend_BadKeyLength(t *testing.T) {
	_, err := confidential.NewSimBackend([]byte("short"))
	assert.Error(t, err)
}

// ============================================================================
// Test: Arithmetic
// ============================================================================

func TestArithmetic_Collateral(t *testing.T) {
	backend, _ := newBackend(t)

	size := backend.Trivial(10)
	price := backend.Trivial(100)
	notional := backend.Mul(size, price)
	collateral, err := backend.DivPlain(notional, 5)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), plain(t, backend, notional))
	assert.Equal(t, int64(200), plain(t, backend, collateral))
}

func TestArithmetic_DivPlainTruncates(t *testing.T) {
	backend, _ := newBackend(t)

	q, err := backend.DivPlain(backend.Trivial(7), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), plain(t, backend, q))
}

func TestArithmetic_DivPlainZero(t *testing.T) {
	backend, _ := newBackend(t)

	_, err := backend.DivPlain(backend.Trivial(7), 0)
	assert.ErrorIs(t, err, confidential.ErrDivisionByZero)
}

func TestArithmetic_SubGoesNegativeSilently(t *testing.T) {
	backend, _ := newBackend(t)

	d := backend.Sub(backend.Trivial(100), backend.Trivial(120))
	assert.Equal(t, int64(-20), plain(t, backend, d))
}

func TestArithmetic_Comparisons(t *testing.T) {
	backend, _ := newBackend(t)
	lo, hi := backend.Trivial(40), backend.Trivial(50)

	assert.True(t, truth(t, backend, backend.Lt(lo, hi)))
	assert.False(t, truth(t, backend, backend.Gt(lo, hi)))
	assert.True(t, truth(t, backend, backend.Ge(hi, lo)))
	assert.True(t, truth(t, backend, backend.Ge(hi, hi)))
	assert.True(t, truth(t, backend, backend.Ne(lo, hi)))
	assert.False(t, truth(t, backend, backend.Ne(lo, lo)))

	both := backend.And(backend.Lt(lo, hi), backend.Ne(lo, hi))
	assert.True(t, truth(t, backend, both))
	neither := backend.And(backend.Lt(lo, hi), backend.Gt(lo, hi))
	assert.False(t, truth(t, backend, neither))
}

func TestArithmetic_DeterministicHandles(t *testing.T) {
	backend, sealer := newBackend(t)

	ct, err := sealer.Seal(alice, 10)
	require.NoError(t, err)
	a, err := backend.Decode(ct, alice)
	require.NoError(t, err)
	b := backend.Trivial(3)

	assert.Equal(t, backend.Mul(a, b).Handle(), backend.Mul(a, b).Handle())
	assert.Equal(t, backend.Lt(a, b).Handle(), backend.Lt(a, b).Handle())
	assert.NotEqual(t, backend.Add(a, b).Handle(), backend.Sub(a, b).Handle())
	assert.NotEqual(t, backend.Lt(a, b).Handle(), backend.Lt(b, a).Handle())
}

func TestArithmetic_FreshInputsGetFreshHandles(t *testing.T) {
	backend, sealer := newBackend(t)

	ct1, err := sealer.Seal(alice, 10)
	require.NoError(t, err)
	ct2, err := sealer.Seal(alice, 10)
	require.NoError(t, err)

	v1, err := backend.Decode(ct1, alice)
	require.NoError(t, err)
	v2, err := backend.Decode(ct2, alice)
	require.NoError(t, err)

	assert.NotEqual(t, v1.Handle(), v2.Handle())
}

func TestDecrypt_UnknownHandle(t *testing.T) {
	backend, _ := newBackend(t)

	var h confidential.Handle
	h[0] = 1
	_, err := backend.DecryptValue(confidential.ValueOf(h))
	assert.ErrorIs(t, err, confidential.ErrUnknownHandle)
	_, err = backend.DecryptBool(confidential.BoolOf(h))
	assert.ErrorIs(t, err, confidential.ErrUnknownHandle)
}

// ============================================================================
// Test: Handle encoding
// ============================================================================

func TestHandle_JSON(t *testing.T) {
	backend, _ := newBackend(t)
	h := backend.Trivial(5).Handle()

	data, err := json.Marshal(map[string]confidential.Handle{"h": h})
	require.NoError(t, err)

	var back map[string]confidential.Handle
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, h, back["h"])
}

func TestHandleFromHex_WrongLength(t *testing.T) {
	_, err := confidential.HandleFromHex("0x0102")
	assert.Error(t, err)
}

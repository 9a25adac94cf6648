package confidential

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

var (
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrUnknownHandle       = errors.New("unknown handle")
	ErrDivisionByZero      = errors.New("division by zero plaintext divisor")
)

// Handle is the public reference to a ciphertext held by the arithmetic
// backend. Handles are safe to log, hash and publish.
type Handle [32]byte

func (h Handle) Hex() string {
	return hexutil.Encode(h[:])
}

func (h Handle) String() string {
	return h.Hex()
}

func (h Handle) IsZero() bool {
	return h == Handle{}
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	raw, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("decode handle: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("decode handle: want %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// HandleFromHex parses a 0x-prefixed 32-byte handle.
func HandleFromHex(s string) (Handle, error) {
	var h Handle
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// Value is an opaque confidential scalar. Its plaintext is never observable
// through this type.
type Value struct {
	h Handle
}

func (v Value) Handle() Handle {
	return v.h
}

func (v Value) IsSet() bool {
	return !v.h.IsZero()
}

// ValueOf wraps an existing handle, e.g. when a read model hands one back.
func ValueOf(h Handle) Value {
	return Value{h: h}
}

// Bool is an opaque confidential predicate. It deliberately has no method
// that yields a Go bool; only a Decrypter can reveal it.
type Bool struct {
	h Handle
}

func (b Bool) Handle() Handle {
	return b.h
}

func BoolOf(h Handle) Bool {
	return Bool{h: h}
}

// Ciphertext is a client-encrypted input bound to the submitting account,
// together with its input proof.
type Ciphertext struct {
	Blob  hexutil.Bytes `json:"blob"`
	Proof hexutil.Bytes `json:"proof"`
}

// Empty reports whether the caller omitted the input altogether.
func (c Ciphertext) Empty() bool {
	return len(c.Blob) == 0 && len(c.Proof) == 0
}

// Arithmetic is the homomorphic capability the ledger computes with.
// Every operation is total: none of them can observe plaintexts, so none of
// them can fail on "insufficient value".
type Arithmetic interface {
	Add(x, y Value) Value
	Sub(x, y Value) Value
	Mul(x, y Value) Value
	MulPlain(x Value, k uint64) Value
	DivPlain(x Value, k uint64) (Value, error)

	Lt(x, y Value) Bool
	Gt(x, y Value) Bool
	Ge(x, y Value) Bool
	Ne(x, y Value) Bool
	And(x, y Bool) Bool

	// Trivial encrypts a public constant.
	Trivial(k uint64) Value

	// Decode admits a client ciphertext. It fails with ErrMalformedCiphertext
	// when the blob or its proof does not verify for owner.
	Decode(ct Ciphertext, owner common.Address) (Value, error)
}

// Decrypter reveals plaintexts. Only the oracle holds one; the ledger never
// does.
type Decrypter interface {
	DecryptBool(b Bool) (bool, error)
	DecryptValue(v Value) (decimal.Decimal, error)
}

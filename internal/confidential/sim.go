package confidential

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	opInput byte = iota + 1
	opTrivial
	opAdd
	opSub
	opMul
	opMulPlain
	opDivPlain
	opLt
	opGt
	opGe
	opNe
	opAnd
)

// SimBackend simulates an encrypted-arithmetic coprocessor. Plaintexts stay
// in a private table keyed by handle; callers only ever see handles.
//
// Handles are derived from the operation and its operand handles, so
// recomputing a predicate over unchanged state yields the same handle. The
// trigger protocol relies on this to detect stale attestations.
//
// Values are signed and unbounded. Subtraction below zero is not detected,
// matching the silent-failure behaviour of a real scheme.
type SimBackend struct {
	mu     sync.RWMutex
	aead   cipher.AEAD
	values map[Handle]decimal.Decimal
	bools  map[Handle]bool
}

// NewSimBackend creates a backend that admits ciphertexts sealed under
// networkKey (chacha20poly1305.KeySize bytes).
func NewSimBackend(networkKey []byte) (*SimBackend, error) {
	aead, err := chacha20poly1305.NewX(networkKey)
	if err != nil {
		return nil, fmt.Errorf("network key: %w", err)
	}
	return &SimBackend{
		aead:   aead,
		values: make(map[Handle]decimal.Decimal),
		bools:  make(map[Handle]bool),
	}, nil
}

func derive(op byte, extra []byte, inputs ...Handle) Handle {
	buf := make([]byte, 0, 1+len(extra)+len(inputs)*32)
	buf = append(buf, op)
	buf = append(buf, extra...)
	for _, in := range inputs {
		buf = append(buf, in[:]...)
	}
	return Handle(crypto.Keccak256Hash(buf))
}

func plainBytes(k uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], k)
	return b[:]
}

func plainDecimal(k uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(k), 0)
}

// mustValue is called with the lock held.
func (s *SimBackend) mustValue(v Value) decimal.Decimal {
	d, ok := s.values[v.h]
	if !ok {
		panic(fmt.Sprintf("FATAL: unknown value handle %s", v.h))
	}
	return d
}

func (s *SimBackend) mustBool(b Bool) bool {
	r, ok := s.bools[b.h]
	if !ok {
		panic(fmt.Sprintf("FATAL: unknown bool handle %s", b.h))
	}
	return r
}

func (s *SimBackend) store(h Handle, compute func() decimal.Decimal) Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[h]; !ok {
		s.values[h] = compute()
	}
	return Value{h: h}
}

func (s *SimBackend) storeBool(h Handle, compute func() bool) Bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bools[h]; !ok {
		s.bools[h] = compute()
	}
	return Bool{h: h}
}

func (s *SimBackend) Add(x, y Value) Value {
	return s.store(derive(opAdd, nil, x.h, y.h), func() decimal.Decimal {
		return s.mustValue(x).Add(s.mustValue(y))
	})
}

func (s *SimBackend) Sub(x, y Value) Value {
	return s.store(derive(opSub, nil, x.h, y.h), func() decimal.Decimal {
		return s.mustValue(x).Sub(s.mustValue(y))
	})
}

func (s *SimBackend) Mul(x, y Value) Value {
	return s.store(derive(opMul, nil, x.h, y.h), func() decimal.Decimal {
		return s.mustValue(x).Mul(s.mustValue(y))
	})
}

func (s *SimBackend) MulPlain(x Value, k uint64) Value {
	return s.store(derive(opMulPlain, plainBytes(k), x.h), func() decimal.Decimal {
		return s.mustValue(x).Mul(plainDecimal(k))
	})
}

// DivPlain truncates toward zero.
func (s *SimBackend) DivPlain(x Value, k uint64) (Value, error) {
	if k == 0 {
		return Value{}, ErrDivisionByZero
	}
	return s.store(derive(opDivPlain, plainBytes(k), x.h), func() decimal.Decimal {
		q, _ := s.mustValue(x).QuoRem(plainDecimal(k), 0)
		return q
	}), nil
}

func (s *SimBackend) Lt(x, y Value) Bool {
	return s.storeBool(derive(opLt, nil, x.h, y.h), func() bool {
		return s.mustValue(x).LessThan(s.mustValue(y))
	})
}

func (s *SimBackend) Gt(x, y Value) Bool {
	return s.storeBool(derive(opGt, nil, x.h, y.h), func() bool {
		return s.mustValue(x).GreaterThan(s.mustValue(y))
	})
}

func (s *SimBackend) Ge(x, y Value) Bool {
	return s.storeBool(derive(opGe, nil, x.h, y.h), func() bool {
		return s.mustValue(x).GreaterThanOrEqual(s.mustValue(y))
	})
}

func (s *SimBackend) Ne(x, y Value) Bool {
	return s.storeBool(derive(opNe, nil, x.h, y.h), func() bool {
		return !s.mustValue(x).Equal(s.mustValue(y))
	})
}

func (s *SimBackend) And(x, y Bool) Bool {
	return s.storeBool(derive(opAnd, nil, x.h, y.h), func() bool {
		return s.mustBool(x) && s.mustBool(y)
	})
}

func (s *SimBackend) Trivial(k uint64) Value {
	return s.store(derive(opTrivial, plainBytes(k)), func() decimal.Decimal {
		return plainDecimal(k)
	})
}

func (s *SimBackend) Decode(ct Ciphertext, owner common.Address) (Value, error) {
	if !bytes.Equal(ct.Proof, InputProof(owner, ct.Blob)) {
		return Value{}, fmt.Errorf("%w: input proof does not match", ErrMalformedCiphertext)
	}
	nonceSize := s.aead.NonceSize()
	if len(ct.Blob) < nonceSize+s.aead.Overhead() {
		return Value{}, fmt.Errorf("%w: blob too short", ErrMalformedCiphertext)
	}
	nonce, body := ct.Blob[:nonceSize], ct.Blob[nonceSize:]
	plain, err := s.aead.Open(nil, nonce, body, owner.Bytes())
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(plain) != 8 {
		return Value{}, fmt.Errorf("%w: want 8-byte plaintext, got %d", ErrMalformedCiphertext, len(plain))
	}

	extra := append(owner.Bytes(), ct.Blob...)
	amount := binary.BigEndian.Uint64(plain)
	return s.store(derive(opInput, extra), func() decimal.Decimal {
		return plainDecimal(amount)
	}), nil
}

func (s *SimBackend) DecryptBool(b Bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.bools[b.h]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownHandle, b.h)
	}
	return r, nil
}

func (s *SimBackend) DecryptValue(v Value) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.values[v.h]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownHandle, v.h)
	}
	return d, nil
}

// Size returns how many value and bool handles the backend holds.
func (s *SimBackend) Size() (values, bools int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values), len(s.bools)
}

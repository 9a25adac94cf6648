package oracle

import (
	"ConfidentialPerp/internal/confidential"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidAttestation = errors.New("invalid attestation")

// Kind names the predicate an attestation speaks for.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindLiquidation
	KindStopLoss
	KindTakeProfit
	KindMatch
	KindWithdrawal
)

func (k Kind) String() string {
	switch k {
	case KindLiquidation:
		return "Liquidation"
	case KindStopLoss:
		return "StopLoss"
	case KindTakeProfit:
		return "TakeProfit"
	case KindMatch:
		return "Match"
	case KindWithdrawal:
		return "Withdrawal"
	default:
		return "Unknown"
	}
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	for k := KindLiquidation; k <= KindWithdrawal; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown attestation kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Attestation is the oracle's signed statement that the confidential
// predicate behind Handle decrypts to Result.
type Attestation struct {
	Kind      Kind                `json:"kind"`
	Subject   common.Hash         `json:"subject"`
	Handle    confidential.Handle `json:"handle"`
	Result    bool                `json:"result"`
	Signature hexutil.Bytes       `json:"signature"`
}

// Digest is the Keccak-256 of the attested fields under a ledger domain.
func (a *Attestation) Digest(domain common.Hash) common.Hash {
	result := byte(0)
	if a.Result {
		result = 1
	}
	return crypto.Keccak256Hash(
		domain.Bytes(),
		[]byte{byte(a.Kind)},
		a.Subject.Bytes(),
		a.Handle[:],
		[]byte{result},
	)
}

// Domain separates attestations between ledger instances.
func Domain(ledgerID string) common.Hash {
	return crypto.Keccak256Hash([]byte("ConfidentialPerp:attestation:"), []byte(ledgerID))
}

// SequenceSubject maps a plaintext sequence id (order match, withdrawal) to
// an attestation subject.
func SequenceSubject(id uint64) common.Hash {
	var h common.Hash
	binary.BigEndian.PutUint64(h[common.HashLength-8:], id)
	return h
}

// Verifier checks attestations against the configured oracle signer.
type Verifier struct {
	signer common.Address
	domain common.Hash
}

func NewVerifier(signer common.Address, ledgerID string) *Verifier {
	return &Verifier{signer: signer, domain: Domain(ledgerID)}
}

func (v *Verifier) Signer() common.Address {
	return v.signer
}

// Verify checks the signature and the expected kind and subject. It does
// not check the handle or the result; the caller recomputes the predicate.
func (v *Verifier) Verify(att *Attestation, subject common.Hash, kinds ...Kind) error {
	if att == nil {
		return fmt.Errorf("%w: missing", ErrInvalidAttestation)
	}
	if !kindAllowed(att.Kind, kinds) {
		return fmt.Errorf("%w: kind %s not accepted here", ErrInvalidAttestation, att.Kind)
	}
	if att.Subject != subject {
		return fmt.Errorf("%w: subject %s, want %s", ErrInvalidAttestation, att.Subject.Hex(), subject.Hex())
	}
	if len(att.Signature) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature length %d", ErrInvalidAttestation, len(att.Signature))
	}
	pub, err := crypto.SigToPub(att.Digest(v.domain).Bytes(), att.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != v.signer {
		return fmt.Errorf("%w: signed by %s", ErrInvalidAttestation, got.Hex())
	}
	return nil
}

func kindAllowed(k Kind, kinds []Kind) bool {
	for _, allowed := range kinds {
		if k == allowed {
			return true
		}
	}
	return false
}

// Signer is the oracle side: it decrypts predicates and signs the outcome.
// It runs outside the ledger and never holds the ledger lock.
type Signer struct {
	key       *ecdsa.PrivateKey
	domain    common.Hash
	decrypter confidential.Decrypter
}

func NewSigner(key *ecdsa.PrivateKey, ledgerID string, decrypter confidential.Decrypter) *Signer {
	return &Signer{key: key, domain: Domain(ledgerID), decrypter: decrypter}
}

func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Attest decrypts pred and returns a signed attestation of its value.
func (s *Signer) Attest(kind Kind, subject common.Hash, pred confidential.Bool) (*Attestation, error) {
	result, err := s.decrypter.DecryptBool(pred)
	if err != nil {
		return nil, fmt.Errorf("decrypt predicate: %w", err)
	}
	return s.Sign(&Attestation{
		Kind:    kind,
		Subject: subject,
		Handle:  pred.Handle(),
		Result:  result,
	})
}

// Sign signs an attestation as given.
func (s *Signer) Sign(att *Attestation) (*Attestation, error) {
	sig, err := crypto.Sign(att.Digest(s.domain).Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign attestation: %w", err)
	}
	att.Signature = sig
	return att, nil
}

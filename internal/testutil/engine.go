package testutil

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/observability"
	"ConfidentialPerp/internal/oracle"
	"ConfidentialPerp/internal/state"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const TestLedgerID = "testutil"

var (
	TestNetworkKey = []byte("0123456789abcdef0123456789abcdef")
	TestAdmin      = common.HexToAddress("0x00000000000000000000000000000000000ad111")
)

// TestParams are the risk parameters the ledger tests share.
func TestParams() state.Params {
	return state.Params{
		LiquidationThresholdBps: 500,
		FundingRateBps:          100,
		LiquidationRewardBps:    500,
		MaxLeverage:             20,
	}
}

// Ledger is an engine over the simulated coprocessor, with the client and
// oracle sides needed to drive it.
type Ledger struct {
	T       *testing.T
	Engine  *core.Engine
	Backend *confidential.SimBackend
	Sealer  *confidential.Sealer
	Signer  *oracle.Signer
	Persist chan core.CoreOutput
	Metrics *observability.Metrics
}

// NewLedger builds a fresh engine with a stepping clock.
func NewLedger(t *testing.T) *Ledger {
	t.Helper()

	backend, err := confidential.NewSimBackend(TestNetworkKey)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	sealer, err := confidential.NewSealer(TestNetworkKey)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("oracle key: %v", err)
	}
	signer := oracle.NewSigner(key, TestLedgerID, backend)

	tick := time.Unix(1700000000, 0)
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	persist := make(chan core.CoreOutput, 4096)
	engine, err := core.NewEngine(
		core.EngineConfig{Admin: TestAdmin, Params: TestParams(), Clock: clock},
		backend,
		oracle.NewVerifier(signer.Address(), TestLedgerID),
		persist, nil,
		metrics,
		zerolog.Nop(),
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	return &Ledger{
		T:       t,
		Engine:  engine,
		Backend: backend,
		Sealer:  sealer,
		Signer:  signer,
		Persist: persist,
		Metrics: metrics,
	}
}

func (l *Ledger) Seal(owner common.Address, amount uint64) confidential.Ciphertext {
	l.T.Helper()
	ct, err := l.Sealer.Seal(owner, amount)
	if err != nil {
		l.T.Fatalf("seal: %v", err)
	}
	return ct
}

func (l *Ledger) Deposit(account common.Address, amount uint64) {
	l.T.Helper()
	if err := l.Engine.Deposit(context.Background(), account, l.Seal(account, amount)); err != nil {
		l.T.Fatalf("deposit: %v", err)
	}
}

func (l *Ledger) SetPrice(price uint64) {
	l.T.Helper()
	if err := l.Engine.SetOraclePrice(context.Background(), TestAdmin, l.Seal(TestAdmin, price)); err != nil {
		l.T.Fatalf("set price: %v", err)
	}
}

// Open opens a position without brackets.
func (l *Ledger) Open(account common.Address, size, leverage uint64, isLong bool) common.Hash {
	l.T.Helper()
	id, err := l.Engine.OpenPosition(context.Background(), account, l.Seal(account, size), leverage, isLong,
		confidential.Ciphertext{}, confidential.Ciphertext{})
	if err != nil {
		l.T.Fatalf("open position: %v", err)
	}
	return id
}

// Plain decrypts a value handle for assertions.
func (l *Ledger) Plain(h confidential.Handle) int64 {
	l.T.Helper()
	d, err := l.Backend.DecryptValue(confidential.ValueOf(h))
	if err != nil {
		l.T.Fatalf("decrypt: %v", err)
	}
	return d.IntPart()
}

func (l *Ledger) Reveal(h confidential.Handle) bool {
	l.T.Helper()
	r, err := l.Backend.DecryptBool(confidential.BoolOf(h))
	if err != nil {
		l.T.Fatalf("decrypt bool: %v", err)
	}
	return r
}

// Drain empties the persist channel.
func (l *Ledger) Drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-l.Persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

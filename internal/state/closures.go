package state

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Closure records how and by whom a position left the Open state. The
// liquidation and bracket paths keep the executing keeper.
type Closure struct {
	PositionID common.Hash
	Owner      common.Address
	Keeper     common.Address // zero for owner closes
	Status     PositionStatus
	Trigger    string // "StopLoss" / "TakeProfit" for bracket executions
	Sequence   int64
	ClosedAt   time.Time
}

// ClosureLog tracks terminal transitions per position
type ClosureLog struct {
	closures map[common.Hash]*Closure
	counts   map[PositionStatus]int
}

func NewClosureLog() *ClosureLog {
	return &ClosureLog{
		closures: make(map[common.Hash]*Closure),
		counts:   make(map[PositionStatus]int),
	}
}

// Record stores a closure. A second closure for the same position is an
// invariant breach.
func (cl *ClosureLog) Record(c *Closure) {
	if prev, ok := cl.closures[c.PositionID]; ok {
		panic("FATAL: position " + c.PositionID.Hex() + " already closed as " + prev.Status.String())
	}
	cl.closures[c.PositionID] = c
	cl.counts[c.Status]++
}

func (cl *ClosureLog) Get(id common.Hash) (*Closure, bool) {
	c, ok := cl.closures[id]
	return c, ok
}

// Count returns how many positions closed with the given status
func (cl *ClosureLog) Count(status PositionStatus) int {
	return cl.counts[status]
}

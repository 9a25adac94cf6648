package state

import (
	"ConfidentialPerp/internal/confidential"
	"time"
)

// FundingRound is a snapshot of one applied funding round. The oracle
// price is kept by handle only.
type FundingRound struct {
	Round        uint64
	RateBps      uint64
	OracleHandle confidential.Handle
	Positions    int
	AppliedAt    time.Time
}

// FundingTracker numbers funding rounds and keeps their snapshots
type FundingTracker struct {
	rounds []FundingRound
}

func NewFundingTracker() *FundingTracker {
	return &FundingTracker{}
}

// NextRound returns the number the next applied round will get
func (ft *FundingTracker) NextRound() uint64 {
	return uint64(len(ft.rounds)) + 1
}

// Store appends a round snapshot. Rounds must be stored in order.
func (ft *FundingTracker) Store(r FundingRound) {
	if r.Round != ft.NextRound() {
		panic("FATAL: funding round out of order")
	}
	ft.rounds = append(ft.rounds, r)
}

func (ft *FundingTracker) Get(round uint64) (FundingRound, bool) {
	if round == 0 || round > uint64(len(ft.rounds)) {
		return FundingRound{}, false
	}
	return ft.rounds[round-1], true
}

// Latest returns the last applied round
func (ft *FundingTracker) Latest() (FundingRound, bool) {
	return ft.Get(uint64(len(ft.rounds)))
}

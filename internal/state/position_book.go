package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// PositionBook stores every position ever opened, indexed by id and by
// owner. Positions are never removed; terminal ones stay for reads.
type PositionBook struct {
	positions map[common.Hash]*Position
	byOwner   map[common.Address][]common.Hash
	order     []common.Hash
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[common.Hash]*Position),
		byOwner:   make(map[common.Address][]common.Hash),
	}
}

// Add stores a new position
func (pb *PositionBook) Add(pos *Position) error {
	if _, exists := pb.positions[pos.ID]; exists {
		return fmt.Errorf("position %s already exists", pos.ID.Hex())
	}
	pb.positions[pos.ID] = pos
	pb.byOwner[pos.Owner] = append(pb.byOwner[pos.Owner], pos.ID)
	pb.order = append(pb.order, pos.ID)
	return nil
}

// Get returns the position or nil
func (pb *PositionBook) Get(id common.Hash) (*Position, bool) {
	pos, ok := pb.positions[id]
	return pos, ok
}

// UserPositions returns the ids of all positions an account has opened,
// open or not, in opening order.
func (pb *PositionBook) UserPositions(owner common.Address) []common.Hash {
	ids := pb.byOwner[owner]
	out := make([]common.Hash, len(ids))
	copy(out, ids)
	return out
}

// OpenPositions returns open positions in opening order
func (pb *PositionBook) OpenPositions() []*Position {
	var open []*Position
	for _, id := range pb.order {
		if pos := pb.positions[id]; pos.IsOpen() {
			open = append(open, pos)
		}
	}
	return open
}

func (pb *PositionBook) OpenCount() int {
	n := 0
	for _, pos := range pb.positions {
		if pos.IsOpen() {
			n++
		}
	}
	return n
}

// All returns every position in opening order (for state hashing)
func (pb *PositionBook) All() []*Position {
	all := make([]*Position, 0, len(pb.order))
	for _, id := range pb.order {
		all = append(all, pb.positions[id])
	}
	return all
}

func (pb *PositionBook) Len() int {
	return len(pb.order)
}

package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix        = "cperp:"
	KeyOpenPositions = "cperp:positions:open"
	KeyOrderBookSize = "cperp:orderbook:size"
	KeyWatermark     = "cperp:watermark"
	KeyFundingRounds = "cperp:funding:rounds"
)

func AccountPositionsKey(account common.Address) string {
	return "cperp:account:" + account.Hex() + ":positions"
}

func PositionKey(id common.Hash) string {
	return "cperp:position:" + id.Hex()
}

// OpKind is one read-model mutation.
type OpKind int

const (
	OpSetAdd OpKind = iota
	OpSetRemove
	OpHashSet
	OpIncr
	OpListPush
)

// Op is applied by a Store. Member carries the set member or list value;
// Fields the hash fields.
type Op struct {
	Kind   OpKind
	Key    string
	Member string
	Fields map[string]interface{}
}

// Store applies the ops derived from one envelope atomically together with
// the new watermark. Reset drops the whole model and leaves only the given
// watermark.
type Store interface {
	Apply(ctx context.Context, sequence int64, ops []Op) error
	Watermark(ctx context.Context) (int64, error)
	Reset(ctx context.Context, watermark int64) error
}

// Reader is the query side of the projection.
type Reader interface {
	OpenPositions(ctx context.Context) ([]common.Hash, error)
	AccountPositions(ctx context.Context, account common.Address) ([]common.Hash, error)
	Position(ctx context.Context, id common.Hash) (PositionView, bool, error)
	OrderBookSize(ctx context.Context) (int64, error)
	FundingHistory(ctx context.Context, limit int) ([]FundingHistoryEntry, error)
	Watermark(ctx context.Context) (int64, error)
}

// PositionView is the public metadata of a position. Amounts never reach
// the projection.
type PositionView struct {
	ID        common.Hash    `json:"id"`
	Owner     common.Address `json:"owner"`
	IsLong    bool           `json:"is_long"`
	Leverage  uint64         `json:"leverage"`
	Status    string         `json:"status"`
	OpenedSeq int64          `json:"opened_seq"`
	ClosedSeq int64          `json:"closed_seq,omitempty"`
	Keeper    string         `json:"keeper,omitempty"`
	Trigger   string         `json:"trigger,omitempty"`
}

func positionFromFields(id common.Hash, fields map[string]string) (PositionView, error) {
	view := PositionView{
		ID:      id,
		Owner:   common.HexToAddress(fields["owner"]),
		IsLong:  fields["is_long"] == "1",
		Status:  fields["status"],
		Keeper:  fields["keeper"],
		Trigger: fields["trigger"],
	}
	var err error
	if view.Leverage, err = strconv.ParseUint(fields["leverage"], 10, 64); err != nil {
		return PositionView{}, fmt.Errorf("position %s leverage: %w", id.Hex(), err)
	}
	if view.OpenedSeq, err = strconv.ParseInt(fields["opened_seq"], 10, 64); err != nil {
		return PositionView{}, fmt.Errorf("position %s opened_seq: %w", id.Hex(), err)
	}
	if s, ok := fields["closed_seq"]; ok {
		if view.ClosedSeq, err = strconv.ParseInt(s, 10, 64); err != nil {
			return PositionView{}, fmt.Errorf("position %s closed_seq: %w", id.Hex(), err)
		}
	}
	return view, nil
}

func toHashes(members []string) []common.Hash {
	out := make([]common.Hash, 0, len(members))
	for _, m := range members {
		out = append(out, common.HexToHash(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// ============================================================================
// Redis
// ============================================================================

// RedisStore keeps the read model in Redis. Every envelope is one MULTI/EXEC
// so a reader never sees a half-applied event.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Apply(ctx context.Context, sequence int64, ops []Op) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			switch op.Kind {
			case OpSetAdd:
				pipe.SAdd(ctx, op.Key, op.Member)
			case OpSetRemove:
				pipe.SRem(ctx, op.Key, op.Member)
			case OpHashSet:
				pipe.HSet(ctx, op.Key, op.Fields)
			case OpIncr:
				pipe.Incr(ctx, op.Key)
			case OpListPush:
				pipe.RPush(ctx, op.Key, op.Member)
			default:
				return fmt.Errorf("unknown projection op %d", op.Kind)
			}
		}
		pipe.Set(ctx, KeyWatermark, sequence, 0)
		return nil
	})
	return err
}

// Reset deletes every key under KeyPrefix. Keys are collected with SCAN
// and removed in one MULTI/EXEC with the new watermark.
func (s *RedisStore) Reset(ctx context.Context, watermark int64) error {
	var keys []string
	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan projection keys: %w", err)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.Set(ctx, KeyWatermark, watermark, 0)
		return nil
	})
	return err
}

func (s *RedisStore) Watermark(ctx context.Context) (int64, error) {
	return s.getInt(ctx, KeyWatermark, -1)
}

func (s *RedisStore) OrderBookSize(ctx context.Context) (int64, error) {
	return s.getInt(ctx, KeyOrderBookSize, 0)
}

func (s *RedisStore) getInt(ctx context.Context, key string, missing int64) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return missing, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) OpenPositions(ctx context.Context) ([]common.Hash, error) {
	members, err := s.client.SMembers(ctx, KeyOpenPositions).Result()
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	return toHashes(members), nil
}

func (s *RedisStore) AccountPositions(ctx context.Context, account common.Address) ([]common.Hash, error) {
	members, err := s.client.SMembers(ctx, AccountPositionsKey(account)).Result()
	if err != nil {
		return nil, fmt.Errorf("account positions: %w", err)
	}
	return toHashes(members), nil
}

func (s *RedisStore) Position(ctx context.Context, id common.Hash) (PositionView, bool, error) {
	fields, err := s.client.HGetAll(ctx, PositionKey(id)).Result()
	if err != nil {
		return PositionView{}, false, fmt.Errorf("position %s: %w", id.Hex(), err)
	}
	if len(fields) == 0 {
		return PositionView{}, false, nil
	}
	view, err := positionFromFields(id, fields)
	if err != nil {
		return PositionView{}, false, err
	}
	return view, true, nil
}

func (s *RedisStore) FundingHistory(ctx context.Context, limit int) ([]FundingHistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, KeyFundingRounds, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("funding history: %w", err)
	}
	return decodeFundingHistory(raw)
}

// ============================================================================
// In-memory
// ============================================================================

// MemoryStore is the projection used when no Redis is configured. It
// follows the same key layout as RedisStore.
type MemoryStore struct {
	mu        sync.RWMutex
	sets      map[string]map[string]struct{}
	hashes    map[string]map[string]string
	counters  map[string]int64
	lists     map[string][]string
	watermark int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:      make(map[string]map[string]struct{}),
		hashes:    make(map[string]map[string]string),
		counters:  make(map[string]int64),
		lists:     make(map[string][]string),
		watermark: -1,
	}
}

func (s *MemoryStore) Apply(ctx context.Context, sequence int64, ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		switch op.Kind {
		case OpSetAdd:
			set, ok := s.sets[op.Key]
			if !ok {
				set = make(map[string]struct{})
				s.sets[op.Key] = set
			}
			set[op.Member] = struct{}{}
		case OpSetRemove:
			delete(s.sets[op.Key], op.Member)
		case OpHashSet:
			h, ok := s.hashes[op.Key]
			if !ok {
				h = make(map[string]string)
				s.hashes[op.Key] = h
			}
			for k, v := range op.Fields {
				h[k] = fmt.Sprint(v)
			}
		case OpIncr:
			s.counters[op.Key]++
		case OpListPush:
			s.lists[op.Key] = append(s.lists[op.Key], op.Member)
		default:
			return fmt.Errorf("unknown projection op %d", op.Kind)
		}
	}
	s.watermark = sequence
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context, watermark int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sets = make(map[string]map[string]struct{})
	s.hashes = make(map[string]map[string]string)
	s.counters = make(map[string]int64)
	s.lists = make(map[string][]string)
	s.watermark = watermark
	return nil
}

func (s *MemoryStore) Watermark(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark, nil
}

func (s *MemoryStore) OrderBookSize(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[KeyOrderBookSize], nil
}

func (s *MemoryStore) OpenPositions(ctx context.Context) ([]common.Hash, error) {
	return s.members(KeyOpenPositions), nil
}

func (s *MemoryStore) AccountPositions(ctx context.Context, account common.Address) ([]common.Hash, error) {
	return s.members(AccountPositionsKey(account)), nil
}

func (s *MemoryStore) members(key string) []common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	return toHashes(members)
}

func (s *MemoryStore) Position(ctx context.Context, id common.Hash) (PositionView, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.hashes[PositionKey(id)]
	if !ok {
		return PositionView{}, false, nil
	}
	view, err := positionFromFields(id, fields)
	if err != nil {
		return PositionView{}, false, err
	}
	return view, true, nil
}

func (s *MemoryStore) FundingHistory(ctx context.Context, limit int) ([]FundingHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}
	raw := s.lists[KeyFundingRounds]
	if len(raw) > limit {
		raw = raw[len(raw)-limit:]
	}
	return decodeFundingHistory(raw)
}

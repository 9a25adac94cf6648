package server

import (
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/ingestion"
	"ConfidentialPerp/internal/query"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "confidentialperp.v1.LedgerService"

// ============================================================================
// Messages
// ============================================================================

// CommandResponse reports what a mutation produced. Ids are set only for
// the commands that allocate them.
type CommandResponse struct {
	PositionID   *common.Hash `json:"position_id,omitempty"`
	OrderID      *uint64      `json:"order_id,omitempty"`
	WithdrawalID *uint64      `json:"withdrawal_id,omitempty"`
	FundingRound *uint64      `json:"funding_round,omitempty"`
	Duplicate    bool         `json:"duplicate,omitempty"`
	Stale        bool         `json:"stale,omitempty"`
}

type AccountRequest struct {
	Account common.Address `json:"account"`
}

type PositionRequest struct {
	PositionID common.Hash `json:"position_id"`
}

type MatchRequest struct {
	MatchID uint64 `json:"match_id"`
}

type WithdrawalRequest struct {
	WithdrawalID uint64 `json:"withdrawal_id"`
}

type FundingHistoryRequest struct {
	Limit int `json:"limit"`
}

type JournalHistoryRequest struct {
	Account        common.Address `json:"account"`
	Limit          int            `json:"limit"`
	BeforeSequence *int64         `json:"before_sequence,omitempty"`
}

type Empty struct{}

type UserPositionsResponse struct {
	Account   common.Address `json:"account"`
	Positions []common.Hash  `json:"positions"`
}

type JournalHistoryResponse struct {
	Account  common.Address              `json:"account"`
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// ============================================================================
// Service
// ============================================================================

// LedgerServiceServer is the handler type of the service descriptor.
type LedgerServiceServer interface {
	Execute(ctx context.Context, ct core.CommandType, req *ingestion.CommandRequest) (*CommandResponse, error)

	GetBalance(ctx context.Context, req *AccountRequest) (*query.BalanceResponse, error)
	GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error)
	GetUserPositions(ctx context.Context, req *AccountRequest) (*UserPositionsResponse, error)
	GetOraclePrice(ctx context.Context, req *Empty) (*query.OraclePriceResponse, error)
	OrderBookSize(ctx context.Context, req *Empty) (*query.OrderBookResponse, error)
	CalculatePnL(ctx context.Context, req *PositionRequest) (*query.PnLResponse, error)
	CheckLiquidatable(ctx context.Context, req *PositionRequest) (*query.PredicateResponse, error)
	EvaluateBrackets(ctx context.Context, req *PositionRequest) (*query.BracketsResponse, error)
	GetMatchPredicate(ctx context.Context, req *MatchRequest) (*query.PredicateResponse, error)
	GetWithdrawalPredicate(ctx context.Context, req *WithdrawalRequest) (*query.PredicateResponse, error)
	ListOpenPositions(ctx context.Context, req *Empty) (*query.PositionListResponse, error)
	GetFundingHistory(ctx context.Context, req *FundingHistoryRequest) (*query.FundingHistoryResponse, error)
	GetJournalHistory(ctx context.Context, req *JournalHistoryRequest) (*JournalHistoryResponse, error)
	VerifyIntegrity(ctx context.Context, req *Empty) (*query.IntegrityReport, error)
}

// LedgerService serves mutations through the dispatcher and reads through
// the query service.
type LedgerService struct {
	dispatcher ingestion.Dispatcher
	qs         *query.QueryService
}

func NewLedgerService(dispatcher ingestion.Dispatcher, qs *query.QueryService) *LedgerService {
	return &LedgerService{dispatcher: dispatcher, qs: qs}
}

// Execute applies one command. The caller is the x-account metadata value,
// never the body's; the request id falls back to x-request-id.
func (s *LedgerService) Execute(ctx context.Context, ct core.CommandType, req *ingestion.CommandRequest) (*CommandResponse, error) {
	caller, err := callerFrom(ctx)
	if err != nil {
		return nil, err
	}
	req.Caller = caller
	if req.RequestID == "" {
		req.RequestID = core.RequestIDFromContext(ctx)
	}

	cmd, err := req.ToCommand(ct)
	if err != nil {
		return nil, err
	}
	res, err := s.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		return nil, err
	}

	resp := &CommandResponse{Duplicate: res.Duplicate, Stale: res.Stale}
	if res.Duplicate || res.Stale {
		return resp, nil
	}
	switch ct {
	case core.CommandOpenPosition:
		resp.PositionID = &res.PositionID
	case core.CommandPlaceOrder:
		resp.OrderID = &res.OrderID
	case core.CommandRequestWithdrawal:
		resp.WithdrawalID = &res.WithdrawalID
	case core.CommandApplyFunding:
		resp.FundingRound = &res.FundingRound
	}
	return resp, nil
}

func callerFrom(ctx context.Context) (common.Address, error) {
	v := firstMetadata(ctx, accountHeader)
	if v == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address", ingestion.ErrInvalidCommand, accountHeader)
	}
	return common.HexToAddress(v), nil
}

func (s *LedgerService) GetBalance(ctx context.Context, req *AccountRequest) (*query.BalanceResponse, error) {
	return s.qs.GetBalance(ctx, req.Account)
}

func (s *LedgerService) GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error) {
	return s.qs.GetPosition(ctx, req.PositionID)
}

func (s *LedgerService) GetUserPositions(ctx context.Context, req *AccountRequest) (*UserPositionsResponse, error) {
	ids, err := s.qs.GetUserPositions(ctx, req.Account)
	if err != nil {
		return nil, err
	}
	return &UserPositionsResponse{Account: req.Account, Positions: ids}, nil
}

func (s *LedgerService) GetOraclePrice(ctx context.Context, _ *Empty) (*query.OraclePriceResponse, error) {
	return s.qs.GetOraclePrice(ctx)
}

func (s *LedgerService) OrderBookSize(ctx context.Context, _ *Empty) (*query.OrderBookResponse, error) {
	return s.qs.OrderBookSize(ctx)
}

func (s *LedgerService) CalculatePnL(ctx context.Context, req *PositionRequest) (*query.PnLResponse, error) {
	return s.qs.CalculatePnL(ctx, req.PositionID)
}

func (s *LedgerService) CheckLiquidatable(ctx context.Context, req *PositionRequest) (*query.PredicateResponse, error) {
	return s.qs.CheckLiquidatable(ctx, req.PositionID)
}

func (s *LedgerService) EvaluateBrackets(ctx context.Context, req *PositionRequest) (*query.BracketsResponse, error) {
	return s.qs.EvaluateBrackets(ctx, req.PositionID)
}

func (s *LedgerService) GetMatchPredicate(ctx context.Context, req *MatchRequest) (*query.PredicateResponse, error) {
	return s.qs.MatchPredicate(ctx, req.MatchID)
}

func (s *LedgerService) GetWithdrawalPredicate(ctx context.Context, req *WithdrawalRequest) (*query.PredicateResponse, error) {
	return s.qs.WithdrawalPredicate(ctx, req.WithdrawalID)
}

func (s *LedgerService) ListOpenPositions(ctx context.Context, _ *Empty) (*query.PositionListResponse, error) {
	return s.qs.ListOpenPositions(ctx)
}

func (s *LedgerService) GetFundingHistory(ctx context.Context, req *FundingHistoryRequest) (*query.FundingHistoryResponse, error) {
	return s.qs.GetFundingHistory(ctx, clampLimit(req.Limit))
}

func (s *LedgerService) GetJournalHistory(ctx context.Context, req *JournalHistoryRequest) (*JournalHistoryResponse, error) {
	entries, err := s.qs.GetJournalHistory(ctx, req.Account, clampLimit(req.Limit), req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &JournalHistoryResponse{Account: req.Account, Journals: entries}, nil
}

func (s *LedgerService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	return s.qs.VerifyIntegrity(ctx)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}

// ============================================================================
// Service descriptor
// ============================================================================

// unary builds a method whose request decodes into Req
func unary[Req any](name string, call func(s LedgerServiceServer, ctx context.Context, req *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(LedgerServiceServer)
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

func command(name string, ct core.CommandType) grpc.MethodDesc {
	return unary(name, func(s LedgerServiceServer, ctx context.Context, req *ingestion.CommandRequest) (interface{}, error) {
		return s.Execute(ctx, ct, req)
	})
}

// LedgerServiceDesc is registered by hand; messages travel through the
// JSON codec rather than generated protobuf types.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		command("Deposit", core.CommandDeposit),
		command("OpenPosition", core.CommandOpenPosition),
		command("ClosePosition", core.CommandClosePosition),
		command("UpdateBrackets", core.CommandUpdateBrackets),
		command("PlaceOrder", core.CommandPlaceOrder),
		command("SettleMatch", core.CommandSettleMatch),
		command("AttemptLiquidate", core.CommandAttemptLiquidate),
		command("AttemptExecuteBrackets", core.CommandAttemptExecuteBrackets),
		command("SetOraclePrice", core.CommandSetOraclePrice),
		command("ApplyFunding", core.CommandApplyFunding),
		command("RequestWithdrawal", core.CommandRequestWithdrawal),
		command("ConfirmWithdrawal", core.CommandConfirmWithdrawal),

		unary("GetBalance", func(s LedgerServiceServer, ctx context.Context, req *AccountRequest) (interface{}, error) {
			return s.GetBalance(ctx, req)
		}),
		unary("GetPosition", func(s LedgerServiceServer, ctx context.Context, req *PositionRequest) (interface{}, error) {
			return s.GetPosition(ctx, req)
		}),
		unary("GetUserPositions", func(s LedgerServiceServer, ctx context.Context, req *AccountRequest) (interface{}, error) {
			return s.GetUserPositions(ctx, req)
		}),
		unary("GetOraclePrice", func(s LedgerServiceServer, ctx context.Context, req *Empty) (interface{}, error) {
			return s.GetOraclePrice(ctx, req)
		}),
		unary("OrderBookSize", func(s LedgerServiceServer, ctx context.Context, req *Empty) (interface{}, error) {
			return s.OrderBookSize(ctx, req)
		}),
		unary("CalculatePnL", func(s LedgerServiceServer, ctx context.Context, req *PositionRequest) (interface{}, error) {
			return s.CalculatePnL(ctx, req)
		}),
		unary("CheckLiquidatable", func(s LedgerServiceServer, ctx context.Context, req *PositionRequest) (interface{}, error) {
			return s.CheckLiquidatable(ctx, req)
		}),
		unary("EvaluateBrackets", func(s LedgerServiceServer, ctx context.Context, req *PositionRequest) (interface{}, error) {
			return s.EvaluateBrackets(ctx, req)
		}),
		unary("GetMatchPredicate", func(s LedgerServiceServer, ctx context.Context, req *MatchRequest) (interface{}, error) {
			return s.GetMatchPredicate(ctx, req)
		}),
		unary("GetWithdrawalPredicate", func(s LedgerServiceServer, ctx context.Context, req *WithdrawalRequest) (interface{}, error) {
			return s.GetWithdrawalPredicate(ctx, req)
		}),
		unary("ListOpenPositions", func(s LedgerServiceServer, ctx context.Context, req *Empty) (interface{}, error) {
			return s.ListOpenPositions(ctx, req)
		}),
		unary("GetFundingHistory", func(s LedgerServiceServer, ctx context.Context, req *FundingHistoryRequest) (interface{}, error) {
			return s.GetFundingHistory(ctx, req)
		}),
		unary("GetJournalHistory", func(s LedgerServiceServer, ctx context.Context, req *JournalHistoryRequest) (interface{}, error) {
			return s.GetJournalHistory(ctx, req)
		}),
		unary("VerifyIntegrity", func(s LedgerServiceServer, ctx context.Context, req *Empty) (interface{}, error) {
			return s.VerifyIntegrity(ctx, req)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "confidentialperp/v1/ledger.proto",
}

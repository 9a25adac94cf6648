package server

import (
	"ConfidentialPerp/internal/ingestion"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// route is one read-only HTTP endpoint served by the gateway mux
type route struct {
	pattern string
	handle  func(s LedgerServiceServer, r *http.Request, params map[string]string) (interface{}, error)
}

var routes = []route{
	{"/v1/accounts/{account}/balance", func(s LedgerServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		account, err := parseAccount(p["account"])
		if err != nil {
			return nil, err
		}
		return s.GetBalance(r.Context(), &AccountRequest{Account: account})
	}},
	{"/v1/accounts/{account}/positions", func(s LedgerServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		account, err := parseAccount(p["account"])
		if err != nil {
			return nil, err
		}
		return s.GetUserPositions(r.Context(), &AccountRequest{Account: account})
	}},
	{"/v1/accounts/{account}/journals", func(s LedgerServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		account, err := parseAccount(p["account"])
		if err != nil {
			return nil, err
		}
		req := &JournalHistoryRequest{Account: account, Limit: queryInt(r, "limit")}
		if v := r.URL.Query().Get("before_sequence"); v != "" {
			before, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: before_sequence %q", ingestion.ErrInvalidCommand, v)
			}
			req.BeforeSequence = &before
		}
		return s.GetJournalHistory(r.Context(), req)
	}},
	{"/v1/positions", func(s LedgerServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		return s.ListOpenPositions(r.Context(), &Empty{})
	}},
	{"/v1/positions/{id}", func(s LedgerServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		id, err := parsePositionID(p["id"])
		if err != nil {
			return nil, err
		}
		return s.GetPosition(r.Context(), &PositionRequest{PositionID: id})
	}},
	{"/v1/positions/{id}/pnl", func(s LedgerServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		id, err := parsePositionID(p["id"])
		if err != nil {
			return nil, err
		}
		return s.CalculatePnL(r.Context(), &PositionRequest{PositionID: id})
	}},
	{"/v1/positions/{id}/liquidatable", func(s LedgerServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		id, err := parsePositionID(p["id"])
		if err != nil {
			return nil, err
		}
		return s.CheckLiquidatable(r.Context(), &PositionRequest{PositionID: id})
	}},
	{"/v1/positions/{id}/brackets", func(s LedgerServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		id, err := parsePositionID(p["id"])
		if err != nil {
			return nil, err
		}
		return s.EvaluateBrackets(r.Context(), &PositionRequest{PositionID: id})
	}},
	{"/v1/matches/{id}/predicate", func(s LedgerServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		id, err := parseUint(p["id"])
		if err != nil {
			return nil, err
		}
		return s.GetMatchPredicate(r.Context(), &MatchRequest{MatchID: id})
	}},
	{"/v1/withdrawals/{id}/predicate", func(s LedgerServiceServer, r *http.Request, p map[string]string) (interface{}, error) {
		id, err := parseUint(p["id"])
		if err != nil {
			return nil, err
		}
		return s.GetWithdrawalPredicate(r.Context(), &WithdrawalRequest{WithdrawalID: id})
	}},
	{"/v1/oracle/price", func(s LedgerServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		return s.GetOraclePrice(r.Context(), &Empty{})
	}},
	{"/v1/orderbook/size", func(s LedgerServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		return s.OrderBookSize(r.Context(), &Empty{})
	}},
	{"/v1/funding/history", func(s LedgerServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		return s.GetFundingHistory(r.Context(), &FundingHistoryRequest{Limit: queryInt(r, "limit")})
	}},
	{"/v1/admin/integrity", func(s LedgerServiceServer, r *http.Request, _ map[string]string) (interface{}, error) {
		return s.VerifyIntegrity(r.Context(), &Empty{})
	}},
}

// NewGatewayMux registers the read routes on a grpc-gateway mux. Handlers
// call the service in-process instead of proxying to the gRPC listener.
func NewGatewayMux(svc LedgerServiceServer) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	for _, rt := range routes {
		handle := rt.handle
		err := mux.HandlePath(http.MethodGet, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			resp, err := handle(svc, r, params)
			if err != nil {
				writeError(w, err)
				return
			}
			writeResponse(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", rt.pattern, err)
		}
	}
	return mux, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := CodeFor(err)
	writeResponse(w, HTTPStatusFor(code), errorBody{Code: code.String(), Message: err.Error()})
}

func writeResponse(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func parseAccount(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: account %q", ingestion.ErrInvalidCommand, s)
	}
	return common.HexToAddress(s), nil
}

func parsePositionID(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: position id %q", ingestion.ErrInvalidCommand, s)
	}
	return common.BytesToHash(b), nil
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q", ingestion.ErrInvalidCommand, s)
	}
	return v, nil
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}

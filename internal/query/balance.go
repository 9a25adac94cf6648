package query

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/core"
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceResponse is an account's spendable balance. Collateral locked in
// open positions is reported per position, not here.
type BalanceResponse struct {
	Account      common.Address      `json:"account"`
	Balance      confidential.Handle `json:"balance"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// GetBalance reads the live ledger, so the answer is never behind.
func (qs *QueryService) GetBalance(ctx context.Context, account common.Address) (resp *BalanceResponse, err error) {
	defer qs.observe("get_balance", qs.now(), &err)

	err = qs.ledger.View(func(v *core.View) error {
		bal, err := v.Balance(account)
		if err != nil {
			return err
		}
		resp = &BalanceResponse{Account: account, Balance: bal.Handle(), AsOfSequence: v.AsOf()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

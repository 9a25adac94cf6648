package state

import "fmt"

// BpsDenominator is the basis-point scale (100% = 10_000)
const BpsDenominator = 10_000

// Params holds the public risk parameters of a ledger instance. They are
// fixed at construction.
type Params struct {
	LiquidationThresholdBps uint64 // net value / position value below this is liquidatable
	FundingRateBps          uint64 // per funding round, of position value
	LiquidationRewardBps    uint64 // keeper share of collateral
	MaxLeverage             uint64
}

var DefaultParams = Params{
	LiquidationThresholdBps: 500, // 5%
	FundingRateBps:          1,   // 0.01%
	LiquidationRewardBps:    500, // 5%
	MaxLeverage:             100,
}

// ValidateParams checks that risk parameters are within valid ranges:
// threshold in (0, 10_000], reward <= 10_000, funding < 10_000,
// max_leverage > 0.
func ValidateParams(p Params) error {
	if p.LiquidationThresholdBps == 0 || p.LiquidationThresholdBps > BpsDenominator {
		return fmt.Errorf("liquidation_threshold_bps must be in (0, %d], got %d", BpsDenominator, p.LiquidationThresholdBps)
	}
	if p.LiquidationRewardBps > BpsDenominator {
		return fmt.Errorf("liquidation_reward_bps must be <= %d, got %d", BpsDenominator, p.LiquidationRewardBps)
	}
	if p.FundingRateBps >= BpsDenominator {
		return fmt.Errorf("funding_rate_bps must be < %d, got %d", BpsDenominator, p.FundingRateBps)
	}
	if p.MaxLeverage == 0 {
		return fmt.Errorf("max_leverage must be > 0")
	}
	return nil
}

// CheckLeverage validates a requested leverage against the cap. Leverage
// is public, so this check may branch.
func (p Params) CheckLeverage(leverage uint64) error {
	if leverage == 0 {
		return fmt.Errorf("leverage must be > 0")
	}
	if leverage > p.MaxLeverage {
		return fmt.Errorf("leverage %d exceeds max %d", leverage, p.MaxLeverage)
	}
	return nil
}

package leverage

import (
	"fmt"
	"math/big"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
)

// Governance is the read-only parameter snapshot passed into every operation.
// All values are provisioned at 1e18 accuracy and normalized to the kernel's
// working scales on read; a value that does not survive normalization is a
// configuration fault, not a recoverable error.
type Governance struct {
	// PoolUtilizationAllowance caps total outstanding loan relative to total
	// liquidity, as a percentage.
	PoolUtilizationAllowance *big.Int `toml:"PoolUtilizationAllowance"`
	// BaseBorrowRate is the per-second rate floor at zero utilization.
	BaseBorrowRate *big.Int `toml:"BaseBorrowRate"`
	// ExcessSlope steepens the rate curve above the optimal utilization.
	ExcessSlope *big.Int `toml:"ExcessSlope"`
	// OptimalSlope shapes the rate curve below the optimal utilization.
	OptimalSlope *big.Int `toml:"OptimalSlope"`
	// OptimalUtilization is the kink point of the rate curve.
	OptimalUtilization *big.Int `toml:"OptimalUtilization"`
	// TreasureFactor is the protocol's percentage cut of accrued interest.
	TreasureFactor *big.Int `toml:"TreasureFactor"`
	// MaxLeverageFactor bounds the leverage a position may open with.
	MaxLeverageFactor *big.Int `toml:"MaxLeverageFactor"`
	// MaxRateMultiplier is the rate multiplier charged at maximum leverage.
	MaxRateMultiplier *big.Int `toml:"MaxRateMultiplier"`
	// LiquidationMargin is the safety buffer over current debt that makes a
	// position eligible for forced unwind.
	LiquidationMargin *big.Int `toml:"LiquidationMargin"`
	// LiquidationReward is the liquidator's percentage of unwind proceeds.
	LiquidationReward *big.Int `toml:"LiquidationReward"`
	// MaxLiquidationReward caps the reward in native units; zero means no cap.
	MaxLiquidationReward *big.Int `toml:"MaxLiquidationReward"`
}

// accuracyDivisor is the provisioning scale of every governance value.
var accuracyDivisor = new(big.Int).SetUint64(1_000_000_000_000_000_000)

func applyAccuracy(value *big.Int, name string) (uint64, error) {
	if value == nil || value.Sign() < 0 {
		return 0, fmt.Errorf("%w: %s missing or negative", ErrGovernance, name)
	}
	scaled := new(big.Int).Quo(value, accuracyDivisor)
	if !scaled.IsUint64() {
		return 0, fmt.Errorf("%w: %s exceeds working range", ErrGovernance, name)
	}
	return scaled.Uint64(), nil
}

func rawRay(value *big.Int, name string) (Ray, error) {
	if value == nil || value.Sign() < 0 {
		return Ray{}, fmt.Errorf("%w: %s missing or negative", ErrGovernance, name)
	}
	v := new(uint256.Int)
	if v.SetFromBig(value) || !fitsBacking(v) {
		return Ray{}, fmt.Errorf("%w: %s exceeds working range", ErrGovernance, name)
	}
	var out Ray
	out.v.Set(v)
	return out, nil
}

func (g *Governance) PoolUtilizationAllowanceFactor() (Factor, error) {
	v, err := applyAccuracy(g.PoolUtilizationAllowance, "PoolUtilizationAllowance")
	return Factor(v), err
}

func (g *Governance) BaseBorrowRateValue() (Rate, error) {
	if g.BaseBorrowRate == nil || g.BaseBorrowRate.Sign() < 0 {
		return Rate{}, fmt.Errorf("%w: BaseBorrowRate missing or negative", ErrGovernance)
	}
	v := new(uint256.Int)
	if v.SetFromBig(g.BaseBorrowRate) || !fitsBacking(v) {
		return Rate{}, fmt.Errorf("%w: BaseBorrowRate exceeds working range", ErrGovernance)
	}
	return RateFromUint256(v)
}

func (g *Governance) ExcessSlopeRay() (Ray, error) {
	return rawRay(g.ExcessSlope, "ExcessSlope")
}

func (g *Governance) OptimalSlopeRay() (Ray, error) {
	return rawRay(g.OptimalSlope, "OptimalSlope")
}

func (g *Governance) OptimalUtilizationRay() (Ray, error) {
	return rawRay(g.OptimalUtilization, "OptimalUtilization")
}

func (g *Governance) TreasureFactorValue() (Factor, error) {
	v, err := applyAccuracy(g.TreasureFactor, "TreasureFactor")
	return Factor(v), err
}

func (g *Governance) MaxLeverageFactorValue() (Factor, error) {
	v, err := applyAccuracy(g.MaxLeverageFactor, "MaxLeverageFactor")
	return Factor(v), err
}

func (g *Governance) MaxRateMultiplierValue() (Factor, error) {
	v, err := applyAccuracy(g.MaxRateMultiplier, "MaxRateMultiplier")
	return Factor(v), err
}

func (g *Governance) LiquidationMarginFactor() (Factor, error) {
	v, err := applyAccuracy(g.LiquidationMargin, "LiquidationMargin")
	return Factor(v), err
}

func (g *Governance) LiquidationRewardFactor() (Factor, error) {
	v, err := applyAccuracy(g.LiquidationReward, "LiquidationReward")
	return Factor(v), err
}

func (g *Governance) MaxLiquidationRewardAmount() (Amount, error) {
	v, err := applyAccuracy(g.MaxLiquidationReward, "MaxLiquidationReward")
	return Amount(v), err
}

// Validate normalizes every parameter once so that a bad snapshot is caught
// at load time instead of mid-operation.
func (g *Governance) Validate() error {
	if _, err := g.PoolUtilizationAllowanceFactor(); err != nil {
		return err
	}
	if _, err := g.BaseBorrowRateValue(); err != nil {
		return err
	}
	if _, err := g.ExcessSlopeRay(); err != nil {
		return err
	}
	if _, err := g.OptimalSlopeRay(); err != nil {
		return err
	}
	optimal, err := g.OptimalUtilizationRay()
	if err != nil {
		return err
	}
	if optimal.IsZero() || RayOne().Cmp(optimal) <= 0 {
		return fmt.Errorf("%w: OptimalUtilization must be in (0, 1)", ErrGovernance)
	}
	if _, err := g.TreasureFactorValue(); err != nil {
		return err
	}
	maxLeverage, err := g.MaxLeverageFactorValue()
	if err != nil {
		return err
	}
	if maxLeverage <= FactorOne {
		return fmt.Errorf("%w: MaxLeverageFactor must exceed 1x", ErrGovernance)
	}
	maxMultiplier, err := g.MaxRateMultiplierValue()
	if err != nil {
		return err
	}
	if maxMultiplier < FactorOne {
		return fmt.Errorf("%w: MaxRateMultiplier must be at least 1x", ErrGovernance)
	}
	if _, err := g.LiquidationMarginFactor(); err != nil {
		return err
	}
	if _, err := g.LiquidationRewardFactor(); err != nil {
		return err
	}
	if _, err := g.MaxLiquidationRewardAmount(); err != nil {
		return err
	}
	return nil
}

// LoadGovernance reads and validates a governance snapshot from a TOML file.
func LoadGovernance(path string) (*Governance, error) {
	var gov Governance
	if _, err := toml.DecodeFile(path, &gov); err != nil {
		return nil, fmt.Errorf("decode governance file: %w", err)
	}
	if err := gov.Validate(); err != nil {
		return nil, err
	}
	return &gov, nil
}

package cdp

import (
	"math/big"

	"stablecore/core/types"
)

// CollateralParams are the per-currency risk parameters. Ratio and rate
// fields are ray-scaled; nil means the check or charge is disabled for
// the currency.
type CollateralParams struct {
	// InterestRatePerBlock is added to the global rate when accruing
	// stability fees.
	InterestRatePerBlock *big.Int
	// LiquidationRatio is the collateral ratio below which a position
	// becomes unsafe.
	LiquidationRatio *big.Int
	// LiquidationPenalty is the extra fraction of the debit value
	// collected on liquidation.
	LiquidationPenalty *big.Int
	// RequiredCollateralRatio is the floor enforced on voluntary
	// adjustments.
	RequiredCollateralRatio *big.Int
	// MaximumTotalDebitValue caps the stable value of all debit issued
	// against the currency.
	MaximumTotalDebitValue *big.Int
}

// GlobalParams apply across every collateral currency.
type GlobalParams struct {
	// GlobalInterestRatePerBlock is the base stability fee rate.
	GlobalInterestRatePerBlock *big.Int
	// MinimumDebitValue rejects adjustments that would leave a dusty
	// non-zero debit.
	MinimumDebitValue *big.Int
}

type storedCollateralParams struct {
	InterestRatePerBlock    []byte
	HasInterestRate         bool
	LiquidationRatio        []byte
	HasLiquidationRatio     bool
	LiquidationPenalty      []byte
	HasLiquidationPenalty   bool
	RequiredCollateralRatio []byte
	HasRequiredRatio        bool
	MaximumTotalDebitValue  []byte
}

type storedGlobalParams struct {
	GlobalInterestRatePerBlock []byte
	MinimumDebitValue          []byte
}

func optBytes(v *big.Int) ([]byte, bool) {
	if v == nil {
		return nil, false
	}
	return v.Bytes(), true
}

func optBig(raw []byte, has bool) *big.Int {
	if !has {
		return nil
	}
	return new(big.Int).SetBytes(raw)
}

func toStoredCollateralParams(p CollateralParams) storedCollateralParams {
	var stored storedCollateralParams
	stored.InterestRatePerBlock, stored.HasInterestRate = optBytes(p.InterestRatePerBlock)
	stored.LiquidationRatio, stored.HasLiquidationRatio = optBytes(p.LiquidationRatio)
	stored.LiquidationPenalty, stored.HasLiquidationPenalty = optBytes(p.LiquidationPenalty)
	stored.RequiredCollateralRatio, stored.HasRequiredRatio = optBytes(p.RequiredCollateralRatio)
	if p.MaximumTotalDebitValue != nil {
		stored.MaximumTotalDebitValue = p.MaximumTotalDebitValue.Bytes()
	}
	return stored
}

func fromStoredCollateralParams(s storedCollateralParams) CollateralParams {
	return CollateralParams{
		InterestRatePerBlock:    optBig(s.InterestRatePerBlock, s.HasInterestRate),
		LiquidationRatio:        optBig(s.LiquidationRatio, s.HasLiquidationRatio),
		LiquidationPenalty:      optBig(s.LiquidationPenalty, s.HasLiquidationPenalty),
		RequiredCollateralRatio: optBig(s.RequiredCollateralRatio, s.HasRequiredRatio),
		MaximumTotalDebitValue:  new(big.Int).SetBytes(s.MaximumTotalDebitValue),
	}
}

var (
	collateralParamsPrefix = []byte("cdp/params/")
	globalParamsKey        = []byte("cdp/global")
	currencyListKey        = []byte("cdp/currencies")
	rateBytesPrefix        = []byte("cdp/rate/")
)

func collateralParamsKey(currency types.CurrencyID) []byte {
	return append(append([]byte{}, collateralParamsPrefix...), currency...)
}

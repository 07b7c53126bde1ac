package cdp

import (
	"errors"
	"log/slog"
	"math/big"

	"stablecore/core/events"
	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/native/loans"
	"stablecore/observability"
)

// Storage abstracts the subset of state manager functionality required by
// the risk engine.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

// PriceSource supplies ray-scaled stable-denominated collateral prices.
type PriceSource interface {
	GetPrice(currency types.CurrencyID) (*big.Int, bool, error)
}

// Positions is the surface of the position ledger the risk engine drives
// during liquidation and settlement.
type Positions interface {
	GetPosition(currency types.CurrencyID, owner crypto.Address) (loans.Position, error)
	TotalPosition(currency types.CurrencyID) (loans.Position, error)
	ConfiscateCollateralAndDebit(owner crypto.Address, currency types.CurrencyID, confiscateCollateral, confiscateDebit *big.Int) error
}

// Treasury is the settlement surface used when fees accrue and seized
// collateral is disposed of.
type Treasury interface {
	OnSystemSurplus(amount *big.Int) error
	SwapCollateralToStable(currency types.CurrencyID, maxSupply, targetStable *big.Int) (*big.Int, error)
	CreateCollateralAuctions(currency types.CurrencyID, amount, target *big.Int, refund crypto.Address) error
	WithdrawCollateral(currency types.CurrencyID, to crypto.Address, amount *big.Int) error
}

var (
	ErrNotConfigured          = errors.New("cdp: engine not fully configured")
	ErrUnknownCollateral      = errors.New("cdp: collateral currency not configured")
	ErrExceedsMaximumDebit    = errors.New("cdp: total debit would exceed the hard cap")
	ErrBelowRequiredRatio     = errors.New("cdp: collateral ratio below required ratio")
	ErrBelowLiquidationRatio  = errors.New("cdp: collateral ratio below liquidation ratio")
	ErrRemainingDebitTooSmall = errors.New("cdp: remaining debit below minimum")
	ErrNotLiquidatable        = errors.New("cdp: position is not unsafe")
	ErrNoDebit                = errors.New("cdp: position has no debit")
	ErrPriceUnavailable       = errors.New("cdp: collateral price unavailable")
)

// Engine enforces position risk rules, accrues stability fees and drives
// liquidation and shutdown settlement. It implements loans.RiskManager.
type Engine struct {
	state     Storage
	convertor *Convertor
	prices    PriceSource
	positions Positions
	treasury  Treasury
	shutdown  common.ShutdownView
	emitter   events.Emitter
	logger    *slog.Logger
}

func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
	}
}

// SetState wires the persistence backend and the debit rate convertor.
func (e *Engine) SetState(state Storage) {
	e.state = state
	e.convertor = NewConvertor(state)
}

// SetPriceSource wires the price feed.
func (e *Engine) SetPriceSource(prices PriceSource) { e.prices = prices }

// SetPositions wires the position ledger.
func (e *Engine) SetPositions(positions Positions) { e.positions = positions }

// SetTreasury wires the treasury.
func (e *Engine) SetTreasury(treasury Treasury) { e.treasury = treasury }

// SetShutdownView wires the emergency shutdown flag.
func (e *Engine) SetShutdownView(view common.ShutdownView) { e.shutdown = view }

// SetEmitter wires the event emitter. A nil emitter resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.convertor == nil || e.prices == nil || e.positions == nil || e.treasury == nil {
		return ErrNotConfigured
	}
	return nil
}

// SetGlobalParams updates the global risk parameters. Root only.
func (e *Engine) SetGlobalParams(origin common.Origin, params GlobalParams) error {
	if e == nil || e.state == nil {
		return ErrNotConfigured
	}
	if err := common.EnsureRoot(origin); err != nil {
		return err
	}
	stored := storedGlobalParams{}
	if params.GlobalInterestRatePerBlock != nil {
		stored.GlobalInterestRatePerBlock = params.GlobalInterestRatePerBlock.Bytes()
	}
	if params.MinimumDebitValue != nil {
		stored.MinimumDebitValue = params.MinimumDebitValue.Bytes()
	}
	return e.state.KVPut(globalParamsKey, stored)
}

// GlobalParams returns the global risk parameters; unset fields read as
// zero.
func (e *Engine) GlobalParams() (GlobalParams, error) {
	if e == nil || e.state == nil {
		return GlobalParams{}, ErrNotConfigured
	}
	var stored storedGlobalParams
	if _, err := e.state.KVGet(globalParamsKey, &stored); err != nil {
		return GlobalParams{}, err
	}
	return GlobalParams{
		GlobalInterestRatePerBlock: new(big.Int).SetBytes(stored.GlobalInterestRatePerBlock),
		MinimumDebitValue:          new(big.Int).SetBytes(stored.MinimumDebitValue),
	}, nil
}

// SetCollateralParams updates the risk parameters for one collateral
// currency, registering the currency on first use. Root only.
func (e *Engine) SetCollateralParams(origin common.Origin, currency types.CurrencyID, params CollateralParams) error {
	if e == nil || e.state == nil {
		return ErrNotConfigured
	}
	if err := common.EnsureRoot(origin); err != nil {
		return err
	}
	if err := e.state.KVPut(collateralParamsKey(currency), toStoredCollateralParams(params)); err != nil {
		return err
	}
	var list []string
	if _, err := e.state.KVGet(currencyListKey, &list); err != nil {
		return err
	}
	found := false
	for _, entry := range list {
		if entry == string(currency) {
			found = true
			break
		}
	}
	if !found {
		list = append(list, string(currency))
		if err := e.state.KVPut(currencyListKey, list); err != nil {
			return err
		}
	}
	e.emitter.Emit(events.ParamsUpdated{Currency: currency})
	return nil
}

// CollateralParams returns the stored parameters for a currency.
func (e *Engine) CollateralParams(currency types.CurrencyID) (CollateralParams, error) {
	if e == nil || e.state == nil {
		return CollateralParams{}, ErrNotConfigured
	}
	var stored storedCollateralParams
	ok, err := e.state.KVGet(collateralParamsKey(currency), &stored)
	if err != nil {
		return CollateralParams{}, err
	}
	if !ok {
		return CollateralParams{}, ErrUnknownCollateral
	}
	return fromStoredCollateralParams(stored), nil
}

// CollateralCurrencies lists every configured collateral currency.
func (e *Engine) CollateralCurrencies() ([]types.CurrencyID, error) {
	if e == nil || e.state == nil {
		return nil, ErrNotConfigured
	}
	var list []string
	if _, err := e.state.KVGet(currencyListKey, &list); err != nil {
		return nil, err
	}
	currencies := make([]types.CurrencyID, 0, len(list))
	for _, entry := range list {
		currencies = append(currencies, types.CurrencyID(entry))
	}
	return currencies, nil
}

// DebitExchangeRate returns the current debit exchange rate for a
// currency.
func (e *Engine) DebitExchangeRate(currency types.CurrencyID) (*big.Int, error) {
	if e == nil || e.convertor == nil {
		return nil, ErrNotConfigured
	}
	return e.convertor.Rate(currency)
}

// GetDebitValue converts a debit balance into stable units. Part of the
// loans.RiskManager contract.
func (e *Engine) GetDebitValue(currency types.CurrencyID, debit *big.Int) *big.Int {
	if e == nil || e.convertor == nil {
		return big.NewInt(0)
	}
	value, clamped, err := e.convertor.DebitToStable(currency, debit)
	if err != nil {
		e.logger.Error("debit conversion failed", "currency", string(currency), "error", err)
		return big.NewInt(0)
	}
	if clamped {
		e.logger.Warn("debit value clamped at balance ceiling", "currency", string(currency))
		observability.Risk().RecordSaturation("debit_to_stable")
	}
	return value
}

// CheckDebitCap verifies the currency-wide debit total stays below the
// configured hard cap. Part of the loans.RiskManager contract.
func (e *Engine) CheckDebitCap(currency types.CurrencyID, totalDebit *big.Int) error {
	params, err := e.CollateralParams(currency)
	if err != nil {
		return err
	}
	if params.MaximumTotalDebitValue.Sign() == 0 {
		return nil
	}
	value := e.GetDebitValue(currency, totalDebit)
	if value.Cmp(params.MaximumTotalDebitValue) > 0 {
		return ErrExceedsMaximumDebit
	}
	return nil
}

// CalculateCollateralRatio returns the ray-scaled ratio of collateral
// value to debit value. A zero debit reads as the maximum ratio.
func (e *Engine) CalculateCollateralRatio(currency types.CurrencyID, collateral, debit *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	debitValue := e.GetDebitValue(currency, debit)
	if debitValue.Sign() == 0 {
		return new(big.Int).Set(common.MaxBalance), nil
	}
	price, ok, err := e.prices.GetPrice(currency)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPriceUnavailable
	}
	collateralValue := common.RayMul(collateral, price)
	return common.RayDiv(collateralValue, debitValue), nil
}

// CheckPositionValid verifies a resulting position against the minimum
// debit, required ratio and liquidation ratio rules. Part of the
// loans.RiskManager contract.
func (e *Engine) CheckPositionValid(currency types.CurrencyID, collateral, debit *big.Int) error {
	if debit == nil || debit.Sign() == 0 {
		return nil
	}
	params, err := e.CollateralParams(currency)
	if err != nil {
		return err
	}
	global, err := e.GlobalParams()
	if err != nil {
		return err
	}
	debitValue := e.GetDebitValue(currency, debit)
	if global.MinimumDebitValue.Sign() > 0 && debitValue.Cmp(global.MinimumDebitValue) < 0 {
		return ErrRemainingDebitTooSmall
	}
	if params.RequiredCollateralRatio == nil && params.LiquidationRatio == nil {
		return nil
	}
	ratio, err := e.CalculateCollateralRatio(currency, collateral, debit)
	if err != nil {
		return err
	}
	if params.RequiredCollateralRatio != nil && ratio.Cmp(params.RequiredCollateralRatio) < 0 {
		return ErrBelowRequiredRatio
	}
	if params.LiquidationRatio != nil && ratio.Cmp(params.LiquidationRatio) < 0 {
		return ErrBelowLiquidationRatio
	}
	return nil
}

// IsUnsafe reports whether a position sits below the liquidation ratio.
// Positions with no debit, currencies with no liquidation ratio and
// unavailable prices all read as safe.
func (e *Engine) IsUnsafe(currency types.CurrencyID, collateral, debit *big.Int) (bool, error) {
	if debit == nil || debit.Sign() == 0 {
		return false, nil
	}
	params, err := e.CollateralParams(currency)
	if err != nil {
		return false, err
	}
	if params.LiquidationRatio == nil {
		return false, nil
	}
	ratio, err := e.CalculateCollateralRatio(currency, collateral, debit)
	if err == ErrPriceUnavailable {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ratio.Cmp(params.LiquidationRatio) < 0, nil
}

// Liquidate seizes an unsafe position. The seized collateral is first
// offered to the DEX for the debit value plus penalty; when no swap can
// fill the target, collateral auctions are opened with the position owner
// as refund recipient.
func (e *Engine) Liquidate(currency types.CurrencyID, owner crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.Guard(e.shutdown); err != nil {
		return err
	}
	position, err := e.positions.GetPosition(currency, owner)
	if err != nil {
		return err
	}
	unsafe, err := e.IsUnsafe(currency, position.Collateral, position.Debit)
	if err != nil {
		return err
	}
	if !unsafe {
		return ErrNotLiquidatable
	}
	params, err := e.CollateralParams(currency)
	if err != nil {
		return err
	}
	badDebt := e.GetDebitValue(currency, position.Debit)
	if err := e.positions.ConfiscateCollateralAndDebit(owner, currency, position.Collateral, position.Debit); err != nil {
		return err
	}
	target := new(big.Int).Set(badDebt)
	if params.LiquidationPenalty != nil {
		target.Add(target, common.RayMul(badDebt, params.LiquidationPenalty))
	}

	used, swapErr := e.treasury.SwapCollateralToStable(currency, position.Collateral, target)
	if swapErr == nil {
		leftover := new(big.Int).Sub(position.Collateral, used)
		if leftover.Sign() > 0 {
			if err := e.treasury.WithdrawCollateral(currency, owner, leftover); err != nil {
				return err
			}
		}
	} else {
		if err := e.treasury.CreateCollateralAuctions(currency, position.Collateral, target, owner); err != nil {
			return err
		}
	}

	e.logger.Info("position liquidated",
		"currency", string(currency),
		"owner", owner.String(),
		"collateral", position.Collateral.String(),
		"badDebt", badDebt.String(),
	)
	observability.Risk().RecordLiquidation(string(currency))
	e.emitter.Emit(events.Liquidated{
		Owner:      owner.String(),
		Currency:   currency,
		Collateral: position.Collateral,
		BadDebt:    badDebt,
	})
	return nil
}

// Settle force-closes a position after emergency shutdown. Collateral
// worth the debit value at the locked price is confiscated together with
// the whole debit; the rest stays with the owner for later withdrawal.
func (e *Engine) Settle(currency types.CurrencyID, owner crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.GuardAfter(e.shutdown); err != nil {
		return err
	}
	position, err := e.positions.GetPosition(currency, owner)
	if err != nil {
		return err
	}
	if position.Debit.Sign() == 0 {
		return ErrNoDebit
	}
	price, ok, err := e.prices.GetPrice(currency)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPriceUnavailable
	}
	debitValue := e.GetDebitValue(currency, position.Debit)
	needed := common.RayDiv(debitValue, price)
	confiscate := common.Min(needed, position.Collateral)
	if err := e.positions.ConfiscateCollateralAndDebit(owner, currency, confiscate, position.Debit); err != nil {
		return err
	}
	e.emitter.Emit(events.PositionSettled{Owner: owner.String(), Currency: currency})
	return nil
}

// OnFinalize accrues stability fees for every collateral currency at the
// block boundary. The debit exchange rate only advances when the accrued
// surplus was accepted by the treasury. No fees accrue after shutdown.
func (e *Engine) OnFinalize(height uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.shutdown != nil && e.shutdown.IsShutdown() {
		return nil
	}
	global, err := e.GlobalParams()
	if err != nil {
		return err
	}
	currencies, err := e.CollateralCurrencies()
	if err != nil {
		return err
	}
	for _, currency := range currencies {
		params, err := e.CollateralParams(currency)
		if err != nil {
			return err
		}
		rate := new(big.Int).Set(global.GlobalInterestRatePerBlock)
		if params.InterestRatePerBlock != nil {
			rate.Add(rate, params.InterestRatePerBlock)
		}
		if rate.Sign() == 0 {
			continue
		}
		total, err := e.positions.TotalPosition(currency)
		if err != nil {
			return err
		}
		totalDebitValue := e.GetDebitValue(currency, total.Debit)
		interest := common.RayMul(totalDebitValue, rate)
		if interest.Sign() == 0 {
			continue
		}
		if err := e.treasury.OnSystemSurplus(interest); err != nil {
			e.logger.Error("fee accrual surplus rejected",
				"currency", string(currency),
				"height", height,
				"error", err,
			)
			continue
		}
		exchangeRate, err := e.convertor.Rate(currency)
		if err != nil {
			return err
		}
		newRate := new(big.Int).Add(exchangeRate, common.RayMul(exchangeRate, rate))
		if err := e.convertor.SetRate(currency, newRate); err != nil {
			return err
		}
	}
	return nil
}

package dex

import (
	"errors"
	"math/big"

	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/common"
)

// Storage abstracts the subset of state manager functionality required by
// the swap pools.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

// Balances is the money-moving surface the pools need from the balance
// ledger.
type Balances interface {
	Transfer(currency types.CurrencyID, from, to crypto.Address, amount *big.Int) error
}

var (
	ErrNotConfigured         = errors.New("dex: engine not fully configured")
	ErrPoolNotFound          = errors.New("dex: pool does not exist")
	ErrInsufficientLiquidity = errors.New("dex: insufficient pool liquidity")
	ErrMaxSupplyExceeded     = errors.New("dex: required supply exceeds the limit")
	ErrInvalidAmount         = errors.New("dex: amount must be positive")
)

// Account custodies pooled liquidity.
var Account = crypto.ModuleAddress("stbl/dexp")

var poolPrefix = []byte("dex/pool/")

// Swap fee of 0.3%.
var (
	feeNumerator   = big.NewInt(997)
	feeDenominator = big.NewInt(1000)
)

type storedPool struct {
	ReserveA []byte
	ReserveB []byte
}

// Engine is a minimal constant-product swap venue. The treasury uses it
// to liquidate seized collateral without an auction when liquidity
// allows.
type Engine struct {
	state    Storage
	balances Balances
}

func NewEngine() *Engine {
	return &Engine{}
}

// SetState wires the persistence backend.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetBalances wires the balance ledger.
func (e *Engine) SetBalances(balances Balances) { e.balances = balances }

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.balances == nil {
		return ErrNotConfigured
	}
	return nil
}

// pairKey orders the two currencies so both directions hit one pool.
func pairKey(a, b types.CurrencyID) ([]byte, bool) {
	first, second := a, b
	flipped := false
	if b < a {
		first, second = b, a
		flipped = true
	}
	buf := make([]byte, 0, len(poolPrefix)+len(first)+1+len(second))
	buf = append(buf, poolPrefix...)
	buf = append(buf, first...)
	buf = append(buf, '/')
	buf = append(buf, second...)
	return buf, flipped
}

func (e *Engine) loadPool(a, b types.CurrencyID) (reserveA, reserveB *big.Int, exists bool, err error) {
	key, flipped := pairKey(a, b)
	var stored storedPool
	ok, err := e.state.KVGet(key, &stored)
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return big.NewInt(0), big.NewInt(0), false, nil
	}
	first := new(big.Int).SetBytes(stored.ReserveA)
	second := new(big.Int).SetBytes(stored.ReserveB)
	if flipped {
		return second, first, true, nil
	}
	return first, second, true, nil
}

func (e *Engine) storePool(a, b types.CurrencyID, reserveA, reserveB *big.Int) error {
	key, flipped := pairKey(a, b)
	first, second := reserveA, reserveB
	if flipped {
		first, second = reserveB, reserveA
	}
	if first.Sign() == 0 && second.Sign() == 0 {
		return e.state.KVDelete(key)
	}
	return e.state.KVPut(key, storedPool{ReserveA: first.Bytes(), ReserveB: second.Bytes()})
}

// Reserves returns the current pool reserves for a pair.
func (e *Engine) Reserves(a, b types.CurrencyID) (*big.Int, *big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	reserveA, reserveB, _, err := e.loadPool(a, b)
	return reserveA, reserveB, err
}

// AddLiquidity moves both legs from the provider into the pool.
func (e *Engine) AddLiquidity(origin common.Origin, a, b types.CurrencyID, amountA, amountB *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	who, err := common.EnsureSigned(origin)
	if err != nil {
		return err
	}
	if amountA == nil || amountA.Sign() <= 0 || amountB == nil || amountB.Sign() <= 0 {
		return ErrInvalidAmount
	}
	reserveA, reserveB, _, err := e.loadPool(a, b)
	if err != nil {
		return err
	}
	if err := e.balances.Transfer(a, who, Account, amountA); err != nil {
		return err
	}
	if err := e.balances.Transfer(b, who, Account, amountB); err != nil {
		return err
	}
	return e.storePool(a, b,
		new(big.Int).Add(reserveA, amountA),
		new(big.Int).Add(reserveB, amountB),
	)
}

// SwapWithExactTarget buys exactly target units of targetCurrency for
// who, spending at most maxSupply of supplyCurrency. It returns the
// supply amount consumed.
func (e *Engine) SwapWithExactTarget(supplyCurrency, targetCurrency types.CurrencyID, target, maxSupply *big.Int, who crypto.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if target == nil || target.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	supplyReserve, targetReserve, exists, err := e.loadPool(supplyCurrency, targetCurrency)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrPoolNotFound
	}
	if target.Cmp(targetReserve) >= 0 {
		return nil, ErrInsufficientLiquidity
	}
	// supply = reserveIn * target * 1000 / ((reserveOut - target) * 997) + 1
	numerator := new(big.Int).Mul(supplyReserve, target)
	numerator.Mul(numerator, feeDenominator)
	denominator := new(big.Int).Sub(targetReserve, target)
	denominator.Mul(denominator, feeNumerator)
	supply := numerator.Quo(numerator, denominator)
	supply.Add(supply, big.NewInt(1))
	if maxSupply != nil && supply.Cmp(maxSupply) > 0 {
		return nil, ErrMaxSupplyExceeded
	}
	if err := e.balances.Transfer(supplyCurrency, who, Account, supply); err != nil {
		return nil, err
	}
	if err := e.balances.Transfer(targetCurrency, Account, who, target); err != nil {
		return nil, err
	}
	err = e.storePool(supplyCurrency, targetCurrency,
		new(big.Int).Add(supplyReserve, supply),
		new(big.Int).Sub(targetReserve, target),
	)
	if err != nil {
		return nil, err
	}
	return supply, nil
}

// SwapWithExactSupply sells exactly supply units of supplyCurrency for
// who, requiring at least minTarget of targetCurrency back. It returns
// the target amount received.
func (e *Engine) SwapWithExactSupply(supplyCurrency, targetCurrency types.CurrencyID, supply, minTarget *big.Int, who crypto.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if supply == nil || supply.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	supplyReserve, targetReserve, exists, err := e.loadPool(supplyCurrency, targetCurrency)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrPoolNotFound
	}
	// target = reserveOut * supply * 997 / (reserveIn * 1000 + supply * 997)
	supplyWithFee := new(big.Int).Mul(supply, feeNumerator)
	numerator := new(big.Int).Mul(targetReserve, supplyWithFee)
	denominator := new(big.Int).Mul(supplyReserve, feeDenominator)
	denominator.Add(denominator, supplyWithFee)
	target := numerator.Quo(numerator, denominator)
	if target.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	if minTarget != nil && target.Cmp(minTarget) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	if err := e.balances.Transfer(supplyCurrency, who, Account, supply); err != nil {
		return nil, err
	}
	if err := e.balances.Transfer(targetCurrency, Account, who, target); err != nil {
		return nil, err
	}
	err = e.storePool(supplyCurrency, targetCurrency,
		new(big.Int).Add(supplyReserve, supply),
		new(big.Int).Sub(targetReserve, target),
	)
	if err != nil {
		return nil, err
	}
	return target, nil
}

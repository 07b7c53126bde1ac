package prices

import (
	"errors"
	"fmt"
	"math/big"

	"stablecore/core/types"
	"stablecore/native/common"
)

// Storage abstracts the subset of state manager functionality required by
// the price feed.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

var ErrInvalidPrice = errors.New("prices: price must be positive")

var (
	feedPrefix   = []byte("prices/feed/")
	lockedPrefix = []byte("prices/locked/")
)

type storedPrice struct {
	Price []byte
}

// Engine maintains ray-scaled stable-denominated prices per collateral
// currency. A locked price, once written, shadows the live feed until it
// is explicitly cleared; emergency shutdown uses this to freeze valuations.
type Engine struct {
	state Storage
}

func NewEngine(state Storage) *Engine {
	return &Engine{state: state}
}

func feedKey(currency types.CurrencyID) []byte {
	return append(append([]byte{}, feedPrefix...), currency...)
}

func lockedKey(currency types.CurrencyID) []byte {
	return append(append([]byte{}, lockedPrefix...), currency...)
}

// SetPrice updates the live feed value for a currency. Prices are
// ray-scaled: common.Ray means one stable unit per collateral unit.
func (e *Engine) SetPrice(origin common.Origin, currency types.CurrencyID, price *big.Int) error {
	if e == nil || e.state == nil {
		return fmt.Errorf("prices: engine not initialised")
	}
	if err := common.EnsureRoot(origin); err != nil {
		return err
	}
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	return e.state.KVPut(feedKey(currency), storedPrice{Price: price.Bytes()})
}

// ClearPrice removes the live feed value, making the price unavailable.
func (e *Engine) ClearPrice(origin common.Origin, currency types.CurrencyID) error {
	if e == nil || e.state == nil {
		return fmt.Errorf("prices: engine not initialised")
	}
	if err := common.EnsureRoot(origin); err != nil {
		return err
	}
	return e.state.KVDelete(feedKey(currency))
}

// GetPrice returns the effective price for a currency. A locked price
// takes precedence over the live feed. The boolean reports availability.
func (e *Engine) GetPrice(currency types.CurrencyID) (*big.Int, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, fmt.Errorf("prices: engine not initialised")
	}
	var stored storedPrice
	ok, err := e.state.KVGet(lockedKey(currency), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		ok, err = e.state.KVGet(feedKey(currency), &stored)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
	}
	return new(big.Int).SetBytes(stored.Price), true, nil
}

// LockPrice freezes the current feed value of a currency. Currencies with
// no live feed stay unavailable.
func (e *Engine) LockPrice(currency types.CurrencyID) error {
	if e == nil || e.state == nil {
		return fmt.Errorf("prices: engine not initialised")
	}
	var stored storedPrice
	ok, err := e.state.KVGet(feedKey(currency), &stored)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return e.state.KVPut(lockedKey(currency), stored)
}

// LockPrices freezes every listed currency.
func (e *Engine) LockPrices(currencies []types.CurrencyID) error {
	for _, currency := range currencies {
		if err := e.LockPrice(currency); err != nil {
			return err
		}
	}
	return nil
}

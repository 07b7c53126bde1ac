package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"stablecore/core/types"
	"stablecore/crypto"
)

// Storage abstracts the subset of state manager functionality required by
// the balance ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

var (
	ErrBalanceOverflow     = errors.New("ledger: balance overflow")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

var (
	balancePrefix = []byte("ledger/balance/")
	supplyPrefix  = []byte("ledger/supply/")
)

type storedAmount struct {
	Amount []byte
}

// Ledger tracks per-currency account balances and total issuance. Amounts
// are stored as 256-bit unsigned integers, so additions past the ceiling
// surface as ErrBalanceOverflow instead of wrapping.
type Ledger struct {
	state Storage
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(state Storage) *Ledger {
	return &Ledger{state: state}
}

func balanceKey(currency types.CurrencyID, addr crypto.Address) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(currency)+1+20)
	buf = append(buf, balancePrefix...)
	buf = append(buf, currency...)
	buf = append(buf, '/')
	buf = append(buf, addr.Bytes()...)
	return buf
}

func supplyKey(currency types.CurrencyID) []byte {
	buf := make([]byte, 0, len(supplyPrefix)+len(currency))
	buf = append(buf, supplyPrefix...)
	buf = append(buf, currency...)
	return buf
}

func (l *Ledger) load(key []byte) (*uint256.Int, error) {
	var stored storedAmount
	ok, err := l.state.KVGet(key, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	value := new(uint256.Int)
	value.SetBytes(stored.Amount)
	return value, nil
}

func (l *Ledger) store(key []byte, value *uint256.Int) error {
	if value.IsZero() {
		return l.state.KVDelete(key)
	}
	return l.state.KVPut(key, storedAmount{Amount: value.Bytes()})
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return value, nil
}

// FreeBalance returns the balance of addr in the given currency.
func (l *Ledger) FreeBalance(currency types.CurrencyID, addr crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, fmt.Errorf("ledger: not initialised")
	}
	value, err := l.load(balanceKey(currency, addr))
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// TotalIssuance returns the total minted amount of the given currency.
func (l *Ledger) TotalIssuance(currency types.CurrencyID) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, fmt.Errorf("ledger: not initialised")
	}
	value, err := l.load(supplyKey(currency))
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// Deposit mints amount of currency into addr, growing total issuance. The
// operation fails with ErrBalanceOverflow when either the balance or the
// issuance cannot represent the result, leaving state untouched.
func (l *Ledger) Deposit(currency types.CurrencyID, addr crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return fmt.Errorf("ledger: not initialised")
	}
	delta, err := toUint256(amount)
	if err != nil {
		return err
	}
	balance, err := l.load(balanceKey(currency, addr))
	if err != nil {
		return err
	}
	supply, err := l.load(supplyKey(currency))
	if err != nil {
		return err
	}
	newBalance, overflow := new(uint256.Int).AddOverflow(balance, delta)
	if overflow {
		return ErrBalanceOverflow
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(supply, delta)
	if overflow {
		return ErrBalanceOverflow
	}
	if err := l.store(balanceKey(currency, addr), newBalance); err != nil {
		return err
	}
	return l.store(supplyKey(currency), newSupply)
}

// Withdraw burns amount of currency from addr, shrinking total issuance.
func (l *Ledger) Withdraw(currency types.CurrencyID, addr crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return fmt.Errorf("ledger: not initialised")
	}
	delta, err := toUint256(amount)
	if err != nil {
		return err
	}
	balance, err := l.load(balanceKey(currency, addr))
	if err != nil {
		return err
	}
	if balance.Lt(delta) {
		return ErrInsufficientBalance
	}
	supply, err := l.load(supplyKey(currency))
	if err != nil {
		return err
	}
	newBalance := new(uint256.Int).Sub(balance, delta)
	newSupply := new(uint256.Int)
	if supply.Lt(delta) {
		newSupply.Clear()
	} else {
		newSupply.Sub(supply, delta)
	}
	if err := l.store(balanceKey(currency, addr), newBalance); err != nil {
		return err
	}
	return l.store(supplyKey(currency), newSupply)
}

// Transfer moves amount of currency between accounts without changing the
// total issuance.
func (l *Ledger) Transfer(currency types.CurrencyID, from, to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return fmt.Errorf("ledger: not initialised")
	}
	delta, err := toUint256(amount)
	if err != nil {
		return err
	}
	if from.Equal(to) {
		return nil
	}
	fromBalance, err := l.load(balanceKey(currency, from))
	if err != nil {
		return err
	}
	if fromBalance.Lt(delta) {
		return ErrInsufficientBalance
	}
	toBalance, err := l.load(balanceKey(currency, to))
	if err != nil {
		return err
	}
	newTo, overflow := new(uint256.Int).AddOverflow(toBalance, delta)
	if overflow {
		return ErrBalanceOverflow
	}
	newFrom := new(uint256.Int).Sub(fromBalance, delta)
	if err := l.store(balanceKey(currency, from), newFrom); err != nil {
		return err
	}
	return l.store(balanceKey(currency, to), newTo)
}

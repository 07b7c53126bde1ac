package loans

import (
	"errors"
	"fmt"
	"math/big"

	"stablecore/core/events"
	"stablecore/core/types"
	"stablecore/crypto"
)

// Storage abstracts the subset of state manager functionality required by
// the position ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

// Balances is the money-moving surface the position ledger needs from the
// balance ledger.
type Balances interface {
	Transfer(currency types.CurrencyID, from, to crypto.Address, amount *big.Int) error
	FreeBalance(currency types.CurrencyID, addr crypto.Address) (*big.Int, error)
}

// RiskManager validates position adjustments. The risk engine implements
// it; tests substitute a permissive stub.
type RiskManager interface {
	// GetDebitValue converts a debit share balance into stable units at
	// the current debit exchange rate.
	GetDebitValue(currency types.CurrencyID, debitBalance *big.Int) *big.Int
	// CheckPositionValid verifies the resulting position satisfies the
	// collateral requirements for the currency.
	CheckPositionValid(currency types.CurrencyID, collateral, debit *big.Int) error
	// CheckDebitCap verifies the currency-wide debit total stays below
	// the hard cap.
	CheckDebitCap(currency types.CurrencyID, totalDebit *big.Int) error
}

// Treasury is the settlement surface used when debit is issued, repaid or
// confiscated.
type Treasury interface {
	StableCurrency() types.CurrencyID
	IssueBackedDebit(who crypto.Address, amount *big.Int) error
	BurnBackedDebit(who crypto.Address, amount *big.Int) error
	DepositCollateral(currency types.CurrencyID, from crypto.Address, amount *big.Int) error
	OnSystemDebit(amount *big.Int) error
}

var (
	ErrPositionNotFound  = errors.New("loans: position not found")
	ErrPositionUnderflow = errors.New("loans: adjustment exceeds position")
	ErrInsufficientFunds = errors.New("loans: owner cannot fund the adjustment")
	ErrNotConfigured     = errors.New("loans: engine not fully configured")
)

var (
	positionPrefix = []byte("loans/position/")
	totalPrefix    = []byte("loans/total/")
)

// ModuleAccount holds all collateral backing open positions.
var ModuleAccount = crypto.ModuleAddress("stbl/loan")

// Position is a single account's collateralised debit position for one
// collateral currency. Debit is a share balance, not a stable amount; the
// risk engine's debit exchange rate converts between the two.
type Position struct {
	Collateral *big.Int
	Debit      *big.Int
}

type storedPosition struct {
	Collateral []byte
	Debit      []byte
}

// Engine is the position ledger. It owns per-account positions and
// per-currency totals, moving collateral through its module account and
// delegating debit issuance to the treasury.
type Engine struct {
	state    Storage
	balances Balances
	risk     RiskManager
	treasury Treasury
	emitter  events.Emitter
}

func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState wires the persistence backend.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetBalances wires the balance ledger.
func (e *Engine) SetBalances(balances Balances) { e.balances = balances }

// SetRiskManager wires the risk engine used for validity checks.
func (e *Engine) SetRiskManager(risk RiskManager) { e.risk = risk }

// SetTreasury wires the treasury used for debit issuance and confiscation.
func (e *Engine) SetTreasury(treasury Treasury) { e.treasury = treasury }

// SetEmitter wires the event emitter. A nil emitter resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.balances == nil || e.risk == nil || e.treasury == nil {
		return ErrNotConfigured
	}
	return nil
}

func positionKey(currency types.CurrencyID, owner crypto.Address) []byte {
	buf := make([]byte, 0, len(positionPrefix)+len(currency)+1+20)
	buf = append(buf, positionPrefix...)
	buf = append(buf, currency...)
	buf = append(buf, '/')
	buf = append(buf, owner.Bytes()...)
	return buf
}

func currencyPrefix(currency types.CurrencyID) []byte {
	buf := make([]byte, 0, len(positionPrefix)+len(currency)+1)
	buf = append(buf, positionPrefix...)
	buf = append(buf, currency...)
	buf = append(buf, '/')
	return buf
}

func totalKey(currency types.CurrencyID) []byte {
	return append(append([]byte{}, totalPrefix...), currency...)
}

func fromStored(s storedPosition) Position {
	return Position{
		Collateral: new(big.Int).SetBytes(s.Collateral),
		Debit:      new(big.Int).SetBytes(s.Debit),
	}
}

func toStored(p Position) storedPosition {
	return storedPosition{
		Collateral: p.Collateral.Bytes(),
		Debit:      p.Debit.Bytes(),
	}
}

// GetPosition returns the position of owner for currency. A missing
// position reads as empty.
func (e *Engine) GetPosition(currency types.CurrencyID, owner crypto.Address) (Position, error) {
	if e == nil || e.state == nil {
		return Position{}, ErrNotConfigured
	}
	var stored storedPosition
	ok, err := e.state.KVGet(positionKey(currency, owner), &stored)
	if err != nil {
		return Position{}, err
	}
	if !ok {
		return Position{Collateral: big.NewInt(0), Debit: big.NewInt(0)}, nil
	}
	return fromStored(stored), nil
}

// TotalPosition returns the summed collateral and debit across every
// position for currency.
func (e *Engine) TotalPosition(currency types.CurrencyID) (Position, error) {
	if e == nil || e.state == nil {
		return Position{}, ErrNotConfigured
	}
	var stored storedPosition
	ok, err := e.state.KVGet(totalKey(currency), &stored)
	if err != nil {
		return Position{}, err
	}
	if !ok {
		return Position{Collateral: big.NewInt(0), Debit: big.NewInt(0)}, nil
	}
	return fromStored(stored), nil
}

func (e *Engine) writePosition(currency types.CurrencyID, owner crypto.Address, p Position) error {
	key := positionKey(currency, owner)
	if p.Collateral.Sign() == 0 && p.Debit.Sign() == 0 {
		return e.state.KVDelete(key)
	}
	return e.state.KVPut(key, toStored(p))
}

func (e *Engine) writeTotal(currency types.CurrencyID, p Position) error {
	key := totalKey(currency)
	if p.Collateral.Sign() == 0 && p.Debit.Sign() == 0 {
		return e.state.KVDelete(key)
	}
	return e.state.KVPut(key, toStored(p))
}

func applyDelta(current, delta *big.Int) (*big.Int, error) {
	if delta == nil || delta.Sign() == 0 {
		return new(big.Int).Set(current), nil
	}
	next := new(big.Int).Add(current, delta)
	if next.Sign() < 0 {
		return nil, ErrPositionUnderflow
	}
	return next, nil
}

// AdjustPosition applies signed collateral and debit deltas to a position.
// Collateral moves between the owner and the module account; debit changes
// mint or burn backed stable through the treasury. Risk and funding checks
// run on the resulting state before any funds move, so a failing leg never
// leaves another applied.
func (e *Engine) AdjustPosition(owner crypto.Address, currency types.CurrencyID, collateralDelta, debitDelta *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	position, err := e.GetPosition(currency, owner)
	if err != nil {
		return err
	}
	total, err := e.TotalPosition(currency)
	if err != nil {
		return err
	}
	newCollateral, err := applyDelta(position.Collateral, collateralDelta)
	if err != nil {
		return err
	}
	newDebit, err := applyDelta(position.Debit, debitDelta)
	if err != nil {
		return err
	}
	newTotalCollateral, err := applyDelta(total.Collateral, collateralDelta)
	if err != nil {
		return err
	}
	newTotalDebit, err := applyDelta(total.Debit, debitDelta)
	if err != nil {
		return err
	}

	debitIncreased := debitDelta != nil && debitDelta.Sign() > 0
	collateralDecreased := collateralDelta != nil && collateralDelta.Sign() < 0
	if debitIncreased {
		if err := e.risk.CheckDebitCap(currency, newTotalDebit); err != nil {
			return err
		}
	}
	if debitIncreased || collateralDecreased {
		if err := e.risk.CheckPositionValid(currency, newCollateral, newDebit); err != nil {
			return err
		}
	}

	// Both owner-funded legs are checked up front. The other legs draw on
	// the module account and the treasury mint, which cannot come up short.
	if collateralDelta != nil && collateralDelta.Sign() > 0 {
		free, err := e.balances.FreeBalance(currency, owner)
		if err != nil {
			return err
		}
		if free.Cmp(collateralDelta) < 0 {
			return ErrInsufficientFunds
		}
	}
	if debitDelta != nil && debitDelta.Sign() < 0 {
		value := e.risk.GetDebitValue(currency, new(big.Int).Neg(debitDelta))
		free, err := e.balances.FreeBalance(e.treasury.StableCurrency(), owner)
		if err != nil {
			return err
		}
		if free.Cmp(value) < 0 {
			return ErrInsufficientFunds
		}
	}

	if collateralDelta != nil {
		switch collateralDelta.Sign() {
		case 1:
			if err := e.balances.Transfer(currency, owner, ModuleAccount, collateralDelta); err != nil {
				return err
			}
		case -1:
			refund := new(big.Int).Neg(collateralDelta)
			if err := e.balances.Transfer(currency, ModuleAccount, owner, refund); err != nil {
				return err
			}
		}
	}
	if debitDelta != nil {
		switch debitDelta.Sign() {
		case 1:
			value := e.risk.GetDebitValue(currency, debitDelta)
			if err := e.treasury.IssueBackedDebit(owner, value); err != nil {
				return err
			}
		case -1:
			repaid := new(big.Int).Neg(debitDelta)
			value := e.risk.GetDebitValue(currency, repaid)
			if err := e.treasury.BurnBackedDebit(owner, value); err != nil {
				return err
			}
		}
	}

	if err := e.writePosition(currency, owner, Position{Collateral: newCollateral, Debit: newDebit}); err != nil {
		return err
	}
	if err := e.writeTotal(currency, Position{Collateral: newTotalCollateral, Debit: newTotalDebit}); err != nil {
		return err
	}
	e.emitter.Emit(events.PositionUpdated{
		Owner:           owner.String(),
		Currency:        currency,
		CollateralDelta: collateralDelta,
		DebitDelta:      debitDelta,
	})
	return nil
}

// ConfiscateCollateralAndDebit seizes part of a position into the
// treasury: collateral moves from the module account into treasury
// custody, and the stable value of the seized debit is booked as system
// bad debt.
func (e *Engine) ConfiscateCollateralAndDebit(owner crypto.Address, currency types.CurrencyID, confiscateCollateral, confiscateDebit *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if confiscateCollateral == nil {
		confiscateCollateral = big.NewInt(0)
	}
	if confiscateDebit == nil {
		confiscateDebit = big.NewInt(0)
	}
	if confiscateCollateral.Sign() < 0 || confiscateDebit.Sign() < 0 {
		return ErrPositionUnderflow
	}
	position, err := e.GetPosition(currency, owner)
	if err != nil {
		return err
	}
	if position.Collateral.Cmp(confiscateCollateral) < 0 || position.Debit.Cmp(confiscateDebit) < 0 {
		return ErrPositionUnderflow
	}
	total, err := e.TotalPosition(currency)
	if err != nil {
		return err
	}

	if confiscateCollateral.Sign() > 0 {
		if err := e.treasury.DepositCollateral(currency, ModuleAccount, confiscateCollateral); err != nil {
			return err
		}
	}
	if confiscateDebit.Sign() > 0 {
		badDebt := e.risk.GetDebitValue(currency, confiscateDebit)
		if err := e.treasury.OnSystemDebit(badDebt); err != nil {
			return err
		}
	}

	position.Collateral = new(big.Int).Sub(position.Collateral, confiscateCollateral)
	position.Debit = new(big.Int).Sub(position.Debit, confiscateDebit)
	total.Collateral = new(big.Int).Sub(total.Collateral, confiscateCollateral)
	total.Debit = new(big.Int).Sub(total.Debit, confiscateDebit)
	if total.Collateral.Sign() < 0 {
		total.Collateral = big.NewInt(0)
	}
	if total.Debit.Sign() < 0 {
		total.Debit = big.NewInt(0)
	}
	if err := e.writePosition(currency, owner, position); err != nil {
		return err
	}
	return e.writeTotal(currency, total)
}

// TransferPosition merges the whole position of from into to. The merged
// position must satisfy the collateral requirements.
func (e *Engine) TransferPosition(from, to crypto.Address, currency types.CurrencyID) error {
	if err := e.ready(); err != nil {
		return err
	}
	source, err := e.GetPosition(currency, from)
	if err != nil {
		return err
	}
	if source.Collateral.Sign() == 0 && source.Debit.Sign() == 0 {
		return ErrPositionNotFound
	}
	dest, err := e.GetPosition(currency, to)
	if err != nil {
		return err
	}
	mergedCollateral := new(big.Int).Add(dest.Collateral, source.Collateral)
	mergedDebit := new(big.Int).Add(dest.Debit, source.Debit)
	if mergedDebit.Sign() > 0 {
		if err := e.risk.CheckPositionValid(currency, mergedCollateral, mergedDebit); err != nil {
			return err
		}
	}
	if err := e.writePosition(currency, from, Position{Collateral: big.NewInt(0), Debit: big.NewInt(0)}); err != nil {
		return err
	}
	if err := e.writePosition(currency, to, Position{Collateral: mergedCollateral, Debit: mergedDebit}); err != nil {
		return err
	}
	e.emitter.Emit(events.VaultTransferred{
		From:     from.String(),
		To:       to.String(),
		Currency: currency,
	})
	return nil
}

// IteratePositions walks every open position for a currency. The callback
// returns true to continue.
func (e *Engine) IteratePositions(currency types.CurrencyID, fn func(owner crypto.Address, p Position) bool) error {
	if e == nil || e.state == nil {
		return ErrNotConfigured
	}
	prefix := currencyPrefix(currency)
	var iterErr error
	err := e.state.KVIterate(prefix, func(key, value []byte) bool {
		raw := key[len(prefix):]
		if len(raw) != 20 {
			iterErr = fmt.Errorf("loans: malformed position key %q", key)
			return false
		}
		var stored storedPosition
		ok, err := e.state.KVGet(key, &stored)
		if err != nil {
			iterErr = err
			return false
		}
		if !ok {
			return true
		}
		owner := crypto.NewAddress(crypto.StablePrefix, append([]byte(nil), raw...))
		return fn(owner, fromStored(stored))
	})
	if err != nil {
		return err
	}
	return iterErr
}

package vault

import (
	"errors"
	"math/big"

	"stablecore/core/events"
	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/native/loans"
)

// Storage abstracts the subset of state manager functionality required by
// the vault layer.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

// Positions is the surface of the position ledger the vault layer
// dispatches into.
type Positions interface {
	AdjustPosition(owner crypto.Address, currency types.CurrencyID, collateralDelta, debitDelta *big.Int) error
	TransferPosition(from, to crypto.Address, currency types.CurrencyID) error
	GetPosition(currency types.CurrencyID, owner crypto.Address) (loans.Position, error)
}

var (
	ErrNotConfigured         = errors.New("vault: engine not fully configured")
	ErrNoAuthorization       = errors.New("vault: caller is not authorized")
	ErrAlreadyAuthorized     = errors.New("vault: grantee already authorized")
	ErrAuthorizationNotFound = errors.New("vault: authorization does not exist")
	ErrSelfAuthorization     = errors.New("vault: cannot authorize yourself")
	ErrStillHasDebit         = errors.New("vault: position still carries debit")
	ErrInvalidAmount         = errors.New("vault: amount must be positive")
)

var authPrefix = []byte("vault/auth/")

type storedFlag struct {
	Set bool
}

func authKey(owner crypto.Address, currency types.CurrencyID, grantee crypto.Address) []byte {
	buf := make([]byte, 0, len(authPrefix)+20+1+len(currency)+1+20)
	buf = append(buf, authPrefix...)
	buf = append(buf, owner.Bytes()...)
	buf = append(buf, '/')
	buf = append(buf, currency...)
	buf = append(buf, '/')
	buf = append(buf, grantee.Bytes()...)
	return buf
}

func ownerPrefix(owner crypto.Address) []byte {
	buf := make([]byte, 0, len(authPrefix)+20+1)
	buf = append(buf, authPrefix...)
	buf = append(buf, owner.Bytes()...)
	buf = append(buf, '/')
	return buf
}

// Engine is the user-facing vault layer: it owns the delegation registry
// and dispatches signed position operations into the position ledger.
type Engine struct {
	state     Storage
	positions Positions
	shutdown  common.ShutdownView
	emitter   events.Emitter
}

func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState wires the persistence backend.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetPositions wires the position ledger.
func (e *Engine) SetPositions(positions Positions) { e.positions = positions }

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

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.positions == nil {
		return ErrNotConfigured
	}
	return nil
}

// Authorize grants grantee the right to pull the caller's position for
// one collateral currency into their own account.
func (e *Engine) Authorize(origin common.Origin, currency types.CurrencyID, grantee crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	owner, err := common.EnsureSigned(origin)
	if err != nil {
		return err
	}
	if owner.Equal(grantee) {
		return ErrSelfAuthorization
	}
	key := authKey(owner, currency, grantee)
	var existing storedFlag
	ok, err := e.state.KVGet(key, &existing)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyAuthorized
	}
	if err := e.state.KVPut(key, storedFlag{Set: true}); err != nil {
		return err
	}
	e.emitter.Emit(events.Authorized{
		Owner:    owner.String(),
		Grantee:  grantee.String(),
		Currency: currency,
	})
	return nil
}

// Unauthorize revokes a single delegation.
func (e *Engine) Unauthorize(origin common.Origin, currency types.CurrencyID, grantee crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	owner, err := common.EnsureSigned(origin)
	if err != nil {
		return err
	}
	key := authKey(owner, currency, grantee)
	var existing storedFlag
	ok, err := e.state.KVGet(key, &existing)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuthorizationNotFound
	}
	if err := e.state.KVDelete(key); err != nil {
		return err
	}
	e.emitter.Emit(events.Unauthorized{
		Owner:    owner.String(),
		Grantee:  grantee.String(),
		Currency: currency,
	})
	return nil
}

// UnauthorizeAll revokes every delegation the caller has granted, across
// all currencies and grantees.
func (e *Engine) UnauthorizeAll(origin common.Origin) error {
	if err := e.ready(); err != nil {
		return err
	}
	owner, err := common.EnsureSigned(origin)
	if err != nil {
		return err
	}
	var keys [][]byte
	err = e.state.KVIterate(ownerPrefix(owner), func(key, value []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := e.state.KVDelete(key); err != nil {
			return err
		}
	}
	e.emitter.Emit(events.UnauthorizedAll{Owner: owner.String()})
	return nil
}

// CheckAuthorization verifies grantee may move owner's position for the
// currency. Owners are always authorized for themselves.
func (e *Engine) CheckAuthorization(owner, grantee crypto.Address, currency types.CurrencyID) error {
	if err := e.ready(); err != nil {
		return err
	}
	if owner.Equal(grantee) {
		return nil
	}
	var existing storedFlag
	ok, err := e.state.KVGet(authKey(owner, currency, grantee), &existing)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoAuthorization
	}
	return nil
}

// UpdateVault adjusts the caller's own position. Blocked once emergency
// shutdown is active.
func (e *Engine) UpdateVault(origin common.Origin, currency types.CurrencyID, collateralDelta, debitDelta *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	who, err := common.EnsureSigned(origin)
	if err != nil {
		return err
	}
	if err := common.Guard(e.shutdown); err != nil {
		return err
	}
	return e.positions.AdjustPosition(who, currency, collateralDelta, debitDelta)
}

// TransferVault pulls the whole position of from into the caller's
// account, requiring a standing authorization. Blocked once emergency
// shutdown is active.
func (e *Engine) TransferVault(origin common.Origin, currency types.CurrencyID, from crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	to, err := common.EnsureSigned(origin)
	if err != nil {
		return err
	}
	if err := common.Guard(e.shutdown); err != nil {
		return err
	}
	if err := e.CheckAuthorization(from, to, currency); err != nil {
		return err
	}
	return e.positions.TransferPosition(from, to, currency)
}

// WithdrawCollateral releases free collateral from a settled position
// after emergency shutdown.
func (e *Engine) WithdrawCollateral(origin common.Origin, currency types.CurrencyID, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	who, err := common.EnsureSigned(origin)
	if err != nil {
		return err
	}
	if err := common.GuardAfter(e.shutdown); err != nil {
		return err
	}
	position, err := e.positions.GetPosition(currency, who)
	if err != nil {
		return err
	}
	if position.Debit.Sign() != 0 {
		return ErrStillHasDebit
	}
	return e.positions.AdjustPosition(who, currency, new(big.Int).Neg(amount), nil)
}

package shutdown

import (
	"errors"
	"log/slog"
	"math/big"

	"stablecore/core/events"
	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/auction"
	"stablecore/native/common"
	"stablecore/native/loans"
)

// Storage abstracts the subset of state manager functionality required by
// the shutdown module.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

// PriceLocker freezes collateral valuations at activation.
type PriceLocker interface {
	LockPrices(currencies []types.CurrencyID) error
}

// RiskEngine settles outstanding positions during the unwind.
type RiskEngine interface {
	CollateralCurrencies() ([]types.CurrencyID, error)
	Settle(currency types.CurrencyID, owner crypto.Address) error
}

// Positions exposes the open positions to the unwind.
type Positions interface {
	IteratePositions(currency types.CurrencyID, fn func(owner crypto.Address, p loans.Position) bool) error
}

// Auctions exposes the live auction book to the unwind.
type Auctions interface {
	IterateAuctions(fn func(a *auction.Auction) bool) error
	Cancel(id uint64) error
}

// Treasury pays out the final collateral refunds.
type Treasury interface {
	RefundCollaterals(who crypto.Address, amount *big.Int) error
}

var (
	ErrNotConfigured   = errors.New("shutdown: engine not fully configured")
	ErrAlreadyShutdown = errors.New("shutdown: already activated")
	ErrRefundNotOpen   = errors.New("shutdown: refund window not open")
)

var (
	activeKey     = []byte("shutdown/active")
	refundOpenKey = []byte("shutdown/refund_open")
)

type storedFlag struct {
	Set    bool
	Height uint64
}

// Engine owns the one-way emergency shutdown switch and the bounded
// per-block unwind that follows it.
type Engine struct {
	state     Storage
	prices    PriceLocker
	risk      RiskEngine
	positions Positions
	auctions  Auctions
	treasury  Treasury
	emitter   events.Emitter
	logger    *slog.Logger
}

func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
	}
}

// SetState wires the persistence backend.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetPriceLocker wires the price feed.
func (e *Engine) SetPriceLocker(prices PriceLocker) { e.prices = prices }

// SetRiskEngine wires the risk engine.
func (e *Engine) SetRiskEngine(risk RiskEngine) { e.risk = risk }

// SetPositions wires the position ledger.
func (e *Engine) SetPositions(positions Positions) { e.positions = positions }

// SetAuctions wires the auction manager.
func (e *Engine) SetAuctions(auctions Auctions) { e.auctions = auctions }

// SetTreasury wires the treasury.
func (e *Engine) SetTreasury(treasury Treasury) { e.treasury = treasury }

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
	if e == nil || e.state == nil || e.prices == nil || e.risk == nil || e.positions == nil || e.auctions == nil || e.treasury == nil {
		return ErrNotConfigured
	}
	return nil
}

func (e *Engine) flag(key []byte) bool {
	if e == nil || e.state == nil {
		return false
	}
	var stored storedFlag
	ok, err := e.state.KVGet(key, &stored)
	if err != nil {
		e.logger.Error("shutdown flag read failed", "error", err)
		return false
	}
	return ok && stored.Set
}

// IsShutdown reports whether emergency shutdown has been activated. It
// implements common.ShutdownView.
func (e *Engine) IsShutdown() bool {
	return e.flag(activeKey)
}

// IsRefundOpen reports whether the final collateral refund window is
// open.
func (e *Engine) IsRefundOpen() bool {
	return e.flag(refundOpenKey)
}

// Activate flips the one-way shutdown switch and freezes every collateral
// price at its current value. Root only.
func (e *Engine) Activate(origin common.Origin, height uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.EnsureRoot(origin); err != nil {
		return err
	}
	if e.IsShutdown() {
		return ErrAlreadyShutdown
	}
	currencies, err := e.risk.CollateralCurrencies()
	if err != nil {
		return err
	}
	if err := e.prices.LockPrices(currencies); err != nil {
		return err
	}
	if err := e.state.KVPut(activeKey, storedFlag{Set: true, Height: height}); err != nil {
		return err
	}
	e.logger.Info("emergency shutdown activated", "height", height)
	e.emitter.Emit(events.ShutdownActivated{Height: height})
	return nil
}

// UnwindStep performs up to limit units of unwind work: cancelling unbid
// auctions first, then force-settling positions that still carry debit.
// When the book and the debit are fully drained the refund window opens.
func (e *Engine) UnwindStep(height uint64, limit int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.IsShutdown() || e.IsRefundOpen() || limit <= 0 {
		return nil
	}
	budget := limit

	var cancellable []uint64
	err := e.auctions.IterateAuctions(func(a *auction.Auction) bool {
		if !a.HasBid() {
			cancellable = append(cancellable, a.ID)
		}
		return len(cancellable) < budget
	})
	if err != nil {
		return err
	}
	for _, id := range cancellable {
		if err := e.auctions.Cancel(id); err != nil {
			return err
		}
		budget--
	}

	currencies, err := e.risk.CollateralCurrencies()
	if err != nil {
		return err
	}
	type pending struct {
		currency types.CurrencyID
		owner    crypto.Address
	}
	var toSettle []pending
	for _, currency := range currencies {
		if budget <= len(toSettle) {
			break
		}
		err := e.positions.IteratePositions(currency, func(owner crypto.Address, p loans.Position) bool {
			if p.Debit.Sign() > 0 {
				toSettle = append(toSettle, pending{currency: currency, owner: owner})
			}
			return len(toSettle) < budget
		})
		if err != nil {
			return err
		}
	}
	for _, item := range toSettle {
		if err := e.risk.Settle(item.currency, item.owner); err != nil {
			return err
		}
	}

	done, err := e.unwindComplete(currencies)
	if err != nil {
		return err
	}
	if done {
		if err := e.state.KVPut(refundOpenKey, storedFlag{Set: true, Height: height}); err != nil {
			return err
		}
		e.logger.Info("shutdown unwind complete, refunds open", "height", height)
		e.emitter.Emit(events.RefundOpened{Height: height})
	}
	return nil
}

func (e *Engine) unwindComplete(currencies []types.CurrencyID) (bool, error) {
	auctionsLeft := false
	err := e.auctions.IterateAuctions(func(a *auction.Auction) bool {
		auctionsLeft = true
		return false
	})
	if err != nil {
		return false, err
	}
	if auctionsLeft {
		return false, nil
	}
	for _, currency := range currencies {
		debitLeft := false
		err := e.positions.IteratePositions(currency, func(owner crypto.Address, p loans.Position) bool {
			if p.Debit.Sign() > 0 {
				debitLeft = true
				return false
			}
			return true
		})
		if err != nil {
			return false, err
		}
		if debitLeft {
			return false, nil
		}
	}
	return true, nil
}

// RefundCollaterals burns the caller's stable for a pro-rata basket of
// the remaining collateral. Only available once the refund window is
// open.
func (e *Engine) RefundCollaterals(origin common.Origin, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	who, err := common.EnsureSigned(origin)
	if err != nil {
		return err
	}
	if !e.IsRefundOpen() {
		return ErrRefundNotOpen
	}
	return e.treasury.RefundCollaterals(who, amount)
}

package auction

import (
	"errors"
	"log/slog"
	"math/big"

	"stablecore/core/events"
	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/observability"
)

// Storage abstracts the subset of state manager functionality required by
// the auction manager.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

// Balances is the money-moving surface the auction manager needs from the
// balance ledger.
type Balances interface {
	Deposit(currency types.CurrencyID, addr crypto.Address, amount *big.Int) error
	Withdraw(currency types.CurrencyID, addr crypto.Address, amount *big.Int) error
	Transfer(currency types.CurrencyID, from, to crypto.Address, amount *big.Int) error
	FreeBalance(currency types.CurrencyID, addr crypto.Address) (*big.Int, error)
}

// Treasury is the settlement surface auctions resolve against.
type Treasury interface {
	DepositSurplus(from crypto.Address, amount *big.Int) error
	WithdrawCollateral(currency types.CurrencyID, to crypto.Address, amount *big.Int) error
	OnSurplusAuctionDealt(winner crypto.Address, lot *big.Int) error
	OnSurplusAuctionCancelled(lot *big.Int) error
	OnDebitAuctionDealt(payer crypto.Address, payment *big.Int) error
	OnDebitAuctionCancelled(payment *big.Int) error
}

// PriceSource supplies collateral prices for opening-ask calculation.
type PriceSource interface {
	GetPrice(currency types.CurrencyID) (*big.Int, bool, error)
}

var (
	ErrNotConfigured   = errors.New("auction: manager not fully configured")
	ErrAuctionNotFound = errors.New("auction: auction not found")
	ErrInvalidKind     = errors.New("auction: wrong auction kind")
	ErrAlreadyBid      = errors.New("auction: auction has a standing bid")
	ErrBidTooLow       = errors.New("auction: bid below the current ask")
	ErrBidIncrement    = errors.New("auction: bid does not meet the increment")
	ErrInvalidBid      = errors.New("auction: bid must be positive")
	ErrBidUnfunded     = errors.New("auction: bidder cannot fund the bid")
)

// Account escrows standing bids.
var Account = crypto.ModuleAddress("stbl/auct")

var (
	itemPrefix   = []byte("auction/item/")
	nextIDKey    = []byte("auction/next_id")
	heightKey    = []byte("auction/height")
	paramsBucket = []byte("auction/params")
)

type storedCounter struct {
	Value uint64
}

type storedParams struct {
	CollateralStartMultiplier    []byte
	HasCollateralStartMultiplier bool
	CollateralDurationBlocks     uint64
	CollateralFloorRatio         []byte
	HasCollateralFloorRatio      bool
	MaxRestarts                  uint32
	MinimumIncrementRatio        []byte
	HasMinimumIncrementRatio     bool
	DurationBlocks               uint64
	ExtensionBlocks              uint64
}

// Manager runs collateral, surplus and debit auctions. It implements the
// treasury's AuctionManager surface.
type Manager struct {
	state    Storage
	balances Balances
	treasury Treasury
	prices   PriceSource
	emitter  events.Emitter
	logger   *slog.Logger

	stableCurrency types.CurrencyID
	nativeCurrency types.CurrencyID
}

func NewManager(stableCurrency, nativeCurrency types.CurrencyID) *Manager {
	return &Manager{
		emitter:        events.NoopEmitter{},
		logger:         slog.Default(),
		stableCurrency: stableCurrency,
		nativeCurrency: nativeCurrency,
	}
}

// SetState wires the persistence backend.
func (m *Manager) SetState(state Storage) { m.state = state }

// SetBalances wires the balance ledger.
func (m *Manager) SetBalances(balances Balances) { m.balances = balances }

// SetTreasury wires the treasury.
func (m *Manager) SetTreasury(treasury Treasury) { m.treasury = treasury }

// SetPriceSource wires the price feed.
func (m *Manager) SetPriceSource(prices PriceSource) { m.prices = prices }

// SetEmitter wires the event emitter. A nil emitter resets to a no-op.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetLogger overrides the manager logger.
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

func (m *Manager) ready() error {
	if m == nil || m.state == nil || m.balances == nil || m.treasury == nil {
		return ErrNotConfigured
	}
	return nil
}

// SetParams overrides the auction parameters. Root only.
func (m *Manager) SetParams(origin common.Origin, params Params) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := common.EnsureRoot(origin); err != nil {
		return err
	}
	stored := storedParams{
		CollateralDurationBlocks: params.CollateralDurationBlocks,
		MaxRestarts:              params.MaxRestarts,
		DurationBlocks:           params.DurationBlocks,
		ExtensionBlocks:          params.ExtensionBlocks,
	}
	if params.CollateralStartMultiplier != nil {
		stored.CollateralStartMultiplier = params.CollateralStartMultiplier.Bytes()
		stored.HasCollateralStartMultiplier = true
	}
	if params.CollateralFloorRatio != nil {
		stored.CollateralFloorRatio = params.CollateralFloorRatio.Bytes()
		stored.HasCollateralFloorRatio = true
	}
	if params.MinimumIncrementRatio != nil {
		stored.MinimumIncrementRatio = params.MinimumIncrementRatio.Bytes()
		stored.HasMinimumIncrementRatio = true
	}
	return m.state.KVPut(paramsBucket, stored)
}

// GetParams returns the active parameters. Ratio fields governance left
// unset fall back to the defaults rather than reading as zero.
func (m *Manager) GetParams() (Params, error) {
	if m == nil || m.state == nil {
		return Params{}, ErrNotConfigured
	}
	var stored storedParams
	ok, err := m.state.KVGet(paramsBucket, &stored)
	if err != nil {
		return Params{}, err
	}
	if !ok {
		return DefaultParams(), nil
	}
	params := DefaultParams()
	params.CollateralDurationBlocks = stored.CollateralDurationBlocks
	params.MaxRestarts = stored.MaxRestarts
	params.DurationBlocks = stored.DurationBlocks
	params.ExtensionBlocks = stored.ExtensionBlocks
	if stored.HasCollateralStartMultiplier {
		params.CollateralStartMultiplier = new(big.Int).SetBytes(stored.CollateralStartMultiplier)
	}
	if stored.HasCollateralFloorRatio {
		params.CollateralFloorRatio = new(big.Int).SetBytes(stored.CollateralFloorRatio)
	}
	if stored.HasMinimumIncrementRatio {
		params.MinimumIncrementRatio = new(big.Int).SetBytes(stored.MinimumIncrementRatio)
	}
	return params, nil
}

func (m *Manager) height() (uint64, error) {
	var stored storedCounter
	if _, err := m.state.KVGet(heightKey, &stored); err != nil {
		return 0, err
	}
	return stored.Value, nil
}

func (m *Manager) nextID() (uint64, error) {
	var stored storedCounter
	if _, err := m.state.KVGet(nextIDKey, &stored); err != nil {
		return 0, err
	}
	if err := m.state.KVPut(nextIDKey, storedCounter{Value: stored.Value + 1}); err != nil {
		return 0, err
	}
	return stored.Value, nil
}

func (m *Manager) write(a *Auction) error {
	return m.state.KVPut(auctionKey(a.ID), toStored(a))
}

func (m *Manager) delete(id uint64) error {
	return m.state.KVDelete(auctionKey(id))
}

// Auction loads one auction by id.
func (m *Manager) Auction(id uint64) (*Auction, error) {
	if m == nil || m.state == nil {
		return nil, ErrNotConfigured
	}
	var stored storedAuction
	ok, err := m.state.KVGet(auctionKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAuctionNotFound
	}
	return fromStored(stored), nil
}

// IterateAuctions walks every live auction in id order. The callback
// returns true to continue.
func (m *Manager) IterateAuctions(fn func(a *Auction) bool) error {
	if m == nil || m.state == nil {
		return ErrNotConfigured
	}
	var iterErr error
	err := m.state.KVIterate(itemPrefix, func(key, value []byte) bool {
		var stored storedAuction
		ok, err := m.state.KVGet(key, &stored)
		if err != nil {
			iterErr = err
			return false
		}
		if !ok {
			return true
		}
		return fn(fromStored(stored))
	})
	if err != nil {
		return err
	}
	return iterErr
}

// openingAsk prices one decay sweep: the start multiplier applied to the
// larger of the stable target and the current market value of the lot.
func (m *Manager) openingAsk(currency types.CurrencyID, amount, target *big.Int, params Params) (*big.Int, error) {
	marketValue := big.NewInt(0)
	if m.prices != nil {
		price, ok, err := m.prices.GetPrice(currency)
		if err != nil {
			return nil, err
		}
		if ok {
			marketValue = common.RayMul(amount, price)
		}
	}
	base := new(big.Int).Set(target)
	if marketValue.Cmp(base) > 0 {
		base.Set(marketValue)
	}
	ask, clamped := common.RayMulSat(base, params.CollateralStartMultiplier)
	if clamped {
		observability.Risk().RecordSaturation("collateral_start_ask")
	}
	return ask, nil
}

// NewCollateralAuction opens a Dutch auction selling a collateral lot for
// stable. The opening ask is the start multiplier applied to the larger
// of the stable target and the market value of the lot at creation time.
func (m *Manager) NewCollateralAuction(refund crypto.Address, currency types.CurrencyID, amount, target *big.Int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidBid
	}
	params, err := m.GetParams()
	if err != nil {
		return err
	}
	height, err := m.height()
	if err != nil {
		return err
	}
	if target == nil {
		target = big.NewInt(0)
	}
	startAsk, err := m.openingAsk(currency, amount, target, params)
	if err != nil {
		return err
	}
	id, err := m.nextID()
	if err != nil {
		return err
	}
	a := &Auction{
		ID:         id,
		Kind:       KindCollateral,
		Currency:   currency,
		Amount:     new(big.Int).Set(amount),
		Target:     new(big.Int).Set(target),
		StartAsk:   startAsk,
		Refund:     refund,
		StartBlock: height,
		EndBlock:   height + params.CollateralDurationBlocks,
		Bid:        big.NewInt(0),
	}
	if err := m.write(a); err != nil {
		return err
	}
	observability.Risk().RecordAuctionCreated(KindCollateral)
	m.emitter.Emit(events.AuctionCreated{
		ID:       id,
		Kind:     KindCollateral,
		Currency: currency,
		Amount:   a.Amount,
		Target:   a.Target,
	})
	return nil
}

// NewSurplusAuction opens an English auction selling a stable lot for
// native currency.
func (m *Manager) NewSurplusAuction(amount *big.Int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidBid
	}
	params, err := m.GetParams()
	if err != nil {
		return err
	}
	height, err := m.height()
	if err != nil {
		return err
	}
	id, err := m.nextID()
	if err != nil {
		return err
	}
	a := &Auction{
		ID:         id,
		Kind:       KindSurplus,
		Currency:   m.stableCurrency,
		Amount:     new(big.Int).Set(amount),
		Target:     big.NewInt(0),
		StartBlock: height,
		EndBlock:   height + params.DurationBlocks,
		Bid:        big.NewInt(0),
	}
	if err := m.write(a); err != nil {
		return err
	}
	observability.Risk().RecordAuctionCreated(KindSurplus)
	m.emitter.Emit(events.AuctionCreated{
		ID:       id,
		Kind:     KindSurplus,
		Currency: m.stableCurrency,
		Amount:   a.Amount,
	})
	return nil
}

// NewDebitAuction opens a reverse auction raising a fixed stable payment
// for a shrinking native offer.
func (m *Manager) NewDebitAuction(initialAmount, fixedPayment *big.Int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if initialAmount == nil || initialAmount.Sign() <= 0 || fixedPayment == nil || fixedPayment.Sign() <= 0 {
		return ErrInvalidBid
	}
	params, err := m.GetParams()
	if err != nil {
		return err
	}
	height, err := m.height()
	if err != nil {
		return err
	}
	id, err := m.nextID()
	if err != nil {
		return err
	}
	a := &Auction{
		ID:         id,
		Kind:       KindDebit,
		Currency:   m.nativeCurrency,
		Amount:     new(big.Int).Set(initialAmount),
		Target:     new(big.Int).Set(fixedPayment),
		StartBlock: height,
		EndBlock:   height + params.DurationBlocks,
		Bid:        big.NewInt(0),
	}
	if err := m.write(a); err != nil {
		return err
	}
	observability.Risk().RecordAuctionCreated(KindDebit)
	m.emitter.Emit(events.AuctionCreated{
		ID:       id,
		Kind:     KindDebit,
		Currency: m.nativeCurrency,
		Amount:   a.Amount,
		Target:   a.Target,
	})
	return nil
}

package treasury

import (
	"errors"
	"log/slog"
	"math/big"

	"stablecore/core/events"
	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/native/ledger"
	"stablecore/observability"
)

// Storage abstracts the subset of state manager functionality required by
// the treasury.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

// Balances is the money-moving surface the treasury needs from the
// balance ledger.
type Balances interface {
	Deposit(currency types.CurrencyID, addr crypto.Address, amount *big.Int) error
	Withdraw(currency types.CurrencyID, addr crypto.Address, amount *big.Int) error
	Transfer(currency types.CurrencyID, from, to crypto.Address, amount *big.Int) error
	FreeBalance(currency types.CurrencyID, addr crypto.Address) (*big.Int, error)
	TotalIssuance(currency types.CurrencyID) (*big.Int, error)
}

// AuctionManager opens auctions on the treasury's behalf.
type AuctionManager interface {
	NewCollateralAuction(refund crypto.Address, currency types.CurrencyID, amount, target *big.Int) error
	NewSurplusAuction(amount *big.Int) error
	NewDebitAuction(initialAmount, fixedPayment *big.Int) error
}

// Dex swaps confiscated collateral for stable currency.
type Dex interface {
	// SwapWithExactTarget buys exactly target units of targetCurrency for
	// who, spending at most maxSupply of supplyCurrency. It returns the
	// supply amount actually consumed.
	SwapWithExactTarget(supplyCurrency, targetCurrency types.CurrencyID, target, maxSupply *big.Int, who crypto.Address) (*big.Int, error)
}

var (
	ErrNotConfigured         = errors.New("treasury: engine not fully configured")
	ErrInsufficientCustody   = errors.New("treasury: insufficient collateral custody")
	ErrInsufficientSurplus   = errors.New("treasury: insufficient surplus")
	ErrInsufficientDebitPool = errors.New("treasury: insufficient debit pool")
)

// Account is the treasury's module account. It custodies seized
// collateral and the stable backing the surplus pool.
var Account = crypto.ModuleAddress("stbl/cdpt")

// Params control the block-boundary pool management.
type Params struct {
	// SurplusBufferSize is the surplus retained before auctioning the
	// excess off.
	SurplusBufferSize *big.Int
	// SurplusAuctionFixedSize is the stable lot per surplus auction.
	SurplusAuctionFixedSize *big.Int
	// DebitAuctionFixedSize is the stable raised per debit auction.
	DebitAuctionFixedSize *big.Int
	// InitialAmountPerDebitAuction is the native amount initially
	// offered per debit auction.
	InitialAmountPerDebitAuction *big.Int
}

type storedParams struct {
	SurplusBufferSize            []byte
	SurplusAuctionFixedSize      []byte
	DebitAuctionFixedSize        []byte
	InitialAmountPerDebitAuction []byte
}

type storedAmount struct {
	Amount []byte
}

var (
	paramsKey           = []byte("treasury/params")
	debitPoolKey        = []byte("treasury/debit_pool")
	surplusPoolKey      = []byte("treasury/surplus_pool")
	surplusInAuctionKey = []byte("treasury/surplus_in_auction")
	debitInAuctionKey   = []byte("treasury/debit_in_auction")
	custodyPrefix       = []byte("treasury/collateral/")
	maxAuctionPrefix    = []byte("treasury/max_auction/")
)

func custodyKey(currency types.CurrencyID) []byte {
	return append(append([]byte{}, custodyPrefix...), currency...)
}

func maxAuctionKey(currency types.CurrencyID) []byte {
	return append(append([]byte{}, maxAuctionPrefix...), currency...)
}

// Engine is the protocol treasury. It tracks the unbacked debit pool and
// the accumulated surplus, custodies seized collateral, and converts pool
// imbalances into surplus and debit auctions at block boundaries.
type Engine struct {
	state    Storage
	balances Balances
	auctions AuctionManager
	dex      Dex
	shutdown common.ShutdownView
	emitter  events.Emitter
	logger   *slog.Logger

	stableCurrency types.CurrencyID
	nativeCurrency types.CurrencyID
}

func NewEngine(stableCurrency, nativeCurrency types.CurrencyID) *Engine {
	return &Engine{
		emitter:        events.NoopEmitter{},
		logger:         slog.Default(),
		stableCurrency: stableCurrency,
		nativeCurrency: nativeCurrency,
	}
}

// SetState wires the persistence backend.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetBalances wires the balance ledger.
func (e *Engine) SetBalances(balances Balances) { e.balances = balances }

// SetAuctionManager wires the auction manager. Optional until auctions
// are needed.
func (e *Engine) SetAuctionManager(auctions AuctionManager) { e.auctions = auctions }

// SetDex wires the swap venue used for liquidation by swap. Optional.
func (e *Engine) SetDex(dex Dex) { e.dex = dex }

// SetShutdownView wires the emergency shutdown flag. Once active, Settle
// stops opening new surplus and debit auctions.
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

// StableCurrency returns the stable currency the treasury settles in.
func (e *Engine) StableCurrency() types.CurrencyID { return e.stableCurrency }

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.balances == nil {
		return ErrNotConfigured
	}
	return nil
}

func (e *Engine) loadAmount(key []byte) (*big.Int, error) {
	var stored storedAmount
	ok, err := e.state.KVGet(key, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(stored.Amount), nil
}

func (e *Engine) storeAmount(key []byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return e.state.KVDelete(key)
	}
	return e.state.KVPut(key, storedAmount{Amount: amount.Bytes()})
}

// SetParams updates the pool management parameters. Root only.
func (e *Engine) SetParams(origin common.Origin, params Params) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.EnsureRoot(origin); err != nil {
		return err
	}
	stored := storedParams{}
	if params.SurplusBufferSize != nil {
		stored.SurplusBufferSize = params.SurplusBufferSize.Bytes()
	}
	if params.SurplusAuctionFixedSize != nil {
		stored.SurplusAuctionFixedSize = params.SurplusAuctionFixedSize.Bytes()
	}
	if params.DebitAuctionFixedSize != nil {
		stored.DebitAuctionFixedSize = params.DebitAuctionFixedSize.Bytes()
	}
	if params.InitialAmountPerDebitAuction != nil {
		stored.InitialAmountPerDebitAuction = params.InitialAmountPerDebitAuction.Bytes()
	}
	return e.state.KVPut(paramsKey, stored)
}

// GetParams returns the pool management parameters; unset fields read as
// zero, which disables the matching auction spawning.
func (e *Engine) GetParams() (Params, error) {
	if err := e.ready(); err != nil {
		return Params{}, err
	}
	var stored storedParams
	if _, err := e.state.KVGet(paramsKey, &stored); err != nil {
		return Params{}, err
	}
	return Params{
		SurplusBufferSize:            new(big.Int).SetBytes(stored.SurplusBufferSize),
		SurplusAuctionFixedSize:      new(big.Int).SetBytes(stored.SurplusAuctionFixedSize),
		DebitAuctionFixedSize:        new(big.Int).SetBytes(stored.DebitAuctionFixedSize),
		InitialAmountPerDebitAuction: new(big.Int).SetBytes(stored.InitialAmountPerDebitAuction),
	}, nil
}

// SetMaximumAuctionSize caps the collateral lot per auction for a
// currency. Root only; zero disables splitting.
func (e *Engine) SetMaximumAuctionSize(origin common.Origin, currency types.CurrencyID, size *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.EnsureRoot(origin); err != nil {
		return err
	}
	if size == nil || size.Sign() == 0 {
		return e.state.KVDelete(maxAuctionKey(currency))
	}
	return e.state.KVPut(maxAuctionKey(currency), storedAmount{Amount: size.Bytes()})
}

// MaximumAuctionSize returns the per-auction collateral cap for a
// currency, zero when unset.
func (e *Engine) MaximumAuctionSize(currency types.CurrencyID) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadAmount(maxAuctionKey(currency))
}

// DebitPool returns the accumulated unbacked debit.
func (e *Engine) DebitPool() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadAmount(debitPoolKey)
}

// SurplusPool returns the accumulated surplus.
func (e *Engine) SurplusPool() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadAmount(surplusPoolKey)
}

// TotalCollateral returns the custodied amount of a collateral currency.
func (e *Engine) TotalCollateral(currency types.CurrencyID) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadAmount(custodyKey(currency))
}

// OnSystemDebit books unbacked system debt into the debit pool. The pool
// saturates at the balance ceiling rather than failing.
func (e *Engine) OnSystemDebit(amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	pool, err := e.loadAmount(debitPoolKey)
	if err != nil {
		return err
	}
	next, clamped := common.SatAdd(pool, amount)
	if clamped {
		e.logger.Warn("debit pool clamped at balance ceiling", "amount", amount.String())
		observability.Risk().RecordSaturation("debit_pool")
	}
	return e.storeAmount(debitPoolKey, next)
}

// OnSystemSurplus mints stable into the treasury account and grows the
// surplus pool. A mint the ledger cannot represent is dropped rather than
// propagated; the drop is logged, metered and emitted so operators see
// the lost accrual.
func (e *Engine) OnSystemSurplus(amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if err := e.balances.Deposit(e.stableCurrency, Account, amount); err != nil {
		if errors.Is(err, ledger.ErrBalanceOverflow) {
			e.logger.Error("surplus dropped on balance overflow", "amount", amount.String())
			observability.Risk().RecordSurplusDropped()
			e.emitter.Emit(events.SurplusDropped{Amount: amount})
			return nil
		}
		return err
	}
	pool, err := e.loadAmount(surplusPoolKey)
	if err != nil {
		return err
	}
	next, clamped := common.SatAdd(pool, amount)
	if clamped {
		observability.Risk().RecordSaturation("surplus_pool")
	}
	return e.storeAmount(surplusPoolKey, next)
}

// IssueBackedDebit mints stable to a position owner against freshly
// issued debit. Backed issuance never touches the pools.
func (e *Engine) IssueBackedDebit(who crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	return e.balances.Deposit(e.stableCurrency, who, amount)
}

// BurnBackedDebit burns stable from a position owner repaying debit.
func (e *Engine) BurnBackedDebit(who crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	return e.balances.Withdraw(e.stableCurrency, who, amount)
}

// DepositSurplus moves stable from an account into the surplus pool.
// Auction proceeds arrive through here.
func (e *Engine) DepositSurplus(from crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if err := e.balances.Transfer(e.stableCurrency, from, Account, amount); err != nil {
		return err
	}
	pool, err := e.loadAmount(surplusPoolKey)
	if err != nil {
		return err
	}
	next, clamped := common.SatAdd(pool, amount)
	if clamped {
		observability.Risk().RecordSaturation("surplus_pool")
	}
	return e.storeAmount(surplusPoolKey, next)
}

// WithdrawSurplus pays stable out of the surplus pool, e.g. to a surplus
// auction winner.
func (e *Engine) WithdrawSurplus(to crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	pool, err := e.loadAmount(surplusPoolKey)
	if err != nil {
		return err
	}
	if pool.Cmp(amount) < 0 {
		return ErrInsufficientSurplus
	}
	if err := e.balances.Transfer(e.stableCurrency, Account, to, amount); err != nil {
		return err
	}
	return e.storeAmount(surplusPoolKey, new(big.Int).Sub(pool, amount))
}

// DepositCollateral moves seized collateral from an account into treasury
// custody.
func (e *Engine) DepositCollateral(currency types.CurrencyID, from crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if err := e.balances.Transfer(currency, from, Account, amount); err != nil {
		return err
	}
	held, err := e.loadAmount(custodyKey(currency))
	if err != nil {
		return err
	}
	next, clamped := common.SatAdd(held, amount)
	if clamped {
		observability.Risk().RecordSaturation("collateral_custody")
	}
	return e.storeAmount(custodyKey(currency), next)
}

// WithdrawCollateral pays collateral out of custody, e.g. to an auction
// winner or a refunded owner.
func (e *Engine) WithdrawCollateral(currency types.CurrencyID, to crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	held, err := e.loadAmount(custodyKey(currency))
	if err != nil {
		return err
	}
	if held.Cmp(amount) < 0 {
		return ErrInsufficientCustody
	}
	if err := e.balances.Transfer(currency, Account, to, amount); err != nil {
		return err
	}
	return e.storeAmount(custodyKey(currency), new(big.Int).Sub(held, amount))
}

// CustodiedCurrencies lists every collateral currency with a non-zero
// custody balance.
func (e *Engine) CustodiedCurrencies() ([]types.CurrencyID, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var currencies []types.CurrencyID
	err := e.state.KVIterate(custodyPrefix, func(key, value []byte) bool {
		currencies = append(currencies, types.CurrencyID(key[len(custodyPrefix):]))
		return true
	})
	if err != nil {
		return nil, err
	}
	return currencies, nil
}

// DebitProportion returns amount as a ray-scaled fraction of the total
// stable issuance.
func (e *Engine) DebitProportion(amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	issuance, err := e.balances.TotalIssuance(e.stableCurrency)
	if err != nil {
		return nil, err
	}
	if issuance.Sign() == 0 {
		return big.NewInt(0), nil
	}
	return common.RayDiv(amount, issuance), nil
}

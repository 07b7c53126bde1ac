package core

import (
	"log/slog"
	"math/big"

	"stablecore/core/events"
	"stablecore/core/state"
	"stablecore/core/types"
	"stablecore/native/auction"
	"stablecore/native/cdp"
	"stablecore/native/common"
	"stablecore/native/dex"
	"stablecore/native/ledger"
	"stablecore/native/loans"
	"stablecore/native/prices"
	"stablecore/native/shutdown"
	"stablecore/native/treasury"
	"stablecore/native/vault"
	"stablecore/storage"
)

// defaultUnwindBatch bounds the shutdown unwind work per block when the
// caller does not configure a limit.
const defaultUnwindBatch = 100

var heightKey = []byte("core/height")

// Options configure protocol construction.
type Options struct {
	StableCurrency types.CurrencyID
	NativeCurrency types.CurrencyID
	// UnwindBatchSize bounds the auctions cancelled plus positions
	// settled per block once emergency shutdown is active.
	UnwindBatchSize int
	Emitter         events.Emitter
	Logger          *slog.Logger
}

// CollateralGenesis seeds one collateral currency at genesis.
type CollateralGenesis struct {
	Currency           types.CurrencyID
	Params             cdp.CollateralParams
	MaximumAuctionSize *big.Int
	// Price is the initial feed value in ray, optional.
	Price *big.Int
}

// Genesis is the parameter set applied once against fresh state.
type Genesis struct {
	GlobalParams   cdp.GlobalParams
	Collaterals    []CollateralGenesis
	TreasuryParams treasury.Params
	AuctionParams  auction.Params
}

// Protocol owns every engine of the stablecoin core, wired over a single
// state database. Construction is one-directional: leaves first, then the
// engines that consume them, with cycles broken by the narrow interfaces
// each consumer declares.
type Protocol struct {
	state    *state.Manager
	Balances *ledger.Ledger
	Prices   *prices.Engine
	Loans    *loans.Engine
	Risk     *cdp.Engine
	Treasury *treasury.Engine
	Auctions *auction.Manager
	Vault    *vault.Engine
	Shutdown *shutdown.Engine
	Dex      *dex.Engine

	unwindBatch int
	logger      *slog.Logger
}

// NewProtocol builds and wires the full engine set over db.
func NewProtocol(db storage.Database, opts Options) *Protocol {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	unwindBatch := opts.UnwindBatchSize
	if unwindBatch <= 0 {
		unwindBatch = defaultUnwindBatch
	}

	manager := state.NewManager(db)
	balances := ledger.NewLedger(manager)
	priceEngine := prices.NewEngine(manager)

	swaps := dex.NewEngine()
	swaps.SetState(manager)
	swaps.SetBalances(balances)

	treasuryEngine := treasury.NewEngine(opts.StableCurrency, opts.NativeCurrency)
	treasuryEngine.SetState(manager)
	treasuryEngine.SetBalances(balances)
	treasuryEngine.SetDex(swaps)
	treasuryEngine.SetLogger(logger)

	auctions := auction.NewManager(opts.StableCurrency, opts.NativeCurrency)
	auctions.SetState(manager)
	auctions.SetBalances(balances)
	auctions.SetTreasury(treasuryEngine)
	auctions.SetPriceSource(priceEngine)
	auctions.SetLogger(logger)
	treasuryEngine.SetAuctionManager(auctions)

	shutdownEngine := shutdown.NewEngine()
	shutdownEngine.SetState(manager)
	shutdownEngine.SetPriceLocker(priceEngine)
	shutdownEngine.SetAuctions(auctions)
	shutdownEngine.SetTreasury(treasuryEngine)
	shutdownEngine.SetLogger(logger)
	treasuryEngine.SetShutdownView(shutdownEngine)

	risk := cdp.NewEngine()
	risk.SetState(manager)
	risk.SetPriceSource(priceEngine)
	risk.SetTreasury(treasuryEngine)
	risk.SetShutdownView(shutdownEngine)
	risk.SetLogger(logger)
	shutdownEngine.SetRiskEngine(risk)

	positions := loans.NewEngine()
	positions.SetState(manager)
	positions.SetBalances(balances)
	positions.SetRiskManager(risk)
	positions.SetTreasury(treasuryEngine)
	risk.SetPositions(positions)
	shutdownEngine.SetPositions(positions)

	vaults := vault.NewEngine()
	vaults.SetState(manager)
	vaults.SetPositions(positions)
	vaults.SetShutdownView(shutdownEngine)

	p := &Protocol{
		state:       manager,
		Balances:    balances,
		Prices:      priceEngine,
		Loans:       positions,
		Risk:        risk,
		Treasury:    treasuryEngine,
		Auctions:    auctions,
		Vault:       vaults,
		Shutdown:    shutdownEngine,
		Dex:         swaps,
		unwindBatch: unwindBatch,
		logger:      logger,
	}
	p.SetEmitter(opts.Emitter)
	return p
}

// SetEmitter fans the event emitter out to every engine. A nil emitter
// resets them all to a no-op.
func (p *Protocol) SetEmitter(emitter events.Emitter) {
	p.Loans.SetEmitter(emitter)
	p.Risk.SetEmitter(emitter)
	p.Treasury.SetEmitter(emitter)
	p.Auctions.SetEmitter(emitter)
	p.Vault.SetEmitter(emitter)
	p.Shutdown.SetEmitter(emitter)
}

// ApplyGenesis writes the genesis parameter set. It is idempotent over
// identical input and is expected to run on every start before the first
// block.
func (p *Protocol) ApplyGenesis(genesis Genesis) error {
	root := common.RootOrigin()
	if err := p.Risk.SetGlobalParams(root, genesis.GlobalParams); err != nil {
		return err
	}
	for _, collateral := range genesis.Collaterals {
		if err := p.Risk.SetCollateralParams(root, collateral.Currency, collateral.Params); err != nil {
			return err
		}
		if collateral.MaximumAuctionSize != nil {
			if err := p.Treasury.SetMaximumAuctionSize(root, collateral.Currency, collateral.MaximumAuctionSize); err != nil {
				return err
			}
		}
		if collateral.Price != nil {
			if err := p.Prices.SetPrice(root, collateral.Currency, collateral.Price); err != nil {
				return err
			}
		}
	}
	if err := p.Treasury.SetParams(root, genesis.TreasuryParams); err != nil {
		return err
	}
	return p.Auctions.SetParams(root, genesis.AuctionParams)
}

// FinalizeBlock runs the block-boundary work, exactly once per block:
// stability fee accrual, treasury pool settlement and auction creation,
// auction expiry and ask decay, then one bounded shutdown unwind step.
func (p *Protocol) FinalizeBlock(height uint64) error {
	if err := p.Risk.OnFinalize(height); err != nil {
		return err
	}
	if err := p.Treasury.Settle(height); err != nil {
		return err
	}
	if err := p.Auctions.AdvanceBlock(height); err != nil {
		return err
	}
	if err := p.Shutdown.UnwindStep(height, p.unwindBatch); err != nil {
		return err
	}
	return p.state.KVPut(heightKey, height)
}

// LastFinalizedHeight returns the height of the last finalized block, so
// a restarted host driver can resume the block clock.
func (p *Protocol) LastFinalizedHeight() (uint64, error) {
	var height uint64
	if _, err := p.state.KVGet(heightKey, &height); err != nil {
		return 0, err
	}
	return height, nil
}

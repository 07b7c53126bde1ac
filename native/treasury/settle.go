package treasury

import (
	"errors"
	"math/big"

	"stablecore/core/events"
	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/observability"
)

var ErrNoSwapVenue = errors.New("treasury: no swap venue configured")

// Settle runs the block-boundary pool management: the surplus and debit
// pools are offset against each other, then any remaining imbalance is
// converted into surplus and debit auctions.
func (e *Engine) Settle(height uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	debitPool, err := e.loadAmount(debitPoolKey)
	if err != nil {
		return err
	}
	surplusPool, err := e.loadAmount(surplusPoolKey)
	if err != nil {
		return err
	}

	offset := common.Min(debitPool, surplusPool)
	if offset.Sign() > 0 {
		// Offsetting burns the stable backing the matched surplus. The
		// pools only move when the burn goes through.
		if err := e.balances.Withdraw(e.stableCurrency, Account, offset); err != nil {
			e.logger.Error("pool offset burn failed", "height", height, "error", err)
		} else {
			debitPool = new(big.Int).Sub(debitPool, offset)
			surplusPool = new(big.Int).Sub(surplusPool, offset)
			if err := e.storeAmount(debitPoolKey, debitPool); err != nil {
				return err
			}
			if err := e.storeAmount(surplusPoolKey, surplusPool); err != nil {
				return err
			}
			observability.Risk().RecordPoolsSettled()
			e.emitter.Emit(events.PoolsSettled{
				Amount:      offset,
				DebitPool:   debitPool,
				SurplusPool: surplusPool,
			})
		}
	}

	if e.auctions == nil {
		return nil
	}
	if e.shutdown != nil && e.shutdown.IsShutdown() {
		return nil
	}
	params, err := e.GetParams()
	if err != nil {
		return err
	}
	if err := e.spawnSurplusAuctions(params, surplusPool); err != nil {
		return err
	}
	return e.spawnDebitAuctions(params, debitPool)
}

func (e *Engine) spawnSurplusAuctions(params Params, surplusPool *big.Int) error {
	lot := params.SurplusAuctionFixedSize
	if lot.Sign() == 0 {
		return nil
	}
	inAuction, err := e.loadAmount(surplusInAuctionKey)
	if err != nil {
		return err
	}
	available := common.SatSub(surplusPool, inAuction)
	threshold := new(big.Int).Add(params.SurplusBufferSize, lot)
	for available.Cmp(threshold) >= 0 {
		if err := e.auctions.NewSurplusAuction(lot); err != nil {
			return err
		}
		inAuction = new(big.Int).Add(inAuction, lot)
		available = new(big.Int).Sub(available, lot)
	}
	return e.storeAmount(surplusInAuctionKey, inAuction)
}

func (e *Engine) spawnDebitAuctions(params Params, debitPool *big.Int) error {
	lot := params.DebitAuctionFixedSize
	if lot.Sign() == 0 || params.InitialAmountPerDebitAuction.Sign() == 0 {
		return nil
	}
	inAuction, err := e.loadAmount(debitInAuctionKey)
	if err != nil {
		return err
	}
	remaining := common.SatSub(debitPool, inAuction)
	for remaining.Cmp(lot) >= 0 {
		if err := e.auctions.NewDebitAuction(params.InitialAmountPerDebitAuction, lot); err != nil {
			return err
		}
		inAuction = new(big.Int).Add(inAuction, lot)
		remaining = new(big.Int).Sub(remaining, lot)
	}
	return e.storeAmount(debitInAuctionKey, inAuction)
}

// OnSurplusAuctionDealt pays the auctioned surplus lot to the winner and
// releases the in-auction reservation.
func (e *Engine) OnSurplusAuctionDealt(winner crypto.Address, lot *big.Int) error {
	if err := e.WithdrawSurplus(winner, lot); err != nil {
		return err
	}
	inAuction, err := e.loadAmount(surplusInAuctionKey)
	if err != nil {
		return err
	}
	return e.storeAmount(surplusInAuctionKey, common.SatSub(inAuction, lot))
}

// OnSurplusAuctionCancelled releases the in-auction reservation of a
// cancelled surplus auction.
func (e *Engine) OnSurplusAuctionCancelled(lot *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	inAuction, err := e.loadAmount(surplusInAuctionKey)
	if err != nil {
		return err
	}
	return e.storeAmount(surplusInAuctionKey, common.SatSub(inAuction, lot))
}

// OnDebitAuctionDealt burns the escrowed fixed stable payment and retires
// the matching slice of the debit pool.
func (e *Engine) OnDebitAuctionDealt(payer crypto.Address, payment *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.balances.Withdraw(e.stableCurrency, payer, payment); err != nil {
		return err
	}
	pool, err := e.loadAmount(debitPoolKey)
	if err != nil {
		return err
	}
	if pool.Cmp(payment) < 0 {
		return ErrInsufficientDebitPool
	}
	if err := e.storeAmount(debitPoolKey, new(big.Int).Sub(pool, payment)); err != nil {
		return err
	}
	inAuction, err := e.loadAmount(debitInAuctionKey)
	if err != nil {
		return err
	}
	return e.storeAmount(debitInAuctionKey, common.SatSub(inAuction, payment))
}

// OnDebitAuctionCancelled releases the in-auction reservation of a
// cancelled debit auction.
func (e *Engine) OnDebitAuctionCancelled(payment *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	inAuction, err := e.loadAmount(debitInAuctionKey)
	if err != nil {
		return err
	}
	return e.storeAmount(debitInAuctionKey, common.SatSub(inAuction, payment))
}

// CreateCollateralAuctions splits seized collateral into lots bounded by
// the per-currency maximum auction size and opens one auction per lot,
// spreading the stable target proportionally.
func (e *Engine) CreateCollateralAuctions(currency types.CurrencyID, amount, target *big.Int, refund crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.auctions == nil {
		return ErrNotConfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	maxSize, err := e.MaximumAuctionSize(currency)
	if err != nil {
		return err
	}
	if maxSize.Sign() == 0 || amount.Cmp(maxSize) <= 0 {
		return e.auctions.NewCollateralAuction(refund, currency, amount, target)
	}
	remainingAmount := new(big.Int).Set(amount)
	remainingTarget := new(big.Int).Set(target)
	for remainingAmount.Sign() > 0 {
		lot := common.Min(remainingAmount, maxSize)
		lotTarget := new(big.Int).Mul(target, lot)
		lotTarget.Quo(lotTarget, amount)
		if lot.Cmp(remainingAmount) == 0 {
			// The last lot absorbs rounding dust from the proportional
			// split.
			lotTarget = remainingTarget
		}
		if err := e.auctions.NewCollateralAuction(refund, currency, lot, lotTarget); err != nil {
			return err
		}
		remainingAmount.Sub(remainingAmount, lot)
		remainingTarget.Sub(remainingTarget, lotTarget)
	}
	return nil
}

// SwapCollateralToStable sells custodied collateral on the DEX for
// exactly targetStable, crediting the proceeds to the surplus pool. It
// returns the collateral consumed.
func (e *Engine) SwapCollateralToStable(currency types.CurrencyID, maxSupply, targetStable *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.dex == nil {
		return nil, ErrNoSwapVenue
	}
	held, err := e.loadAmount(custodyKey(currency))
	if err != nil {
		return nil, err
	}
	limit := common.Min(maxSupply, held)
	used, err := e.dex.SwapWithExactTarget(currency, e.stableCurrency, targetStable, limit, Account)
	if err != nil {
		return nil, err
	}
	if err := e.storeAmount(custodyKey(currency), common.SatSub(held, used)); err != nil {
		return nil, err
	}
	pool, err := e.loadAmount(surplusPoolKey)
	if err != nil {
		return nil, err
	}
	next, clamped := common.SatAdd(pool, targetStable)
	if clamped {
		observability.Risk().RecordSaturation("surplus_pool")
	}
	if err := e.storeAmount(surplusPoolKey, next); err != nil {
		return nil, err
	}
	return used, nil
}

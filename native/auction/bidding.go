package auction

import (
	"math/big"

	"stablecore/core/events"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/observability"
)

func askAt(a *Auction, params Params, height uint64) *big.Int {
	duration := params.CollateralDurationBlocks
	floor := common.RayMul(a.StartAsk, params.CollateralFloorRatio)
	if duration == 0 {
		return floor
	}
	elapsed := uint64(0)
	if height > a.StartBlock {
		elapsed = height - a.StartBlock
	}
	if elapsed >= duration {
		return floor
	}
	span := new(big.Int).Sub(a.StartAsk, floor)
	decay := new(big.Int).Mul(span, new(big.Int).SetUint64(elapsed))
	decay.Quo(decay, new(big.Int).SetUint64(duration))
	return new(big.Int).Sub(a.StartAsk, decay)
}

// CurrentAsk returns the ask of a collateral auction at the current
// height.
func (m *Manager) CurrentAsk(id uint64) (*big.Int, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	a, err := m.Auction(id)
	if err != nil {
		return nil, err
	}
	if a.Kind != KindCollateral {
		return nil, ErrInvalidKind
	}
	params, err := m.GetParams()
	if err != nil {
		return nil, err
	}
	height, err := m.height()
	if err != nil {
		return nil, err
	}
	return askAt(a, params, height), nil
}

// softCap reports the effective increment ratio and extension window,
// tightening once the auction passes half its lifetime: the required
// improvement doubles and the close extension halves.
func softCap(a *Auction, params Params, height uint64) (*big.Int, uint64) {
	ratio := new(big.Int).Set(params.MinimumIncrementRatio)
	extension := params.ExtensionBlocks
	if params.DurationBlocks > 0 && height >= a.StartBlock+params.DurationBlocks/2 {
		ratio.Lsh(ratio, 1)
		extension /= 2
	}
	return ratio, extension
}

func extendClose(a *Auction, height, extension uint64) {
	if extension == 0 {
		return
	}
	if a.EndBlock < height+extension {
		a.EndBlock = height + extension
	}
}

// BidCollateral buys a collateral lot at or above the current ask. The
// stable payment covers the target into the surplus pool; anything beyond
// the target goes to the refund recipient, and the lot is released to the
// bidder. The auction settles immediately.
func (m *Manager) BidCollateral(bidder crypto.Address, id uint64, bid *big.Int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if bid == nil || bid.Sign() <= 0 {
		return ErrInvalidBid
	}
	a, err := m.Auction(id)
	if err != nil {
		return err
	}
	if a.Kind != KindCollateral {
		return ErrInvalidKind
	}
	params, err := m.GetParams()
	if err != nil {
		return err
	}
	height, err := m.height()
	if err != nil {
		return err
	}
	ask := askAt(a, params, height)
	if bid.Cmp(ask) < 0 {
		return ErrBidTooLow
	}
	// The bid settles in two transfers; the whole amount must be funded
	// before either runs.
	free, err := m.balances.FreeBalance(m.stableCurrency, bidder)
	if err != nil {
		return err
	}
	if free.Cmp(bid) < 0 {
		return ErrBidUnfunded
	}

	toTreasury := common.Min(bid, a.Target)
	if toTreasury.Sign() > 0 {
		if err := m.treasury.DepositSurplus(bidder, toTreasury); err != nil {
			return err
		}
	}
	excess := new(big.Int).Sub(bid, toTreasury)
	if excess.Sign() > 0 && !a.Refund.IsZero() {
		if err := m.balances.Transfer(m.stableCurrency, bidder, a.Refund, excess); err != nil {
			return err
		}
	}
	if err := m.treasury.WithdrawCollateral(a.Currency, bidder, a.Amount); err != nil {
		return err
	}
	if err := m.delete(id); err != nil {
		return err
	}
	observability.Risk().RecordAuctionDealt(KindCollateral)
	m.emitter.Emit(events.AuctionBid{ID: id, Kind: KindCollateral, Bidder: bidder.String(), Bid: bid})
	m.emitter.Emit(events.AuctionDealt{
		ID:      id,
		Kind:    KindCollateral,
		Winner:  bidder.String(),
		Amount:  a.Amount,
		Payment: bid,
	})
	return nil
}

// BidSurplus places a native-currency bid on a surplus auction. The bid
// is escrowed and the previous bidder is refunded.
func (m *Manager) BidSurplus(bidder crypto.Address, id uint64, bid *big.Int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if bid == nil || bid.Sign() <= 0 {
		return ErrInvalidBid
	}
	a, err := m.Auction(id)
	if err != nil {
		return err
	}
	if a.Kind != KindSurplus {
		return ErrInvalidKind
	}
	params, err := m.GetParams()
	if err != nil {
		return err
	}
	height, err := m.height()
	if err != nil {
		return err
	}
	ratio, extension := softCap(a, params, height)
	if a.HasBid() {
		minimum := new(big.Int).Add(a.Bid, common.RayMul(a.Bid, ratio))
		if bid.Cmp(minimum) < 0 {
			return ErrBidIncrement
		}
	}
	if err := m.balances.Transfer(m.nativeCurrency, bidder, Account, bid); err != nil {
		return err
	}
	if a.HasBid() {
		if err := m.balances.Transfer(m.nativeCurrency, Account, a.Bidder, a.Bid); err != nil {
			return err
		}
	}
	a.Bidder = bidder
	a.Bid = new(big.Int).Set(bid)
	extendClose(a, height, extension)
	if err := m.write(a); err != nil {
		return err
	}
	m.emitter.Emit(events.AuctionBid{ID: id, Kind: KindSurplus, Bidder: bidder.String(), Bid: bid})
	return nil
}

// BidDebit undercuts a debit auction, offering to accept a smaller native
// amount for the fixed stable payment. The payment is escrowed and the
// previous bidder is refunded.
func (m *Manager) BidDebit(bidder crypto.Address, id uint64, offer *big.Int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if offer == nil || offer.Sign() <= 0 {
		return ErrInvalidBid
	}
	a, err := m.Auction(id)
	if err != nil {
		return err
	}
	if a.Kind != KindDebit {
		return ErrInvalidKind
	}
	params, err := m.GetParams()
	if err != nil {
		return err
	}
	height, err := m.height()
	if err != nil {
		return err
	}
	ratio, extension := softCap(a, params, height)
	if a.HasBid() {
		maximum := new(big.Int).Sub(a.Amount, common.RayMul(a.Amount, ratio))
		if offer.Cmp(maximum) > 0 {
			return ErrBidIncrement
		}
	} else if offer.Cmp(a.Amount) > 0 {
		return ErrBidIncrement
	}
	if err := m.balances.Transfer(m.stableCurrency, bidder, Account, a.Target); err != nil {
		return err
	}
	if a.HasBid() {
		if err := m.balances.Transfer(m.stableCurrency, Account, a.Bidder, a.Bid); err != nil {
			return err
		}
	}
	a.Bidder = bidder
	a.Bid = new(big.Int).Set(a.Target)
	a.Amount = new(big.Int).Set(offer)
	extendClose(a, height, extension)
	if err := m.write(a); err != nil {
		return err
	}
	m.emitter.Emit(events.AuctionBid{ID: id, Kind: KindDebit, Bidder: bidder.String(), Bid: offer})
	return nil
}

// AdvanceBlock records the new height and resolves every auction whose
// close has been reached: unfilled collateral auctions restart or cancel,
// surplus and debit auctions deal to their standing bidder or cancel.
func (m *Manager) AdvanceBlock(height uint64) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.state.KVPut(heightKey, storedCounter{Value: height}); err != nil {
		return err
	}
	params, err := m.GetParams()
	if err != nil {
		return err
	}
	var due []*Auction
	err = m.IterateAuctions(func(a *Auction) bool {
		if height >= a.EndBlock {
			due = append(due, a)
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, a := range due {
		switch a.Kind {
		case KindCollateral:
			if err := m.restartOrCancelCollateral(a, params, height); err != nil {
				return err
			}
		case KindSurplus:
			if err := m.closeSurplus(a); err != nil {
				return err
			}
		case KindDebit:
			if err := m.closeDebit(a); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) restartOrCancelCollateral(a *Auction, params Params, height uint64) error {
	a.Restarts++
	if params.MaxRestarts > 0 && a.Restarts > params.MaxRestarts {
		m.logger.Info("collateral auction cancelled after max restarts", "id", a.ID)
		return m.cancelCollateral(a)
	}
	// The new sweep is priced from the current market, not the opening
	// ask of the previous one.
	startAsk, err := m.openingAsk(a.Currency, a.Amount, a.Target, params)
	if err != nil {
		return err
	}
	a.StartAsk = startAsk
	a.StartBlock = height
	a.EndBlock = height + params.CollateralDurationBlocks
	return m.write(a)
}

// cancelCollateral closes an unfilled collateral auction. Enough of the
// lot to cover the stable target at the current price stays in treasury
// custody; the rest goes back to the refund recipient. Without a usable
// price the whole lot stays custodied.
func (m *Manager) cancelCollateral(a *Auction) error {
	if m.prices != nil && !a.Refund.IsZero() && a.Target.Sign() > 0 {
		price, ok, err := m.prices.GetPrice(a.Currency)
		if err != nil {
			return err
		}
		if ok && price.Sign() > 0 {
			keep := common.Min(common.RayDiv(a.Target, price), a.Amount)
			payback := new(big.Int).Sub(a.Amount, keep)
			if payback.Sign() > 0 {
				if err := m.treasury.WithdrawCollateral(a.Currency, a.Refund, payback); err != nil {
					return err
				}
			}
		}
	}
	if err := m.delete(a.ID); err != nil {
		return err
	}
	observability.Risk().RecordAuctionCancelled(KindCollateral)
	m.emitter.Emit(events.AuctionCancelled{ID: a.ID, Kind: KindCollateral})
	return nil
}

func (m *Manager) closeSurplus(a *Auction) error {
	if !a.HasBid() {
		if err := m.treasury.OnSurplusAuctionCancelled(a.Amount); err != nil {
			return err
		}
		if err := m.delete(a.ID); err != nil {
			return err
		}
		observability.Risk().RecordAuctionCancelled(KindSurplus)
		m.emitter.Emit(events.AuctionCancelled{ID: a.ID, Kind: KindSurplus})
		return nil
	}
	// The escrowed native bid is burned, the stable lot goes to the
	// winner.
	if err := m.balances.Withdraw(m.nativeCurrency, Account, a.Bid); err != nil {
		return err
	}
	if err := m.treasury.OnSurplusAuctionDealt(a.Bidder, a.Amount); err != nil {
		return err
	}
	if err := m.delete(a.ID); err != nil {
		return err
	}
	observability.Risk().RecordAuctionDealt(KindSurplus)
	m.emitter.Emit(events.AuctionDealt{
		ID:      a.ID,
		Kind:    KindSurplus,
		Winner:  a.Bidder.String(),
		Amount:  a.Amount,
		Payment: a.Bid,
	})
	return nil
}

func (m *Manager) closeDebit(a *Auction) error {
	if !a.HasBid() {
		if err := m.treasury.OnDebitAuctionCancelled(a.Target); err != nil {
			return err
		}
		if err := m.delete(a.ID); err != nil {
			return err
		}
		observability.Risk().RecordAuctionCancelled(KindDebit)
		m.emitter.Emit(events.AuctionCancelled{ID: a.ID, Kind: KindDebit})
		return nil
	}
	// The escrowed payment retires debit, fresh native covers the offer.
	if err := m.treasury.OnDebitAuctionDealt(Account, a.Target); err != nil {
		return err
	}
	if err := m.balances.Deposit(m.nativeCurrency, a.Bidder, a.Amount); err != nil {
		return err
	}
	if err := m.delete(a.ID); err != nil {
		return err
	}
	observability.Risk().RecordAuctionDealt(KindDebit)
	m.emitter.Emit(events.AuctionDealt{
		ID:      a.ID,
		Kind:    KindDebit,
		Winner:  a.Bidder.String(),
		Amount:  a.Amount,
		Payment: a.Target,
	})
	return nil
}

// Cancel removes an auction with no standing bid. The shutdown unwind
// uses it to drain the book.
func (m *Manager) Cancel(id uint64) error {
	if err := m.ready(); err != nil {
		return err
	}
	a, err := m.Auction(id)
	if err != nil {
		return err
	}
	if a.HasBid() {
		return ErrAlreadyBid
	}
	switch a.Kind {
	case KindCollateral:
		return m.cancelCollateral(a)
	case KindSurplus:
		if err := m.treasury.OnSurplusAuctionCancelled(a.Amount); err != nil {
			return err
		}
	case KindDebit:
		if err := m.treasury.OnDebitAuctionCancelled(a.Target); err != nil {
			return err
		}
	}
	if err := m.delete(id); err != nil {
		return err
	}
	observability.Risk().RecordAuctionCancelled(a.Kind)
	m.emitter.Emit(events.AuctionCancelled{ID: id, Kind: a.Kind})
	return nil
}

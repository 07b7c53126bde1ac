package auction

import (
	"encoding/binary"
	"math/big"

	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/common"
)

// Auction kinds.
const (
	KindCollateral = "collateral"
	KindSurplus    = "surplus"
	KindDebit      = "debit"
)

// Auction is one live auction of any kind.
//
// Collateral auctions sell seized collateral for stable against a
// linearly decaying ask; the first bid at or above the ask settles
// immediately, so a stored collateral auction never carries a bidder.
// Surplus auctions sell a stable lot for escrowed native, highest bid
// wins at the close. Debit auctions raise a fixed stable payment for a
// shrinking native offer, lowest offer wins at the close.
type Auction struct {
	ID       uint64
	Kind     string
	Currency types.CurrencyID

	// Amount is the collateral lot, the stable surplus lot, or the
	// native amount currently offered by a debit auction.
	Amount *big.Int
	// Target is the stable target of a collateral auction or the fixed
	// stable payment of a debit auction.
	Target *big.Int
	// StartAsk is the opening ask of the current decay sweep of a
	// collateral auction, repriced on every restart.
	StartAsk *big.Int

	// Refund receives any payment beyond the target of a collateral
	// auction.
	Refund crypto.Address

	StartBlock uint64
	EndBlock   uint64
	Restarts   uint32

	Bidder crypto.Address
	Bid    *big.Int
}

// HasBid reports whether a standing bid is escrowed on the auction.
func (a *Auction) HasBid() bool {
	return a.Bid != nil && a.Bid.Sign() > 0 && !a.Bidder.IsZero()
}

type storedAuction struct {
	ID         uint64
	Kind       string
	Currency   string
	Amount     []byte
	Target     []byte
	StartAsk   []byte
	Refund     []byte
	HasRefund  bool
	StartBlock uint64
	EndBlock   uint64
	Restarts   uint32
	Bidder     []byte
	HasBidder  bool
	Bid        []byte
}

func toStored(a *Auction) storedAuction {
	stored := storedAuction{
		ID:         a.ID,
		Kind:       a.Kind,
		Currency:   string(a.Currency),
		Amount:     a.Amount.Bytes(),
		StartBlock: a.StartBlock,
		EndBlock:   a.EndBlock,
		Restarts:   a.Restarts,
	}
	if a.Target != nil {
		stored.Target = a.Target.Bytes()
	}
	if a.StartAsk != nil {
		stored.StartAsk = a.StartAsk.Bytes()
	}
	if !a.Refund.IsZero() {
		stored.Refund = a.Refund.Bytes()
		stored.HasRefund = true
	}
	if !a.Bidder.IsZero() {
		stored.Bidder = a.Bidder.Bytes()
		stored.HasBidder = true
	}
	if a.Bid != nil {
		stored.Bid = a.Bid.Bytes()
	}
	return stored
}

func fromStored(s storedAuction) *Auction {
	a := &Auction{
		ID:         s.ID,
		Kind:       s.Kind,
		Currency:   types.CurrencyID(s.Currency),
		Amount:     new(big.Int).SetBytes(s.Amount),
		Target:     new(big.Int).SetBytes(s.Target),
		StartAsk:   new(big.Int).SetBytes(s.StartAsk),
		StartBlock: s.StartBlock,
		EndBlock:   s.EndBlock,
		Restarts:   s.Restarts,
		Bid:        new(big.Int).SetBytes(s.Bid),
	}
	if s.HasRefund {
		a.Refund = crypto.NewAddress(crypto.StablePrefix, append([]byte(nil), s.Refund...))
	}
	if s.HasBidder {
		a.Bidder = crypto.NewAddress(crypto.StablePrefix, append([]byte(nil), s.Bidder...))
	}
	return a
}

// Params control auction pricing and timing. Ratio and multiplier fields
// are ray-scaled.
type Params struct {
	// CollateralStartMultiplier scales the opening ask above the larger
	// of the stable target and the market value of the lot.
	CollateralStartMultiplier *big.Int
	// CollateralDurationBlocks is the length of one ask decay sweep.
	CollateralDurationBlocks uint64
	// CollateralFloorRatio is the fraction of the opening ask the decay
	// stops at.
	CollateralFloorRatio *big.Int
	// MaxRestarts bounds how many times an unfilled collateral auction
	// re-sweeps before it is cancelled. Zero means unlimited.
	MaxRestarts uint32
	// MinimumIncrementRatio is the required relative improvement of a
	// new surplus or debit bid. It doubles once an auction passes half
	// its duration.
	MinimumIncrementRatio *big.Int
	// DurationBlocks is the lifetime of surplus and debit auctions.
	DurationBlocks uint64
	// ExtensionBlocks extends the close after a late bid. It halves
	// once an auction passes half its duration.
	ExtensionBlocks uint64
}

// DefaultParams returns the parameters used until governance overrides
// them.
func DefaultParams() Params {
	return Params{
		CollateralStartMultiplier: rayRat(11, 10),
		CollateralDurationBlocks:  100,
		CollateralFloorRatio:      big.NewInt(0),
		MaxRestarts:               0,
		MinimumIncrementRatio:     rayRat(1, 20),
		DurationBlocks:            100,
		ExtensionBlocks:           10,
	}
}

func rayRat(num, den int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(num), common.Ray)
	return v.Quo(v, big.NewInt(den))
}

func auctionKey(id uint64) []byte {
	buf := make([]byte, len(itemPrefix)+8)
	copy(buf, itemPrefix)
	binary.BigEndian.PutUint64(buf[len(itemPrefix):], id)
	return buf
}

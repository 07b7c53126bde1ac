package events

import (
	"math/big"
	"strconv"

	"stablecore/core/types"
)

// Event type identifiers emitted by the risk, treasury, auction and
// shutdown modules.
const (
	TypeParamsUpdated     = "cdp.params_updated"
	TypePositionUpdated   = "cdp.position_updated"
	TypePositionSettled   = "cdp.position_settled"
	TypeLiquidated        = "cdp.liquidated"
	TypePoolsSettled      = "treasury.pools_settled"
	TypeSurplusDropped    = "treasury.surplus_dropped"
	TypeAuctionCreated    = "auction.created"
	TypeAuctionBid        = "auction.bid"
	TypeAuctionDealt      = "auction.dealt"
	TypeAuctionCancelled  = "auction.cancelled"
	TypeAuthorized        = "vault.authorized"
	TypeUnauthorized      = "vault.unauthorized"
	TypeUnauthorizedAll   = "vault.unauthorized_all"
	TypeVaultTransferred  = "vault.transferred"
	TypeShutdownActivated = "shutdown.activated"
	TypeRefundOpened      = "shutdown.refund_opened"
	TypeRefunded          = "shutdown.refunded"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ParamsUpdated is emitted when a privileged caller changes risk
// parameters for a collateral currency.
type ParamsUpdated struct {
	Currency types.CurrencyID
}

func (ParamsUpdated) EventType() string { return TypeParamsUpdated }

func (e ParamsUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeParamsUpdated,
		Attributes: map[string]string{
			"currency": string(e.Currency),
		},
	}
}

// PositionUpdated is emitted after a successful voluntary position
// adjustment.
type PositionUpdated struct {
	Owner           string
	Currency        types.CurrencyID
	CollateralDelta *big.Int
	DebitDelta      *big.Int
}

func (PositionUpdated) EventType() string { return TypePositionUpdated }

func (e PositionUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypePositionUpdated,
		Attributes: map[string]string{
			"owner":           e.Owner,
			"currency":        string(e.Currency),
			"collateralDelta": amountString(e.CollateralDelta),
			"debitDelta":      amountString(e.DebitDelta),
		},
	}
}

// PositionSettled is emitted when a position is force-closed during the
// shutdown unwind.
type PositionSettled struct {
	Owner    string
	Currency types.CurrencyID
}

func (PositionSettled) EventType() string { return TypePositionSettled }

func (e PositionSettled) Event() *types.Event {
	return &types.Event{
		Type: TypePositionSettled,
		Attributes: map[string]string{
			"owner":    e.Owner,
			"currency": string(e.Currency),
		},
	}
}

// Liquidated is emitted when an unsafe position is liquidated.
type Liquidated struct {
	Owner      string
	Currency   types.CurrencyID
	Collateral *big.Int
	BadDebt    *big.Int
}

func (Liquidated) EventType() string { return TypeLiquidated }

func (e Liquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeLiquidated,
		Attributes: map[string]string{
			"owner":      e.Owner,
			"currency":   string(e.Currency),
			"collateral": amountString(e.Collateral),
			"badDebt":    amountString(e.BadDebt),
		},
	}
}

// PoolsSettled is emitted when the treasury offsets the surplus and debit
// pools at a block boundary.
type PoolsSettled struct {
	Amount      *big.Int
	DebitPool   *big.Int
	SurplusPool *big.Int
}

func (PoolsSettled) EventType() string { return TypePoolsSettled }

func (e PoolsSettled) Event() *types.Event {
	return &types.Event{
		Type: TypePoolsSettled,
		Attributes: map[string]string{
			"amount":      amountString(e.Amount),
			"debitPool":   amountString(e.DebitPool),
			"surplusPool": amountString(e.SurplusPool),
		},
	}
}

// SurplusDropped is emitted when a surplus credit is discarded because the
// treasury ledger balance cannot represent it. This is the one fail-open
// accounting path in the system and must stay observable.
type SurplusDropped struct {
	Amount *big.Int
}

func (SurplusDropped) EventType() string { return TypeSurplusDropped }

func (e SurplusDropped) Event() *types.Event {
	return &types.Event{
		Type: TypeSurplusDropped,
		Attributes: map[string]string{
			"amount": amountString(e.Amount),
		},
	}
}

// AuctionCreated is emitted for every new auction of any kind.
type AuctionCreated struct {
	ID       uint64
	Kind     string
	Currency types.CurrencyID
	Amount   *big.Int
	Target   *big.Int
}

func (AuctionCreated) EventType() string { return TypeAuctionCreated }

func (e AuctionCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeAuctionCreated,
		Attributes: map[string]string{
			"id":       strconv.FormatUint(e.ID, 10),
			"kind":     e.Kind,
			"currency": string(e.Currency),
			"amount":   amountString(e.Amount),
			"target":   amountString(e.Target),
		},
	}
}

// AuctionBid is emitted when a bid is accepted.
type AuctionBid struct {
	ID     uint64
	Kind   string
	Bidder string
	Bid    *big.Int
}

func (AuctionBid) EventType() string { return TypeAuctionBid }

func (e AuctionBid) Event() *types.Event {
	return &types.Event{
		Type: TypeAuctionBid,
		Attributes: map[string]string{
			"id":     strconv.FormatUint(e.ID, 10),
			"kind":   e.Kind,
			"bidder": e.Bidder,
			"bid":    amountString(e.Bid),
		},
	}
}

// AuctionDealt is emitted when an auction reaches its terminal settled
// state.
type AuctionDealt struct {
	ID      uint64
	Kind    string
	Winner  string
	Amount  *big.Int
	Payment *big.Int
}

func (AuctionDealt) EventType() string { return TypeAuctionDealt }

func (e AuctionDealt) Event() *types.Event {
	return &types.Event{
		Type: TypeAuctionDealt,
		Attributes: map[string]string{
			"id":      strconv.FormatUint(e.ID, 10),
			"kind":    e.Kind,
			"winner":  e.Winner,
			"amount":  amountString(e.Amount),
			"payment": amountString(e.Payment),
		},
	}
}

// AuctionCancelled is emitted when an auction is cancelled before any bid.
type AuctionCancelled struct {
	ID   uint64
	Kind string
}

func (AuctionCancelled) EventType() string { return TypeAuctionCancelled }

func (e AuctionCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeAuctionCancelled,
		Attributes: map[string]string{
			"id":   strconv.FormatUint(e.ID, 10),
			"kind": e.Kind,
		},
	}
}

// Authorized is emitted when an owner grants vault delegation.
type Authorized struct {
	Owner    string
	Grantee  string
	Currency types.CurrencyID
}

func (Authorized) EventType() string { return TypeAuthorized }

func (e Authorized) Event() *types.Event {
	return &types.Event{
		Type: TypeAuthorized,
		Attributes: map[string]string{
			"owner":    e.Owner,
			"grantee":  e.Grantee,
			"currency": string(e.Currency),
		},
	}
}

// Unauthorized is emitted when an owner revokes a single delegation.
type Unauthorized struct {
	Owner    string
	Grantee  string
	Currency types.CurrencyID
}

func (Unauthorized) EventType() string { return TypeUnauthorized }

func (e Unauthorized) Event() *types.Event {
	return &types.Event{
		Type: TypeUnauthorized,
		Attributes: map[string]string{
			"owner":    e.Owner,
			"grantee":  e.Grantee,
			"currency": string(e.Currency),
		},
	}
}

// UnauthorizedAll is emitted when an owner revokes every delegation they
// granted.
type UnauthorizedAll struct {
	Owner string
}

func (UnauthorizedAll) EventType() string { return TypeUnauthorizedAll }

func (e UnauthorizedAll) Event() *types.Event {
	return &types.Event{
		Type: TypeUnauthorizedAll,
		Attributes: map[string]string{
			"owner": e.Owner,
		},
	}
}

// VaultTransferred is emitted when a whole position moves between
// accounts.
type VaultTransferred struct {
	From     string
	To       string
	Currency types.CurrencyID
}

func (VaultTransferred) EventType() string { return TypeVaultTransferred }

func (e VaultTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultTransferred,
		Attributes: map[string]string{
			"from":     e.From,
			"to":       e.To,
			"currency": string(e.Currency),
		},
	}
}

// ShutdownActivated is emitted exactly once, when the emergency shutdown
// switch flips.
type ShutdownActivated struct {
	Height uint64
}

func (ShutdownActivated) EventType() string { return TypeShutdownActivated }

func (e ShutdownActivated) Event() *types.Event {
	return &types.Event{
		Type: TypeShutdownActivated,
		Attributes: map[string]string{
			"height": strconv.FormatUint(e.Height, 10),
		},
	}
}

// RefundOpened is emitted when the post-shutdown unwind completes and
// collateral redemption opens.
type RefundOpened struct {
	Height uint64
}

func (RefundOpened) EventType() string { return TypeRefundOpened }

func (e RefundOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeRefundOpened,
		Attributes: map[string]string{
			"height": strconv.FormatUint(e.Height, 10),
		},
	}
}

// Refunded is emitted when a stable holder redeems a basket of remaining
// collateral.
type Refunded struct {
	Who    string
	Amount *big.Int
}

func (Refunded) EventType() string { return TypeRefunded }

func (e Refunded) Event() *types.Event {
	return &types.Event{
		Type: TypeRefunded,
		Attributes: map[string]string{
			"who":    e.Who,
			"amount": amountString(e.Amount),
		},
	}
}

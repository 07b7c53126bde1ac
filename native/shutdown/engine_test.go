package shutdown

import (
	"math/big"
	"testing"

	"stablecore/core/state"
	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/auction"
	"stablecore/native/cdp"
	"stablecore/native/common"
	"stablecore/native/ledger"
	"stablecore/native/loans"
	"stablecore/native/prices"
	"stablecore/native/treasury"
	"stablecore/storage"
)

const (
	stable = types.CurrencyID("AUSD")
	native = types.CurrencyID("ACA")
	dot    = types.CurrencyID("DOT")
)

type fixture struct {
	engine   *Engine
	risk     *cdp.Engine
	loans    *loans.Engine
	auctions *auction.Manager
	treasury *treasury.Engine
	prices   *prices.Engine
	balances *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	balances := ledger.NewLedger(manager)
	priceEngine := prices.NewEngine(manager)

	treasuryEngine := treasury.NewEngine(stable, native)
	treasuryEngine.SetState(manager)
	treasuryEngine.SetBalances(balances)

	auctions := auction.NewManager(stable, native)
	auctions.SetState(manager)
	auctions.SetBalances(balances)
	auctions.SetTreasury(treasuryEngine)
	auctions.SetPriceSource(priceEngine)
	treasuryEngine.SetAuctionManager(auctions)

	engine := NewEngine()
	engine.SetState(manager)
	engine.SetPriceLocker(priceEngine)
	engine.SetAuctions(auctions)
	engine.SetTreasury(treasuryEngine)

	risk := cdp.NewEngine()
	risk.SetState(manager)
	risk.SetPriceSource(priceEngine)
	risk.SetTreasury(treasuryEngine)
	risk.SetShutdownView(engine)
	engine.SetRiskEngine(risk)

	positions := loans.NewEngine()
	positions.SetState(manager)
	positions.SetBalances(balances)
	positions.SetRiskManager(risk)
	positions.SetTreasury(treasuryEngine)
	risk.SetPositions(positions)
	engine.SetPositions(positions)

	err := risk.SetCollateralParams(common.RootOrigin(), dot, cdp.CollateralParams{
		LiquidationRatio:        new(big.Int).Add(common.Ray, new(big.Int).Rsh(common.Ray, 1)),
		RequiredCollateralRatio: new(big.Int).Mul(big.NewInt(2), common.Ray),
		MaximumTotalDebitValue:  big.NewInt(100_000),
	})
	if err != nil {
		t.Fatalf("set params: %v", err)
	}
	ray100 := new(big.Int).Mul(big.NewInt(100), common.Ray)
	if err := priceEngine.SetPrice(common.RootOrigin(), dot, ray100); err != nil {
		t.Fatalf("set price: %v", err)
	}

	return &fixture{
		engine:   engine,
		risk:     risk,
		loans:    positions,
		auctions: auctions,
		treasury: treasuryEngine,
		prices:   priceEngine,
		balances: balances,
	}
}

func testAddr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.StablePrefix, raw)
}

func TestActivateIsRootOnlyAndOneWay(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.Activate(common.SignedOrigin(testAddr(1)), 10); err != common.ErrRequiresRoot {
		t.Fatalf("expected ErrRequiresRoot, got %v", err)
	}
	if f.engine.IsShutdown() {
		t.Fatal("shutdown active before activation")
	}
	if err := f.engine.Activate(common.RootOrigin(), 10); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !f.engine.IsShutdown() {
		t.Fatal("shutdown not active")
	}
	if err := f.engine.Activate(common.RootOrigin(), 11); err != ErrAlreadyShutdown {
		t.Fatalf("expected ErrAlreadyShutdown, got %v", err)
	}
}

func TestActivateLocksPrices(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Activate(common.RootOrigin(), 10); err != nil {
		t.Fatalf("activate: %v", err)
	}
	// Feed updates after activation must not change the effective price.
	ray1 := new(big.Int).Set(common.Ray)
	if err := f.prices.SetPrice(common.RootOrigin(), dot, ray1); err != nil {
		t.Fatalf("set price: %v", err)
	}
	price, ok, err := f.prices.GetPrice(dot)
	if err != nil || !ok {
		t.Fatalf("get price: ok=%v err=%v", ok, err)
	}
	ray100 := new(big.Int).Mul(big.NewInt(100), common.Ray)
	if price.Cmp(ray100) != 0 {
		t.Fatalf("price %s, want locked 100 ray", price)
	}
}

func TestUnwindAndRefund(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	funder := testAddr(9)

	if err := f.balances.Deposit(dot, alice, big.NewInt(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.loans.AdjustPosition(alice, dot, big.NewInt(10), big.NewInt(200)); err != nil {
		t.Fatalf("open: %v", err)
	}
	// A leftover unbid collateral auction from an earlier liquidation.
	if err := f.balances.Deposit(dot, funder, big.NewInt(5)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.treasury.DepositCollateral(dot, funder, big.NewInt(5)); err != nil {
		t.Fatalf("custody: %v", err)
	}
	if err := f.auctions.NewCollateralAuction(funder, dot, big.NewInt(5), big.NewInt(100)); err != nil {
		t.Fatalf("auction: %v", err)
	}

	// Unwind is a no-op before activation.
	if err := f.engine.UnwindStep(10, 10); err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if f.engine.IsRefundOpen() {
		t.Fatal("refund open before shutdown")
	}

	if err := f.engine.Activate(common.RootOrigin(), 10); err != nil {
		t.Fatalf("activate: %v", err)
	}
	// A single unit of work only drains the auction book.
	if err := f.engine.UnwindStep(11, 1); err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if _, err := f.auctions.Auction(0); err != auction.ErrAuctionNotFound {
		t.Fatalf("auction not cancelled: %v", err)
	}
	if f.engine.IsRefundOpen() {
		t.Fatal("refund opened with debit outstanding")
	}

	// The next step settles the position and opens refunds.
	if err := f.engine.UnwindStep(12, 10); err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if !f.engine.IsRefundOpen() {
		t.Fatal("refund window not open")
	}
	position, _ := f.loans.GetPosition(dot, alice)
	if position.Debit.Sign() != 0 {
		t.Fatalf("debit not settled: %s", position.Debit)
	}
	// 200 stable at the locked price 100 is worth 2 DOT.
	if position.Collateral.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("residual collateral %s, want 8", position.Collateral)
	}

	// Cancelling the auction kept 1 DOT (the 100 target at price 100)
	// in custody and paid the other 4 back to the refund recipient.
	funderDot, _ := f.balances.FreeBalance(dot, funder)
	if funderDot.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("funder DOT %s, want 4", funderDot)
	}

	// Alice holds all 200 circulating stable; the refund pays out the
	// whole custody of 3 DOT (1 kept from the cancelled auction plus the
	// 2 settled).
	if err := f.engine.RefundCollaterals(common.SignedOrigin(alice), big.NewInt(200)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	aliceDot, _ := f.balances.FreeBalance(dot, alice)
	if aliceDot.Cmp(big.NewInt(93)) != 0 {
		t.Fatalf("alice DOT %s, want 93", aliceDot)
	}
	issuance, _ := f.balances.TotalIssuance(stable)
	if issuance.Sign() != 0 {
		t.Fatalf("stable issuance %s, want 0", issuance)
	}
}

func TestRefundRequiresOpenWindow(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Activate(common.RootOrigin(), 10); err != nil {
		t.Fatalf("activate: %v", err)
	}
	err := f.engine.RefundCollaterals(common.SignedOrigin(testAddr(1)), big.NewInt(10))
	if err != ErrRefundNotOpen {
		t.Fatalf("expected ErrRefundNotOpen, got %v", err)
	}
}

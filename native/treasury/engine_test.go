package treasury

import (
	"math/big"
	"testing"

	"stablecore/core/state"
	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/native/ledger"
	"stablecore/storage"
)

const (
	stable = types.CurrencyID("AUSD")
	native = types.CurrencyID("ACA")
	dot    = types.CurrencyID("DOT")
)

type collateralAuction struct {
	refund   crypto.Address
	currency types.CurrencyID
	amount   *big.Int
	target   *big.Int
}

type stubAuctions struct {
	collateral []collateralAuction
	surplus    []*big.Int
	debit      [][2]*big.Int
}

func (s *stubAuctions) NewCollateralAuction(refund crypto.Address, currency types.CurrencyID, amount, target *big.Int) error {
	s.collateral = append(s.collateral, collateralAuction{
		refund:   refund,
		currency: currency,
		amount:   new(big.Int).Set(amount),
		target:   new(big.Int).Set(target),
	})
	return nil
}

func (s *stubAuctions) NewSurplusAuction(amount *big.Int) error {
	s.surplus = append(s.surplus, new(big.Int).Set(amount))
	return nil
}

func (s *stubAuctions) NewDebitAuction(initialAmount, fixedPayment *big.Int) error {
	s.debit = append(s.debit, [2]*big.Int{
		new(big.Int).Set(initialAmount),
		new(big.Int).Set(fixedPayment),
	})
	return nil
}

type fixture struct {
	engine   *Engine
	balances *ledger.Ledger
	auctions *stubAuctions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	balances := ledger.NewLedger(manager)
	auctions := &stubAuctions{}
	engine := NewEngine(stable, native)
	engine.SetState(manager)
	engine.SetBalances(balances)
	engine.SetAuctionManager(auctions)
	return &fixture{engine: engine, balances: balances, auctions: auctions}
}

func testAddr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.StablePrefix, raw)
}

func TestSettleOffsetsPools(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.OnSystemDebit(big.NewInt(500)); err != nil {
		t.Fatalf("on debit: %v", err)
	}
	if err := f.engine.OnSystemSurplus(big.NewInt(300)); err != nil {
		t.Fatalf("on surplus: %v", err)
	}
	if err := f.engine.Settle(1); err != nil {
		t.Fatalf("settle: %v", err)
	}
	debit, _ := f.engine.DebitPool()
	surplus, _ := f.engine.SurplusPool()
	if debit.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("debit pool %s, want 200", debit)
	}
	if surplus.Sign() != 0 {
		t.Fatalf("surplus pool %s, want 0", surplus)
	}
	// The matched surplus was burned, not parked.
	balance, _ := f.balances.FreeBalance(stable, Account)
	if balance.Sign() != 0 {
		t.Fatalf("treasury stable balance %s, want 0", balance)
	}
	issuance, _ := f.balances.TotalIssuance(stable)
	if issuance.Sign() != 0 {
		t.Fatalf("stable issuance %s, want 0", issuance)
	}
}

func TestOnSystemSurplusDropsOnOverflow(t *testing.T) {
	f := newFixture(t)

	max := new(big.Int).Set(common.MaxBalance)
	if err := f.engine.OnSystemSurplus(max); err != nil {
		t.Fatalf("on surplus max: %v", err)
	}
	// The ledger cannot take one more unit; the credit is silently
	// dropped and the pool stays put.
	if err := f.engine.OnSystemSurplus(big.NewInt(1)); err != nil {
		t.Fatalf("expected drop, got error: %v", err)
	}
	surplus, _ := f.engine.SurplusPool()
	if surplus.Cmp(max) != 0 {
		t.Fatalf("surplus pool %s, want max", surplus)
	}
}

func TestBackedDebitRoundTrip(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)

	if err := f.engine.IssueBackedDebit(alice, big.NewInt(400)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	balance, _ := f.balances.FreeBalance(stable, alice)
	if balance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("balance %s, want 400", balance)
	}
	// Backed issuance never touches the pools.
	debit, _ := f.engine.DebitPool()
	surplus, _ := f.engine.SurplusPool()
	if debit.Sign() != 0 || surplus.Sign() != 0 {
		t.Fatalf("pools moved: debit=%s surplus=%s", debit, surplus)
	}
	if err := f.engine.BurnBackedDebit(alice, big.NewInt(400)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	issuance, _ := f.balances.TotalIssuance(stable)
	if issuance.Sign() != 0 {
		t.Fatalf("issuance %s, want 0", issuance)
	}
}

func TestCollateralCustody(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	bob := testAddr(2)

	if err := f.balances.Deposit(dot, alice, big.NewInt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.engine.DepositCollateral(dot, alice, big.NewInt(600)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	held, _ := f.engine.TotalCollateral(dot)
	if held.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("custody %s, want 600", held)
	}
	if err := f.engine.WithdrawCollateral(dot, bob, big.NewInt(601)); err != ErrInsufficientCustody {
		t.Fatalf("expected ErrInsufficientCustody, got %v", err)
	}
	if err := f.engine.WithdrawCollateral(dot, bob, big.NewInt(200)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	held, _ = f.engine.TotalCollateral(dot)
	if held.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("custody %s, want 400", held)
	}
	bobBal, _ := f.balances.FreeBalance(dot, bob)
	if bobBal.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("bob balance %s, want 200", bobBal)
	}
}

func TestSettleSpawnsSurplusAuctions(t *testing.T) {
	f := newFixture(t)
	err := f.engine.SetParams(common.RootOrigin(), Params{
		SurplusBufferSize:       big.NewInt(100),
		SurplusAuctionFixedSize: big.NewInt(50),
	})
	if err != nil {
		t.Fatalf("set params: %v", err)
	}
	if err := f.engine.OnSystemSurplus(big.NewInt(230)); err != nil {
		t.Fatalf("on surplus: %v", err)
	}
	if err := f.engine.Settle(1); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// 230 surplus, 100 buffer: two lots of 50 fit, 130 stays put.
	if len(f.auctions.surplus) != 2 {
		t.Fatalf("expected 2 surplus auctions, got %d", len(f.auctions.surplus))
	}
	// A second settle must not re-auction the committed lots.
	if err := f.engine.Settle(2); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(f.auctions.surplus) != 2 {
		t.Fatalf("re-auctioned committed surplus, got %d auctions", len(f.auctions.surplus))
	}
}

func TestSettleSpawnsDebitAuctions(t *testing.T) {
	f := newFixture(t)
	err := f.engine.SetParams(common.RootOrigin(), Params{
		DebitAuctionFixedSize:        big.NewInt(100),
		InitialAmountPerDebitAuction: big.NewInt(20),
	})
	if err != nil {
		t.Fatalf("set params: %v", err)
	}
	if err := f.engine.OnSystemDebit(big.NewInt(250)); err != nil {
		t.Fatalf("on debit: %v", err)
	}
	if err := f.engine.Settle(1); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(f.auctions.debit) != 2 {
		t.Fatalf("expected 2 debit auctions, got %d", len(f.auctions.debit))
	}
	if f.auctions.debit[0][0].Cmp(big.NewInt(20)) != 0 || f.auctions.debit[0][1].Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected debit auction %v", f.auctions.debit[0])
	}
}

func TestDebitAuctionDealtRetiresPool(t *testing.T) {
	f := newFixture(t)
	winner := testAddr(3)
	err := f.engine.SetParams(common.RootOrigin(), Params{
		DebitAuctionFixedSize:        big.NewInt(100),
		InitialAmountPerDebitAuction: big.NewInt(20),
	})
	if err != nil {
		t.Fatalf("set params: %v", err)
	}
	if err := f.engine.OnSystemDebit(big.NewInt(100)); err != nil {
		t.Fatalf("on debit: %v", err)
	}
	if err := f.engine.Settle(1); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := f.balances.Deposit(stable, winner, big.NewInt(100)); err != nil {
		t.Fatalf("fund winner: %v", err)
	}
	if err := f.engine.OnDebitAuctionDealt(winner, big.NewInt(100)); err != nil {
		t.Fatalf("dealt: %v", err)
	}
	debit, _ := f.engine.DebitPool()
	if debit.Sign() != 0 {
		t.Fatalf("debit pool %s, want 0", debit)
	}
	issuance, _ := f.balances.TotalIssuance(stable)
	if issuance.Sign() != 0 {
		t.Fatalf("payment not burned, issuance %s", issuance)
	}
}

func TestCreateCollateralAuctionsSplitsLots(t *testing.T) {
	f := newFixture(t)
	refund := testAddr(1)

	if err := f.engine.SetMaximumAuctionSize(common.RootOrigin(), dot, big.NewInt(100)); err != nil {
		t.Fatalf("set max size: %v", err)
	}
	if err := f.engine.CreateCollateralAuctions(dot, big.NewInt(250), big.NewInt(1000), refund); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(f.auctions.collateral) != 3 {
		t.Fatalf("expected 3 lots, got %d", len(f.auctions.collateral))
	}
	totalAmount := big.NewInt(0)
	totalTarget := big.NewInt(0)
	for _, a := range f.auctions.collateral {
		totalAmount.Add(totalAmount, a.amount)
		totalTarget.Add(totalTarget, a.target)
		if !a.refund.Equal(refund) {
			t.Fatal("refund recipient lost in split")
		}
	}
	if totalAmount.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("split amount %s, want 250", totalAmount)
	}
	if totalTarget.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("split target %s, want 1000", totalTarget)
	}
}

func TestRefundCollateralsProRata(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	whale := testAddr(2)

	// 1000 stable in circulation, alice holds 250 of it.
	if err := f.engine.IssueBackedDebit(alice, big.NewInt(250)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := f.engine.IssueBackedDebit(whale, big.NewInt(750)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	// Treasury custodies 400 DOT.
	if err := f.balances.Deposit(dot, whale, big.NewInt(400)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.engine.DepositCollateral(dot, whale, big.NewInt(400)); err != nil {
		t.Fatalf("custody: %v", err)
	}

	if err := f.engine.RefundCollaterals(alice, big.NewInt(250)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	// 250/1000 of the 400 DOT custody.
	aliceDot, _ := f.balances.FreeBalance(dot, alice)
	if aliceDot.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("refunded %s DOT, want 100", aliceDot)
	}
	aliceStable, _ := f.balances.FreeBalance(stable, alice)
	if aliceStable.Sign() != 0 {
		t.Fatalf("stable not burned: %s", aliceStable)
	}
	issuance, _ := f.balances.TotalIssuance(stable)
	if issuance.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("issuance %s, want 750", issuance)
	}
}

package loans

import (
	"errors"
	"math/big"
	"testing"

	"stablecore/core/state"
	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/ledger"
	"stablecore/storage"
)

const (
	dot    = types.CurrencyID("DOT")
	stable = types.CurrencyID("AUSD")
)

var errRiskRejected = errors.New("risk rejected")

type stubRisk struct {
	rejectValid bool
	rejectCap   bool
}

func (r *stubRisk) GetDebitValue(_ types.CurrencyID, debit *big.Int) *big.Int {
	// 1 debit share = 1 stable unit for the stub.
	return new(big.Int).Set(debit)
}

func (r *stubRisk) CheckPositionValid(types.CurrencyID, *big.Int, *big.Int) error {
	if r.rejectValid {
		return errRiskRejected
	}
	return nil
}

func (r *stubRisk) CheckDebitCap(types.CurrencyID, *big.Int) error {
	if r.rejectCap {
		return errRiskRejected
	}
	return nil
}

type stubTreasury struct {
	balances  *ledger.Ledger
	badDebt   *big.Int
	custody   *big.Int
	treasurer crypto.Address
}

func newStubTreasury(balances *ledger.Ledger) *stubTreasury {
	return &stubTreasury{
		balances:  balances,
		badDebt:   big.NewInt(0),
		custody:   big.NewInt(0),
		treasurer: crypto.ModuleAddress("stbl/cdpt"),
	}
}

func (t *stubTreasury) StableCurrency() types.CurrencyID { return stable }

func (t *stubTreasury) IssueBackedDebit(who crypto.Address, amount *big.Int) error {
	return t.balances.Deposit(stable, who, amount)
}

func (t *stubTreasury) BurnBackedDebit(who crypto.Address, amount *big.Int) error {
	return t.balances.Withdraw(stable, who, amount)
}

func (t *stubTreasury) DepositCollateral(currency types.CurrencyID, from crypto.Address, amount *big.Int) error {
	if err := t.balances.Transfer(currency, from, t.treasurer, amount); err != nil {
		return err
	}
	t.custody = new(big.Int).Add(t.custody, amount)
	return nil
}

func (t *stubTreasury) OnSystemDebit(amount *big.Int) error {
	t.badDebt = new(big.Int).Add(t.badDebt, amount)
	return nil
}

type loansFixture struct {
	engine   *Engine
	balances *ledger.Ledger
	risk     *stubRisk
	treasury *stubTreasury
}

func newFixture(t *testing.T) *loansFixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	balances := ledger.NewLedger(manager)
	risk := &stubRisk{}
	treasury := newStubTreasury(balances)
	engine := NewEngine()
	engine.SetState(manager)
	engine.SetBalances(balances)
	engine.SetRiskManager(risk)
	engine.SetTreasury(treasury)
	return &loansFixture{engine: engine, balances: balances, risk: risk, treasury: treasury}
}

func testAddr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.StablePrefix, raw)
}

func fund(t *testing.T, f *loansFixture, who crypto.Address, amount int64) {
	t.Helper()
	if err := f.balances.Deposit(dot, who, big.NewInt(amount)); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func TestAdjustPositionOpensAndCloses(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	fund(t, f, alice, 1000)

	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(600), big.NewInt(200)); err != nil {
		t.Fatalf("open: %v", err)
	}
	position, err := f.engine.GetPosition(dot, alice)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if position.Collateral.Cmp(big.NewInt(600)) != 0 || position.Debit.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected position %+v", position)
	}
	moduleBal, _ := f.balances.FreeBalance(dot, ModuleAccount)
	if moduleBal.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("module account holds %s, want 600", moduleBal)
	}
	stableBal, _ := f.balances.FreeBalance(stable, alice)
	if stableBal.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("minted stable %s, want 200", stableBal)
	}

	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(-600), big.NewInt(-200)); err != nil {
		t.Fatalf("close: %v", err)
	}
	position, _ = f.engine.GetPosition(dot, alice)
	if position.Collateral.Sign() != 0 || position.Debit.Sign() != 0 {
		t.Fatalf("position not cleared: %+v", position)
	}
	total, _ := f.engine.TotalPosition(dot)
	if total.Collateral.Sign() != 0 || total.Debit.Sign() != 0 {
		t.Fatalf("totals not cleared: %+v", total)
	}
}

func TestAdjustPositionUnderflow(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	fund(t, f, alice, 100)

	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(100), nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(-101), nil); err != ErrPositionUnderflow {
		t.Fatalf("expected ErrPositionUnderflow, got %v", err)
	}
}

func TestAdjustPositionRiskRejection(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	fund(t, f, alice, 1000)

	f.risk.rejectCap = true
	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(500), big.NewInt(100)); err != errRiskRejected {
		t.Fatalf("expected cap rejection, got %v", err)
	}
	f.risk.rejectCap = false
	f.risk.rejectValid = true
	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(500), big.NewInt(100)); err != errRiskRejected {
		t.Fatalf("expected validity rejection, got %v", err)
	}
	// Repayment and collateral top-ups never run the validity check.
	f.risk.rejectValid = false
	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(500), big.NewInt(100)); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.risk.rejectValid = true
	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(100), big.NewInt(-50)); err != nil {
		t.Fatalf("repay rejected: %v", err)
	}
}

func TestAdjustPositionShortfallMovesNothing(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	bob := testAddr(2)
	fund(t, f, alice, 100)

	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(10), big.NewInt(400)); err != nil {
		t.Fatalf("open: %v", err)
	}
	// The minted stable is spent elsewhere, so the repayment leg cannot
	// be funded.
	if err := f.balances.Transfer(stable, alice, bob, big.NewInt(400)); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(5), big.NewInt(-400)); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, _ := f.balances.FreeBalance(dot, alice)
	if balance.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("collateral leg applied, balance %s, want 90", balance)
	}
	position, _ := f.engine.GetPosition(dot, alice)
	if position.Collateral.Cmp(big.NewInt(10)) != 0 || position.Debit.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("position changed: %+v", position)
	}

	// A collateral top-up beyond the free balance is rejected the same way.
	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(91), nil); err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestConfiscateCollateralAndDebit(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	fund(t, f, alice, 1000)

	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(800), big.NewInt(300)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.engine.ConfiscateCollateralAndDebit(alice, dot, big.NewInt(800), big.NewInt(300)); err != nil {
		t.Fatalf("confiscate: %v", err)
	}
	position, _ := f.engine.GetPosition(dot, alice)
	if position.Collateral.Sign() != 0 || position.Debit.Sign() != 0 {
		t.Fatalf("position not emptied: %+v", position)
	}
	if f.treasury.custody.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("treasury custody %s, want 800", f.treasury.custody)
	}
	if f.treasury.badDebt.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("bad debt %s, want 300", f.treasury.badDebt)
	}
	moduleBal, _ := f.balances.FreeBalance(dot, ModuleAccount)
	if moduleBal.Sign() != 0 {
		t.Fatalf("module account still holds %s", moduleBal)
	}
}

func TestConfiscateMoreThanPosition(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	fund(t, f, alice, 100)

	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(100), nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.engine.ConfiscateCollateralAndDebit(alice, dot, big.NewInt(101), nil); err != ErrPositionUnderflow {
		t.Fatalf("expected ErrPositionUnderflow, got %v", err)
	}
}

func TestTransferPosition(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	bob := testAddr(2)
	fund(t, f, alice, 500)
	fund(t, f, bob, 500)

	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(400), big.NewInt(100)); err != nil {
		t.Fatalf("open alice: %v", err)
	}
	if err := f.engine.AdjustPosition(bob, dot, big.NewInt(200), big.NewInt(50)); err != nil {
		t.Fatalf("open bob: %v", err)
	}
	if err := f.engine.TransferPosition(alice, bob, dot); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	alicePos, _ := f.engine.GetPosition(dot, alice)
	if alicePos.Collateral.Sign() != 0 || alicePos.Debit.Sign() != 0 {
		t.Fatalf("source not emptied: %+v", alicePos)
	}
	bobPos, _ := f.engine.GetPosition(dot, bob)
	if bobPos.Collateral.Cmp(big.NewInt(600)) != 0 || bobPos.Debit.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected merged position %+v", bobPos)
	}
}

func TestTransferPositionRejectsInvalidMerge(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	fund(t, f, alice, 500)

	if err := f.engine.AdjustPosition(alice, dot, big.NewInt(400), big.NewInt(100)); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.risk.rejectValid = true
	if err := f.engine.TransferPosition(alice, testAddr(2), dot); err != errRiskRejected {
		t.Fatalf("expected validity rejection, got %v", err)
	}
}

func TestIteratePositions(t *testing.T) {
	f := newFixture(t)
	for i := byte(1); i <= 3; i++ {
		owner := testAddr(i)
		fund(t, f, owner, 100)
		if err := f.engine.AdjustPosition(owner, dot, big.NewInt(100), nil); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	seen := 0
	err := f.engine.IteratePositions(dot, func(_ crypto.Address, p Position) bool {
		if p.Collateral.Cmp(big.NewInt(100)) != 0 {
			t.Fatalf("unexpected collateral %s", p.Collateral)
		}
		seen++
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if seen != 3 {
		t.Fatalf("expected 3 positions, saw %d", seen)
	}
}

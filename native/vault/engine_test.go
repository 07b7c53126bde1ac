package vault

import (
	"math/big"
	"testing"

	"stablecore/core/state"
	"stablecore/core/types"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/native/ledger"
	"stablecore/native/loans"
	"stablecore/storage"
)

const (
	dot    = types.CurrencyID("DOT")
	stable = types.CurrencyID("AUSD")
)

type stubShutdown struct{ active bool }

func (s *stubShutdown) IsShutdown() bool { return s.active }

type permissiveRisk struct{}

func (permissiveRisk) GetDebitValue(_ types.CurrencyID, debit *big.Int) *big.Int {
	return new(big.Int).Set(debit)
}
func (permissiveRisk) CheckPositionValid(types.CurrencyID, *big.Int, *big.Int) error { return nil }
func (permissiveRisk) CheckDebitCap(types.CurrencyID, *big.Int) error                { return nil }

type mintTreasury struct{ balances *ledger.Ledger }

func (t *mintTreasury) StableCurrency() types.CurrencyID { return stable }

func (t *mintTreasury) IssueBackedDebit(who crypto.Address, amount *big.Int) error {
	return t.balances.Deposit(stable, who, amount)
}
func (t *mintTreasury) BurnBackedDebit(who crypto.Address, amount *big.Int) error {
	return t.balances.Withdraw(stable, who, amount)
}
func (t *mintTreasury) DepositCollateral(currency types.CurrencyID, from crypto.Address, amount *big.Int) error {
	return t.balances.Transfer(currency, from, crypto.ModuleAddress("stbl/cdpt"), amount)
}
func (t *mintTreasury) OnSystemDebit(*big.Int) error { return nil }

type fixture struct {
	engine   *Engine
	loans    *loans.Engine
	balances *ledger.Ledger
	shutdown *stubShutdown
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	balances := ledger.NewLedger(manager)
	shutdown := &stubShutdown{}

	positions := loans.NewEngine()
	positions.SetState(manager)
	positions.SetBalances(balances)
	positions.SetRiskManager(permissiveRisk{})
	positions.SetTreasury(&mintTreasury{balances: balances})

	engine := NewEngine()
	engine.SetState(manager)
	engine.SetPositions(positions)
	engine.SetShutdownView(shutdown)

	return &fixture{engine: engine, loans: positions, balances: balances, shutdown: shutdown}
}

func testAddr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.StablePrefix, raw)
}

func TestAuthorizeRoundTrip(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	bob := testAddr(2)

	if err := f.engine.CheckAuthorization(alice, bob, dot); err != ErrNoAuthorization {
		t.Fatalf("expected ErrNoAuthorization, got %v", err)
	}
	if err := f.engine.Authorize(common.SignedOrigin(alice), dot, bob); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := f.engine.Authorize(common.SignedOrigin(alice), dot, bob); err != ErrAlreadyAuthorized {
		t.Fatalf("expected ErrAlreadyAuthorized, got %v", err)
	}
	if err := f.engine.CheckAuthorization(alice, bob, dot); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := f.engine.Unauthorize(common.SignedOrigin(alice), dot, bob); err != nil {
		t.Fatalf("unauthorize: %v", err)
	}
	if err := f.engine.Unauthorize(common.SignedOrigin(alice), dot, bob); err != ErrAuthorizationNotFound {
		t.Fatalf("expected ErrAuthorizationNotFound, got %v", err)
	}
	if err := f.engine.CheckAuthorization(alice, bob, dot); err != ErrNoAuthorization {
		t.Fatalf("authorization survived revoke: %v", err)
	}
}

func TestAuthorizeSelfRejected(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	if err := f.engine.Authorize(common.SignedOrigin(alice), dot, alice); err != ErrSelfAuthorization {
		t.Fatalf("expected ErrSelfAuthorization, got %v", err)
	}
}

func TestUnauthorizeAllSweeps(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	bob := testAddr(2)
	carol := testAddr(3)

	if err := f.engine.Authorize(common.SignedOrigin(alice), dot, bob); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := f.engine.Authorize(common.SignedOrigin(alice), types.CurrencyID("KSM"), carol); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	// Bob's own grants must survive Alice's sweep.
	if err := f.engine.Authorize(common.SignedOrigin(bob), dot, carol); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	if err := f.engine.UnauthorizeAll(common.SignedOrigin(alice)); err != nil {
		t.Fatalf("unauthorize all: %v", err)
	}
	if err := f.engine.CheckAuthorization(alice, bob, dot); err != ErrNoAuthorization {
		t.Fatalf("grant survived sweep: %v", err)
	}
	if err := f.engine.CheckAuthorization(alice, carol, types.CurrencyID("KSM")); err != ErrNoAuthorization {
		t.Fatalf("grant survived sweep: %v", err)
	}
	if err := f.engine.CheckAuthorization(bob, carol, dot); err != nil {
		t.Fatalf("unrelated grant swept: %v", err)
	}
}

func TestUpdateVault(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	if err := f.balances.Deposit(dot, alice, big.NewInt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	if err := f.engine.UpdateVault(common.SignedOrigin(alice), dot, big.NewInt(500), big.NewInt(100)); err != nil {
		t.Fatalf("update: %v", err)
	}
	position, _ := f.loans.GetPosition(dot, alice)
	if position.Collateral.Cmp(big.NewInt(500)) != 0 || position.Debit.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected position %+v", position)
	}

	f.shutdown.active = true
	if err := f.engine.UpdateVault(common.SignedOrigin(alice), dot, big.NewInt(1), nil); err != common.ErrShutdownActive {
		t.Fatalf("expected ErrShutdownActive, got %v", err)
	}
}

func TestTransferVaultRequiresAuthorization(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	bob := testAddr(2)
	if err := f.balances.Deposit(dot, alice, big.NewInt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.engine.UpdateVault(common.SignedOrigin(alice), dot, big.NewInt(500), big.NewInt(100)); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := f.engine.TransferVault(common.SignedOrigin(bob), dot, alice); err != ErrNoAuthorization {
		t.Fatalf("expected ErrNoAuthorization, got %v", err)
	}
	if err := f.engine.Authorize(common.SignedOrigin(alice), dot, bob); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := f.engine.TransferVault(common.SignedOrigin(bob), dot, alice); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	bobPos, _ := f.loans.GetPosition(dot, bob)
	if bobPos.Collateral.Cmp(big.NewInt(500)) != 0 || bobPos.Debit.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected position %+v", bobPos)
	}
	alicePos, _ := f.loans.GetPosition(dot, alice)
	if alicePos.Collateral.Sign() != 0 || alicePos.Debit.Sign() != 0 {
		t.Fatalf("source not emptied %+v", alicePos)
	}
}

func TestWithdrawCollateralRejectsBadAmounts(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	if err := f.balances.Deposit(dot, alice, big.NewInt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.engine.UpdateVault(common.SignedOrigin(alice), dot, big.NewInt(500), nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.shutdown.active = true

	if err := f.engine.WithdrawCollateral(common.SignedOrigin(alice), dot, nil); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount for nil, got %v", err)
	}
	// A negative amount would flip the delta into a deposit on a settled
	// position.
	if err := f.engine.WithdrawCollateral(common.SignedOrigin(alice), dot, big.NewInt(-100)); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	position, _ := f.loans.GetPosition(dot, alice)
	if position.Collateral.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("position changed: %+v", position)
	}
}

func TestWithdrawCollateralPostShutdownOnly(t *testing.T) {
	f := newFixture(t)
	alice := testAddr(1)
	if err := f.balances.Deposit(dot, alice, big.NewInt(1000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.engine.UpdateVault(common.SignedOrigin(alice), dot, big.NewInt(500), big.NewInt(100)); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := f.engine.WithdrawCollateral(common.SignedOrigin(alice), dot, big.NewInt(100)); err != common.ErrMustAfterShutdown {
		t.Fatalf("expected ErrMustAfterShutdown, got %v", err)
	}
	f.shutdown.active = true
	if err := f.engine.WithdrawCollateral(common.SignedOrigin(alice), dot, big.NewInt(100)); err != ErrStillHasDebit {
		t.Fatalf("expected ErrStillHasDebit, got %v", err)
	}
	// Repay first, then the residual collateral is free.
	if err := f.loans.AdjustPosition(alice, dot, nil, big.NewInt(-100)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := f.engine.WithdrawCollateral(common.SignedOrigin(alice), dot, big.NewInt(500)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	balance, _ := f.balances.FreeBalance(dot, alice)
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("balance %s, want 1000", balance)
	}
}

package treasury

import (
	"math/big"

	"stablecore/core/events"
	"stablecore/crypto"
	"stablecore/native/common"
)

// RefundCollaterals burns stable from who and pays out a pro-rata basket
// of every custodied collateral. The share is the burned amount over the
// total stable issuance before the burn. Gating on emergency shutdown and
// the refund window is the shutdown module's responsibility.
func (e *Engine) RefundCollaterals(who crypto.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	proportion, err := e.DebitProportion(amount)
	if err != nil {
		return err
	}
	if proportion.Sign() == 0 {
		return nil
	}
	currencies, err := e.CustodiedCurrencies()
	if err != nil {
		return err
	}
	payouts := make([]*big.Int, len(currencies))
	for i, currency := range currencies {
		held, err := e.loadAmount(custodyKey(currency))
		if err != nil {
			return err
		}
		payouts[i] = common.RayMul(held, proportion)
	}
	if err := e.balances.Withdraw(e.stableCurrency, who, amount); err != nil {
		return err
	}
	for i, currency := range currencies {
		if payouts[i].Sign() == 0 {
			continue
		}
		if err := e.WithdrawCollateral(currency, who, payouts[i]); err != nil {
			return err
		}
	}
	e.emitter.Emit(events.Refunded{Who: who.String(), Amount: amount})
	return nil
}

package cdp

import (
	"math/big"

	"stablecore/core/types"
	"stablecore/native/common"
)

type storedRate struct {
	Rate []byte
}

// Convertor translates debit share balances into stable amounts using the
// per-currency debit exchange rate. The rate starts at 1.0 and only grows
// as stability fees accrue.
type Convertor struct {
	state Storage
}

func NewConvertor(state Storage) *Convertor {
	return &Convertor{state: state}
}

func rateKey(currency types.CurrencyID) []byte {
	return append(append([]byte{}, rateBytesPrefix...), currency...)
}

// Rate returns the current debit exchange rate for a currency. Currencies
// with no recorded rate read as 1.0 ray.
func (c *Convertor) Rate(currency types.CurrencyID) (*big.Int, error) {
	var stored storedRate
	ok, err := c.state.KVGet(rateKey(currency), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(big.Int).Set(common.Ray), nil
	}
	return new(big.Int).SetBytes(stored.Rate), nil
}

// SetRate persists a new debit exchange rate.
func (c *Convertor) SetRate(currency types.CurrencyID, rate *big.Int) error {
	return c.state.KVPut(rateKey(currency), storedRate{Rate: rate.Bytes()})
}

// DebitToStable converts a debit balance into stable units, saturating at
// the balance ceiling. The boolean reports whether the clamp fired.
func (c *Convertor) DebitToStable(currency types.CurrencyID, debit *big.Int) (*big.Int, bool, error) {
	if debit == nil || debit.Sign() <= 0 {
		return big.NewInt(0), false, nil
	}
	rate, err := c.Rate(currency)
	if err != nil {
		return nil, false, err
	}
	value, clamped := common.RayMulSat(debit, rate)
	return value, clamped, nil
}

package fees

import (
	"fmt"
	"math/big"
)

// BpsDenominator is the basis-point scale: 10_000 bps == 100%.
const BpsDenominator = 10_000

// MaxServiceFeeBps caps the configurable service fee at 10%.
const MaxServiceFeeBps = 1_000

var denominator = big.NewInt(BpsDenominator)

// Policy captures the two fee rates applied by the settlement engine. The
// dispute rate is deliberately independent of the service rate; arbitration
// carries its own pricing.
type Policy struct {
	ServiceFeeBps uint32
	DisputeFeeBps uint32
}

// Valid reports whether both configured rates sit inside the bps scale. The
// service rate additionally honours the 10% governance cap.
func (p Policy) Valid() bool {
	return p.ServiceFeeBps <= MaxServiceFeeBps && p.DisputeFeeBps <= BpsDenominator
}

// Split divides a gross amount into payout and fee at the given rate.
// Conservation holds exactly: payout + fee == amount for every rate in
// [0, 10000] bps. Rounding favours the payee; the fee is truncated.
func Split(amount *big.Int, bps uint32) (payout, fee *big.Int, err error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, fmt.Errorf("fees: amount must be non-negative")
	}
	if bps > BpsDenominator {
		return nil, nil, fmt.Errorf("fees: rate %d exceeds %d bps", bps, BpsDenominator)
	}
	fee = new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	fee.Quo(fee, denominator)
	payout = new(big.Int).Sub(amount, fee)
	return payout, fee, nil
}

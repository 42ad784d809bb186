package fees

import (
	"math/big"
	"testing"
)

func TestSplitConservation(t *testing.T) {
	amounts := []*big.Int{
		big.NewInt(1),
		big.NewInt(99),
		big.NewInt(10_000),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)),
	}
	for _, amount := range amounts {
		for bps := uint32(0); bps <= MaxServiceFeeBps; bps += 37 {
			payout, fee, err := Split(amount, bps)
			if err != nil {
				t.Fatalf("split %s at %d bps: %v", amount, bps, err)
			}
			sum := new(big.Int).Add(payout, fee)
			if sum.Cmp(amount) != 0 {
				t.Fatalf("conservation broken at %d bps: %s + %s != %s", bps, payout, fee, amount)
			}
			if fee.Sign() < 0 || payout.Sign() < 0 {
				t.Fatalf("negative component at %d bps: payout=%s fee=%s", bps, payout, fee)
			}
		}
	}
}

func TestSplitKnownValues(t *testing.T) {
	oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	payout, fee, err := Split(oneEth, 100)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	wantPayout, _ := new(big.Int).SetString("990000000000000000", 10)
	wantFee, _ := new(big.Int).SetString("10000000000000000", 10)
	if payout.Cmp(wantPayout) != 0 {
		t.Fatalf("1%% payout = %s, want %s", payout, wantPayout)
	}
	if fee.Cmp(wantFee) != 0 {
		t.Fatalf("1%% fee = %s, want %s", fee, wantFee)
	}

	payout, fee, err = Split(oneEth, 400)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	wantPayout, _ = new(big.Int).SetString("960000000000000000", 10)
	if payout.Cmp(wantPayout) != 0 {
		t.Fatalf("4%% payout = %s, want %s", payout, wantPayout)
	}
	if new(big.Int).Add(payout, fee).Cmp(oneEth) != 0 {
		t.Fatalf("4%% split does not conserve")
	}
}

func TestSplitZeroFee(t *testing.T) {
	payout, fee, err := Split(big.NewInt(12345), 0)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if payout.Int64() != 12345 || fee.Sign() != 0 {
		t.Fatalf("zero rate should pass amount through, got payout=%s fee=%s", payout, fee)
	}
}

func TestSplitRejectsBadInput(t *testing.T) {
	if _, _, err := Split(big.NewInt(-1), 100); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, _, err := Split(big.NewInt(1), BpsDenominator+1); err == nil {
		t.Fatalf("expected error for rate above 10000 bps")
	}
}

func TestPolicyValid(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		want   bool
	}{
		{"defaults", Policy{ServiceFeeBps: 100, DisputeFeeBps: 400}, true},
		{"service at cap", Policy{ServiceFeeBps: 1000}, true},
		{"service above cap", Policy{ServiceFeeBps: 1100}, false},
		{"dispute above scale", Policy{DisputeFeeBps: 10_001}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Valid(); got != tc.want {
				t.Fatalf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

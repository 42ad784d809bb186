package types

import "math/big"

// Account holds the native-currency balance and staking collateral for an
// address. Balances are always non-nil after passing through the ledger; use
// Ensure when loading records of unknown provenance.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
	Stake   *big.Int `json:"stake"`
}

// Ensure returns the account with nil balance fields replaced by zero values.
// A nil receiver yields a fresh zeroed account.
func (a *Account) Ensure() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0), Stake: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	if a.Stake == nil {
		a.Stake = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy of the account so callers can mutate the copy
// without affecting the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return (&Account{}).Ensure()
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0), Stake: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	if a.Stake != nil {
		clone.Stake = new(big.Int).Set(a.Stake)
	}
	return clone
}

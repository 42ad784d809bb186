package escrow

import (
	"fmt"
	"math/big"
)

// Address is a 20-byte account identifier supplied by the caller-identity
// layer with every invocation.
type Address = [20]byte

// AgreementState represents the lifecycle states of a multi-party agreement.
type AgreementState uint8

const (
	StateCreated AgreementState = iota
	StateFunded
	StateReleased
	StateDisputed
	StateResolved
	StateCancelled
)

// Terminal reports whether the state permits no further transitions.
func (s AgreementState) Terminal() bool {
	switch s {
	case StateReleased, StateResolved, StateCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether the status value is within the supported range.
func (s AgreementState) Valid() bool { return s <= StateCancelled }

// BasicState mirrors the numeric lifecycle of the single-buyer variant. The
// values are fixed for observer compatibility.
type BasicState uint8

const (
	BasicAwaitingDelivery BasicState = 1
	BasicComplete         BasicState = 2
	BasicRefunded         BasicState = 3
	BasicDisputed         BasicState = 4
)

// Terminal reports whether the basic agreement permits no further transitions.
func (s BasicState) Terminal() bool {
	return s == BasicComplete || s == BasicRefunded
}

// Valid reports whether the status value is within the supported range.
func (s BasicState) Valid() bool { return s >= BasicAwaitingDelivery && s <= BasicDisputed }

// Agreement is the multi-party escrow record. The store exclusively owns all
// instances; the maps and amount fields must never be aliased across calls,
// which is why every read path hands out a Clone.
type Agreement struct {
	ID          uint64
	Buyers      []Address
	Sellers     []Address
	TotalAmount *big.Int
	Deposited   *big.Int
	Deposits    map[Address]*big.Int
	Approvals   map[Address]bool
	Stakes      map[Address]*big.Int
	Expiration  int64
	CreatedAt   int64
	State       AgreementState
}

// Clone returns a deep copy of the agreement so callers can safely mutate the
// copy without affecting the stored instance.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := &Agreement{
		ID:          a.ID,
		Buyers:      append([]Address(nil), a.Buyers...),
		Sellers:     append([]Address(nil), a.Sellers...),
		TotalAmount: big.NewInt(0),
		Deposited:   big.NewInt(0),
		Deposits:    make(map[Address]*big.Int, len(a.Deposits)),
		Approvals:   make(map[Address]bool, len(a.Approvals)),
		Stakes:      make(map[Address]*big.Int, len(a.Stakes)),
		Expiration:  a.Expiration,
		CreatedAt:   a.CreatedAt,
		State:       a.State,
	}
	if a.TotalAmount != nil {
		clone.TotalAmount = new(big.Int).Set(a.TotalAmount)
	}
	if a.Deposited != nil {
		clone.Deposited = new(big.Int).Set(a.Deposited)
	}
	for addr, amt := range a.Deposits {
		if amt != nil {
			clone.Deposits[addr] = new(big.Int).Set(amt)
		}
	}
	for addr, approved := range a.Approvals {
		clone.Approvals[addr] = approved
	}
	for addr, amt := range a.Stakes {
		if amt != nil {
			clone.Stakes[addr] = new(big.Int).Set(amt)
		}
	}
	return clone
}

// IsBuyer reports whether addr is a registered buyer on the agreement.
func (a *Agreement) IsBuyer(addr Address) bool {
	for _, b := range a.Buyers {
		if b == addr {
			return true
		}
	}
	return false
}

// IsSeller reports whether addr is a registered seller on the agreement.
func (a *Agreement) IsSeller(addr Address) bool {
	for _, s := range a.Sellers {
		if s == addr {
			return true
		}
	}
	return false
}

// IsParty reports whether addr is registered on either side of the agreement.
func (a *Agreement) IsParty(addr Address) bool {
	return a.IsBuyer(addr) || a.IsSeller(addr)
}

// AllApproved reports whether every registered buyer has recorded an approval
// in the current release cycle.
func (a *Agreement) AllApproved() bool {
	for _, b := range a.Buyers {
		if !a.Approvals[b] {
			return false
		}
	}
	return true
}

// SanitizeAgreement validates and normalises the supplied agreement, returning
// a cloned instance with non-nil amount fields and maps. The function does not
// mutate the original value.
func SanitizeAgreement(a *Agreement) (*Agreement, error) {
	if a == nil {
		return nil, fmt.Errorf("nil agreement")
	}
	clone := a.Clone()
	if len(clone.Buyers) == 0 || len(clone.Sellers) == 0 {
		return nil, fmt.Errorf("agreement requires both buyers and sellers")
	}
	if clone.TotalAmount.Sign() <= 0 {
		return nil, fmt.Errorf("agreement amount must be positive")
	}
	if clone.Deposited.Sign() < 0 {
		return nil, fmt.Errorf("agreement deposited amount must be non-negative")
	}
	if clone.Deposited.Cmp(clone.TotalAmount) > 0 {
		return nil, fmt.Errorf("agreement deposited amount exceeds total")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid agreement state: %d", clone.State)
	}
	return clone, nil
}

// BasicAgreement is the single-buyer, single-seller variant where creation and
// full funding happen in one call and settlement carries no fee.
type BasicAgreement struct {
	ID     uint64
	Buyer  Address
	Seller Address
	Amount *big.Int
	State  BasicState
}

// Clone returns a deep copy of the basic agreement.
func (a *BasicAgreement) Clone() *BasicAgreement {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Amount != nil {
		clone.Amount = new(big.Int).Set(a.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// SanitizeBasicAgreement validates the supplied record and returns a clone
// with a non-nil amount.
func SanitizeBasicAgreement(a *BasicAgreement) (*BasicAgreement, error) {
	if a == nil {
		return nil, fmt.Errorf("nil agreement")
	}
	clone := a.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("agreement amount must be positive")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid agreement state: %d", clone.State)
	}
	return clone, nil
}

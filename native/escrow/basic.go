package escrow

import (
	"fmt"
	"math/big"
	"sync"

	"pactledger/core/events"
	"pactledger/core/types"
)

// basicState is the storage backend contract for the single-buyer variant.
// Basic agreements keep their own identifier sequence and vault balances so
// the two variants never share mutable state.
type basicState interface {
	BasicPut(*BasicAgreement) error
	BasicGet(id uint64) (*BasicAgreement, bool)
	NextBasicAgreementID() (uint64, error)
	BasicCredit(id uint64, amt *big.Int) error
	BasicDebit(id uint64, amt *big.Int) error
	BasicBalance(id uint64) (*big.Int, error)
	VaultAddress() (Address, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// BasicEngine executes the single-buyer, single-seller escrow lifecycle.
// Creation escrows the full amount in the same call and every settlement path
// moves the full amount with no fee.
type BasicEngine struct {
	mu      sync.Mutex
	state   basicState
	emitter events.Emitter
	arbiter Address
}

// NewBasicEngine creates a basic engine with the given arbiter. Events are
// discarded until SetEmitter is called.
func NewBasicEngine(arbiter Address) *BasicEngine {
	return &BasicEngine{
		emitter: events.NoopEmitter{},
		arbiter: arbiter,
	}
}

// SetState configures the state backend used by the engine.
func (e *BasicEngine) SetState(state basicState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *BasicEngine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *BasicEngine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *BasicEngine) loadAgreement(id uint64) (*BasicAgreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	agreement, ok := e.state.BasicGet(id)
	if !ok {
		return nil, revert(KindNotFound, "Agreement not found")
	}
	return agreement, nil
}

func (e *BasicEngine) transferValue(from, to Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = fromAcc.Ensure()
	toAcc = toAcc.Ensure()
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("escrow: insufficient balance")
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// CreateAgreement escrows the full amount from the buyer immediately and
// persists the agreement in AWAITING_DELIVERY. Creation and funding are one
// call in this variant.
func (e *BasicEngine) CreateAgreement(buyer, seller Address, amount *big.Int) (*BasicAgreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if buyer == (Address{}) || seller == (Address{}) {
		return nil, revert(KindInvalidParties, "Both buyers and sellers are required")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, revert(KindInvalidAmount, "Amount must be greater than 0")
	}
	id, err := e.state.NextBasicAgreementID()
	if err != nil {
		return nil, err
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return nil, err
	}
	if err := e.transferValue(buyer, vault, amt); err != nil {
		return nil, err
	}
	if err := e.state.BasicCredit(id, amt); err != nil {
		return nil, err
	}
	agreement := &BasicAgreement{
		ID:     id,
		Buyer:  buyer,
		Seller: seller,
		Amount: amt,
		State:  BasicAwaitingDelivery,
	}
	if err := e.state.BasicPut(agreement); err != nil {
		return nil, err
	}
	e.emit(NewAgreementCreatedEvent(id, []Address{buyer}, []Address{seller}, amt))
	return agreement.Clone(), nil
}

// GetAgreement returns a read-only projection of the basic agreement record.
func (e *BasicEngine) GetAgreement(id uint64) (*BasicAgreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadAgreement(id)
}

// ConfirmDelivery settles the full escrowed amount to the seller with no fee
// deduction and completes the agreement.
func (e *BasicEngine) ConfirmDelivery(id uint64, caller Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if caller != agreement.Buyer {
		return revert(KindNotAuthorized, "Only buyer can call this function")
	}
	if agreement.State != BasicAwaitingDelivery {
		return revert(KindInvalidState, "Agreement is not awaiting delivery")
	}
	return e.settle(agreement, agreement.Seller, BasicComplete,
		NewItemDeliveredEvent(id), NewFundsReleasedEvent(id, agreement.Amount))
}

// RefundBuyer returns the full escrowed amount to the buyer. Only the seller
// may concede the refund.
func (e *BasicEngine) RefundBuyer(id uint64, caller Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if caller != agreement.Seller {
		return revert(KindNotAuthorized, "Only seller can call this function")
	}
	if agreement.State != BasicAwaitingDelivery {
		return revert(KindInvalidState, "Agreement is not awaiting delivery")
	}
	return e.settle(agreement, agreement.Buyer, BasicRefunded, NewFundsRefundedEvent(id))
}

// RaiseDispute flags the agreement as disputed. Either party may raise it.
func (e *BasicEngine) RaiseDispute(id uint64, caller Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if caller != agreement.Buyer && caller != agreement.Seller {
		return revert(KindNotAuthorized, "Only agreement parties can initiate a dispute")
	}
	if agreement.State != BasicAwaitingDelivery {
		return revert(KindInvalidState, "Agreement is not active")
	}
	agreement.State = BasicDisputed
	if err := e.state.BasicPut(agreement); err != nil {
		return err
	}
	e.emit(NewAgreementDisputedEvent(id, caller))
	return nil
}

// ResolveDispute settles the full escrowed amount to the declared winner with
// no fee and completes the agreement. Only the arbiter may resolve.
func (e *BasicEngine) ResolveDispute(id uint64, caller, winner Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if caller != e.arbiter {
		return revert(KindNotAuthorized, "Only arbiter can call this function")
	}
	if agreement.State != BasicDisputed {
		return revert(KindInvalidState, "Agreement is not disputed")
	}
	return e.settle(agreement, winner, BasicComplete,
		NewDisputeResolvedEvent(id, winner, agreement.Amount))
}

// settle persists the terminal state before moving value out of the vault,
// then emits the supplied events in order.
func (e *BasicEngine) settle(agreement *BasicAgreement, recipient Address, state BasicState, evts ...*types.Event) error {
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	amount := cloneBigInt(agreement.Amount)
	agreement.State = state
	if err := e.state.BasicPut(agreement); err != nil {
		return err
	}
	if err := e.state.BasicDebit(agreement.ID, amount); err != nil {
		return err
	}
	if err := e.transferValue(vault, recipient, amount); err != nil {
		return err
	}
	for _, evt := range evts {
		e.emit(evt)
	}
	return nil
}

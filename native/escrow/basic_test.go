package escrow

import (
	"errors"
	"math/big"
	"testing"
)

func newTestBasicEngine(t *testing.T, state *mockState) (*BasicEngine, *capturingEmitter) {
	t.Helper()
	engine := NewBasicEngine(testOwner)
	engine.SetState(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	return engine, emitter
}

func TestBasicCreateEscrowsImmediately(t *testing.T) {
	state := newMockState()
	engine, emitter := newTestBasicEngine(t, state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, oneEth())

	agreement, err := engine.CreateAgreement(buyer, seller, oneEth())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if agreement.ID != 0 {
		t.Fatalf("expected id 0, got %d", agreement.ID)
	}
	if agreement.State != BasicAwaitingDelivery {
		t.Fatalf("expected AWAITING_DELIVERY(1), got %d", agreement.State)
	}
	// Creation debits the buyer in the same call.
	if state.balance(buyer).Sign() != 0 {
		t.Fatalf("buyer balance = %s, want 0", state.balance(buyer))
	}
	balance, _ := state.BasicBalance(agreement.ID)
	if balance.Cmp(oneEth()) != 0 {
		t.Fatalf("vault balance = %s, want %s", balance, oneEth())
	}
	evt := emitter.last()
	if evt.Type != EventTypeAgreementCreated {
		t.Fatalf("expected AgreementCreated, got %s", evt.Type)
	}
	if evt.Attributes["buyers"] != formatAddress(buyer) {
		t.Fatalf("unexpected buyers attribute: %s", evt.Attributes["buyers"])
	}
}

func TestBasicCreateRequiresFunds(t *testing.T) {
	state := newMockState()
	engine, _ := newTestBasicEngine(t, state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)

	if _, err := engine.CreateAgreement(buyer, seller, oneEth()); err == nil {
		t.Fatalf("expected insufficient balance error")
	}
	if _, err := engine.CreateAgreement(buyer, seller, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected InvalidAmount for zero amount")
	}
}

func TestBasicConfirmDelivery(t *testing.T) {
	state := newMockState()
	engine, emitter := newTestBasicEngine(t, state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, oneEth())
	agreement, err := engine.CreateAgreement(buyer, seller, oneEth())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := engine.ConfirmDelivery(agreement.ID, buyer); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	// Full amount, zero fee.
	if state.balance(seller).Cmp(oneEth()) != 0 {
		t.Fatalf("seller balance = %s, want %s", state.balance(seller), oneEth())
	}
	typed := emitter.typed()
	if len(typed) < 3 {
		t.Fatalf("expected ItemDelivered and FundsReleased events")
	}
	if typed[len(typed)-2].Type != EventTypeItemDelivered {
		t.Fatalf("expected ItemDelivered, got %s", typed[len(typed)-2].Type)
	}
	if typed[len(typed)-1].Type != EventTypeFundsReleased {
		t.Fatalf("expected FundsReleased, got %s", typed[len(typed)-1].Type)
	}
	stored, _ := state.BasicGet(agreement.ID)
	if stored.State != BasicComplete {
		t.Fatalf("expected COMPLETE(2), got %d", stored.State)
	}
}

func TestBasicConfirmDeliveryAuthorization(t *testing.T) {
	state := newMockState()
	engine, _ := newTestBasicEngine(t, state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, oneEth())
	agreement, _ := engine.CreateAgreement(buyer, seller, oneEth())

	err := engine.ConfirmDelivery(agreement.ID, seller)
	if !errors.Is(err, ErrNotAuthorized) || err.Error() != "Only buyer can call this function" {
		t.Fatalf("expected buyer-only failure, got %v", err)
	}
}

func TestBasicRefundBuyer(t *testing.T) {
	state := newMockState()
	engine, emitter := newTestBasicEngine(t, state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, oneEth())
	agreement, _ := engine.CreateAgreement(buyer, seller, oneEth())

	err := engine.RefundBuyer(agreement.ID, buyer)
	if !errors.Is(err, ErrNotAuthorized) || err.Error() != "Only seller can call this function" {
		t.Fatalf("expected seller-only failure, got %v", err)
	}

	if err := engine.RefundBuyer(agreement.ID, seller); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if state.balance(buyer).Cmp(oneEth()) != 0 {
		t.Fatalf("buyer balance = %s, want %s", state.balance(buyer), oneEth())
	}
	if emitter.last().Type != EventTypeFundsRefunded {
		t.Fatalf("expected FundsRefunded, got %s", emitter.last().Type)
	}
	stored, _ := state.BasicGet(agreement.ID)
	if stored.State != BasicRefunded {
		t.Fatalf("expected REFUNDED(3), got %d", stored.State)
	}
}

func TestBasicDisputeFlow(t *testing.T) {
	state := newMockState()
	engine, emitter := newTestBasicEngine(t, state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, oneEth())
	agreement, _ := engine.CreateAgreement(buyer, seller, oneEth())

	if err := engine.RaiseDispute(agreement.ID, buyer); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	stored, _ := state.BasicGet(agreement.ID)
	if stored.State != BasicDisputed {
		t.Fatalf("expected DISPUTED(4), got %d", stored.State)
	}

	err := engine.ResolveDispute(agreement.ID, buyer, seller)
	if !errors.Is(err, ErrNotAuthorized) || err.Error() != "Only arbiter can call this function" {
		t.Fatalf("expected arbiter-only failure, got %v", err)
	}

	if err := engine.ResolveDispute(agreement.ID, testOwner, seller); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Basic resolution moves the full amount with no fee.
	if state.balance(seller).Cmp(oneEth()) != 0 {
		t.Fatalf("winner balance = %s, want %s", state.balance(seller), oneEth())
	}
	evt := emitter.last()
	if evt.Type != EventTypeDisputeResolved {
		t.Fatalf("expected DisputeResolved, got %s", evt.Type)
	}
	if evt.Attributes["winner"] != formatAddress(seller) {
		t.Fatalf("unexpected winner: %s", evt.Attributes["winner"])
	}
	stored, _ = state.BasicGet(agreement.ID)
	if stored.State != BasicComplete {
		t.Fatalf("expected COMPLETE(2), got %d", stored.State)
	}
}

func TestBasicTerminalStatesAreFinal(t *testing.T) {
	state := newMockState()
	engine, _ := newTestBasicEngine(t, state)
	buyer := newTestAddress(0x01)
	seller := newTestAddress(0x02)
	state.fund(buyer, oneEth())
	agreement, _ := engine.CreateAgreement(buyer, seller, oneEth())
	if err := engine.ConfirmDelivery(agreement.ID, buyer); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	for _, op := range []func() error{
		func() error { return engine.ConfirmDelivery(agreement.ID, buyer) },
		func() error { return engine.RefundBuyer(agreement.ID, seller) },
		func() error { return engine.RaiseDispute(agreement.ID, buyer) },
		func() error { return engine.ResolveDispute(agreement.ID, testOwner, seller) },
	} {
		if err := op(); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("terminal agreement must reject further transitions, got %v", err)
		}
	}
}

func TestBasicUnknownAgreement(t *testing.T) {
	state := newMockState()
	engine, _ := newTestBasicEngine(t, state)
	if _, err := engine.GetAgreement(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

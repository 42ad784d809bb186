package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"pactledger/core/types"
)

// Event type identifiers. The names and attribute sets are fixed for
// compatibility with downstream observers.
const (
	EventTypeAgreementCreated   = "AgreementCreated"
	EventTypeFundsDeposited     = "FundsDeposited"
	EventTypeFundsApproved      = "FundsApproved"
	EventTypeFundsReleased      = "FundsReleased"
	EventTypeAgreementDisputed  = "AgreementDisputed"
	EventTypeDisputeResolved    = "DisputeResolved"
	EventTypeAgreementCancelled = "AgreementCancelled"
	EventTypeStakeDeposited     = "StakeDeposited"
	EventTypeItemDelivered      = "ItemDelivered"
	EventTypeFundsRefunded      = "FundsRefunded"
)

// NewAgreementCreatedEvent returns the canonical payload for a newly created
// agreement: {agreementId, buyers[], sellers[], amount}.
func NewAgreementCreatedEvent(id uint64, buyers, sellers []Address, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeAgreementCreated, Attributes: map[string]string{
		"agreementId": formatID(id),
		"buyers":      formatAddressList(buyers),
		"sellers":     formatAddressList(sellers),
		"amount":      formatAmount(amount),
	}}
}

// NewFundsDepositedEvent returns the payload emitted when a buyer deposits
// escrow value: {agreementId, depositor, amount}.
func NewFundsDepositedEvent(id uint64, depositor Address, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeFundsDeposited, Attributes: map[string]string{
		"agreementId": formatID(id),
		"depositor":   formatAddress(depositor),
		"amount":      formatAmount(amount),
	}}
}

// NewFundsApprovedEvent returns the payload for an intermediate release
// approval that did not yet trigger a transfer: {agreementId, approver}.
func NewFundsApprovedEvent(id uint64, approver Address) *types.Event {
	return &types.Event{Type: EventTypeFundsApproved, Attributes: map[string]string{
		"agreementId": formatID(id),
		"approver":    formatAddress(approver),
	}}
}

// NewFundsReleasedEvent returns the payload emitted on the final unanimous
// approval that moved value to the seller: {agreementId, amount}.
func NewFundsReleasedEvent(id uint64, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeFundsReleased, Attributes: map[string]string{
		"agreementId": formatID(id),
		"amount":      formatAmount(amount),
	}}
}

// NewAgreementDisputedEvent returns the payload emitted when a party opens a
// dispute: {agreementId, disputeInitiator}.
func NewAgreementDisputedEvent(id uint64, initiator Address) *types.Event {
	return &types.Event{Type: EventTypeAgreementDisputed, Attributes: map[string]string{
		"agreementId":      formatID(id),
		"disputeInitiator": formatAddress(initiator),
	}}
}

// NewDisputeResolvedEvent returns the payload for an arbiter settlement:
// {agreementId, winner, amount}. The amount is the value actually transferred
// to the winner after the dispute fee.
func NewDisputeResolvedEvent(id uint64, winner Address, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeDisputeResolved, Attributes: map[string]string{
		"agreementId": formatID(id),
		"winner":      formatAddress(winner),
		"amount":      formatAmount(amount),
	}}
}

// NewAgreementCancelledEvent returns the payload for a cancellation:
// {agreementId}.
func NewAgreementCancelledEvent(id uint64) *types.Event {
	return &types.Event{Type: EventTypeAgreementCancelled, Attributes: map[string]string{
		"agreementId": formatID(id),
	}}
}

// NewStakeDepositedEvent returns the payload for a collateral deposit:
// {agreementId, staker, amount}.
func NewStakeDepositedEvent(id uint64, staker Address, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeStakeDeposited, Attributes: map[string]string{
		"agreementId": formatID(id),
		"staker":      formatAddress(staker),
		"amount":      formatAmount(amount),
	}}
}

// NewItemDeliveredEvent returns the payload for a basic-variant delivery
// confirmation: {agreementId}.
func NewItemDeliveredEvent(id uint64) *types.Event {
	return &types.Event{Type: EventTypeItemDelivered, Attributes: map[string]string{
		"agreementId": formatID(id),
	}}
}

// NewFundsRefundedEvent returns the payload for a basic-variant refund:
// {agreementId}.
func NewFundsRefundedEvent(id uint64) *types.Event {
	return &types.Event{Type: EventTypeFundsRefunded, Attributes: map[string]string{
		"agreementId": formatID(id),
	}}
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func formatAddress(addr Address) string { return hex.EncodeToString(addr[:]) }

func formatAddressList(addrs []Address) string {
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, formatAddress(addr))
	}
	return strings.Join(parts, ",")
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

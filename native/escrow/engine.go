package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"pactledger/core/events"
	"pactledger/core/types"
	"pactledger/native/fees"
)

var (
	errNilState    = errors.New("escrow engine: state not configured")
	errNilTreasury = errors.New("escrow engine: fee treasury not configured")
)

// engineState is the storage backend contract for the multi-party engine. The
// credit/debit pair is the balance guard: the per-agreement vault balance can
// never go negative and release paths debit exactly what was credited.
type engineState interface {
	AgreementPut(*Agreement) error
	AgreementGet(id uint64) (*Agreement, bool)
	NextAgreementID() (uint64, error)
	EscrowCredit(id uint64, amt *big.Int) error
	EscrowDebit(id uint64, amt *big.Int) error
	EscrowBalance(id uint64) (*big.Int, error)
	VaultAddress() (Address, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine executes the multi-party agreement lifecycle: creation, funded
// deposits, unanimous release, disputes, cancellation and staking. Each
// exported operation runs to completion under the engine mutex, so callers
// observe a strictly serial history per ledger. Fund movement follows
// checks-effects-interactions: the new state is persisted before any value
// leaves the vault.
type Engine struct {
	mu            sync.Mutex
	state         engineState
	emitter       events.Emitter
	owner         Address
	feeTreasury   Address
	serviceFeeBps uint32
	disputeFeeBps uint32
	nowFn         func() int64
}

// NewEngine creates an engine owned by the given arbitration/fee authority
// with the supplied fee policy. Events are discarded until SetEmitter is
// called.
func NewEngine(owner Address, policy fees.Policy) (*Engine, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("escrow engine: invalid fee policy")
	}
	return &Engine{
		emitter:       events.NoopEmitter{},
		owner:         owner,
		serviceFeeBps: policy.ServiceFeeBps,
		disputeFeeBps: policy.DisputeFeeBps,
		nowFn:         func() int64 { return time.Now().Unix() },
	}, nil
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetFeeTreasury configures the address that accrues service and dispute fees.
func (e *Engine) SetFeeTreasury(addr Address) { e.feeTreasury = addr }

// SetNowFunc overrides the time source used for expiration checks. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadAgreement(id uint64) (*Agreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	agreement, ok := e.state.AgreementGet(id)
	if !ok {
		return nil, revert(KindNotFound, "Agreement not found")
	}
	return agreement, nil
}

func (e *Engine) storeAgreement(a *Agreement) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.AgreementPut(a)
}

// transferValue moves native value between two ledger accounts. The amount
// must already be validated; a shortfall on the source account aborts the
// whole operation.
func (e *Engine) transferValue(from, to Address, amount *big.Int) error {
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

func (e *Engine) ensureTreasuryConfigured() error {
	if e == nil {
		return errNilTreasury
	}
	if e.feeTreasury == (Address{}) {
		return errNilTreasury
	}
	return nil
}

// CreateAgreement validates the party lists, amount and expiration, assigns
// the next sequential identifier and persists the agreement in CREATED state.
func (e *Engine) CreateAgreement(buyers, sellers []Address, amount *big.Int, expiration int64) (*Agreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(buyers) == 0 || len(sellers) == 0 {
		return nil, revert(KindInvalidParties, "Both buyers and sellers are required")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, revert(KindInvalidAmount, "Amount must be greater than 0")
	}
	if expiration <= e.now() {
		return nil, revert(KindInvalidExpiration, "Expiration date must be in the future")
	}
	id, err := e.state.NextAgreementID()
	if err != nil {
		return nil, err
	}
	agreement := &Agreement{
		ID:          id,
		Buyers:      append([]Address(nil), buyers...),
		Sellers:     append([]Address(nil), sellers...),
		TotalAmount: amt,
		Deposited:   big.NewInt(0),
		Deposits:    make(map[Address]*big.Int),
		Approvals:   make(map[Address]bool),
		Stakes:      make(map[Address]*big.Int),
		Expiration:  expiration,
		CreatedAt:   e.now(),
		State:       StateCreated,
	}
	if err := e.storeAgreement(agreement); err != nil {
		return nil, err
	}
	e.emit(NewAgreementCreatedEvent(id, agreement.Buyers, agreement.Sellers, amt))
	return agreement.Clone(), nil
}

// GetAgreementDetails returns a read-only projection of the agreement record.
func (e *Engine) GetAgreementDetails(id uint64) (*Agreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadAgreement(id)
}

// DepositFunds moves value from a registered buyer into the agreement vault.
// Deposits beyond the agreement total are rejected outright, never clamped.
// Reaching the full total transitions the agreement to FUNDED.
func (e *Engine) DepositFunds(id uint64, caller Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if err := authorize(OpDepositFunds, agreement, caller, e.owner); err != nil {
		return err
	}
	if agreement.State != StateCreated && agreement.State != StateFunded {
		return revert(KindInvalidState, "Agreement is not accepting deposits")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return revert(KindInvalidAmount, "Amount must be greater than 0")
	}
	newDeposited := new(big.Int).Add(agreement.Deposited, amt)
	if newDeposited.Cmp(agreement.TotalAmount) > 0 {
		return revert(KindInvalidAmount, "Deposit exceeds agreement amount")
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	// Value moves in from the caller, so the transfer runs before the record
	// mutation; a shortfall aborts with nothing persisted.
	if err := e.transferValue(caller, vault, amt); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, amt); err != nil {
		return err
	}
	agreement.Deposited = newDeposited
	contribution := cloneBigInt(agreement.Deposits[caller])
	agreement.Deposits[caller] = contribution.Add(contribution, amt)
	if agreement.Deposited.Cmp(agreement.TotalAmount) == 0 {
		agreement.State = StateFunded
	}
	if err := e.storeAgreement(agreement); err != nil {
		return err
	}
	e.emit(NewFundsDepositedEvent(id, caller, amt))
	return nil
}

// ReleaseFunds records the caller's approval. Intermediate approvals emit
// FundsApproved and move no value. The final unanimous approval settles the
// amount to the first registered seller minus the service fee, accrues the fee
// to the treasury and transitions the agreement to RELEASED.
func (e *Engine) ReleaseFunds(id uint64, caller Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if err := authorize(OpReleaseFunds, agreement, caller, e.owner); err != nil {
		return err
	}
	if agreement.State == StateReleased {
		return revert(KindInvalidState, "Funds already released")
	}
	if agreement.State != StateCreated && agreement.State != StateFunded {
		return revert(KindInvalidState, "Agreement is not releasable")
	}
	if agreement.Approvals[caller] {
		return revert(KindInvalidState, "Buyer has already approved release")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return revert(KindInvalidAmount, "Amount must be greater than 0")
	}
	if amt.Cmp(agreement.Deposited) > 0 {
		return revert(KindInvalidAmount, "Release amount exceeds deposited funds")
	}

	agreement.Approvals[caller] = true
	if !agreement.AllApproved() {
		if err := e.storeAgreement(agreement); err != nil {
			return err
		}
		e.emit(NewFundsApprovedEvent(id, caller))
		return nil
	}

	if err := e.ensureTreasuryConfigured(); err != nil {
		return err
	}
	payout, fee, err := fees.Split(amt, e.serviceFeeBps)
	if err != nil {
		return err
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	// Effects before interactions: the RELEASED state is persisted before any
	// value leaves the vault so a re-entering recipient observes a settled
	// agreement.
	agreement.State = StateReleased
	if err := e.storeAgreement(agreement); err != nil {
		return err
	}
	if err := e.state.EscrowDebit(id, amt); err != nil {
		return err
	}
	if payout.Sign() > 0 {
		if err := e.transferValue(vault, agreement.Sellers[0], payout); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := e.transferValue(vault, e.feeTreasury, fee); err != nil {
			return err
		}
	}
	e.emit(NewFundsReleasedEvent(id, amt))
	return nil
}

// InitiateDispute flags an active agreement as disputed. Any registered party
// may open the dispute; settlement is then reserved for the arbiter.
func (e *Engine) InitiateDispute(id uint64, caller Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if err := authorize(OpInitiateDispute, agreement, caller, e.owner); err != nil {
		return err
	}
	if agreement.State == StateDisputed {
		return revert(KindInvalidState, "Agreement is already disputed")
	}
	if agreement.State.Terminal() {
		return revert(KindInvalidState, "Agreement is not active")
	}
	agreement.State = StateDisputed
	if err := e.storeAgreement(agreement); err != nil {
		return err
	}
	e.emit(NewAgreementDisputedEvent(id, caller))
	return nil
}

// ResolveDispute force-settles a disputed agreement to the declared winner.
// The winner receives the deposited amount minus the dispute fee, which is a
// separately configured rate from the standard service fee.
func (e *Engine) ResolveDispute(id uint64, caller, winner Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if err := authorize(OpResolveDispute, agreement, caller, e.owner); err != nil {
		return err
	}
	if agreement.State != StateDisputed {
		return revert(KindInvalidState, "Agreement is not disputed")
	}
	if err := e.ensureTreasuryConfigured(); err != nil {
		return err
	}
	disputed := cloneBigInt(agreement.Deposited)
	payout, fee, err := fees.Split(disputed, e.disputeFeeBps)
	if err != nil {
		return err
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	agreement.State = StateResolved
	if err := e.storeAgreement(agreement); err != nil {
		return err
	}
	if disputed.Sign() > 0 {
		if err := e.state.EscrowDebit(id, disputed); err != nil {
			return err
		}
	}
	if payout.Sign() > 0 {
		if err := e.transferValue(vault, winner, payout); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := e.transferValue(vault, e.feeTreasury, fee); err != nil {
			return err
		}
	}
	e.emit(NewDisputeResolvedEvent(id, winner, payout))
	return nil
}

// CancelAgreement tears down an agreement before release or resolution. Each
// depositor recovers half of their tracked contribution; the retained half
// accrues to the fee treasury so total value is conserved.
func (e *Engine) CancelAgreement(id uint64, caller Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if err := authorize(OpCancelAgreement, agreement, caller, e.owner); err != nil {
		return err
	}
	if agreement.State != StateCreated && agreement.State != StateFunded {
		return revert(KindInvalidState, "Agreement cannot be cancelled")
	}
	if err := e.ensureTreasuryConfigured(); err != nil {
		return err
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	deposited := cloneBigInt(agreement.Deposited)
	agreement.State = StateCancelled
	if err := e.storeAgreement(agreement); err != nil {
		return err
	}
	if deposited.Sign() > 0 {
		if err := e.state.EscrowDebit(id, deposited); err != nil {
			return err
		}
		refunded := big.NewInt(0)
		for _, buyer := range agreement.Buyers {
			contribution := agreement.Deposits[buyer]
			if contribution == nil || contribution.Sign() == 0 {
				continue
			}
			half := new(big.Int).Rsh(contribution, 1)
			if half.Sign() == 0 {
				continue
			}
			if err := e.transferValue(vault, buyer, half); err != nil {
				return err
			}
			refunded.Add(refunded, half)
		}
		retained := new(big.Int).Sub(deposited, refunded)
		if retained.Sign() > 0 {
			if err := e.transferValue(vault, e.feeTreasury, retained); err != nil {
				return err
			}
		}
	}
	e.emit(NewAgreementCancelledEvent(id))
	return nil
}

// DepositStake credits collateral from a registered party into the party's
// stake pool. Stake accounting is fully independent of the deposited escrow
// amount and withdrawable only through dedicated paths.
func (e *Engine) DepositStake(id uint64, caller Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if err := authorize(OpDepositStake, agreement, caller, e.owner); err != nil {
		return err
	}
	if agreement.State.Terminal() {
		return revert(KindInvalidState, "Agreement is no longer active")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return revert(KindInvalidAmount, "Amount must be greater than 0")
	}
	vault, err := e.state.VaultAddress()
	if err != nil {
		return err
	}
	if err := e.transferValue(caller, vault, amt); err != nil {
		return err
	}
	stake := cloneBigInt(agreement.Stakes[caller])
	agreement.Stakes[caller] = stake.Add(stake, amt)
	if err := e.storeAgreement(agreement); err != nil {
		return err
	}
	e.emit(NewStakeDepositedEvent(id, caller, amt))
	return nil
}

// SetServiceFeePercentage updates the service fee rate in basis points. The
// change applies to subsequent releases only; settled agreements are never
// re-priced.
func (e *Engine) SetServiceFeePercentage(caller Address, bps uint32) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := authorize(OpSetServiceFee, nil, caller, e.owner); err != nil {
		return err
	}
	if bps > fees.MaxServiceFeeBps {
		return revert(KindFeeTooHigh, "Fee cannot exceed 10%")
	}
	e.serviceFeeBps = bps
	return nil
}

// ServiceFeePercentage returns the current service fee rate in basis points.
func (e *Engine) ServiceFeePercentage() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serviceFeeBps
}

// DisputeFeePercentage returns the configured dispute fee rate in basis
// points.
func (e *Engine) DisputeFeePercentage() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disputeFeeBps
}

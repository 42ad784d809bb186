package escrow

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"pactledger/core/types"
	"pactledger/storage"
)

const (
	keyAgreementPrefix   = "escrow/agreement/"
	keyAgreementSeq      = "escrow/agreement/seq"
	keyEscrowBalance     = "escrow/balance/"
	keyBasicPrefix       = "escrow/basic/"
	keyBasicSeq          = "escrow/basic/seq"
	keyBasicBalance      = "escrow/basic/balance/"
	keyAccountPrefix     = "account/"
	vaultDerivationLabel = "pactledger/escrow-vault"
)

// Store persists agreements, vault balances and accounts in a key-value
// database. It implements the state interfaces of both engine variants. The
// internal mutex guards the identifier sequences; the engines already
// serialize full operations.
type Store struct {
	mu sync.Mutex
	db storage.Database
}

// NewStore wraps the supplied database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// VaultAddress returns the module's escrow vault account. The address is
// derived from a fixed label so it cannot collide with caller-controlled keys.
func (s *Store) VaultAddress() (Address, error) {
	var addr Address
	digest := ethcrypto.Keccak256([]byte(vaultDerivationLabel))
	copy(addr[:], digest[12:])
	return addr, nil
}

// storedAgreement is the persistence projection of an Agreement: addresses
// hex-encoded, amounts as decimal strings so the codec survives value sizes
// beyond int64.
type storedAgreement struct {
	ID         uint64            `json:"id"`
	Buyers     []string          `json:"buyers"`
	Sellers    []string          `json:"sellers"`
	Total      string            `json:"totalAmount"`
	Deposited  string            `json:"depositedAmount"`
	Deposits   map[string]string `json:"deposits,omitempty"`
	Approvals  map[string]bool   `json:"approvals,omitempty"`
	Stakes     map[string]string `json:"stakes,omitempty"`
	Expiration int64             `json:"expirationDate"`
	CreatedAt  int64             `json:"createdAt"`
	State      uint8             `json:"state"`
}

func encodeAddress(addr Address) string { return hex.EncodeToString(addr[:]) }

func decodeAddress(raw string) (Address, error) {
	var addr Address
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return addr, fmt.Errorf("decode address: %w", err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("decode address: unexpected length %d", len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

func encodeAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("decode amount %q", raw)
	}
	return v, nil
}

// AgreementPut sanitises and persists the agreement record.
func (s *Store) AgreementPut(a *Agreement) error {
	sanitized, err := SanitizeAgreement(a)
	if err != nil {
		return err
	}
	stored := storedAgreement{
		ID:         sanitized.ID,
		Total:      encodeAmount(sanitized.TotalAmount),
		Deposited:  encodeAmount(sanitized.Deposited),
		Deposits:   make(map[string]string, len(sanitized.Deposits)),
		Approvals:  make(map[string]bool, len(sanitized.Approvals)),
		Stakes:     make(map[string]string, len(sanitized.Stakes)),
		Expiration: sanitized.Expiration,
		CreatedAt:  sanitized.CreatedAt,
		State:      uint8(sanitized.State),
	}
	for _, buyer := range sanitized.Buyers {
		stored.Buyers = append(stored.Buyers, encodeAddress(buyer))
	}
	for _, seller := range sanitized.Sellers {
		stored.Sellers = append(stored.Sellers, encodeAddress(seller))
	}
	for addr, amt := range sanitized.Deposits {
		stored.Deposits[encodeAddress(addr)] = encodeAmount(amt)
	}
	for addr, approved := range sanitized.Approvals {
		stored.Approvals[encodeAddress(addr)] = approved
	}
	for addr, amt := range sanitized.Stakes {
		stored.Stakes[encodeAddress(addr)] = encodeAmount(amt)
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.db.Put(agreementKey(sanitized.ID), raw)
}

// AgreementGet loads the agreement record if present.
func (s *Store) AgreementGet(id uint64) (*Agreement, bool) {
	raw, err := s.db.Get(agreementKey(id))
	if err != nil {
		return nil, false
	}
	var stored storedAgreement
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false
	}
	agreement := &Agreement{
		ID:         stored.ID,
		Deposits:   make(map[Address]*big.Int, len(stored.Deposits)),
		Approvals:  make(map[Address]bool, len(stored.Approvals)),
		Stakes:     make(map[Address]*big.Int, len(stored.Stakes)),
		Expiration: stored.Expiration,
		CreatedAt:  stored.CreatedAt,
		State:      AgreementState(stored.State),
	}
	for _, raw := range stored.Buyers {
		addr, err := decodeAddress(raw)
		if err != nil {
			return nil, false
		}
		agreement.Buyers = append(agreement.Buyers, addr)
	}
	for _, raw := range stored.Sellers {
		addr, err := decodeAddress(raw)
		if err != nil {
			return nil, false
		}
		agreement.Sellers = append(agreement.Sellers, addr)
	}
	if agreement.TotalAmount, err = decodeAmount(stored.Total); err != nil {
		return nil, false
	}
	if agreement.Deposited, err = decodeAmount(stored.Deposited); err != nil {
		return nil, false
	}
	for rawAddr, rawAmt := range stored.Deposits {
		addr, err := decodeAddress(rawAddr)
		if err != nil {
			return nil, false
		}
		amt, err := decodeAmount(rawAmt)
		if err != nil {
			return nil, false
		}
		agreement.Deposits[addr] = amt
	}
	for rawAddr, approved := range stored.Approvals {
		addr, err := decodeAddress(rawAddr)
		if err != nil {
			return nil, false
		}
		agreement.Approvals[addr] = approved
	}
	for rawAddr, rawAmt := range stored.Stakes {
		addr, err := decodeAddress(rawAddr)
		if err != nil {
			return nil, false
		}
		amt, err := decodeAmount(rawAmt)
		if err != nil {
			return nil, false
		}
		agreement.Stakes[addr] = amt
	}
	return agreement, true
}

// NextAgreementID allocates the next sequential agreement identifier,
// starting at zero.
func (s *Store) NextAgreementID() (uint64, error) {
	return s.nextSequence([]byte(keyAgreementSeq))
}

// NextBasicAgreementID allocates the next sequential basic agreement
// identifier, independent of the multi-party sequence.
func (s *Store) NextBasicAgreementID() (uint64, error) {
	return s.nextSequence([]byte(keyBasicSeq))
}

func (s *Store) nextSequence(key []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := uint64(0)
	raw, err := s.db.Get(key)
	switch {
	case err == nil:
		if parseErr := json.Unmarshal(raw, &next); parseErr != nil {
			return 0, fmt.Errorf("decode sequence: %w", parseErr)
		}
	case errors.Is(err, storage.ErrKeyNotFound):
		// First allocation.
	default:
		return 0, err
	}
	encoded, err := json.Marshal(next + 1)
	if err != nil {
		return 0, err
	}
	if err := s.db.Put(key, encoded); err != nil {
		return 0, err
	}
	return next, nil
}

// EscrowCredit adds funds to the agreement's vault balance.
func (s *Store) EscrowCredit(id uint64, amt *big.Int) error {
	return s.adjustBalance(balanceKey(keyEscrowBalance, id), amt, false)
}

// EscrowDebit removes funds from the agreement's vault balance. Debits beyond
// the tracked balance fail; this is the conservation backstop.
func (s *Store) EscrowDebit(id uint64, amt *big.Int) error {
	return s.adjustBalance(balanceKey(keyEscrowBalance, id), amt, true)
}

// EscrowBalance returns the agreement's current vault balance.
func (s *Store) EscrowBalance(id uint64) (*big.Int, error) {
	return s.readBalance(balanceKey(keyEscrowBalance, id))
}

// BasicCredit adds funds to a basic agreement's vault balance.
func (s *Store) BasicCredit(id uint64, amt *big.Int) error {
	return s.adjustBalance(balanceKey(keyBasicBalance, id), amt, false)
}

// BasicDebit removes funds from a basic agreement's vault balance.
func (s *Store) BasicDebit(id uint64, amt *big.Int) error {
	return s.adjustBalance(balanceKey(keyBasicBalance, id), amt, true)
}

// BasicBalance returns a basic agreement's current vault balance.
func (s *Store) BasicBalance(id uint64) (*big.Int, error) {
	return s.readBalance(balanceKey(keyBasicBalance, id))
}

func (s *Store) adjustBalance(key []byte, amt *big.Int, debit bool) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("store: balance adjustment must be non-negative")
	}
	current, err := s.readBalance(key)
	if err != nil {
		return err
	}
	if debit {
		if current.Cmp(amt) < 0 {
			return fmt.Errorf("store: insufficient escrow balance")
		}
		current.Sub(current, amt)
	} else {
		current.Add(current, amt)
	}
	return s.db.Put(key, []byte(current.String()))
}

func (s *Store) readBalance(key []byte) (*big.Int, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAmount(string(raw))
}

// BasicPut sanitises and persists the basic agreement record.
func (s *Store) BasicPut(a *BasicAgreement) error {
	sanitized, err := SanitizeBasicAgreement(a)
	if err != nil {
		return err
	}
	record := struct {
		ID     uint64 `json:"id"`
		Buyer  string `json:"buyer"`
		Seller string `json:"seller"`
		Amount string `json:"amount"`
		State  uint8  `json:"state"`
	}{
		ID:     sanitized.ID,
		Buyer:  encodeAddress(sanitized.Buyer),
		Seller: encodeAddress(sanitized.Seller),
		Amount: encodeAmount(sanitized.Amount),
		State:  uint8(sanitized.State),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Put(basicKey(sanitized.ID), raw)
}

// BasicGet loads the basic agreement record if present.
func (s *Store) BasicGet(id uint64) (*BasicAgreement, bool) {
	raw, err := s.db.Get(basicKey(id))
	if err != nil {
		return nil, false
	}
	var record struct {
		ID     uint64 `json:"id"`
		Buyer  string `json:"buyer"`
		Seller string `json:"seller"`
		Amount string `json:"amount"`
		State  uint8  `json:"state"`
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false
	}
	buyer, err := decodeAddress(record.Buyer)
	if err != nil {
		return nil, false
	}
	seller, err := decodeAddress(record.Seller)
	if err != nil {
		return nil, false
	}
	amount, err := decodeAmount(record.Amount)
	if err != nil {
		return nil, false
	}
	return &BasicAgreement{
		ID:     record.ID,
		Buyer:  buyer,
		Seller: seller,
		Amount: amount,
		State:  BasicState(record.State),
	}, true
}

// GetAccount loads the account for the address, returning a zeroed account
// when none exists yet.
func (s *Store) GetAccount(addr []byte) (*types.Account, error) {
	raw, err := s.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return (&types.Account{}).Ensure(), nil
	}
	if err != nil {
		return nil, err
	}
	var stored struct {
		Nonce   uint64 `json:"nonce"`
		Balance string `json:"balance"`
		Stake   string `json:"stake"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	account := &types.Account{Nonce: stored.Nonce}
	if account.Balance, err = decodeAmount(stored.Balance); err != nil {
		return nil, err
	}
	if account.Stake, err = decodeAmount(stored.Stake); err != nil {
		return nil, err
	}
	return account, nil
}

// PutAccount persists the account for the address.
func (s *Store) PutAccount(addr []byte, account *types.Account) error {
	account = account.Ensure()
	stored := struct {
		Nonce   uint64 `json:"nonce"`
		Balance string `json:"balance"`
		Stake   string `json:"stake"`
	}{
		Nonce:   account.Nonce,
		Balance: encodeAmount(account.Balance),
		Stake:   encodeAmount(account.Stake),
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.db.Put(accountKey(addr), raw)
}

func agreementKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", keyAgreementPrefix, id))
}

func basicKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", keyBasicPrefix, id))
}

func balanceKey(prefix string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefix, id))
}

func accountKey(addr []byte) []byte {
	return append([]byte(keyAccountPrefix), []byte(hex.EncodeToString(addr))...)
}

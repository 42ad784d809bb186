package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"pactledger/core/types"
	"pactledger/native/escrow"
	"pactledger/native/fees"
	"pactledger/storage"
)

const (
	buyerHex    = "0x00000000000000000000000000000000000000B1"
	buyerTwoHex = "0x00000000000000000000000000000000000000B2"
	sellerHex   = "0x00000000000000000000000000000000000000C1"
	ownerHex    = "0x00000000000000000000000000000000000000A0"
	treasuryHex = "0x00000000000000000000000000000000000000FE"
)

func hexToAddr(raw string) escrow.Address {
	return common.HexToAddress(raw)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := escrow.NewStore(storage.NewMemDB())
	engine, err := escrow.NewEngine(hexToAddr(ownerHex), fees.Policy{ServiceFeeBps: 100, DisputeFeeBps: 400})
	require.NoError(t, err)
	engine.SetState(store)
	engine.SetFeeTreasury(hexToAddr(treasuryHex))
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })

	basic := escrow.NewBasicEngine(hexToAddr(ownerHex))
	basic.SetState(store)

	for _, hex := range []string{buyerHex, buyerTwoHex} {
		addr := hexToAddr(hex)
		account := &types.Account{Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))}
		require.NoError(t, store.PutAccount(addr[:], account))
	}
	return NewServer(engine, basic, nil, RateLimit{RequestsPerMinute: 100_000, Burst: 100_000})
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func createAgreement(t *testing.T, srv *Server) uint64 {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/v1/agreements", map[string]any{
		"buyers":         []string{buyerHex, buyerTwoHex},
		"sellers":        []string{sellerHex},
		"amount":         "2000000000000000000",
		"expirationDate": int64(1_700_086_400),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view struct {
		ID uint64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view.ID
}

func TestCreateAgreementValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/agreements", map[string]any{
		"buyers":         []string{},
		"sellers":        []string{sellerHex},
		"amount":         "1",
		"expirationDate": int64(1_700_086_400),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Both buyers and sellers are required")

	rec = doJSON(t, srv, http.MethodPost, "/v1/agreements", map[string]any{
		"buyers":         []string{buyerHex},
		"sellers":        []string{sellerHex},
		"amount":         "0",
		"expirationDate": int64(1_700_086_400),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Amount must be greater than 0")

	rec = doJSON(t, srv, http.MethodPost, "/v1/agreements", map[string]any{
		"buyers":         []string{"not-an-address"},
		"sellers":        []string{sellerHex},
		"amount":         "1",
		"expirationDate": int64(1_700_086_400),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "hex address")
}

func TestDepositAndReleaseFlow(t *testing.T) {
	srv := newTestServer(t)
	id := createAgreement(t, srv)

	rec := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/agreements/%d/deposit", id), map[string]any{
		"caller": buyerHex,
		"amount": "1000000000000000000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/agreements/%d/deposit", id), map[string]any{
		"caller": buyerTwoHex,
		"amount": "1000000000000000000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/agreements/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Deposited string `json:"depositedAmount"`
		State     uint8  `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "2000000000000000000", view.Deposited)
	require.Equal(t, uint8(escrow.StateFunded), view.State)

	for _, caller := range []string{buyerHex, buyerTwoHex} {
		rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/agreements/%d/release", id), map[string]any{
			"caller": caller,
			"amount": "2000000000000000000",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/agreements/%d", id), nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, uint8(escrow.StateReleased), view.State)
}

func TestErrorStatusMapping(t *testing.T) {
	srv := newTestServer(t)
	id := createAgreement(t, srv)

	// Non-buyer deposit is forbidden.
	rec := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/agreements/%d/deposit", id), map[string]any{
		"caller": sellerHex,
		"amount": "1",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "Only buyers can deposit funds")

	// Unknown agreement.
	rec = doJSON(t, srv, http.MethodGet, "/v1/agreements/999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Resolving an undisputed agreement conflicts with its state.
	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/agreements/%d/resolve", id), map[string]any{
		"caller": ownerHex,
		"winner": buyerHex,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	// Fee above the cap is a bad request.
	rec = doJSON(t, srv, http.MethodPost, "/v1/fees/service", map[string]any{
		"caller": ownerHex,
		"bps":    1_100,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Fee cannot exceed 10%")

	// Non-numeric path id never reaches the engine.
	rec = doJSON(t, srv, http.MethodGet, "/v1/agreements/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisputeAndResolve(t *testing.T) {
	srv := newTestServer(t)
	id := createAgreement(t, srv)

	rec := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/agreements/%d/deposit", id), map[string]any{
		"caller": buyerHex,
		"amount": "1000000000000000000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/agreements/%d/dispute", id), map[string]any{
		"caller": sellerHex,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Only the owner may resolve.
	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/agreements/%d/resolve", id), map[string]any{
		"caller": buyerHex,
		"winner": buyerHex,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/agreements/%d/resolve", id), map[string]any{
		"caller": ownerHex,
		"winner": sellerHex,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/agreements/%d", id), nil)
	var view struct {
		State uint8 `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, uint8(escrow.StateResolved), view.State)
}

func TestBasicAgreementLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/basic/agreements", map[string]any{
		"buyer":  buyerHex,
		"seller": sellerHex,
		"amount": "1000000000000000000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view struct {
		ID    uint64 `json:"id"`
		State uint8  `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, uint8(escrow.BasicAwaitingDelivery), view.State)

	// Seller cannot confirm delivery.
	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/basic/agreements/%d/confirm", view.ID), map[string]any{
		"caller": sellerHex,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "Only buyer can call this function")

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/basic/agreements/%d/confirm", view.ID), map[string]any{
		"caller": buyerHex,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/basic/agreements/%d", view.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, uint8(escrow.BasicComplete), view.State)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitRejects(t *testing.T) {
	store := escrow.NewStore(storage.NewMemDB())
	engine, err := escrow.NewEngine(hexToAddr(ownerHex), fees.Policy{ServiceFeeBps: 100, DisputeFeeBps: 400})
	require.NoError(t, err)
	engine.SetState(store)
	basic := escrow.NewBasicEngine(hexToAddr(ownerHex))
	basic.SetState(store)
	srv := NewServer(engine, basic, nil, RateLimit{RequestsPerMinute: 60, Burst: 1})

	first := doJSON(t, srv, http.MethodGet, "/v1/agreements/1", nil)
	require.NotEqual(t, http.StatusTooManyRequests, first.Code)

	second := doJSON(t, srv, http.MethodGet, "/v1/agreements/1", nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

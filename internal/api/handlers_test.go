package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aurumx/goldsale/internal/auth"
	"github.com/aurumx/goldsale/internal/models"
	"github.com/aurumx/goldsale/internal/pricing"
	"github.com/aurumx/goldsale/internal/sale"
	"github.com/aurumx/goldsale/internal/sigverify"
)

const testSecret = "api-test-secret"

var (
	testRelayer  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testVaultA   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testEngineA  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testUSD      = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	testBuyer    = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	testRoundID  = models.Key{0x01}
	testUnknown  = models.Key{0x02}
	goldPrice, _ = new(big.Int).SetString("200000000000", 10)
)

// stubStore serves reads from fixed fixtures. Settlement transactions are
// not exercised here; the engine tests cover them against a full fake and
// the db tests against Postgres.
type stubStore struct {
	rounds map[models.Key]models.Round
	order  []models.Key
	tokens map[common.Address]models.TokenConfig
	nonces map[common.Address]uint64
}

func (s *stubStore) InsertRound(ctx context.Context, r *models.Round, position int) error {
	s.rounds[r.ID] = *r
	s.order = append(s.order, r.ID)
	return nil
}

func (s *stubStore) GetRound(ctx context.Context, id models.Key) (*models.Round, error) {
	r, ok := s.rounds[id]
	if !ok {
		return nil, sale.ErrRoundNotFound
	}
	return &r, nil
}

func (s *stubStore) SetRoundStage(ctx context.Context, id models.Key, stage models.Stage, active bool) error {
	r := s.rounds[id]
	if r.Stage == models.StageSaleEnded {
		return sale.ErrRoundAlreadyEnded
	}
	r.Stage = stage
	r.IsActive = active
	s.rounds[id] = r
	return nil
}

func (s *stubStore) LoadRounds(ctx context.Context) ([]models.Round, error) {
	out := make([]models.Round, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rounds[id])
	}
	return out, nil
}

func (s *stubStore) GetTokenConfig(ctx context.Context, token common.Address) (*models.TokenConfig, error) {
	cfg, ok := s.tokens[token]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (s *stubStore) UpsertTokenConfig(ctx context.Context, cfg *models.TokenConfig) error {
	s.tokens[cfg.Token] = *cfg
	return nil
}

func (s *stubStore) DeleteTokenConfig(ctx context.Context, token common.Address) error {
	delete(s.tokens, token)
	return nil
}

func (s *stubStore) AddWhitelist(ctx context.Context, addr common.Address) error    { return nil }
func (s *stubStore) RemoveWhitelist(ctx context.Context, addr common.Address) error { return nil }
func (s *stubStore) IsWhitelisted(ctx context.Context, addr common.Address) (bool, error) {
	return false, nil
}

func (s *stubStore) Nonce(ctx context.Context, buyer common.Address) (uint64, error) {
	return s.nonces[buyer], nil
}

func (s *stubStore) InsertDistribution(ctx context.Context, d *models.Distribution, position int) error {
	return nil
}

func (s *stubStore) LoadDistributions(ctx context.Context) ([]models.Distribution, error) {
	return nil, nil
}

func (s *stubStore) ListSettlements(ctx context.Context, buyer common.Address) ([]models.SettlementReceipt, error) {
	return nil, nil
}

func (s *stubStore) InSettlement(ctx context.Context, fn func(sale.SettlementTx) error) error {
	return errors.New("settlement not supported by stub")
}

type stubVault struct{ paused bool }

func (v *stubVault) Paused(ctx context.Context) (bool, error) { return v.paused, nil }
func (v *stubVault) Address() common.Address                  { return testVaultA }

type stubVaultController struct {
	paused bool
	calls  int
}

func (v *stubVaultController) SetPaused(ctx context.Context, paused bool) error {
	v.paused = paused
	v.calls++
	return nil
}

type testServer struct {
	router *chi.Mux
	store  *stubStore
	vault  *stubVaultController
	gold   *pricing.StaticFeed
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	now := time.Now()
	store := &stubStore{
		rounds: map[models.Key]models.Round{
			testRoundID: {
				ID:        testRoundID,
				MaxUnits:  big.NewInt(1000),
				UnitsSold: big.NewInt(0),
				StartTime: now.Add(-time.Hour),
				EndTime:   now.Add(time.Hour),
				IsActive:  true,
				Stage:     models.StagePublicSale,
				CreatedAt: now.Add(-2 * time.Hour),
			},
		},
		order: []models.Key{testRoundID},
		tokens: map[common.Address]models.TokenConfig{
			testUSD: {Token: testUSD, FeedID: "usd-static", Decimals: 6},
		},
		nonces: map[common.Address]uint64{},
	}

	gold := &pricing.StaticFeed{Price: new(big.Int).Set(goldPrice)}
	feeds := pricing.Resolver{
		"gold-xau": gold,
		"usd-static": &pricing.StaticFeed{
			Price: big.NewInt(100000000),
		},
	}

	engine, err := sale.NewEngine(context.Background(), sale.Config{
		Domain: sigverify.Domain{
			Name:              "GoldSale",
			Version:           "1",
			ChainID:           big.NewInt(1),
			VerifyingContract: testEngineA,
		},
		Relayer:       testRelayer,
		UnitsPerAsset: big.NewInt(10000),
		GoldFeedID:    "gold-xau",
	}, store, &stubVault{}, feeds, zap.NewNop())
	require.NoError(t, err)

	vault := &stubVaultController{}
	h := NewHandler(engine, vault, auth.NewAuthService(nil, testSecret), zap.NewNop())

	r := chi.NewRouter()
	r.Post("/auth/login", h.Login)
	r.Get("/rounds", h.ListRounds)
	r.Get("/rounds/{id}", h.GetRound)
	r.Get("/quote", h.Quote)
	r.Get("/nonces/{buyer}", h.GetNonce)
	r.Get("/settlements/{buyer}", h.GetSettlements)
	r.Post("/purchase/presale", h.PurchasePresale)
	r.Post("/purchase/public", h.PurchasePublic)
	r.Group(func(r chi.Router) {
		r.Use(h.AdminMiddleware)
		r.Post("/admin/rounds", h.CreateRound)
		r.Post("/admin/rounds/{id}/stage", h.SetStage)
		r.Put("/admin/tokens/{addr}", h.PutToken)
		r.Post("/admin/vault/pause", h.PauseVault)
		r.Post("/admin/vault/unpause", h.UnpauseVault)
	})

	return &testServer{router: r, store: store, vault: vault, gold: gold}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func issueToken(t *testing.T, role string, secret string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"admin_id": 1,
		"username": "ops",
		"role":     role,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestListRounds(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/rounds", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rounds []map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rounds))
	require.Len(t, rounds, 1)
	assert.Equal(t, testRoundID.String(), rounds[0]["id"])
	assert.Equal(t, "public_sale", rounds[0]["stage"])
	assert.Equal(t, "1000", rounds[0]["max_units"])
}

func TestGetRound(t *testing.T) {
	ts := newTestServer(t)

	t.Run("found", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/rounds/"+testRoundID.String(), "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown id", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/rounds/"+testUnknown.String(), "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/rounds/zzz", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestQuote(t *testing.T) {
	ts := newTestServer(t)

	t.Run("priced", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/quote?token="+testUSD.Hex()+"&units=100", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "20000000", resp["payment_amount"])
		assert.Equal(t, "200000000000", resp["gold_price"])
	})

	t.Run("unconfigured token", func(t *testing.T) {
		other := common.HexToAddress("0x00000000000000000000000000000000000000ff")
		w := ts.do(t, http.MethodGet, "/quote?token="+other.Hex()+"&units=100", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("negative units", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/quote?token="+testUSD.Hex()+"&units=-100", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed units", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/quote?token="+testUSD.Hex()+"&units=abc", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("non-positive feed", func(t *testing.T) {
		ts.gold.Price = big.NewInt(0)
		defer func() { ts.gold.Price = new(big.Int).Set(goldPrice) }()

		w := ts.do(t, http.MethodGet, "/quote?token="+testUSD.Hex()+"&units=100", "", nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestGetNonce(t *testing.T) {
	ts := newTestServer(t)
	ts.store.nonces[testBuyer] = 7

	w := ts.do(t, http.MethodGet, "/nonces/"+testBuyer.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]uint64
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, uint64(7), resp["nonce"])

	w = ts.do(t, http.MethodGet, "/nonces/nothex", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPurchaseRejections(t *testing.T) {
	ts := newTestServer(t)

	base := purchaseRequest{
		RoundID:      testRoundID.String(),
		Buyer:        testBuyer.Hex(),
		GptAmount:    "100",
		Nonce:        0,
		Expiry:       uint64(time.Now().Add(time.Hour).Unix()),
		PaymentToken: testUSD.Hex(),
		BuyerSig:     "0x" + string(bytes.Repeat([]byte("11"), 65)),
		RelayerSig:   "0x" + string(bytes.Repeat([]byte("22"), 65)),
	}

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/purchase/public", bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed signature hex", func(t *testing.T) {
		req := base
		req.BuyerSig = "nothex"
		w := ts.do(t, http.MethodPost, "/purchase/public", "", req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("expired order", func(t *testing.T) {
		req := base
		req.Expiry = uint64(time.Now().Add(-time.Hour).Unix())
		w := ts.do(t, http.MethodPost, "/purchase/public", "", req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		req := base
		req.Nonce = 5
		w := ts.do(t, http.MethodPost, "/purchase/public", "", req)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("stage mismatch", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/purchase/presale", "", base)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unknown round", func(t *testing.T) {
		req := base
		req.RoundID = testUnknown.String()
		w := ts.do(t, http.MethodPost, "/purchase/public", "", req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid buyer signature", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/purchase/public", "", base)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAdminMiddleware(t *testing.T) {
	ts := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/admin/vault/pause", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Zero(t, ts.vault.calls)
	})

	t.Run("wrong secret", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/admin/vault/pause", issueToken(t, models.RoleSaleManager, "other"), nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong role", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/admin/vault/pause", issueToken(t, "viewer", testSecret), nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("sale manager", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/admin/vault/pause", issueToken(t, models.RoleSaleManager, testSecret), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, ts.vault.paused)
		assert.Equal(t, 1, ts.vault.calls)

		w = ts.do(t, http.MethodPost, "/admin/vault/unpause", issueToken(t, models.RoleSaleManager, testSecret), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, ts.vault.paused)
	})
}

func TestAdminRoundLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, models.RoleSaleManager, testSecret)

	w := ts.do(t, http.MethodPost, "/admin/rounds", token, map[string]interface{}{
		"max_units":  "500",
		"start_time": time.Now().Add(-time.Minute).Format(time.RFC3339),
		"end_time":   time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, "pre_marketing", created["stage"])
	id := created["id"].(string)

	w = ts.do(t, http.MethodPost, "/admin/rounds/"+id+"/stage", token, map[string]string{"stage": "public_sale"})
	require.Equal(t, http.StatusOK, w.Code)

	var updated map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&updated))
	assert.Equal(t, "public_sale", updated["stage"])
	assert.Equal(t, true, updated["is_active"])

	t.Run("bad stage name", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/admin/rounds/"+id+"/stage", token, map[string]string{"stage": "Suspended"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad max units", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/admin/rounds", token, map[string]interface{}{
			"max_units":  "0",
			"start_time": time.Now().Format(time.RFC3339),
			"end_time":   time.Now().Add(time.Hour).Format(time.RFC3339),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPutToken(t *testing.T) {
	ts := newTestServer(t)
	token := issueToken(t, models.RoleSaleManager, testSecret)
	addr := common.HexToAddress("0x0000000000000000000000000000000000000123")

	t.Run("unknown feed rejected", func(t *testing.T) {
		w := ts.do(t, http.MethodPut, "/admin/tokens/"+addr.Hex(), token, map[string]interface{}{
			"feed_id": "no-such-feed", "decimals": 6,
		})
		assert.NotEqual(t, http.StatusOK, w.Code)
		_, ok := ts.store.tokens[addr]
		assert.False(t, ok)
	})

	t.Run("configured", func(t *testing.T) {
		w := ts.do(t, http.MethodPut, "/admin/tokens/"+addr.Hex(), token, map[string]interface{}{
			"feed_id": "usd-static", "decimals": 6,
		})
		require.Equal(t, http.StatusOK, w.Code)
		cfg, ok := ts.store.tokens[addr]
		require.True(t, ok)
		assert.Equal(t, uint8(6), cfg.Decimals)
	})
}

func TestErrStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{sale.ErrRoundNotFound, http.StatusNotFound},
		{sigverify.ErrInvalidUserSignature, http.StatusUnauthorized},
		{sigverify.ErrInvalidRelayerSignature, http.StatusUnauthorized},
		{sale.ErrNotWhitelisted, http.StatusForbidden},
		{sale.ErrRoundNotActive, http.StatusConflict},
		{sale.ErrNonceMismatch, http.StatusConflict},
		{sale.ErrVaultPaused, http.StatusConflict},
		{sale.ErrReentrantCall, http.StatusConflict},
		{&sale.InsufficientBalanceError{Have: big.NewInt(1), Need: big.NewInt(2)}, http.StatusUnprocessableEntity},
		{&sale.InsufficientAllowanceError{Have: big.NewInt(1), Need: big.NewInt(2)}, http.StatusUnprocessableEntity},
		{&sale.RoundCapacityError{Requested: big.NewInt(2), Available: big.NewInt(1)}, http.StatusUnprocessableEntity},
		{pricing.ErrPriceStale, http.StatusBadGateway},
		{pricing.ErrInvalidGoldPrice, http.StatusBadGateway},
		{sale.ErrOrderExpired, http.StatusBadRequest},
		{sale.ErrTokenNotAccepted, http.StatusBadRequest},
		{pricing.ErrAmountZero, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, errStatus(tc.err), "error %v", tc.err)
	}
}

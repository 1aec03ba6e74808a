package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aurumx/goldsale/internal/auth"
	"github.com/aurumx/goldsale/internal/models"
	"github.com/aurumx/goldsale/internal/pricing"
	"github.com/aurumx/goldsale/internal/sale"
	"github.com/aurumx/goldsale/internal/sigverify"
)

type contextKey string

const claimsKey contextKey = "admin_claims"

// VaultController flips the custody vault's pause switch. *db.Vault
// implements it.
type VaultController interface {
	SetPaused(ctx context.Context, paused bool) error
}

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Engine      *sale.Engine
	Vault       VaultController
	AuthService *auth.AuthService
	Logger      *zap.SugaredLogger
}

// NewHandler creates a new handler.
func NewHandler(engine *sale.Engine, vault VaultController, authService *auth.AuthService, logger *zap.Logger) *Handler {
	return &Handler{Engine: engine, Vault: vault, AuthService: authService, Logger: logger.Sugar()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
}

// errStatus maps engine error kinds onto HTTP statuses: validation 400,
// signature 401, whitelist 403, not-found 404, state conflicts 409,
// resource shortfalls 422, bad external quotes 502.
func errStatus(err error) int {
	var (
		balErr   *sale.InsufficientBalanceError
		allowErr *sale.InsufficientAllowanceError
		capErr   *sale.RoundCapacityError
	)
	switch {
	case errors.Is(err, sale.ErrRoundNotFound):
		return http.StatusNotFound
	case errors.Is(err, sigverify.ErrInvalidUserSignature),
		errors.Is(err, sigverify.ErrInvalidRelayerSignature):
		return http.StatusUnauthorized
	case errors.Is(err, sale.ErrNotWhitelisted):
		return http.StatusForbidden
	case errors.Is(err, sale.ErrRoundNotActive),
		errors.Is(err, sale.ErrRoundStageInvalid),
		errors.Is(err, sale.ErrRoundAlreadyEnded),
		errors.Is(err, sale.ErrRoundTimeInvalid),
		errors.Is(err, sale.ErrNonceMismatch),
		errors.Is(err, sale.ErrVaultPaused),
		errors.Is(err, sale.ErrReentrantCall):
		return http.StatusConflict
	case errors.As(err, &balErr), errors.As(err, &allowErr), errors.As(err, &capErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pricing.ErrPriceStale),
		errors.Is(err, pricing.ErrInvalidGoldPrice),
		errors.Is(err, pricing.ErrInvalidTokenPrice):
		return http.StatusBadGateway
	case errors.Is(err, sale.ErrInvalidTimeRange),
		errors.Is(err, sale.ErrMaxUnitsZero),
		errors.Is(err, sale.ErrZeroAddress),
		errors.Is(err, sale.ErrOrderExpired),
		errors.Is(err, sale.ErrTokenNotAccepted),
		errors.Is(err, sale.ErrAmountZero),
		errors.Is(err, pricing.ErrAmountZero),
		errors.Is(err, pricing.ErrInvalidBackingRatio):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Login handles admin login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// AdminMiddleware verifies JWTs and requires the sale_manager role.
func (h *Handler) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		claims, err := h.AuthService.VerifyToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}
		if claims.Role != models.RoleSaleManager {
			http.Error(w, `{"error": "Insufficient role"}`, http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ListRounds returns all rounds in creation order.
func (h *Handler) ListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.Engine.Rounds(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roundsResponse(rounds))
}

// GetRound returns one round by id.
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	id, err := models.KeyFromHex(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid round id"}`, http.StatusBadRequest)
		return
	}
	round, err := h.Engine.GetRound(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roundResponse(round))
}

// Quote prices a unit amount in a payment token from live feeds.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	tokenParam := r.URL.Query().Get("token")
	if !common.IsHexAddress(tokenParam) {
		http.Error(w, `{"error": "Invalid token address"}`, http.StatusBadRequest)
		return
	}
	units, ok := new(big.Int).SetString(r.URL.Query().Get("units"), 10)
	if !ok {
		http.Error(w, `{"error": "Invalid units"}`, http.StatusBadRequest)
		return
	}

	payment, goldPrice, tokenPrice, err := h.Engine.Quote(r.Context(), common.HexToAddress(tokenParam), units)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payment_amount": payment.String(),
		"gold_price":     goldPrice.String(),
		"token_price":    tokenPrice.String(),
	})
}

// GetNonce returns a buyer's next expected order nonce.
func (h *Handler) GetNonce(w http.ResponseWriter, r *http.Request) {
	buyerParam := chi.URLParam(r, "buyer")
	if !common.IsHexAddress(buyerParam) {
		http.Error(w, `{"error": "Invalid buyer address"}`, http.StatusBadRequest)
		return
	}
	nonce, err := h.Engine.Nonce(r.Context(), common.HexToAddress(buyerParam))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"nonce": nonce})
}

// GetSettlements returns a buyer's settlement receipts.
func (h *Handler) GetSettlements(w http.ResponseWriter, r *http.Request) {
	buyerParam := chi.URLParam(r, "buyer")
	if !common.IsHexAddress(buyerParam) {
		http.Error(w, `{"error": "Invalid buyer address"}`, http.StatusBadRequest)
		return
	}
	receipts, err := h.Engine.Settlements(r.Context(), common.HexToAddress(buyerParam))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(receipts))
	for i := range receipts {
		out = append(out, receiptResponse(&receipts[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type purchaseRequest struct {
	RoundID      string `json:"round_id"`
	Buyer        string `json:"buyer"`
	GptAmount    string `json:"gpt_amount"`
	Nonce        uint64 `json:"nonce"`
	Expiry       uint64 `json:"expiry"`
	PaymentToken string `json:"payment_token"`
	BuyerSig     string `json:"buyer_sig"`
	RelayerSig   string `json:"relayer_sig"`
}

func (req *purchaseRequest) toOrder() (*models.Order, error) {
	roundID, err := models.KeyFromHex(req.RoundID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(req.Buyer) {
		return nil, errors.New("invalid buyer address")
	}
	if !common.IsHexAddress(req.PaymentToken) {
		return nil, errors.New("invalid payment token address")
	}
	amount, ok := new(big.Int).SetString(req.GptAmount, 10)
	if !ok {
		return nil, errors.New("invalid gpt amount")
	}
	buyerSig, err := hexutil.Decode(req.BuyerSig)
	if err != nil {
		return nil, errors.New("invalid buyer signature encoding")
	}
	relayerSig, err := hexutil.Decode(req.RelayerSig)
	if err != nil {
		return nil, errors.New("invalid relayer signature encoding")
	}
	return &models.Order{
		RoundID:      roundID,
		Buyer:        common.HexToAddress(req.Buyer),
		GptAmount:    amount,
		Nonce:        req.Nonce,
		Expiry:       req.Expiry,
		PaymentToken: common.HexToAddress(req.PaymentToken),
		BuyerSig:     buyerSig,
		RelayerSig:   relayerSig,
	}, nil
}

// PurchasePresale settles a whitelisted order against a presale round.
func (h *Handler) PurchasePresale(w http.ResponseWriter, r *http.Request) {
	h.purchase(w, r, h.Engine.PurchasePresale)
}

// PurchasePublic settles a dual-signed order against a public sale round.
func (h *Handler) PurchasePublic(w http.ResponseWriter, r *http.Request) {
	h.purchase(w, r, h.Engine.PurchasePublic)
}

func (h *Handler) purchase(w http.ResponseWriter, r *http.Request, settle func(context.Context, *models.Order) (*models.SettlementReceipt, error)) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	order, err := req.toOrder()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	receipt, err := settle(r.Context(), order)
	if err != nil {
		h.Logger.Infow("purchase rejected",
			"round", req.RoundID,
			"buyer", req.Buyer,
			"error", err,
		)
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptResponse(receipt))
}

// CreateRound creates a new sale round.
func (h *Handler) CreateRound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxUnits  string    `json:"max_units"`
		StartTime time.Time `json:"start_time"`
		EndTime   time.Time `json:"end_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	maxUnits, ok := new(big.Int).SetString(req.MaxUnits, 10)
	if !ok {
		http.Error(w, `{"error": "Invalid max units"}`, http.StatusBadRequest)
		return
	}

	round, err := h.Engine.CreateRound(r.Context(), maxUnits, req.StartTime, req.EndTime)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, roundResponse(round))
}

// SetStage transitions a round's stage.
func (h *Handler) SetStage(w http.ResponseWriter, r *http.Request) {
	id, err := models.KeyFromHex(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid round id"}`, http.StatusBadRequest)
		return
	}
	var req struct {
		Stage string `json:"stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	stage, err := models.ParseStage(req.Stage)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	round, err := h.Engine.SetStage(r.Context(), id, stage)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roundResponse(round))
}

// PutToken configures an accepted payment token.
func (h *Handler) PutToken(w http.ResponseWriter, r *http.Request) {
	tokenParam := chi.URLParam(r, "addr")
	if !common.IsHexAddress(tokenParam) {
		http.Error(w, `{"error": "Invalid token address"}`, http.StatusBadRequest)
		return
	}
	var req struct {
		FeedID   string `json:"feed_id"`
		Decimals uint8  `json:"decimals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := h.Engine.ConfigureToken(r.Context(), common.HexToAddress(tokenParam), req.FeedID, req.Decimals); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Token configured"})
}

// DeleteToken removes an accepted payment token.
func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	tokenParam := chi.URLParam(r, "addr")
	if !common.IsHexAddress(tokenParam) {
		http.Error(w, `{"error": "Invalid token address"}`, http.StatusBadRequest)
		return
	}
	if err := h.Engine.RemoveToken(r.Context(), common.HexToAddress(tokenParam)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Token removed"})
}

// AddWhitelist admits a buyer to presale rounds.
func (h *Handler) AddWhitelist(w http.ResponseWriter, r *http.Request) {
	addrParam := chi.URLParam(r, "addr")
	if !common.IsHexAddress(addrParam) {
		http.Error(w, `{"error": "Invalid address"}`, http.StatusBadRequest)
		return
	}
	if err := h.Engine.AddWhitelist(r.Context(), common.HexToAddress(addrParam)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Address whitelisted"})
}

// RemoveWhitelist revokes presale access.
func (h *Handler) RemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	addrParam := chi.URLParam(r, "addr")
	if !common.IsHexAddress(addrParam) {
		http.Error(w, `{"error": "Invalid address"}`, http.StatusBadRequest)
		return
	}
	if err := h.Engine.RemoveWhitelist(r.Context(), common.HexToAddress(addrParam)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Address removed"})
}

// PauseVault stops further settlements by pausing the custody vault.
func (h *Handler) PauseVault(w http.ResponseWriter, r *http.Request) {
	if err := h.Vault.SetPaused(r.Context(), true); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Vault paused"})
}

// UnpauseVault resumes settlements.
func (h *Handler) UnpauseVault(w http.ResponseWriter, r *http.Request) {
	if err := h.Vault.SetPaused(r.Context(), false); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Vault unpaused"})
}

// CreateDistribution records a reward distribution announcement.
func (h *Handler) CreateDistribution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalAmount  string    `json:"total_amount"`
		SnapshotTime time.Time `json:"snapshot_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	total, ok := new(big.Int).SetString(req.TotalAmount, 10)
	if !ok {
		http.Error(w, `{"error": "Invalid total amount"}`, http.StatusBadRequest)
		return
	}

	dist, err := h.Engine.AnnounceDistribution(r.Context(), total, req.SnapshotTime)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":            dist.ID.String(),
		"total_amount":  dist.TotalAmount.String(),
		"snapshot_time": dist.SnapshotTime,
	})
}

// ListDistributions returns announcements in creation order.
func (h *Handler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	dists, err := h.Engine.Distributions(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(dists))
	for _, d := range dists {
		out = append(out, map[string]interface{}{
			"id":            d.ID.String(),
			"total_amount":  d.TotalAmount.String(),
			"snapshot_time": d.SnapshotTime,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func roundResponse(r *models.Round) map[string]interface{} {
	return map[string]interface{}{
		"id":         r.ID.String(),
		"max_units":  r.MaxUnits.String(),
		"units_sold": r.UnitsSold.String(),
		"start_time": r.StartTime,
		"end_time":   r.EndTime,
		"is_active":  r.IsActive,
		"stage":      r.Stage.String(),
		"created_at": r.CreatedAt,
	}
}

func roundsResponse(rounds []models.Round) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rounds))
	for i := range rounds {
		out = append(out, roundResponse(&rounds[i]))
	}
	return out
}

func receiptResponse(r *models.SettlementReceipt) map[string]interface{} {
	return map[string]interface{}{
		"id":             r.ID,
		"round_id":       r.RoundID.String(),
		"buyer":          r.Buyer.Hex(),
		"gpt_amount":     r.GptAmount.String(),
		"payment_token":  r.PaymentToken.Hex(),
		"payment_amount": r.PaymentAmount.String(),
		"gold_price":     r.GoldPrice.String(),
		"token_price":    r.TokenPrice.String(),
		"nonce":          r.Nonce,
		"settled_at":     r.SettledAt,
	}
}

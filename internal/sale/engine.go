// Package sale owns the round lifecycle and the purchase settlement routine.
// Rounds move PreMarketing -> {PreSale, PublicSale} -> SaleEnded; settlements
// exchange payment-token funds for newly minted units atomically, consuming
// the buyer's nonce exactly once per success.
package sale

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/aurumx/goldsale/internal/models"
	"github.com/aurumx/goldsale/internal/pricing"
	"github.com/aurumx/goldsale/internal/registry"
	"github.com/aurumx/goldsale/internal/sigverify"
)

// Config carries the deployment identity and sale parameters.
type Config struct {
	Domain sigverify.Domain
	// Relayer is the trusted co-signer required on every order.
	Relayer common.Address
	// UnitsPerAsset is how many issued units one backing asset (priced by the
	// gold feed) represents.
	UnitsPerAsset *big.Int
	// GoldFeedID names the backing-asset price feed in the resolver.
	GoldFeedID string
}

// Engine is the sale round state machine plus the settlement routine.
// All round/nonce/config mutation goes through its methods.
type Engine struct {
	cfg      Config
	store    Store
	vault    Vault
	feeds    pricing.Resolver
	verifier *sigverify.Verifier
	log      *zap.SugaredLogger

	mu     sync.Mutex // guards the registries and creation positions
	rounds *registry.Registry
	dists  *registry.Registry

	settling atomic.Bool // reentrancy guard over the settlement routine

	now func() time.Time

	// OnRoundUpdate, if set, is called after a round is created, transitioned
	// or settled against. Used for websocket progress broadcasts.
	OnRoundUpdate func(*models.Round)
}

// NewEngine wires the engine and rebuilds the registries from the store.
func NewEngine(ctx context.Context, cfg Config, store Store, vault Vault, feeds pricing.Resolver, logger *zap.Logger) (*Engine, error) {
	if cfg.UnitsPerAsset == nil || cfg.UnitsPerAsset.Sign() <= 0 {
		return nil, fmt.Errorf("units per asset must be positive")
	}
	if cfg.Relayer == (common.Address{}) {
		return nil, fmt.Errorf("relayer address required")
	}
	if _, err := feeds.Feed(cfg.GoldFeedID); err != nil {
		return nil, fmt.Errorf("gold feed: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		vault:    vault,
		feeds:    feeds,
		verifier: sigverify.New(cfg.Domain, cfg.Relayer),
		log:      logger.Sugar(),
		rounds:   registry.New(),
		dists:    registry.New(),
		now:      time.Now,
	}
	e.rounds.OnChange = func(op registry.Op, key models.Key) {
		e.log.Debugw("round registry changed", "op", op, "key", key.String())
	}

	loaded, err := store.LoadRounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rounds: %w", err)
	}
	for i := range loaded {
		if err := e.rounds.Add(loaded[i].ID); err != nil {
			return nil, fmt.Errorf("failed to rebuild round registry: %w", err)
		}
	}
	dists, err := store.LoadDistributions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load distributions: %w", err)
	}
	for i := range dists {
		if err := e.dists.Add(dists[i].ID); err != nil {
			return nil, fmt.Errorf("failed to rebuild distribution registry: %w", err)
		}
	}
	return e, nil
}

// CreateRound registers a new round in PreMarketing with zero units sold and
// appends it to the round registry. Rounds are never deleted.
func (e *Engine) CreateRound(ctx context.Context, maxUnits *big.Int, start, end time.Time) (*models.Round, error) {
	if maxUnits == nil || maxUnits.Sign() <= 0 {
		return nil, ErrMaxUnitsZero
	}
	if !start.Before(end) {
		return nil, ErrInvalidTimeRange
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	position := e.rounds.Length()
	round := &models.Round{
		ID:        roundID(maxUnits, start, end, position),
		MaxUnits:  new(big.Int).Set(maxUnits),
		UnitsSold: big.NewInt(0),
		StartTime: start,
		EndTime:   end,
		IsActive:  false,
		Stage:     models.StagePreMarketing,
		CreatedAt: e.now(),
	}
	if err := e.store.InsertRound(ctx, round, position); err != nil {
		return nil, fmt.Errorf("failed to persist round: %w", err)
	}
	if err := e.rounds.Add(round.ID); err != nil {
		return nil, fmt.Errorf("failed to register round: %w", err)
	}

	e.log.Infow("round created",
		"round", round.ID.String(),
		"max_units", round.MaxUnits.String(),
		"start", round.StartTime,
		"end", round.EndTime,
	)
	e.notify(round)
	return round, nil
}

// SetStage transitions a round. Moving into PreMarketing or SaleEnded
// deactivates an active round; moving into PreSale or PublicSale activates an
// inactive round within its time window. SaleEnded is terminal.
func (e *Engine) SetStage(ctx context.Context, id models.Key, stage models.Stage) (*models.Round, error) {
	round, err := e.store.GetRound(ctx, id)
	if err != nil {
		return nil, err
	}
	if round.Stage == models.StageSaleEnded {
		return nil, ErrRoundAlreadyEnded
	}
	if stage == round.Stage {
		return nil, ErrRoundStageInvalid
	}

	if stage.Active() {
		if round.IsActive {
			return nil, ErrRoundStageInvalid
		}
		now := e.now()
		if now.Before(round.StartTime) || now.After(round.EndTime) {
			return nil, ErrRoundTimeInvalid
		}
	} else {
		if !round.IsActive {
			return nil, ErrRoundNotActive
		}
	}

	round.Stage = stage
	round.IsActive = stage.Active()
	if err := e.store.SetRoundStage(ctx, id, round.Stage, round.IsActive); err != nil {
		return nil, fmt.Errorf("failed to persist stage: %w", err)
	}

	e.log.Infow("round stage set",
		"round", id.String(),
		"stage", stage.String(),
		"active", round.IsActive,
	)
	e.notify(round)
	return round, nil
}

// GetRound returns one round by id.
func (e *Engine) GetRound(ctx context.Context, id models.Key) (*models.Round, error) {
	return e.store.GetRound(ctx, id)
}

// Rounds returns all rounds, walking the registry chain in creation order.
func (e *Engine) Rounds(ctx context.Context) ([]models.Round, error) {
	e.mu.Lock()
	keys := e.rounds.Keys()
	e.mu.Unlock()

	rounds := make([]models.Round, 0, len(keys))
	for _, key := range keys {
		r, err := e.store.GetRound(ctx, key)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, nil
}

// ConfigureToken accepts a payment token. Feed and decimals are set together;
// an unresolvable feed rejects the whole config, so no partial state exists.
func (e *Engine) ConfigureToken(ctx context.Context, token common.Address, feedID string, decimals uint8) error {
	if token == (common.Address{}) {
		return ErrZeroAddress
	}
	if _, err := e.feeds.Feed(feedID); err != nil {
		return fmt.Errorf("token feed: %w", err)
	}
	cfg := &models.TokenConfig{Token: token, FeedID: feedID, Decimals: decimals}
	if err := e.store.UpsertTokenConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to persist token config: %w", err)
	}
	e.log.Infow("payment token configured", "token", token.Hex(), "feed", feedID, "decimals", decimals)
	return nil
}

// RemoveToken removes a payment token entirely.
func (e *Engine) RemoveToken(ctx context.Context, token common.Address) error {
	return e.store.DeleteTokenConfig(ctx, token)
}

// AddWhitelist admits a buyer to presale rounds.
func (e *Engine) AddWhitelist(ctx context.Context, addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	return e.store.AddWhitelist(ctx, addr)
}

// RemoveWhitelist revokes presale access.
func (e *Engine) RemoveWhitelist(ctx context.Context, addr common.Address) error {
	return e.store.RemoveWhitelist(ctx, addr)
}

// Nonce returns the buyer's next expected order nonce.
func (e *Engine) Nonce(ctx context.Context, buyer common.Address) (uint64, error) {
	return e.store.Nonce(ctx, buyer)
}

// Settlements returns a buyer's settlement receipts.
func (e *Engine) Settlements(ctx context.Context, buyer common.Address) ([]models.SettlementReceipt, error) {
	return e.store.ListSettlements(ctx, buyer)
}

// Quote prices unitAmount units in the given payment token from live feeds.
func (e *Engine) Quote(ctx context.Context, token common.Address, unitAmount *big.Int) (payment, goldPrice, tokenPrice *big.Int, err error) {
	cfg, err := e.store.GetTokenConfig(ctx, token)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg == nil {
		return nil, nil, nil, ErrTokenNotAccepted
	}
	goldPrice, tokenPrice, err = e.livePrices(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	payment, err = pricing.PaymentAmount(goldPrice, tokenPrice, unitAmount, cfg.Decimals, e.cfg.UnitsPerAsset)
	if err != nil {
		return nil, nil, nil, err
	}
	return payment, goldPrice, tokenPrice, nil
}

// PurchasePresale settles an order in a PreSale round. The buyer must be
// whitelisted in addition to the shared order preconditions.
func (e *Engine) PurchasePresale(ctx context.Context, order *models.Order) (*models.SettlementReceipt, error) {
	return e.settle(ctx, order, models.StagePreSale)
}

// PurchasePublic settles an order in a PublicSale round. Any buyer with a
// valid dual-signed order may settle.
func (e *Engine) PurchasePublic(ctx context.Context, order *models.Order) (*models.SettlementReceipt, error) {
	return e.settle(ctx, order, models.StagePublicSale)
}

// settle is the shared settlement routine. Preconditions are checked before
// any external call (feeds, vault); the transactional block re-validates all
// mutable state under row locks and commits funds movement, round accounting,
// issuance and the nonce bump as one unit.
func (e *Engine) settle(ctx context.Context, order *models.Order, wantStage models.Stage) (*models.SettlementReceipt, error) {
	if !e.settling.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	defer e.settling.Store(false)

	if order.Buyer == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if order.GptAmount == nil || order.GptAmount.Sign() <= 0 {
		return nil, pricing.ErrAmountZero
	}
	now := e.now()
	if uint64(now.Unix()) > order.Expiry {
		return nil, ErrOrderExpired
	}

	nonce, err := e.store.Nonce(ctx, order.Buyer)
	if err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	if order.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	round, err := e.store.GetRound(ctx, order.RoundID)
	if err != nil {
		return nil, err
	}
	if round.Stage != wantStage {
		return nil, ErrRoundStageInvalid
	}
	if wantStage == models.StagePreSale {
		ok, err := e.store.IsWhitelisted(ctx, order.Buyer)
		if err != nil {
			return nil, fmt.Errorf("failed to check whitelist: %w", err)
		}
		if !ok {
			return nil, ErrNotWhitelisted
		}
	}

	if err := e.verifier.VerifyOrder(order); err != nil {
		return nil, err
	}

	cfg, err := e.store.GetTokenConfig(ctx, order.PaymentToken)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrTokenNotAccepted
	}

	paused, err := e.vault.Paused(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault state: %w", err)
	}
	if paused {
		return nil, ErrVaultPaused
	}

	goldPrice, tokenPrice, err := e.livePrices(ctx, cfg)
	if err != nil {
		return nil, err
	}
	payment, err := pricing.PaymentAmount(goldPrice, tokenPrice, order.GptAmount, cfg.Decimals, e.cfg.UnitsPerAsset)
	if err != nil {
		return nil, err
	}

	receipt := &models.SettlementReceipt{
		RoundID:       order.RoundID,
		Buyer:         order.Buyer,
		GptAmount:     new(big.Int).Set(order.GptAmount),
		PaymentToken:  order.PaymentToken,
		PaymentAmount: payment,
		GoldPrice:     goldPrice,
		TokenPrice:    tokenPrice,
		Nonce:         order.Nonce,
		SettledAt:     now,
	}

	err = e.store.InSettlement(ctx, func(tx SettlementTx) error {
		// Everything above touched external collaborators; nothing mutable is
		// trusted from before this point. Re-validate under locks.
		locked, err := tx.LockRound(ctx, order.RoundID)
		if err != nil {
			return err
		}
		if !locked.IsActive {
			return ErrRoundNotActive
		}
		if locked.Stage != wantStage {
			return ErrRoundStageInvalid
		}
		if now.After(locked.EndTime) {
			return ErrRoundTimeInvalid
		}
		sold := new(big.Int).Add(locked.UnitsSold, order.GptAmount)
		if sold.Cmp(locked.MaxUnits) > 0 {
			return &RoundCapacityError{
				Requested: new(big.Int).Set(order.GptAmount),
				Available: locked.Remaining(),
			}
		}

		lockedNonce, err := tx.LockNonce(ctx, order.Buyer)
		if err != nil {
			return err
		}
		if lockedNonce != order.Nonce {
			return ErrNonceMismatch
		}

		balance, err := tx.Balance(ctx, order.PaymentToken, order.Buyer)
		if err != nil {
			return err
		}
		if balance.Cmp(payment) < 0 {
			return &InsufficientBalanceError{Have: balance, Need: payment}
		}
		allowance, err := tx.Allowance(ctx, order.PaymentToken, order.Buyer, e.cfg.Domain.VerifyingContract)
		if err != nil {
			return err
		}
		if allowance.Cmp(payment) < 0 {
			return &InsufficientAllowanceError{Have: allowance, Need: payment}
		}

		if err := tx.SpendAllowance(ctx, order.PaymentToken, order.Buyer, e.cfg.Domain.VerifyingContract, payment); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, order.PaymentToken, order.Buyer, e.vault.Address(), payment); err != nil {
			return err
		}
		if err := tx.AddUnitsSold(ctx, order.RoundID, order.GptAmount); err != nil {
			return err
		}
		if err := tx.Mint(ctx, order.Buyer, order.GptAmount); err != nil {
			return err
		}
		if err := tx.IncrementNonce(ctx, order.Buyer); err != nil {
			return err
		}
		return tx.InsertReceipt(ctx, receipt)
	})
	if err != nil {
		return nil, err
	}

	e.log.Infow("order settled",
		"round", order.RoundID.String(),
		"buyer", order.Buyer.Hex(),
		"units", order.GptAmount.String(),
		"payment_token", order.PaymentToken.Hex(),
		"payment_amount", payment.String(),
		"nonce", order.Nonce,
	)
	if updated, err := e.store.GetRound(ctx, order.RoundID); err == nil {
		e.notify(updated)
	}
	return receipt, nil
}

// AnnounceDistribution records a reward distribution announcement in creation
// order. Payout is handled by the external distributor.
func (e *Engine) AnnounceDistribution(ctx context.Context, total *big.Int, snapshot time.Time) (*models.Distribution, error) {
	if total == nil || total.Sign() <= 0 {
		return nil, ErrAmountZero
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	position := e.dists.Length()
	dist := &models.Distribution{
		ID:           distributionID(total, snapshot, position),
		TotalAmount:  new(big.Int).Set(total),
		SnapshotTime: snapshot,
		CreatedAt:    e.now(),
	}
	if err := e.store.InsertDistribution(ctx, dist, position); err != nil {
		return nil, fmt.Errorf("failed to persist distribution: %w", err)
	}
	if err := e.dists.Add(dist.ID); err != nil {
		return nil, fmt.Errorf("failed to register distribution: %w", err)
	}
	e.log.Infow("distribution announced", "id", dist.ID.String(), "total", total.String())
	return dist, nil
}

// Distributions returns announcements in creation order.
func (e *Engine) Distributions(ctx context.Context) ([]models.Distribution, error) {
	return e.store.LoadDistributions(ctx)
}

// livePrices reads and validates both quotes. A non-positive backing-asset
// quote surfaces as an invalid gold price rather than a token price error.
func (e *Engine) livePrices(ctx context.Context, cfg *models.TokenConfig) (goldPrice, tokenPrice *big.Int, err error) {
	goldFeed, err := e.feeds.Feed(e.cfg.GoldFeedID)
	if err != nil {
		return nil, nil, err
	}
	now := e.now()
	goldPrice, err = pricing.LatestPrice(ctx, goldFeed, now)
	if err != nil {
		if errors.Is(err, pricing.ErrInvalidTokenPrice) {
			return nil, nil, pricing.ErrInvalidGoldPrice
		}
		return nil, nil, err
	}
	tokenFeed, err := e.feeds.Feed(cfg.FeedID)
	if err != nil {
		return nil, nil, err
	}
	tokenPrice, err = pricing.LatestPrice(ctx, tokenFeed, now)
	if err != nil {
		return nil, nil, err
	}
	return goldPrice, tokenPrice, nil
}

func (e *Engine) notify(r *models.Round) {
	if e.OnRoundUpdate != nil {
		e.OnRoundUpdate(r)
	}
}

// roundID derives the opaque round key from its creation parameters and its
// position in the registry, which is monotonic because rounds are never
// removed.
func roundID(maxUnits *big.Int, start, end time.Time, position int) models.Key {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(start.Unix()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(end.Unix()))
	var pos [8]byte
	binary.BigEndian.PutUint64(pos[:], uint64(position))
	var k models.Key
	copy(k[:], crypto.Keccak256([]byte("round"), maxUnits.Bytes(), buf[:], pos[:]))
	return k
}

func distributionID(total *big.Int, snapshot time.Time, position int) models.Key {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(snapshot.Unix()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(position))
	var k models.Key
	copy(k[:], crypto.Keccak256([]byte("distribution"), total.Bytes(), buf[:]))
	return k
}

package sale

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/aurumx/goldsale/internal/models"
)

// Store is the durable state consumed by the engine: rounds, per-buyer nonces,
// accepted-token configuration, whitelist membership and distribution
// announcements. All settlement mutations go through InSettlement so they
// commit or roll back as one unit.
type Store interface {
	InsertRound(ctx context.Context, r *models.Round, position int) error
	GetRound(ctx context.Context, id models.Key) (*models.Round, error)
	// SetRoundStage writes a stage transition conditionally: once the stored
	// stage is SaleEnded the write is refused with ErrRoundAlreadyEnded, so a
	// terminal round cannot be resurrected by a transition that read a stale
	// snapshot.
	SetRoundStage(ctx context.Context, id models.Key, stage models.Stage, active bool) error
	// LoadRounds returns all rounds in creation order for registry rebuild.
	LoadRounds(ctx context.Context) ([]models.Round, error)

	GetTokenConfig(ctx context.Context, token common.Address) (*models.TokenConfig, error)
	UpsertTokenConfig(ctx context.Context, cfg *models.TokenConfig) error
	DeleteTokenConfig(ctx context.Context, token common.Address) error

	AddWhitelist(ctx context.Context, addr common.Address) error
	RemoveWhitelist(ctx context.Context, addr common.Address) error
	IsWhitelisted(ctx context.Context, addr common.Address) (bool, error)

	Nonce(ctx context.Context, buyer common.Address) (uint64, error)

	InsertDistribution(ctx context.Context, d *models.Distribution, position int) error
	LoadDistributions(ctx context.Context) ([]models.Distribution, error)

	ListSettlements(ctx context.Context, buyer common.Address) ([]models.SettlementReceipt, error)

	// InSettlement runs fn inside one transaction; any error rolls back every
	// mutation made through the SettlementTx.
	InSettlement(ctx context.Context, fn func(tx SettlementTx) error) error
}

// SettlementTx is the transactional view used by the settlement routine.
// Lock methods take row locks so re-validated state cannot move under the
// settlement before it commits.
type SettlementTx interface {
	LockRound(ctx context.Context, id models.Key) (*models.Round, error)
	LockNonce(ctx context.Context, buyer common.Address) (uint64, error)
	Balance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	SpendAllowance(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	AddUnitsSold(ctx context.Context, id models.Key, units *big.Int) error
	Mint(ctx context.Context, to common.Address, units *big.Int) error
	IncrementNonce(ctx context.Context, buyer common.Address) error
	InsertReceipt(ctx context.Context, r *models.SettlementReceipt) error
}

// Vault is the custody collaborator: the engine only reads its pause state
// and receiving address, never its internals.
type Vault interface {
	Paused(ctx context.Context) (bool, error)
	Address() common.Address
}

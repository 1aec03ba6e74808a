// Package db persists engine state in PostgreSQL: rounds and their registry
// positions, accepted-token configuration, whitelist membership, per-buyer
// nonces, payment and issued-unit balances, and settlement receipts.
package db

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aurumx/goldsale/internal/models"
	"github.com/aurumx/goldsale/internal/sale"
)

// DB wraps a PostgreSQL connection pool and implements sale.Store.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// CreateAdmin inserts a new back-office user.
func (db *DB) CreateAdmin(ctx context.Context, username, passwordHash, role string) (*models.Admin, error) {
	admin := &models.Admin{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO admins (username, password_hash, role) VALUES ($1, $2, $3) RETURNING id, username, password_hash, role, created_at",
		username, passwordHash, role).Scan(&admin.ID, &admin.Username, &admin.PasswordHash, &admin.Role, &admin.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin: %w", err)
	}
	return admin, nil
}

// GetAdminByUsername retrieves an admin by username.
func (db *DB) GetAdminByUsername(ctx context.Context, username string) (*models.Admin, error) {
	admin := &models.Admin{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, role, created_at FROM admins WHERE username = $1",
		username).Scan(&admin.ID, &admin.Username, &admin.PasswordHash, &admin.Role, &admin.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get admin: %w", err)
	}
	return admin, nil
}

const roundColumns = "id, max_units::text, units_sold::text, start_time, end_time, is_active, stage, created_at"

func scanRound(row pgx.Row) (*models.Round, error) {
	var (
		r          models.Round
		id         []byte
		maxUnits   string
		unitsSold  string
		stageValue int16
	)
	err := row.Scan(&id, &maxUnits, &unitsSold, &r.StartTime, &r.EndTime, &r.IsActive, &stageValue, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if r.ID, err = models.KeyFromBytes(id); err != nil {
		return nil, err
	}
	if r.MaxUnits, err = parseNumeric(maxUnits); err != nil {
		return nil, err
	}
	if r.UnitsSold, err = parseNumeric(unitsSold); err != nil {
		return nil, err
	}
	r.Stage = models.Stage(stageValue)
	return &r, nil
}

// InsertRound persists a new round at the given registry position.
func (db *DB) InsertRound(ctx context.Context, r *models.Round, position int) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO rounds (id, position, max_units, units_sold, start_time, end_time, is_active, stage, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		r.ID.Bytes(), position, r.MaxUnits.String(), r.UnitsSold.String(),
		r.StartTime, r.EndTime, r.IsActive, int16(r.Stage), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert round: %w", err)
	}
	return nil
}

// GetRound retrieves one round by id.
func (db *DB) GetRound(ctx context.Context, id models.Key) (*models.Round, error) {
	r, err := scanRound(db.Pool.QueryRow(ctx,
		"SELECT "+roundColumns+" FROM rounds WHERE id = $1", id.Bytes()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sale.ErrRoundNotFound
		}
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return r, nil
}

// SetRoundStage persists a stage transition. The update is conditional on the
// stored stage so a round that reached SaleEnded between the caller's read and
// this write stays terminal.
func (db *DB) SetRoundStage(ctx context.Context, id models.Key, stage models.Stage, active bool) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE rounds SET stage = $1, is_active = $2 WHERE id = $3 AND stage <> $4",
		int16(stage), active, id.Bytes(), int16(models.StageSaleEnded))
	if err != nil {
		return fmt.Errorf("failed to set round stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM rounds WHERE id = $1)", id.Bytes()).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check round: %w", err)
		}
		if !exists {
			return sale.ErrRoundNotFound
		}
		return sale.ErrRoundAlreadyEnded
	}
	return nil
}

// LoadRounds returns all rounds in creation (position) order.
func (db *DB) LoadRounds(ctx context.Context) ([]models.Round, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+roundColumns+" FROM rounds ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to load rounds: %w", err)
	}
	defer rows.Close()

	var rounds []models.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		rounds = append(rounds, *r)
	}
	return rounds, rows.Err()
}

// GetTokenConfig retrieves an accepted-token config, or nil when the token is
// not accepted.
func (db *DB) GetTokenConfig(ctx context.Context, token common.Address) (*models.TokenConfig, error) {
	cfg := &models.TokenConfig{Token: token}
	var decimals int16
	err := db.Pool.QueryRow(ctx,
		"SELECT feed_id, decimals FROM token_configs WHERE token = $1",
		token.Bytes()).Scan(&cfg.FeedID, &decimals)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token config: %w", err)
	}
	cfg.Decimals = uint8(decimals)
	return cfg, nil
}

// UpsertTokenConfig writes a complete token config in one statement, so a
// token is never half-configured.
func (db *DB) UpsertTokenConfig(ctx context.Context, cfg *models.TokenConfig) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO token_configs (token, feed_id, decimals) VALUES ($1, $2, $3) ON CONFLICT (token) DO UPDATE SET feed_id = EXCLUDED.feed_id, decimals = EXCLUDED.decimals",
		cfg.Token.Bytes(), cfg.FeedID, int16(cfg.Decimals))
	if err != nil {
		return fmt.Errorf("failed to upsert token config: %w", err)
	}
	return nil
}

// DeleteTokenConfig removes a token entirely.
func (db *DB) DeleteTokenConfig(ctx context.Context, token common.Address) error {
	_, err := db.Pool.Exec(ctx, "DELETE FROM token_configs WHERE token = $1", token.Bytes())
	if err != nil {
		return fmt.Errorf("failed to delete token config: %w", err)
	}
	return nil
}

// AddWhitelist admits an address to presale purchases.
func (db *DB) AddWhitelist(ctx context.Context, addr common.Address) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO whitelist (address) VALUES ($1) ON CONFLICT DO NOTHING", addr.Bytes())
	if err != nil {
		return fmt.Errorf("failed to add to whitelist: %w", err)
	}
	return nil
}

// RemoveWhitelist revokes presale access.
func (db *DB) RemoveWhitelist(ctx context.Context, addr common.Address) error {
	_, err := db.Pool.Exec(ctx, "DELETE FROM whitelist WHERE address = $1", addr.Bytes())
	if err != nil {
		return fmt.Errorf("failed to remove from whitelist: %w", err)
	}
	return nil
}

// IsWhitelisted reports presale eligibility.
func (db *DB) IsWhitelisted(ctx context.Context, addr common.Address) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM whitelist WHERE address = $1)", addr.Bytes()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check whitelist: %w", err)
	}
	return exists, nil
}

// Nonce returns the buyer's next expected order nonce; absent buyers start at 0.
func (db *DB) Nonce(ctx context.Context, buyer common.Address) (uint64, error) {
	var nonce int64
	err := db.Pool.QueryRow(ctx,
		"SELECT COALESCE((SELECT nonce FROM nonces WHERE buyer = $1), 0)", buyer.Bytes()).Scan(&nonce)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return uint64(nonce), nil
}

// InsertDistribution persists a distribution announcement at the given
// registry position.
func (db *DB) InsertDistribution(ctx context.Context, d *models.Distribution, position int) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO distributions (id, position, total_amount, snapshot_time, created_at) VALUES ($1, $2, $3, $4, $5)",
		d.ID.Bytes(), position, d.TotalAmount.String(), d.SnapshotTime, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert distribution: %w", err)
	}
	return nil
}

// LoadDistributions returns announcements in creation order.
func (db *DB) LoadDistributions(ctx context.Context) ([]models.Distribution, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, total_amount::text, snapshot_time, created_at FROM distributions ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to load distributions: %w", err)
	}
	defer rows.Close()

	var dists []models.Distribution
	for rows.Next() {
		var (
			d     models.Distribution
			id    []byte
			total string
		)
		if err := rows.Scan(&id, &total, &d.SnapshotTime, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan distribution: %w", err)
		}
		if d.ID, err = models.KeyFromBytes(id); err != nil {
			return nil, err
		}
		if d.TotalAmount, err = parseNumeric(total); err != nil {
			return nil, err
		}
		dists = append(dists, d)
	}
	return dists, rows.Err()
}

// ListSettlements returns a buyer's settlement receipts, oldest first.
func (db *DB) ListSettlements(ctx context.Context, buyer common.Address) ([]models.SettlementReceipt, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, round_id, buyer, gpt_amount::text, payment_token, payment_amount::text,
		       gold_price::text, token_price::text, nonce, settled_at
		FROM settlements WHERE buyer = $1 ORDER BY id ASC`, buyer.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	defer rows.Close()

	var receipts []models.SettlementReceipt
	for rows.Next() {
		var (
			r                          models.SettlementReceipt
			roundID, buyerB, token     []byte
			gpt, pay, gold, tokenPrice string
			nonce                      int64
		)
		if err := rows.Scan(&r.ID, &roundID, &buyerB, &gpt, &token, &pay, &gold, &tokenPrice, &nonce, &r.SettledAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		if r.RoundID, err = models.KeyFromBytes(roundID); err != nil {
			return nil, err
		}
		r.Buyer = common.BytesToAddress(buyerB)
		r.PaymentToken = common.BytesToAddress(token)
		if r.GptAmount, err = parseNumeric(gpt); err != nil {
			return nil, err
		}
		if r.PaymentAmount, err = parseNumeric(pay); err != nil {
			return nil, err
		}
		if r.GoldPrice, err = parseNumeric(gold); err != nil {
			return nil, err
		}
		if r.TokenPrice, err = parseNumeric(tokenPrice); err != nil {
			return nil, err
		}
		r.Nonce = uint64(nonce)
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// Credit adds to a payment-token balance. Used by the seeder and deposit flows.
func (db *DB) Credit(ctx context.Context, token, owner common.Address, amount *big.Int) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO balances (token, owner, amount) VALUES ($1, $2, $3) ON CONFLICT (token, owner) DO UPDATE SET amount = balances.amount + EXCLUDED.amount",
		token.Bytes(), owner.Bytes(), amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

// SetAllowance sets the engine's spending allowance over an owner's funds.
func (db *DB) SetAllowance(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO allowances (token, owner, spender, amount) VALUES ($1, $2, $3, $4) ON CONFLICT (token, owner, spender) DO UPDATE SET amount = EXCLUDED.amount",
		token.Bytes(), owner.Bytes(), spender.Bytes(), amount.String())
	if err != nil {
		return fmt.Errorf("failed to set allowance: %w", err)
	}
	return nil
}

// UnitBalance returns the issued-unit balance of an owner.
func (db *DB) UnitBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	var amount string
	err := db.Pool.QueryRow(ctx,
		"SELECT COALESCE((SELECT amount::text FROM unit_balances WHERE owner = $1), '0')",
		owner.Bytes()).Scan(&amount)
	if err != nil {
		return nil, fmt.Errorf("failed to get unit balance: %w", err)
	}
	return parseNumeric(amount)
}

func parseNumeric(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric %q", s)
	}
	return n, nil
}

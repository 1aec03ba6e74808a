package db

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/aurumx/goldsale/internal/models"
	"github.com/aurumx/goldsale/internal/sale"
)

// InSettlement runs fn inside one transaction. Any error rolls back every
// mutation made through the SettlementTx, so a settlement either fully
// commits or leaves no trace.
func (db *DB) InSettlement(ctx context.Context, fn func(tx sale.SettlementTx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&settlementTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

type settlementTx struct {
	tx pgx.Tx
}

// LockRound reads the round under FOR UPDATE so its accounting cannot move
// before the settlement commits.
func (s *settlementTx) LockRound(ctx context.Context, id models.Key) (*models.Round, error) {
	r, err := scanRound(s.tx.QueryRow(ctx,
		"SELECT "+roundColumns+" FROM rounds WHERE id = $1 FOR UPDATE", id.Bytes()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sale.ErrRoundNotFound
		}
		return nil, fmt.Errorf("failed to lock round: %w", err)
	}
	return r, nil
}

// LockNonce materializes and locks the buyer's nonce row.
func (s *settlementTx) LockNonce(ctx context.Context, buyer common.Address) (uint64, error) {
	_, err := s.tx.Exec(ctx,
		"INSERT INTO nonces (buyer, nonce) VALUES ($1, 0) ON CONFLICT DO NOTHING", buyer.Bytes())
	if err != nil {
		return 0, fmt.Errorf("failed to init nonce: %w", err)
	}
	var nonce int64
	err = s.tx.QueryRow(ctx,
		"SELECT nonce FROM nonces WHERE buyer = $1 FOR UPDATE", buyer.Bytes()).Scan(&nonce)
	if err != nil {
		return 0, fmt.Errorf("failed to lock nonce: %w", err)
	}
	return uint64(nonce), nil
}

// Balance locks and returns the owner's payment-token balance.
func (s *settlementTx) Balance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var amount string
	err := s.tx.QueryRow(ctx,
		"SELECT amount::text FROM balances WHERE token = $1 AND owner = $2 FOR UPDATE",
		token.Bytes(), owner.Bytes()).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return big.NewInt(0), nil
		}
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	return parseNumeric(amount)
}

// Allowance locks and returns the spender's allowance over the owner's funds.
func (s *settlementTx) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	var amount string
	err := s.tx.QueryRow(ctx,
		"SELECT amount::text FROM allowances WHERE token = $1 AND owner = $2 AND spender = $3 FOR UPDATE",
		token.Bytes(), owner.Bytes(), spender.Bytes()).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return big.NewInt(0), nil
		}
		return nil, fmt.Errorf("failed to lock allowance: %w", err)
	}
	return parseNumeric(amount)
}

// SpendAllowance decrements the allowance, refusing to go below zero.
func (s *settlementTx) SpendAllowance(ctx context.Context, token, owner, spender common.Address, amount *big.Int) error {
	tag, err := s.tx.Exec(ctx,
		"UPDATE allowances SET amount = amount - $4 WHERE token = $1 AND owner = $2 AND spender = $3 AND amount >= $4",
		token.Bytes(), owner.Bytes(), spender.Bytes(), amount.String())
	if err != nil {
		return fmt.Errorf("failed to spend allowance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("allowance underflow")
	}
	return nil
}

// Transfer moves payment-token funds between accounts.
func (s *settlementTx) Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	tag, err := s.tx.Exec(ctx,
		"UPDATE balances SET amount = amount - $3 WHERE token = $1 AND owner = $2 AND amount >= $3",
		token.Bytes(), from.Bytes(), amount.String())
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", from.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance underflow for %s", from.Hex())
	}
	_, err = s.tx.Exec(ctx,
		"INSERT INTO balances (token, owner, amount) VALUES ($1, $2, $3) ON CONFLICT (token, owner) DO UPDATE SET amount = balances.amount + EXCLUDED.amount",
		token.Bytes(), to.Bytes(), amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", to.Hex(), err)
	}
	return nil
}

// AddUnitsSold bumps the round's accounting. The schema's units_sold check
// backstops the capacity validation done under the round lock.
func (s *settlementTx) AddUnitsSold(ctx context.Context, id models.Key, units *big.Int) error {
	tag, err := s.tx.Exec(ctx,
		"UPDATE rounds SET units_sold = units_sold + $2 WHERE id = $1",
		id.Bytes(), units.String())
	if err != nil {
		return fmt.Errorf("failed to add units sold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sale.ErrRoundNotFound
	}
	return nil
}

// Mint credits newly issued units to the buyer. Only the settlement routine
// reaches this statement; there is no other write path to unit_balances.
func (s *settlementTx) Mint(ctx context.Context, to common.Address, units *big.Int) error {
	_, err := s.tx.Exec(ctx,
		"INSERT INTO unit_balances (owner, amount) VALUES ($1, $2) ON CONFLICT (owner) DO UPDATE SET amount = unit_balances.amount + EXCLUDED.amount",
		to.Bytes(), units.String())
	if err != nil {
		return fmt.Errorf("failed to mint units: %w", err)
	}
	return nil
}

// IncrementNonce advances the buyer's nonce by exactly one.
func (s *settlementTx) IncrementNonce(ctx context.Context, buyer common.Address) error {
	tag, err := s.tx.Exec(ctx,
		"UPDATE nonces SET nonce = nonce + 1 WHERE buyer = $1", buyer.Bytes())
	if err != nil {
		return fmt.Errorf("failed to increment nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("nonce row missing for %s", buyer.Hex())
	}
	return nil
}

// InsertReceipt records the settlement.
func (s *settlementTx) InsertReceipt(ctx context.Context, r *models.SettlementReceipt) error {
	err := s.tx.QueryRow(ctx, `
		INSERT INTO settlements (round_id, buyer, gpt_amount, payment_token, payment_amount, gold_price, token_price, nonce, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		r.RoundID.Bytes(), r.Buyer.Bytes(), r.GptAmount.String(), r.PaymentToken.Bytes(),
		r.PaymentAmount.String(), r.GoldPrice.String(), r.TokenPrice.String(),
		int64(r.Nonce), r.SettledAt).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

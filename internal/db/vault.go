package db

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Vault is the custody collaborator backed by the vault_state table: a pause
// flag plus a stable receiving address. The engine only reads it; pausing is
// an admin-gated write.
type Vault struct {
	db   *DB
	addr common.Address
}

// NewVault binds the custody receiving address to the pause flag store.
func NewVault(db *DB, addr common.Address) *Vault {
	return &Vault{db: db, addr: addr}
}

// Paused reports whether the vault refuses deposits.
func (v *Vault) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := v.db.Pool.QueryRow(ctx, "SELECT paused FROM vault_state WHERE singleton").Scan(&paused)
	if err != nil {
		return false, fmt.Errorf("failed to read vault state: %w", err)
	}
	return paused, nil
}

// Address returns the custody receiving address.
func (v *Vault) Address() common.Address { return v.addr }

// SetPaused flips the pause flag.
func (v *Vault) SetPaused(ctx context.Context, paused bool) error {
	_, err := v.db.Pool.Exec(ctx, "UPDATE vault_state SET paused = $1 WHERE singleton", paused)
	if err != nil {
		return fmt.Errorf("failed to set vault state: %w", err)
	}
	return nil
}

package models

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Key is an opaque 32-byte identifier for rounds and distributions.
// The zero key is a reserved sentinel and never identifies a real entry.
type Key [32]byte

// ZeroKey is the reserved sentinel key.
var ZeroKey Key

// KeyFromBytes copies b into a Key. b must be exactly 32 bytes.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != 32 {
		return k, fmt.Errorf("key must be 32 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// KeyFromHex parses a hex string (with or without 0x prefix) into a Key.
func KeyFromHex(s string) (Key, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroKey, fmt.Errorf("invalid key hex: %w", err)
	}
	return KeyFromBytes(b)
}

// IsZero reports whether k is the sentinel key.
func (k Key) IsZero() bool { return k == ZeroKey }

// Bytes returns the key as a byte slice.
func (k Key) Bytes() []byte { return k[:] }

// String renders the key as 0x-prefixed hex.
func (k Key) String() string { return "0x" + hex.EncodeToString(k[:]) }

// MarshalText renders the key as 0x-prefixed hex for JSON.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses the hex form produced by MarshalText.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := KeyFromHex(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Stage is the lifecycle stage of a sale round.
type Stage uint8

const (
	StagePreMarketing Stage = iota
	StagePreSale
	StagePublicSale
	StageSaleEnded
)

// Active reports whether the stage is a selling stage.
func (s Stage) Active() bool {
	return s == StagePreSale || s == StagePublicSale
}

func (s Stage) String() string {
	switch s {
	case StagePreMarketing:
		return "pre_marketing"
	case StagePreSale:
		return "presale"
	case StagePublicSale:
		return "public_sale"
	case StageSaleEnded:
		return "sale_ended"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// ParseStage parses the wire form produced by Stage.String.
func ParseStage(s string) (Stage, error) {
	switch s {
	case "pre_marketing":
		return StagePreMarketing, nil
	case "presale":
		return StagePreSale, nil
	case "public_sale":
		return StagePublicSale, nil
	case "sale_ended":
		return StageSaleEnded, nil
	default:
		return 0, fmt.Errorf("unknown stage %q", s)
	}
}

// Round is a time-boxed allocation of sellable units. Rounds are append-only:
// they are created, transitioned through stages, and never deleted.
type Round struct {
	ID        Key       `json:"id"`
	MaxUnits  *big.Int  `json:"max_units"`
	UnitsSold *big.Int  `json:"units_sold"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	IsActive  bool      `json:"is_active"`
	Stage     Stage     `json:"stage"`
	CreatedAt time.Time `json:"created_at"`
}

// Remaining returns maxUnits - unitsSold.
func (r *Round) Remaining() *big.Int {
	return new(big.Int).Sub(r.MaxUnits, r.UnitsSold)
}

// Order is a buyer's signed intent to purchase units in a round. Orders are
// transient inputs; only the buyer's nonce consumption is durable.
type Order struct {
	RoundID      Key            `json:"round_id"`
	Buyer        common.Address `json:"buyer"`
	GptAmount    *big.Int       `json:"gpt_amount"`
	Nonce        uint64         `json:"nonce"`
	Expiry       uint64         `json:"expiry"` // unix seconds
	PaymentToken common.Address `json:"payment_token"`
	BuyerSig     []byte         `json:"buyer_sig"`
	RelayerSig   []byte         `json:"relayer_sig"`
}

// TokenConfig describes an accepted payment token. A token is either fully
// configured (feed + decimals) or absent; there is no partial state.
type TokenConfig struct {
	Token    common.Address `json:"token"`
	FeedID   string         `json:"feed_id"`
	Decimals uint8          `json:"decimals"`
}

// Admin is a back-office user allowed to perform gated writes.
type Admin struct {
	ID           int
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// RoleSaleManager is the role required for round, token, whitelist and
// vault administration.
const RoleSaleManager = "sale_manager"

// SettlementReceipt records one successful purchase settlement.
type SettlementReceipt struct {
	ID            int            `json:"id"`
	RoundID       Key            `json:"round_id"`
	Buyer         common.Address `json:"buyer"`
	GptAmount     *big.Int       `json:"gpt_amount"`
	PaymentToken  common.Address `json:"payment_token"`
	PaymentAmount *big.Int       `json:"payment_amount"`
	GoldPrice     *big.Int       `json:"gold_price"`
	TokenPrice    *big.Int       `json:"token_price"`
	Nonce         uint64         `json:"nonce"`
	SettledAt     time.Time      `json:"settled_at"`
}

// Distribution is an announced reward distribution. The payout itself is
// handled by the external distributor; the engine only records announcements
// in creation order.
type Distribution struct {
	ID           Key       `json:"id"`
	TotalAmount  *big.Int  `json:"total_amount"`
	SnapshotTime time.Time `json:"snapshot_time"`
	CreatedAt    time.Time `json:"created_at"`
}

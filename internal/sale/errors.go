package sale

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrRoundNotFound is returned when no round exists for the given id.
	ErrRoundNotFound = errors.New("sale: round not found")
	// ErrRoundNotActive is returned when an operation requires an active round.
	ErrRoundNotActive = errors.New("sale: round not active")
	// ErrRoundStageInvalid is returned for an illegal stage transition or a
	// purchase against the wrong stage.
	ErrRoundStageInvalid = errors.New("sale: round stage invalid")
	// ErrRoundAlreadyEnded is returned for any stage change after SaleEnded.
	ErrRoundAlreadyEnded = errors.New("sale: round already ended")
	// ErrRoundTimeInvalid is returned when the current time is outside the
	// round's sale window.
	ErrRoundTimeInvalid = errors.New("sale: outside round time window")
	// ErrInvalidTimeRange is returned when startTime >= endTime at creation.
	ErrInvalidTimeRange = errors.New("sale: start time must precede end time")
	// ErrMaxUnitsZero is returned when a round is created with no capacity.
	ErrMaxUnitsZero = errors.New("sale: max units must be positive")
	// ErrZeroAddress is returned when a required address is the zero address.
	ErrZeroAddress = errors.New("sale: zero address")
	// ErrNonceMismatch is returned when the order nonce does not equal the
	// buyer's current expected nonce.
	ErrNonceMismatch = errors.New("sale: nonce mismatch")
	// ErrOrderExpired is returned when the order expiry has passed.
	ErrOrderExpired = errors.New("sale: order expired")
	// ErrTokenNotAccepted is returned when the payment token is not configured.
	ErrTokenNotAccepted = errors.New("sale: payment token not accepted")
	// ErrVaultPaused is returned when the custody vault refuses deposits.
	ErrVaultPaused = errors.New("sale: custody vault paused")
	// ErrNotWhitelisted is returned on the presale path for buyers outside
	// the whitelist.
	ErrNotWhitelisted = errors.New("sale: buyer not whitelisted")
	// ErrReentrantCall is returned when a settlement attempt overlaps another.
	ErrReentrantCall = errors.New("sale: reentrant settlement call")
	// ErrAmountZero is returned when an announced distribution has no amount.
	ErrAmountZero = errors.New("sale: amount cannot be zero")
)

// InsufficientBalanceError reports a buyer balance below the required payment.
type InsufficientBalanceError struct {
	Have *big.Int
	Need *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("sale: insufficient balance: have %s, need %s", e.Have, e.Need)
}

// InsufficientAllowanceError reports an engine spending allowance below the
// required payment.
type InsufficientAllowanceError struct {
	Have *big.Int
	Need *big.Int
}

func (e *InsufficientAllowanceError) Error() string {
	return fmt.Sprintf("sale: insufficient allowance: have %s, need %s", e.Have, e.Need)
}

// RoundCapacityError reports a purchase that would exceed the round cap.
type RoundCapacityError struct {
	Requested *big.Int
	Available *big.Int
}

func (e *RoundCapacityError) Error() string {
	return fmt.Sprintf("sale: round capacity exceeded: requested %s, available %s", e.Requested, e.Available)
}

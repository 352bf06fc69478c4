/**
 * @description
 * This file defines the repository interfaces for the remittance service's
 * persistence layer, plus the sentinel errors shared by all implementations.
 * The application layer depends on these interfaces; the PostgreSQL
 * implementation lives in postgres_repository.go and tests use in-memory
 * fakes.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hoepeyemi/gwen-sub000/internal/domain"
)

var (
	ErrTransferNotFound         = errors.New("transfer not found")
	ErrAuthSessionNotFound      = errors.New("auth session not found")
	ErrCustomerRecordNotFound   = errors.New("customer record not found")
	ErrOperationNotFound        = errors.New("exchange operation not found")
	ErrRoleAlreadyAuthenticated = errors.New("transfer role already authenticated")
	ErrOperationExists          = errors.New("exchange operation already exists")
	ErrLegStateConflict         = errors.New("transfer leg state changed concurrently")
)

// TransferRepository manages the Transfer aggregate and its per-role state.
type TransferRepository interface {
	CreateTransfer(ctx context.Context, req domain.CreateTransferRequest) (*domain.Transfer, error)
	FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)

	// LinkAuthSession conditionally binds sessionID to the role's slot. The
	// update succeeds when the slot is unset, already holds sessionID, or
	// holds an abandoned session that never obtained a token. A tokened prior
	// session causes ErrRoleAlreadyAuthenticated.
	LinkAuthSession(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, sessionID uuid.UUID) error

	// SetLegState moves one leg to state. When allowedFrom is non-empty the
	// write only lands while the current state is one of allowedFrom; any
	// other current state returns ErrLegStateConflict and leaves the row
	// untouched, so a lagging writer cannot roll a leg backwards.
	SetLegState(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, state domain.LegState, allowedFrom ...domain.LegState) error
	FailLeg(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, reason string) error

	// FailStaleChallengeLegs marks legs stuck in challenge_requested since
	// before cutoff as failed. Returns the number of legs failed.
	FailStaleChallengeLegs(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuthSessionRepository manages authentication attempt records. A session's
// token is append-only: set once after a successful exchange, never cleared.
type AuthSessionRepository interface {
	CreateAuthSession(ctx context.Context, userID, publicKey, homeDomain string) (*domain.AuthSession, error)
	FindAuthSessionByID(ctx context.Context, id uuid.UUID) (*domain.AuthSession, error)
	SetAuthSessionToken(ctx context.Context, id uuid.UUID, token string) error
	DeleteStaleAuthSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// CustomerRecordRepository manages local KYC records. At most one record
// exists per (user, auth session); callers look up before creating.
type CustomerRecordRepository interface {
	FindCustomerRecord(ctx context.Context, userID string, sessionID uuid.UUID) (*domain.CustomerRecord, error)
	CreateCustomerRecord(ctx context.Context, record *domain.CustomerRecord) error
	UpdateCustomerRecordStatus(ctx context.Context, id uuid.UUID, status string) error
}

// ExchangeOperationRepository persists SEP-6 initiation results with an
// at-most-once guarantee per (transfer, direction).
type ExchangeOperationRepository interface {
	// CreateExchangeOperation inserts op unless an operation already exists
	// for the same (transfer, direction), in which case it returns
	// ErrOperationExists without modifying anything.
	CreateExchangeOperation(ctx context.Context, op *domain.ExchangeOperation) error
	FindExchangeOperation(ctx context.Context, transferID uuid.UUID, direction domain.ExchangeDirection) (*domain.ExchangeOperation, error)
}

// Repository aggregates all persistence concerns of the service.
type Repository interface {
	TransferRepository
	AuthSessionRepository
	CustomerRecordRepository
	ExchangeOperationRepository
}

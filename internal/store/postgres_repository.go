/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL queries for transfers, auth sessions,
 * customer records and exchange operations.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 *
 * @notes
 * - Auth-session linking uses a conditional UPDATE so two concurrent
 *   authentication attempts for the same role cannot overwrite each other's
 *   session id (lost-update guard).
 * - Exchange operation inserts use ON CONFLICT DO NOTHING plus a rows-affected
 *   check to enforce at-most-once per (transfer, direction).
 */
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hoepeyemi/gwen-sub000/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateTransfer inserts a new transfer intent with both legs unauthenticated.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, req domain.CreateTransferRequest) (*domain.Transfer, error) {
	transfer := &domain.Transfer{
		ID:             uuid.New(),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         "pending",
		SenderState:    domain.LegUnauthenticated,
		ReceiverState:  domain.LegUnauthenticated,
		RecipientName:  req.RecipientName,
		RecipientPhone: req.RecipientPhone,
	}

	query := `
		INSERT INTO transfers (id, amount, currency, status, sender_state, receiver_state, recipient_name, recipient_phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		transfer.ID, transfer.Amount, transfer.Currency, transfer.Status,
		transfer.SenderState, transfer.ReceiverState, transfer.RecipientName, transfer.RecipientPhone,
	).Scan(&transfer.CreatedAt, &transfer.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transfer: %w", err)
	}
	return transfer, nil
}

// FindTransferByID retrieves a transfer and both leg states.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	var transfer domain.Transfer
	query := `
		SELECT id, amount, currency, status, sender_state, receiver_state,
		       sender_auth_session_id, receiver_auth_session_id,
		       recipient_name, recipient_phone, created_at, updated_at
		FROM transfers
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&transfer.ID, &transfer.Amount, &transfer.Currency, &transfer.Status,
		&transfer.SenderState, &transfer.ReceiverState,
		&transfer.SenderAuthSessionID, &transfer.ReceiverAuthSessionID,
		&transfer.RecipientName, &transfer.RecipientPhone,
		&transfer.CreatedAt, &transfer.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &transfer, nil
}

func slotColumn(role domain.TransferRole) string {
	if role == domain.RoleSender {
		return "sender_auth_session_id"
	}
	return "receiver_auth_session_id"
}

func stateColumn(role domain.TransferRole) string {
	if role == domain.RoleSender {
		return "sender_state"
	}
	return "receiver_state"
}

func reasonColumn(role domain.TransferRole) string {
	if role == domain.RoleSender {
		return "sender_failure_reason"
	}
	return "receiver_failure_reason"
}

// LinkAuthSession binds sessionID to the role's slot with a compare-and-set:
// the write only happens if the slot is NULL, already holds sessionID, or
// holds a session that never obtained a token (abandoned attempt).
func (r *PostgresRepository) LinkAuthSession(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, sessionID uuid.UUID) error {
	slot := slotColumn(role)
	query := fmt.Sprintf(`
		UPDATE transfers t
		SET %s = $2, updated_at = NOW()
		WHERE t.id = $1
		  AND (
			t.%s IS NULL
			OR t.%s = $2
			OR NOT EXISTS (
				SELECT 1 FROM auth_sessions s
				WHERE s.id = t.%s AND s.token IS NOT NULL
			)
		  )
	`, slot, slot, slot, slot)

	tag, err := r.db.Exec(ctx, query, transferID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to link auth session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// The conditional update matched nothing: either the transfer is missing
	// or the slot holds a different tokened session.
	if _, err := r.FindTransferByID(ctx, transferID); err != nil {
		return err
	}
	return ErrRoleAlreadyAuthenticated
}

// SetLegState writes the leg state, optionally guarded by an allowed-from
// list so concurrent writers cannot move a leg backwards.
func (r *PostgresRepository) SetLegState(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, state domain.LegState, allowedFrom ...domain.LegState) error {
	query := fmt.Sprintf(`UPDATE transfers SET %s = $2, updated_at = NOW() WHERE id = $1`, stateColumn(role))
	args := []interface{}{transferID, state}
	if len(allowedFrom) > 0 {
		from := make([]string, len(allowedFrom))
		for i, s := range allowedFrom {
			from[i] = string(s)
		}
		query += fmt.Sprintf(` AND %s = ANY($3)`, stateColumn(role))
		args = append(args, from)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to set leg state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, findErr := r.FindTransferByID(ctx, transferID); findErr != nil {
			return findErr
		}
		return ErrLegStateConflict
	}
	return nil
}

// FailLeg marks one leg failed and records the reason verbatim.
func (r *PostgresRepository) FailLeg(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, reason string) error {
	query := fmt.Sprintf(`
		UPDATE transfers SET %s = $2, %s = $3, updated_at = NOW() WHERE id = $1
	`, stateColumn(role), reasonColumn(role))
	tag, err := r.db.Exec(ctx, query, transferID, domain.LegFailed, reason)
	if err != nil {
		return fmt.Errorf("failed to fail transfer leg: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// FailStaleChallengeLegs fails legs that requested a challenge before cutoff
// and never progressed. The transfer-level updated_at is the staleness signal.
func (r *PostgresRepository) FailStaleChallengeLegs(ctx context.Context, cutoff time.Time) (int64, error) {
	var failed int64
	for _, role := range []domain.TransferRole{domain.RoleSender, domain.RoleReceiver} {
		// updated_at is deliberately left alone so a stale other-role leg on
		// the same row still matches its own pass.
		query := fmt.Sprintf(`
			UPDATE transfers
			SET %s = $1, %s = 'authentication attempt timed out'
			WHERE %s = $2 AND updated_at < $3
		`, stateColumn(role), reasonColumn(role), stateColumn(role))
		tag, err := r.db.Exec(ctx, query, domain.LegFailed, domain.LegChallengeRequested, cutoff)
		if err != nil {
			return failed, fmt.Errorf("failed to fail stale %s legs: %w", role, err)
		}
		failed += tag.RowsAffected()
	}
	return failed, nil
}

// CreateAuthSession inserts a new authentication attempt record. The token is
// NULL until a successful exchange.
func (r *PostgresRepository) CreateAuthSession(ctx context.Context, userID, publicKey, homeDomain string) (*domain.AuthSession, error) {
	session := &domain.AuthSession{
		ID:         uuid.New(),
		UserID:     userID,
		PublicKey:  publicKey,
		HomeDomain: homeDomain,
	}
	query := `
		INSERT INTO auth_sessions (id, user_id, public_key, home_domain)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, session.ID, session.UserID, session.PublicKey, session.HomeDomain).
		Scan(&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert auth session: %w", err)
	}
	return session, nil
}

// FindAuthSessionByID retrieves an authentication attempt record.
func (r *PostgresRepository) FindAuthSessionByID(ctx context.Context, id uuid.UUID) (*domain.AuthSession, error) {
	var session domain.AuthSession
	query := `
		SELECT id, user_id, public_key, token, home_domain, created_at, updated_at
		FROM auth_sessions
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&session.ID, &session.UserID, &session.PublicKey, &session.Token,
		&session.HomeDomain, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAuthSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// SetAuthSessionToken records the bearer token on a session. Append-only: the
// write is refused once a token is present.
func (r *PostgresRepository) SetAuthSessionToken(ctx context.Context, id uuid.UUID, token string) error {
	query := `UPDATE auth_sessions SET token = $2, updated_at = NOW() WHERE id = $1 AND token IS NULL`
	tag, err := r.db.Exec(ctx, query, id, token)
	if err != nil {
		return fmt.Errorf("failed to set auth session token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the session is missing or a token is already set.
		if _, findErr := r.FindAuthSessionByID(ctx, id); findErr != nil {
			return findErr
		}
		return fmt.Errorf("auth session %s already has a token", id)
	}
	return nil
}

// DeleteStaleAuthSessions removes abandoned attempts: sessions that never
// obtained a token and are older than cutoff. Tokened sessions are kept.
func (r *PostgresRepository) DeleteStaleAuthSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM auth_sessions s
		WHERE s.token IS NULL
		  AND s.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM transfers t
			WHERE t.sender_auth_session_id = s.id OR t.receiver_auth_session_id = s.id
		  )
	`
	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale auth sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FindCustomerRecord looks up the local KYC record for a (user, session) pair.
func (r *PostgresRepository) FindCustomerRecord(ctx context.Context, userID string, sessionID uuid.UUID) (*domain.CustomerRecord, error) {
	var record domain.CustomerRecord
	query := `
		SELECT id, user_id, auth_session_id, anchor_customer_id, status, created_at, updated_at
		FROM customer_records
		WHERE user_id = $1 AND auth_session_id = $2
	`
	err := r.db.QueryRow(ctx, query, userID, sessionID).Scan(
		&record.ID, &record.UserID, &record.AuthSessionID,
		&record.AnchorCustomerID, &record.Status,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCustomerRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// CreateCustomerRecord inserts a new local KYC record. The unique index on
// (user_id, auth_session_id) is a backstop; callers look up before creating.
func (r *PostgresRepository) CreateCustomerRecord(ctx context.Context, record *domain.CustomerRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	query := `
		INSERT INTO customer_records (id, user_id, auth_session_id, anchor_customer_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		record.ID, record.UserID, record.AuthSessionID, record.AnchorCustomerID, record.Status,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert customer record: %w", err)
	}
	return nil
}

// UpdateCustomerRecordStatus updates the local KYC status.
func (r *PostgresRepository) UpdateCustomerRecordStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE customer_records SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update customer record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCustomerRecordNotFound
	}
	return nil
}

// CreateExchangeOperation persists a SEP-6 initiation result. At most one
// operation may exist per (transfer, direction); a conflicting insert returns
// ErrOperationExists without modifying the stored row.
func (r *PostgresRepository) CreateExchangeOperation(ctx context.Context, op *domain.ExchangeOperation) error {
	query := `
		INSERT INTO exchange_operations
			(id, transfer_id, user_id, direction, source_asset, destination_asset, amount,
			 instructions, deposit_account, memo, memo_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (transfer_id, direction) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		op.ID, op.TransferID, op.UserID, op.Direction,
		op.SourceAsset, op.DestinationAsset, op.Amount,
		op.Instructions, op.DepositAccount, op.Memo, op.MemoType,
	)
	if err != nil {
		return fmt.Errorf("failed to insert exchange operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperationExists
	}
	return nil
}

// FindExchangeOperation retrieves the operation for a (transfer, direction).
func (r *PostgresRepository) FindExchangeOperation(ctx context.Context, transferID uuid.UUID, direction domain.ExchangeDirection) (*domain.ExchangeOperation, error) {
	var op domain.ExchangeOperation
	query := `
		SELECT id, transfer_id, user_id, direction, source_asset, destination_asset, amount,
		       instructions, deposit_account, memo, memo_type, created_at
		FROM exchange_operations
		WHERE transfer_id = $1 AND direction = $2
	`
	err := r.db.QueryRow(ctx, query, transferID, direction).Scan(
		&op.ID, &op.TransferID, &op.UserID, &op.Direction,
		&op.SourceAsset, &op.DestinationAsset, &op.Amount,
		&op.Instructions, &op.DepositAccount, &op.Memo, &op.MemoType,
		&op.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return &op, nil
}

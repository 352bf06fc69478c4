/**
 * @description
 * This file defines the core domain models for the remittance service: the
 * Transfer aggregate with its independent sender and receiver authentication
 * legs, the AuthSession binding an ephemeral keypair and bearer token to one
 * authentication attempt, the local KYC CustomerRecord, and the
 * ExchangeOperation persisted after a SEP-6 initiation.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit to avoid
 *   floating-point inaccuracies with financial data.
 * - The sender and receiver legs share only the Transfer identity; their auth
 *   session slots are independent and a session authenticated for one role
 *   must never populate the other's slot.
 */
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransferRole identifies which leg of a transfer an operation acts on.
type TransferRole string

const (
	RoleSender   TransferRole = "sender"
	RoleReceiver TransferRole = "receiver"
)

// ParseTransferRole validates a role string from the API layer.
func ParseTransferRole(raw string) (TransferRole, error) {
	switch TransferRole(raw) {
	case RoleSender:
		return RoleSender, nil
	case RoleReceiver:
		return RoleReceiver, nil
	}
	return "", fmt.Errorf("unknown transfer role %q", raw)
}

// LegState is the per-(transfer, role) pipeline state. Transitions are
// strictly sequential within a leg; "failed" is reachable from any
// non-terminal state and is never silently reset.
type LegState string

const (
	LegUnauthenticated     LegState = "unauthenticated"
	LegChallengeRequested  LegState = "challenge_requested"
	LegAuthenticated       LegState = "authenticated"
	LegKYCSubmitted        LegState = "kyc_submitted"
	LegExchangeInitiated   LegState = "exchange_initiated"
	LegCompleted           LegState = "completed"
	LegFailed              LegState = "failed"
)

// Terminal reports whether the leg can make no further progress.
func (s LegState) Terminal() bool {
	return s == LegCompleted || s == LegFailed
}

// Transfer is the money-movement aggregate. Created once per intent; the two
// auth session slots are the only shared mutable state between the legs and
// are written with conditional updates only.
type Transfer struct {
	ID                    uuid.UUID  `json:"id"`
	Amount                int64      `json:"amount"` // smallest currency unit
	Currency              string     `json:"currency"`
	Status                string     `json:"status"`
	SenderState           LegState   `json:"sender_state"`
	ReceiverState         LegState   `json:"receiver_state"`
	SenderAuthSessionID   *uuid.UUID `json:"sender_auth_session_id,omitempty"`
	ReceiverAuthSessionID *uuid.UUID `json:"receiver_auth_session_id,omitempty"`
	RecipientName         string     `json:"recipient_name"`
	RecipientPhone        string     `json:"recipient_phone"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// LegStateFor returns the pipeline state of the given role.
func (t *Transfer) LegStateFor(role TransferRole) LegState {
	if role == RoleSender {
		return t.SenderState
	}
	return t.ReceiverState
}

// AuthSessionIDFor returns the auth session slot of the given role.
func (t *Transfer) AuthSessionIDFor(role TransferRole) *uuid.UUID {
	if role == RoleSender {
		return t.SenderAuthSessionID
	}
	return t.ReceiverAuthSessionID
}

// AuthSession binds one authentication attempt to a public key and, after a
// successful SEP-10 exchange, a bearer token. A session is never reused
// across public keys; the token field is append-only.
type AuthSession struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	PublicKey  string    `json:"public_key"`
	Token      *string   `json:"token,omitempty"`
	HomeDomain string    `json:"home_domain"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasToken reports whether the session completed its token exchange.
func (s *AuthSession) HasToken() bool {
	return s.Token != nil && *s.Token != ""
}

// CustomerRecord links a user's authentication session to the anchor-assigned
// SEP-12 customer id. Exactly one record exists per (user, session); repeat
// submissions update the same record.
type CustomerRecord struct {
	ID               uuid.UUID `json:"id"`
	UserID           string    `json:"user_id"`
	AuthSessionID    uuid.UUID `json:"auth_session_id"`
	AnchorCustomerID string    `json:"anchor_customer_id"`
	Status           string    `json:"status"` // submitted | needs_info | accepted
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const (
	CustomerStatusSubmitted = "submitted"
	CustomerStatusNeedsInfo = "needs_info"
	CustomerStatusAccepted  = "accepted"
)

// ExchangeDirection distinguishes the two SEP-6 operations.
type ExchangeDirection string

const (
	DirectionDeposit    ExchangeDirection = "deposit"
	DirectionWithdrawal ExchangeDirection = "withdrawal"
)

// DirectionForRole maps a transfer role to its exchange direction: the sender
// funds the transfer (deposit), the receiver cashes out (withdrawal).
func DirectionForRole(role TransferRole) ExchangeDirection {
	if role == RoleSender {
		return DirectionDeposit
	}
	return DirectionWithdrawal
}

// ExchangeOperation records one successful SEP-6 initiation. The id is
// anchor-assigned; at most one operation exists per (transfer, direction).
type ExchangeOperation struct {
	ID               string            `json:"id"`
	TransferID       uuid.UUID         `json:"transfer_id"`
	UserID           string            `json:"user_id"`
	Direction        ExchangeDirection `json:"direction"`
	SourceAsset      string            `json:"source_asset"`
	DestinationAsset string            `json:"destination_asset"`
	Amount           int64             `json:"amount"`
	Instructions     string            `json:"instructions,omitempty"`
	DepositAccount   string            `json:"deposit_account,omitempty"`
	Memo             string            `json:"memo,omitempty"`
	MemoType         string            `json:"memo_type,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// CreateTransferRequest is the DTO for creating a new transfer intent.
type CreateTransferRequest struct {
	Amount         int64  `json:"amount"` // smallest currency unit
	Currency       string `json:"currency"`
	RecipientName  string `json:"recipient_name"`
	RecipientPhone string `json:"recipient_phone"`
}

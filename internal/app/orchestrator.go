/**
 * @description
 * This file contains the transfer authentication orchestrator: the stateful
 * coordinator that links ephemeral keypairs, SEP-10 authentication sessions,
 * SEP-12 KYC submissions and SEP-6 exchange initiations to a Transfer's
 * sender and receiver legs. Ordering within a leg is enforced by persisted
 * state, not convention; the two legs are fully independent pipelines sharing
 * only the Transfer identity.
 *
 * @notes
 * - The orchestrator owns all session/token state. The SEP clients are
 *   stateless and injected behind interfaces so tests can fake them.
 * - Failures move the leg to the failed state with the verbatim reason and
 *   are returned to the caller; the orchestrator never silently resets state.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/stellar/go/keypair"

	"github.com/hoepeyemi/gwen-sub000/internal/domain"
	"github.com/hoepeyemi/gwen-sub000/internal/store"
	"github.com/hoepeyemi/gwen-sub000/pkg/anchor"
)

var (
	// ErrRoleMismatch indicates the caller drove an operation for one role
	// with credentials established under the other role.
	ErrRoleMismatch = errors.New("authentication session belongs to the other transfer role")

	// ErrLegNotReady indicates the leg has not reached the state the
	// requested operation requires.
	ErrLegNotReady = errors.New("transfer leg is not ready for this operation")
)

// ChallengeAuthenticator is the SEP-10 surface the orchestrator drives.
type ChallengeAuthenticator interface {
	RequestChallenge(ctx context.Context, homeDomain, clientPublicKey string) (*anchor.Challenge, error)
	ValidateChallenge(ctx context.Context, challenge *anchor.Challenge, homeDomain, clientPublicKey string) (*anchor.ValidatedChallenge, error)
	SignChallenge(ctx context.Context, validated *anchor.ValidatedChallenge, homeDomain string, clientKeypair *keypair.Full) (string, error)
	ExchangeForToken(ctx context.Context, homeDomain, signedEnvelopeXDR string) (string, error)
}

// CustomerInfoSubmitter is the SEP-12 surface the orchestrator drives.
type CustomerInfoSubmitter interface {
	SubmitFields(ctx context.Context, homeDomain, token string, fields map[string]string, existingCustomerID string) (string, error)
	UploadFiles(ctx context.Context, homeDomain, token string, files map[string][]byte) (map[string]string, error)
}

// ExchangeInitiator is the SEP-6 surface the orchestrator drives.
type ExchangeInitiator interface {
	InitiateDeposit(ctx context.Context, homeDomain, token string, req anchor.DepositRequest) (*anchor.DepositResponse, error)
	InitiateWithdrawal(ctx context.Context, homeDomain, token string, req anchor.WithdrawRequest) (*anchor.WithdrawResponse, error)
}

// EventPublisher publishes transfer lifecycle events. A nil-safe fallback is
// injected when the broker is unavailable at boot.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

const eventExchange = "gwen.events"

// Orchestrator drives the per-(transfer, role) authentication pipeline.
type Orchestrator struct {
	repo           store.Repository
	authClient     ChallengeAuthenticator
	customerClient CustomerInfoSubmitter
	exchangeClient ExchangeInitiator
	publisher      EventPublisher

	homeDomain string
	fiatAsset  string // e.g. iso4217:NGN
	chainAsset string // e.g. stellar:USDC:G...
}

// NewOrchestrator creates the coordinator with its collaborators.
func NewOrchestrator(
	repo store.Repository,
	authClient ChallengeAuthenticator,
	customerClient CustomerInfoSubmitter,
	exchangeClient ExchangeInitiator,
	publisher EventPublisher,
	homeDomain, fiatAsset, chainAsset string,
) *Orchestrator {
	return &Orchestrator{
		repo:           repo,
		authClient:     authClient,
		customerClient: customerClient,
		exchangeClient: exchangeClient,
		publisher:      publisher,
		homeDomain:     homeDomain,
		fiatAsset:      fiatAsset,
		chainAsset:     chainAsset,
	}
}

// AuthResult reports a completed authentication leg.
type AuthResult struct {
	TransferID uuid.UUID           `json:"transfer_id"`
	Role       domain.TransferRole `json:"role"`
	SessionID  uuid.UUID           `json:"session_id"`
	PublicKey  string              `json:"public_key"`
}

// KYCResult reports a completed KYC submission.
type KYCResult struct {
	CustomerID    string `json:"customer_id"`
	FilesUploaded bool   `json:"files_uploaded"`
	Status        string `json:"status"`
}

// ExchangeResult reports a SEP-6 initiation. AlreadyInitiated is set when a
// prior operation for the same (transfer, direction) was returned instead of
// creating a duplicate.
type ExchangeResult struct {
	Operation        *domain.ExchangeOperation `json:"operation"`
	AlreadyInitiated bool                      `json:"already_initiated"`
}

// failLeg records the failure reason on the leg and returns err unchanged so
// the caller sees the original error kind and anchor message.
func (o *Orchestrator) failLeg(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, err error) error {
	if failErr := o.repo.FailLeg(ctx, transferID, role, err.Error()); failErr != nil {
		log.Printf("level=error component=orchestrator msg=\"failed to record leg failure\" transfer_id=%s role=%s err=%v", transferID, role, failErr)
	}
	o.publish(ctx, "transfer.leg.failed", map[string]interface{}{
		"transfer_id": transferID,
		"role":        role,
		"reason":      err.Error(),
	})
	return err
}

func (o *Orchestrator) publish(ctx context.Context, routingKey string, body interface{}) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, eventExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

// Authenticate runs the full SEP-10 pipeline for one leg: ephemeral keypair,
// session row, challenge request, validation, countersigning, token exchange,
// and conditional linking of the session to the transfer role.
func (o *Orchestrator) Authenticate(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, userID string) (*AuthResult, error) {
	transfer, err := o.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	switch state := transfer.LegStateFor(role); state {
	case domain.LegUnauthenticated, domain.LegChallengeRequested, domain.LegFailed:
		// a fresh or abandoned attempt may proceed
	case domain.LegAuthenticated, domain.LegKYCSubmitted:
		// a linked, tokened session is never superseded implicitly
		if sessionID := transfer.AuthSessionIDFor(role); sessionID != nil {
			if prior, findErr := o.repo.FindAuthSessionByID(ctx, *sessionID); findErr == nil && prior.HasToken() {
				return nil, store.ErrRoleAlreadyAuthenticated
			}
		}
	default:
		return nil, fmt.Errorf("%w: leg already in state %s", ErrLegNotReady, state)
	}

	clientKeypair, err := keypair.Random()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}

	// The session row exists before the challenge is requested so there is an
	// id to bind the attempt to.
	session, err := o.repo.CreateAuthSession(ctx, userID, clientKeypair.Address(), o.homeDomain)
	if err != nil {
		return nil, err
	}
	// Conditional write: a concurrent attempt that already advanced this leg
	// past the challenge phase must not be rolled back to challenge_requested.
	if err := o.repo.SetLegState(ctx, transferID, role, domain.LegChallengeRequested,
		domain.LegUnauthenticated, domain.LegChallengeRequested, domain.LegFailed); err != nil {
		if errors.Is(err, store.ErrLegStateConflict) {
			return nil, store.ErrRoleAlreadyAuthenticated
		}
		return nil, err
	}

	challenge, err := o.authClient.RequestChallenge(ctx, o.homeDomain, clientKeypair.Address())
	if err != nil {
		return nil, o.failLeg(ctx, transferID, role, err)
	}

	validated, err := o.authClient.ValidateChallenge(ctx, challenge, o.homeDomain, clientKeypair.Address())
	if err != nil {
		// The challenge is discarded; it is never signed.
		return nil, o.failLeg(ctx, transferID, role, err)
	}

	signedEnvelope, err := o.authClient.SignChallenge(ctx, validated, o.homeDomain, clientKeypair)
	if err != nil {
		return nil, o.failLeg(ctx, transferID, role, err)
	}

	token, err := o.authClient.ExchangeForToken(ctx, o.homeDomain, signedEnvelope)
	if err != nil {
		return nil, o.failLeg(ctx, transferID, role, err)
	}

	if err := o.repo.SetAuthSessionToken(ctx, session.ID, token); err != nil {
		return nil, o.failLeg(ctx, transferID, role, err)
	}

	// Conditional link: a prior tokened session for this role wins and the
	// new attempt is rejected; an abandoned attempt is superseded silently.
	if err := o.repo.LinkAuthSession(ctx, transferID, role, session.ID); err != nil {
		return nil, err
	}
	if err := o.repo.SetLegState(ctx, transferID, role, domain.LegAuthenticated,
		domain.LegChallengeRequested); err != nil {
		return nil, err
	}

	o.publish(ctx, "transfer.auth.completed", map[string]interface{}{
		"transfer_id": transferID,
		"role":        role,
		"session_id":  session.ID,
	})

	return &AuthResult{
		TransferID: transferID,
		Role:       role,
		SessionID:  session.ID,
		PublicKey:  clientKeypair.Address(),
	}, nil
}

// sessionForRole loads the tokened session linked to the role's slot. A
// session linked under the other role never satisfies this lookup.
func (o *Orchestrator) sessionForRole(ctx context.Context, transfer *domain.Transfer, role domain.TransferRole) (*domain.AuthSession, error) {
	sessionID := transfer.AuthSessionIDFor(role)
	if sessionID == nil {
		other := domain.RoleReceiver
		if role == domain.RoleReceiver {
			other = domain.RoleSender
		}
		if transfer.AuthSessionIDFor(other) != nil {
			return nil, fmt.Errorf("%w: role %s is unauthenticated", ErrRoleMismatch, role)
		}
		return nil, anchor.ErrMissingAuthentication
	}

	session, err := o.repo.FindAuthSessionByID(ctx, *sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasToken() {
		return nil, anchor.ErrMissingAuthentication
	}
	return session, nil
}

// SubmitKYC submits text KYC fields (fatal on failure) and then uploads
// identity documents best-effort under the role's bearer token. The anchor
// customer id from the first submission is always carried on resubmission so
// no duplicate customer records are created for one (user, role) pair.
func (o *Orchestrator) SubmitKYC(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, fields map[string]string, files map[string][]byte) (*KYCResult, error) {
	transfer, err := o.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}

	// KYC is closed once the leg moved on to the exchange phase. Resubmission
	// remains legal while the leg sits in authenticated or kyc_submitted.
	if state := transfer.LegStateFor(role); state == domain.LegExchangeInitiated || state == domain.LegCompleted {
		return nil, fmt.Errorf("%w: leg state is %s", ErrLegNotReady, state)
	}

	session, err := o.sessionForRole(ctx, transfer, role)
	if err != nil {
		return nil, err
	}

	existingCustomerID := ""
	record, err := o.repo.FindCustomerRecord(ctx, session.UserID, session.ID)
	switch {
	case err == nil:
		existingCustomerID = record.AnchorCustomerID
	case errors.Is(err, store.ErrCustomerRecordNotFound):
		// first submission for this (user, session)
	default:
		return nil, err
	}

	customerID, err := o.customerClient.SubmitFields(ctx, o.homeDomain, *session.Token, fields, existingCustomerID)
	if err != nil {
		return nil, o.failLeg(ctx, transferID, role, err)
	}

	if record == nil {
		record = &domain.CustomerRecord{
			UserID:           session.UserID,
			AuthSessionID:    session.ID,
			AnchorCustomerID: customerID,
			Status:           domain.CustomerStatusSubmitted,
		}
		if err := o.repo.CreateCustomerRecord(ctx, record); err != nil {
			return nil, err
		}
	} else if err := o.repo.UpdateCustomerRecordStatus(ctx, record.ID, domain.CustomerStatusSubmitted); err != nil {
		return nil, err
	}

	// Document upload is best-effort: text fields were already accepted, so a
	// transport failure here degrades the result instead of failing the leg.
	filesUploaded := true
	if len(files) > 0 {
		if _, uploadErr := o.customerClient.UploadFiles(ctx, o.homeDomain, *session.Token, files); uploadErr != nil {
			filesUploaded = false
			log.Printf("level=warn component=orchestrator msg=\"kyc file upload failed; continuing without documents\" transfer_id=%s role=%s err=%v", transferID, role, uploadErr)
		}
	}

	if err := o.repo.SetLegState(ctx, transferID, role, domain.LegKYCSubmitted,
		domain.LegAuthenticated, domain.LegKYCSubmitted, domain.LegFailed); err != nil {
		if errors.Is(err, store.ErrLegStateConflict) {
			return nil, fmt.Errorf("%w: leg advanced concurrently", ErrLegNotReady)
		}
		return nil, err
	}

	o.publish(ctx, "transfer.kyc.submitted", map[string]interface{}{
		"transfer_id": transferID,
		"role":        role,
		"customer_id": customerID,
	})

	return &KYCResult{
		CustomerID:    customerID,
		FilesUploaded: filesUploaded,
		Status:        domain.CustomerStatusSubmitted,
	}, nil
}

// InitiateExchange starts the SEP-6 leg for the role: the sender's deposit or
// the receiver's withdrawal. At most one operation exists per (transfer,
// direction); a repeat call returns the original operation unchanged.
func (o *Orchestrator) InitiateExchange(ctx context.Context, transferID uuid.UUID, role domain.TransferRole) (*ExchangeResult, error) {
	transfer, err := o.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}

	direction := domain.DirectionForRole(role)

	// A prior successful initiation is returned as-is, never duplicated.
	if existing, findErr := o.repo.FindExchangeOperation(ctx, transferID, direction); findErr == nil {
		return &ExchangeResult{Operation: existing, AlreadyInitiated: true}, nil
	} else if !errors.Is(findErr, store.ErrOperationNotFound) {
		return nil, findErr
	}

	if state := transfer.LegStateFor(role); state != domain.LegKYCSubmitted {
		return nil, fmt.Errorf("%w: leg state is %s, expected %s", ErrLegNotReady, state, domain.LegKYCSubmitted)
	}

	session, err := o.sessionForRole(ctx, transfer, role)
	if err != nil {
		return nil, err
	}

	// Amounts are stored in the smallest currency unit; format without a
	// float64 round trip so values past 2^53 stay exact.
	amount := fmt.Sprintf("%d.%02d", transfer.Amount/100, transfer.Amount%100)

	op := &domain.ExchangeOperation{
		TransferID: transferID,
		UserID:     session.UserID,
		Direction:  direction,
		Amount:     transfer.Amount,
	}

	if role == domain.RoleSender {
		resp, depErr := o.exchangeClient.InitiateDeposit(ctx, o.homeDomain, *session.Token, anchor.DepositRequest{
			DestinationAsset: o.chainAsset,
			SourceAsset:      o.fiatAsset,
			Amount:           amount,
			Account:          session.PublicKey,
			Type:             "bank_account",
		})
		if depErr != nil {
			return nil, o.failLeg(ctx, transferID, role, depErr)
		}
		op.ID = resp.ID
		op.SourceAsset = o.fiatAsset
		op.DestinationAsset = o.chainAsset
		op.Instructions = resp.How
	} else {
		resp, wdErr := o.exchangeClient.InitiateWithdrawal(ctx, o.homeDomain, *session.Token, anchor.WithdrawRequest{
			SourceAsset:      o.chainAsset,
			DestinationAsset: o.fiatAsset,
			Amount:           amount,
			Account:          session.PublicKey,
			Type:             "bank_account",
			Dest:             transfer.RecipientPhone,
			DestExtra:        transfer.RecipientName,
		})
		if wdErr != nil {
			return nil, o.failLeg(ctx, transferID, role, wdErr)
		}
		op.ID = resp.ID
		op.SourceAsset = o.chainAsset
		op.DestinationAsset = o.fiatAsset
		op.DepositAccount = resp.AccountID
		op.Memo = resp.Memo
		op.MemoType = resp.MemoType
	}

	if err := o.repo.CreateExchangeOperation(ctx, op); err != nil {
		if errors.Is(err, store.ErrOperationExists) {
			// A concurrent initiation won the insert; return its operation.
			existing, findErr := o.repo.FindExchangeOperation(ctx, transferID, direction)
			if findErr != nil {
				return nil, findErr
			}
			return &ExchangeResult{Operation: existing, AlreadyInitiated: true}, nil
		}
		return nil, err
	}

	if err := o.repo.SetLegState(ctx, transferID, role, domain.LegExchangeInitiated,
		domain.LegKYCSubmitted); err != nil && !errors.Is(err, store.ErrLegStateConflict) {
		return nil, err
	}

	o.publish(ctx, "transfer.exchange.initiated", map[string]interface{}{
		"transfer_id":  transferID,
		"role":         role,
		"direction":    direction,
		"operation_id": op.ID,
	})

	return &ExchangeResult{Operation: op}, nil
}

// CreateTransfer records a new money-movement intent.
func (o *Orchestrator) CreateTransfer(ctx context.Context, req domain.CreateTransferRequest) (*domain.Transfer, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}
	if req.Currency == "" {
		return nil, fmt.Errorf("transfer currency is required")
	}
	return o.repo.CreateTransfer(ctx, req)
}

// GetTransfer returns the transfer aggregate with both leg states.
func (o *Orchestrator) GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	return o.repo.FindTransferByID(ctx, id)
}

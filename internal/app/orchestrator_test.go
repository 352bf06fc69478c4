package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go/keypair"

	"github.com/hoepeyemi/gwen-sub000/internal/domain"
	"github.com/hoepeyemi/gwen-sub000/internal/store"
	"github.com/hoepeyemi/gwen-sub000/pkg/anchor"
)

// fakeRepo is an in-memory store.Repository honoring the same conditional
// update semantics as the PostgreSQL implementation.
type fakeRepo struct {
	mu         sync.Mutex
	transfers  map[uuid.UUID]*domain.Transfer
	sessions   map[uuid.UUID]*domain.AuthSession
	customers  map[string]*domain.CustomerRecord
	operations map[string]*domain.ExchangeOperation
	failures   map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		transfers:  make(map[uuid.UUID]*domain.Transfer),
		sessions:   make(map[uuid.UUID]*domain.AuthSession),
		customers:  make(map[string]*domain.CustomerRecord),
		operations: make(map[string]*domain.ExchangeOperation),
		failures:   make(map[string]string),
	}
}

func customerKey(userID string, sessionID uuid.UUID) string {
	return userID + "|" + sessionID.String()
}

func operationKey(transferID uuid.UUID, direction domain.ExchangeDirection) string {
	return transferID.String() + "|" + string(direction)
}

func (r *fakeRepo) CreateTransfer(ctx context.Context, req domain.CreateTransferRequest) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer := &domain.Transfer{
		ID:             uuid.New(),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         "pending",
		SenderState:    domain.LegUnauthenticated,
		ReceiverState:  domain.LegUnauthenticated,
		RecipientName:  req.RecipientName,
		RecipientPhone: req.RecipientPhone,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	r.transfers[transfer.ID] = transfer
	return transfer, nil
}

func (r *fakeRepo) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	copied := *transfer
	return &copied, nil
}

func (r *fakeRepo) LinkAuthSession(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[transferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	slot := &transfer.SenderAuthSessionID
	if role == domain.RoleReceiver {
		slot = &transfer.ReceiverAuthSessionID
	}
	if *slot != nil && **slot != sessionID {
		if prior, ok := r.sessions[**slot]; ok && prior.HasToken() {
			return store.ErrRoleAlreadyAuthenticated
		}
	}
	id := sessionID
	*slot = &id
	return nil
}

func (r *fakeRepo) SetLegState(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, state domain.LegState, allowedFrom ...domain.LegState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[transferID]
	if !ok {
		return store.ErrTransferNotFound
	}
	current := transfer.SenderState
	if role == domain.RoleReceiver {
		current = transfer.ReceiverState
	}
	if len(allowedFrom) > 0 {
		allowed := false
		for _, from := range allowedFrom {
			if from == current {
				allowed = true
				break
			}
		}
		if !allowed {
			return store.ErrLegStateConflict
		}
	}
	if role == domain.RoleSender {
		transfer.SenderState = state
	} else {
		transfer.ReceiverState = state
	}
	return nil
}

func (r *fakeRepo) FailLeg(ctx context.Context, transferID uuid.UUID, role domain.TransferRole, reason string) error {
	if err := r.SetLegState(ctx, transferID, role, domain.LegFailed); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[transferID.String()+"|"+string(role)] = reason
	return nil
}

func (r *fakeRepo) FailStaleChallengeLegs(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed int64
	for _, transfer := range r.transfers {
		if transfer.SenderState == domain.LegChallengeRequested && transfer.UpdatedAt.Before(cutoff) {
			transfer.SenderState = domain.LegFailed
			failed++
		}
		if transfer.ReceiverState == domain.LegChallengeRequested && transfer.UpdatedAt.Before(cutoff) {
			transfer.ReceiverState = domain.LegFailed
			failed++
		}
	}
	return failed, nil
}

func (r *fakeRepo) CreateAuthSession(ctx context.Context, userID, publicKey, homeDomain string) (*domain.AuthSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := &domain.AuthSession{
		ID:         uuid.New(),
		UserID:     userID,
		PublicKey:  publicKey,
		HomeDomain: homeDomain,
		CreatedAt:  time.Now(),
	}
	r.sessions[session.ID] = session
	return session, nil
}

func (r *fakeRepo) FindAuthSessionByID(ctx context.Context, id uuid.UUID) (*domain.AuthSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, store.ErrAuthSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (r *fakeRepo) SetAuthSessionToken(ctx context.Context, id uuid.UUID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return store.ErrAuthSessionNotFound
	}
	if session.Token != nil {
		return fmt.Errorf("token already set for session %s", id)
	}
	session.Token = &token
	return nil
}

func (r *fakeRepo) DeleteStaleAuthSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, session := range r.sessions {
		if session.Token == nil && session.CreatedAt.Before(cutoff) {
			delete(r.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *fakeRepo) FindCustomerRecord(ctx context.Context, userID string, sessionID uuid.UUID) (*domain.CustomerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.customers[customerKey(userID, sessionID)]
	if !ok {
		return nil, store.ErrCustomerRecordNotFound
	}
	copied := *record
	return &copied, nil
}

func (r *fakeRepo) CreateCustomerRecord(ctx context.Context, record *domain.CustomerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record.ID = uuid.New()
	copied := *record
	r.customers[customerKey(record.UserID, record.AuthSessionID)] = &copied
	return nil
}

func (r *fakeRepo) UpdateCustomerRecordStatus(ctx context.Context, id uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.customers {
		if record.ID == id {
			record.Status = status
			return nil
		}
	}
	return store.ErrCustomerRecordNotFound
}

func (r *fakeRepo) CreateExchangeOperation(ctx context.Context, op *domain.ExchangeOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := operationKey(op.TransferID, op.Direction)
	if _, ok := r.operations[key]; ok {
		return store.ErrOperationExists
	}
	copied := *op
	r.operations[key] = &copied
	return nil
}

func (r *fakeRepo) FindExchangeOperation(ctx context.Context, transferID uuid.UUID, direction domain.ExchangeDirection) (*domain.ExchangeOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.operations[operationKey(transferID, direction)]
	if !ok {
		return nil, store.ErrOperationNotFound
	}
	copied := *op
	return &copied, nil
}

// fakeAuthClient succeeds by default; function fields override single steps.
type fakeAuthClient struct {
	exchangeFn    func() (string, error)
	exchangeCalls int
}

func (c *fakeAuthClient) RequestChallenge(ctx context.Context, homeDomain, clientPublicKey string) (*anchor.Challenge, error) {
	return &anchor.Challenge{EnvelopeXDR: "challenge-envelope"}, nil
}

func (c *fakeAuthClient) ValidateChallenge(ctx context.Context, challenge *anchor.Challenge, homeDomain, clientPublicKey string) (*anchor.ValidatedChallenge, error) {
	return &anchor.ValidatedChallenge{}, nil
}

func (c *fakeAuthClient) SignChallenge(ctx context.Context, validated *anchor.ValidatedChallenge, homeDomain string, clientKeypair *keypair.Full) (string, error) {
	return "signed-envelope", nil
}

func (c *fakeAuthClient) ExchangeForToken(ctx context.Context, homeDomain, signedEnvelopeXDR string) (string, error) {
	c.exchangeCalls++
	if c.exchangeFn != nil {
		return c.exchangeFn()
	}
	return fmt.Sprintf("token-%d", c.exchangeCalls), nil
}

// fakeCustomerClient records the ids carried on each submission.
type fakeCustomerClient struct {
	submitFn     func(fields map[string]string, existingCustomerID string) (string, error)
	uploadErr    error
	submittedIDs []string
	uploadCalls  int
}

func (c *fakeCustomerClient) SubmitFields(ctx context.Context, homeDomain, token string, fields map[string]string, existingCustomerID string) (string, error) {
	c.submittedIDs = append(c.submittedIDs, existingCustomerID)
	if c.submitFn != nil {
		return c.submitFn(fields, existingCustomerID)
	}
	if existingCustomerID != "" {
		return existingCustomerID, nil
	}
	return "cust-1", nil
}

func (c *fakeCustomerClient) UploadFiles(ctx context.Context, homeDomain, token string, files map[string][]byte) (map[string]string, error) {
	c.uploadCalls++
	if c.uploadErr != nil {
		return nil, c.uploadErr
	}
	return map[string]string{"photo_id_front": "file-1"}, nil
}

// fakeExchangeClient returns canned responses and counts initiations.
type fakeExchangeClient struct {
	depositCalls   int
	withdrawCalls  int
	lastDeposit    anchor.DepositRequest
	lastWithdrawal anchor.WithdrawRequest
	depositErr     error
	withdrawalErr  error
}

func (c *fakeExchangeClient) InitiateDeposit(ctx context.Context, homeDomain, token string, req anchor.DepositRequest) (*anchor.DepositResponse, error) {
	c.depositCalls++
	c.lastDeposit = req
	if c.depositErr != nil {
		return nil, c.depositErr
	}
	return &anchor.DepositResponse{ID: fmt.Sprintf("dep-%d", c.depositCalls), How: "Transfer to account 0123456789"}, nil
}

func (c *fakeExchangeClient) InitiateWithdrawal(ctx context.Context, homeDomain, token string, req anchor.WithdrawRequest) (*anchor.WithdrawResponse, error) {
	c.withdrawCalls++
	c.lastWithdrawal = req
	if c.withdrawalErr != nil {
		return nil, c.withdrawalErr
	}
	return &anchor.WithdrawResponse{ID: fmt.Sprintf("wd-%d", c.withdrawCalls), AccountID: "GANCHOR", Memo: "42", MemoType: "id"}, nil
}

type orchestratorFixture struct {
	orch     *Orchestrator
	repo     *fakeRepo
	auth     *fakeAuthClient
	customer *fakeCustomerClient
	exchange *fakeExchangeClient
}

func newOrchestratorFixture() *orchestratorFixture {
	repo := newFakeRepo()
	auth := &fakeAuthClient{}
	customer := &fakeCustomerClient{}
	exchange := &fakeExchangeClient{}
	orch := NewOrchestrator(repo, auth, customer, exchange, nil,
		"anchor.example", "iso4217:NGN", "stellar:USDC:GISSUER")
	return &orchestratorFixture{orch: orch, repo: repo, auth: auth, customer: customer, exchange: exchange}
}

func (f *orchestratorFixture) createTransfer(t *testing.T) *domain.Transfer {
	t.Helper()
	transfer, err := f.orch.CreateTransfer(context.Background(), domain.CreateTransferRequest{
		Amount:         15000,
		Currency:       "NGN",
		RecipientName:  "Ada Lovelace",
		RecipientPhone: "+2348012345678",
	})
	if err != nil {
		t.Fatalf("failed to create transfer: %v", err)
	}
	return transfer
}

func (f *orchestratorFixture) authenticate(t *testing.T, transferID uuid.UUID, role domain.TransferRole, userID string) *AuthResult {
	t.Helper()
	result, err := f.orch.Authenticate(context.Background(), transferID, role, userID)
	if err != nil {
		t.Fatalf("failed to authenticate %s leg: %v", role, err)
	}
	return result
}

func (f *orchestratorFixture) submitKYC(t *testing.T, transferID uuid.UUID, role domain.TransferRole) *KYCResult {
	t.Helper()
	result, err := f.orch.SubmitKYC(context.Background(), transferID, role, map[string]string{"first_name": "Ada"}, nil)
	if err != nil {
		t.Fatalf("failed to submit kyc for %s leg: %v", role, err)
	}
	return result
}

func TestAuthenticateLinksOnlyTheRequestedRole(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)

	result := f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")

	updated, err := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.SenderState != domain.LegAuthenticated {
		t.Errorf("expected sender leg authenticated, got %s", updated.SenderState)
	}
	if updated.SenderAuthSessionID == nil || *updated.SenderAuthSessionID != result.SessionID {
		t.Errorf("expected sender slot to hold session %s", result.SessionID)
	}
	if updated.ReceiverAuthSessionID != nil {
		t.Error("receiver slot must stay empty when the sender authenticates")
	}
	if updated.ReceiverState != domain.LegUnauthenticated {
		t.Errorf("receiver leg must stay unauthenticated, got %s", updated.ReceiverState)
	}

	session, err := f.repo.FindAuthSessionByID(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !session.HasToken() {
		t.Error("expected the linked session to hold a token")
	}
}

func TestAuthenticateLegsAreIndependent(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)

	sender := f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")
	receiver := f.authenticate(t, transfer.ID, domain.RoleReceiver, "user-2")

	if sender.SessionID == receiver.SessionID {
		t.Error("each leg must get its own session")
	}
	updated, _ := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if *updated.SenderAuthSessionID != sender.SessionID || *updated.ReceiverAuthSessionID != receiver.SessionID {
		t.Error("slots must each hold their own role's session")
	}
}

func TestAuthenticateRejectsSupersedingATokenedSession(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)

	first := f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")

	_, err := f.orch.Authenticate(context.Background(), transfer.ID, domain.RoleSender, "user-1")
	if !errors.Is(err, store.ErrRoleAlreadyAuthenticated) {
		t.Fatalf("expected ErrRoleAlreadyAuthenticated, got %v", err)
	}

	updated, _ := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if *updated.SenderAuthSessionID != first.SessionID {
		t.Error("the original tokened session must keep the slot")
	}
	if updated.SenderState != domain.LegAuthenticated {
		t.Errorf("leg state must stay authenticated, got %s", updated.SenderState)
	}
}

func TestAuthenticateTokenExchangeFailureFailsLeg(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)

	f.auth.exchangeFn = func() (string, error) {
		return "", &anchor.AuthExchangeError{StatusCode: 500, Message: "server error"}
	}

	_, err := f.orch.Authenticate(context.Background(), transfer.ID, domain.RoleSender, "user-1")
	if !errors.Is(err, anchor.ErrAuthExchange) {
		t.Fatalf("expected ErrAuthExchange, got %v", err)
	}

	updated, _ := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if updated.SenderState != domain.LegFailed {
		t.Errorf("expected failed leg, got %s", updated.SenderState)
	}
	if updated.SenderAuthSessionID != nil {
		t.Error("a failed attempt must not be linked to the role slot")
	}
	if reason := f.repo.failures[transfer.ID.String()+"|sender"]; reason == "" {
		t.Error("expected the failure reason to be recorded")
	}
}

func TestAuthenticateRetryAfterFailureSucceeds(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)

	f.auth.exchangeFn = func() (string, error) {
		return "", &anchor.AuthExchangeError{StatusCode: 503, Message: "try later"}
	}
	if _, err := f.orch.Authenticate(context.Background(), transfer.ID, domain.RoleSender, "user-1"); err == nil {
		t.Fatal("expected the first attempt to fail")
	}

	f.auth.exchangeFn = nil
	result := f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")

	updated, _ := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if updated.SenderState != domain.LegAuthenticated {
		t.Errorf("expected authenticated leg after retry, got %s", updated.SenderState)
	}
	if *updated.SenderAuthSessionID != result.SessionID {
		t.Error("expected the retry's session in the slot")
	}
}

func TestSubmitKYCRequiresOwnRoleSession(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")

	// The receiver leg holds no session; the sender's token must not leak.
	_, err := f.orch.SubmitKYC(context.Background(), transfer.ID, domain.RoleReceiver, map[string]string{"first_name": "Ada"}, nil)
	if !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
}

func TestSubmitKYCWithoutAnySessionFails(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)

	_, err := f.orch.SubmitKYC(context.Background(), transfer.ID, domain.RoleSender, map[string]string{"first_name": "Ada"}, nil)
	if !errors.Is(err, anchor.ErrMissingAuthentication) {
		t.Fatalf("expected ErrMissingAuthentication, got %v", err)
	}
}

func TestSubmitKYCResubmissionCarriesCustomerID(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")

	first := f.submitKYC(t, transfer.ID, domain.RoleSender)
	second := f.submitKYC(t, transfer.ID, domain.RoleSender)

	if first.CustomerID != "cust-1" || second.CustomerID != "cust-1" {
		t.Errorf("expected one customer id across submissions, got %q and %q", first.CustomerID, second.CustomerID)
	}
	if want := []string{"", "cust-1"}; len(f.customer.submittedIDs) != 2 ||
		f.customer.submittedIDs[0] != want[0] || f.customer.submittedIDs[1] != want[1] {
		t.Errorf("expected submissions to carry ids %v, got %v", want, f.customer.submittedIDs)
	}
}

func TestSubmitKYCFileUploadFailureDegrades(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")

	f.customer.uploadErr = fmt.Errorf("%w: storage offline", anchor.ErrKYCFileUpload)

	result, err := f.orch.SubmitKYC(context.Background(), transfer.ID, domain.RoleSender,
		map[string]string{"first_name": "Ada"},
		map[string][]byte{"photo_id_front": []byte("jpeg-bytes")})
	if err != nil {
		t.Fatalf("text-field success must not be failed by the upload: %v", err)
	}
	if result.FilesUploaded {
		t.Error("expected FilesUploaded=false after an upload failure")
	}

	updated, _ := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if updated.SenderState != domain.LegKYCSubmitted {
		t.Errorf("expected kyc_submitted leg, got %s", updated.SenderState)
	}
}

func TestSubmitKYCTextFieldFailureFailsLeg(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")

	f.customer.submitFn = func(fields map[string]string, existingCustomerID string) (string, error) {
		return "", &anchor.KYCValidationError{StatusCode: 400, Message: "invalid birth_date"}
	}

	_, err := f.orch.SubmitKYC(context.Background(), transfer.ID, domain.RoleSender, map[string]string{"birth_date": "bogus"}, nil)
	if !errors.Is(err, anchor.ErrKYCValidation) {
		t.Fatalf("expected ErrKYCValidation, got %v", err)
	}

	updated, _ := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if updated.SenderState != domain.LegFailed {
		t.Errorf("expected failed leg, got %s", updated.SenderState)
	}
}

func TestSubmitKYCRejectedAfterExchangeInitiated(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")
	f.submitKYC(t, transfer.ID, domain.RoleSender)
	if _, err := f.orch.InitiateExchange(context.Background(), transfer.ID, domain.RoleSender); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := f.orch.SubmitKYC(context.Background(), transfer.ID, domain.RoleSender, map[string]string{"first_name": "Ada"}, nil)
	if !errors.Is(err, ErrLegNotReady) {
		t.Fatalf("expected ErrLegNotReady, got %v", err)
	}
	if len(f.customer.submittedIDs) != 1 {
		t.Errorf("no kyc submission may reach the anchor once the exchange started, got %d calls", len(f.customer.submittedIDs))
	}

	updated, _ := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if updated.SenderState != domain.LegExchangeInitiated {
		t.Errorf("leg must stay exchange_initiated, got %s", updated.SenderState)
	}
}

func TestStaleChallengeWriteCannotRegressAuthenticatedLeg(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")

	// A lagging attempt writes challenge_requested only while the leg has not
	// advanced past it; against an authenticated leg the write must conflict.
	err := f.repo.SetLegState(context.Background(), transfer.ID, domain.RoleSender, domain.LegChallengeRequested,
		domain.LegUnauthenticated, domain.LegChallengeRequested, domain.LegFailed)
	if !errors.Is(err, store.ErrLegStateConflict) {
		t.Fatalf("expected ErrLegStateConflict, got %v", err)
	}

	updated, _ := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if updated.SenderState != domain.LegAuthenticated {
		t.Errorf("leg must stay authenticated, got %s", updated.SenderState)
	}
}

func TestInitiateExchangeSenderDeposits(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")
	f.submitKYC(t, transfer.ID, domain.RoleSender)

	result, err := f.orch.InitiateExchange(context.Background(), transfer.ID, domain.RoleSender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AlreadyInitiated {
		t.Error("first initiation must not report AlreadyInitiated")
	}
	if result.Operation.Direction != domain.DirectionDeposit {
		t.Errorf("expected deposit direction, got %s", result.Operation.Direction)
	}
	if f.exchange.lastDeposit.Amount != "150.00" {
		t.Errorf("expected amount 150.00, got %q", f.exchange.lastDeposit.Amount)
	}
	if f.exchange.lastDeposit.SourceAsset != "iso4217:NGN" || f.exchange.lastDeposit.DestinationAsset != "stellar:USDC:GISSUER" {
		t.Errorf("unexpected deposit assets %+v", f.exchange.lastDeposit)
	}

	updated, _ := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if updated.SenderState != domain.LegExchangeInitiated {
		t.Errorf("expected exchange_initiated leg, got %s", updated.SenderState)
	}
}

func TestInitiateExchangeFormatsLargeAmountsExactly(t *testing.T) {
	f := newOrchestratorFixture()
	// 2^53 + 1 in minor units is not representable in a float64.
	transfer, err := f.orch.CreateTransfer(context.Background(), domain.CreateTransferRequest{
		Amount:         9007199254740993,
		Currency:       "NGN",
		RecipientName:  "Ada Lovelace",
		RecipientPhone: "+2348012345678",
	})
	if err != nil {
		t.Fatalf("failed to create transfer: %v", err)
	}
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")
	f.submitKYC(t, transfer.ID, domain.RoleSender)

	if _, err := f.orch.InitiateExchange(context.Background(), transfer.ID, domain.RoleSender); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.exchange.lastDeposit.Amount != "90071992547409.93" {
		t.Errorf("expected amount 90071992547409.93, got %q", f.exchange.lastDeposit.Amount)
	}
}

func TestInitiateExchangeReceiverWithdraws(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleReceiver, "user-2")
	f.submitKYC(t, transfer.ID, domain.RoleReceiver)

	result, err := f.orch.InitiateExchange(context.Background(), transfer.ID, domain.RoleReceiver)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Operation.Direction != domain.DirectionWithdrawal {
		t.Errorf("expected withdrawal direction, got %s", result.Operation.Direction)
	}
	if f.exchange.lastWithdrawal.Dest != "+2348012345678" {
		t.Errorf("expected recipient phone as dest, got %q", f.exchange.lastWithdrawal.Dest)
	}
	if f.exchange.lastWithdrawal.DestExtra != "Ada Lovelace" {
		t.Errorf("expected recipient name as dest_extra, got %q", f.exchange.lastWithdrawal.DestExtra)
	}
	if result.Operation.DepositAccount != "GANCHOR" || result.Operation.Memo != "42" {
		t.Errorf("expected on-network payment details on the operation, got %+v", result.Operation)
	}
}

func TestInitiateExchangeIsIdempotent(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")
	f.submitKYC(t, transfer.ID, domain.RoleSender)

	first, err := f.orch.InitiateExchange(context.Background(), transfer.ID, domain.RoleSender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.orch.InitiateExchange(context.Background(), transfer.ID, domain.RoleSender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !second.AlreadyInitiated {
		t.Error("repeat initiation must report AlreadyInitiated")
	}
	if second.Operation.ID != first.Operation.ID {
		t.Errorf("repeat initiation must return the original operation, got %q and %q", first.Operation.ID, second.Operation.ID)
	}
	if f.exchange.depositCalls != 1 {
		t.Errorf("expected exactly one anchor initiation, got %d", f.exchange.depositCalls)
	}
}

func TestInitiateExchangeRequiresKYC(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")

	_, err := f.orch.InitiateExchange(context.Background(), transfer.ID, domain.RoleSender)
	if !errors.Is(err, ErrLegNotReady) {
		t.Fatalf("expected ErrLegNotReady, got %v", err)
	}
	if f.exchange.depositCalls != 0 {
		t.Error("no anchor call may happen before the leg is ready")
	}
}

func TestInitiateExchangeFailureFailsLeg(t *testing.T) {
	f := newOrchestratorFixture()
	transfer := f.createTransfer(t)
	f.authenticate(t, transfer.ID, domain.RoleSender, "user-1")
	f.submitKYC(t, transfer.ID, domain.RoleSender)

	f.exchange.depositErr = &anchor.TransportError{Endpoint: "https://anchor.example/sep6", Err: fmt.Errorf("connection refused")}

	_, err := f.orch.InitiateExchange(context.Background(), transfer.ID, domain.RoleSender)
	if !errors.Is(err, anchor.ErrAnchorUnreachable) {
		t.Fatalf("expected ErrAnchorUnreachable, got %v", err)
	}

	updated, _ := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if updated.SenderState != domain.LegFailed {
		t.Errorf("expected failed leg, got %s", updated.SenderState)
	}
	if _, findErr := f.repo.FindExchangeOperation(context.Background(), transfer.ID, domain.DirectionDeposit); !errors.Is(findErr, store.ErrOperationNotFound) {
		t.Error("no operation row may exist after a failed initiation")
	}
}

func TestCreateTransferValidation(t *testing.T) {
	f := newOrchestratorFixture()

	if _, err := f.orch.CreateTransfer(context.Background(), domain.CreateTransferRequest{Amount: 0, Currency: "NGN"}); err == nil {
		t.Error("expected a zero amount to be rejected")
	}
	if _, err := f.orch.CreateTransfer(context.Background(), domain.CreateTransferRequest{Amount: 100}); err == nil {
		t.Error("expected a missing currency to be rejected")
	}
}

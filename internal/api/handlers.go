/**
 * @description
 * This file contains the HTTP handlers for the remittance service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the orchestrator, and writing the HTTP response.
 * They act as the bridge between the web layer and the business logic layer.
 *
 * @notes
 * - Error responses carry the error kind and whether a retry makes sense, so
 *   the UI can distinguish network flakiness (retry affordance) from
 *   authentication and KYC failures (no automatic retry).
 */
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hoepeyemi/gwen-sub000/internal/app"
	"github.com/hoepeyemi/gwen-sub000/internal/domain"
	"github.com/hoepeyemi/gwen-sub000/internal/store"
	"github.com/hoepeyemi/gwen-sub000/pkg/anchor"
)

// TransferHandlers holds the orchestrator and verifier that handlers use.
type TransferHandlers struct {
	orchestrator *app.Orchestrator
	verifier     *app.PhoneVerifier
}

// NewTransferHandlers creates the handler set.
func NewTransferHandlers(orchestrator *app.Orchestrator, verifier *app.PhoneVerifier) *TransferHandlers {
	return &TransferHandlers{orchestrator: orchestrator, verifier: verifier}
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// errorKind maps an error to its taxonomy name for the API response.
func errorKind(err error) string {
	switch {
	case errors.Is(err, anchor.ErrManifestField):
		return "manifest_incomplete"
	case errors.Is(err, anchor.ErrInvalidChallenge):
		return "invalid_challenge"
	case errors.Is(err, anchor.ErrAuthExchange):
		return "auth_exchange_failed"
	case errors.Is(err, anchor.ErrKYCValidation):
		return "kyc_validation_failed"
	case errors.Is(err, anchor.ErrMissingAuthentication):
		return "missing_authentication"
	case errors.Is(err, anchor.ErrAnchorUnreachable):
		return "anchor_unreachable"
	case errors.Is(err, store.ErrRoleAlreadyAuthenticated):
		return "role_already_authenticated"
	case errors.Is(err, store.ErrTransferNotFound):
		return "transfer_not_found"
	case errors.Is(err, app.ErrRoleMismatch):
		return "role_mismatch"
	case errors.Is(err, app.ErrLegNotReady):
		return "leg_not_ready"
	case errors.Is(err, store.ErrLegStateConflict):
		return "leg_state_conflict"
	default:
		return "internal"
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrTransferNotFound):
		return http.StatusNotFound
	case errors.Is(err, anchor.ErrMissingAuthentication),
		errors.Is(err, anchor.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrRoleAlreadyAuthenticated),
		errors.Is(err, app.ErrRoleMismatch),
		errors.Is(err, app.ErrLegNotReady),
		errors.Is(err, store.ErrLegStateConflict):
		return http.StatusConflict
	case errors.Is(err, anchor.ErrKYCValidation),
		errors.Is(err, anchor.ErrInvalidChallenge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, anchor.ErrAnchorUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"request failed\" err=%v", err)
	}
	respondJSON(w, status, errorResponse{
		Error:     err.Error(),
		Kind:      errorKind(err),
		Retryable: anchor.Retryable(err),
	})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
}

// transferParams extracts and validates the id and role path parameters.
func transferParams(r *http.Request) (uuid.UUID, domain.TransferRole, error) {
	transferID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, "", errors.New("invalid transfer id")
	}
	role, err := domain.ParseTransferRole(chi.URLParam(r, "role"))
	if err != nil {
		return uuid.Nil, "", err
	}
	return transferID, role, nil
}

// RequestVerificationHandler issues a one-time code for a phone number.
func (h *TransferHandlers) RequestVerificationHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		http.Error(w, "phone is required", http.StatusBadRequest)
		return
	}

	if err := h.verifier.RequestCode(r.Context(), req.Phone); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "code_sent"})
}

// VerifyCodeHandler checks a submitted code and returns the authenticated
// user handle to drive subsequent transfer operations.
func (h *TransferHandlers) VerifyCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" || req.Code == "" {
		http.Error(w, "phone and code are required", http.StatusBadRequest)
		return
	}

	handle, err := h.verifier.VerifyCode(r.Context(), req.Phone, req.Code)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, app.ErrTooManyAttempts) {
			status = http.StatusTooManyRequests
		}
		respondJSON(w, status, errorResponse{Error: err.Error(), Kind: "verification_failed"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"user_handle": handle})
}

// CreateTransferHandler records a new transfer intent.
func (h *TransferHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	transfer, err := h.orchestrator.CreateTransfer(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, transfer)
}

// GetTransferHandler returns a transfer with both leg states.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid transfer id", http.StatusBadRequest)
		return
	}

	transfer, err := h.orchestrator.GetTransfer(r.Context(), transferID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transfer)
}

// AuthenticateHandler runs the SEP-10 pipeline for one transfer leg.
func (h *TransferHandlers) AuthenticateHandler(w http.ResponseWriter, r *http.Request) {
	transferID, role, err := transferParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	result, err := h.orchestrator.Authenticate(r.Context(), transferID, role, userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// SubmitKYCHandler submits KYC fields and optional base64-encoded identity
// documents for one transfer leg.
func (h *TransferHandlers) SubmitKYCHandler(w http.ResponseWriter, r *http.Request) {
	transferID, role, err := transferParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req struct {
		Fields map[string]string `json:"fields"`
		Files  map[string]string `json:"files,omitempty"` // field name -> base64 content
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Fields) == 0 {
		http.Error(w, "kyc fields are required", http.StatusBadRequest)
		return
	}

	files := make(map[string][]byte, len(req.Files))
	for field, encoded := range req.Files {
		content, decodeErr := base64.StdEncoding.DecodeString(encoded)
		if decodeErr != nil {
			http.Error(w, "file content must be base64 encoded", http.StatusBadRequest)
			return
		}
		files[field] = content
	}

	result, err := h.orchestrator.SubmitKYC(r.Context(), transferID, role, req.Fields, files)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// InitiateExchangeHandler starts the SEP-6 leg (sender deposit or receiver
// withdrawal). A repeat call returns the original operation with 200 instead
// of creating a duplicate.
func (h *TransferHandlers) InitiateExchangeHandler(w http.ResponseWriter, r *http.Request) {
	transferID, role, err := transferParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.orchestrator.InitiateExchange(r.Context(), transferID, role)
	if err != nil {
		respondError(w, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyInitiated {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

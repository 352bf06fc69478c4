/**
 * @description
 * This file defines the error taxonomy for the anchor package. Every failure
 * mode of the SEP-10/12/6 clients and the directory maps to one of these
 * sentinels or typed errors, so callers can distinguish protocol-validation
 * failures (never retried) from transport failures (retryable) and from
 * anchor-side rejections that carry a server message.
 *
 * @notes
 * - Typed errors wrap a sentinel via Unwrap, so both `errors.Is` against the
 *   sentinel and `errors.As` against the concrete type work.
 * - Anchor-provided messages are preserved verbatim; operators need them to
 *   diagnose interoperability issues against a specific anchor.
 */
package anchor

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestField indicates a required field is absent from a resolved
	// anchor manifest (stellar.toml).
	ErrManifestField = errors.New("anchor manifest field missing")

	// ErrEndpointUnavailable indicates the anchor publishes neither a usable
	// web-auth endpoint nor the signing key required for authentication.
	ErrEndpointUnavailable = errors.New("anchor authentication endpoint unavailable")

	// ErrInvalidChallenge indicates a SEP-10 challenge failed validation and
	// was discarded without being signed.
	ErrInvalidChallenge = errors.New("invalid sep-10 challenge")

	// ErrAuthExchange indicates the signed challenge was rejected or the
	// token endpoint failed; no token was obtained.
	ErrAuthExchange = errors.New("sep-10 token exchange failed")

	// ErrKYCValidation indicates the anchor rejected the submitted KYC field set.
	ErrKYCValidation = errors.New("sep-12 field validation failed")

	// ErrKYCFileUpload indicates a binary document upload failed. Callers
	// treat this as non-fatal; text fields were already accepted.
	ErrKYCFileUpload = errors.New("sep-12 file upload failed")

	// ErrUnauthenticated indicates the anchor rejected the bearer token.
	ErrUnauthenticated = errors.New("anchor rejected bearer token")

	// ErrMissingAuthentication indicates a SEP-6/12 call was attempted
	// without a bearer token.
	ErrMissingAuthentication = errors.New("bearer token required")

	// ErrCustomerNotFound indicates a SEP-12 status query before any submission.
	ErrCustomerNotFound = errors.New("customer record not found")

	// ErrAnchorUnreachable indicates a transport-level failure talking to the
	// anchor. Retryable by the caller.
	ErrAnchorUnreachable = errors.New("anchor unreachable")
)

// MissingManifestField reports which field of which domain's manifest was
// required but not published.
type MissingManifestField struct {
	Domain string
	Field  string
}

func (e *MissingManifestField) Error() string {
	return fmt.Sprintf("manifest for %s does not publish %s", e.Domain, e.Field)
}

func (e *MissingManifestField) Unwrap() error { return ErrManifestField }

// InvalidChallengeError carries the reason a challenge was rejected.
type InvalidChallengeError struct {
	Reason string
}

func (e *InvalidChallengeError) Error() string {
	return fmt.Sprintf("invalid challenge: %s", e.Reason)
}

func (e *InvalidChallengeError) Unwrap() error { return ErrInvalidChallenge }

// AuthExchangeError carries the anchor's verbatim rejection of a signed
// challenge, plus the HTTP status when one was received.
type AuthExchangeError struct {
	StatusCode int
	Message    string
}

func (e *AuthExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token exchange rejected with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("token exchange failed: %s", e.Message)
}

func (e *AuthExchangeError) Unwrap() error { return ErrAuthExchange }

// KYCValidationError carries the anchor's verbatim rejection of a KYC field set.
type KYCValidationError struct {
	StatusCode int
	Message    string
}

func (e *KYCValidationError) Error() string {
	return fmt.Sprintf("kyc submission rejected with status %d: %s", e.StatusCode, e.Message)
}

func (e *KYCValidationError) Unwrap() error { return ErrKYCValidation }

// TransportError wraps a network-level failure against a specific anchor
// endpoint. These are the only anchor errors a caller should retry.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("anchor request to %s failed: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return ErrAnchorUnreachable }

// Retryable reports whether err is a transport-level anchor failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrAnchorUnreachable)
}

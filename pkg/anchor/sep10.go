/**
 * @description
 * This file implements the SEP-10 challenge-response authentication client.
 * It requests a challenge transaction from an anchor's web-auth endpoint,
 * validates the challenge against the protocol invariants, countersigns it
 * with an ephemeral keypair and exchanges the signed envelope for a bearer
 * token. The client holds no state; sessions and tokens are owned by the
 * orchestrator.
 *
 * @dependencies
 * - github.com/stellar/go/txnbuild: Parses and verifies challenge
 *   transactions and produces the countersigned envelope.
 * - github.com/stellar/go/keypair: The ephemeral client keypair type.
 *
 * @notes
 * - A challenge that fails any validation check is discarded. Signing an
 *   unvalidated challenge would let a compromised anchor obtain a real
 *   signature over an arbitrary transaction shape.
 * - A failed token exchange is always surfaced as an AuthExchangeError with
 *   the anchor's message. There is no placeholder-token fallback.
 */
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

// Challenge is the artifact returned by an anchor's web-auth endpoint. The
// envelope is opaque until validated.
type Challenge struct {
	EnvelopeXDR       string
	NetworkPassphrase string
}

// ChallengeAuthClient drives SEP-10 authentication against anchors resolved
// through a shared Directory.
type ChallengeAuthClient struct {
	directory  *Directory
	httpClient *http.Client
}

// NewChallengeAuthClient creates a SEP-10 client backed by the given directory.
func NewChallengeAuthClient(directory *Directory) *ChallengeAuthClient {
	return &ChallengeAuthClient{
		directory: directory,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// webAuthURL resolves the challenge endpoint for homeDomain. Legacy anchors
// publish only TRANSFER_SERVER and serve web-auth from {transfer}/auth.
func (c *ChallengeAuthClient) webAuthURL(ctx context.Context, homeDomain string) (string, error) {
	manifest, err := c.directory.Resolve(ctx, homeDomain)
	if err != nil {
		return "", err
	}
	if manifest.SigningKey == "" {
		return "", fmt.Errorf("%w: %s publishes no signing key", ErrEndpointUnavailable, homeDomain)
	}
	if manifest.WebAuthEndpoint != "" {
		return manifest.WebAuthEndpoint, nil
	}
	if manifest.TransferServerURL != "" {
		return strings.TrimRight(manifest.TransferServerURL, "/") + "/auth", nil
	}
	return "", fmt.Errorf("%w: %s publishes neither a web-auth nor a transfer endpoint", ErrEndpointUnavailable, homeDomain)
}

// RequestChallenge asks the anchor for a challenge transaction naming
// clientPublicKey as the authenticating account.
func (c *ChallengeAuthClient) RequestChallenge(ctx context.Context, homeDomain, clientPublicKey string) (*Challenge, error) {
	endpoint, err := c.webAuthURL(ctx, homeDomain)
	if err != nil {
		return nil, err
	}

	requestURL := fmt.Sprintf("%s?account=%s", endpoint, url.QueryEscape(clientPublicKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &AuthExchangeError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var challengeResp struct {
		Transaction       string `json:"transaction"`
		NetworkPassphrase string `json:"network_passphrase"`
		Error             string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&challengeResp); err != nil {
		return nil, fmt.Errorf("failed to decode challenge response: %w", err)
	}
	if challengeResp.Error != "" {
		return nil, &AuthExchangeError{Message: challengeResp.Error}
	}
	if challengeResp.Transaction == "" {
		return nil, &InvalidChallengeError{Reason: "anchor returned an empty challenge transaction"}
	}

	return &Challenge{
		EnvelopeXDR:       challengeResp.Transaction,
		NetworkPassphrase: challengeResp.NetworkPassphrase,
	}, nil
}

// ValidatedChallenge wraps a challenge transaction that passed validation
// and may be countersigned. It is only produced by ValidateChallenge.
type ValidatedChallenge struct {
	tx *txnbuild.Transaction
}

// ValidateChallenge verifies a challenge before it may be signed: signed by
// the anchor's published signing key, built for the expected network, scoped
// to the expected home domain, and naming clientPublicKey as the subject
// account. It returns the parsed transaction for countersigning.
func (c *ChallengeAuthClient) ValidateChallenge(ctx context.Context, challenge *Challenge, homeDomain, clientPublicKey string) (*ValidatedChallenge, error) {
	signingKey, err := c.directory.SigningKey(ctx, homeDomain)
	if err != nil {
		return nil, err
	}
	networkPassphrase, err := c.directory.NetworkPassphrase(ctx, homeDomain)
	if err != nil {
		return nil, err
	}

	if challenge.NetworkPassphrase != "" && challenge.NetworkPassphrase != networkPassphrase {
		return nil, &InvalidChallengeError{
			Reason: fmt.Sprintf("challenge network %q does not match anchor network %q", challenge.NetworkPassphrase, networkPassphrase),
		}
	}

	webAuthDomain := ""
	if endpoint, endpointErr := c.webAuthURL(ctx, homeDomain); endpointErr == nil {
		if parsed, parseErr := url.Parse(endpoint); parseErr == nil {
			webAuthDomain = parsed.Hostname()
		}
	}

	tx, clientAccountID, _, _, err := txnbuild.ReadChallengeTx(
		challenge.EnvelopeXDR,
		signingKey,
		networkPassphrase,
		webAuthDomain,
		[]string{homeDomain},
	)
	if err != nil {
		return nil, &InvalidChallengeError{Reason: err.Error()}
	}

	if clientAccountID != clientPublicKey {
		return nil, &InvalidChallengeError{
			Reason: fmt.Sprintf("challenge subject %s is not the requesting account %s", clientAccountID, clientPublicKey),
		}
	}

	return &ValidatedChallenge{tx: tx}, nil
}

// SignChallenge countersigns a validated challenge with the ephemeral client
// keypair and returns the base64 envelope ready for the token exchange.
func (c *ChallengeAuthClient) SignChallenge(ctx context.Context, validated *ValidatedChallenge, homeDomain string, clientKeypair *keypair.Full) (string, error) {
	networkPassphrase, err := c.directory.NetworkPassphrase(ctx, homeDomain)
	if err != nil {
		return "", err
	}

	signed, err := validated.tx.Sign(networkPassphrase, clientKeypair)
	if err != nil {
		return "", fmt.Errorf("failed to sign challenge: %w", err)
	}

	envelope, err := signed.Base64()
	if err != nil {
		return "", fmt.Errorf("failed to encode signed challenge: %w", err)
	}
	return envelope, nil
}

// ExchangeForToken submits the countersigned challenge and returns the bearer
// token. Any transport or server failure surfaces as a typed error; a
// placeholder token is never fabricated.
func (c *ChallengeAuthClient) ExchangeForToken(ctx context.Context, homeDomain, signedEnvelopeXDR string) (string, error) {
	endpoint, err := c.webAuthURL(ctx, homeDomain)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{"transaction": signedEnvelopeXDR})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token exchange body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Endpoint: endpoint, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &AuthExchangeError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var tokenResp struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token exchange response: %w", err)
	}
	if tokenResp.Error != "" {
		return "", &AuthExchangeError{StatusCode: resp.StatusCode, Message: tokenResp.Error}
	}
	if tokenResp.Token == "" {
		return "", &AuthExchangeError{StatusCode: resp.StatusCode, Message: "anchor returned an empty token"}
	}

	return tokenResp.Token, nil
}

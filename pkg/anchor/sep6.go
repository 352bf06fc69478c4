/**
 * @description
 * This file implements the SEP-6 exchange client: deposit (fiat in, asset
 * out) and withdrawal (asset in, fiat out) initiation against an anchor's
 * transfer server. Both calls are bearer-authenticated GETs driven by query
 * parameters and return an anchor-assigned operation id plus human
 * instructions for completing the fiat leg.
 */
package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DepositRequest describes a deposit-exchange initiation: the user pays in
// SourceAsset off-chain and receives DestinationAsset on the network.
type DepositRequest struct {
	DestinationAsset string
	SourceAsset      string
	Amount           string
	Account          string
	Type             string
}

// DepositResponse is the anchor's instruction set for completing a deposit.
type DepositResponse struct {
	ID         string                 `json:"id"`
	How        string                 `json:"how"`
	ETA        int64                  `json:"eta,omitempty"`
	ExtraInfo  map[string]interface{} `json:"extra_info,omitempty"`
	MinAmount  float64                `json:"min_amount,omitempty"`
	FeeFixed   float64                `json:"fee_fixed,omitempty"`
	FeePercent float64                `json:"fee_percent,omitempty"`
}

// WithdrawRequest describes a withdraw-exchange initiation: the user sends
// SourceAsset on the network and the anchor pays out DestinationAsset to the
// destination details given in Dest/DestExtra.
type WithdrawRequest struct {
	SourceAsset      string
	DestinationAsset string
	Amount           string
	Account          string
	Type             string
	Dest             string
	DestExtra        string
}

// WithdrawResponse tells the client where to send the on-network funds.
type WithdrawResponse struct {
	ID         string  `json:"id"`
	AccountID  string  `json:"account_id"`
	Memo       string  `json:"memo,omitempty"`
	MemoType   string  `json:"memo_type,omitempty"`
	ETA        int64   `json:"eta,omitempty"`
	MinAmount  float64 `json:"min_amount,omitempty"`
	FeeFixed   float64 `json:"fee_fixed,omitempty"`
	FeePercent float64 `json:"fee_percent,omitempty"`
}

// ExchangeClient drives SEP-6 deposit and withdrawal initiation against
// anchors resolved through a shared Directory.
type ExchangeClient struct {
	directory  *Directory
	httpClient *http.Client
}

// NewExchangeClient creates a SEP-6 client backed by the given directory.
func NewExchangeClient(directory *Directory) *ExchangeClient {
	return &ExchangeClient{
		directory: directory,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *ExchangeClient) get(ctx context.Context, homeDomain, token, path string, query url.Values, out interface{}) error {
	if token == "" {
		return ErrMissingAuthentication
	}

	transferServer, err := c.directory.TransferServerURL(ctx, homeDomain)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(transferServer, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create exchange request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthenticated, strings.TrimSpace(string(respBody)))
	default:
		return fmt.Errorf("exchange request to %s failed with status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode exchange response: %w", err)
	}
	return nil
}

// InitiateDeposit starts a deposit-exchange operation and returns the
// anchor's deposit instructions.
func (c *ExchangeClient) InitiateDeposit(ctx context.Context, homeDomain, token string, req DepositRequest) (*DepositResponse, error) {
	query := url.Values{}
	query.Set("destination_asset", req.DestinationAsset)
	query.Set("source_asset", req.SourceAsset)
	query.Set("amount", req.Amount)
	query.Set("account", req.Account)
	if req.Type != "" {
		query.Set("type", req.Type)
	}

	var depositResp DepositResponse
	if err := c.get(ctx, homeDomain, token, "/deposit-exchange", query, &depositResp); err != nil {
		return nil, err
	}
	if depositResp.ID == "" {
		return nil, fmt.Errorf("anchor returned no deposit operation id")
	}
	return &depositResp, nil
}

// InitiateWithdrawal starts a withdraw-exchange operation and returns the
// on-network payment details.
func (c *ExchangeClient) InitiateWithdrawal(ctx context.Context, homeDomain, token string, req WithdrawRequest) (*WithdrawResponse, error) {
	query := url.Values{}
	query.Set("source_asset", req.SourceAsset)
	query.Set("destination_asset", req.DestinationAsset)
	query.Set("amount", req.Amount)
	query.Set("account", req.Account)
	if req.Type != "" {
		query.Set("type", req.Type)
	}
	if req.Dest != "" {
		query.Set("dest", req.Dest)
	}
	if req.DestExtra != "" {
		query.Set("dest_extra", req.DestExtra)
	}

	var withdrawResp WithdrawResponse
	if err := c.get(ctx, homeDomain, token, "/withdraw-exchange", query, &withdrawResp); err != nil {
		return nil, err
	}
	if withdrawResp.ID == "" {
		return nil, fmt.Errorf("anchor returned no withdrawal operation id")
	}
	return &withdrawResp, nil
}

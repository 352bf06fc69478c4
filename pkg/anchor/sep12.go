/**
 * @description
 * This file implements the SEP-12 customer information (KYC) client. Text
 * fields are submitted as JSON against {kyc}/customer; binary identity
 * documents go through a separate multipart upload target, never in the same
 * request as text fields. The anchor-assigned customer id must be carried on
 * every resubmission for the same customer so the anchor updates the existing
 * record instead of creating a duplicate.
 */
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CustomerSnapshot is the anchor's view of a customer record.
type CustomerSnapshot struct {
	ID       string                 `json:"id"`
	Status   string                 `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	Provided map[string]interface{} `json:"provided_fields,omitempty"`
}

// FileUploadTarget describes where and how binary KYC documents are uploaded.
type FileUploadTarget struct {
	URL         string
	ContentType string
	FieldPrefix string
}

// CustomerInfoClient drives SEP-12 KYC submission against anchors resolved
// through a shared Directory.
type CustomerInfoClient struct {
	directory  *Directory
	httpClient *http.Client
}

// NewCustomerInfoClient creates a SEP-12 client backed by the given directory.
func NewCustomerInfoClient(directory *Directory) *CustomerInfoClient {
	return &CustomerInfoClient{
		directory: directory,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *CustomerInfoClient) customerURL(ctx context.Context, homeDomain string) (string, error) {
	kycServer, err := c.directory.KYCServerURL(ctx, homeDomain)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(kycServer, "/") + "/customer", nil
}

// SubmitFields PUTs text KYC fields for a customer and returns the
// anchor-assigned customer id. Pass the previously returned id in
// existingCustomerID on resubmission so the same record is updated.
func (c *CustomerInfoClient) SubmitFields(ctx context.Context, homeDomain, token string, fields map[string]string, existingCustomerID string) (string, error) {
	if token == "" {
		return "", ErrMissingAuthentication
	}

	endpoint, err := c.customerURL(ctx, homeDomain)
	if err != nil {
		return "", err
	}

	payload := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	if existingCustomerID != "" {
		payload["id"] = existingCustomerID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal kyc fields: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create kyc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Endpoint: endpoint, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		// fallthrough to decode below
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: %s", ErrUnauthenticated, strings.TrimSpace(string(respBody)))
	case resp.StatusCode == http.StatusBadRequest:
		return "", &KYCValidationError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	default:
		return "", fmt.Errorf("kyc submission failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var submitResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &submitResp); err != nil {
		return "", fmt.Errorf("failed to decode kyc response: %w", err)
	}
	if submitResp.ID == "" {
		// Updates of an existing record may omit the id in the response.
		if existingCustomerID != "" {
			return existingCustomerID, nil
		}
		return "", fmt.Errorf("anchor returned no customer id")
	}
	return submitResp.ID, nil
}

// GetFileUploadTarget returns where binary identity documents for this anchor
// are uploaded. Documents always go through this target as multipart form
// data, separate from the text-field submission.
func (c *CustomerInfoClient) GetFileUploadTarget(ctx context.Context, homeDomain, token string) (*FileUploadTarget, error) {
	if token == "" {
		return nil, ErrMissingAuthentication
	}
	endpoint, err := c.customerURL(ctx, homeDomain)
	if err != nil {
		return nil, err
	}
	return &FileUploadTarget{
		URL:         endpoint + "/files",
		ContentType: "multipart/form-data",
		FieldPrefix: "file",
	}, nil
}

// UploadFiles submits binary identity-document fields as a multipart request
// against the file upload target. Returns the anchor-assigned file ids keyed
// by field name.
func (c *CustomerInfoClient) UploadFiles(ctx context.Context, homeDomain, token string, files map[string][]byte) (map[string]string, error) {
	if token == "" {
		return nil, ErrMissingAuthentication
	}
	if len(files) == 0 {
		return map[string]string{}, nil
	}

	target, err := c.GetFileUploadTarget(ctx, homeDomain, token)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for field, content := range files {
		part, partErr := writer.CreateFormFile(field, field)
		if partErr != nil {
			return nil, fmt.Errorf("failed to build multipart body: %w", partErr)
		}
		if _, writeErr := part.Write(content); writeErr != nil {
			return nil, fmt.Errorf("failed to build multipart body: %w", writeErr)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create file upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKYCFileUpload, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKYCFileUpload, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: status %d: %s", ErrKYCFileUpload, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var uploadResp struct {
		Files map[string]string `json:"files"`
	}
	if err := json.Unmarshal(respBody, &uploadResp); err != nil {
		// Some anchors return an empty body on success.
		return map[string]string{}, nil
	}
	return uploadResp.Files, nil
}

// QueryStatus reads the current KYC status of a customer. Filters are passed
// through as query parameters (id, account, type).
func (c *CustomerInfoClient) QueryStatus(ctx context.Context, homeDomain, token string, filters map[string]string) (*CustomerSnapshot, error) {
	if token == "" {
		return nil, ErrMissingAuthentication
	}

	endpoint, err := c.customerURL(ctx, homeDomain)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	for k, v := range filters {
		query.Set(k, v)
	}
	requestURL := endpoint
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create kyc status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrCustomerNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthenticated
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("kyc status query failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snapshot CustomerSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode kyc status response: %w", err)
	}
	return &snapshot, nil
}

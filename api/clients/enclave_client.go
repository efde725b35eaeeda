package clients

import (
	"context"
	"net/http"
	"strings"

	"github.com/ruteri/medvault-enclave/enclave"
	"github.com/ruteri/medvault-enclave/interfaces"
)

// EnclaveAdminClient drives an enclave's host-local admin API.
type EnclaveAdminClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewEnclaveAdminClient(baseURL string) *EnclaveAdminClient {
	return &EnclaveAdminClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *EnclaveAdminClient) Status(ctx context.Context) (*enclave.Status, error) {
	var status enclave.Status
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/admin/status", nil, &status, nil); err != nil {
		return nil, err
	}
	return &status, nil
}

// InitKeyLoad starts a key load and returns the encoded request to relay to key servers.
func (c *EnclaveAdminClient) InitKeyLoad(ctx context.Context, whitelist interfaces.WhitelistID, version uint64) (string, error) {
	var resp enclave.InitKeyLoadResponse
	req := enclave.InitKeyLoadRequest{Whitelist: whitelist, Version: version}
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/admin/init_key_load", req, &resp, nil); err != nil {
		return "", err
	}
	return resp.EncodedRequest, nil
}

func (c *EnclaveAdminClient) CompleteKeyLoad(ctx context.Context, responses []*interfaces.FetchKeyResponse) (*enclave.CompleteKeyLoadResponse, error) {
	var resp enclave.CompleteKeyLoadResponse
	req := enclave.CompleteKeyLoadRequest{Responses: responses}
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/admin/complete_key_load", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *EnclaveAdminClient) ProvisionSecret(ctx context.Context, req enclave.ProvisionSecretRequest) error {
	return doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/admin/provision_secret", req, nil, nil)
}

// EnclaveClient reads an enclave's public endpoints.
type EnclaveClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewEnclaveClient(baseURL string) *EnclaveClient {
	return &EnclaveClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *EnclaveClient) HealthCheck(ctx context.Context) (*enclave.HealthCheck, error) {
	var resp enclave.HealthCheck
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/health_check", nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *EnclaveClient) Attestation(ctx context.Context) (*enclave.AttestationReport, error) {
	var resp enclave.AttestationReport
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/get_attestation", nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

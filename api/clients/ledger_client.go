package clients

import (
	"context"
	"net/http"
	"strings"

	"github.com/ruteri/medvault-enclave/interfaces"
)

// LedgerClient simulates policy transactions against a remote vault server.
type LedgerClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewLedgerClient(baseURL string) *LedgerClient {
	return &LedgerClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Simulate returns nil if the ledger approves tx. Rejections carry the taxonomy error the
// server reported.
func (c *LedgerClient) Simulate(ctx context.Context, tx *interfaces.Transaction) error {
	return doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/ledger/simulate", tx, nil, nil)
}

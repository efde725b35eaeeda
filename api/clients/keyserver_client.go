package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
)

// KeyServerClient is a remote key server node. It satisfies interfaces.KeyServer.
type KeyServerClient struct {
	id         interfaces.NodeID
	baseURL    string
	httpClient *http.Client
}

func NewKeyServerClient(id interfaces.NodeID, baseURL string) *KeyServerClient {
	return &KeyServerClient{
		id:         id,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// KeyServerClientsFor returns a client for every committee node with a URL.
func KeyServerClientsFor(cfg *keyserver.CommitteeConfig) ([]interfaces.KeyServer, error) {
	servers := make([]interfaces.KeyServer, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		if node.URL == "" {
			return nil, fmt.Errorf("committee node %s has no url", node.ID)
		}
		servers = append(servers, NewKeyServerClient(node.ID, node.URL))
	}
	return servers, nil
}

func (c *KeyServerClient) ID() interfaces.NodeID { return c.id }

// FetchKey posts req to the node. Transport failures are reported as ErrBackendUnavailable.
func (c *KeyServerClient) FetchKey(ctx context.Context, req *interfaces.FetchKeyRequest) (*interfaces.FetchKeyResponse, error) {
	var resp interfaces.FetchKeyResponse
	err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/v1/fetch_key", req, &resp, nil)
	var netErr net.Error
	if errors.As(err, &netErr) {
		return nil, fmt.Errorf("%w: %s: %w", interfaces.ErrBackendUnavailable, c.id, err)
	}
	if err != nil {
		return nil, err
	}
	if resp.Node != c.id {
		return nil, fmt.Errorf("%w: expected %s, got response from %s", interfaces.ErrUnknownKeyServer, c.id, resp.Node)
	}
	return &resp, nil
}

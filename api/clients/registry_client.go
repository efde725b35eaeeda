package clients

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/medvault-enclave/api"
	"github.com/ruteri/medvault-enclave/api/registryapi"
	"github.com/ruteri/medvault-enclave/enclave"
	"github.com/ruteri/medvault-enclave/interfaces"
)

// RegistryClient administers whitelists on a vault server. Mutations are signed with the
// wallet key; the capability token handle is attached per call.
type RegistryClient struct {
	baseURL    string
	wallet     *ecdsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time

	mu       sync.Mutex
	lastSign time.Time
}

func NewRegistryClient(baseURL string, wallet *ecdsa.PrivateKey) *RegistryClient {
	return &RegistryClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		wallet:     wallet,
		httpClient: &http.Client{Timeout: defaultTimeout},
		now:        time.Now,
	}
}

func (c *RegistryClient) signer(token string) requestSigner {
	return func(req *http.Request, body []byte) error {
		if token != "" {
			req.Header.Set(registryapi.CapabilityHeader, token)
		}
		return api.SignWalletRequest(req, c.wallet, body, c.signingTime())
	}
}

// signingTime is strictly increasing at millisecond resolution, since the server accepts
// each signed request once.
func (c *RegistryClient) signingTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().Truncate(time.Millisecond)
	if !ts.After(c.lastSign) {
		ts = c.lastSign.Add(time.Millisecond)
	}
	c.lastSign = ts
	return ts
}

func (c *RegistryClient) whitelistURL(id interfaces.WhitelistID) string {
	return c.baseURL + "/api/whitelists/" + id.String()
}

// CreateWhitelist creates a vault owned by the client's wallet.
func (c *RegistryClient) CreateWhitelist(ctx context.Context, patientRef string) (*registryapi.CreateWhitelistResponse, error) {
	var resp registryapi.CreateWhitelistResponse
	req := registryapi.CreateWhitelistRequest{PatientRef: patientRef}
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/whitelists", req, &resp, c.signer("")); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RegistryClient) AddDoctor(ctx context.Context, token string, id interfaces.WhitelistID, doctor interfaces.Address) error {
	return doJSON(ctx, c.httpClient, http.MethodPost, c.whitelistURL(id)+"/doctors", registryapi.MemberRequest{Address: doctor}, nil, c.signer(token))
}

func (c *RegistryClient) RemoveDoctor(ctx context.Context, token string, id interfaces.WhitelistID, doctor interfaces.Address) error {
	return doJSON(ctx, c.httpClient, http.MethodDelete, c.whitelistURL(id)+"/doctors/"+doctor.Hex(), nil, nil, c.signer(token))
}

func (c *RegistryClient) AddMember(ctx context.Context, token string, id interfaces.WhitelistID, member interfaces.Address) error {
	return doJSON(ctx, c.httpClient, http.MethodPost, c.whitelistURL(id)+"/members", registryapi.MemberRequest{Address: member}, nil, c.signer(token))
}

func (c *RegistryClient) RemoveMember(ctx context.Context, token string, id interfaces.WhitelistID, member interfaces.Address) error {
	return doJSON(ctx, c.httpClient, http.MethodDelete, c.whitelistURL(id)+"/members/"+member.Hex(), nil, nil, c.signer(token))
}

// RegisterEnclave submits an enclave's attestation report for registration on the whitelist.
func (c *RegistryClient) RegisterEnclave(ctx context.Context, token string, id interfaces.WhitelistID, report *enclave.AttestationReport) error {
	req := registryapi.RegisterEnclaveRequest{
		EnclaveID:       enclave.EnclaveIDFor(ed25519.PublicKey(report.PublicKey)),
		PublicKey:       report.PublicKey,
		Wallet:          common.HexToAddress(report.Wallet),
		AttestationType: report.Type,
		Attestation:     report.Attestation,
	}
	return doJSON(ctx, c.httpClient, http.MethodPost, c.whitelistURL(id)+"/enclaves", req, nil, c.signer(token))
}

func (c *RegistryClient) GetWhitelist(ctx context.Context, id interfaces.WhitelistID) (*interfaces.Whitelist, error) {
	var wl interfaces.Whitelist
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.whitelistURL(id), nil, &wl, nil); err != nil {
		return nil, err
	}
	return &wl, nil
}

func (c *RegistryClient) Access(ctx context.Context, id interfaces.WhitelistID, user interfaces.Address) (*registryapi.AccessResponse, error) {
	var resp registryapi.AccessResponse
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.whitelistURL(id)+"/access/"+user.Hex(), nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/medvault-enclave/interfaces"
)

// WalrusBackend stores blobs through a Walrus publisher and reads them from an aggregator.
//
// Walrus assigns its own 32-byte blob ids, so the ContentID returned by Store is the
// Walrus blob id rather than the SHA-256 of the data. A Walrus backend therefore cannot
// be combined with other backends in a MultiStorageBackend.
type WalrusBackend struct {
	aggregator  string
	publisher   string
	epochs      int
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

func NewWalrusBackend(aggregator, publisher string, epochs int, timeout time.Duration, log *slog.Logger) *WalrusBackend {
	if epochs <= 0 {
		epochs = 1
	}
	return &WalrusBackend{
		aggregator:  strings.TrimSuffix(aggregator, "/"),
		publisher:   strings.TrimSuffix(publisher, "/"),
		epochs:      epochs,
		client:      &http.Client{Timeout: timeout},
		log:         log,
		locationURI: fmt.Sprintf("walrus://%s?publisher=%s&epochs=%d", strings.TrimPrefix(aggregator, "https://"), publisher, epochs),
	}
}

// walrusBlobID encodes a content id the way Walrus prints blob ids.
func walrusBlobID(id interfaces.ContentID) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func parseWalrusBlobID(blobID string) (interfaces.ContentID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(blobID)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("invalid walrus blob id %q: %w", blobID, err)
	}
	return interfaces.NewContentIDFromBytes(raw)
}

// Fetch returns ErrBlobNotFound when the aggregator reports the blob missing or expired.
func (b *WalrusBackend) Fetch(ctx context.Context, id interfaces.ContentID, _ interfaces.ContentType) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.aggregator+"/v1/blobs/"+walrusBlobID(id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, interfaces.ErrBlobNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("walrus aggregator returned %d: %s", resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read walrus blob: %w", err)
	}
	b.log.Debug("fetched blob from walrus", "blobID", walrusBlobID(id), "size", len(data))
	return data, nil
}

type walrusStoreResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
}

// Store publishes data and returns the Walrus blob id.
func (b *WalrusBackend) Store(ctx context.Context, data []byte, _ interfaces.ContentType) (interfaces.ContentID, error) {
	url := fmt.Sprintf("%s/v1/blobs?epochs=%d", b.publisher, b.epochs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return interfaces.ContentID{}, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return interfaces.ContentID{}, fmt.Errorf("walrus publisher returned %d: %s", resp.StatusCode, body)
	}

	var stored walrusStoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return interfaces.ContentID{}, fmt.Errorf("malformed walrus publisher response: %w", err)
	}

	var blobID string
	switch {
	case stored.NewlyCreated != nil:
		blobID = stored.NewlyCreated.BlobObject.BlobID
	case stored.AlreadyCertified != nil:
		blobID = stored.AlreadyCertified.BlobID
	default:
		return interfaces.ContentID{}, fmt.Errorf("walrus publisher response has no blob id")
	}

	id, err := parseWalrusBlobID(blobID)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	b.log.Debug("stored blob in walrus", "blobID", blobID, "size", len(data))
	return id, nil
}

// Available checks that the aggregator answers.
func (b *WalrusBackend) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.aggregator+"/v1/api", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug("walrus aggregator unavailable", "err", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (b *WalrusBackend) Name() string {
	return "walrus-" + strings.TrimPrefix(strings.TrimPrefix(b.aggregator, "https://"), "http://")
}

func (b *WalrusBackend) LocationURI() string {
	return b.locationURI
}

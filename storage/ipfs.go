package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/medvault-enclave/interfaces"
)

// IPFSBackend stores blobs on an IPFS node through its HTTP API. Blobs are added to a
// per-backend MFS directory so they can be located by content id.
type IPFSBackend struct {
	shell       *shell.Shell
	apiAddr     string
	root        string
	log         *slog.Logger
	locationURI string

	mu   sync.Mutex
	dirs map[interfaces.ContentType]bool
}

// NewIPFSBackend connects to the IPFS API at host:port with the given request timeout.
func NewIPFSBackend(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	apiAddr := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiAddr)
	sh.SetTimeout(timeout)

	if root == "" {
		root = "/medvault"
	}

	return &IPFSBackend{
		shell:       sh,
		apiAddr:     apiAddr,
		root:        "/" + strings.Trim(root, "/"),
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiAddr, root, timeout),
		dirs:        make(map[interfaces.ContentType]bool),
	}, nil
}

// Fetch returns ErrBlobNotFound if no blob is linked under the content id.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	if !b.shell.IsUp() {
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, b.path(id, contentType))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "no link named") {
			return nil, interfaces.ErrBlobNotFound
		}
		b.log.Error("failed to read blob from IPFS", "contentID", id.String(), "err", err)
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("IPFS returned content not matching %s", id)
	}
	return data, nil
}

// Store adds data to IPFS and links it into the backend's directory.
func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	if err := b.ensureDir(ctx, contentType); err != nil {
		return id, err
	}

	cid, err := b.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return id, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	if err := b.shell.FilesCp(ctx, "/ipfs/"+cid, b.path(id, contentType)); err != nil && !strings.Contains(err.Error(), "already exists") {
		return id, fmt.Errorf("failed to link %s: %w", cid, err)
	}

	b.log.Debug("stored blob in IPFS", "cid", cid, "contentID", id.String(), "contentType", contentType.String())
	return id, nil
}

func (b *IPFSBackend) ensureDir(ctx context.Context, contentType interfaces.ContentType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dirs[contentType] {
		return nil
	}
	if err := b.shell.FilesMkdir(ctx, b.root+"/"+contentType.String(), shell.FilesMkdir.Parents(true)); err != nil {
		return fmt.Errorf("failed to create IPFS directory: %w", err)
	}
	b.dirs[contentType] = true
	return nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s", b.apiAddr)
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) path(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return fmt.Sprintf("%s/%s/%s", b.root, contentType.String(), id.String())
}

package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
)

const (
	AddressHeader   = "X-Medvault-Address"
	TimestampHeader = "X-Medvault-Timestamp"
	SignatureHeader = "X-Medvault-Signature"
)

// MaxRequestSkew bounds the age of a signed request.
const MaxRequestSkew = 5 * time.Minute

// MaxSignedBodySize bounds the body read before the signature is checked.
const MaxSignedBodySize = 1 << 20

type callerKey struct{}

// WalletRequestMessage is the text a caller personal-signs to authenticate a request.
func WalletRequestMessage(method, path string, timestampMs int64, body []byte) []byte {
	digest := sha256.Sum256(body)
	return []byte(fmt.Sprintf("medvault request\n%s %s\n%d\n%s", method, path, timestampMs, hex.EncodeToString(digest[:])))
}

// SignWalletRequest sets the authentication headers on req. body must be the exact request body.
func SignWalletRequest(req *http.Request, key *ecdsa.PrivateKey, body []byte, now time.Time) error {
	ts := now.UnixMilli()
	sig, err := cryptoutils.SignWalletMessage(key, WalletRequestMessage(req.Method, req.URL.Path, ts, body))
	if err != nil {
		return err
	}
	req.Header.Set(AddressHeader, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(SignatureHeader, hexutil.Encode(sig))
	return nil
}

// replayGuard remembers authenticated requests until their timestamp leaves the
// accepted window, so each signed request is served at most once.
type replayGuard struct {
	mu        sync.Mutex
	seen      map[[32]byte]time.Time
	lastSweep time.Time
}

func newReplayGuard() *replayGuard {
	return &replayGuard{seen: make(map[[32]byte]time.Time)}
}

// use records digest and reports whether it was new. Entries are dropped once now is past
// their expiry, after which the timestamp check rejects the request anyway.
func (g *replayGuard) use(digest [32]byte, expiry, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastSweep) >= MaxRequestSkew {
		for k, exp := range g.seen {
			if now.After(exp) {
				delete(g.seen, k)
			}
		}
		g.lastSweep = now
	}
	if _, ok := g.seen[digest]; ok {
		return false
	}
	g.seen[digest] = expiry
	return true
}

func (g *replayGuard) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func verifyWalletRequest(w http.ResponseWriter, r *http.Request, guard *replayGuard, now time.Time) (interfaces.Address, error) {
	addrHex := r.Header.Get(AddressHeader)
	if !common.IsHexAddress(addrHex) {
		return interfaces.Address{}, fmt.Errorf("%w: missing or malformed %s", interfaces.ErrSignatureInvalid, AddressHeader)
	}
	ts, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
	if err != nil {
		return interfaces.Address{}, fmt.Errorf("%w: malformed %s", interfaces.ErrSignatureInvalid, TimestampHeader)
	}
	if skew := now.Sub(time.UnixMilli(ts)); skew > MaxRequestSkew || skew < -MaxRequestSkew {
		return interfaces.Address{}, fmt.Errorf("%w: request timestamp outside allowed window", interfaces.ErrSignatureInvalid)
	}
	sig, err := hexutil.Decode(r.Header.Get(SignatureHeader))
	if err != nil {
		return interfaces.Address{}, fmt.Errorf("%w: malformed %s", interfaces.ErrSignatureInvalid, SignatureHeader)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, MaxSignedBodySize))
		if err != nil {
			return interfaces.Address{}, err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	msg := WalletRequestMessage(r.Method, r.URL.Path, ts, body)
	signer, err := cryptoutils.RecoverWalletSigner(msg, sig)
	if err != nil {
		return interfaces.Address{}, fmt.Errorf("%w: %w", interfaces.ErrSignatureInvalid, err)
	}
	claimed := common.HexToAddress(addrHex)
	if signer != claimed {
		return interfaces.Address{}, fmt.Errorf("%w: request signed by %s, claimed %s", interfaces.ErrSignatureInvalid, signer.Hex(), claimed.Hex())
	}

	// Keyed by the signed content rather than the signature bytes, which are malleable.
	digest := sha256.Sum256(append(signer.Bytes(), msg...))
	if !guard.use(digest, time.UnixMilli(ts).Add(MaxRequestSkew), now) {
		return interfaces.Address{}, fmt.Errorf("%w: request already used", interfaces.ErrSignatureInvalid)
	}
	return signer, nil
}

// WalletAuth rejects requests without a valid wallet signature and stores the caller's
// address in the request context. A signed request is accepted once; sending it again
// fails with ErrSignatureInvalid.
func WalletAuth(log *slog.Logger, now func() time.Time) func(http.Handler) http.Handler {
	guard := newReplayGuard()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := verifyWalletRequest(w, r, guard, now())
			if err != nil {
				log.Info("rejected unauthenticated request", "path", r.URL.Path, "err", err)
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
					return
				}
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
		})
	}
}

// CallerFrom returns the address WalletAuth authenticated.
func CallerFrom(ctx context.Context) (interfaces.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(interfaces.Address)
	return addr, ok
}

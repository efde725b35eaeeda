package download

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/ruteri/medvault-enclave/kms"
	"github.com/ruteri/medvault-enclave/metrics"
	"github.com/ruteri/medvault-enclave/policy"
	"github.com/ruteri/medvault-enclave/session"
)

// fileNonceSize is the length of the random suffix that makes each file's key identity unique.
const fileNonceSize = 16

// RecordStore is the part of the access registry the orchestrator reads and writes.
type RecordStore interface {
	interfaces.AccessRegistry
	GetRecord(id interfaces.RecordID) (*interfaces.Record, error)
	CreateRecord(uploader interfaces.Address, whitelist interfaces.WhitelistID, files []interfaces.FileEntry) (*interfaces.Record, error)
}

// Service ties download and upload sessions to the ciphertext store and the key source.
type Service struct {
	cfg       Config
	records   RecordStore
	keys      kms.KeySource
	storage   interfaces.StorageBackend
	simulator interfaces.PolicySimulator
	sessions  *session.Store
	local     *cryptoutils.LocalCipher
	now       func() time.Time
	log       *slog.Logger
}

// NewService creates the orchestrator. simulator is only consulted on the insecure local
// path, where no key server evaluates the policy.
func NewService(cfg Config, records RecordStore, keys kms.KeySource, storage interfaces.StorageBackend, simulator interfaces.PolicySimulator, log *slog.Logger) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		records:   records,
		keys:      keys,
		storage:   storage,
		simulator: simulator,
		sessions:  session.NewStore(cfg.SessionTTL, log).WithMaxPerRequester(cfg.MaxPendingPerRequester),
		now:       time.Now,
		log:       log,
	}

	if cfg.InsecureLocalFallback {
		if simulator == nil {
			return nil, errors.New("insecure local fallback requires a policy simulator")
		}
		local, err := cryptoutils.NewInsecureLocalCipher(cfg.InsecureLocalPassphrase)
		if err != nil {
			return nil, err
		}
		s.local = local
		log.Error("INSECURE local fallback enabled, records may be sealed without the key servers", "insecure", true)
	}
	return s, nil
}

// WithClock overrides the clock of the service and its session store.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.sessions.WithClock(now)
	return s
}

// Sessions exposes the session table so the caller can run its sweeper.
func (s *Service) Sessions() *session.Store { return s.sessions }

// Challenge is what the requester must wallet-sign to authorize a session.
type Challenge struct {
	SessionID  string    `json:"session_id"`
	Challenge  string    `json:"challenge"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int64     `json:"ttl"`
}

// newChallenge mints a session key whose certificate message is the challenge.
func (s *Service) newChallenge(sess *session.Session) (*Challenge, error) {
	sessionPub, sessionKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate session key: %w", err)
	}

	cert := policy.NewCertificate(sess.Requester, s.cfg.Package, sessionPub, s.now(), s.cfg.SessionTTL)
	sess.SessionKey = sessionKey
	sess.Certificate = cert
	sess.Challenge = policy.CertificateMessage(cert)

	created := s.sessions.Create(sess)
	return &Challenge{
		SessionID:  created.ID,
		Challenge:  string(created.Challenge),
		ExpiresAt:  created.ExpiresAt,
		TTLSeconds: int64(s.sessions.TTL() / time.Second),
	}, nil
}

// signedCertificate attaches the requester's signature and checks it.
func (s *Service) signedCertificate(sess *session.Session, signature []byte) (*interfaces.Certificate, error) {
	cert := *sess.Certificate
	cert.Signature = signature
	if err := policy.VerifyCertificate(&cert, s.now()); err != nil {
		return nil, err
	}
	return &cert, nil
}

// consume takes a session out of the table. A session of the wrong kind is treated as missing.
func (s *Service) consume(id string, kind session.Kind) (*session.Session, error) {
	sess, err := s.sessions.Consume(id)
	if err != nil {
		return nil, err
	}
	if sess.Kind != kind {
		sess.Wipe()
		return nil, interfaces.ErrSessionNotFound
	}
	return sess, nil
}

// fetchKeys asks the key source for the keys tx authorizes, signing the request with the
// session key.
func (s *Service) fetchKeys(ctx context.Context, sess *session.Session, cert *interfaces.Certificate, tx *interfaces.Transaction) (keyserver.IdentityKeys, error) {
	encPub, encPriv, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return nil, err
	}
	defer encPriv.Wipe()

	req, err := policy.NewFetchKeyRequest(tx, cert, sess.SessionKey, encPub)
	if err != nil {
		return nil, err
	}
	return s.keys.FetchKeys(ctx, req, encPriv)
}

// checkLocally runs the policy without key servers. Used only on the insecure path.
func (s *Service) checkLocally(ctx context.Context, tx *interfaces.Transaction, op string) error {
	if err := s.simulator.Simulate(ctx, tx); err != nil {
		return err
	}
	metrics.InsecureFallbackTotal.WithLabelValues(op).Inc()
	return nil
}

package session

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/metrics"
)

// DefaultTTL is the lifetime of a session and of the certificate it challenges for.
const DefaultTTL = 30 * time.Minute

// DefaultMaxPerRequester bounds the pending sessions held for one requester.
const DefaultMaxPerRequester = 16

// State is the position of one download or upload attempt in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateChallenged
	StateSigned
	StateDecrypting
	StateDelivered
	StateExpired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateChallenged:
		return "CHALLENGED"
	case StateSigned:
		return "SIGNED"
	case StateDecrypting:
		return "DECRYPTING"
	case StateDelivered:
		return "DELIVERED"
	case StateExpired:
		return "EXPIRED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateExpired || s == StateFailed
}

type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// Session binds one requester to one pending key request. The session key never leaves
// the server; the requester only signs the challenge.
type Session struct {
	ID        string
	Kind      Kind
	Requester interfaces.Address
	Whitelist interfaces.WhitelistID
	Identity  interfaces.KeyIdentity

	// download
	Record    interfaces.RecordID
	FileIndex int

	// upload
	FileTypes []string

	SessionKey  ed25519.PrivateKey
	Certificate *interfaces.Certificate
	Challenge   []byte

	CreatedAt time.Time
	ExpiresAt time.Time
	State     State
}

// Expired reports whether the session is unusable at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Wipe zeroes the session key.
func (s *Session) Wipe() {
	cryptoutils.WipeBytes(s.SessionKey)
}

// Store is the in-memory session table. Consume removes a session atomically, so a
// session is handed out at most once. Each requester holds at most maxPerRequester
// pending sessions; creating one more evicts that requester's oldest.
type Store struct {
	mu              sync.Mutex
	sessions        map[string]*Session
	byRequester     map[interfaces.Address][]string
	maxPerRequester int
	ttl             time.Duration
	now             func() time.Time
	log             *slog.Logger
}

func NewStore(ttl time.Duration, log *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		sessions:        make(map[string]*Session),
		byRequester:     make(map[interfaces.Address][]string),
		maxPerRequester: DefaultMaxPerRequester,
		ttl:             ttl,
		now:             time.Now,
		log:             log,
	}
}

// WithMaxPerRequester overrides the per-requester bound. Values below one keep the default.
func (s *Store) WithMaxPerRequester(n int) *Store {
	if n > 0 {
		s.maxPerRequester = n
	}
	return s
}

// WithClock overrides the clock used for expiry.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Create assigns an id and expiry to sess, moves it to CHALLENGED and stores it.
func (s *Store) Create(sess *Session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess.ID = uuid.NewString()
	sess.CreatedAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	sess.State = StateChallenged

	pending := s.byRequester[sess.Requester]
	for len(pending) >= s.maxPerRequester {
		oldest := s.sessions[pending[0]]
		s.remove(oldest)
		oldest.State = StateExpired
		oldest.Wipe()
		metrics.SessionsEvictedTotal.Inc()
		s.log.Debug("evicted oldest pending session", "requester", sess.Requester.Hex(), "session", oldest.ID)
		pending = s.byRequester[sess.Requester]
	}

	s.sessions[sess.ID] = sess
	s.byRequester[sess.Requester] = append(pending, sess.ID)
	return sess
}

// remove must be called with the lock held.
func (s *Store) remove(sess *Session) {
	delete(s.sessions, sess.ID)

	pending := s.byRequester[sess.Requester]
	for i, id := range pending {
		if id == sess.ID {
			pending = append(pending[:i:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(s.byRequester, sess.Requester)
	} else {
		s.byRequester[sess.Requester] = pending
	}
}

// Consume removes the session and returns it in SIGNED state. A missing session yields
// ErrSessionNotFound. An expired session is discarded and yields ErrExpiredSession.
func (s *Store) Consume(id string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		s.remove(sess)
	}
	s.mu.Unlock()

	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	if sess.Expired(s.now()) {
		sess.State = StateExpired
		sess.Wipe()
		return nil, interfaces.ErrExpiredSession
	}

	sess.State = StateSigned
	return sess, nil
}

// Sweep removes every expired session and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, sess := range s.sessions {
		if sess.Expired(now) {
			sess.State = StateExpired
			sess.Wipe()
			s.remove(sess)
			removed++
		}
	}
	if removed > 0 {
		metrics.SessionsSweptTotal.Add(float64(removed))
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Debug("swept expired sessions", "count", n)
			}
		}
	}
}

// Len returns the number of pending sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// PendingFor returns the number of pending sessions held for requester.
func (s *Store) PendingFor(requester interfaces.Address) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byRequester[requester])
}

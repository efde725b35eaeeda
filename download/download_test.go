package download

import (
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/keyserver"
	"github.com/ruteri/medvault-enclave/kms"
	"github.com/ruteri/medvault-enclave/policy"
	"github.com/ruteri/medvault-enclave/registry"
	"github.com/ruteri/medvault-enclave/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type wallet struct {
	key  *ecdsa.PrivateKey
	addr interfaces.Address
}

func newWallet(t *testing.T) wallet {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (w wallet) sign(t *testing.T, c *Challenge) []byte {
	sig, err := cryptoutils.SignWalletMessage(w.key, []byte(c.Challenge))
	require.NoError(t, err)
	return sig
}

type testEnv struct {
	log       *slog.Logger
	clock     *testClock
	reg       *registry.Registry
	contract  *policy.Contract
	committee *keyserver.Committee
	servers   []interfaces.KeyServer
	store     *storage.FileBackend

	owner, doctor, member, stranger wallet
	token                           *registry.CapabilityToken
}

func newTestEnv(t *testing.T) *testEnv {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: testNow}

	env := &testEnv{
		log:      log,
		clock:    clock,
		reg:      registry.NewRegistry(log),
		owner:    newWallet(t),
		doctor:   newWallet(t),
		member:   newWallet(t),
		stranger: newWallet(t),
	}
	env.contract = policy.NewContract(env.reg, 1, log, policy.WithContractClock(clock.Now))

	var err error
	env.token, err = env.reg.CreateWhitelist(env.owner.addr, "patient-7")
	require.NoError(t, err)
	require.NoError(t, env.reg.AddDoctor(env.token, env.doctor.addr))
	require.NoError(t, env.reg.AddMember(env.token, env.member.addr))

	cfg, keyFiles, err := keyserver.GenerateCommittee(2, make([]string, 3))
	require.NoError(t, err)
	env.committee, err = keyserver.NewCommittee(cfg)
	require.NoError(t, err)
	for _, kf := range keyFiles {
		node, err := keyserver.NewNodeFromKeyFile(kf, env.contract, log)
		require.NoError(t, err)
		env.servers = append(env.servers, node.WithClock(clock.Now))
	}

	env.store, err = storage.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)
	return env
}

func (env *testEnv) config() Config {
	return Config{PolicyVersion: 1, SessionTTL: 5 * time.Minute}
}

func (env *testEnv) service(t *testing.T, cfg Config, servers []interfaces.KeyServer, store interfaces.StorageBackend) *Service {
	keys := kms.NewThresholdClient(env.committee, servers, time.Second, env.log)
	s, err := NewService(cfg, env.reg, keys, store, env.contract, env.log)
	require.NoError(t, err)
	return s.WithClock(env.clock.Now)
}

func (env *testEnv) upload(t *testing.T, s *Service, uploader wallet, types []string, files [][]byte) *interfaces.Record {
	ctx := context.Background()
	c, err := s.PrepareUpload(ctx, env.token.Whitelist(), uploader.addr, types)
	require.NoError(t, err)
	record, err := s.CompleteUpload(ctx, c.SessionID, uploader.sign(t, c), files)
	require.NoError(t, err)
	return record
}

func TestScenario_DoctorUploadsMemberOutsiderDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), env.servers, env.store)

	outsider := newWallet(t)
	lab := []byte(`{"resourceType":"Observation","code":"glucose"}`)
	imaging := []byte("DICM-imaging-bytes")

	record := env.upload(t, s, env.doctor, []string{"lab", "imaging"}, [][]byte{lab, imaging})
	require.Len(t, record.Files, 2)
	assert.Equal(t, "lab", record.Files[0].Type)
	assert.NotEqual(t, record.Files[0].KeyRef, record.Files[1].KeyRef)
	assert.True(t, record.Files[0].KeyRef.InNamespace(env.token.Whitelist()))

	_, err := s.PrepareDownload(ctx, record.ID, outsider.addr, 0)
	require.ErrorIs(t, err, interfaces.ErrPermissionDenied)
	assert.Equal(t, 0, s.Sessions().Len())

	c, err := s.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Sessions().Len())
	assert.Equal(t, int64(300), c.TTLSeconds)

	dl, err := s.CompleteDownload(ctx, c.SessionID, env.doctor.sign(t, c))
	require.NoError(t, err)
	assert.Equal(t, lab, dl.Data)
	assert.Equal(t, "lab", dl.FileType)
	assert.Equal(t, 0, s.Sessions().Len())

	// members and the owner read as well
	for _, reader := range []wallet{env.member, env.owner} {
		c, err := s.PrepareDownload(ctx, record.ID, reader.addr, 1)
		require.NoError(t, err)
		dl, err := s.CompleteDownload(ctx, c.SessionID, reader.sign(t, c))
		require.NoError(t, err)
		assert.Equal(t, imaging, dl.Data)
	}
}

func TestPrepareUpload_RequiresWriteRole(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, env.config(), env.servers, env.store)

	_, err := s.PrepareUpload(context.Background(), env.token.Whitelist(), env.member.addr, []string{"note"})
	require.ErrorIs(t, err, interfaces.ErrPermissionDenied)

	_, err = s.PrepareUpload(context.Background(), env.token.Whitelist(), env.doctor.addr, nil)
	require.Error(t, err)
	assert.Equal(t, 0, s.Sessions().Len())
}

func TestPrepareDownload_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), env.servers, env.store)
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("x")})

	_, err := s.PrepareDownload(ctx, record.ID, env.doctor.addr, 1)
	require.ErrorIs(t, err, interfaces.ErrFileIndexOutOfRange)
	_, err = s.PrepareDownload(ctx, record.ID, env.doctor.addr, -1)
	require.ErrorIs(t, err, interfaces.ErrFileIndexOutOfRange)
	_, err = s.PrepareDownload(ctx, interfaces.RecordID{1}, env.doctor.addr, 0)
	require.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	require.NoError(t, env.reg.DeactivateRecord(env.token, record.ID))
	_, err = s.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestCompleteDownload_SessionIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), env.servers, env.store)
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("result")})

	c, err := s.PrepareDownload(ctx, record.ID, env.member.addr, 0)
	require.NoError(t, err)
	sig := env.member.sign(t, c)

	_, err = s.CompleteDownload(ctx, c.SessionID, sig)
	require.NoError(t, err)
	_, err = s.CompleteDownload(ctx, c.SessionID, sig)
	require.ErrorIs(t, err, interfaces.ErrSessionNotFound)

	_, err = s.CompleteDownload(ctx, "no-such-session", sig)
	require.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestCompleteDownload_ConcurrentCompletionsDeliverOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), env.servers, env.store)
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("result")})

	c, err := s.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.NoError(t, err)
	sig := env.doctor.sign(t, c)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompleteDownload(ctx, c.SessionID, sig)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	delivered := 0
	for err := range results {
		if err == nil {
			delivered++
			continue
		}
		require.ErrorIs(t, err, interfaces.ErrSessionNotFound)
	}
	assert.Equal(t, 1, delivered)
}

func TestCompleteDownload_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), env.servers, env.store)
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("result")})

	c, err := s.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.NoError(t, err)
	env.clock.Advance(s.Sessions().TTL())

	_, err = s.CompleteDownload(ctx, c.SessionID, env.doctor.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrExpiredSession)
	_, err = s.CompleteDownload(ctx, c.SessionID, env.doctor.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestSweep_RemovesExpiredSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), env.servers, env.store)
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("result")})

	c, err := s.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Sessions().Sweep())

	env.clock.Advance(s.Sessions().TTL())
	assert.Equal(t, 1, s.Sessions().Sweep())
	_, err = s.CompleteDownload(ctx, c.SessionID, env.doctor.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestPrepareDownload_BoundsPendingSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cfg := env.config()
	cfg.MaxPendingPerRequester = 4
	s := env.service(t, cfg, env.servers, env.store)
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("result")})

	var challenges []*Challenge
	for i := 0; i < 50; i++ {
		c, err := s.PrepareDownload(ctx, record.ID, env.member.addr, 0)
		require.NoError(t, err)
		challenges = append(challenges, c)
	}
	_, err := s.PrepareUpload(ctx, env.token.Whitelist(), env.doctor.addr, []string{"lab"})
	require.NoError(t, err)

	assert.Equal(t, 4, s.Sessions().PendingFor(env.member.addr))
	assert.Equal(t, 5, s.Sessions().Len())

	_, err = s.PrepareDownload(ctx, record.ID, env.stranger.addr, 0)
	require.ErrorIs(t, err, interfaces.ErrPermissionDenied)
	assert.Equal(t, 5, s.Sessions().Len())

	first := challenges[0]
	_, err = s.CompleteDownload(ctx, first.SessionID, env.member.sign(t, first))
	require.ErrorIs(t, err, interfaces.ErrSessionNotFound)

	last := challenges[len(challenges)-1]
	dl, err := s.CompleteDownload(ctx, last.SessionID, env.member.sign(t, last))
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), dl.Data)
}

func TestCompleteDownload_RevokedAfterPrepare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), env.servers, env.store)
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("result")})

	c, err := s.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.NoError(t, err)
	require.NoError(t, env.reg.RemoveDoctor(env.token, env.doctor.addr))

	_, err = s.CompleteDownload(ctx, c.SessionID, env.doctor.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrPermissionDenied)
}

func TestCompleteDownload_WhitelistDeactivatedAfterPrepare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), env.servers, env.store)
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("result")})

	c, err := s.PrepareDownload(ctx, record.ID, env.member.addr, 0)
	require.NoError(t, err)
	require.NoError(t, env.reg.DeactivateWhitelist(env.token))

	_, err = s.CompleteDownload(ctx, c.SessionID, env.member.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrWhitelistInactive)
}

func TestCompleteDownload_WrongSigner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), env.servers, env.store)
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("result")})

	c, err := s.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.NoError(t, err)

	_, err = s.CompleteDownload(ctx, c.SessionID, env.stranger.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
	_, err = s.CompleteDownload(ctx, c.SessionID, env.doctor.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestCompleteDownload_ThresholdUnreachable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.upload(t, env.service(t, env.config(), env.servers, env.store), env.doctor, []string{"lab"}, [][]byte{[]byte("result")})

	s := env.service(t, env.config(), env.servers[:1], env.store)
	c, err := s.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.NoError(t, err)
	_, err = s.CompleteDownload(ctx, c.SessionID, env.doctor.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)
}

func TestCompleteDownload_MissingBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.upload(t, env.service(t, env.config(), env.servers, env.store), env.doctor, []string{"lab"}, [][]byte{[]byte("result")})

	empty, err := storage.NewFileBackend(t.TempDir(), env.log)
	require.NoError(t, err)
	s := env.service(t, env.config(), env.servers, empty)

	c, err := s.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.NoError(t, err)
	_, err = s.CompleteDownload(ctx, c.SessionID, env.doctor.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrBlobNotFound)
}

func TestCompleteUpload_FileCountMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), env.servers, env.store)

	c, err := s.PrepareUpload(ctx, env.token.Whitelist(), env.doctor.addr, []string{"lab", "imaging"})
	require.NoError(t, err)
	_, err = s.CompleteUpload(ctx, c.SessionID, env.doctor.sign(t, c), [][]byte{[]byte("only one")})
	require.Error(t, err)

	// a download session cannot be completed as an upload
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("x")})
	dc, err := s.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.NoError(t, err)
	_, err = s.CompleteUpload(ctx, dc.SessionID, env.doctor.sign(t, dc), [][]byte{[]byte("x")})
	require.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestInsecureLocalFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	insecure := env.config()
	insecure.InsecureLocalFallback = true
	insecure.InsecureLocalPassphrase = "dev-only"

	// no key server reachable
	s := env.service(t, insecure, nil, env.store)
	record := env.upload(t, s, env.doctor, []string{"lab"}, [][]byte{[]byte("local result")})

	blob, err := env.store.Fetch(ctx, record.Files[0].StorageRef, interfaces.RecordCiphertext)
	require.NoError(t, err)
	obj, err := kms.ParseEncryptedObject(blob)
	require.NoError(t, err)
	assert.Equal(t, kms.SchemeLocalInsecure, obj.Scheme)

	c, err := s.PrepareDownload(ctx, record.ID, env.member.addr, 0)
	require.NoError(t, err)
	dl, err := s.CompleteDownload(ctx, c.SessionID, env.member.sign(t, c))
	require.NoError(t, err)
	assert.Equal(t, []byte("local result"), dl.Data)

	// the local path still applies the read policy
	c, err = s.PrepareDownload(ctx, record.ID, env.member.addr, 0)
	require.NoError(t, err)
	require.NoError(t, env.reg.RemoveMember(env.token, env.member.addr))
	_, err = s.CompleteDownload(ctx, c.SessionID, env.member.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrPermissionDenied)

	secure := env.service(t, env.config(), env.servers, env.store)
	c, err = secure.PrepareDownload(ctx, record.ID, env.doctor.addr, 0)
	require.NoError(t, err)
	_, err = secure.CompleteDownload(ctx, c.SessionID, env.doctor.sign(t, c))
	require.ErrorIs(t, err, interfaces.ErrInsecureFallbackDisabled)
}

func TestInsecureLocalFallback_DisabledFailsUpload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.service(t, env.config(), nil, env.store)

	c, err := s.PrepareUpload(ctx, env.token.Whitelist(), env.doctor.addr, []string{"lab"})
	require.NoError(t, err)
	_, err = s.CompleteUpload(ctx, c.SessionID, env.doctor.sign(t, c), [][]byte{[]byte("x")})
	require.ErrorIs(t, err, interfaces.ErrThresholdUnreachable)
}

func TestNewService_Config(t *testing.T) {
	env := newTestEnv(t)
	keys := kms.NewThresholdClient(env.committee, env.servers, time.Second, env.log)

	tests := []struct {
		name    string
		cfg     Config
		sim     interfaces.PolicySimulator
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}, sim: env.contract},
		{name: "fallback without passphrase", cfg: Config{InsecureLocalFallback: true}, sim: env.contract, wantErr: true},
		{name: "passphrase without fallback", cfg: Config{InsecureLocalPassphrase: "p"}, sim: env.contract, wantErr: true},
		{name: "fallback without simulator", cfg: Config{InsecureLocalFallback: true, InsecureLocalPassphrase: "p"}, wantErr: true},
		{name: "fallback", cfg: Config{InsecureLocalFallback: true, InsecureLocalPassphrase: "p"}, sim: env.contract},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewService(tt.cfg, env.reg, keys, env.store, tt.sim, env.log)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.LessOrEqual(t, s.Sessions().TTL(), policy.CertificateTTL)
		})
	}
}

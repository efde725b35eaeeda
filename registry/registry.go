package registry

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/medvault-enclave/interfaces"
)

type whitelistState struct {
	id         interfaces.WhitelistID
	owner      interfaces.Address
	patientRef string
	doctors    []interfaces.Address
	members    []interfaces.Address
	doctorSet  map[interfaces.Address]struct{}
	memberSet  map[interfaces.Address]struct{}
	active     bool
	createdAt  time.Time
}

// Registry is the in-process ledger state: whitelists, records, enclave
// registrations and the nested user -> whitelist access index derived from them.
//
// Every mutation of a whitelist's membership sets updates the access index in
// the same critical section, so HasAccess always agrees with membership.
type Registry struct {
	mu sync.RWMutex

	whitelists map[interfaces.WhitelistID]*whitelistState
	access     map[interfaces.Address]map[interfaces.WhitelistID]struct{}
	tokens     map[interfaces.WhitelistID]*CapabilityToken
	tokenIDs   map[TokenID]*CapabilityToken
	records    map[interfaces.RecordID]*interfaces.Record
	enclaves   map[interfaces.EnclaveID]*interfaces.EnclaveInfo
	seq        uint64
	eventSeq   uint64

	clock func() time.Time
	sink  EventSink
	log   *slog.Logger
}

// NewRegistry creates an empty registry emitting events to a LogSink.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		whitelists: make(map[interfaces.WhitelistID]*whitelistState),
		access:     make(map[interfaces.Address]map[interfaces.WhitelistID]struct{}),
		tokens:     make(map[interfaces.WhitelistID]*CapabilityToken),
		tokenIDs:   make(map[TokenID]*CapabilityToken),
		records:    make(map[interfaces.RecordID]*interfaces.Record),
		enclaves:   make(map[interfaces.EnclaveID]*interfaces.EnclaveInfo),
		clock:      time.Now,
		sink:       LogSink{Log: log},
		log:        log,
	}
}

// WithEventSink returns the registry emitting to sink instead of the logger.
func (r *Registry) WithEventSink(sink EventSink) *Registry {
	r.sink = sink
	return r
}

// WithClock overrides the time source used for timestamps.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// emit must be called with the write lock held, so sinks observe events in the order
// the mutations were applied.
func (r *Registry) emit(ev Event) {
	r.eventSeq++
	ev.Seq = r.eventSeq
	r.sink.Emit(ev)
}

func (r *Registry) nextID(parts ...[]byte) [32]byte {
	r.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], r.seq)
	return [32]byte(crypto.Keccak256Hash(append(parts, seq[:])...))
}

// CreateWhitelist creates a vault owned by owner and mints its capability token.
// The owner is immutable afterwards.
func (r *Registry) CreateWhitelist(owner interfaces.Address, patientRef string) (*CapabilityToken, error) {
	tokenID, err := newTokenID()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	id := interfaces.WhitelistID(r.nextID(owner.Bytes(), []byte(patientRef)))
	now := r.clock()
	r.whitelists[id] = &whitelistState{
		id:         id,
		owner:      owner,
		patientRef: patientRef,
		doctorSet:  make(map[interfaces.Address]struct{}),
		memberSet:  make(map[interfaces.Address]struct{}),
		active:     true,
		createdAt:  now,
	}
	r.grant(owner, id)

	token := &CapabilityToken{id: tokenID, whitelist: id, holder: owner}
	r.tokens[id] = token
	r.tokenIDs[tokenID] = token
	r.emit(Event{Kind: EventWhitelistCreated, Whitelist: id, Actor: owner, Subject: patientRef, At: now})
	r.mu.Unlock()

	return token, nil
}

// TokenByID resolves a wire handle to the token it names.
func (r *Registry) TokenByID(id TokenID) (*CapabilityToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.tokenIDs[id]
	if !ok {
		return nil, interfaces.ErrInvalidCapability
	}
	return token, nil
}

// authorize must be called with the write lock held.
func (r *Registry) authorize(token *CapabilityToken) (*whitelistState, error) {
	if token == nil {
		return nil, interfaces.ErrInvalidCapability
	}
	if r.tokens[token.whitelist] != token {
		return nil, interfaces.ErrInvalidCapability
	}
	wl, ok := r.whitelists[token.whitelist]
	if !ok {
		return nil, interfaces.ErrWhitelistNotFound
	}
	if !wl.active {
		return nil, interfaces.ErrWhitelistInactive
	}
	return wl, nil
}

func (r *Registry) grant(user interfaces.Address, id interfaces.WhitelistID) {
	inner, ok := r.access[user]
	if !ok {
		inner = make(map[interfaces.WhitelistID]struct{})
		r.access[user] = inner
	}
	inner[id] = struct{}{}
}

func (r *Registry) revoke(user interfaces.Address, id interfaces.WhitelistID) {
	inner, ok := r.access[user]
	if !ok {
		return
	}
	delete(inner, id)
	if len(inner) == 0 {
		delete(r.access, user)
	}
}

func (wl *whitelistState) holdsRole(addr interfaces.Address) bool {
	if addr == wl.owner {
		return true
	}
	if _, ok := wl.doctorSet[addr]; ok {
		return true
	}
	_, ok := wl.memberSet[addr]
	return ok
}

func (r *Registry) mutate(token *CapabilityToken, kind EventKind, subject interfaces.Address, apply func(*whitelistState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wl, err := r.authorize(token)
	if err != nil {
		return err
	}
	if err := apply(wl); err != nil {
		return err
	}
	r.emit(Event{Kind: kind, Whitelist: token.whitelist, Actor: token.holder, Subject: subject.Hex(), At: r.clock()})
	return nil
}

// AddDoctor grants doctor (read+write) access.
func (r *Registry) AddDoctor(token *CapabilityToken, doctor interfaces.Address) error {
	return r.mutate(token, EventDoctorAdded, doctor, func(wl *whitelistState) error {
		if wl.holdsRole(doctor) {
			return fmt.Errorf("%w: %s", interfaces.ErrAlreadyMember, doctor.Hex())
		}
		wl.doctors = append(wl.doctors, doctor)
		wl.doctorSet[doctor] = struct{}{}
		r.grant(doctor, wl.id)
		return nil
	})
}

// RemoveDoctor revokes doctor access.
func (r *Registry) RemoveDoctor(token *CapabilityToken, doctor interfaces.Address) error {
	return r.mutate(token, EventDoctorRemoved, doctor, func(wl *whitelistState) error {
		if _, ok := wl.doctorSet[doctor]; !ok {
			return fmt.Errorf("%w: %s is not a doctor", interfaces.ErrNotMember, doctor.Hex())
		}
		wl.doctors = slices.DeleteFunc(wl.doctors, func(a interfaces.Address) bool { return a == doctor })
		delete(wl.doctorSet, doctor)
		r.revoke(doctor, wl.id)
		return nil
	})
}

// AddMember grants read-only access.
func (r *Registry) AddMember(token *CapabilityToken, member interfaces.Address) error {
	return r.mutate(token, EventMemberAdded, member, func(wl *whitelistState) error {
		if wl.holdsRole(member) {
			return fmt.Errorf("%w: %s", interfaces.ErrAlreadyMember, member.Hex())
		}
		wl.members = append(wl.members, member)
		wl.memberSet[member] = struct{}{}
		r.grant(member, wl.id)
		return nil
	})
}

// RemoveMember revokes read-only access.
func (r *Registry) RemoveMember(token *CapabilityToken, member interfaces.Address) error {
	return r.mutate(token, EventMemberRemoved, member, func(wl *whitelistState) error {
		if _, ok := wl.memberSet[member]; !ok {
			return fmt.Errorf("%w: %s is not a member", interfaces.ErrNotMember, member.Hex())
		}
		wl.members = slices.DeleteFunc(wl.members, func(a interfaces.Address) bool { return a == member })
		delete(wl.memberSet, member)
		r.revoke(member, wl.id)
		return nil
	})
}

// DeactivateWhitelist soft-deletes the vault. Membership is retained for audit.
func (r *Registry) DeactivateWhitelist(token *CapabilityToken) error {
	if token == nil {
		return interfaces.ErrInvalidCapability
	}
	return r.mutate(token, EventWhitelistDeactivated, token.Holder(), func(wl *whitelistState) error {
		wl.active = false
		return nil
	})
}

// HasAccess reports whether user holds any role in the whitelist.
func (r *Registry) HasAccess(user interfaces.Address, whitelist interfaces.WhitelistID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.access[user][whitelist]
	return ok
}

// ResolveRole returns the role of user in the whitelist.
func (r *Registry) ResolveRole(user interfaces.Address, whitelist interfaces.WhitelistID) (interfaces.Role, interfaces.Permissions) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role := r.resolveRole(user, whitelist)
	return role, role.Permissions()
}

func (r *Registry) resolveRole(user interfaces.Address, whitelist interfaces.WhitelistID) interfaces.Role {
	wl, ok := r.whitelists[whitelist]
	if !ok {
		return interfaces.RoleNone
	}
	if wl.owner == user {
		return interfaces.RoleOwner
	}
	if _, ok := wl.doctorSet[user]; ok {
		return interfaces.RoleDoctor
	}
	if _, ok := wl.memberSet[user]; ok {
		return interfaces.RoleMember
	}
	return interfaces.RoleNone
}

// GetWhitelist returns a snapshot of the whitelist.
func (r *Registry) GetWhitelist(id interfaces.WhitelistID) (*interfaces.Whitelist, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wl, ok := r.whitelists[id]
	if !ok {
		return nil, interfaces.ErrWhitelistNotFound
	}
	return &interfaces.Whitelist{
		ID:         wl.id,
		Owner:      wl.owner,
		PatientRef: wl.patientRef,
		Doctors:    slices.Clone(wl.doctors),
		Members:    slices.Clone(wl.members),
		Active:     wl.active,
		CreatedAt:  wl.createdAt,
	}, nil
}

// ListWhitelistsFor returns every whitelist the user holds a role in.
func (r *Registry) ListWhitelistsFor(user interfaces.Address) []interfaces.WhitelistID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]interfaces.WhitelistID, 0, len(r.access[user]))
	for id := range r.access[user] {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b interfaces.WhitelistID) int { return bytes.Compare(a[:], b[:]) })
	return ids
}

// CreateRecord registers files uploaded by an address holding write role.
func (r *Registry) CreateRecord(uploader interfaces.Address, whitelist interfaces.WhitelistID, files []interfaces.FileEntry) (*interfaces.Record, error) {
	if len(files) == 0 {
		return nil, errors.New("record must contain at least one file")
	}
	for i, f := range files {
		if !f.KeyRef.InNamespace(whitelist) {
			return nil, fmt.Errorf("file %d key reference outside whitelist namespace", i)
		}
	}

	r.mu.Lock()
	wl, ok := r.whitelists[whitelist]
	if !ok {
		r.mu.Unlock()
		return nil, interfaces.ErrWhitelistNotFound
	}
	if !wl.active {
		r.mu.Unlock()
		return nil, interfaces.ErrWhitelistInactive
	}
	if !r.resolveRole(uploader, whitelist).Permissions().CanWrite {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s cannot write to %s", interfaces.ErrPermissionDenied, uploader.Hex(), whitelist)
	}

	record := &interfaces.Record{
		ID:        interfaces.RecordID(r.nextID(whitelist[:], uploader.Bytes())),
		Whitelist: whitelist,
		Uploader:  uploader,
		Files:     slices.Clone(files),
		Active:    true,
		CreatedAt: r.clock(),
	}
	r.records[record.ID] = record
	r.emit(Event{Kind: EventRecordCreated, Whitelist: whitelist, Actor: uploader, Subject: record.ID.String(), At: record.CreatedAt})
	r.mu.Unlock()

	return copyRecord(record), nil
}

// GetRecord returns a snapshot of the record.
func (r *Registry) GetRecord(id interfaces.RecordID) (*interfaces.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return copyRecord(record), nil
}

// DeactivateRecord soft-deletes a record of the token's whitelist.
func (r *Registry) DeactivateRecord(token *CapabilityToken, id interfaces.RecordID) error {
	r.mu.Lock()
	_, err := r.authorize(token)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	record, ok := r.records[id]
	if !ok || record.Whitelist != token.whitelist {
		r.mu.Unlock()
		return interfaces.ErrRecordNotFound
	}
	record.Active = false
	r.emit(Event{Kind: EventRecordDeactivated, Whitelist: token.whitelist, Actor: token.holder, Subject: id.String(), At: r.clock()})
	r.mu.Unlock()

	return nil
}

// RegisterEnclave records an enclave's attested ephemeral public key under the token's whitelist.
func (r *Registry) RegisterEnclave(token *CapabilityToken, id interfaces.EnclaveID, publicKey []byte, attestationType string, attestation []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid enclave public key length %d", len(publicKey))
	}

	r.mu.Lock()
	if _, err := r.authorize(token); err != nil {
		r.mu.Unlock()
		return err
	}
	now := r.clock()
	r.enclaves[id] = &interfaces.EnclaveInfo{
		ID:              id,
		Whitelist:       token.whitelist,
		PublicKey:       slices.Clone(publicKey),
		AttestationType: attestationType,
		Attestation:     slices.Clone(attestation),
		RegisteredAt:    now,
	}
	r.emit(Event{Kind: EventEnclaveRegistered, Whitelist: token.whitelist, Actor: token.holder, Subject: id.String(), At: now})
	r.mu.Unlock()

	r.log.Info("enclave registered", "enclave", id.String(), "whitelist", token.whitelist.String(), "attestationType", attestationType)
	return nil
}

// GetEnclave returns the registration of an enclave.
func (r *Registry) GetEnclave(id interfaces.EnclaveID) (*interfaces.EnclaveInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.enclaves[id]
	if !ok {
		return nil, interfaces.ErrEnclaveNotFound
	}
	cp := *info
	cp.PublicKey = slices.Clone(info.PublicKey)
	cp.Attestation = slices.Clone(info.Attestation)
	return &cp, nil
}

func copyRecord(record *interfaces.Record) *interfaces.Record {
	cp := *record
	cp.Files = slices.Clone(record.Files)
	return &cp
}

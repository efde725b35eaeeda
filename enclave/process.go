package enclave

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/medvault-enclave/cryptoutils"
	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/policy"
	"golang.org/x/crypto/sha3"
)

var ErrSemanticHashMismatch = errors.New("semantic hash mismatch")

// IntentEnvelope is the signed part of a processing response. Data is the compact
// canonical JSON the signature covers.
type IntentEnvelope struct {
	Intent      policy.IntentScope `json:"intent"`
	TimestampMs uint64             `json:"timestamp_ms"`
	Data        json.RawMessage    `json:"data"`
}

// SignedResponse is a processing result together with the enclave's ephemeral-key signature.
type SignedResponse struct {
	Response  IntentEnvelope `json:"response"`
	Signature hexutil.Bytes  `json:"signature"`
}

// VerifySignedResponse checks resp against an enclave's registered public key.
func VerifySignedResponse(pub []byte, resp *SignedResponse) error {
	msg := &policy.IntentMessage{Scope: resp.Response.Intent, TimestampMs: resp.Response.TimestampMs, Payload: resp.Response.Data}
	if err := policy.VerifyIntent(pub, msg, resp.Signature); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrSignatureInvalid, err)
	}
	return nil
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid JSON: trailing data")
	}
	return v, nil
}

// CanonicalJSON re-encodes raw with sorted object keys and no insignificant whitespace.
func CanonicalJSON(raw []byte) ([]byte, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// SemanticHash is the hex SHA3-256 of the sorted, two-space indented form of a JSON document.
// Two documents that differ only in key order or formatting hash the same.
func SemanticHash(raw []byte) (string, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}

	digest := sha3.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(digest[:]), nil
}

func (e *Enclave) sign(scope policy.IntentScope, data any) (*SignedResponse, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return nil, err
	}

	envelope := IntentEnvelope{Intent: scope, TimestampMs: uint64(e.now().UnixMilli()), Data: canonical}
	sig, err := e.identity.SignIntent(&policy.IntentMessage{Scope: scope, TimestampMs: envelope.TimestampMs, Payload: canonical})
	if err != nil {
		return nil, err
	}
	return &SignedResponse{Response: envelope, Signature: sig}, nil
}

// ProcessedData is the result of ProcessData.
type ProcessedData struct {
	SemanticHash string          `json:"semantic_hash"`
	Payload      json.RawMessage `json:"payload"`
	Validator    string          `json:"validator"`
}

// ProcessData hashes an arbitrary JSON payload and signs the result.
func (e *Enclave) ProcessData(payload json.RawMessage) (*SignedResponse, error) {
	hash, err := SemanticHash(payload)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	return e.sign(policy.IntentProcessData, ProcessedData{
		SemanticHash: hash,
		Payload:      canonical,
		Validator:    hex.EncodeToString(e.identity.PublicKey()),
	})
}

var entryTypeNames = []string{"visit_summary", "procedure", "refill", "note", "diagnosis", "lab_result", "immunization"}

var timelineScopeNames = []string{"treatment", "payment", "operations", "research", "legal"}

func enumName(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return "unknown"
}

// TimelineRequest asks the enclave to attest a timeline entry for an encrypted record blob.
type TimelineRequest struct {
	PatientRef           string               `json:"patient_ref"`
	EntryType            uint8                `json:"entry_type"`
	Scope                uint8                `json:"scope"`
	VisitDate            string               `json:"visit_date"`
	ProviderSpecialty    string               `json:"provider_specialty"`
	VisitType            string               `json:"visit_type"`
	Status               string               `json:"status"`
	ContentHash          string               `json:"content_hash"`
	BlobID               interfaces.ContentID `json:"blob_id"`
	ExpectedSemanticHash string               `json:"expected_semantic_hash"`
}

// TimelineEntry is the signed result of ProcessTimeline.
type TimelineEntry struct {
	PatientRef        string               `json:"patient_ref"`
	EntryType         string               `json:"entry_type"`
	Scope             string               `json:"scope"`
	VisitDate         string               `json:"visit_date"`
	ProviderSpecialty string               `json:"provider_specialty"`
	VisitType         string               `json:"visit_type"`
	Status            string               `json:"status"`
	ContentHash       string               `json:"content_hash"`
	SemanticHash      string               `json:"semantic_hash"`
	BlobID            interfaces.ContentID `json:"blob_id"`
	CreatedAt         uint64               `json:"created_at"`
	Validator         string               `json:"validator"`
}

// ProcessTimeline fetches the blob, decrypts it with the cached keys, checks that its
// semantic hash matches the expected one and signs a timeline entry.
func (e *Enclave) ProcessTimeline(ctx context.Context, req TimelineRequest) (*SignedResponse, error) {
	obj, err := e.fetchObject(ctx, req.BlobID, interfaces.RecordCiphertext)
	if err != nil {
		return nil, err
	}

	plaintext, err := e.cache.Open(obj)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(plaintext)

	hash, err := SemanticHash(plaintext)
	if err != nil {
		return nil, fmt.Errorf("decrypted content: %w", err)
	}
	if hash != req.ExpectedSemanticHash {
		return nil, ErrSemanticHashMismatch
	}

	return e.sign(policy.IntentTimelineEntry, TimelineEntry{
		PatientRef:        req.PatientRef,
		EntryType:         enumName(entryTypeNames, req.EntryType),
		Scope:             enumName(timelineScopeNames, req.Scope),
		VisitDate:         req.VisitDate,
		ProviderSpecialty: req.ProviderSpecialty,
		VisitType:         req.VisitType,
		Status:            req.Status,
		ContentHash:       req.ContentHash,
		SemanticHash:      hash,
		BlobID:            req.BlobID,
		CreatedAt:         uint64(e.now().UnixMilli()),
		Validator:         hex.EncodeToString(e.identity.PublicKey()),
	})
}

// HealthCheck is the public description of a running enclave.
type HealthCheck struct {
	PublicKey string               `json:"pk"`
	EnclaveID interfaces.EnclaveID `json:"enclave_id"`
	Ready     bool                 `json:"ready"`
}

func (e *Enclave) HealthCheck() *HealthCheck {
	return &HealthCheck{
		PublicKey: hex.EncodeToString(e.identity.PublicKey()),
		EnclaveID: e.identity.EnclaveID(),
		Ready:     e.Ready(),
	}
}

// AttestationReport is a quote committing to the enclave's ephemeral key and wallet.
type AttestationReport struct {
	Type        string        `json:"type"`
	Attestation hexutil.Bytes `json:"attestation"`
	PublicKey   hexutil.Bytes `json:"public_key"`
	Wallet      string        `json:"wallet"`
}

func (e *Enclave) Attest() (*AttestationReport, error) {
	if e.cfg.Attestation == nil {
		return nil, errors.New("no attestation provider configured")
	}
	quote, err := e.cfg.Attestation.Attest(e.identity.ReportData())
	if err != nil {
		return nil, fmt.Errorf("could not attest: %w", err)
	}
	return &AttestationReport{
		Type:        e.cfg.Attestation.AttestationType().StringID,
		Attestation: quote,
		PublicKey:   hexutil.Bytes(e.identity.PublicKey()),
		Wallet:      e.identity.WalletAddress().Hex(),
	}, nil
}

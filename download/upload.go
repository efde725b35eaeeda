package download

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/kms"
	"github.com/ruteri/medvault-enclave/metrics"
	"github.com/ruteri/medvault-enclave/policy"
	"github.com/ruteri/medvault-enclave/session"
)

// PrepareUpload checks that uploader may write into the whitelist and returns a challenge
// covering one file per entry of fileTypes.
func (s *Service) PrepareUpload(ctx context.Context, whitelist interfaces.WhitelistID, uploader interfaces.Address, fileTypes []string) (*Challenge, error) {
	if len(fileTypes) == 0 {
		return nil, errors.New("upload needs at least one file")
	}
	if _, perms := s.records.ResolveRole(uploader, whitelist); !perms.CanWrite {
		return nil, fmt.Errorf("%w: %s cannot write to %s", interfaces.ErrPermissionDenied, uploader.Hex(), whitelist)
	}

	challenge, err := s.newChallenge(&session.Session{
		Kind:      session.KindUpload,
		Requester: uploader,
		Whitelist: whitelist,
		FileTypes: append([]string(nil), fileTypes...),
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("upload prepared", "session", challenge.SessionID, "whitelist", whitelist.String(), "files", len(fileTypes), "uploader", uploader.Hex())
	return challenge, nil
}

// CompleteUpload encrypts files under fresh per-file identities, stores the ciphertexts and
// creates the record. files must match the types announced in PrepareUpload.
func (s *Service) CompleteUpload(ctx context.Context, sessionID string, signature []byte, files [][]byte) (*interfaces.Record, error) {
	sess, err := s.consume(sessionID, session.KindUpload)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(metrics.Result(err)).Inc()
		return nil, err
	}
	defer sess.Wipe()

	record, err := s.upload(ctx, sess, signature, files)
	metrics.UploadsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		sess.State = session.StateFailed
		s.log.Warn("upload failed", "session", sessionID, "whitelist", sess.Whitelist.String(), "uploader", sess.Requester.Hex(), "err", err)
		return nil, err
	}

	sess.State = session.StateDelivered
	s.log.Info("record uploaded", "session", sessionID, "record", record.ID.String(), "files", len(record.Files), "uploader", sess.Requester.Hex())
	return record, nil
}

func (s *Service) upload(ctx context.Context, sess *session.Session, signature []byte, files [][]byte) (*interfaces.Record, error) {
	if len(files) != len(sess.FileTypes) {
		return nil, fmt.Errorf("expected %d files, got %d", len(sess.FileTypes), len(files))
	}

	cert, err := s.signedCertificate(sess, signature)
	if err != nil {
		return nil, err
	}
	sess.State = session.StateDecrypting

	entries := make([]interfaces.FileEntry, 0, len(files))
	for i, data := range files {
		entry, err := s.sealFile(ctx, sess, cert, sess.FileTypes[i], data)
		if err != nil {
			return nil, fmt.Errorf("file %d: %w", i, err)
		}
		entries = append(entries, *entry)
	}

	return s.records.CreateRecord(sess.Requester, sess.Whitelist, entries)
}

func (s *Service) sealFile(ctx context.Context, sess *session.Session, cert *interfaces.Certificate, fileType string, data []byte) (*interfaces.FileEntry, error) {
	nonce := make([]byte, fileNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	identity := interfaces.NewKeyIdentity(sess.Whitelist, nonce)

	tx, err := policy.NewWriteTransaction(sess.Requester, s.cfg.PolicyVersion, identity, s.now())
	if err != nil {
		return nil, err
	}

	var obj *kms.EncryptedObject
	keys, err := s.fetchKeys(ctx, sess, cert, tx)
	switch {
	case err == nil:
		obj, err = kms.SealObject(identity, s.keys.Threshold(), keys, data)
		keys.Wipe()
		if err != nil {
			return nil, err
		}
	case errors.Is(err, interfaces.ErrThresholdUnreachable) && s.local != nil:
		if err := s.checkLocally(ctx, tx, "encrypt"); err != nil {
			return nil, err
		}
		s.log.Error("INSECURE local encrypt, key servers unreachable", "insecure", true, "whitelist", sess.Whitelist.String(), "identity", identity.String())
		obj, err = kms.SealLocal(s.local, identity, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	encoded, err := obj.Marshal()
	if err != nil {
		return nil, err
	}
	ref, err := s.storage.Store(ctx, encoded, interfaces.RecordCiphertext)
	if err != nil {
		return nil, fmt.Errorf("could not store ciphertext: %w", err)
	}
	return &interfaces.FileEntry{StorageRef: ref, KeyRef: identity, Type: fileType}, nil
}

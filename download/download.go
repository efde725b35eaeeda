package download

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/medvault-enclave/interfaces"
	"github.com/ruteri/medvault-enclave/kms"
	"github.com/ruteri/medvault-enclave/metrics"
	"github.com/ruteri/medvault-enclave/policy"
	"github.com/ruteri/medvault-enclave/session"
)

// Download is a decrypted file.
type Download struct {
	Record    interfaces.RecordID
	FileIndex int
	FileType  string
	Data      []byte
}

func (s *Service) activeFile(recordID interfaces.RecordID, fileIndex int) (*interfaces.Record, *interfaces.FileEntry, error) {
	record, err := s.records.GetRecord(recordID)
	if err != nil {
		return nil, nil, err
	}
	if !record.Active {
		return nil, nil, fmt.Errorf("%w: record %s is deactivated", interfaces.ErrRecordNotFound, recordID)
	}
	if fileIndex < 0 || fileIndex >= len(record.Files) {
		return nil, nil, fmt.Errorf("%w: %d of %d", interfaces.ErrFileIndexOutOfRange, fileIndex, len(record.Files))
	}
	return record, &record.Files[fileIndex], nil
}

// PrepareDownload checks that requester may read the record and returns a challenge to sign.
// No key material is generated for a requester without read permission.
func (s *Service) PrepareDownload(ctx context.Context, recordID interfaces.RecordID, requester interfaces.Address, fileIndex int) (*Challenge, error) {
	record, file, err := s.activeFile(recordID, fileIndex)
	if err != nil {
		return nil, err
	}

	if _, perms := s.records.ResolveRole(requester, record.Whitelist); !perms.CanRead {
		s.log.Info("download denied", "record", recordID.String(), "requester", requester.Hex())
		return nil, fmt.Errorf("%w: %s cannot read %s", interfaces.ErrPermissionDenied, requester.Hex(), record.Whitelist)
	}

	challenge, err := s.newChallenge(&session.Session{
		Kind:      session.KindDownload,
		Requester: requester,
		Whitelist: record.Whitelist,
		Identity:  file.KeyRef,
		Record:    recordID,
		FileIndex: fileIndex,
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("download prepared", "session", challenge.SessionID, "record", recordID.String(), "file", fileIndex, "requester", requester.Hex())
	return challenge, nil
}

// CompleteDownload consumes the session, attaches the requester's signature and releases
// the plaintext if the read policy approves at this moment. A session id is usable once,
// whatever the outcome.
func (s *Service) CompleteDownload(ctx context.Context, sessionID string, signature []byte) (*Download, error) {
	sess, err := s.consume(sessionID, session.KindDownload)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues(metrics.Result(err)).Inc()
		return nil, err
	}
	defer sess.Wipe()

	dl, err := s.decrypt(ctx, sess, signature)
	metrics.DownloadsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		sess.State = session.StateFailed
		s.log.Warn("download failed", "session", sessionID, "record", sess.Record.String(), "requester", sess.Requester.Hex(), "err", err)
		return nil, err
	}

	sess.State = session.StateDelivered
	s.log.Info("download delivered", "session", sessionID, "record", sess.Record.String(), "file", sess.FileIndex, "requester", sess.Requester.Hex())
	return dl, nil
}

func (s *Service) decrypt(ctx context.Context, sess *session.Session, signature []byte) (*Download, error) {
	cert, err := s.signedCertificate(sess, signature)
	if err != nil {
		return nil, err
	}
	sess.State = session.StateDecrypting

	_, file, err := s.activeFile(sess.Record, sess.FileIndex)
	if err != nil {
		return nil, err
	}

	blob, err := s.storage.Fetch(ctx, file.StorageRef, interfaces.RecordCiphertext)
	if err != nil {
		return nil, err
	}
	obj, err := kms.ParseEncryptedObject(blob)
	if err != nil {
		return nil, err
	}
	if string(obj.Identity) != string(sess.Identity) {
		return nil, fmt.Errorf("%w: ciphertext identity does not match record", interfaces.ErrPolicyRejected)
	}

	tx, err := policy.NewReadTransaction(sess.Requester, s.cfg.PolicyVersion, sess.Identity, s.now())
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	switch obj.Scheme {
	case kms.SchemeLocalInsecure:
		if s.local == nil {
			return nil, interfaces.ErrInsecureFallbackDisabled
		}
		if err := s.checkLocally(ctx, tx, "decrypt"); err != nil {
			return nil, err
		}
		s.log.Error("INSECURE local decrypt", "insecure", true, "record", sess.Record.String(), "file", sess.FileIndex)
		plaintext, err = kms.OpenLocal(s.local, obj)
	default:
		keys, ferr := s.fetchKeys(ctx, sess, cert, tx)
		if ferr != nil {
			return nil, ferr
		}
		plaintext, err = kms.OpenObject(obj, keys)
		keys.Wipe()
	}
	if err != nil {
		if errors.Is(err, interfaces.ErrThresholdUnreachable) {
			return nil, err
		}
		return nil, fmt.Errorf("could not decrypt file: %w", err)
	}

	return &Download{Record: sess.Record, FileIndex: sess.FileIndex, FileType: file.Type, Data: plaintext}, nil
}

package server

import (
	"context"
	"fmt"
	"io"

	"github.com/nuibits/userbase/internal/ledger"
)

type stubTokenValidator struct {
	subject string
	err     error
	seen    []string
}

func (s *stubTokenValidator) ValidateToken(token string) (string, error) {
	s.seen = append(s.seen, token)
	if s.err != nil {
		return "", s.err
	}
	return s.subject, nil
}

type stubEngine struct {
	submitSeq   ledger.SequenceNo
	submitErr   error
	batchSeqs   []ledger.SequenceNo
	batchErr    error
	submitCalls []ledger.SubmitRequest
	batchCalls  [][]ledger.SubmitRequest
}

func (s *stubEngine) Submit(_ context.Context, req ledger.SubmitRequest) (ledger.SequenceNo, error) {
	s.submitCalls = append(s.submitCalls, req)
	return s.submitSeq, s.submitErr
}

func (s *stubEngine) SubmitBatch(_ context.Context, reqs []ledger.SubmitRequest) ([]ledger.SequenceNo, error) {
	s.batchCalls = append(s.batchCalls, reqs)
	return s.batchSeqs, s.batchErr
}

type stubReader struct {
	tail    ledger.LogTail
	tailErr error
	object  ledger.BlobObject
	objErr  error
}

func (s *stubReader) QueryTransactionLog(_ context.Context, _ ledger.UserID) (ledger.LogTail, error) {
	return s.tail, s.tailErr
}

func (s *stubReader) QueryDbState(_ context.Context, _ ledger.UserID, _ ledger.SequenceNo) (ledger.BlobObject, error) {
	return s.object, s.objErr
}

type stubBundles struct {
	err   error
	calls []bundleCall
}

type bundleCall struct {
	userID        ledger.UserID
	bundleSeqNo   ledger.SequenceNo
	lockID        string
	contentLength int64
	contentType   string
	body          []byte
}

func (s *stubBundles) UploadBundle(_ context.Context, userID ledger.UserID, proposedBundleSeqNo ledger.SequenceNo, lockID string, body io.Reader, contentLength int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.calls = append(s.calls, bundleCall{
		userID:        userID,
		bundleSeqNo:   proposedBundleSeqNo,
		lockID:        lockID,
		contentLength: contentLength,
		contentType:   contentType,
		body:          data,
	})
	return s.err
}

type stubLocks struct {
	lockID   string
	held     bool
	released bool
}

func (s *stubLocks) AcquireLock(_ ledger.UserID) (string, bool) {
	if s.held {
		return "", false
	}
	return s.lockID, true
}

func (s *stubLocks) ReleaseLock(_ ledger.UserID, lockID string) bool {
	s.released = lockID == s.lockID
	return s.released
}

func badInputError(reason string) error {
	return ledgerError(ledger.ErrBadInput, "test.op", reason)
}

// ledgerError wraps a ledger error kind behind an "op.reason" prefix so
// errors.Is matches it like an engine error. It is not a *ledger.Error, so
// responses built from it carry no "code" field.
func ledgerError(kind error, op, reason string) error {
	switch kind {
	case ledger.ErrBadInput:
		return fmt.Errorf("%s.%s: %w", op, reason, ledger.ErrBadInput)
	case ledger.ErrUnauthorized:
		return fmt.Errorf("%s.%s: %w", op, reason, ledger.ErrUnauthorized)
	case ledger.ErrNotFound:
		return fmt.Errorf("%s.%s: %w", op, reason, ledger.ErrNotFound)
	case ledger.ErrTransientWrite:
		return fmt.Errorf("%s.%s: %w", op, reason, ledger.ErrTransientWrite)
	default:
		return fmt.Errorf("%s.%s: %w", op, reason, ledger.ErrInternal)
	}
}

func newTestDependencies() (Dependencies, *stubTokenValidator, *stubEngine, *stubReader, *stubBundles, *stubLocks) {
	tokens := &stubTokenValidator{subject: "user-1"}
	engine := &stubEngine{}
	reader := &stubReader{}
	bundles := &stubBundles{}
	locks := &stubLocks{lockID: "lock-1"}
	deps := Dependencies{
		Tokens:   tokens,
		Engine:   engine,
		Reads:    reader,
		Bundles:  bundles,
		Locks:    locks,
		Realtime: NewRealtimeDispatcher(),
	}
	return deps, tokens, engine, reader, bundles, locks
}

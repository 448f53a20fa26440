// Package users resolves the externally-owned user records the log engine
// reads: the username behind a user id and the persisted bundle watermark.
package users

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nuibits/userbase/internal/ledger"
)

var errMissingDirectory = errors.New("users: directory is required")

// Directory is the slice of the durable store the service reads user records
// through.
type Directory interface {
	LookupUsername(ctx context.Context, userID ledger.UserID) (string, error)
	GetUser(ctx context.Context, username string) (ledger.UserRecord, error)
}

// ServiceConfig describes the dependencies for user record resolution.
type ServiceConfig struct {
	Directory Directory
}

// Service resolves user records by user id. The userId→username mapping is
// immutable, so it is cached for the process lifetime; the record itself is
// re-read on every call because its bundle watermark moves.
type Service struct {
	directory Directory
	usernames sync.Map
}

// NewService constructs the user record service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	return &Service{directory: cfg.Directory}, nil
}

// GetByUserID returns the authoritative user record for the given user id.
func (s *Service) GetByUserID(ctx context.Context, userID ledger.UserID) (ledger.UserRecord, error) {
	username, err := s.usernameFor(ctx, userID)
	if err != nil {
		return ledger.UserRecord{}, err
	}

	record, err := s.directory.GetUser(ctx, username)
	if err != nil {
		return ledger.UserRecord{}, err
	}
	if record.UserID != userID {
		return ledger.UserRecord{}, fmt.Errorf("%w: user record %q does not back user id %q",
			ledger.ErrInternal, username, userID)
	}
	return record, nil
}

// BundleSeqNo returns the persisted bundle watermark for the user, 0 when the
// user record is absent. It seeds the memcache projection on reconstruction.
func (s *Service) BundleSeqNo(ctx context.Context, userID ledger.UserID) (ledger.SequenceNo, error) {
	record, err := s.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return record.BundleSeqNo, nil
}

func (s *Service) usernameFor(ctx context.Context, userID ledger.UserID) (string, error) {
	if cached, ok := s.usernames.Load(userID); ok {
		if username, ok := cached.(string); ok {
			return username, nil
		}
	}

	username, err := s.directory.LookupUsername(ctx, userID)
	if err != nil {
		return "", err
	}
	s.usernames.Store(userID, username)
	return username, nil
}

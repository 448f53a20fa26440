package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const (
	opBundleNew    = "ledger.bundle.new"
	opUploadBundle = "ledger.upload_bundle"
)

var (
	errMissingBlobStore   = errors.New("blob store is required")
	errMissingUserRecords = errors.New("user records are required")
	errMissingBundleLock  = errors.New("bundle lock is required")
	errMissingLockID      = errors.New("lock id is required")
	errLockNotOwned       = errors.New("caller does not own the bundle lock")
	errStaleBundleSeqNo   = errors.New("bundle sequence number must be greater than the current watermark")
	errMissingBundleSeqNo = errors.New("bundle sequence number is required")
)

// BundleCoordinatorConfig wires the snapshot upload path.
type BundleCoordinatorConfig struct {
	Blobs    BlobStore
	Store    DurableStore
	Users    UserRecords
	Memcache *Memcache
	Lock     *BundleLock
	Logger   *zap.Logger
}

// BundleCoordinator accepts client snapshot uploads, reconciles the user's
// bundle watermark, and truncates the in-memory log. The bundle lock is
// advisory; correctness rests on watermark monotonicity and the idempotence
// of repeated uploads.
type BundleCoordinator struct {
	blobs    BlobStore
	store    DurableStore
	users    UserRecords
	memcache *Memcache
	lock     *BundleLock
	logger   *zap.Logger
}

// NewBundleCoordinator validates dependencies and constructs the coordinator.
func NewBundleCoordinator(cfg BundleCoordinatorConfig) (*BundleCoordinator, error) {
	if cfg.Blobs == nil {
		return nil, newError(ErrInternal, opBundleNew, "missing_blob_store", errMissingBlobStore)
	}
	if cfg.Store == nil {
		return nil, newError(ErrInternal, opBundleNew, "missing_store", errMissingStore)
	}
	if cfg.Users == nil {
		return nil, newError(ErrInternal, opBundleNew, "missing_user_records", errMissingUserRecords)
	}
	if cfg.Memcache == nil {
		return nil, newError(ErrInternal, opBundleNew, "missing_memcache", errMissingMemcache)
	}
	if cfg.Lock == nil {
		return nil, newError(ErrInternal, opBundleNew, "missing_bundle_lock", errMissingBundleLock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &BundleCoordinator{
		blobs:    cfg.Blobs,
		store:    cfg.Store,
		users:    cfg.Users,
		memcache: cfg.Memcache,
		lock:     cfg.Lock,
		logger:   logger,
	}, nil
}

// UploadBundle streams a client snapshot into the blob store and advances the
// user's watermark. The body must stream; it is never buffered whole. Any
// failure past the ownership check releases the lock before surfacing.
func (c *BundleCoordinator) UploadBundle(ctx context.Context, userID UserID, proposedBundleSeqNo SequenceNo, lockID string, body io.Reader, contentLength int64, contentType string) error {
	if proposedBundleSeqNo <= 0 {
		return newError(ErrBadInput, opUploadBundle, "missing_bundle_seq_no", errMissingBundleSeqNo)
	}
	if lockID == "" {
		return newError(ErrBadInput, opUploadBundle, "missing_lock_id", errMissingLockID)
	}

	if !c.lock.OwnsLock(userID, lockID) {
		return newError(ErrUnauthorized, opUploadBundle, "lock_not_owned", errLockNotOwned)
	}

	user, err := c.users.GetByUserID(ctx, userID)
	if err != nil {
		c.lock.ReleaseLock(userID, lockID)
		if errors.Is(err, ErrNotFound) {
			c.logError(opUploadBundle, "unknown_user", err, userID, proposedBundleSeqNo)
			return newError(ErrInternal, opUploadBundle, "unknown_user", err)
		}
		c.logError(opUploadBundle, "user_lookup_failed", err, userID, proposedBundleSeqNo)
		return newError(ErrTransientWrite, opUploadBundle, "user_lookup_failed", err)
	}

	if user.BundleSeqNo >= proposedBundleSeqNo {
		c.lock.ReleaseLock(userID, lockID)
		return newError(ErrBadInput, opUploadBundle, "stale_bundle_seq_no",
			fmt.Errorf("%w: %d <= %d", errStaleBundleSeqNo, proposedBundleSeqNo.Int64(), user.BundleSeqNo.Int64()))
	}

	key := BundleObjectKey(userID, proposedBundleSeqNo)
	if err := c.blobs.PutObject(ctx, key, body, contentLength, contentType); err != nil {
		c.lock.ReleaseLock(userID, lockID)
		c.logError(opUploadBundle, "blob_put_failed", err, userID, proposedBundleSeqNo)
		return newError(ErrTransientWrite, opUploadBundle, "blob_put_failed", err)
	}

	if err := c.store.UpdateUserBundleSeqNo(ctx, user.Username, proposedBundleSeqNo); err != nil {
		c.lock.ReleaseLock(userID, lockID)
		c.logError(opUploadBundle, "watermark_update_failed", err, userID, proposedBundleSeqNo)
		return newError(ErrTransientWrite, opUploadBundle, "watermark_update_failed", err)
	}

	if err := c.memcache.SetBundleSeqNo(ctx, userID, proposedBundleSeqNo); err != nil {
		c.lock.ReleaseLock(userID, lockID)
		return err
	}

	c.lock.ReleaseLock(userID, lockID)
	c.logger.Info("bundle uploaded",
		zap.String("user_id", userID.String()),
		zap.Int64("bundle_seq_no", proposedBundleSeqNo.Int64()))
	return nil
}

func (c *BundleCoordinator) logError(operation, reason string, err error, userID UserID, bundleSeqNo SequenceNo) {
	c.logger.Error("bundle coordinator error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", userID.String()),
		zap.Int64("bundle_seq_no", bundleSeqNo.Int64()),
		zap.Error(err))
}

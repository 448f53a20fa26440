package ledger

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const (
	opReadNew      = "ledger.read.new"
	opQueryDbState = "ledger.query_db_state"
)

// LogTail is the atomic pair a tail read returns: the watermark and every
// committed transaction beyond it.
type LogTail struct {
	BundleSeqNo  SequenceNo
	Transactions []Transaction
}

// ReadPathConfig wires the read surface.
type ReadPathConfig struct {
	Memcache *Memcache
	Blobs    BlobStore
	Logger   *zap.Logger
}

// ReadPath serves transaction-log tails from the memcache and snapshot
// downloads streamed from the blob store.
type ReadPath struct {
	memcache *Memcache
	blobs    BlobStore
	logger   *zap.Logger
}

// NewReadPath validates dependencies and constructs the read surface.
func NewReadPath(cfg ReadPathConfig) (*ReadPath, error) {
	if cfg.Memcache == nil {
		return nil, newError(ErrInternal, opReadNew, "missing_memcache", errMissingMemcache)
	}
	if cfg.Blobs == nil {
		return nil, newError(ErrInternal, opReadNew, "missing_blob_store", errMissingBlobStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ReadPath{
		memcache: cfg.Memcache,
		blobs:    cfg.Blobs,
		logger:   logger,
	}, nil
}

// QueryTransactionLog returns the user's watermark and committed tail from a
// single memcache snapshot, so a concurrent watermark advance never splits
// the pair.
func (r *ReadPath) QueryTransactionLog(ctx context.Context, userID UserID) (LogTail, error) {
	bundleSeqNo, transactions, err := r.memcache.Snapshot(ctx, userID)
	if err != nil {
		return LogTail{}, err
	}
	return LogTail{BundleSeqNo: bundleSeqNo, Transactions: transactions}, nil
}

// QueryDbState streams the snapshot stored at (userID, bundleSeqNo) through
// to the caller, forwarding content length and type. An absent snapshot
// surfaces as ErrNotFound.
func (r *ReadPath) QueryDbState(ctx context.Context, userID UserID, bundleSeqNo SequenceNo) (BlobObject, error) {
	object, err := r.blobs.GetObject(ctx, BundleObjectKey(userID, bundleSeqNo))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return BlobObject{}, newError(ErrNotFound, opQueryDbState, "bundle_absent", err)
		}
		r.logger.Error("bundle download failed",
			zap.String("operation", opQueryDbState),
			zap.String("user_id", userID.String()),
			zap.Int64("bundle_seq_no", bundleSeqNo.Int64()),
			zap.Error(err))
		return BlobObject{}, newError(ErrTransientWrite, opQueryDbState, "blob_get_failed", err)
	}
	return object, nil
}

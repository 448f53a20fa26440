package ledger

import (
	"context"
	"fmt"
	"io"
)

// PutCondition selects the conditional predicate applied to a durable put.
type PutCondition int

const (
	// PutIfAbsent succeeds only when no item exists at (userId, sequenceNo).
	PutIfAbsent PutCondition = iota
	// PutIfAbsentOrRolledBack succeeds when the slot is absent or the stored
	// item's command is Rollback. Used for the rollback rewrite.
	PutIfAbsentOrRolledBack
)

// DurableStore persists transactions and user watermarks against an external
// strongly-consistent record store. Implementations classify failures into
// ErrConflict (predicate violated) and ErrTransient (everything else).
type DurableStore interface {
	PutTransaction(ctx context.Context, tx Transaction, condition PutCondition) error
	UpdateUserBundleSeqNo(ctx context.Context, username string, bundleSeqNo SequenceNo) error
	LoadUserLog(ctx context.Context, userID UserID) ([]Transaction, error)
}

// BlobObject is a streamed snapshot read. The caller owns Body.
type BlobObject struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
}

// BlobStore streams snapshot payloads against an external object store.
// Implementations classify absent keys as ErrNotFound and everything else
// as ErrTransient.
type BlobStore interface {
	GetObject(ctx context.Context, key string) (BlobObject, error)
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64, contentType string) error
}

// BundleObjectKey returns the object-store key for a user's snapshot at the
// given bundle sequence number.
func BundleObjectKey(userID UserID, bundleSeqNo SequenceNo) string {
	return fmt.Sprintf("%s/%d", userID.String(), bundleSeqNo.Int64())
}

// UserRecord is the slice of the externally-owned user item the core reads.
// Only BundleSeqNo is ever written back, and only through
// DurableStore.UpdateUserBundleSeqNo.
type UserRecord struct {
	Username    string
	UserID      UserID
	BundleSeqNo SequenceNo
	PublicKey   []byte
}

// UserRecords resolves user records for the bundle path.
type UserRecords interface {
	GetByUserID(ctx context.Context, userID UserID) (UserRecord, error)
}

package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBundleLockLease bounds how long an acquired bundle lock stays live
// before another acquisition may steal it.
const DefaultBundleLockLease = 30 * time.Second

// BundleLockConfig configures lease duration and the clock used for expiry.
type BundleLockConfig struct {
	Lease time.Duration
	Clock func() time.Time
}

// BundleLock is the per-user advisory cooperative lock guarding bundle
// uploads. It is an optimization, not a correctness primitive: the bundle
// path re-checks ownership but tolerates concurrent uploads through the
// watermark monotonicity check.
type BundleLock struct {
	mu     sync.Mutex
	leases map[UserID]bundleLease
	lease  time.Duration
	clock  func() time.Time
}

type bundleLease struct {
	lockID     string
	acquiredAt time.Time
}

// NewBundleLock constructs the lock table with sane defaults.
func NewBundleLock(cfg BundleLockConfig) *BundleLock {
	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultBundleLockLease
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &BundleLock{
		leases: make(map[UserID]bundleLease),
		lease:  lease,
		clock:  clock,
	}
}

// AcquireLock grants a fresh unguessable lock id when no live lock exists for
// the user, stealing expired leases. It returns false while another holder's
// lease is live.
func (l *BundleLock) AcquireLock(userID UserID) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if existing, ok := l.leases[userID]; ok && l.liveAt(existing, now) {
		return "", false
	}
	lockID := uuid.NewString()
	l.leases[userID] = bundleLease{lockID: lockID, acquiredAt: now}
	return lockID, true
}

// OwnsLock reports whether lockID names the user's live lock.
func (l *BundleLock) OwnsLock(userID UserID, lockID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.leases[userID]
	return ok && existing.lockID == lockID && l.liveAt(existing, l.clock())
}

// ReleaseLock clears the user's lock iff lockID owns it, and reports whether
// it did. Releasing a stolen or expired lock is a no-op.
func (l *BundleLock) ReleaseLock(userID UserID, lockID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.leases[userID]
	if !ok || existing.lockID != lockID || !l.liveAt(existing, l.clock()) {
		return false
	}
	delete(l.leases, userID)
	return true
}

func (l *BundleLock) liveAt(lease bundleLease, now time.Time) bool {
	return now.Sub(lease.acquiredAt) < l.lease
}

package ledger

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const (
	opMemcachePush = "ledger.memcache.push"
	opMemcacheLoad = "ledger.memcache.load"
)

var (
	errMissingTransaction = errors.New("transaction is required")
	noOpLogger            = zap.NewNop()
)

// TransactionSource loads a user's durable log for cold-start reconstruction.
type TransactionSource interface {
	LoadUserLog(ctx context.Context, userID UserID) ([]Transaction, error)
}

// WatermarkSource resolves a user's persisted bundle watermark.
type WatermarkSource interface {
	BundleSeqNo(ctx context.Context, userID UserID) (SequenceNo, error)
}

// MemcacheConfig describes the collaborators used to rebuild per-user logs.
// Both sources may be nil, in which case every user starts with an empty log.
type MemcacheConfig struct {
	Transactions TransactionSource
	Watermarks   WatermarkSource
	Logger       *zap.Logger
}

// Memcache holds the process-local projection of every touched user log:
// allocated sequence numbers, slot visibility states, and the bundle
// watermark. It is the single serialization point for sequence allocation.
type Memcache struct {
	mu   sync.RWMutex
	logs map[UserID]*userLog

	transactions TransactionSource
	watermarks   WatermarkSource
	logger       *zap.Logger
}

type slot struct {
	tx    Transaction
	state SlotState
}

// userLog is one user's projection. Its mutex is the per-user critical
// section; slots[i] holds sequence firstSeq+i so the range stays contiguous
// after watermark eviction.
type userLog struct {
	mu          sync.Mutex
	loaded      bool
	firstSeq    SequenceNo
	nextSeq     SequenceNo
	slots       []slot
	bundleSeqNo SequenceNo
}

// NewMemcache constructs the per-user log projection.
func NewMemcache(cfg MemcacheConfig) *Memcache {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Memcache{
		logs:         make(map[UserID]*userLog),
		transactions: cfg.Transactions,
		watermarks:   cfg.Watermarks,
		logger:       logger,
	}
}

// PushTransaction atomically allocates the user's next sequence number and
// appends a pending slot. Allocation and append are one critical section, so
// two concurrent pushes for the same user return distinct sequence numbers in
// the order the calls serialize.
func (m *Memcache) PushTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.UserID == "" {
		return Transaction{}, newError(ErrInternal, opMemcachePush, "missing_user_id", errMissingTransaction)
	}

	log := m.userLogFor(tx.UserID)
	log.mu.Lock()
	defer log.mu.Unlock()

	if err := m.ensureLoadedLocked(ctx, tx.UserID, log); err != nil {
		return Transaction{}, err
	}

	tx.SequenceNo = log.nextSeq
	log.nextSeq++
	log.slots = append(log.slots, slot{tx: tx, state: SlotPending})
	return tx, nil
}

// TransactionPersisted marks the slot at tx.SequenceNo committed. Idempotent;
// terminal states never transition.
func (m *Memcache) TransactionPersisted(tx Transaction) {
	m.transitionSlot(tx, SlotCommitted)
}

// TransactionRolledBack marks the slot at tx.SequenceNo rolled back and
// rewrites its command to Rollback. Idempotent; a committed slot may still
// transition here because the engine only calls this after the durable record
// itself was rewritten to Rollback.
func (m *Memcache) TransactionRolledBack(tx Transaction) {
	m.transitionSlot(tx, SlotRolledBack)
}

func (m *Memcache) transitionSlot(tx Transaction, target SlotState) {
	log := m.userLogFor(tx.UserID)
	log.mu.Lock()
	defer log.mu.Unlock()

	entry, ok := log.slotAt(tx.SequenceNo)
	if !ok {
		// Evicted by a watermark advance or never allocated here; the durable
		// store already holds the terminal state.
		m.logger.Debug("slot transition on absent slot",
			zap.String("user_id", tx.UserID.String()),
			zap.Int64("sequence_no", tx.SequenceNo.Int64()),
			zap.Stringer("target_state", target))
		return
	}
	if entry.state == target {
		return
	}
	if entry.state == SlotRolledBack || (entry.state == SlotCommitted && target != SlotRolledBack) {
		m.logger.Warn("ignored slot transition out of terminal state",
			zap.String("user_id", tx.UserID.String()),
			zap.Int64("sequence_no", tx.SequenceNo.Int64()),
			zap.Stringer("from_state", entry.state),
			zap.Stringer("target_state", target))
		return
	}
	entry.state = target
	if target == SlotRolledBack {
		entry.tx.Command = CommandRollback
		entry.tx.Record = nil
	}
}

// BundleSeqNo returns the user's current watermark, 0 when no bundle exists.
func (m *Memcache) BundleSeqNo(ctx context.Context, userID UserID) (SequenceNo, error) {
	log := m.userLogFor(userID)
	log.mu.Lock()
	defer log.mu.Unlock()
	if err := m.ensureLoadedLocked(ctx, userID, log); err != nil {
		return 0, err
	}
	return log.bundleSeqNo, nil
}

// StartingSeqNo maps a watermark onto the first sequence a tail read covers.
// A zero watermark means no bundle exists, so reads start at the log origin.
func StartingSeqNo(bundleSeqNo SequenceNo) SequenceNo {
	if bundleSeqNo == 0 {
		return 0
	}
	return bundleSeqNo + 1
}

// TailTransactions returns the committed entries with sequence numbers at or
// after startingSeqNo. Pending and rolled-back slots are skipped; their
// sequence numbers appear to readers as gaps.
func (m *Memcache) TailTransactions(ctx context.Context, userID UserID, startingSeqNo SequenceNo) ([]Transaction, error) {
	log := m.userLogFor(userID)
	log.mu.Lock()
	defer log.mu.Unlock()
	if err := m.ensureLoadedLocked(ctx, userID, log); err != nil {
		return nil, err
	}
	return log.committedFrom(startingSeqNo), nil
}

// Snapshot returns the watermark and the committed tail beyond it as one
// atomic pair: a concurrent SetBundleSeqNo is either fully visible or not at
// all.
func (m *Memcache) Snapshot(ctx context.Context, userID UserID) (SequenceNo, []Transaction, error) {
	log := m.userLogFor(userID)
	log.mu.Lock()
	defer log.mu.Unlock()
	if err := m.ensureLoadedLocked(ctx, userID, log); err != nil {
		return 0, nil, err
	}
	return log.bundleSeqNo, log.committedFrom(StartingSeqNo(log.bundleSeqNo)), nil
}

// SetBundleSeqNo advances the watermark and evicts slots it covers. Regressions
// are ignored: evicted prefixes cannot be resurrected, and any bundle at a
// lower sequence number is still a valid snapshot for its own readers.
func (m *Memcache) SetBundleSeqNo(ctx context.Context, userID UserID, bundleSeqNo SequenceNo) error {
	log := m.userLogFor(userID)
	log.mu.Lock()
	defer log.mu.Unlock()
	if err := m.ensureLoadedLocked(ctx, userID, log); err != nil {
		return err
	}
	if bundleSeqNo <= log.bundleSeqNo {
		return nil
	}
	log.bundleSeqNo = bundleSeqNo
	log.evictThrough(bundleSeqNo)
	return nil
}

func (m *Memcache) userLogFor(userID UserID) *userLog {
	m.mu.RLock()
	log, ok := m.logs[userID]
	m.mu.RUnlock()
	if ok {
		return log
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[userID]; ok {
		return log
	}
	log = &userLog{}
	m.logs[userID] = log
	return log
}

// ensureLoadedLocked rebuilds the projection from the durable store on the
// first touch of a user. Rollback entries rebuild as RolledBack, everything
// else as Committed; there are no Pending slots after a rebuild.
func (m *Memcache) ensureLoadedLocked(ctx context.Context, userID UserID, log *userLog) error {
	if log.loaded {
		return nil
	}
	if m.transactions == nil {
		log.loaded = true
		return nil
	}

	stored, err := m.transactions.LoadUserLog(ctx, userID)
	if err != nil {
		m.logger.Error("user log reconstruction failed",
			zap.String("operation", opMemcacheLoad),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return newError(ErrTransientWrite, opMemcacheLoad, "load_failed", err)
	}

	var watermark SequenceNo
	if m.watermarks != nil {
		watermark, err = m.watermarks.BundleSeqNo(ctx, userID)
		if err != nil {
			m.logger.Error("user watermark reconstruction failed",
				zap.String("operation", opMemcacheLoad),
				zap.String("user_id", userID.String()),
				zap.Error(err))
			return newError(ErrTransientWrite, opMemcacheLoad, "watermark_load_failed", err)
		}
	}

	log.slots = log.slots[:0]
	log.firstSeq = 0
	log.nextSeq = 0
	for _, tx := range stored {
		if len(log.slots) == 0 {
			log.firstSeq = tx.SequenceNo
		}
		state := SlotCommitted
		if tx.Command == CommandRollback {
			state = SlotRolledBack
		}
		log.slots = append(log.slots, slot{tx: tx, state: state})
		log.nextSeq = tx.SequenceNo + 1
	}
	log.bundleSeqNo = watermark
	if watermark > 0 {
		// A zero watermark means no bundle exists, so nothing is covered yet.
		log.evictThrough(watermark)
	}
	log.loaded = true

	m.logger.Info("user log reconstructed",
		zap.String("user_id", userID.String()),
		zap.Int("entries", len(stored)),
		zap.Int64("bundle_seq_no", watermark.Int64()),
		zap.Int64("next_seq", log.nextSeq.Int64()))
	return nil
}

func (log *userLog) slotAt(seq SequenceNo) (*slot, bool) {
	if seq < log.firstSeq || seq >= log.nextSeq {
		return nil, false
	}
	return &log.slots[seq-log.firstSeq], true
}

func (log *userLog) committedFrom(startingSeqNo SequenceNo) []Transaction {
	from := startingSeqNo
	if from < log.firstSeq {
		from = log.firstSeq
	}
	tail := make([]Transaction, 0, len(log.slots))
	for seq := from; seq < log.nextSeq; seq++ {
		entry := log.slots[seq-log.firstSeq]
		if entry.state != SlotCommitted {
			continue
		}
		tx := entry.tx
		tx.Record = append([]byte(nil), entry.tx.Record...)
		tail = append(tail, tx)
	}
	return tail
}

func (log *userLog) evictThrough(bundleSeqNo SequenceNo) {
	if bundleSeqNo < log.firstSeq {
		return
	}
	if bundleSeqNo >= log.nextSeq {
		log.slots = log.slots[:0]
		log.firstSeq = bundleSeqNo + 1
		log.nextSeq = bundleSeqNo + 1
		return
	}
	drop := int(bundleSeqNo - log.firstSeq + 1)
	log.slots = append(log.slots[:0], log.slots[drop:]...)
	log.firstSeq = bundleSeqNo + 1
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// DefaultMaxItemBytes bounds a single record payload.
	DefaultMaxItemBytes = 400 << 10
	// DefaultMaxBatchBytes bounds the summed record payloads of one batch.
	DefaultMaxBatchBytes = 10 << 20
	// DefaultMaxBatchDeletes bounds the delete commands in one batch.
	DefaultMaxBatchDeletes = 100

	rollbackQueueDepth = 256
	rollbackMaxRetries = 5
)

const (
	opEngineNew   = "ledger.engine.new"
	opSubmit      = "ledger.submit"
	opSubmitBatch = "ledger.submit_batch"
	opRollback    = "ledger.rollback"
)

var (
	errMissingStore     = errors.New("durable store is required")
	errMissingMemcache  = errors.New("memcache is required")
	errRecordTooLarge   = errors.New("record exceeds per-item limit")
	errBatchTooLarge    = errors.New("batch exceeds total payload limit")
	errTooManyDeletes   = errors.New("batch exceeds delete limit")
	errEmptyBatch       = errors.New("batch is empty")
	errReservedCommand  = errors.New("rollback is reserved to the engine")
	errUnexpectedRecord = errors.New("record present without record-bearing command")
)

// SubmitRequest is one client write entering the engine.
type SubmitRequest struct {
	UserID  UserID
	ItemID  ItemID
	Command Command
	Record  []byte
}

// EngineConfig wires the transaction engine's collaborators and limits.
type EngineConfig struct {
	Store    DurableStore
	Memcache *Memcache
	Logger   *zap.Logger

	MaxItemBytes    int
	MaxBatchBytes   int
	MaxBatchDeletes int

	// RollbackBackOff overrides the retry policy of the background rollback
	// worker. Tests shrink it; production uses the exponential default.
	RollbackBackOff func() backoff.BackOff
}

// Engine orchestrates the write path: allocate a slot, persist it
// conditionally, and commit or roll back. Rollbacks run on a background
// worker so their outcome never reaches the original caller.
type Engine struct {
	store    DurableStore
	memcache *Memcache
	logger   *zap.Logger

	maxItemBytes    int
	maxBatchBytes   int
	maxBatchDeletes int
	newBackOff      func() backoff.BackOff

	rollbacks chan Transaction
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
}

// NewEngine constructs the engine and starts its rollback worker.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newError(ErrInternal, opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Memcache == nil {
		return nil, newError(ErrInternal, opEngineNew, "missing_memcache", errMissingMemcache)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxItemBytes := cfg.MaxItemBytes
	if maxItemBytes <= 0 {
		maxItemBytes = DefaultMaxItemBytes
	}
	maxBatchBytes := cfg.MaxBatchBytes
	if maxBatchBytes <= 0 {
		maxBatchBytes = DefaultMaxBatchBytes
	}
	maxBatchDeletes := cfg.MaxBatchDeletes
	if maxBatchDeletes <= 0 {
		maxBatchDeletes = DefaultMaxBatchDeletes
	}
	newBackOff := cfg.RollbackBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	engine := &Engine{
		store:           cfg.Store,
		memcache:        cfg.Memcache,
		logger:          logger,
		maxItemBytes:    maxItemBytes,
		maxBatchBytes:   maxBatchBytes,
		maxBatchDeletes: maxBatchDeletes,
		newBackOff:      newBackOff,
		rollbacks:       make(chan Transaction, rollbackQueueDepth),
	}

	engine.wg.Add(1)
	go engine.rollbackWorker()

	return engine, nil
}

// Close stops the rollback worker after draining queued rollbacks. Rollbacks
// scheduled after Close run on detached goroutines instead of the queue.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.rollbacks)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Submit validates one write, assigns its sequence number, and persists it.
// On a durable failure the caller sees ErrTransientWrite while the slot is
// rolled back in the background.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SequenceNo, error) {
	if err := e.validateSubmit(req); err != nil {
		return 0, err
	}
	return e.submitValidated(ctx, req)
}

// SubmitBatch validates the whole batch up front, allocates sequence numbers
// sequentially in input order, then runs the durable writes concurrently and
// returns sequence numbers in input order. Repeated item ids within one batch
// therefore replay in submission order. A failed member fails the batch
// result, but members that persisted stay committed: writes are
// per-transaction atomic, not per-batch.
func (e *Engine) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]SequenceNo, error) {
	if len(reqs) == 0 {
		return nil, newError(ErrBadInput, opSubmitBatch, "empty_batch", errEmptyBatch)
	}

	totalBytes := 0
	deletes := 0
	for _, req := range reqs {
		if err := e.validateSubmit(req); err != nil {
			return nil, err
		}
		totalBytes += len(req.Record)
		if req.Command == CommandDelete {
			deletes++
		}
	}
	if totalBytes > e.maxBatchBytes {
		return nil, newError(ErrBadInput, opSubmitBatch, "batch_too_large",
			fmt.Errorf("%w: %d > %d bytes", errBatchTooLarge, totalBytes, e.maxBatchBytes))
	}
	if deletes > e.maxBatchDeletes {
		return nil, newError(ErrBadInput, opSubmitBatch, "too_many_deletes",
			fmt.Errorf("%w: %d > %d", errTooManyDeletes, deletes, e.maxBatchDeletes))
	}

	// Allocation is the ordering point: slot i of the batch gets the i-th
	// sequence number. Only the durable I/O fans out.
	enriched := make([]Transaction, len(reqs))
	for i, req := range reqs {
		tx, err := e.memcache.PushTransaction(ctx, Transaction{
			UserID:  req.UserID,
			ItemID:  req.ItemID,
			Command: req.Command,
			Record:  req.Record,
		})
		if err != nil {
			for _, allocated := range enriched[:i] {
				e.enqueueRollback(allocated)
			}
			return nil, err
		}
		enriched[i] = tx
	}

	sequenceNos := make([]SequenceNo, len(reqs))
	submitErrs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i := range enriched {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			sequenceNos[index], submitErrs[index] = e.persistAllocated(ctx, enriched[index])
		}(i)
	}
	wg.Wait()

	for _, err := range submitErrs {
		if err != nil {
			return sequenceNos, err
		}
	}
	return sequenceNos, nil
}

func (e *Engine) validateSubmit(req SubmitRequest) error {
	if req.UserID == "" {
		return newError(ErrBadInput, opSubmit, "missing_user_id", ErrInvalidUserID)
	}
	if req.ItemID == "" {
		return newError(ErrBadInput, opSubmit, "missing_item_id", ErrInvalidItemID)
	}
	switch req.Command {
	case CommandInsert, CommandUpdate, CommandDelete:
	case CommandRollback:
		return newError(ErrBadInput, opSubmit, "reserved_command", errReservedCommand)
	default:
		return newError(ErrBadInput, opSubmit, "unknown_command",
			fmt.Errorf("%w: %q", ErrInvalidCommand, req.Command))
	}
	if len(req.Record) > 0 && !req.Command.CarriesRecord() {
		return newError(ErrBadInput, opSubmit, "unexpected_record", errUnexpectedRecord)
	}
	if len(req.Record) > e.maxItemBytes {
		return newError(ErrBadInput, opSubmit, "record_too_large",
			fmt.Errorf("%w: %d > %d bytes", errRecordTooLarge, len(req.Record), e.maxItemBytes))
	}
	return nil
}

func (e *Engine) submitValidated(ctx context.Context, req SubmitRequest) (SequenceNo, error) {
	enriched, err := e.memcache.PushTransaction(ctx, Transaction{
		UserID:  req.UserID,
		ItemID:  req.ItemID,
		Command: req.Command,
		Record:  req.Record,
	})
	if err != nil {
		return 0, err
	}
	return e.persistAllocated(ctx, enriched)
}

// persistAllocated drives an allocated slot to durable Committed, scheduling
// a rollback when the conditional insert cannot be confirmed.
func (e *Engine) persistAllocated(ctx context.Context, enriched Transaction) (SequenceNo, error) {
	if err := e.store.PutTransaction(ctx, enriched, PutIfAbsent); err != nil {
		e.logger.Warn("durable put failed, scheduling rollback",
			zap.String("operation", opSubmit),
			zap.String("user_id", enriched.UserID.String()),
			zap.Int64("sequence_no", enriched.SequenceNo.Int64()),
			zap.Error(err))
		e.enqueueRollback(enriched)
		return 0, newError(ErrTransientWrite, opSubmit, "durable_put_failed", err)
	}

	e.memcache.TransactionPersisted(enriched)
	return enriched.SequenceNo, nil
}

// enqueueRollback hands the slot to the background worker without blocking
// the caller. When the queue is saturated, or the engine is already closed,
// the rollback runs on its own goroutine instead of being dropped.
func (e *Engine) enqueueRollback(tx Transaction) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		go e.rollback(tx)
		return
	}
	select {
	case e.rollbacks <- tx:
		e.mu.Unlock()
		return
	default:
	}
	// Still open: Close cannot have passed its critical section yet, so the
	// waitgroup add happens before its Wait.
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		e.rollback(tx)
	}()
}

func (e *Engine) rollbackWorker() {
	defer e.wg.Done()
	for tx := range e.rollbacks {
		e.rollback(tx)
	}
}

// rollback durably rewrites a failed slot to Rollback. The rewrite predicate
// admits absent slots and slots already marked Rollback; a Conflict therefore
// proves the original insert landed, and the slot is committed instead.
// Rollback work is detached from the caller's request lifetime.
func (e *Engine) rollback(tx Transaction) {
	ctx := context.Background()
	rb := Transaction{
		UserID:     tx.UserID,
		SequenceNo: tx.SequenceNo,
		ItemID:     tx.ItemID,
		Command:    CommandRollback,
	}

	attempt := func() error {
		err := e.store.PutTransaction(ctx, rb, PutIfAbsentOrRolledBack)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(attempt, backoff.WithMaxRetries(e.newBackOff(), rollbackMaxRetries))
	switch {
	case err == nil:
		e.memcache.TransactionRolledBack(rb)
	case errors.Is(err, ErrConflict):
		// The original insert was durable after all; the conditional rewrite
		// refused because the stored command is not Rollback.
		e.memcache.TransactionPersisted(tx)
		e.logger.Info("rollback superseded, original write was durable",
			zap.String("operation", opRollback),
			zap.String("user_id", tx.UserID.String()),
			zap.Int64("sequence_no", tx.SequenceNo.Int64()))
	default:
		// The slot stays Pending in memory; reconstruction after a restart
		// resolves it from the durable store.
		e.logger.Warn("rollback dropped after retries",
			zap.String("operation", opRollback),
			zap.String("user_id", tx.UserID.String()),
			zap.Int64("sequence_no", tx.SequenceNo.Int64()),
			zap.Error(err))
	}
}

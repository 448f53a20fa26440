package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
)

// fakeDurableStore implements DurableStore with real conditional-write
// semantics over an in-memory map. failNextPuts makes the next N puts return
// ErrTransient; when alsoPersist is set the write lands durably anyway,
// simulating a store that applied the write but lost the acknowledgement.
type fakeDurableStore struct {
	mu           sync.Mutex
	items        map[string]Transaction
	watermarks   map[string]SequenceNo
	failNextPuts int
	alsoPersist  bool
	putCalls     int
}

func newFakeDurableStore() *fakeDurableStore {
	return &fakeDurableStore{
		items:      make(map[string]Transaction),
		watermarks: make(map[string]SequenceNo),
	}
}

func durableKey(userID UserID, seq SequenceNo) string {
	return fmt.Sprintf("%s#%d", userID.String(), seq.Int64())
}

func (s *fakeDurableStore) PutTransaction(_ context.Context, tx Transaction, condition PutCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putCalls++
	key := durableKey(tx.UserID, tx.SequenceNo)
	if s.failNextPuts > 0 {
		s.failNextPuts--
		if s.alsoPersist {
			s.items[key] = tx
		}
		return fmt.Errorf("%w: simulated outage", ErrTransient)
	}

	existing, exists := s.items[key]
	switch condition {
	case PutIfAbsent:
		if exists {
			return fmt.Errorf("%w: slot occupied", ErrConflict)
		}
	case PutIfAbsentOrRolledBack:
		if exists && existing.Command != CommandRollback {
			return fmt.Errorf("%w: slot occupied by %s", ErrConflict, existing.Command)
		}
	}
	s.items[key] = tx
	return nil
}

func (s *fakeDurableStore) UpdateUserBundleSeqNo(_ context.Context, username string, bundleSeqNo SequenceNo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[username] = bundleSeqNo
	return nil
}

func (s *fakeDurableStore) LoadUserLog(_ context.Context, userID UserID) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored []Transaction
	for _, tx := range s.items {
		if tx.UserID == userID {
			stored = append(stored, tx)
		}
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].SequenceNo < stored[j].SequenceNo })
	return stored, nil
}

func (s *fakeDurableStore) storedAt(t *testing.T, userID UserID, seq SequenceNo) Transaction {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.items[durableKey(userID, seq)]
	if !ok {
		t.Fatalf("no durable item at %s/%d", userID, seq)
	}
	return tx
}

// fakeBlobStore buffers uploaded objects in memory. failPuts makes every
// PutObject fail with ErrTransient.
type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string]fakeBlobObject
	failPuts bool
}

type fakeBlobObject struct {
	data        []byte
	contentType string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string]fakeBlobObject)}
}

func (s *fakeBlobStore) GetObject(_ context.Context, key string) (BlobObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	object, ok := s.objects[key]
	if !ok {
		return BlobObject{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return BlobObject{
		Body:          io.NopCloser(bytes.NewReader(object.data)),
		ContentLength: int64(len(object.data)),
		ContentType:   object.contentType,
	}, nil
}

func (s *fakeBlobStore) PutObject(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if s.failPuts {
		return fmt.Errorf("%w: simulated blob outage", ErrTransient)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = fakeBlobObject{data: data, contentType: contentType}
	return nil
}

// fakeUserRecords resolves user records, reading the bundle watermark back
// from the fake durable store so watermark updates are observed the way the
// user table would surface them.
type fakeUserRecords struct {
	store   *fakeDurableStore
	records map[UserID]UserRecord
}

func newFakeUserRecords(store *fakeDurableStore, records ...UserRecord) *fakeUserRecords {
	byID := make(map[UserID]UserRecord, len(records))
	for _, record := range records {
		byID[record.UserID] = record
	}
	return &fakeUserRecords{store: store, records: byID}
}

func (f *fakeUserRecords) GetByUserID(_ context.Context, userID UserID) (UserRecord, error) {
	record, ok := f.records[userID]
	if !ok {
		return UserRecord{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	f.store.mu.Lock()
	if watermark, ok := f.store.watermarks[record.Username]; ok {
		record.BundleSeqNo = watermark
	}
	f.store.mu.Unlock()
	return record, nil
}

func (f *fakeUserRecords) BundleSeqNo(ctx context.Context, userID UserID) (SequenceNo, error) {
	record, err := f.GetByUserID(ctx, userID)
	if err != nil {
		return 0, nil
	}
	return record.BundleSeqNo, nil
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustItemID(t *testing.T, value string) ItemID {
	t.Helper()
	id, err := NewItemID(value)
	if err != nil {
		t.Fatalf("unexpected item id error: %v", err)
	}
	return id
}

//go:build unit

package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeStore is an in-memory Store used across the package's unit tests.
// InTenantTx serializes on a mutex, which stands in for row locking.
type fakeStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record

	createErr error
	updateErr error
	txErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uuid.UUID]*Record)}
}

func (s *fakeStore) CreateInTx(_ context.Context, _ Tx, record *Record) (bool, error) {
	if s.createErr != nil {
		return false, s.createErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if existing.TenantID == record.TenantID && existing.IdempotencyKey == record.IdempotencyKey {
			*record = *existing
			return false, nil
		}
	}

	clone := *record
	s.records[record.ID] = &clone

	return true, nil
}

func (s *fakeStore) InTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error {
	if s.txErr != nil {
		return s.txErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(ContextWithTenantID(ctx, tenantID), nil)
}

func (s *fakeStore) GetForUpdate(ctx context.Context, _ Tx, id uuid.UUID) (*Record, error) {
	tenantID, _ := TenantIDFromContext(ctx)

	record, ok := s.records[id]
	if !ok || record.TenantID != tenantID {
		return nil, ErrRecordNotFound
	}

	clone := *record

	return &clone, nil
}

func (s *fakeStore) Update(ctx context.Context, _ Tx, record *Record) error {
	if s.updateErr != nil {
		return s.updateErr
	}

	tenantID, _ := TenantIDFromContext(ctx)

	existing, ok := s.records[record.ID]
	if !ok || existing.TenantID != tenantID {
		return ErrRecordNotFound
	}

	clone := *record
	s.records[record.ID] = &clone

	return nil
}

func (s *fakeStore) ListDue(_ context.Context, limit int, now time.Time) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*Record, 0)

	for _, record := range s.records {
		if (record.Status == StatusPending || record.Status == StatusFailed) && !record.NextRunAt.After(now) {
			clone := *record
			due = append(due, &clone)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })

	if len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (s *fakeStore) ListDeadLetters(_ context.Context, tenantID string, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dead := make([]*Record, 0)

	for _, record := range s.records {
		if record.TenantID == tenantID && record.Status == StatusDeadLetter {
			clone := *record
			dead = append(dead, &clone)
		}
	}

	sort.Slice(dead, func(i, j int) bool { return dead[i].UpdatedAt.After(dead[j].UpdatedAt) })

	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}

	return dead, nil
}

// get returns the stored record without tenant scoping, for assertions.
func (s *fakeStore) get(id uuid.UUID) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[id]; ok {
		clone := *record
		return &clone
	}

	return nil
}

// put stores a record directly, for test setup.
func (s *fakeStore) put(record *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	s.records[record.ID] = &clone
}

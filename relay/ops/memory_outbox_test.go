//go:build unit

package ops

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay/outbox"
)

// memoryOutbox is a minimal in-memory outbox.Store for handler tests.
type memoryOutbox struct {
	mu      sync.Mutex
	records map[uuid.UUID]*outbox.Record
}

func newMemoryOutbox() *memoryOutbox {
	return &memoryOutbox{records: make(map[uuid.UUID]*outbox.Record)}
}

func (s *memoryOutbox) CreateInTx(_ context.Context, _ outbox.Tx, record *outbox.Record) (bool, error) {
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

func (s *memoryOutbox) InTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx outbox.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(outbox.ContextWithTenantID(ctx, tenantID), nil)
}

func (s *memoryOutbox) GetForUpdate(ctx context.Context, _ outbox.Tx, id uuid.UUID) (*outbox.Record, error) {
	tenantID, _ := outbox.TenantIDFromContext(ctx)

	record, ok := s.records[id]
	if !ok || record.TenantID != tenantID {
		return nil, outbox.ErrRecordNotFound
	}

	clone := *record

	return &clone, nil
}

func (s *memoryOutbox) Update(ctx context.Context, _ outbox.Tx, record *outbox.Record) error {
	tenantID, _ := outbox.TenantIDFromContext(ctx)

	existing, ok := s.records[record.ID]
	if !ok || existing.TenantID != tenantID {
		return outbox.ErrRecordNotFound
	}

	clone := *record
	s.records[record.ID] = &clone

	return nil
}

func (s *memoryOutbox) ListDue(_ context.Context, limit int, now time.Time) ([]*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*outbox.Record, 0)

	for _, record := range s.records {
		if (record.Status == outbox.StatusPending || record.Status == outbox.StatusFailed) && !record.NextRunAt.After(now) {
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

func (s *memoryOutbox) ListDeadLetters(_ context.Context, tenantID string, limit int) ([]*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dead := make([]*outbox.Record, 0)

	for _, record := range s.records {
		if record.TenantID == tenantID && record.Status == outbox.StatusDeadLetter {
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

func (s *memoryOutbox) get(id uuid.UUID) *outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[id]; ok {
		clone := *record
		return &clone
	}

	return nil
}

func (s *memoryOutbox) put(record *outbox.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	s.records[record.ID] = &clone
}

// Package corpus provides the entity records segments are evaluated
// against.
package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ignite/segment-engine/internal/segmentation"
)

// Memory is an in-process corpus. Each Replace swaps the whole record set
// of an entity type, so readers never see a partial load.
type Memory struct {
	mu      sync.RWMutex
	records map[segmentation.EntityType][]segmentation.Record
}

// NewMemory creates an empty corpus.
func NewMemory() *Memory {
	return &Memory{records: make(map[segmentation.EntityType][]segmentation.Record)}
}

// Replace sets the records of entityType.
func (m *Memory) Replace(entityType segmentation.EntityType, records []segmentation.Record) {
	snapshot := append([]segmentation.Record(nil), records...)
	m.mu.Lock()
	m.records[entityType] = snapshot
	m.mu.Unlock()
}

// Add appends records to entityType.
func (m *Memory) Add(entityType segmentation.EntityType, records ...segmentation.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.records[entityType]
	next := make([]segmentation.Record, 0, len(cur)+len(records))
	next = append(next, cur...)
	m.records[entityType] = append(next, records...)
}

// Records returns the current snapshot of entityType.
func (m *Memory) Records(ctx context.Context, entityType segmentation.EntityType) ([]segmentation.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[entityType], nil
}

// Count returns how many records entityType holds.
func (m *Memory) Count(entityType segmentation.EntityType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[entityType])
}

// seedFile is the JSON layout accepted by LoadJSON:
//
//	{"company": [{"id": "c1", "fields": {"status": "Active"}}], "contact": [...]}
type seedFile map[segmentation.EntityType][]segmentation.Record

// LoadJSON replaces the corpus with the entity types found in r. Numbers
// are decoded as json.Number.
func (m *Memory) LoadJSON(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var seed seedFile
	if err := dec.Decode(&seed); err != nil {
		return fmt.Errorf("decode corpus seed: %w", err)
	}
	for et, records := range seed {
		if !et.Valid() {
			return fmt.Errorf("decode corpus seed: unsupported entity type %q", et)
		}
		for i, rec := range records {
			if rec.ID == "" {
				return fmt.Errorf("decode corpus seed: %s record %d has no id", et, i)
			}
		}
		m.Replace(et, records)
	}
	return nil
}

package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryStorage struct {
	mux        sync.Mutex
	eventsByID map[string]History
	log        []CommittedRecord
}

func (m *memoryStorage) Save(_ context.Context, aggregateID string, records ...Record) ([]int64, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	existing := m.eventsByID[aggregateID]
	taken := make(map[int]struct{}, len(existing)+len(records))
	for _, record := range existing {
		taken[record.Version] = struct{}{}
	}
	for _, record := range records {
		if _, ok := taken[record.Version]; ok {
			return nil, fmt.Errorf("%w: version %d already exists for aggregate %s",
				ErrConcurrencyConflict, record.Version, aggregateID)
		}
		// catches duplicate versions inside the batch itself
		taken[record.Version] = struct{}{}
	}

	m.eventsByID[aggregateID] = append(existing, records...)
	sort.Sort(m.eventsByID[aggregateID])

	positions := make([]int64, 0, len(records))
	for _, record := range records {
		position := int64(len(m.log) + 1)
		m.log = append(m.log, CommittedRecord{
			Record:         record,
			AggregateID:    aggregateID,
			GlobalPosition: position,
		})
		positions = append(positions, position)
	}
	return positions, nil
}

func (m *memoryStorage) Load(_ context.Context, aggregateID string, fromVersion, toVersion int) (History, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	all := m.eventsByID[aggregateID]
	history := make(History, 0, len(all))
	for _, record := range all {
		if v := record.Version; v >= fromVersion && (toVersion == 0 || v <= toVersion) {
			history = append(history, record)
		}
	}
	return history, nil
}

func (m *memoryStorage) ReadAll(_ context.Context, fromPosition int64, limit int) ([]CommittedRecord, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	batch := make([]CommittedRecord, 0, limit)
	for _, committed := range m.log {
		if committed.GlobalPosition <= fromPosition {
			continue
		}
		batch = append(batch, committed)
		if len(batch) == limit {
			break
		}
	}
	return batch, nil
}

// GetLocalStorage returns a Storage in memory - good for tests!
// It checks version slots like the durable adapters do and keeps a commit
// log, so it supports Replay.
func GetLocalStorage() Storage {
	return &memoryStorage{
		eventsByID: map[string]History{},
	}
}

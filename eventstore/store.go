package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cannahum/eventstore-lite/projection"
)

const replayBatchSize = 100

// Store is the dispatch core. It accepts committed events from any number of
// concurrently appending aggregates, stamps each with the commit position the
// storage assigned to it, and delivers it, in commit order, to every
// registered projector interested in its kind. Online dispatch and Replay
// therefore walk the same total order with the same positions.
//
// Appends for the same aggregate are serialized through a per-aggregate lock
// and an expected-version check; appends for different aggregates contend
// only on the commit mutex that orders the durable write and the channel
// sends. Each projector runs on its own goroutine fed by a bounded
// channel, so all mutation of a projector's projection happens on one logical
// thread regardless of how many aggregate streams feed it. A full channel
// blocks the appender until the projector catches up; committed events are
// never dropped. Within a single process every committed event is delivered
// exactly once to each registered projector.
type Store struct {
	storage    Storage
	logger     Logger
	bufferSize int
	haltOnErr  bool

	mux        sync.Mutex
	aggregates map[string]*aggregateHandle

	commitMux sync.Mutex
	position  int64
	closed    atomic.Bool

	workers []*projectorWorker
	wg      sync.WaitGroup
}

// aggregateHandle serializes appends for one aggregate and caches its
// current version. version and loaded may only be touched while holding sem.
type aggregateHandle struct {
	sem     chan struct{}
	version int
	loaded  bool
}

func (h *aggregateHandle) lock(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *aggregateHandle) unlock() {
	<-h.sem
}

type dispatchItem struct {
	event projection.ProjectorEvent
	flush chan<- struct{}
}

type projectorWorker struct {
	projector projection.Projector
	kinds     map[string]struct{}
	ch        chan dispatchItem
	failed    bool
}

func (w *projectorWorker) wants(kind string) bool {
	if w.kinds == nil {
		return true
	}
	_, ok := w.kinds[kind]
	return ok
}

// StoreOption configures a Store during construction.
type StoreOption func(*Store)

// WithProjector registers a projector for the given event kinds. No kinds
// means every kind. Registration is static: all projectors must be declared
// before the store dispatches its first event.
func WithProjector(p projection.Projector, kinds ...string) StoreOption {
	return func(s *Store) {
		w := &projectorWorker{projector: p}
		if len(kinds) > 0 {
			w.kinds = make(map[string]struct{}, len(kinds))
			for _, k := range kinds {
				w.kinds[k] = struct{}{}
			}
		}
		s.workers = append(s.workers, w)
	}
}

// WithLogger sets the logger used for dispatch failures.
func WithLogger(l Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// WithBufferSize sets the per-projector dispatch buffer length.
func WithBufferSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithContinueOnProjectorError makes the store log and skip when a projector
// fails to apply an event, instead of halting further dispatch to it. The
// projection may drift until rebuilt via Replay.
func WithContinueOnProjectorError() StoreOption {
	return func(s *Store) {
		s.haltOnErr = false
	}
}

// GetStore builds a Store on top of the given storage and starts one
// dispatch goroutine per registered projector.
func GetStore(storage Storage, opts ...StoreOption) *Store {
	s := &Store{
		storage:    storage,
		logger:     NoOpLogger{},
		bufferSize: 256,
		haltOnErr:  true,
		aggregates: map[string]*aggregateHandle{},
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, w := range s.workers {
		w.ch = make(chan dispatchItem, s.bufferSize)
		s.wg.Add(1)
		go s.runWorker(w)
	}
	return s
}

// Append commits records for one aggregate and dispatches them. The records
// are numbered from expectedVersion+1; if expectedVersion does not match the
// aggregate's current version the call fails with ErrConcurrencyConflict and
// nothing is committed. A context cancellation while waiting for the
// per-aggregate lock is equally a clean failure. Once Append returns nil,
// every record has survived in storage and will be delivered to every
// subscribed projector.
func (s *Store) Append(ctx context.Context, aggregateID string, expectedVersion int, records ...Record) error {
	if len(records) == 0 {
		return ErrNoEvents
	}
	if aggregateID == "" {
		return errors.New("aggregateID may not be blank")
	}
	if s.isClosed() {
		return ErrStoreClosed
	}

	h := s.handle(aggregateID)
	if err := h.lock(ctx); err != nil {
		return err
	}
	defer h.unlock()

	if !h.loaded {
		version, err := s.loadVersion(ctx, aggregateID)
		if err != nil {
			return err
		}
		h.version = version
		h.loaded = true
	}

	if expectedVersion != h.version {
		return fmt.Errorf("%w: aggregate %s is at version %d, expected %d",
			ErrConcurrencyConflict, aggregateID, h.version, expectedVersion)
	}

	for i := range records {
		records[i].Version = expectedVersion + i + 1
	}

	// Save and enqueue happen under one commit mutex so the order the
	// storage durably assigns is the order every projector channel sees.
	s.commitMux.Lock()
	positions, err := s.storage.Save(ctx, aggregateID, records...)
	if err != nil {
		s.commitMux.Unlock()
		if errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		return &StorageError{Op: "save", Err: err}
	}
	h.version += len(records)
	s.dispatch(aggregateID, records, positions)
	s.commitMux.Unlock()
	return nil
}

// Load reads the event history of one aggregate from storage.
// When toVersion is 0, all events are loaded.
func (s *Store) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int) (History, error) {
	history, err := s.storage.Load(ctx, aggregateID, fromVersion, toVersion)
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	return history, nil
}

// CurrentVersion returns the aggregate's committed version; 0 means the
// aggregate has no events yet.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	h := s.handle(aggregateID)
	if err := h.lock(ctx); err != nil {
		return 0, err
	}
	defer h.unlock()

	if !h.loaded {
		version, err := s.loadVersion(ctx, aggregateID)
		if err != nil {
			return 0, err
		}
		h.version = version
		h.loaded = true
	}
	return h.version, nil
}

// Replay feeds the full committed log, in commit order, through the given
// projector. The kinds filter matches the one used at registration: empty
// means every kind. The storage must implement GlobalReader. Replaying into
// a fresh projection yields the same result as the online dispatch did,
// provided the projector's fold is deterministic.
func (s *Store) Replay(ctx context.Context, p projection.Projector, kinds ...string) error {
	reader, ok := s.storage.(GlobalReader)
	if !ok {
		return ErrReplayUnsupported
	}

	var wanted map[string]struct{}
	if len(kinds) > 0 {
		wanted = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			wanted[k] = struct{}{}
		}
	}

	var from int64
	for {
		batch, err := reader.ReadAll(ctx, from, replayBatchSize)
		if err != nil {
			return &StorageError{Op: "read", Err: err}
		}
		if len(batch) == 0 {
			return nil
		}
		for _, committed := range batch {
			from = committed.GlobalPosition
			if wanted != nil {
				if _, ok := wanted[committed.Kind]; !ok {
					continue
				}
			}
			if err := p.Apply(toProjectorEvent(committed)); err != nil {
				return &ProjectorError{Projector: p.Name(), Position: committed.GlobalPosition, Err: err}
			}
		}
	}
}

// Flush blocks until every event committed before the call has been applied
// by every live projector, or the context is done.
func (s *Store) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	done := make(chan struct{}, len(s.workers))

	s.commitMux.Lock()
	for _, w := range s.workers {
		w.ch <- dispatchItem{flush: done}
	}
	s.commitMux.Unlock()

	for range s.workers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops dispatching after draining every pending event and marks the
// store closed. It must not be called concurrently with Append.
func (s *Store) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.commitMux.Lock()
	for _, w := range s.workers {
		close(w.ch)
	}
	s.commitMux.Unlock()
	s.wg.Wait()
}

func (s *Store) isClosed() bool {
	return s.closed.Load()
}

func (s *Store) handle(aggregateID string) *aggregateHandle {
	s.mux.Lock()
	defer s.mux.Unlock()

	h, ok := s.aggregates[aggregateID]
	if !ok {
		h = &aggregateHandle{sem: make(chan struct{}, 1)}
		s.aggregates[aggregateID] = h
	}
	return h
}

func (s *Store) loadVersion(ctx context.Context, aggregateID string) (int, error) {
	history, err := s.storage.Load(ctx, aggregateID, 0, 0)
	if err != nil {
		return 0, &StorageError{Op: "load", Err: err}
	}
	if len(history) == 0 {
		return 0, nil
	}
	return history[len(history)-1].Version, nil
}

// dispatch hands the records to every interested projector, stamped with the
// positions the storage assigned during Save. Storages without a global
// order return nil positions; those records get an in-process counter
// instead, which is fine because such storages cannot Replay. Callers hold
// the commit mutex, so every projector channel observes the same order.
func (s *Store) dispatch(aggregateID string, records []Record, positions []int64) {
	for i, record := range records {
		var position int64
		if positions != nil {
			position = positions[i]
		} else {
			s.position++
			position = s.position
		}
		event := toProjectorEvent(CommittedRecord{
			Record:         record,
			AggregateID:    aggregateID,
			GlobalPosition: position,
		})
		for _, w := range s.workers {
			if w.wants(record.Kind) {
				w.ch <- dispatchItem{event: event}
			}
		}
	}
}

func (s *Store) runWorker(w *projectorWorker) {
	defer s.wg.Done()

	for item := range w.ch {
		if item.flush != nil {
			item.flush <- struct{}{}
			continue
		}
		if w.failed {
			continue
		}
		if err := w.projector.Apply(item.event); err != nil {
			perr := &ProjectorError{
				Projector: w.projector.Name(),
				Position:  item.event.GlobalPosition,
				Err:       err,
			}
			if s.haltOnErr {
				w.failed = true
				s.logger.Error(context.Background(), "projector halted",
					"projector", w.projector.Name(),
					"kind", item.event.Kind,
					"error", perr)
			} else {
				s.logger.Error(context.Background(), "projector skipped event",
					"projector", w.projector.Name(),
					"kind", item.event.Kind,
					"error", perr)
			}
		}
	}
}

func toProjectorEvent(committed CommittedRecord) projection.ProjectorEvent {
	return projection.ProjectorEvent{
		AggregateID:    committed.AggregateID,
		Kind:           committed.Kind,
		Sequence:       committed.Version,
		GlobalPosition: committed.GlobalPosition,
		Payload:        committed.Data,
	}
}

package changestate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homeschedule/internal/buffer"

	"go.uber.org/zap"
)

type entry struct {
	// lock holds one token while a Handle is out
	lock  chan struct{}
	state EntityChangeState
}

// Store owns every EntityChangeState. Reads and writes go through a Handle
// obtained with Acquire, which serializes access per entity.
type Store struct {
	mu        sync.Mutex
	entries   map[string]*entry
	dirty     bool
	persister Persister
	logger    *zap.Logger
}

// NewStore creates a store. A nil persister keeps state in memory only.
func NewStore(persister Persister, logger *zap.Logger) *Store {
	if persister == nil {
		persister = MemoryPersister{}
	}
	return &Store{
		entries:   make(map[string]*entry),
		persister: persister,
		logger:    logger.Named("changestate"),
	}
}

func (s *Store) entryFor(entityID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entityID]
	if !ok {
		e = &entry{lock: make(chan struct{}, 1)}
		s.entries[entityID] = e
	}
	return e
}

// Acquire blocks until the entity's lock is free or ctx is done
func (s *Store) Acquire(ctx context.Context, entityID string) (*Handle, error) {
	for {
		e := s.entryFor(entityID)
		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to lock %s: %w", entityID, ctx.Err())
		}

		s.mu.Lock()
		current := s.entries[entityID] == e
		working := e.state
		s.mu.Unlock()

		if !current {
			// removed while we waited
			<-e.lock
			continue
		}
		return &Handle{store: s, entityID: entityID, entry: e, working: working}, nil
	}
}

// Get returns the last committed state
func (s *Store) Get(entityID string) (EntityChangeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entityID]
	if !ok {
		return EntityChangeState{}, false
	}
	return e.state, true
}

// Snapshot returns a copy of every committed state
func (s *Store) Snapshot() map[string]EntityChangeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]EntityChangeState, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.state
	}
	return out
}

// Remove drops an entity once no Handle is out for it
func (s *Store) Remove(ctx context.Context, entityID string) error {
	s.mu.Lock()
	e, ok := s.entries[entityID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("failed to lock %s: %w", entityID, ctx.Err())
	}

	s.mu.Lock()
	if s.entries[entityID] == e {
		delete(s.entries, entityID)
		s.dirty = true
	}
	s.mu.Unlock()
	<-e.lock

	s.logger.Info("Removed change state", zap.String("entity_id", entityID))
	return nil
}

// Prune removes every entity not in keep
func (s *Store) Prune(ctx context.Context, keep []string) error {
	wanted := make(map[string]bool, len(keep))
	for _, id := range keep {
		wanted[id] = true
	}

	s.mu.Lock()
	var drop []string
	for id := range s.entries {
		if !wanted[id] {
			drop = append(drop, id)
		}
	}
	s.mu.Unlock()

	for _, id := range drop {
		if err := s.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the in-memory state with what the persister holds. Call
// before any Handle is acquired.
func (s *Store) Load(ctx context.Context) error {
	states, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load change state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry, len(states))
	for id, st := range states {
		s.entries[id] = &entry{lock: make(chan struct{}, 1), state: st}
	}
	s.dirty = false
	s.logger.Info("Loaded change state", zap.Int("entities", len(states)))
	return nil
}

// Flush saves the committed states if anything changed since the last save
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]EntityChangeState, len(s.entries))
	for id, e := range s.entries {
		snapshot[id] = e.state
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.persister.Save(ctx, snapshot); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("failed to save change state: %w", err)
	}
	return nil
}

// Handle is exclusive access to one entity's state. Changes are made to a
// working copy and become visible only on Commit.
type Handle struct {
	store    *Store
	entityID string
	entry    *entry
	working  EntityChangeState
	released bool
}

// EntityID returns the entity this handle locks
func (h *Handle) EntityID() string { return h.entityID }

// State returns the working copy
func (h *Handle) State() EntityChangeState { return h.working }

// History implements buffer.ChangeRecord
func (h *Handle) History() buffer.History { return h.working.History() }

// LastObserved implements buffer.ChangeRecord
func (h *Handle) LastObserved() (float64, bool) {
	return h.working.ObservedValue, !h.working.ObservedAt.IsZero()
}

// RecordObserved implements buffer.ChangeRecord
func (h *Handle) RecordObserved(value float64, at time.Time) {
	h.working.ObservedValue = value
	h.working.ObservedAt = at
}

// RecordManual implements buffer.ChangeRecord
func (h *Handle) RecordManual(value float64, at time.Time, attribution buffer.Attribution) {
	h.working.ManualValue = value
	h.working.ManualAt = at
	h.working.Attribution = attribution
}

// RecordScheduled notes a successful apply. The applied value is also the
// new observation baseline.
func (h *Handle) RecordScheduled(value float64, at time.Time) {
	h.working.ScheduledValue = value
	h.working.ScheduledAt = at
	h.working.ObservedValue = value
	h.working.ObservedAt = at
	h.working.Attribution = buffer.AttributionScheduled
}

// SetEffectiveBuffer records the buffer config resolved for this pass
func (h *Handle) SetEffectiveBuffer(cfg buffer.Config) {
	h.working.EffectiveBuffer = cfg
}

// Commit publishes the working copy as the entity's state in one step
func (h *Handle) Commit() {
	if h.released {
		return
	}
	h.store.mu.Lock()
	h.entry.state = h.working
	h.store.dirty = true
	h.store.mu.Unlock()
}

// Release gives the lock back. Uncommitted changes are discarded. Safe to
// call more than once.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	<-h.entry.lock
}

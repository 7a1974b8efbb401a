// Package scheduler resolves and applies the active schedule slot for each
// tracked entity.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"homeschedule/internal/buffer"
	"homeschedule/internal/changestate"
	"homeschedule/internal/clock"
	"homeschedule/internal/entity"
	"homeschedule/internal/presence"
	"homeschedule/internal/schedule"
	"homeschedule/internal/shadowstate"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrUnknownEntity is returned for entity ids the document does not track
var ErrUnknownEntity = errors.New("entity not tracked")

// EntityIO reads and writes entity values
type EntityIO interface {
	ReadCurrentValue(ctx context.Context, entityID string) (float64, error)
	ReadBounds(ctx context.Context, entityID string) (entity.Bounds, error)
	ApplyValue(ctx context.Context, entityID string, value float64) error
}

// PresenceSource supplies raw occupancy signals
type PresenceSource interface {
	ReadSignals(ctx context.Context, cfg presence.Config) (presence.Input, error)
}

// DocumentStore persists the schedule document
type DocumentStore interface {
	Load(ctx context.Context) (*schedule.Document, error)
	Save(ctx context.Context, doc *schedule.Document) error
}

// Options tunes retries and time handling
type Options struct {
	// ApplyTimeout bounds each apply attempt
	ApplyTimeout time.Duration
	// ApplyRetries is the number of attempts after the first
	ApplyRetries int
	// RetryBackoff is the first retry delay, doubled per attempt
	RetryBackoff time.Duration
	// PresenceRetries is the number of extra presence reads before degrading to away
	PresenceRetries int
	// Location is the zone slot times are expressed in
	Location *time.Location
	// Predicates backs the custom presence rule
	Predicates presence.Predicates
	Metrics    *Metrics
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		ApplyTimeout:    10 * time.Second,
		ApplyRetries:    2,
		RetryBackoff:    time.Second,
		PresenceRetries: 1,
		Location:        time.Local,
		Predicates:      presence.BuiltinPredicates(),
	}
}

// Evaluator is the in-memory gatekeeper of the schedule document and the
// orchestrator of every evaluation pass
type Evaluator struct {
	io       EntityIO
	presence PresenceSource
	docs     DocumentStore
	store    *changestate.Store
	engine   *buffer.Engine
	shadow   *shadowstate.Tracker
	clock    clock.Clock
	logger   *zap.Logger
	opts     Options
	metrics  *Metrics

	// mutateMu serializes document mutations end to end; docMu only guards
	// the pointer so evaluation never waits on mutation I/O
	mutateMu sync.Mutex
	docMu    sync.RWMutex
	doc      *schedule.Document

	presenceMu   sync.RWMutex
	lastPresence presence.Snapshot

	triggerMu sync.Mutex
	inflight  map[string]*pending
	stopping  bool
	wg        sync.WaitGroup
}

// NewEvaluator creates an evaluator over doc. shadow may be nil.
func NewEvaluator(
	doc *schedule.Document,
	io EntityIO,
	presenceSource PresenceSource,
	docs DocumentStore,
	store *changestate.Store,
	shadow *shadowstate.Tracker,
	clk clock.Clock,
	logger *zap.Logger,
	opts Options,
) *Evaluator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Predicates == nil {
		opts.Predicates = presence.BuiltinPredicates()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if shadow == nil {
		shadow = shadowstate.NewTracker()
	}
	logger = logger.Named("scheduler")

	return &Evaluator{
		io:       io,
		presence: presenceSource,
		docs:     docs,
		store:    store,
		engine:   buffer.NewEngine(logger),
		shadow:   shadow,
		clock:    clk,
		logger:   logger,
		opts:     opts,
		metrics:  opts.Metrics,
		doc:      doc,
		inflight: make(map[string]*pending),
	}
}

// Document returns the current document. Callers must treat it as read-only.
func (e *Evaluator) Document() *schedule.Document {
	e.docMu.RLock()
	defer e.docMu.RUnlock()
	return e.doc
}

// Shadow returns the decision trace
func (e *Evaluator) Shadow() *shadowstate.Tracker { return e.shadow }

// ChangeState returns the change-tracking store
func (e *Evaluator) ChangeState() *changestate.Store { return e.store }

// LastPresence returns the most recent presence snapshot
func (e *Evaluator) LastPresence() presence.Snapshot {
	e.presenceMu.RLock()
	defer e.presenceMu.RUnlock()
	return e.lastPresence
}

func (e *Evaluator) now() time.Time {
	return e.clock.Now().In(e.opts.Location)
}

// EvaluateCurrentSlot returns the slot that governs entityID in mode at now
func (e *Evaluator) EvaluateCurrentSlot(entityID string, mode presence.Mode, now time.Time) (schedule.Slot, bool) {
	m, ok := e.Document().SlotAt(mode, now.In(e.opts.Location), schedule.EntityDomain(entityID))
	return m.Slot, ok
}

// GetScheduleGrid is the read projection of one entity's week
func (e *Evaluator) GetScheduleGrid(entityID string, mode presence.Mode) (schedule.Grid, error) {
	doc := e.Document()
	if !doc.Tracks(entityID) {
		return schedule.Grid{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	if _, err := presence.ParseMode(string(mode)); err != nil {
		return schedule.Grid{}, fmt.Errorf("%w: %v", schedule.ErrInvalid, err)
	}
	return doc.Grid(entityID, mode), nil
}

// UpdateSlot validates a slot mutation against the whole document and the
// bounds of every entity it would govern, persists it, and only then makes it
// visible. A rejected or unsaved mutation leaves the document unchanged.
func (e *Evaluator) UpdateSlot(ctx context.Context, u schedule.SlotUpdate) error {
	e.mutateMu.Lock()
	defer e.mutateMu.Unlock()

	current := e.Document()
	next, err := current.WithSlot(u)
	if err != nil {
		return err
	}

	if u.Slot != nil {
		if err := checkBounds(e.readBounds(ctx, next), *u.Slot); err != nil {
			return err
		}
	}

	if err := e.docs.Save(ctx, next); err != nil {
		e.logger.Error("Failed to persist slot update, keeping the current document", zap.Error(err))
		return err
	}

	e.docMu.Lock()
	e.doc = next
	e.docMu.Unlock()

	e.logger.Info("Slot updated",
		zap.String("mode", string(u.Mode)),
		zap.String("day", string(u.Day)),
		zap.Int("index", u.Index),
		zap.Bool("removed", u.Slot == nil))
	return nil
}

// readBounds collects the bounds of every tracked entity. Entities whose
// bounds cannot be read are left out with a warning, so their targets go
// unchecked.
func (e *Evaluator) readBounds(ctx context.Context, doc *schedule.Document) map[string]entity.Bounds {
	out := make(map[string]entity.Bounds, len(doc.Entities))
	for _, id := range doc.Entities {
		bounds, err := e.io.ReadBounds(ctx, id)
		if err != nil {
			e.logger.Warn("Bounds unavailable, accepting slot targets unchecked",
				zap.String("entity_id", id),
				zap.Error(err))
			continue
		}
		out[id] = bounds
	}
	return out
}

func checkBounds(bounds map[string]entity.Bounds, slot schedule.Slot) error {
	for id, b := range bounds {
		if !slot.Applies(schedule.EntityDomain(id)) {
			continue
		}
		if !b.Contains(slot.Target) {
			return fmt.Errorf("%w: target %v outside %s bounds [%v, %v]",
				schedule.ErrInvalid, slot.Target, id, b.Min, b.Max)
		}
	}
	return nil
}

// ReplaceDocument swaps in a document loaded from outside, such as a file
// edit, and drops change state of entities no longer tracked. Slot targets
// are held to entity bounds as UpdateSlot does.
func (e *Evaluator) ReplaceDocument(ctx context.Context, doc *schedule.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	bounds := e.readBounds(ctx, doc)
	for mode, week := range doc.Schedules {
		for day, slots := range week {
			for i, slot := range slots {
				if err := checkBounds(bounds, slot); err != nil {
					return fmt.Errorf("%s %s slot %d: %w", mode, day, i, err)
				}
			}
		}
	}

	e.mutateMu.Lock()
	e.docMu.Lock()
	e.doc = doc
	e.docMu.Unlock()
	e.mutateMu.Unlock()

	for _, id := range e.shadow.EntityIDs() {
		if !doc.Tracks(id) {
			e.shadow.Forget(id)
		}
	}
	if err := e.store.Prune(ctx, doc.Entities); err != nil {
		return fmt.Errorf("failed to prune change state: %w", err)
	}

	e.logger.Info("Schedule document replaced", zap.Int("entities", len(doc.Entities)))
	return nil
}

// ObserveValue feeds a live reading into manual-change detection, outside
// of an evaluation pass
func (e *Evaluator) ObserveValue(ctx context.Context, entityID string, value float64) (buffer.Attribution, bool, error) {
	doc := e.Document()
	if !doc.Tracks(entityID) {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	h, err := e.store.Acquire(ctx, entityID)
	if err != nil {
		return "", false, err
	}
	defer h.Release()

	tolerance := doc.Buffer.Resolve(entityID).Tolerance
	attribution, changed := e.engine.Observe(h, entityID, value, tolerance, e.now())
	h.Commit()
	return attribution, changed, nil
}

// RecordManualChange stores a human-made value reported by the caller
func (e *Evaluator) RecordManualChange(ctx context.Context, entityID string, value float64) error {
	if !e.Document().Tracks(entityID) {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	h, err := e.store.Acquire(ctx, entityID)
	if err != nil {
		return err
	}
	defer h.Release()

	now := e.now()
	e.engine.RecordManualChange(h, entityID, value, now)
	h.RecordObserved(value, now)
	h.Commit()
	return nil
}

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"homeschedule/internal/clock"
	"homeschedule/internal/entity"
	"homeschedule/internal/ha"
	"homeschedule/internal/schedule"

	"go.uber.org/zap"
)

// eventQueueSize bounds state-change events waiting for the observer
const eventQueueSize = 256

type stateEvent struct {
	entityID string
	state    *ha.State
}

// Runner drives an Evaluator: a periodic tick over every entity, plus
// event-driven passes on entity and presence state changes
type Runner struct {
	evaluator *Evaluator
	haClient  ha.HAClient
	clock     clock.Clock
	interval  time.Duration
	logger    *zap.Logger

	events chan stateEvent

	subsMu        sync.Mutex
	subscriptions []ha.Subscription

	// passCtx outlives the loops so Stop can let in-flight passes finish
	passCtx      context.Context
	cancelPasses context.CancelFunc
	cancelLoops  context.CancelFunc
	done         sync.WaitGroup
	started      atomic.Bool
}

// NewRunner creates a runner that ticks every interval
func NewRunner(evaluator *Evaluator, haClient ha.HAClient, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		evaluator: evaluator,
		haClient:  haClient,
		clock:     clk,
		interval:  interval,
		logger:    logger.Named("runner"),
		events:    make(chan stateEvent, eventQueueSize),
	}
}

// Start subscribes to state changes, runs a first pass over every entity
// and starts the tick loop
func (r *Runner) Start(ctx context.Context) error {
	if r.started.Load() {
		return fmt.Errorf("runner already started")
	}
	r.logger.Info("Starting schedule runner", zap.Duration("interval", r.interval))

	r.passCtx, r.cancelPasses = context.WithCancel(ctx)
	loopCtx, cancelLoops := context.WithCancel(ctx)
	r.cancelLoops = cancelLoops

	if err := r.subscribe(r.evaluator.Document()); err != nil {
		cancelLoops()
		r.cancelPasses()
		return fmt.Errorf("failed to subscribe to state changes: %w", err)
	}

	r.done.Add(2)
	go r.tickLoop(loopCtx)
	go r.observeLoop(loopCtx)

	r.started.Store(true)
	r.evaluator.TriggerAll(r.passCtx)
	return nil
}

// Stop ends the loops, waits for in-flight passes until ctx is done, and
// flushes change state
func (r *Runner) Stop(ctx context.Context) error {
	if !r.started.Swap(false) {
		return nil
	}
	r.logger.Info("Stopping schedule runner")

	r.unsubscribe()
	r.cancelLoops()
	r.done.Wait()

	// Callbacks dispatched before unsubscribe may still arrive
	r.evaluator.stopTriggers()
	defer r.evaluator.resumeTriggers()
	if err := r.evaluator.Wait(ctx); err != nil {
		r.logger.Warn("In-flight passes did not finish before shutdown, abandoning them", zap.Error(err))
	}
	r.cancelPasses()
	if err := r.evaluator.ChangeState().Flush(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to flush change state: %w", err)
	}
	return nil
}

// Reload swaps in a new document and resubscribes to its entities
func (r *Runner) Reload(ctx context.Context, doc *schedule.Document) error {
	if err := r.evaluator.ReplaceDocument(ctx, doc); err != nil {
		return err
	}
	if !r.started.Load() {
		return nil
	}
	r.unsubscribe()
	if err := r.subscribe(doc); err != nil {
		return fmt.Errorf("failed to resubscribe: %w", err)
	}
	r.evaluator.TriggerAll(r.passCtx)
	return nil
}

func (r *Runner) tickLoop(ctx context.Context) {
	defer r.done.Done()

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			r.evaluator.TriggerAll(r.passCtx)
			if err := r.evaluator.ChangeState().Flush(ctx); err != nil {
				r.logger.Error("Failed to flush change state", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// observeLoop feeds entity readings into manual-change detection before
// triggering a pass. It runs apart from the HA receive loop, which must never
// wait on an entity lock.
func (r *Runner) observeLoop(ctx context.Context) {
	defer r.done.Done()

	for {
		select {
		case ev := <-r.events:
			value, err := entity.ValueFromState(ev.state)
			if err != nil {
				r.logger.Debug("Ignoring unreadable state change",
					zap.String("entity_id", ev.entityID),
					zap.Error(err))
				continue
			}
			if _, _, err := r.evaluator.ObserveValue(r.passCtx, ev.entityID, value); err != nil {
				r.logger.Debug("Observation skipped",
					zap.String("entity_id", ev.entityID),
					zap.Error(err))
				continue
			}
			r.evaluator.Trigger(r.passCtx, ev.entityID)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) subscribe(doc *schedule.Document) error {
	var subs []ha.Subscription

	for _, id := range doc.Entities {
		sub, err := r.haClient.SubscribeStateChanges(id, func(entityID string, _, newState *ha.State) {
			if newState == nil {
				return
			}
			select {
			case r.events <- stateEvent{entityID: entityID, state: newState}:
			default:
				r.logger.Warn("State event queue full, dropping event", zap.String("entity_id", entityID))
			}
		})
		if err != nil {
			unsubscribeAll(subs)
			return fmt.Errorf("failed to subscribe to %s: %w", id, err)
		}
		subs = append(subs, sub)
	}

	presenceIDs := append([]string(nil), doc.Presence.Entities...)
	for _, id := range []string{doc.Presence.ForceHome, doc.Presence.ForceAway} {
		if id != "" {
			presenceIDs = append(presenceIDs, id)
		}
	}
	for _, id := range presenceIDs {
		sub, err := r.haClient.SubscribeStateChanges(id, func(entityID string, _, _ *ha.State) {
			r.logger.Debug("Presence input changed", zap.String("entity_id", entityID))
			r.evaluator.TriggerAll(r.passCtx)
		})
		if err != nil {
			unsubscribeAll(subs)
			return fmt.Errorf("failed to subscribe to %s: %w", id, err)
		}
		subs = append(subs, sub)
	}

	r.subsMu.Lock()
	r.subscriptions = subs
	r.subsMu.Unlock()
	return nil
}

func (r *Runner) unsubscribe() {
	r.subsMu.Lock()
	subs := r.subscriptions
	r.subscriptions = nil
	r.subsMu.Unlock()
	unsubscribeAll(subs)
}

func unsubscribeAll(subs []ha.Subscription) {
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

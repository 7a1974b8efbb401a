package scheduler

import (
	"context"

	"go.uber.org/zap"
)

// pending marks an entity with a pass in flight. again is set when another
// trigger arrived meanwhile; those triggers collapse into one more pass.
type pending struct {
	again bool
}

// Trigger schedules an asynchronous pass for entityID. Triggers arriving
// while a pass is running are coalesced into a single follow-up pass.
// Triggers are ignored between stopTriggers and resumeTriggers.
func (e *Evaluator) Trigger(ctx context.Context, entityID string) {
	e.triggerMu.Lock()
	if e.stopping {
		e.triggerMu.Unlock()
		e.logger.Debug("Ignoring trigger while stopping", zap.String("entity_id", entityID))
		return
	}
	if p, ok := e.inflight[entityID]; ok {
		p.again = true
		e.triggerMu.Unlock()
		e.metrics.Coalesced.Inc()
		return
	}
	p := &pending{}
	e.inflight[entityID] = p
	e.wg.Add(1)
	e.triggerMu.Unlock()

	go func() {
		defer e.wg.Done()
		for {
			res := e.ApplySchedule(ctx, entityID, false)
			e.logger.Debug("Triggered pass finished",
				zap.String("entity_id", entityID),
				zap.String("outcome", string(res.Outcome)))

			e.triggerMu.Lock()
			if !p.again || ctx.Err() != nil {
				delete(e.inflight, entityID)
				e.triggerMu.Unlock()
				return
			}
			p.again = false
			e.triggerMu.Unlock()
		}
	}()
}

// TriggerAll triggers every tracked entity
func (e *Evaluator) TriggerAll(ctx context.Context) {
	for _, id := range e.Document().Entities {
		e.Trigger(ctx, id)
	}
}

// stopTriggers refuses new passes so Wait can drain the ones in flight
func (e *Evaluator) stopTriggers() {
	e.triggerMu.Lock()
	e.stopping = true
	e.triggerMu.Unlock()
}

func (e *Evaluator) resumeTriggers() {
	e.triggerMu.Lock()
	e.stopping = false
	e.triggerMu.Unlock()
}

// Wait blocks until every triggered pass has finished or ctx is done
func (e *Evaluator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

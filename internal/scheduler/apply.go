package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homeschedule/internal/buffer"
	"homeschedule/internal/entity"
	"homeschedule/internal/presence"
	"homeschedule/internal/schedule"
	"homeschedule/internal/shadowstate"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome tags an ApplyResult
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeSuppressed        Outcome = "suppressed"
	OutcomeNoSlot            Outcome = "no_slot"
	OutcomeEntityUnavailable Outcome = "entity_unavailable"
	OutcomeApplyFailed       Outcome = "apply_failed"
)

// ConfigurationInvalidPrefix starts the reason of apply_failed results that
// were rejected before any service call was made
const ConfigurationInvalidPrefix = "configuration invalid: "

// SlotRef identifies the slot a pass resolved
type SlotRef struct {
	Day   schedule.Day  `json:"day"`
	Index int           `json:"index"`
	Slot  schedule.Slot `json:"slot"`
}

// ApplyResult is the outcome of one evaluation pass. Commands return it
// instead of an error.
type ApplyResult struct {
	EntityID    string        `json:"entity_id"`
	Outcome     Outcome       `json:"outcome"`
	Reason      string        `json:"reason"`
	Mode        presence.Mode `json:"mode,omitempty"`
	Slot        *SlotRef      `json:"slot,omitempty"`
	Target      *float64      `json:"target,omitempty"`
	Current     *float64      `json:"current,omitempty"`
	Suppression buffer.Reason `json:"suppression,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
	PassID      string        `json:"pass_id"`
	At          time.Time     `json:"at"`
}

// passRequest is what a command asks of one pass
type passRequest struct {
	force    bool
	override *buffer.Override
	// pinned selects the slot by day and time instead of by now
	pinned *pinnedSlot
	// snapshot reuses a presence evaluation shared by several passes
	snapshot *presence.Snapshot
}

type pinnedSlot struct {
	day schedule.Day
	at  schedule.TimeOfDay
}

// ApplySchedule runs the full pipeline for one entity
func (e *Evaluator) ApplySchedule(ctx context.Context, entityID string, force bool) ApplyResult {
	return e.run(ctx, entityID, passRequest{force: force})
}

// ForceApply applies the current slot regardless of buffer suppression
func (e *Evaluator) ForceApply(ctx context.Context, entityID string) ApplyResult {
	return e.ApplySchedule(ctx, entityID, true)
}

// ApplySlot applies the slot active at (day, at) in the current mode, with an
// optional buffer override taking precedence over the document's
func (e *Evaluator) ApplySlot(ctx context.Context, entityID string, day schedule.Day, at schedule.TimeOfDay, override *buffer.Override) ApplyResult {
	if err := override.Validate(); err != nil {
		return e.finish(e.newResult(entityID), OutcomeApplyFailed, ConfigurationInvalidPrefix+fmt.Sprintf("buffer override: %v", err), nil, nil)
	}
	return e.run(ctx, entityID, passRequest{
		override: override,
		pinned:   &pinnedSlot{day: day, at: at},
	})
}

// ApplyGridNow evaluates one entity, or every tracked entity when entityID is
// empty, concurrently and with normal buffer logic. Results follow document order.
func (e *Evaluator) ApplyGridNow(ctx context.Context, entityID string) []ApplyResult {
	ids := []string{entityID}
	if entityID == "" {
		ids = append([]string(nil), e.Document().Entities...)
	}

	doc := e.Document()
	snap := e.resolvePresence(ctx, doc.Presence)

	results := make([]ApplyResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = e.run(gctx, id, passRequest{snapshot: &snap})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Evaluator) newResult(entityID string) ApplyResult {
	return ApplyResult{
		EntityID: entityID,
		PassID:   uuid.NewString(),
		At:       e.now(),
	}
}

// run is one evaluation pass: mode, slot, current value, decision, apply,
// record. Change state is committed only after a successful apply.
func (e *Evaluator) run(ctx context.Context, entityID string, req passRequest) ApplyResult {
	start := time.Now()
	defer func() { e.metrics.PassDuration.Observe(time.Since(start).Seconds()) }()

	res := e.newResult(entityID)
	doc := e.Document()
	inputs := map[string]interface{}{"force": req.force}

	if !doc.Tracks(entityID) {
		return e.finish(res, OutcomeEntityUnavailable, "not tracked", inputs, nil)
	}

	h, err := e.store.Acquire(ctx, entityID)
	if err != nil {
		return e.finish(res, OutcomeApplyFailed, fmt.Sprintf("abandoned: %v", err), inputs, nil)
	}
	defer h.Release()

	// Mode
	var snap presence.Snapshot
	if req.snapshot != nil {
		snap = *req.snapshot
	} else {
		snap = e.resolvePresence(ctx, doc.Presence)
	}
	res.Mode = snap.Mode
	inputs["mode"] = string(snap.Mode)
	inputs["presence_reason"] = snap.Reason

	// Slot
	domain := schedule.EntityDomain(entityID)
	var match schedule.Match
	var found bool
	if req.pinned != nil {
		match, found = doc.SlotOn(snap.Mode, req.pinned.day, req.pinned.at, domain)
	} else {
		match, found = doc.SlotAt(snap.Mode, e.now(), domain)
	}
	if !found {
		return e.finish(res, OutcomeNoSlot, "no slot covers now", inputs, nil)
	}
	res.Slot = &SlotRef{Day: match.Day, Index: match.Index, Slot: match.Slot}
	target := match.Slot.Target
	res.Target = &target
	inputs["slot"] = fmt.Sprintf("%s #%d %s-%s", match.Day, match.Index, match.Slot.Start, match.Slot.End)
	inputs["target"] = target

	// Current value
	current, err := e.io.ReadCurrentValue(ctx, entityID)
	if err != nil {
		return e.finish(res, OutcomeEntityUnavailable, err.Error(), inputs, nil)
	}
	res.Current = &current
	inputs["current"] = current

	// Decision
	cfg := doc.Buffer.Resolve(entityID, match.Slot.Buffer, req.override)
	inputs["tolerance"] = cfg.Tolerance
	inputs["window"] = cfg.Window.String()
	inputs["buffer_enabled"] = cfg.Enabled

	now := e.now()
	e.engine.Observe(h, entityID, current, cfg.Tolerance, now)
	h.SetEffectiveBuffer(cfg)

	decision := e.engine.Decide(buffer.Input{
		EntityID: entityID,
		Target:   target,
		Current:  current,
		Config:   cfg,
		History:  h.History(),
		Now:      now,
		Force:    req.force,
	})
	res.Suppression = decision.Reason
	if decision.Suppress {
		h.Commit()
		return e.finish(res, OutcomeSuppressed, string(decision.Reason), inputs, nil)
	}

	// Apply
	attempts, err := e.applyWithRetry(ctx, entityID, target)
	res.Attempts = attempts
	e.metrics.ApplyAttempts.Observe(float64(attempts))
	switch {
	case err == nil:
	case errors.Is(err, entity.ErrUnavailable):
		h.Commit()
		return e.finish(res, OutcomeEntityUnavailable, err.Error(), inputs, nil)
	case ctx.Err() != nil:
		// Abandoned: nothing from this pass is committed
		return e.finish(res, OutcomeApplyFailed, fmt.Sprintf("abandoned: %v", err), inputs, nil)
	default:
		h.Commit()
		return e.finish(res, OutcomeApplyFailed, err.Error(), inputs, nil)
	}

	// Record
	h.RecordScheduled(target, e.now())
	h.Commit()
	return e.finish(res, OutcomeApplied, string(decision.Reason), inputs, &target)
}

// applyWithRetry retries transient failures with exponential backoff. Each
// attempt is bounded by ApplyTimeout. Permanent and unavailable errors are
// returned at once.
func (e *Evaluator) applyWithRetry(ctx context.Context, entityID string, value float64) (int, error) {
	backoff := e.opts.RetryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = e.applyOnce(ctx, entityID, value)
		if err == nil {
			return attempt, nil
		}
		if errors.Is(err, entity.ErrPermanent) || errors.Is(err, entity.ErrUnavailable) || ctx.Err() != nil {
			return attempt, err
		}
		if attempt > e.opts.ApplyRetries {
			return attempt, fmt.Errorf("failed after %d attempts: %w", attempt, err)
		}

		e.logger.Warn("Apply failed, retrying",
			zap.String("entity_id", entityID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-e.clock.After(backoff):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
		backoff *= 2
	}
}

func (e *Evaluator) applyOnce(ctx context.Context, entityID string, value float64) error {
	if e.opts.ApplyTimeout <= 0 {
		return e.io.ApplyValue(ctx, entityID, value)
	}
	actx, cancel := context.WithTimeout(ctx, e.opts.ApplyTimeout)
	defer cancel()
	return e.io.ApplyValue(actx, entityID, value)
}

// finish logs, traces and counts a result
func (e *Evaluator) finish(res ApplyResult, outcome Outcome, reason string, inputs map[string]interface{}, applied *float64) ApplyResult {
	res.Outcome = outcome
	res.Reason = reason
	e.metrics.Outcomes.WithLabelValues(string(outcome)).Inc()

	slot := "no slot"
	if res.Slot != nil {
		slot = fmt.Sprintf("%s #%d", res.Slot.Day, res.Slot.Index)
	}
	fields := []zap.Field{
		zap.String("entity_id", res.EntityID),
		zap.String("pass_id", res.PassID),
		zap.String("mode", string(res.Mode)),
		zap.String("slot", slot),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
	}
	if res.Target != nil {
		fields = append(fields, zap.Float64("target", *res.Target))
	}
	if res.Current != nil {
		fields = append(fields, zap.Float64("current", *res.Current))
	}
	if res.Suppression != "" {
		fields = append(fields, zap.String("suppression", string(res.Suppression)))
	}

	switch outcome {
	case OutcomeApplyFailed:
		e.logger.Error("Schedule evaluation", fields...)
	case OutcomeEntityUnavailable:
		e.logger.Warn("Schedule evaluation", fields...)
	default:
		e.logger.Info("Schedule evaluation", fields...)
	}

	if inputs != nil {
		e.shadow.Record(res.EntityID, inputs, shadowstate.ActionRecord{
			Timestamp: res.At,
			PassID:    res.PassID,
			Outcome:   string(outcome),
			Reason:    reason,
		}, applied)
	}
	return res
}

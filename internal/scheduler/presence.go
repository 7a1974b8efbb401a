package scheduler

import (
	"context"

	"homeschedule/internal/presence"

	"go.uber.org/zap"
)

// resolvePresence reads the signals and evaluates the mode. A source that
// keeps failing degrades to an empty signal set, which evaluates to away.
func (e *Evaluator) resolvePresence(ctx context.Context, cfg presence.Config) presence.Snapshot {
	var (
		in  presence.Input
		err error
	)

	backoff := e.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		in, err = e.presence.ReadSignals(ctx, cfg)
		if err == nil || attempt >= e.opts.PresenceRetries || ctx.Err() != nil {
			break
		}
		e.logger.Warn("Presence read failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-e.clock.After(backoff):
		case <-ctx.Done():
		}
		backoff *= 2
	}

	var snap presence.Snapshot
	if err != nil {
		e.logger.Warn("Presence source unavailable, degrading to away", zap.Error(err))
		snap = presence.Evaluate(presence.Input{}, cfg, e.opts.Predicates, e.now(), e.logger)
		snap.Mode = presence.ModeAway
		snap.Reason = "presence source unavailable"
	} else {
		snap = presence.Evaluate(in, cfg, e.opts.Predicates, e.now(), e.logger)
	}

	e.presenceMu.Lock()
	changed := e.lastPresence.Mode != snap.Mode
	e.lastPresence = snap
	e.presenceMu.Unlock()

	for _, m := range presence.Modes {
		v := 0.0
		if m == snap.Mode {
			v = 1
		}
		e.metrics.Mode.WithLabelValues(string(m)).Set(v)
	}
	if changed {
		e.logger.Info("Presence mode changed",
			zap.String("mode", string(snap.Mode)),
			zap.String("reason", snap.Reason))
	}
	return snap
}

package buffer

import (
	"time"

	"go.uber.org/zap"
)

// ChangeRecord is one entity's change history, held exclusively by the caller
// for the duration of an evaluation pass.
type ChangeRecord interface {
	History() History
	LastObserved() (float64, bool)
	RecordObserved(value float64, at time.Time)
	RecordManual(value float64, at time.Time, attribution Attribution)
}

// Engine wraps Decide with manual-change bookkeeping
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a buffer engine
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("buffer")}
}

// Decide logs and returns the suppression decision for one candidate
func (e *Engine) Decide(in Input) Decision {
	d := Decide(in)
	e.logger.Debug("Buffer decision",
		zap.String("entity_id", in.EntityID),
		zap.Float64("target", in.Target),
		zap.Float64("current", in.Current),
		zap.Float64("tolerance", in.Config.Tolerance),
		zap.Duration("window", in.Config.Window),
		zap.Bool("suppress", d.Suppress),
		zap.String("reason", string(d.Reason)))
	return d
}

// RecordManualChange stores a human-made value
func (e *Engine) RecordManualChange(rec ChangeRecord, entityID string, observed float64, now time.Time) {
	rec.RecordManual(observed, now, AttributionManual)
	e.logger.Info("Manual change recorded",
		zap.String("entity_id", entityID),
		zap.Float64("value", observed))
}

// Observe compares a live reading against the last one seen. A changed value is
// attributed by exclusion; manual and ambiguous changes are recorded as manual.
// The first reading only establishes the baseline.
func (e *Engine) Observe(rec ChangeRecord, entityID string, observed float64, tolerance float64, now time.Time) (Attribution, bool) {
	previous, seen := rec.LastObserved()
	rec.RecordObserved(observed, now)

	if !seen || !Changed(previous, observed) {
		return "", false
	}

	attribution := Classify(observed, rec.History(), tolerance)
	if attribution.IsManual() {
		rec.RecordManual(observed, now, attribution)
	}

	e.logger.Info("Live value changed",
		zap.String("entity_id", entityID),
		zap.Float64("previous", previous),
		zap.Float64("observed", observed),
		zap.String("attribution", string(attribution)))
	return attribution, true
}

package presence

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Predicate decides home (true) or away (false) over a fresh signal set
type Predicate func(signals []Signal) (bool, error)

// Predicates maps predicate names to implementations for RuleCustom
type Predicates map[string]Predicate

// BuiltinPredicates returns the predicates available without registration
func BuiltinPredicates() Predicates {
	return Predicates{
		"majority_home": majorityHome,
	}
}

// majorityHome: strictly more than half of the fresh signals present
func majorityHome(signals []Signal) (bool, error) {
	if len(signals) == 0 {
		return false, fmt.Errorf("no signals")
	}
	present := 0
	for _, s := range signals {
		if s.State == StatePresent {
			present++
		}
	}
	return present*2 > len(signals), nil
}

// Evaluate resolves the mode. It never fails: any ambiguity resolves to away.
func Evaluate(in Input, cfg Config, predicates Predicates, now time.Time, logger *zap.Logger) Snapshot {
	signals := markStale(in.Signals, cfg.Timeout, now)
	snap := Snapshot{
		Mode:         ModeAway,
		EvaluatedAt:  now,
		Contributing: signals,
	}

	switch {
	case in.ForceHome:
		snap.Mode = ModeHome
		snap.Overridden = true
		snap.Reason = "force_home asserted"
		return snap
	case in.ForceAway:
		snap.Overridden = true
		snap.Reason = "force_away asserted"
		return snap
	}

	switch cfg.Rule {
	case RuleEveryoneHome:
		snap.Mode, snap.Reason = everyoneHome(signals)
	case RuleCustom:
		snap.Mode, snap.Reason = custom(signals, cfg.Predicate, predicates, logger)
	default:
		snap.Mode, snap.Reason = anyoneHome(signals)
	}
	return snap
}

func markStale(in []Signal, timeout time.Duration, now time.Time) []Signal {
	out := make([]Signal, len(in))
	for i, s := range in {
		s.Stale = timeout > 0 && now.Sub(s.LastUpdated) > timeout
		out[i] = s
	}
	return out
}

func fresh(signals []Signal) []Signal {
	out := make([]Signal, 0, len(signals))
	for _, s := range signals {
		if !s.Stale {
			out = append(out, s)
		}
	}
	return out
}

func anyoneHome(signals []Signal) (Mode, string) {
	live := fresh(signals)
	if len(live) == 0 {
		return ModeAway, "no live signals"
	}
	for _, s := range live {
		if s.State == StatePresent {
			return ModeHome, fmt.Sprintf("%s present", s.ID)
		}
	}
	return ModeAway, "no live signal present"
}

func everyoneHome(signals []Signal) (Mode, string) {
	if len(signals) == 0 {
		return ModeAway, "no signals"
	}
	for _, s := range signals {
		if s.Stale {
			return ModeAway, fmt.Sprintf("%s stale", s.ID)
		}
		if s.State != StatePresent {
			return ModeAway, fmt.Sprintf("%s %s", s.ID, s.State)
		}
	}
	return ModeHome, "everyone present"
}

func custom(signals []Signal, name string, predicates Predicates, logger *zap.Logger) (mode Mode, reason string) {
	fallback := func(cause string) (Mode, string) {
		logger.Warn("Custom presence predicate failed, falling back to anyone_home",
			zap.String("predicate", name),
			zap.String("cause", cause))
		m, r := anyoneHome(signals)
		return m, "fallback: " + r
	}

	pred, ok := predicates[name]
	if !ok || pred == nil {
		return fallback("predicate not registered")
	}

	defer func() {
		if r := recover(); r != nil {
			mode, reason = fallback(fmt.Sprintf("panic: %v", r))
		}
	}()

	home, err := pred(fresh(signals))
	if err != nil {
		return fallback(err.Error())
	}
	if home {
		return ModeHome, fmt.Sprintf("predicate %s true", name)
	}
	return ModeAway, fmt.Sprintf("predicate %s false", name)
}

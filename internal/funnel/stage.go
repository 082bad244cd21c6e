package funnel

// Stage is how far a recipient progressed through a scenario's funnel.
type Stage string

const (
	StageNone       Stage = "none"
	StageViewed     Stage = "viewed"
	StageInteracted Stage = "interacted"
	StageSubmitted  Stage = "submitted"
	StageReported   Stage = "reported"
)

// Rank gives the total ordering used by the monotonicity check. The two
// terminal stages share the top rank, so whichever of submit/report persists
// first wins and the other is rejected as a duplicate.
func (s Stage) Rank() int {
	switch s {
	case StageViewed:
		return 1
	case StageInteracted:
		return 2
	case StageSubmitted, StageReported:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether no further stage transitions are recorded.
func (s Stage) Terminal() bool {
	return s == StageSubmitted || s == StageReported
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageNone, StageViewed, StageInteracted, StageSubmitted, StageReported:
		return true
	}
	return false
}

// Outcome classifies the result of an interaction.
type Outcome string

const (
	OutcomeDetected  Outcome = "detected"    // user identified the threat
	OutcomeFellForIt Outcome = "fell_for_it" // user fell for the attack
	OutcomePartial   Outcome = "partial"     // engaged but unresolved
	OutcomeTimeout   Outcome = "timeout"     // set by the schedule sweep, never by this engine
)

// OutcomeFor maps a newly reached stage to its outcome classification.
// A report upgrades a prior partial outcome in place; that is the only
// permitted outcome change once set.
func OutcomeFor(s Stage) Outcome {
	switch s {
	case StageSubmitted:
		return OutcomeFellForIt
	case StageReported:
		return OutcomeDetected
	default:
		return OutcomePartial
	}
}

// DetectedThreat reports whether the stage represents successful detection.
func (s Stage) DetectedThreat() bool {
	return s == StageReported
}

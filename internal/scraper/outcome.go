package scraper

// OutcomeKind classifies what happened to one unit of work.
type OutcomeKind string

// Per-unit outcomes. Skipped units are soft failures the batch absorbs;
// Failed units had a real error that was logged and skipped.
const (
	OutcomeOK      OutcomeKind = "ok"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is the explicit result value for one unit, replacing thrown
// errors for soft failures.
type Outcome struct {
	Kind   OutcomeKind
	Key    string
	Reason string
	Err    error
}

// Ok builds a success outcome.
func Ok(key string) Outcome {
	return Outcome{Kind: OutcomeOK, Key: key}
}

// Skipped builds a soft-skip outcome with a human-readable reason.
func Skipped(key, reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Key: key, Reason: reason}
}

// Failed builds a hard per-unit failure outcome.
func Failed(key string, err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Key: key, Err: err}
}

// Report tallies a whole scraper run.
type Report struct {
	Source       string
	UsedFallback bool
	Persisted    int
	Skipped      int
	Failed       int
	Anomalies    int
	Outcomes     []Outcome
}

// Record folds one outcome into the tally.
func (r *Report) Record(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Kind {
	case OutcomeOK:
		r.Persisted++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

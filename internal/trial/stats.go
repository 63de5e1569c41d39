package trial

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// FailedTrialPolicy selects whether failed trials count in the
// pass-rate denominator. Cost and time statistics always include every
// trial that consumed resources, whichever policy is active.
type FailedTrialPolicy int

const (
	// CountFailures computes pass rate over all scheduled trials.
	CountFailures FailedTrialPolicy = iota

	// ExcludeFailures computes pass rate only over trials that
	// produced an engine outcome, leaving out infrastructure failures
	// (spawn errors, panics, workspace setup).
	ExcludeFailures
)

// String returns a human-readable label for the policy.
func (p FailedTrialPolicy) String() string {
	if p == ExcludeFailures {
		return "exclude-failures"
	}
	return "count-failures"
}

// ParseFailedTrialPolicy validates a policy label.
func ParseFailedTrialPolicy(s string) (FailedTrialPolicy, error) {
	switch s {
	case "count-failures":
		return CountFailures, nil
	case "exclude-failures":
		return ExcludeFailures, nil
	default:
		return CountFailures, fmt.Errorf("unknown failed-trial policy %q", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (p FailedTrialPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *FailedTrialPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseFailedTrialPolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Stats summarizes one metric across trials.
type Stats struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// computeStats returns population statistics over the series. A zero
// Stats is returned for an empty series.
func computeStats(series []float64) Stats {
	if len(series) == 0 {
		return Stats{}
	}
	s := Stats{Min: series[0], Max: series[0]}
	var sum float64
	for _, v := range series {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(len(series))
	var sq float64
	for _, v := range series {
		d := v - s.Mean
		sq += d * d
	}
	s.Variance = sq / float64(len(series))
	return s
}

// Aggregate summarizes a whole batch for reporting and comparison.
type Aggregate struct {
	Trials   int               `json:"trials"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	PassRate float64           `json:"pass_rate"`
	Policy   FailedTrialPolicy `json:"policy"`

	// ElapsedSeconds and Tokens cover every trial, passed or not;
	// failed trials still spent the time and the tokens.
	ElapsedSeconds Stats `json:"elapsed_seconds"`
	Tokens         Stats `json:"tokens"`
}

// Summarize computes the batch aggregate under the given policy.
func Summarize(results []Result, policy FailedTrialPolicy) *Aggregate {
	agg := &Aggregate{Trials: len(results), Policy: policy}

	var elapsed, tokens []float64
	denominator := 0
	for _, r := range results {
		if r.Passed() {
			agg.Passed++
		} else {
			agg.Failed++
		}
		switch policy {
		case ExcludeFailures:
			if r.Err == "" {
				denominator++
			}
		default:
			denominator++
		}
		elapsed = append(elapsed, r.Duration.Seconds())
		tokens = append(tokens, float64(r.Usage.Total()))
	}
	if denominator > 0 {
		agg.PassRate = float64(agg.Passed) / float64(denominator)
	}
	agg.ElapsedSeconds = computeStats(elapsed)
	agg.Tokens = computeStats(tokens)
	return agg
}

// Report bundles the aggregate with per-trial detail for persistence
// and later paired comparison.
type Report struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Aggregate   *Aggregate `json:"aggregate"`
	Results     []Result   `json:"results"`
}

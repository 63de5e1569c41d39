package trial

import "math"

// Direction marks whether a metric moved the right way between two
// aggregates.
type Direction string

const (
	Improvement Direction = "improvement"
	Regression  Direction = "regression"
	Unchanged   Direction = "unchanged"
)

// MetricDelta is one paired before/after comparison.
type MetricDelta struct {
	Metric    string    `json:"metric"`
	Before    float64   `json:"before"`
	After     float64   `json:"after"`
	Delta     float64   `json:"delta"`
	Direction Direction `json:"direction"`
}

// Comparison is the paired delta between two batch aggregates.
type Comparison struct {
	Deltas []MetricDelta `json:"deltas"`
}

// unchangedEpsilon absorbs float noise when classifying a delta.
const unchangedEpsilon = 1e-9

func delta(metric string, before, after float64, higherIsBetter bool) MetricDelta {
	d := MetricDelta{Metric: metric, Before: before, After: after, Delta: after - before}
	switch {
	case math.Abs(d.Delta) < unchangedEpsilon:
		d.Direction = Unchanged
	case (d.Delta > 0) == higherIsBetter:
		d.Direction = Improvement
	default:
		d.Direction = Regression
	}
	return d
}

// CompareAggregates produces the paired deltas between two runs of the
// same benchmark. Pass rate wants to go up; elapsed time and token
// spend want to go down.
func CompareAggregates(before, after *Aggregate) Comparison {
	return Comparison{Deltas: []MetricDelta{
		delta("pass_rate", before.PassRate, after.PassRate, true),
		delta("elapsed_mean_seconds", before.ElapsedSeconds.Mean, after.ElapsedSeconds.Mean, false),
		delta("tokens_mean", before.Tokens.Mean, after.Tokens.Mean, false),
	}}
}

// Package perfalert detects step changes in performance series.
//
// Each point is compared against a window of earlier points (back) and a
// window starting at the point itself (fore) with a Welch t-test. Points
// whose t-score clears the threshold and is a local peak become changes.
package perfalert

import (
	"cmp"
	"math"
	"slices"

	"github.com/mozilla/treeherder/internal/model"
)

// State classifies one analyzed point.
type State string

const (
	StateGood        State = "good"
	StateRegression  State = "regression"
	StateImprovement State = "improvement"
	StateMachine     State = "machine"
)

// Stats summarizes one comparison window.
type Stats struct {
	N        int     `json:"n"`
	Avg      float64 `json:"avg"`
	Variance float64 `json:"variance"`
}

// Result is the analysis of one datum.
type Result struct {
	Datum model.PerformanceDatum `json:"datum"`
	State State                  `json:"state"`
	Back  Stats                  `json:"back"`
	Fore  Stats                  `json:"fore"`
	// T is the absolute t-score, +Inf when both windows are flat.
	T float64 `json:"-"`
}

// IsChange reports whether the point is a regression or an improvement.
func (r Result) IsChange() bool {
	return r.State == StateRegression || r.State == StateImprovement
}

// Delta is the fore average minus the back average.
func (r Result) Delta() float64 { return r.Fore.Avg - r.Back.Avg }

// AmountPct is the change as a percentage of the back average. It is nil
// when the back average is zero.
func (r Result) AmountPct() *float64 {
	if r.Back.Avg == 0 {
		return nil
	}
	pct := math.Abs(r.Delta()) / math.Abs(r.Back.Avg) * 100
	return &pct
}

// summarize computes the weighted mean of data together with the
// unweighted spread about it.
func summarize(data []float64, weight weightFn) Stats {
	n := len(data)
	if n == 0 {
		return Stats{}
	}
	var sum, total float64
	for i, v := range data {
		w := weight(i, n)
		sum += v * w
		total += w
	}
	avg := sum / total
	var variance float64
	if n > 1 {
		for _, v := range data {
			d := v - avg
			variance += d * d
		}
		variance /= float64(n - 1)
	}
	return Stats{N: n, Avg: avg, Variance: variance}
}

// tScore compares a against b. It is zero when either side is empty or the
// means agree, and infinite when both sides are flat but differ.
func tScore(a, b []float64, weight weightFn) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	sa, sb := summarize(a, weight), summarize(b, weight)
	delta := sb.Avg - sa.Avg
	if delta == 0 {
		return 0
	}
	if sa.Variance == 0 && sb.Variance == 0 {
		return math.Inf(int(math.Copysign(1, delta)))
	}
	return delta / math.Sqrt(sa.Variance/float64(sa.N)+sb.Variance/float64(sb.N))
}

// SortSeries orders data by (push timestamp, push id, datum id).
func SortSeries(data []model.PerformanceDatum) {
	slices.SortStableFunc(data, func(a, b model.PerformanceDatum) int {
		if c := a.PushTimestamp.Compare(b.PushTimestamp); c != 0 {
			return c
		}
		if c := cmp.Compare(a.PushID, b.PushID); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Analyze runs the change detector over series. The input is not modified;
// results come back in series order. Points too close to either end of the
// series are reported as good.
func Analyze(series []model.PerformanceDatum, p Params) ([]Result, error) {
	weight, err := lookupVariant(p.Variant)
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	data := slices.Clone(series)
	SortSeries(data)
	values := make([]float64, len(data))
	for i, d := range data {
		values[i] = d.Value
	}

	results := make([]Result, len(data))
	// Indexes of points that passed the machine check, oldest first.
	var good []int
	minBack := (p.MinBackWindow + 1) / 2
	minFore := (p.ForeWindow + 1) / 2

	for i, d := range data {
		r := Result{Datum: d, State: StateGood}

		if p.isMachineOutlier(data, good, i, weight) {
			r.State = StateMachine
			results[i] = r
			continue
		}

		// Back window: newest first, so linear weights favour the most
		// recent history.
		start := max(0, len(good)-p.MaxBackWindow)
		back := make([]float64, 0, len(good)-start)
		for k := len(good) - 1; k >= start; k-- {
			back = append(back, values[good[k]])
		}
		fore := values[i:min(len(values), i+p.ForeWindow)]

		r.Back = summarize(back, uniformWeights)
		r.Fore = summarize(fore, uniformWeights)
		if len(back) >= minBack && len(back) > 0 && len(fore) >= minFore {
			r.T = math.Abs(tScore(back, fore, weight))
		}
		results[i] = r
		good = append(good, i)
	}

	p.selectPeaks(results, good)
	return results, nil
}

// isMachineOutlier compares the latest values reported by the machine of
// point i with recent values from other machines.
func (p Params) isMachineOutlier(data []model.PerformanceDatum, good []int, i int, weight weightFn) bool {
	machine := data[i].Machine
	if machine == "" || p.MachineHistorySize <= 0 || p.MachineThreshold <= 0 {
		return false
	}

	var mine []float64
	for k := i; k >= 0 && len(mine) < p.MachineHistorySize; k-- {
		if data[k].Machine == machine {
			mine = append(mine, data[k].Value)
		}
	}
	want := 2 * p.ForeWindow
	var others []float64
	for k := len(good) - 1; k >= 0 && len(others) < want; k-- {
		if d := data[good[k]]; d.Machine != machine {
			others = append(others, d.Value)
		}
	}
	if len(mine) < p.MachineHistorySize || len(others) < want {
		return false
	}
	return math.Abs(tScore(others, mine, weight)) >= p.MachineThreshold
}

// selectPeaks marks points whose t-score clears the threshold and is not
// exceeded by either neighbouring good point.
func (p Params) selectPeaks(results []Result, good []int) {
	reversed := matchesAny(p.Test, reversedTests)
	for k, i := range good {
		r := &results[i]
		if r.T < p.TThreshold {
			continue
		}
		if k > 0 && results[good[k-1]].T > r.T {
			continue
		}
		if k+1 < len(good) && results[good[k+1]].T > r.T {
			continue
		}
		if !p.largeEnough(*r) {
			continue
		}

		increased := r.Delta() > 0
		regression := increased == p.LowerIsBetter
		if reversed {
			regression = !regression
		}
		if regression {
			r.State = StateRegression
		} else {
			r.State = StateImprovement
		}
	}
}

func (p Params) largeEnough(r Result) bool {
	if p.MinChange <= 0 {
		return true
	}
	delta := math.Abs(r.Delta())
	if p.ChangeType == model.ChangeTypeAbsolute || matchesAny(p.Test, ignorePercentageTests) {
		return delta >= p.MinChange
	}
	pct := r.AmountPct()
	return pct == nil || *pct >= p.MinChange
}

// Changes filters results down to regressions and improvements.
func Changes(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.IsChange() {
			out = append(out, r)
		}
	}
	return out
}

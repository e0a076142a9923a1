package perfalert

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/treeherder/internal/model"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// series builds one datum per value, each from its own push and machine.
func series(values ...float64) []model.PerformanceDatum {
	out := make([]model.PerformanceDatum, len(values))
	for i, v := range values {
		out[i] = model.PerformanceDatum{
			ID:            int64(i + 1),
			SignatureID:   1,
			PushID:        int64(i + 1),
			Value:         v,
			PushTimestamp: epoch.Add(time.Duration(i) * time.Hour),
			Machine:       fmt.Sprintf("machine-%d", i),
		}
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestTScore(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"empty side", nil, []float64{1}, 0},
		{"same mean", []float64{1, 2, 3}, []float64{2, 2, 2}, 0},
		{"flat step up", []float64{0, 0}, []float64{1, 1}, math.Inf(1)},
		{"flat step down", []float64{1, 1}, []float64{0, 0}, math.Inf(-1)},
		// means 2 and 5, variances 1 and 1, n 3 each
		{"welch", []float64{1, 2, 3}, []float64{4, 5, 6}, 3 / math.Sqrt(2.0/3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tScore(tt.a, tt.b, uniformWeights)
			if math.IsInf(tt.want, 0) {
				assert.Equal(t, tt.want, got)
				return
			}
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestLinearWeights(t *testing.T) {
	assert.Equal(t, 1.0, linearWeights(0, 4))
	assert.Equal(t, 0.25, linearWeights(3, 4))
	assert.Equal(t, 0.0, linearWeights(4, 4))

	s := summarize([]float64{4, 0}, linearWeights)
	// weights 1 and 0.5
	assert.InDelta(t, 4.0/1.5, s.Avg, 1e-9)
}

func TestAnalyzeStepChange(t *testing.T) {
	for _, variant := range Variants() {
		t.Run(variant, func(t *testing.T) {
			p := DefaultParams()
			p.Variant = variant
			data := series(append(repeat(0, 10), repeat(1, 10)...)...)

			results, err := Analyze(data, p)
			require.NoError(t, err)
			require.Len(t, results, 20)

			changes := Changes(results)
			require.Len(t, changes, 1)
			c := changes[0]
			assert.Equal(t, int64(11), c.Datum.ID)
			assert.Equal(t, StateRegression, c.State)
			assert.True(t, math.IsInf(c.T, 1))
			assert.Equal(t, 0.0, c.Back.Avg)
			assert.Equal(t, 1.0, c.Fore.Avg)
			assert.Nil(t, c.AmountPct())
		})
	}
}

func TestAnalyzeDirection(t *testing.T) {
	step := append(repeat(10, 12), repeat(20, 12)...)
	tests := []struct {
		name          string
		test          string
		lowerIsBetter bool
		want          State
	}{
		{"lower is better", "tp5o", true, StateRegression},
		{"higher is better", "speedometer", false, StateImprovement},
		{"reversed meaning", "Dromaeo DOM", true, StateImprovement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			p.Test = tt.test
			p.LowerIsBetter = tt.lowerIsBetter
			results, err := Analyze(series(step...), p)
			require.NoError(t, err)
			changes := Changes(results)
			require.Len(t, changes, 1)
			assert.Equal(t, tt.want, changes[0].State)
			require.NotNil(t, changes[0].AmountPct())
			assert.InDelta(t, 100.0, *changes[0].AmountPct(), 1e-9)
		})
	}
}

func TestAnalyzeSortsInput(t *testing.T) {
	data := series(append(repeat(5, 10), repeat(9, 10)...)...)
	shuffled := make([]model.PerformanceDatum, 0, len(data))
	for i := len(data) - 1; i >= 0; i-- {
		shuffled = append(shuffled, data[i])
	}

	results, err := Analyze(shuffled, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, int64(1), results[0].Datum.ID)
	assert.Equal(t, int64(20), shuffled[0].ID, "input must not be reordered")
	require.Len(t, Changes(results), 1)
	assert.Equal(t, int64(11), Changes(results)[0].Datum.ID)
}

func TestAnalyzeNoisySeriesStaysQuiet(t *testing.T) {
	var values []float64
	for i := range 40 {
		values = append(values, 100+float64(i%4))
	}
	results, err := Analyze(series(values...), DefaultParams())
	require.NoError(t, err)
	assert.Empty(t, Changes(results))
}

func TestAnalyzeShortWindows(t *testing.T) {
	// Five points before the step cannot fill half of the back window.
	results, err := Analyze(series(append(repeat(0, 5), repeat(1, 10)...)...), DefaultParams())
	require.NoError(t, err)
	assert.Empty(t, Changes(results))
}

func TestAnalyzeMachineOutlier(t *testing.T) {
	var data []model.PerformanceDatum
	add := func(machine string, v float64) {
		n := len(data)
		data = append(data, model.PerformanceDatum{
			ID:            int64(n + 1),
			PushID:        int64(n + 1),
			Value:         v,
			PushTimestamp: epoch.Add(time.Duration(n) * time.Minute),
			Machine:       machine,
		})
	}
	for i := range 30 {
		add(fmt.Sprintf("m%d", i%10), 10+float64(i%3)*0.5)
	}
	for i := range 5 {
		add("bad", 50)
		add(fmt.Sprintf("m%d", i), 10+float64(i%3)*0.5)
	}

	results, err := Analyze(data, DefaultParams())
	require.NoError(t, err)
	last := results[len(results)-2]
	assert.Equal(t, "bad", last.Datum.Machine)
	assert.Equal(t, StateMachine, last.State)
	assert.Zero(t, last.T)
}

func TestAnalyzeMinChange(t *testing.T) {
	step := series(append(repeat(100, 12), repeat(101, 12)...)...)

	p := DefaultParams()
	p.MinChange = 2
	results, err := Analyze(step, p)
	require.NoError(t, err)
	assert.Empty(t, Changes(results), "1%% change is below a 2%% gate")

	p.ChangeType = model.ChangeTypeAbsolute
	p.MinChange = 0.5
	results, err = Analyze(step, p)
	require.NoError(t, err)
	assert.Len(t, Changes(results), 1)

	p = DefaultParams()
	p.MinChange = 5
	p.Test = "Number of Constructors"
	results, err = Analyze(step, p)
	require.NoError(t, err)
	assert.Empty(t, Changes(results))
}

func TestAnalyzeRejectsBadParams(t *testing.T) {
	p := DefaultParams()
	p.Variant = "bayesian"
	_, err := Analyze(series(1, 2), p)
	assert.ErrorContains(t, err, "unknown analyzer variant")

	p = DefaultParams()
	p.MinBackWindow = 30
	_, err = Analyze(series(1, 2), p)
	assert.ErrorContains(t, err, "exceeds max")
}

func TestParamsFor(t *testing.T) {
	thr, back, fore := 3.5, 4, 6
	sig := model.PerformanceSignature{
		Suite:           "tp5o",
		Test:            "responsiveness",
		LowerIsBetter:   false,
		AlertThreshold:  &thr,
		MinBackWindow:   &back,
		ForeWindow:      &fore,
		AlertChangeType: model.ChangeTypeAbsolute,
	}
	p := ParamsFor(sig, VariantWelchLinear)
	assert.Equal(t, 3.5, p.TThreshold)
	assert.Equal(t, 4, p.MinBackWindow)
	assert.Equal(t, DefaultMaxBackWindow, p.MaxBackWindow)
	assert.Equal(t, 6, p.ForeWindow)
	assert.False(t, p.LowerIsBetter)
	assert.Equal(t, "tp5o responsiveness", p.Test)
	assert.Equal(t, VariantWelchLinear, p.Variant)
	assert.Equal(t, model.ChangeTypeAbsolute, p.ChangeType)

	assert.Equal(t, VariantWelch, ParamsFor(model.PerformanceSignature{}, "").Variant)
}

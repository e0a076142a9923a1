package alertsummary_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/service/alertsummary"
	"github.com/mozilla/treeherder/internal/storage"
	"github.com/mozilla/treeherder/internal/storage/memstore"
	"github.com/mozilla/treeherder/internal/testutil"
)

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	st  *memstore.Store
	svc *alertsummary.Service
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: epoch.Add(48 * time.Hour)}
	clock := func() time.Time { return f.now }
	f.st = memstore.New(memstore.WithClock(clock))
	svc, err := alertsummary.New(f.st, alertsummary.Config{}, testutil.TestLogger(), alertsummary.WithClock(clock))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) signature(t *testing.T, hash string, lowerIsBetter bool) model.PerformanceSignature {
	t.Helper()
	ctx := context.Background()
	fw, err := f.st.UpsertPerformanceFramework(ctx, "talos")
	require.NoError(t, err)
	sig, err := f.st.UpsertPerformanceSignature(ctx, model.PerformanceSignature{
		SignatureHash: hash,
		RepositoryID:  1,
		FrameworkID:   fw.ID,
		Suite:         "tp5o",
		Platform:      "linux64",
		LowerIsBetter: lowerIsBetter,
	})
	require.NoError(t, err)
	return sig
}

// load inserts one datum per value on pushes firstPush, firstPush+1, ...
func (f *fixture) load(t *testing.T, sig model.PerformanceSignature, firstPush int64, values ...float64) {
	t.Helper()
	for i, v := range values {
		push := firstPush + int64(i)
		_, err := f.st.InsertPerfDatum(context.Background(), model.PerformanceDatum{
			SignatureID:   sig.ID,
			PushID:        push,
			Value:         v,
			PushTimestamp: epoch.Add(time.Duration(push) * time.Hour),
			Machine:       "machine",
		})
		require.NoError(t, err)
	}
}

func steps(a float64, na int, b float64, nb int) []float64 {
	var out []float64
	for range na {
		out = append(out, a)
	}
	for range nb {
		out = append(out, b)
	}
	return out
}

func TestAnalyzeSignatureCreatesAlert(t *testing.T) {
	reader := testutil.InstallMeterReader(t)
	f := newFixture(t)
	ctx := context.Background()
	sig := f.signature(t, "abc", true)
	f.load(t, sig, 1, steps(0, 10, 1, 10)...)

	got, err := f.svc.AnalyzeSignature(ctx, sig.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)

	g := got[0]
	assert.True(t, g.Created)
	assert.Equal(t, int64(11), g.Summary.PushID)
	assert.Equal(t, int64(10), g.Summary.PrevPushID)
	assert.Equal(t, model.SummaryUntriaged, g.Summary.Status)
	assert.True(t, g.Alert.IsRegression)
	assert.Nil(t, g.Alert.AmountPct)
	assert.Equal(t, 1.0, g.Alert.AmountAbs)
	assert.Equal(t, 0.0, g.Alert.PrevValue)
	assert.Equal(t, 1.0, g.Alert.NewValue)
	assert.True(t, math.IsInf(float64(g.Alert.TValue), 1))
	assert.Equal(t, model.AlertUntriaged, g.Alert.Status)
	assert.Equal(t, int64(1), testutil.CounterValue(t, reader, "treeherder.perfalert.alerts_created"))

	// Triage survives re-analysis and nothing new is created.
	_, err = f.svc.UpdateAlertStatus(ctx, g.Alert.ID, model.AlertAcknowledged)
	require.NoError(t, err)
	again, err := f.svc.AnalyzeSignature(ctx, sig.ID)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.False(t, again[0].Created)
	assert.Equal(t, g.Alert.ID, again[0].Alert.ID)
	assert.Equal(t, model.AlertAcknowledged, again[0].Alert.Status)
	assert.Equal(t, int64(1), testutil.CounterValue(t, reader, "treeherder.perfalert.alerts_created"))
}

func TestAlertPrevPushSkipsRetriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sig := f.signature(t, "retrigger", true)
	values := steps(0, 10, 1, 10)
	pushes := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}
	for i, v := range values {
		job := int64(i + 1)
		_, err := f.st.InsertPerfDatum(ctx, model.PerformanceDatum{
			SignatureID:   sig.ID,
			JobID:         &job,
			PushID:        pushes[i],
			Value:         v,
			PushTimestamp: epoch.Add(time.Duration(pushes[i]) * time.Hour),
			Machine:       "machine",
		})
		require.NoError(t, err)
	}

	got, err := f.svc.AnalyzeSignature(ctx, sig.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(10), got[0].Summary.PushID)
	assert.Equal(t, int64(9), got[0].Summary.PrevPushID)
}

func TestAmountPct(t *testing.T) {
	f := newFixture(t)
	sig := f.signature(t, "pct", true)
	f.load(t, sig, 1, steps(200, 12, 250, 12)...)

	got, err := f.svc.AnalyzeSignature(context.Background(), sig.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Alert.AmountPct)
	assert.InDelta(t, 25.0, *got[0].Alert.AmountPct, 1e-9)
	assert.Equal(t, 50.0, got[0].Alert.AmountAbs)
}

func TestImprovementSummaryStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sig := f.signature(t, "faster", true)
	f.load(t, sig, 1, steps(20, 12, 10, 12)...)

	got, err := f.svc.AnalyzeSignature(ctx, sig.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Alert.IsRegression)

	summary, err := f.st.GetAlertSummary(ctx, got[0].Summary.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SummaryImprovement, summary.Status)
}

func TestLaterAlertJoinsSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slower := f.signature(t, "slower", true)
	faster := f.signature(t, "faster", true)
	f.load(t, slower, 1, steps(10, 12, 20, 12)...)
	f.load(t, faster, 1, steps(20, 12, 10, 12)...)

	_, err := f.svc.AnalyzeSignature(ctx, faster.ID)
	require.NoError(t, err)
	got, err := f.svc.AnalyzeSignature(ctx, slower.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)

	alerts, err := f.st.ListAlerts(ctx, got[0].Summary.ID)
	require.NoError(t, err)
	assert.Len(t, alerts, 2, "both series share the push and framework")

	// Auto-status only applies to untriaged summaries.
	summary, err := f.st.GetAlertSummary(ctx, got[0].Summary.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SummaryImprovement, summary.Status)
}

func TestNonAlertingSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	off := false
	sig := f.signature(t, "quiet", true)
	sig.ShouldAlert = &off
	sig, err := f.st.UpsertPerformanceSignature(ctx, sig)
	require.NoError(t, err)
	f.load(t, sig, 1, steps(0, 10, 1, 10)...)

	got, err := f.svc.AnalyzeSignature(ctx, sig.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sig := f.signature(t, "swept", true)
	f.load(t, sig, 1, steps(5, 12, 5, 0)...)

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A late arrival makes the series stale again.
	f.now = f.now.Add(time.Minute)
	f.load(t, sig, 13, steps(9, 12, 9, 0)...)
	n, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sig, err = f.st.GetPerformanceSignature(ctx, sig.ID)
	require.NoError(t, err)
	require.NotNil(t, sig.AnalyzedAt)
	assert.Equal(t, f.now, *sig.AnalyzedAt)
}

func TestSummaryTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sig := f.signature(t, "triage", true)
	f.load(t, sig, 1, steps(0, 10, 1, 10)...)
	got, err := f.svc.AnalyzeSignature(ctx, sig.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	id := got[0].Summary.ID

	s, err := f.svc.UpdateStatus(ctx, id, model.SummaryInvestigating, false)
	require.NoError(t, err)
	assert.Equal(t, model.SummaryInvestigating, s.Status)

	_, err = f.svc.UpdateStatus(ctx, id, model.SummaryDownstream, false)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	s, err = f.svc.UpdateStatus(ctx, id, model.SummaryFixed, false)
	require.NoError(t, err)
	assert.Equal(t, model.SummaryFixed, s.Status)

	_, err = f.svc.UpdateStatus(ctx, id, model.SummaryInvalid, false)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	s, err = f.svc.UpdateStatus(ctx, id, model.SummaryInvalid, true)
	require.NoError(t, err)
	assert.Equal(t, model.SummaryInvalid, s.Status)

	bug := 1234567
	require.NoError(t, f.svc.AssignBug(ctx, id, &bug))
	summary, err := f.st.GetAlertSummary(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, summary.BugNumber)
	assert.Equal(t, bug, *summary.BugNumber)
}

func TestUnknownVariant(t *testing.T) {
	_, err := alertsummary.New(memstore.New(), alertsummary.Config{Variant: "nope"}, testutil.TestLogger())
	assert.ErrorContains(t, err, "unknown analyzer variant")
}

func TestAnalyzeHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sig := f.signature(t, "hash-1", true)
	f.load(t, sig, 1, steps(5, 12, 9, 12)...)

	_, err := f.svc.AnalyzeHash(ctx, "missing", "", time.Time{})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Data before since is ignored, leaving a flat series.
	got, err := f.svc.AnalyzeHash(ctx, "hash-1", "", epoch.Add(14*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = f.svc.AnalyzeHash(ctx, "hash-1", "", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(13), got[0].Summary.PushID)
}

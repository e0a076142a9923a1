package autoclassify_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/pulse"
	"github.com/mozilla/treeherder/internal/service/autoclassify"
	"github.com/mozilla/treeherder/internal/service/matcher"
	"github.com/mozilla/treeherder/internal/storage/memstore"
	"github.com/mozilla/treeherder/internal/testutil"
)

func line(test string) model.FailureLine {
	return model.FailureLine{Action: model.ActionTestResult, Test: test, Status: "FAIL", Expected: "PASS", Signature: test, Message: "boom"}
}

func newService(t *testing.T, st *memstore.Store, m autoclassify.Matcher) (*autoclassify.Service, *pulse.Recorder) {
	t.Helper()
	rec := &pulse.Recorder{}
	pub, err := pulse.NewPublisher(rec, testutil.TestLogger())
	require.NoError(t, err)
	svc, err := autoclassify.New(st, m, pub, 0, testutil.TestLogger())
	require.NoError(t, err)
	return svc, rec
}

func match(t *testing.T, st *memstore.Store, lineID, cfID int64, score float64) {
	t.Helper()
	_, err := st.InsertFailureMatch(context.Background(), model.FailureMatch{
		FailureLineID: lineID, ClassifiedFailureID: cfID, Score: score, MatcherName: matcher.PreciseTestMatcherName,
	})
	require.NoError(t, err)
}

func newCF(t *testing.T, st *memstore.Store, bug *int) int64 {
	t.Helper()
	cf, err := st.CreateClassifiedFailure(context.Background(), bug)
	require.NoError(t, err)
	return cf.ID
}

func TestClassifyThreshold(t *testing.T) {
	reader := testutil.InstallMeterReader(t)
	st := memstore.New()
	ctx := context.Background()
	job, lines := testutil.SeedJob(t, st, st, "job-d", line("a.html"), line("b.html"))
	cf1, cf2 := newCF(t, st, nil), newCF(t, st, nil)
	match(t, st, lines[0].ID, cf1, 0.85)
	match(t, st, lines[1].ID, cf2, 0.5)

	svc, rec := newService(t, st, nil)
	out, err := svc.Classify(ctx, "job-d")
	require.NoError(t, err)
	assert.Equal(t, autoclassify.Outcome{Status: model.AutoclassifyCrossreferenced, Lines: 2, Classified: 1, Updated: 1}, out)

	got, err := st.ListFailureLinesByJob(ctx, "job-d")
	require.NoError(t, err)
	require.NotNil(t, got[0].BestClassificationID)
	assert.Equal(t, cf1, *got[0].BestClassificationID)
	assert.Nil(t, got[1].BestClassificationID)

	stored, err := st.GetJob(ctx, "job-d")
	require.NoError(t, err)
	assert.Equal(t, model.AutoclassifyCrossreferenced, stored.AutoclassifyStatus)

	notes, err := st.ListJobNotes(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)

	payloads, err := rec.Payloads("events.mozilla-central.unclassified_failure_count")
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, float64(1), payloads[0]["count"])
	assert.Equal(t, int64(1), testutil.CounterValue(t, reader, "treeherder.autoclassify.jobs"))

	// A second pass changes nothing.
	before, err := st.ListFailureMatches(ctx, []int64{lines[0].ID, lines[1].ID})
	require.NoError(t, err)
	out, err = svc.Classify(ctx, "job-d")
	require.NoError(t, err)
	assert.Zero(t, out.Updated)
	assert.Equal(t, model.AutoclassifyCrossreferenced, out.Status)
	after, err := st.ListFailureMatches(ctx, []int64{lines[0].ID, lines[1].ID})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestClassifyFullyAutoclassifiedAddsNote(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	job, lines := testutil.SeedJob(t, st, st, "job-full", line("a.html"))
	match(t, st, lines[0].ID, newCF(t, st, nil), 0.9)

	svc, rec := newService(t, st, nil)
	out, err := svc.Classify(ctx, "job-full")
	require.NoError(t, err)
	assert.Equal(t, model.AutoclassifyAutoclassified, out.Status)

	notes, err := st.ListJobNotes(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, model.ClassificationAutoclassifiedIntermittent, notes[0].FailureClassification)
	assert.Equal(t, autoclassify.Who, notes[0].Who)

	_, err = svc.Classify(ctx, "job-full")
	require.NoError(t, err)
	notes, err = st.ListJobNotes(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	assert.Equal(t, []string{
		"events.mozilla-central.job_classification",
		"events.mozilla-central.unclassified_failure_count",
		"events.mozilla-central.unclassified_failure_count",
	}, rec.RoutingKeys())
}

func TestClassifySkipsJobsWithoutLines(t *testing.T) {
	st := memstore.New()
	testutil.SeedJob(t, st, st, "job-empty")
	svc, rec := newService(t, st, nil)

	out, err := svc.Classify(context.Background(), "job-empty")
	require.NoError(t, err)
	assert.Equal(t, model.AutoclassifySkipped, out.Status)
	assert.Empty(t, rec.Messages())
}

func TestClassifyUnknownJob(t *testing.T) {
	svc, _ := newService(t, memstore.New(), nil)
	_, err := svc.Classify(context.Background(), "nope")
	assert.Error(t, err)
}

func TestBestMatchesTieBreak(t *testing.T) {
	best := autoclassify.BestMatches([]model.FailureMatch{
		{FailureLineID: 1, ClassifiedFailureID: 9, Score: 0.9},
		{FailureLineID: 1, ClassifiedFailureID: 4, Score: 0.9},
		{FailureLineID: 1, ClassifiedFailureID: 2, Score: 0.7},
		{FailureLineID: 2, ClassifiedFailureID: 2, Score: 0.3},
	})
	assert.Equal(t, int64(4), best[1].ClassifiedFailureID)
	assert.Equal(t, int64(2), best[2].ClassifiedFailureID)
}

func TestRunMatchesThenClassifies(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	old := []model.FailureLine{line("a.html")}
	matcher.Apply(old)
	_, oldLines := testutil.SeedJob(t, st, st, "old", old...)
	cf := testutil.Classify(t, st, oldLines[0].ID, 0, nil)

	fresh := []model.FailureLine{line("a.html")}
	matcher.Apply(fresh)
	_, newLines := testutil.SeedJob(t, st, st, "new", fresh...)

	m, err := matcher.New(st, nil, testutil.TestLogger(), matcher.Config{})
	require.NoError(t, err)
	svc, _ := newService(t, st, m)

	out, err := svc.Run(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, model.AutoclassifyAutoclassified, out.Status)

	got, err := st.ListFailureLinesByJob(ctx, "new")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newLines[0].ID, got[0].ID)
	require.NotNil(t, got[0].BestClassificationID)
	assert.Equal(t, cf, *got[0].BestClassificationID)
}

func TestMergeDuplicates(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	bug := 1234
	_, lines := testutil.SeedJob(t, st, st, "job-m", line("a.html"), line("b.html"))
	keep := newCF(t, st, &bug)
	dup := newCF(t, st, &bug)
	match(t, st, lines[0].ID, keep, 0.4)
	match(t, st, lines[0].ID, dup, 0.9)
	match(t, st, lines[1].ID, dup, 0.6)
	testutil.Classify(t, st, lines[1].ID, dup, nil)

	svc, _ := newService(t, st, nil)
	n, err := svc.MergeDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	matches, err := st.ListFailureMatches(ctx, []int64{lines[0].ID, lines[1].ID})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, keep, m.ClassifiedFailureID)
	}
	assert.InDelta(t, 0.9, matches[0].Score, 1e-9)

	got, err := st.ListFailureLinesByJob(ctx, "job-m")
	require.NoError(t, err)
	require.NotNil(t, got[1].BestClassificationID)
	assert.Equal(t, keep, *got[1].BestClassificationID)

	n, err = svc.MergeDuplicates(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

package storage_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/storage"
	"github.com/mozilla/treeherder/internal/testutil"
	"github.com/mozilla/treeherder/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

// seedJob creates a repository, push and completed job with one pending log.
func seedJob(t *testing.T, repo string) (model.Job, model.JobLog) {
	t.Helper()
	ctx := context.Background()

	push, _, err := testDB.UpsertPush(ctx, model.Push{
		Repository:    repo,
		Revision:      uuid.NewString(),
		Author:        "dev@example.com",
		PushTimestamp: time.Now().UTC(),
		Commits:       []model.Commit{{Revision: uuid.NewString(), Author: "dev@example.com", Comments: "Bug 1 - fix"}},
	})
	require.NoError(t, err)

	up, err := testDB.UpsertJob(ctx, model.Job{
		GUID:       uuid.NewString(),
		Repository: repo,
		PushID:     push.ID,
		JobType:    "mochitest-1",
		Platform:   "linux64",
		State:      model.JobStateCompleted,
		Result:     model.ResultTestFailed,
		SubmitTime: time.Now().UTC(),
	})
	require.NoError(t, err)

	logs, err := testDB.EnsureJobLogs(ctx, up.Job.ID, []model.LogReference{{Name: "live_backing_log", URL: "https://example.com/" + up.Job.GUID}})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	return up.Job, logs[0]
}

func TestUpsertPushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	push := model.Push{
		Repository:    "repo-" + uuid.NewString()[:8],
		Revision:      "abcdef0123",
		PushTimestamp: time.Now().UTC(),
		Commits:       []model.Commit{{Revision: "abcdef0123", Author: "a@example.com"}},
	}

	first, created, err := testDB.UpsertPush(ctx, push)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := testDB.UpsertPush(ctx, push)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = testDB.UpsertPush(ctx, model.Push{Repository: push.Repository, Revision: "x"})
	assert.ErrorIs(t, err, model.ErrMalformedInput)
}

func TestUpsertJobStateMachine(t *testing.T) {
	ctx := context.Background()
	job, _ := seedJob(t, "jobs-"+uuid.NewString()[:8])

	t.Run("backward transition is dropped", func(t *testing.T) {
		back := job
		back.State = model.JobStateRunning
		up, err := testDB.UpsertJob(ctx, back)
		require.NoError(t, err)
		assert.True(t, up.Dropped)
		assert.Equal(t, model.JobStateCompleted, up.Job.State)
	})

	t.Run("forward transitions apply", func(t *testing.T) {
		j := job
		j.GUID = uuid.NewString()
		j.State = model.JobStatePending
		up, err := testDB.UpsertJob(ctx, j)
		require.NoError(t, err)
		assert.True(t, up.Created)
		assert.Equal(t, model.ResultUnknown, up.Job.Result)

		j.State = model.JobStateCompleted
		j.Result = model.ResultSuccess
		j.EndTime = ptr(time.Now().UTC())
		up, err = testDB.UpsertJob(ctx, j)
		require.NoError(t, err)
		assert.False(t, up.Dropped)
		assert.Equal(t, model.ResultSuccess, up.Job.Result)
		require.NotNil(t, up.Job.EndTime)
	})

	t.Run("concurrent writers for one guid", func(t *testing.T) {
		j := job
		j.GUID = uuid.NewString()
		states := []model.JobState{model.JobStatePending, model.JobStateRunning, model.JobStateCompleted}
		var wg sync.WaitGroup
		for _, s := range states {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w := j
				w.State = s
				_, err := testDB.UpsertJob(ctx, w)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		got, err := testDB.GetJob(ctx, j.GUID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateCompleted, got.State)
	})
}

func TestStoreParsedLogAtMostOnce(t *testing.T) {
	ctx := context.Background()
	job, log := seedJob(t, "parse-"+uuid.NewString()[:8])

	parsed := model.ParsedLog{
		Steps: []model.TextLogStep{{Name: "run tests", Result: model.ResultTestFailed, StartedLine: 0, FinishedLine: ptr(5), Order: 0}},
		Errors: []model.TextLogError{
			{StepOrder: 0, LineNumber: 3, Line: "TEST-UNEXPECTED-FAIL | a.html | boom"},
		},
		Details: []model.JobDetail{{Title: "artifact uploaded", Value: "log.txt"}},
		FailureLines: []model.FailureLine{{
			JobGUID: job.GUID, RepositoryID: job.RepositoryID, Line: 0, Action: model.ActionTestResult,
			Test: "a.html", Status: "FAIL", Expected: "PASS", Signature: "boom", Message: "boom",
			Vector: make([]float32, 64),
		}},
	}
	parsed.FailureLines[0].Vector[0] = 1

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := testDB.StoreParsedLog(ctx, log.ID, parsed)
			assert.NoError(t, err)
			results[i] = ok
		}()
	}
	wg.Wait()

	stored := 0
	for _, ok := range results {
		if ok {
			stored++
		}
	}
	assert.Equal(t, 1, stored)

	steps, err := testDB.ListTextLogSteps(ctx, log.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	errs, err := testDB.ListTextLogErrors(ctx, log.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.NotNil(t, errs[0].StepID)
	assert.Equal(t, steps[0].ID, *errs[0].StepID)

	lines, err := testDB.FindFailureLines(ctx, log.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Len(t, lines[0].Vector, 64)

	ok, err := testDB.MarkJobLog(ctx, log.ID, model.JobLogFailed, "late")
	require.NoError(t, err)
	assert.False(t, ok, "terminal log must not change status")
}

func TestBestClassificationIsMonotonic(t *testing.T) {
	ctx := context.Background()
	job, log := seedJob(t, "best-"+uuid.NewString()[:8])
	_, err := testDB.StoreParsedLog(ctx, log.ID, model.ParsedLog{FailureLines: []model.FailureLine{{
		JobGUID: job.GUID, RepositoryID: job.RepositoryID, Action: model.ActionLog, Signature: "sig", Message: "sig",
	}}})
	require.NoError(t, err)
	lines, err := testDB.FindFailureLines(ctx, log.ID)
	require.NoError(t, err)
	line := lines[0]

	a, err := testDB.CreateClassifiedFailure(ctx, nil)
	require.NoError(t, err)
	b, err := testDB.CreateClassifiedFailure(ctx, nil)
	require.NoError(t, err)

	ok, err := testDB.SetBestClassification(ctx, line.ID, a.ID, 0.7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.SetBestClassification(ctx, line.ID, b.ID, 0.7)
	require.NoError(t, err)
	assert.False(t, ok, "equal score must not replace the best classification")

	ok, err = testDB.SetBestClassification(ctx, line.ID, b.ID, 0.9)
	require.NoError(t, err)
	assert.True(t, ok)

	var outbox int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM search_outbox WHERE failure_line_id = $1`, line.ID).Scan(&outbox))
	assert.Equal(t, 2, outbox)
}

func TestBestClassificationWithoutScore(t *testing.T) {
	ctx := context.Background()
	job, log := seedJob(t, "unscored-"+uuid.NewString()[:8])
	_, err := testDB.StoreParsedLog(ctx, log.ID, model.ParsedLog{FailureLines: []model.FailureLine{{
		JobGUID: job.GUID, RepositoryID: job.RepositoryID, Action: model.ActionLog, Signature: "sig", Message: "sig",
	}}})
	require.NoError(t, err)
	lines, err := testDB.FindFailureLines(ctx, log.ID)
	require.NoError(t, err)
	cf, err := testDB.CreateClassifiedFailure(ctx, nil)
	require.NoError(t, err)

	ok, err := testDB.SetBestClassification(ctx, lines[0].ID, cf.ID, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	lines, err = testDB.FindFailureLines(ctx, log.ID)
	require.NoError(t, err)
	require.NotNil(t, lines[0].BestClassificationID)
	assert.Equal(t, cf.ID, *lines[0].BestClassificationID)
	assert.Nil(t, lines[0].BestScore)
}

func TestMergeDuplicateClassifiedFailures(t *testing.T) {
	ctx := context.Background()
	job, log := seedJob(t, "merge-"+uuid.NewString()[:8])
	_, err := testDB.StoreParsedLog(ctx, log.ID, model.ParsedLog{FailureLines: []model.FailureLine{
		{JobGUID: job.GUID, RepositoryID: job.RepositoryID, Line: 0, Action: model.ActionLog, Signature: "one"},
		{JobGUID: job.GUID, RepositoryID: job.RepositoryID, Line: 1, Action: model.ActionLog, Signature: "two"},
	}})
	require.NoError(t, err)
	lines, err := testDB.FindFailureLines(ctx, log.ID)
	require.NoError(t, err)

	bug := int(time.Now().UnixNano() % 1_000_000_000)
	keep, err := testDB.CreateClassifiedFailure(ctx, &bug)
	require.NoError(t, err)
	dup, err := testDB.CreateClassifiedFailure(ctx, &bug)
	require.NoError(t, err)

	for _, m := range []model.FailureMatch{
		{FailureLineID: lines[0].ID, ClassifiedFailureID: keep.ID, Score: 0.4, MatcherName: "test"},
		{FailureLineID: lines[0].ID, ClassifiedFailureID: dup.ID, Score: 0.8, MatcherName: "test"},
		{FailureLineID: lines[1].ID, ClassifiedFailureID: dup.ID, Score: 0.5, MatcherName: "test"},
	} {
		_, err := testDB.InsertFailureMatch(ctx, m)
		require.NoError(t, err)
	}
	_, err = testDB.SetBestClassification(ctx, lines[1].ID, dup.ID, 0.5)
	require.NoError(t, err)

	merged, err := testDB.MergeDuplicateClassifiedFailures(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, merged, 1)

	_, err = testDB.GetClassifiedFailure(ctx, dup.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	matches, err := testDB.ListFailureMatches(ctx, []int64{lines[0].ID, lines[1].ID})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, keep.ID, m.ClassifiedFailureID)
	}
	assert.InDelta(t, 0.8, matches[0].Score, 1e-9)

	lines, err = testDB.FindFailureLines(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, keep.ID, *lines[1].BestClassificationID)
}

func TestFindSimilarLinesOrdering(t *testing.T) {
	ctx := context.Background()
	test := "similar-" + uuid.NewString()
	job, log := seedJob(t, "similar-"+uuid.NewString()[:8])

	vec := func(x, y float32) []float32 {
		v := make([]float32, 64)
		v[0], v[1] = x, y
		return v
	}
	_, err := testDB.StoreParsedLog(ctx, log.ID, model.ParsedLog{FailureLines: []model.FailureLine{
		{JobGUID: job.GUID, RepositoryID: job.RepositoryID, Line: 0, Action: model.ActionTestResult, Test: test, Vector: vec(0, 1)},
		{JobGUID: job.GUID, RepositoryID: job.RepositoryID, Line: 1, Action: model.ActionTestResult, Test: test, Vector: vec(1, 0)},
		{JobGUID: job.GUID, RepositoryID: job.RepositoryID, Line: 2, Action: model.ActionTestResult, Test: test, Vector: vec(1, 0)},
	}})
	require.NoError(t, err)
	lines, err := testDB.FindFailureLines(ctx, log.ID)
	require.NoError(t, err)

	cf, err := testDB.CreateClassifiedFailure(ctx, nil)
	require.NoError(t, err)
	for _, l := range lines[:2] {
		_, err := testDB.SetBestClassification(ctx, l.ID, cf.ID, 1)
		require.NoError(t, err)
	}

	var got []model.SimilarLine
	for sl, err := range testDB.FindSimilarLines(ctx, model.Fingerprint{Test: test, Vector: vec(1, 0), ExcludeLineID: lines[2].ID}, 10, time.Hour) {
		require.NoError(t, err)
		got = append(got, sl)
	}
	require.Len(t, got, 2)
	assert.Equal(t, lines[1].ID, got[0].Line.ID)
	assert.InDelta(t, 1.0, got[0].BaseScore, 1e-6)
	assert.InDelta(t, 0.0, got[1].BaseScore, 1e-6)
}

func TestPerfAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := "perf-" + uuid.NewString()[:8]
	job, _ := seedJob(t, repo)

	fw, err := testDB.UpsertPerformanceFramework(ctx, "talos")
	require.NoError(t, err)
	sig, err := testDB.UpsertPerformanceSignature(ctx, model.PerformanceSignature{
		SignatureHash: uuid.NewString(), RepositoryID: job.RepositoryID, FrameworkID: fw.ID,
		Suite: "tp5", Platform: "linux64", LowerIsBetter: true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ChangeTypePercentage, sig.AlertChangeType)

	datum := model.PerformanceDatum{SignatureID: sig.ID, PushID: job.PushID, JobID: &job.ID, Value: 10, PushTimestamp: time.Now().UTC()}
	ok, err := testDB.InsertPerfDatum(ctx, datum)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = testDB.InsertPerfDatum(ctx, datum)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := testDB.ListSignaturesNeedingAnalysis(ctx, 1000)
	require.NoError(t, err)
	assert.Contains(t, signatureIDs(pending), sig.ID)
	require.NoError(t, testDB.MarkSignatureAnalyzed(ctx, sig.ID, time.Now().UTC().Add(time.Minute)))

	s1, err := testDB.UpsertAlertSummary(ctx, model.PerformanceAlertSummary{
		RepositoryID: job.RepositoryID, FrameworkID: fw.ID, PushID: job.PushID, PrevPushID: job.PushID,
	})
	require.NoError(t, err)
	s2, err := testDB.UpsertAlertSummary(ctx, model.PerformanceAlertSummary{
		RepositoryID: job.RepositoryID, FrameworkID: fw.ID, PushID: job.PushID, PrevPushID: job.PushID,
	})
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)

	alert, created, err := testDB.UpsertAlert(ctx, model.PerformanceAlert{
		SummaryID: s1.ID, SeriesSignatureID: sig.ID, IsRegression: true, AmountPct: ptr(10.0),
		AmountAbs: 1, PrevValue: 10, NewValue: 11, TValue: model.TScore(7.5),
	})
	require.NoError(t, err)
	assert.True(t, created)
	_, err = testDB.UpdateAlertStatus(ctx, alert.ID, model.AlertAcknowledged)
	require.NoError(t, err)

	again, created, err := testDB.UpsertAlert(ctx, model.PerformanceAlert{
		SummaryID: s1.ID, SeriesSignatureID: sig.ID, IsRegression: true, AmountPct: ptr(12.0),
		AmountAbs: 1.2, PrevValue: 10, NewValue: 11.2, TValue: model.TScore(8),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, model.AlertAcknowledged, again.Status)

	_, err = testDB.UpdateAlertSummaryStatus(ctx, s1.ID, model.SummaryFixed, false)
	require.NoError(t, err)
	_, err = testDB.UpdateAlertSummaryStatus(ctx, s1.ID, model.SummaryUntriaged, false)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	_, err = testDB.UpdateAlertSummaryStatus(ctx, s1.ID, model.SummaryInvalid, true)
	assert.NoError(t, err)
}

func signatureIDs(sigs []model.PerformanceSignature) []int64 {
	ids := make([]int64, len(sigs))
	for i, s := range sigs {
		ids[i] = s.ID
	}
	return ids
}

func TestSetaSweepCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := "seta-" + uuid.NewString()[:8]
	testtype := "test-" + uuid.NewString()

	tr, err := testDB.GetTaskRequest(ctx, repo, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tr.Counter)
	assert.Equal(t, 24*time.Hour, tr.ResetDelta)

	n, err := testDB.UpsertJobPriorities(ctx, []model.JobPriority{
		{TestType: testtype, BuildType: "opt", Platform: "linux64", Priority: model.LowValuePriority,
			Timeout: model.LowValueTimeout, BuildSystem: "taskcluster"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testDB.UpsertJobPriorities(ctx, []model.JobPriority{
		{TestType: testtype, BuildType: "opt", Platform: "linux64", Priority: model.LowValuePriority,
			Timeout: model.LowValueTimeout, BuildSystem: "buildbot"},
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = testDB.UpsertJobPriorities(ctx, []model.JobPriority{
		{TestType: testtype, BuildType: "debug", Platform: "linux64", Priority: model.HighValuePriority},
	})
	assert.ErrorIs(t, err, model.ErrMalformedInput)

	now := time.Now().UTC().Truncate(time.Second)
	update := model.JobPriority{TestType: testtype, BuildType: "opt", Platform: "linux64",
		Priority: model.HighValuePriority, Timeout: model.HighValueTimeout, ExpirationDate: ptr(now.Add(14 * 24 * time.Hour))}

	next, err := testDB.ApplySetaSweep(ctx, repo, tr.Counter, []model.JobPriority{update}, now)
	require.NoError(t, err)
	assert.Equal(t, tr.Counter+1, next.Counter)

	_, err = testDB.ApplySetaSweep(ctx, repo, tr.Counter, []model.JobPriority{update}, now)
	assert.ErrorIs(t, err, storage.ErrConflict)

	prios, err := testDB.ListJobPriorities(ctx)
	require.NoError(t, err)
	for _, p := range prios {
		if p.TestType == testtype {
			assert.Equal(t, model.HighValuePriority, p.Priority)
			assert.Equal(t, model.BuildSystemAny, p.BuildSystem)
		}
	}
}

func TestListenEventsReceivesNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	channel := "jobs_" + uuid.NewString()[:8]

	got := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- testDB.ListenEvents(ctx, channel, func(_ context.Context, p []byte) error {
			got <- string(p)
			return nil
		})
	}()

	// LISTEN may not be registered yet; keep notifying until one arrives.
	require.Eventually(t, func() bool {
		require.NoError(t, testDB.Notify(context.Background(), channel, `{"job":"abc"}`))
		select {
		case p := <-got:
			return p == `{"job":"abc"}`
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenEvents did not return after cancel")
	}
}

func TestRunMigrationsIsRepeatable(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.RunMigrations(ctx, migrations.FS))

	var n int
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM schema_migrations WHERE checksum <> ''`).Scan(&n))
	assert.Positive(t, n)
}

package logparse_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/treeherder/internal/logparse"
	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func newParser(t *testing.T, opts logparse.Options) *logparse.Parser {
	t.Helper()
	p, err := logparse.NewParser(testutil.TestLogger(), opts)
	require.NoError(t, err)
	return p
}

func parse(t *testing.T, p *logparse.Parser, log string) *logparse.Artifacts {
	t.Helper()
	art, err := p.Parse(context.Background(), strings.NewReader(log))
	require.NoError(t, err)
	return art
}

func TestParseSingleUnexpectedFailure(t *testing.T) {
	p := newParser(t, logparse.Options{})
	line := "TEST-UNEXPECTED-FAIL | /foo/bar.html | baz assertion"
	art := parse(t, p, line+"\n")

	want := logparse.StepData{
		Steps: []logparse.Step{{
			Name:         logparse.UnnamedStep,
			Result:       model.ResultTestFailed,
			StartedLine:  0,
			FinishedLine: ptr(0),
			Errors:       []logparse.LineError{{Line: line, LineNumber: 0}},
			ErrorCount:   1,
		}},
		AllErrors: []logparse.LineError{{Line: line, LineNumber: 0}},
	}
	if diff := cmp.Diff(want, art.StepData); diff != "" {
		t.Errorf("step data mismatch (-want +got):\n%s", diff)
	}

	pl := art.ParsedLog(logparse.DefaultFailureLinesCutoff)
	require.Len(t, pl.Errors, 1)
	require.Len(t, pl.FailureLines, 1)
	fl := pl.FailureLines[0]
	assert.Equal(t, model.ActionTestResult, fl.Action)
	assert.Equal(t, "/foo/bar.html", fl.Test)
	assert.Equal(t, "FAIL", fl.Status)
	assert.Contains(t, fl.Message, "baz assertion")
}

func TestParseSteps(t *testing.T) {
	log := strings.Join([]string{
		"[taskcluster 2024-01-01T00:00:00.000Z] Task ID: abc123",
		"[task 2024-01-01T00:00:00.000Z] ========= Started compile ==========",
		"[task 2024-01-01T00:00:05.000Z] make[1]: *** [all] Error 2",
		"[task 2024-01-01T00:01:05.000Z] ========= Finished compile (exit code 2) in 1m 5s ==========",
		"========= Started test ==========",
		"TEST-PASS | a.html | ok",
		"TEST-INFO | a.html",
		"========= Finished test (exit code 0) in 3s ==========",
		"========= Started package ==========",
		"========= Finished package (exit code 1) in 2s ==========",
		"========= Started upload ==========",
		"uploading",
	}, "\n")

	art := parse(t, newParser(t, logparse.Options{}), log)

	errLine := "[task 2024-01-01T00:00:05.000Z] make[1]: *** [all] Error 2"
	want := []logparse.Step{
		{
			Name:         "compile",
			Result:       model.ResultTestFailed,
			Started:      ptr(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
			Finished:     ptr(time.Date(2024, 1, 1, 0, 1, 5, 0, time.UTC)),
			StartedLine:  1,
			FinishedLine: ptr(3),
			Duration:     ptr(65),
			Order:        0,
			Errors:       []logparse.LineError{{Line: errLine, LineNumber: 2}},
			ErrorCount:   1,
		},
		{
			Name:         "test",
			Result:       model.ResultSuccess,
			StartedLine:  4,
			FinishedLine: ptr(7),
			Duration:     ptr(3),
			Order:        1,
		},
		{
			Name:         "package",
			Result:       model.ResultBusted,
			StartedLine:  8,
			FinishedLine: ptr(9),
			Duration:     ptr(2),
			Order:        2,
		},
		{
			Name:        "upload",
			Result:      model.ResultUnknown,
			StartedLine: 10,
			Order:       3,
		},
	}
	if diff := cmp.Diff(want, art.StepData.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, art.StepData.ErrorsTruncated)
	assert.Equal(t, []model.JobDetail{{Title: "Task ID", Value: "abc123"}}, art.JobDetails)
	assert.Equal(t, 12, art.Stats.Lines)
	assert.Equal(t, int64(len(log)), art.Stats.Bytes)
}

func TestParseBuildbotMarkers(t *testing.T) {
	log := strings.Join([]string{
		"========= Started hg clone (results: 0, elapsed: 0 secs) (at 2013-06-05 12:39:57.838527) =========",
		"cloning",
		"========= Finished hg clone (results: 2, elapsed: 1 secs) (at 2013-06-05 12:39:58.838527) =========",
	}, "\n")

	art := parse(t, newParser(t, logparse.Options{}), log)
	require.Len(t, art.StepData.Steps, 1)
	st := art.StepData.Steps[0]
	assert.Equal(t, "hg clone", st.Name)
	assert.Equal(t, model.ResultBusted, st.Result)
	require.NotNil(t, st.Duration)
	assert.Equal(t, 1, *st.Duration)
	assert.Equal(t, ptr(2), st.FinishedLine)
}

func TestParseImplicitStepClosesAtExplicitStart(t *testing.T) {
	log := strings.Join([]string{
		"Automation Error: mozprocess timed out",
		"========= Started run ==========",
		"========= Finished run (exit code 0) in 1s ==========",
	}, "\n")

	art := parse(t, newParser(t, logparse.Options{}), log)
	require.Len(t, art.StepData.Steps, 2)
	assert.Equal(t, logparse.UnnamedStep, art.StepData.Steps[0].Name)
	assert.Equal(t, model.ResultTestFailed, art.StepData.Steps[0].Result)
	assert.Equal(t, ptr(0), art.StepData.Steps[0].FinishedLine)
	assert.Equal(t, "run", art.StepData.Steps[1].Name)
	assert.Equal(t, 1, art.StepData.Steps[1].Order)
	assert.Equal(t, model.ResultSuccess, art.StepData.Steps[1].Result)
}

func TestParseTruncatesStepErrors(t *testing.T) {
	log := strings.Repeat("TEST-UNEXPECTED-FAIL | a.html | boom\n", 3)

	art := parse(t, newParser(t, logparse.Options{MaxStepErrors: 2}), log)
	require.Len(t, art.StepData.Steps, 1)
	assert.True(t, art.StepData.ErrorsTruncated)
	assert.Equal(t, 3, art.StepData.Steps[0].ErrorCount)
	assert.Len(t, art.StepData.Steps[0].Errors, 2)
	assert.Len(t, art.StepData.AllErrors, 2)
}

func TestParseTruncatesLongLines(t *testing.T) {
	long := "TEST-UNEXPECTED-FAIL | a.html | " + strings.Repeat("x", 100)
	art := parse(t, newParser(t, logparse.Options{MaxLineBytes: 40}), long+"\nnext\n")

	require.Len(t, art.StepData.AllErrors, 1)
	assert.Len(t, art.StepData.AllErrors[0].Line, 40)
	assert.Equal(t, 2, art.Stats.Lines)
	assert.Equal(t, int64(len(long)+len("\nnext\n")), art.Stats.Bytes)
}

func TestParsePerformanceData(t *testing.T) {
	reader := testutil.InstallMeterReader(t)
	p := newParser(t, logparse.Options{})

	log := strings.Join([]string{
		`PERFHERDER_DATA: {"framework":{"name":"talos"},"suites":[{"name":"tp5","value":1.5,"lowerIsBetter":true,"subtests":[{"name":"a","value":1}]}]}`,
		`PERFHERDER_DATA: {"suites":[]}`,
		`PERFHERDER_DATA: {"framework":{"name":"talos"},"suites":[{"name":"s","value":Infinity}]}`,
		`some other line`,
	}, "\n")
	art := parse(t, p, log)

	want := []logparse.PerfherderData{{
		Framework: logparse.PerfFramework{Name: "talos"},
		Suites: []logparse.PerfSuite{{
			Name:           "tp5",
			Value:          ptr(1.5),
			PerfAlertProps: logparse.PerfAlertProps{LowerIsBetter: ptr(true)},
			Subtests:       []logparse.PerfSubtest{{Name: "a", Value: ptr(1.0)}},
		}},
	}}
	if diff := cmp.Diff(want, art.PerformanceData); diff != "" {
		t.Errorf("performance data mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(2), testutil.CounterValue(t, reader, "treeherder.logparse.perf_blocks_invalid"))
	assert.Empty(t, art.StepData.Steps, "perf blocks are not error lines")
}

func TestParseJobDetails(t *testing.T) {
	log := strings.Join([]string{
		`TinderboxPrint: <a href='https://example.com/build.log'>build.log</a>: uploaded`,
		`TinderboxPrint: Results: <a href="https://perf.example/r">perf</a>`,
		`TinderboxPrint: https://example.com/x`,
		`TinderboxPrint: hello<br/>world`,
		`TinderboxPrint: plain`,
		`TinderboxPrint: plain`,
	}, "\n")

	art := parse(t, newParser(t, logparse.Options{}), log)
	want := []model.JobDetail{
		{Title: "artifact uploaded", Value: "build.log", URL: "https://example.com/build.log"},
		{Title: "Results", Value: "perf", URL: "https://perf.example/r"},
		{Title: "https://example.com/x", Value: "https://example.com/x", URL: "https://example.com/x"},
		{Title: "hello", Value: "world"},
		{Value: "plain"},
	}
	if diff := cmp.Diff(want, art.JobDetails); diff != "" {
		t.Errorf("job details mismatch (-want +got):\n%s", diff)
	}
}

func TestParseIsDeterministic(t *testing.T) {
	log := strings.Join([]string{
		"========= Started a ==========",
		"TEST-UNEXPECTED-FAIL | x.html | one",
		"PROCESS-CRASH | x.html | application crashed [@ abort]",
		"TinderboxPrint: plain",
		"========= Finished a (exit code 1) in 1s ==========",
	}, "\n")
	p := newParser(t, logparse.Options{})
	first := parse(t, p, log)
	second := parse(t, p, log)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("parses differ:\n%s", diff)
	}
}

func TestParseReportsProgress(t *testing.T) {
	var calls []logparse.Stats
	p := newParser(t, logparse.Options{Progress: func(s logparse.Stats) { calls = append(calls, s) }})
	parse(t, p, "a\nb\n")
	require.NotEmpty(t, calls)
	assert.Equal(t, logparse.Stats{Bytes: 4, Lines: 2}, calls[len(calls)-1])
}

func TestParseHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newParser(t, logparse.Options{}).Parse(ctx, strings.NewReader("a\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

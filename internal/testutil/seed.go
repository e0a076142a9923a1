package testutil

import (
	"context"
	"testing"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/storage"
)

// DefaultRepository is the repository used by the seed helpers.
const DefaultRepository = "mozilla-central"

// SeedJob stores a completed testfailed job with one parsed log holding
// lines, and returns the job and the stored lines in order.
func SeedJob(t testing.TB, st storage.JobStore, fs storage.FailureStore, guid string, lines ...model.FailureLine) (model.Job, []model.FailureLine) {
	t.Helper()
	ctx := context.Background()
	rev := "rev-" + guid
	push, _, err := st.UpsertPush(ctx, model.Push{
		Repository: DefaultRepository,
		Revision:   rev,
		Author:     "dev@example.com",
		Commits:    []model.Commit{{Revision: rev, Author: "dev@example.com"}},
	})
	if err != nil {
		t.Fatalf("seed push: %v", err)
	}
	up, err := st.UpsertJob(ctx, model.Job{
		GUID:             guid,
		Repository:       DefaultRepository,
		PushID:           push.ID,
		JobType:          "mochitest-1",
		Platform:         "linux64",
		OptionCollection: "opt",
		State:            model.JobStateCompleted,
		Result:           model.ResultTestFailed,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	logs, err := st.EnsureJobLogs(ctx, up.Job.ID, []model.LogReference{{URL: "https://logs.example.com/" + guid, Name: "live_backing_log"}})
	if err != nil {
		t.Fatalf("seed logs: %v", err)
	}
	for i := range lines {
		if lines[i].Line == 0 {
			lines[i].Line = i
		}
	}
	if _, err := st.StoreParsedLog(ctx, logs[0].ID, model.ParsedLog{FailureLines: lines}); err != nil {
		t.Fatalf("seed parsed log: %v", err)
	}
	stored, err := fs.FindFailureLines(ctx, logs[0].ID)
	if err != nil {
		t.Fatalf("seed find lines: %v", err)
	}
	return up.Job, stored
}

// Classify gives line a best classification, creating the classified
// failure when cfID is zero. It returns the classified failure id.
func Classify(t testing.TB, fs storage.FailureStore, lineID, cfID int64, bug *int) int64 {
	t.Helper()
	ctx := context.Background()
	if cfID == 0 {
		cf, err := fs.CreateClassifiedFailure(ctx, bug)
		if err != nil {
			t.Fatalf("create classified failure: %v", err)
		}
		cfID = cf.ID
	}
	if _, err := fs.SetBestClassification(ctx, lineID, cfID, 1); err != nil {
		t.Fatalf("set best classification: %v", err)
	}
	return cfID
}

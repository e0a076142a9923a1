package search

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/storage"
	"github.com/mozilla/treeherder/internal/testutil"
)

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

type fakeIndex struct {
	mu        sync.Mutex
	points    map[int64]Point
	deleted   []int64
	upsertErr error
	healthErr error
}

func newFakeIndex() *fakeIndex { return &fakeIndex{points: map[int64]Point{}} }

func (f *fakeIndex) Upsert(_ context.Context, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, p := range points {
		f.points[p.FailureLineID] = p
	}
	return nil
}

func (f *fakeIndex) DeleteByIDs(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.points, id)
		f.deleted = append(f.deleted, id)
	}
	return nil
}

func (f *fakeIndex) Healthy(context.Context) error { return f.healthErr }

func cleanOutbox(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(), `DELETE FROM search_outbox`)
	require.NoError(t, err)
}

func vec(first float32) []float32 {
	v := make([]float32, 64)
	v[0] = first
	v[1] = 1
	return v
}

func seedLines(t *testing.T, guid string) []model.FailureLine {
	t.Helper()
	lines := []model.FailureLine{
		{Action: model.ActionTestResult, Test: "a.html", Status: "FAIL", Expected: "PASS", Signature: "a.html", Vector: vec(1)},
		{Action: model.ActionTestResult, Test: "b.html", Status: "FAIL", Expected: "PASS", Signature: "b.html", Vector: vec(0.5)},
	}
	_, stored := testutil.SeedJob(t, testDB, testDB, guid, lines...)
	return stored
}

func outboxRows(t *testing.T, lineID int64) (count, attempts int) {
	t.Helper()
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT count(*), COALESCE(max(attempts), 0) FROM search_outbox WHERE failure_line_id = $1`, lineID,
	).Scan(&count, &attempts)
	require.NoError(t, err)
	return count, attempts
}

func TestProcessBatchUpsertsClassifiedLines(t *testing.T) {
	cleanOutbox(t)
	lines := seedLines(t, "outbox-upsert-"+time.Now().Format("150405.000000"))
	cf := testutil.Classify(t, testDB, lines[0].ID, 0, nil)

	idx := newFakeIndex()
	w := NewOutboxWorker(testDB.Pool(), idx, testutil.TestLogger(), time.Hour, 10)
	assert.Equal(t, 1, w.processBatch(context.Background()))

	require.Contains(t, idx.points, lines[0].ID)
	p := idx.points[lines[0].ID]
	assert.Equal(t, cf, p.ClassifiedFailureID)
	assert.Equal(t, "a.html", p.Test)
	assert.Equal(t, string(model.ActionTestResult), p.Action)
	assert.Len(t, p.Vector, 64)
	assert.NotContains(t, idx.points, lines[1].ID)

	count, _ := outboxRows(t, lines[0].ID)
	assert.Zero(t, count)
}

func TestProcessBatchRemovesLinesWithoutClassification(t *testing.T) {
	cleanOutbox(t)
	lines := seedLines(t, "outbox-gone-"+time.Now().Format("150405.000000"))
	_, err := testDB.Pool().Exec(context.Background(),
		`INSERT INTO search_outbox (failure_line_id, operation) VALUES ($1, 'upsert')`, lines[1].ID)
	require.NoError(t, err)

	idx := newFakeIndex()
	w := NewOutboxWorker(testDB.Pool(), idx, testutil.TestLogger(), time.Hour, 10)
	assert.Equal(t, 1, w.processBatch(context.Background()))
	assert.Equal(t, []int64{lines[1].ID}, idx.deleted)
}

func TestProcessBatchBacksOffOnIndexError(t *testing.T) {
	cleanOutbox(t)
	lines := seedLines(t, "outbox-fail-"+time.Now().Format("150405.000000"))
	testutil.Classify(t, testDB, lines[0].ID, 0, nil)

	idx := newFakeIndex()
	idx.upsertErr = errors.New("qdrant down")
	w := NewOutboxWorker(testDB.Pool(), idx, testutil.TestLogger(), time.Hour, 10)
	assert.Equal(t, 1, w.processBatch(context.Background()))

	count, attempts := outboxRows(t, lines[0].ID)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, attempts)

	// Backed off entries are not claimed again right away.
	idx.upsertErr = nil
	assert.Zero(t, w.processBatch(context.Background()))
}

func TestProcessBatchSkipsWhenIndexUnhealthy(t *testing.T) {
	cleanOutbox(t)
	lines := seedLines(t, "outbox-unhealthy-"+time.Now().Format("150405.000000"))
	testutil.Classify(t, testDB, lines[0].ID, 0, nil)

	idx := newFakeIndex()
	idx.healthErr = errors.New("unreachable")
	w := NewOutboxWorker(testDB.Pool(), idx, testutil.TestLogger(), time.Hour, 10)
	assert.Zero(t, w.processBatch(context.Background()))

	count, attempts := outboxRows(t, lines[0].ID)
	assert.Equal(t, 1, count)
	assert.Zero(t, attempts)
}

func TestOutboxWorkerDrainProcessesPending(t *testing.T) {
	cleanOutbox(t)
	lines := seedLines(t, "outbox-drain-"+time.Now().Format("150405.000000"))
	testutil.Classify(t, testDB, lines[0].ID, 0, nil)

	idx := newFakeIndex()
	w := NewOutboxWorker(testDB.Pool(), idx, testutil.TestLogger(), time.Hour, 10)
	w.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.Drain(ctx)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	assert.Contains(t, idx.points, lines[0].ID)
}

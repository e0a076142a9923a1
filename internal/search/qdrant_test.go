package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{name: "https with REST port", rawURL: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "https with gRPC port", rawURL: "https://xyz.cloud.qdrant.io:6334", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "http local", rawURL: "http://localhost:6333", host: "localhost", port: 6334},
		{name: "no port defaults to 6334", rawURL: "http://qdrant.internal", host: "qdrant.internal", port: 6334},
		{name: "custom port preserved", rawURL: "https://qdrant.example.com:9334", host: "qdrant.example.com", port: 9334, tls: true},
		{name: "empty", rawURL: "", wantErr: true},
		{name: "no scheme", rawURL: "not-a-url", wantErr: true},
		{name: "bad port", rawURL: "http://localhost:abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestPointPayload(t *testing.T) {
	p := pointPayload(Point{FailureLineID: 7, ClassifiedFailureID: 3, RepositoryID: 1, Test: "a.html", Action: "test_result"})
	assert.Equal(t, map[string]any{
		"classified_failure_id": int64(3),
		"repository_id":         int64(1),
		"test":                  "a.html",
		"action":                "test_result",
	}, p)
	assert.NotContains(t, p, "failure_line_id")
}

func TestLineFilter(t *testing.T) {
	f := lineFilter("a.html")
	require.Len(t, f.GetMust(), 1)
	assert.Equal(t, "test", f.GetMust()[0].GetField().GetKey())
	assert.Equal(t, "a.html", f.GetMust()[0].GetField().GetMatch().GetKeyword())
}

func TestQdrantHealthErrCache(t *testing.T) {
	q := &QdrantIndex{}
	assert.NoError(t, q.loadHealthErr())
	q.storeHealthErr(assert.AnError)
	assert.ErrorIs(t, q.loadHealthErr(), assert.AnError)
	q.storeHealthErr(nil)
	assert.NoError(t, q.loadHealthErr())
}

func TestOutboxWorkerDrainWithoutStart(t *testing.T) {
	w := NewOutboxWorker(nil, nil, nil, 0, 10)
	w.Drain(t.Context())
	assert.Zero(t, w.processBatch(t.Context()))
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwei-labs/antegen/pkg/queue"
	"github.com/wuwei-labs/antegen/pkg/thread"
)

func opsFixture(t *testing.T) (*Server, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(t.TempDir(), queue.RetryConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return New(q, nil), q
}

func deadLetterOne(t *testing.T, q *queue.Queue) string {
	t.Helper()
	th := &thread.Thread{
		Version:        1,
		Fibers:         []byte{0},
		ExecCount:      3,
		Trigger:        thread.Trigger{Kind: thread.TriggerNow},
		TriggerContext: thread.TriggerContext{Kind: thread.ContextTimestamp},
	}
	task := queue.NewTask(solana.NewWallet().PublicKey(), th, 0, time.Now().UnixMilli())
	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, task, time.Now()))
	_, err := q.ClaimReady(ctx, time.Now().Add(time.Second), 1)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, task.ID, "insufficient funds"))
	return task.ID
}

func TestServer_Health(t *testing.T) {
	s, _ := opsFixture(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Stats(t *testing.T) {
	s, q := opsFixture(t)
	deadLetterOne(t, q)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, queue.Stats{DeadLetter: 1}, stats)
}

func TestServer_DeadLetterListAndResurrect(t *testing.T) {
	s, q := opsFixture(t)
	taskID := deadLetterOne(t, q)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue/deadletter", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []deadLetterEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, taskID, entries[0].TaskID)
	assert.Equal(t, "insufficient funds", entries[0].Reason)
	assert.Equal(t, uint64(3), entries[0].ExecCount)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/deadletter/"+taskID+"/resurrect", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Scheduled: 1}, stats)
}

func TestServer_ResurrectUnknown(t *testing.T) {
	s, _ := opsFixture(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/deadletter/nope/resurrect", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

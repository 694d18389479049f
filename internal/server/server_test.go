package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoraph/memoraph/internal/graph"
	"github.com/memoraph/memoraph/internal/handlers"
	"github.com/memoraph/memoraph/internal/journal"
	"github.com/memoraph/memoraph/internal/producer"
	"github.com/memoraph/memoraph/internal/queue"
	"github.com/memoraph/memoraph/internal/registry"
	"github.com/memoraph/memoraph/pkg/types"
)

func newTestServer(t *testing.T) (*httptest.Server, journal.Store, *queue.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.NewStore(rdb)
	j := journal.NewMemory()

	reg := registry.New()
	engine := graph.NewMemory()
	require.NoError(t, reg.Register(handlers.NewEpisodeHandler(engine, nil, logger)))
	require.NoError(t, reg.Register(handlers.NewCommunityHandler(engine, logger)))
	require.NoError(t, reg.Register(handlers.NewDedupeHandler(engine, logger)))
	require.NoError(t, reg.Register(handlers.NewRefreshHandler(engine, nil, logger)))

	srv := New(producer.New(j, q, reg, nil, logger), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, j, q
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestEnqueueEpisodeRoute(t *testing.T) {
	ts, j, q := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/tasks/episode", map[string]any{
		"group_id":   "g1",
		"episode_id": "ep-1",
		"content":    "Alice met Bob",
		"tenant_id":  "ten-1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	id := types.TaskID(body["task_id"].(string))
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", body["status"])

	task, err := j.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, handlers.KindAddEpisode, task.Kind)

	depth, err := q.GroupDepth(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestEnqueueValidationErrors(t *testing.T) {
	ts, _, _ := newTestServer(t)

	// missing group
	resp := postJSON(t, ts.URL+"/v1/tasks/communities", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// missing episode_id
	resp = postJSON(t, ts.URL+"/v1/tasks/episode", map[string]any{"group_id": "g1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// threshold out of range
	resp = postJSON(t, ts.URL+"/v1/tasks/deduplicate", map[string]any{
		"group_id":             "g1",
		"similarity_threshold": 1.5,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// unknown body field
	resp = postJSON(t, ts.URL+"/v1/tasks/communities", map[string]any{
		"group_id": "g1",
		"bogus":    true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskStatusRoute(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/tasks/refresh", map[string]any{"group_id": "g1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decodeBody(t, resp)["task_id"].(string)

	getResp, err := http.Get(ts.URL + "/v1/tasks/" + id)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	body := decodeBody(t, getResp)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, handlers.KindIncrementalRefresh, body["task_type"])
	assert.Equal(t, "pending", body["status"])
}

func TestTaskStatusNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/tasks/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopAndRetryRoutes(t *testing.T) {
	ts, j, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/tasks/communities", map[string]any{"group_id": "g1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decodeBody(t, resp)["task_id"].(string)

	stopResp := postJSON(t, ts.URL+"/v1/tasks/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, stopResp.StatusCode)
	task, err := j.FindByID(context.Background(), types.TaskID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, task.Status)

	retryResp := postJSON(t, ts.URL+"/v1/tasks/"+id+"/retry", nil)
	require.Equal(t, http.StatusOK, retryResp.StatusCode)
	task, err = j.FindByID(context.Background(), types.TaskID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, task.Status)
	assert.Equal(t, 1, task.Retries)
}

func TestStopConflictOnTerminalTask(t *testing.T) {
	ts, j, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/tasks/communities", map[string]any{"group_id": "g1"})
	id := decodeBody(t, resp)["task_id"].(string)

	ctx := context.Background()
	require.NoError(t, j.UpdateStatus(ctx, types.TaskID(id), types.StatusProcessing, journal.StatusUpdate{WorkerID: "w"}))
	require.NoError(t, j.UpdateStatus(ctx, types.TaskID(id), types.StatusCompleted, journal.StatusUpdate{}))

	stopResp := postJSON(t, ts.URL+"/v1/tasks/"+id+"/stop", nil)
	assert.Equal(t, http.StatusConflict, stopResp.StatusCode)
}

func TestListAndStatsRoutes(t *testing.T) {
	ts, _, _ := newTestServer(t)

	for range [3]int{} {
		postJSON(t, ts.URL+"/v1/tasks/communities", map[string]any{"group_id": "g1"})
	}

	listResp, err := http.Get(ts.URL + "/v1/tasks?limit=2")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	body := decodeBody(t, listResp)
	assert.Equal(t, float64(2), body["count"])

	badResp, err := http.Get(ts.URL + "/v1/tasks?limit=zero")
	require.NoError(t, err)
	defer badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)

	statsResp, err := http.Get(ts.URL + "/v1/stats?window=1h")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	require.Equal(t, http.StatusOK, statsResp.StatusCode)
	stats := decodeBody(t, statsResp)
	assert.Equal(t, float64(3), stats["total"])

	depthResp, err := http.Get(ts.URL + "/v1/groups/g1/depth")
	require.NoError(t, err)
	defer depthResp.Body.Close()
	require.Equal(t, http.StatusOK, depthResp.StatusCode)
	depth := decodeBody(t, depthResp)
	assert.Equal(t, float64(3), depth["depth"])
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mResp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mResp.Body.Close()
	assert.Equal(t, http.StatusOK, mResp.StatusCode)
}

package publisher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleetwatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedPush struct {
	labels map[string]string
	values [][2]string
}

func newTestBatcher(t *testing.T, handler http.HandlerFunc) *LogBatcher {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewLogBatcher(server.URL, 3*time.Second, zap.NewNop())
}

func decodePush(t *testing.T, body []byte) capturedPush {
	t.Helper()
	var req lokiPushRequest
	require.NoError(t, json.Unmarshal(body, &req))
	require.Len(t, req.Streams, 1)
	return capturedPush{labels: req.Streams[0].Stream, values: req.Streams[0].Values}
}

func TestPushLogs_GroupedBySeverity(t *testing.T) {
	var mu sync.Mutex
	var pushes []capturedPush

	batcher := newTestBatcher(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		pushes = append(pushes, decodePush(t, body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	now := time.Now()
	entries := []models.LogEntry{
		{Level: models.LogLevelWarn, Message: "t1", Timestamp: now},
		{Level: models.LogLevelInfo, Message: "t2", Timestamp: now},
		{Level: models.LogLevelWarn, Message: "t3", Timestamp: now},
	}

	require.NoError(t, batcher.PushLogs(context.Background(), "node-1", entries))

	// 恰好两次推送：WARN一次（两条，保持顺序），INFO一次（一条）
	require.Len(t, pushes, 2)

	warn := pushes[0]
	assert.Equal(t, "WARN", warn.labels["level"])
	assert.Equal(t, "node-1", warn.labels["serial"])
	assert.Equal(t, LogJobLabel, warn.labels["job"])
	require.Len(t, warn.values, 2)
	assert.Equal(t, "t1", warn.values[0][1])
	assert.Equal(t, "t3", warn.values[1][1])

	info := pushes[1]
	assert.Equal(t, "INFO", info.labels["level"])
	require.Len(t, info.values, 1)
	assert.Equal(t, "t2", info.values[0][1])
}

func TestPushLogs_EmptyInputIsNoOp(t *testing.T) {
	var calls int
	batcher := newTestBatcher(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, batcher.PushLogs(context.Background(), "node-1", nil))
	assert.Zero(t, calls)
}

func TestPushLogs_MissingTimestampSynthesized(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	var got capturedPush

	batcher := newTestBatcher(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = decodePush(t, body)
		w.WriteHeader(http.StatusNoContent)
	})
	batcher.now = func() time.Time { return fixed }

	entries := []models.LogEntry{
		{Level: models.LogLevelError, Message: "no clock"},
	}
	require.NoError(t, batcher.PushLogs(context.Background(), "node-1", entries))

	require.Len(t, got.values, 1)
	assert.Equal(t, "1700000000000000000", got.values[0][0])
}

func TestPushLogs_GroupFailureIsolated(t *testing.T) {
	var calls int
	batcher := newTestBatcher(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	entries := []models.LogEntry{
		{Level: models.LogLevelWarn, Message: "w", Timestamp: time.Now()},
		{Level: models.LogLevelInfo, Message: "i", Timestamp: time.Now()},
	}

	// 第一组失败不阻止第二组推送
	err := batcher.PushLogs(context.Background(), "node-1", entries)
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestPushLogs_EmptyLevelMapsToUnknown(t *testing.T) {
	var got capturedPush
	batcher := newTestBatcher(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = decodePush(t, body)
		w.WriteHeader(http.StatusNoContent)
	})

	entries := []models.LogEntry{
		{Level: "", Message: "m", Timestamp: time.Now()},
	}
	require.NoError(t, batcher.PushLogs(context.Background(), "node-1", entries))
	assert.Equal(t, "UNKNOWN", got.labels["level"])
}

package crash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"fleetwatch/internal/models"
	"fleetwatch/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================
// 测试替身
// ============================================

type fakeDecoder struct {
	report    *models.CrashReport
	err       error
	calls     int
	lastBytes []byte
}

func (d *fakeDecoder) Decode(ctx context.Context, corePath string) (*models.CrashReport, error) {
	d.calls++
	// 记录实际写入临时文件的内容，验证暂存逻辑
	data, err := os.ReadFile(corePath)
	if err != nil {
		return nil, fmt.Errorf("core file unreadable: %w", err)
	}
	d.lastBytes = data
	if d.err != nil {
		return nil, d.err
	}
	return d.report, nil
}

type fakeDevices struct {
	devices map[string]*models.Device
}

func (f *fakeDevices) GetDeviceBySerial(ctx context.Context, serial string) (*models.Device, error) {
	if d, ok := f.devices[serial]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", repository.ErrDeviceNotFound, serial)
}

type fakeIssueStore struct {
	issues     map[string]*models.Issue
	traces     []models.Trace
	nextID     int64
	getOrCalls int
	traceErr   error
}

func newFakeIssueStore() *fakeIssueStore {
	return &fakeIssueStore{issues: make(map[string]*models.Issue), nextID: 1}
}

func (s *fakeIssueStore) GetOrCreateIssue(ctx context.Context, name string, issueType models.IssueType) (*models.Issue, error) {
	s.getOrCalls++
	if issue, ok := s.issues[name]; ok {
		return issue, nil
	}
	issue := &models.Issue{ID: s.nextID, Name: name, Type: issueType}
	s.nextID++
	s.issues[name] = issue
	return issue, nil
}

func (s *fakeIssueStore) CreateTrace(ctx context.Context, trace *models.Trace) error {
	if s.traceErr != nil {
		return s.traceErr
	}
	s.traces = append(s.traces, *trace)
	return nil
}

func setupEngine(t *testing.T, decoder ReportDecoder, devices DeviceFinder, issues IssueStore) (*Engine, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewEngine(decoder, devices, issues, client, zap.NewNop()), client
}

func abortReport(reason string) *models.CrashReport {
	raw, _ := json.Marshal(map[string]string{"reason": reason, "type": "abort"})
	return &models.CrashReport{Reason: reason, Type: "abort", Raw: raw}
}

// ============================================
// 去重不变式
// ============================================

func TestHandleCrash_DeduplicatesIssueAcrossOccurrences(t *testing.T) {
	reason := "abort() was called at PC 0x400d15af on core 0"
	decoder := &fakeDecoder{report: abortReport(reason)}
	devices := &fakeDevices{devices: map[string]*models.Device{
		"node-1": {ID: 1, Serial: "node-1"},
		"node-2": {ID: 2, Serial: "node-2"},
	}}
	store := newFakeIssueStore()
	engine, _ := setupEngine(t, decoder, devices, store)

	ctx := context.Background()
	blob := []byte{0x7f, 0x45, 0x4c, 0x46}

	// 同一reason在不同设备上发生三次
	require.NoError(t, engine.HandleCrash(ctx, "node-1", blob))
	require.NoError(t, engine.HandleCrash(ctx, "node-2", blob))
	require.NoError(t, engine.HandleCrash(ctx, "node-1", blob))

	// 恰好一条Issue，三条Trace
	assert.Len(t, store.issues, 1)
	require.Len(t, store.traces, 3)
	for _, trace := range store.traces {
		assert.Equal(t, int64(1), trace.IssueID)
		assert.NotEmpty(t, trace.Report)
	}

	// 设备覆盖面可由Trace行重建
	deviceSeen := map[int64]bool{}
	for _, trace := range store.traces {
		deviceSeen[trace.DeviceID] = true
	}
	assert.Len(t, deviceSeen, 2)
}

func TestHandleCrash_IssueCacheSkipsStoreLookup(t *testing.T) {
	reason := "Task watchdog got triggered"
	raw, _ := json.Marshal(map[string]string{"reason": reason, "type": "watchdog"})
	decoder := &fakeDecoder{report: &models.CrashReport{Reason: reason, Type: "watchdog", Raw: raw}}
	devices := &fakeDevices{devices: map[string]*models.Device{"node-1": {ID: 1, Serial: "node-1"}}}
	store := newFakeIssueStore()
	engine, _ := setupEngine(t, decoder, devices, store)

	ctx := context.Background()
	blob := []byte{0x01}

	require.NoError(t, engine.HandleCrash(ctx, "node-1", blob))
	require.NoError(t, engine.HandleCrash(ctx, "node-1", blob))

	// 第二次命中Redis缓存，不再访问存储层
	assert.Equal(t, 1, store.getOrCalls)
	assert.Len(t, store.traces, 2)
}

// ============================================
// 失败语义
// ============================================

func TestHandleCrash_EmptyBlobIsNoOp(t *testing.T) {
	decoder := &fakeDecoder{}
	store := newFakeIssueStore()
	engine, _ := setupEngine(t, decoder, &fakeDevices{}, store)

	require.NoError(t, engine.HandleCrash(context.Background(), "node-1", nil))
	assert.Zero(t, decoder.calls)
}

func TestHandleCrash_UnregisteredDeviceDroppedQuietly(t *testing.T) {
	decoder := &fakeDecoder{report: abortReport("abort() was called")}
	store := newFakeIssueStore()
	engine, _ := setupEngine(t, decoder, &fakeDevices{devices: map[string]*models.Device{}}, store)

	// 未注册设备：不报错、不产生Issue/Trace
	require.NoError(t, engine.HandleCrash(context.Background(), "ghost", []byte{0x01}))
	assert.Empty(t, store.issues)
	assert.Empty(t, store.traces)
}

func TestHandleCrash_DecoderFailureAbortsWithoutTrace(t *testing.T) {
	decoder := &fakeDecoder{err: errors.New("gdb timeout")}
	devices := &fakeDevices{devices: map[string]*models.Device{"node-1": {ID: 1}}}
	store := newFakeIssueStore()
	engine, _ := setupEngine(t, decoder, devices, store)

	err := engine.HandleCrash(context.Background(), "node-1", []byte{0x01})
	assert.Error(t, err)
	assert.Empty(t, store.traces)
}

func TestHandleCrash_TraceFailureSurfacesError(t *testing.T) {
	decoder := &fakeDecoder{report: abortReport("abort() was called")}
	devices := &fakeDevices{devices: map[string]*models.Device{"node-1": {ID: 1}}}
	store := newFakeIssueStore()
	store.traceErr = errors.New("insert failed")
	engine, _ := setupEngine(t, decoder, devices, store)

	err := engine.HandleCrash(context.Background(), "node-1", []byte{0x01})
	assert.Error(t, err)
}

func TestHandleCrash_UnknownTypeMapsToUnknown(t *testing.T) {
	raw, _ := json.Marshal(map[string]string{"reason": "weird panic", "type": "cosmic-ray"})
	decoder := &fakeDecoder{report: &models.CrashReport{Reason: "weird panic", Type: "cosmic-ray", Raw: raw}}
	devices := &fakeDevices{devices: map[string]*models.Device{"node-1": {ID: 1}}}
	store := newFakeIssueStore()
	engine, _ := setupEngine(t, decoder, devices, store)

	require.NoError(t, engine.HandleCrash(context.Background(), "node-1", []byte{0x01}))
	issue := store.issues["weird panic"]
	require.NotNil(t, issue)
	assert.Equal(t, models.IssueTypeUnknown, issue.Type)
}

func TestHandleCrash_CoreBytesStagedForDecoder(t *testing.T) {
	decoder := &fakeDecoder{report: abortReport("abort() was called")}
	devices := &fakeDevices{devices: map[string]*models.Device{"node-1": {ID: 1}}}
	store := newFakeIssueStore()
	engine, _ := setupEngine(t, decoder, devices, store)

	blob := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, engine.HandleCrash(context.Background(), "node-1", blob))
	assert.Equal(t, blob, decoder.lastBytes)
}

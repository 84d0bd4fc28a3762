package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/api/ors"
	"github.com/langchou/fleetgazer/internal/config"
	"github.com/langchou/fleetgazer/internal/eta"
	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/reconcile"
	"github.com/langchou/fleetgazer/internal/session"
	"github.com/langchou/fleetgazer/internal/sheets"
)

type fakeTelemetry struct {
	records []models.TelemetryRecord
	err     error
	calls   int
}

func (f *fakeTelemetry) FetchActive(ctx context.Context) ([]models.TelemetryRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type fakeSheetStore struct {
	sheets  map[string][][]string
	updates []sheets.Update
	appends [][]string

	batchWrites int
}

func (f *fakeSheetStore) Read(ctx context.Context, rng string) ([][]string, error) {
	return f.sheets[rng], nil
}

func (f *fakeSheetStore) BatchWrite(ctx context.Context, updates []sheets.Update) error {
	f.batchWrites++
	f.updates = append(f.updates, updates...)
	return nil
}

func (f *fakeSheetStore) Append(ctx context.Context, rng string, values [][]string) error {
	f.appends = append(f.appends, values...)
	return nil
}

type fakeEvaluator struct {
	eval  *eta.Evaluation
	err   error
	calls int
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, origin ors.Coordinates, destination string, appointment *time.Time) (*eta.Evaluation, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.eval, nil
}

var assetRows = [][]string{
	{"Driver Name", "VIN", "Address", "Latitude", "Longitude", "Status", "Update Time", "Source"},
	{"John Smith", "1HGCM82633A004352", "Dallas, TX", "32.776600", "-96.797000", "IN TRANSIT", "2026-08-01 10:00:00", "samsara"},
}

func freshTelemetry() []models.TelemetryRecord {
	return []models.TelemetryRecord{
		{
			VIN:        "1HGCM82633A004352",
			DriverName: "John Smith",
			Latitude:   31.5493,
			Longitude:  -97.1467,
			Address:    "Waco, TX",
			Status:     "IN TRANSIT",
			Source:     "samsara",
			ObservedAt: time.Now().UTC(),
		},
	}
}

func newTestTracker(telemetry *fakeTelemetry, store *fakeSheetStore, evaluator *fakeEvaluator) *TrackerService {
	logger := zap.NewNop()
	cfg := &config.Config{GroupsSheet: "groups"}
	sessions := session.NewManager(10, 24*time.Hour, time.Minute, nil, logger)
	engine := reconcile.NewEngine(store, logger)
	tables := []reconcile.Table{{Name: "assets"}}
	return NewTrackerService(cfg, logger, telemetry, store, engine, evaluator, sessions, nil, tables)
}

func TestPollCycleWritesUpdates(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	tracker := newTestTracker(&fakeTelemetry{records: freshTelemetry()}, store, &fakeEvaluator{})

	err := tracker.PollCycle(context.Background(), reconcile.Table{Name: "assets"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.batchWrites)

	health := tracker.HealthSnapshot()
	assert.Contains(t, health.LastSyncAt, "assets")
	assert.NotContains(t, health.LastError, "assets")
}

func TestPollCycleFetchFailureIsNoOp(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	fetchErr := errors.New("fleet fetch failed")
	tracker := newTestTracker(&fakeTelemetry{err: fetchErr}, store, &fakeEvaluator{})

	err := tracker.PollCycle(context.Background(), reconcile.Table{Name: "assets"})
	require.Error(t, err)

	// 拉取失败的周期不碰表格
	assert.Equal(t, 0, store.batchWrites)
	assert.Empty(t, store.appends)

	health := tracker.HealthSnapshot()
	assert.Contains(t, health.LastError, "telemetry")
}

func TestPollCycleEmptyTelemetryIsNoOp(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	tracker := newTestTracker(&fakeTelemetry{}, store, &fakeEvaluator{})

	err := tracker.PollCycle(context.Background(), reconcile.Table{Name: "assets"})
	require.NoError(t, err)
	assert.Equal(t, 0, store.batchWrites)
	assert.Empty(t, store.appends)
}

func TestTelemetryFetchSharedAcrossCycles(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	telemetry := &fakeTelemetry{records: freshTelemetry()}
	tracker := newTestTracker(telemetry, store, &fakeEvaluator{})

	ctx := context.Background()
	require.NoError(t, tracker.PollCycle(ctx, reconcile.Table{Name: "assets"}))
	require.NoError(t, tracker.PollCycle(ctx, reconcile.Table{Name: "assets"}))

	// 短缓存窗口内只拉一次
	assert.Equal(t, 1, telemetry.calls)
}

func TestPollTableUnknownName(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	tracker := newTestTracker(&fakeTelemetry{records: freshTelemetry()}, store, &fakeEvaluator{})

	err := tracker.PollTable(context.Background(), "no_such_table")
	assert.Error(t, err)
}

func TestStartLiveSessionRequiresTarget(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	tracker := newTestTracker(&fakeTelemetry{records: freshTelemetry()}, store, &fakeEvaluator{})

	_, err := tracker.StartLiveSession(context.Background(), 1, "", "", "Dallas, TX", nil)
	assert.Error(t, err)
	assert.Equal(t, 0, tracker.Sessions().ActiveCount())
}

func TestStartLiveSessionRunsInitialEvaluation(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	evaluator := &fakeEvaluator{eval: &eta.Evaluation{StatusClass: eta.StatusOnTime, Miles: 90}}
	tracker := newTestTracker(&fakeTelemetry{records: freshTelemetry()}, store, evaluator)

	info, err := tracker.StartLiveSession(context.Background(), 1, "1hgcm82633a004352", "", "Dallas, TX", nil)
	require.NoError(t, err)

	assert.Equal(t, session.StateActive, info.State)
	assert.Equal(t, "1HGCM82633A004352", info.VIN)
	assert.Equal(t, 1, evaluator.calls)

	s, ok := tracker.Sessions().Get(1)
	require.True(t, ok)
	require.NotNil(t, s.Snapshot().LastEval)
	assert.Equal(t, 90.0, s.Snapshot().LastEval.Miles)
}

func TestStartLiveSessionSurvivesEvaluationFailure(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	evaluator := &fakeEvaluator{err: eta.ErrRouteUnavailable}
	tracker := newTestTracker(&fakeTelemetry{records: freshTelemetry()}, store, evaluator)

	info, err := tracker.StartLiveSession(context.Background(), 1, "1HGCM82633A004352", "", "Dallas, TX", nil)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, info.State)
}

func TestStopLiveSession(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	tracker := newTestTracker(&fakeTelemetry{records: freshTelemetry()}, store, &fakeEvaluator{eval: &eta.Evaluation{}})

	_, err := tracker.StartLiveSession(context.Background(), 1, "1HGCM82633A004352", "", "Dallas, TX", nil)
	require.NoError(t, err)

	require.NoError(t, tracker.StopLiveSession(1))
	assert.ErrorIs(t, tracker.StopLiveSession(1), session.ErrNotFound)
}

func TestRefreshLiveSessionsEvaluatesActiveSessions(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	evaluator := &fakeEvaluator{eval: &eta.Evaluation{StatusClass: eta.StatusOnTime}}
	tracker := newTestTracker(&fakeTelemetry{records: freshTelemetry()}, store, evaluator)

	_, err := tracker.StartLiveSession(context.Background(), 1, "", "John Smith", "Dallas, TX", nil)
	require.NoError(t, err)
	initial := evaluator.calls

	require.NoError(t, tracker.RefreshLiveSessions(context.Background()))
	assert.Equal(t, initial+1, evaluator.calls)
}

func TestRefreshLiveSessionsNoSessionsIsNoOp(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	telemetry := &fakeTelemetry{records: freshTelemetry()}
	tracker := newTestTracker(telemetry, store, &fakeEvaluator{})

	require.NoError(t, tracker.RefreshLiveSessions(context.Background()))
	assert.Equal(t, 0, telemetry.calls)
}

func TestBroadcastGroupsWritesLastUpdated(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{
		"assets": assetRows,
		"groups": {
			{"Group ID", "Group Title", "VIN", "Driver Name", "Last Updated"},
			{"1001", "Dispatch North", "1HGCM82633A004352", "John Smith", ""},
			{"1002", "Dispatch South", "NOMATCH0000000000", "", ""},
		},
	}}
	tracker := newTestTracker(&fakeTelemetry{records: freshTelemetry()}, store, &fakeEvaluator{})

	require.NoError(t, tracker.BroadcastGroups(context.Background()))

	// 只有匹配到遥测的群组写回 last_updated
	require.Len(t, store.updates, 1)
	assert.Equal(t, "groups!E2", store.updates[0].Range)
}

func TestBroadcastGroupsLastBindingWins(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{
		"assets": assetRows,
		"groups": {
			{"Group ID", "Group Title", "VIN", "Driver Name", "Last Updated"},
			{"1001", "Dispatch", "NOMATCH0000000000", "", ""},
			{"1001", "Dispatch", "1HGCM82633A004352", "John Smith", ""},
		},
	}}
	tracker := newTestTracker(&fakeTelemetry{records: freshTelemetry()}, store, &fakeEvaluator{})

	require.NoError(t, tracker.BroadcastGroups(context.Background()))

	// 同一群组后登记的绑定生效
	require.Len(t, store.updates, 1)
	assert.Equal(t, "groups!E3", store.updates[0].Range)
}

func TestBroadcastGroupsEmptySheet(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"groups": nil}}
	telemetry := &fakeTelemetry{records: freshTelemetry()}
	tracker := newTestTracker(telemetry, store, &fakeEvaluator{})

	require.NoError(t, tracker.BroadcastGroups(context.Background()))
	assert.Equal(t, 0, telemetry.calls)
	assert.Empty(t, store.updates)
}

func TestHousekeepingSweepsSessions(t *testing.T) {
	store := &fakeSheetStore{sheets: map[string][][]string{"assets": assetRows}}
	tracker := newTestTracker(&fakeTelemetry{records: freshTelemetry()}, store, &fakeEvaluator{eval: &eta.Evaluation{}})

	require.NoError(t, tracker.Housekeeping(context.Background()))
}

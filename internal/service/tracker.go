package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/api/ors"
	"github.com/langchou/fleetgazer/internal/config"
	"github.com/langchou/fleetgazer/internal/eta"
	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/reconcile"
	"github.com/langchou/fleetgazer/internal/session"
	"github.com/langchou/fleetgazer/internal/sheets"
	"github.com/langchou/fleetgazer/pkg/ws"
)

// 同一 tick 窗口内多个任务复用一次遥测拉取
const telemetryCacheTTL = 60 * time.Second

// TelemetrySource 遥测数据来源
type TelemetrySource interface {
	FetchActive(ctx context.Context) ([]models.TelemetryRecord, error)
}

// Store 服务层需要的表格操作（群组表读写）
type Store interface {
	Read(ctx context.Context, rng string) ([][]string, error)
	BatchWrite(ctx context.Context, updates []sheets.Update) error
}

// Evaluator ETA 评估能力
type Evaluator interface {
	Evaluate(ctx context.Context, origin ors.Coordinates, destination string, appointment *time.Time) (*eta.Evaluation, error)
}

// TrackerService 车队跟踪服务
// 调度器驱动的三类周期工作都经过这里：资产对账、群组播报、实时会话刷新
type TrackerService struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry TelemetrySource
	store     Store
	engine    *reconcile.Engine
	evaluator Evaluator
	sessions  *session.Manager
	hub       *ws.Hub

	tables []reconcile.Table

	// 对账周期的单飞与健康状态
	mu       sync.Mutex
	inFlight map[string]bool
	lastSync map[string]time.Time
	lastErr  map[string]string

	// 遥测短缓存
	telemMu     sync.Mutex
	cachedTelem []models.TelemetryRecord
	telemAt     time.Time
}

// NewTrackerService 创建跟踪服务
func NewTrackerService(
	cfg *config.Config,
	logger *zap.Logger,
	telemetry TelemetrySource,
	store Store,
	engine *reconcile.Engine,
	evaluator Evaluator,
	sessions *session.Manager,
	hub *ws.Hub,
	tables []reconcile.Table,
) *TrackerService {
	return &TrackerService{
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetry,
		store:     store,
		engine:    engine,
		evaluator: evaluator,
		sessions:  sessions,
		hub:       hub,
		tables:    tables,
		inFlight:  make(map[string]bool),
		lastSync:  make(map[string]time.Time),
		lastErr:   make(map[string]string),
	}
}

// Sessions 会话管理器
func (t *TrackerService) Sessions() *session.Manager {
	return t.sessions
}

// RiskSync 风险/资产同步周期：对所有配置的表各跑一轮对账
// 单表失败不影响其他表
func (t *TrackerService) RiskSync(ctx context.Context) error {
	var errs []error
	for _, table := range t.tables {
		if err := t.PollCycle(ctx, table); err != nil {
			errs = append(errs, fmt.Errorf("table %s: %w", table.Name, err))
		}
	}
	return errors.Join(errs...)
}

// PollCycle 对一张表执行一个轮询周期
// 幂等：同一张表已有周期在跑时直接跳过；
// 拉取失败或拉到空结果时不做任何写入，旧数据原样保留
func (t *TrackerService) PollCycle(ctx context.Context, table reconcile.Table) error {
	if !t.tryAcquireTable(table.Name) {
		t.logger.Info("Poll cycle already running for table, skipping",
			zap.String("table", table.Name))
		return nil
	}
	defer t.releaseTable(table.Name)

	records, err := t.fetchTelemetry(ctx)
	if err != nil {
		t.recordError("telemetry", err)
		return err
	}
	if len(records) == 0 {
		t.logger.Warn("Telemetry fetch returned no records, skipping write",
			zap.String("table", table.Name))
		return nil
	}

	result, err := t.engine.Reconcile(ctx, table, records)
	if err != nil {
		t.recordError(table.Name, err)
		return err
	}

	t.mu.Lock()
	t.lastSync[table.Name] = time.Now()
	delete(t.lastErr, table.Name)
	t.mu.Unlock()

	t.logger.Info("Poll cycle finished",
		zap.String("table", table.Name),
		zap.Int("updated", result.Updated),
		zap.Int("blocked", result.NewRowsBlocked))
	return nil
}

// RefreshLiveSessions 实时会话刷新周期
// 对每个活跃会话重新评估 ETA；会话停止后不再收到新 tick
func (t *TrackerService) RefreshLiveSessions(ctx context.Context) error {
	handles := t.sessions.ActiveHandles()
	if len(handles) == 0 {
		return nil
	}

	records, err := t.fetchTelemetry(ctx)
	if err != nil {
		t.recordError("live_refresh", err)
		for _, h := range handles {
			t.sessions.RecordRefresh(h, nil, err)
		}
		return err
	}

	byVIN, byDriver := indexTelemetry(records)

	for _, h := range handles {
		s, ok := t.sessions.Get(h)
		if !ok || !s.Active() {
			// 停止/过期发生在拿快照之后，跳过即可
			continue
		}

		rec, found := lookupTarget(byVIN, byDriver, s.VIN, s.DriverName)
		if !found {
			t.sessions.RecordRefresh(h, nil, fmt.Errorf("no telemetry for session target"))
			continue
		}

		eval, evalErr := t.evaluator.Evaluate(ctx,
			ors.Coordinates{Latitude: rec.Latitude, Longitude: rec.Longitude},
			s.Destination, s.Appointment)
		t.sessions.RecordRefresh(h, eval, evalErr)

		if evalErr == nil {
			t.broadcast(ws.MsgTypeSessionUpdate, s.Snapshot())
		}
	}

	t.mu.Lock()
	t.lastSync["live_refresh"] = time.Now()
	delete(t.lastErr, "live_refresh")
	t.mu.Unlock()
	return nil
}

// BroadcastGroups 群组播报周期
// 读取群组注册表，为每个绑定了 VIN 的群组播报最新位置，
// 并把 last_updated 批量写回群组表
func (t *TrackerService) BroadcastGroups(ctx context.Context) error {
	regs, err := t.loadGroups(ctx)
	if err != nil {
		t.recordError("groups", err)
		return err
	}
	if len(regs) == 0 {
		return nil
	}

	records, err := t.fetchTelemetry(ctx)
	if err != nil {
		t.recordError("groups", err)
		return err
	}

	byVIN, byDriver := indexTelemetry(records)

	var updates []sheets.Update
	now := time.Now()
	sent := 0

	for _, reg := range regs {
		rec, found := lookupTarget(byVIN, byDriver, reg.VIN, reg.DriverName)
		if !found {
			continue
		}

		t.broadcast(ws.MsgTypeGroupUpdate, map[string]interface{}{
			"group_id":    reg.GroupID,
			"group_title": reg.GroupTitle,
			"vin":         rec.VIN,
			"driver_name": rec.DriverName,
			"latitude":    rec.Latitude,
			"longitude":   rec.Longitude,
			"status":      rec.Status,
			"address":     rec.Address,
			"observed_at": rec.ObservedAt,
		})
		sent++

		updates = append(updates, sheets.Update{
			Range:  fmt.Sprintf("%s!E%d", t.cfg.GroupsSheet, reg.Row),
			Values: [][]string{{now.UTC().Format("2006-01-02 15:04:05")}},
		})
	}

	if len(updates) > 0 {
		if err := t.store.BatchWrite(ctx, updates); err != nil {
			t.recordError("groups", err)
			return err
		}
	}

	t.mu.Lock()
	t.lastSync["groups"] = time.Now()
	delete(t.lastErr, "groups")
	t.mu.Unlock()

	t.logger.Info("Group broadcast finished",
		zap.Int("groups", len(regs)),
		zap.Int("sent", sent))
	return nil
}

// PollTable 按表名触发一次轮询周期（手动刷新入口）
func (t *TrackerService) PollTable(ctx context.Context, name string) error {
	for _, table := range t.tables {
		if table.Name == name {
			return t.PollCycle(ctx, table)
		}
	}
	return fmt.Errorf("unknown table %q", name)
}

// Housekeeping 周期性清理：过期会话清扫
func (t *TrackerService) Housekeeping(ctx context.Context) error {
	expired := t.sessions.Sweep()
	if expired > 0 {
		t.logger.Info("Session sweep completed", zap.Int("expired", expired))
	}
	return nil
}

// StartLiveSession 开始一个实时跟踪会话
// 创建会话后立即做一次初始评估，结果随会话快照返回
func (t *TrackerService) StartLiveSession(ctx context.Context, conversationID int64, vin, driverName, destination string, appointment *time.Time) (session.Info, error) {
	if vin == "" && driverName == "" {
		return session.Info{}, fmt.Errorf("session target requires a vin or driver name")
	}

	s, err := t.sessions.Start(conversationID, strings.ToUpper(vin), driverName, destination, appointment)
	if err != nil {
		return session.Info{}, err
	}

	// 初始评估失败不回滚会话：下一个刷新 tick 会重试
	records, err := t.fetchTelemetry(ctx)
	if err == nil {
		byVIN, byDriver := indexTelemetry(records)
		if rec, found := lookupTarget(byVIN, byDriver, s.VIN, s.DriverName); found {
			eval, evalErr := t.evaluator.Evaluate(ctx,
				ors.Coordinates{Latitude: rec.Latitude, Longitude: rec.Longitude},
				destination, appointment)
			t.sessions.RecordRefresh(conversationID, eval, evalErr)
		}
	}

	return s.Snapshot(), nil
}

// StopLiveSession 停止实时跟踪会话
func (t *TrackerService) StopLiveSession(conversationID int64) error {
	return t.sessions.Stop(conversationID)
}

// Health 服务健康快照
type Health struct {
	ActiveSessions int                  `json:"active_sessions"`
	LastSyncAt     map[string]time.Time `json:"last_sync_at"`
	LastError      map[string]string    `json:"last_error,omitempty"`
}

// HealthSnapshot 各周期任务的最近同步时间和最近错误
func (t *TrackerService) HealthSnapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := Health{
		ActiveSessions: t.sessions.ActiveCount(),
		LastSyncAt:     make(map[string]time.Time, len(t.lastSync)),
		LastError:      make(map[string]string, len(t.lastErr)),
	}
	for k, v := range t.lastSync {
		h.LastSyncAt[k] = v
	}
	for k, v := range t.lastErr {
		h.LastError[k] = v
	}
	return h
}

// fetchTelemetry 带短缓存的遥测拉取
// 同一 tick 窗口内资产同步、会话刷新、群组播报共用一次拉取结果
func (t *TrackerService) fetchTelemetry(ctx context.Context) ([]models.TelemetryRecord, error) {
	t.telemMu.Lock()
	defer t.telemMu.Unlock()

	if t.cachedTelem != nil && time.Since(t.telemAt) < telemetryCacheTTL {
		return t.cachedTelem, nil
	}

	records, err := t.telemetry.FetchActive(ctx)
	if err != nil {
		return nil, err
	}

	t.cachedTelem = records
	t.telemAt = time.Now()
	return records, nil
}

// loadGroups 读取群组注册表
// 同一群组多行时取最后一行（后写覆盖先写）
func (t *TrackerService) loadGroups(ctx context.Context) ([]models.GroupRegistration, error) {
	rows, err := t.store.Read(ctx, t.cfg.GroupsSheet)
	if err != nil {
		return nil, fmt.Errorf("read groups sheet: %w", err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}

	latest := make(map[int64]models.GroupRegistration)
	order := make([]int64, 0, len(rows)-1)

	for i, row := range rows[1:] {
		if len(row) < 3 {
			continue
		}
		groupID, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
		if err != nil {
			t.logger.Warn("Invalid group id in groups sheet",
				zap.Int("row", i+2),
				zap.String("value", row[0]))
			continue
		}

		reg := models.GroupRegistration{
			GroupID:    groupID,
			GroupTitle: strings.TrimSpace(row[1]),
			VIN:        strings.ToUpper(strings.TrimSpace(row[2])),
			Row:        i + 2,
		}
		if len(row) > 3 {
			reg.DriverName = strings.TrimSpace(row[3])
		}

		if _, seen := latest[groupID]; !seen {
			order = append(order, groupID)
		}
		latest[groupID] = reg
	}

	regs := make([]models.GroupRegistration, 0, len(latest))
	for _, id := range order {
		regs = append(regs, latest[id])
	}
	return regs, nil
}

// tryAcquireTable 表级单飞
func (t *TrackerService) tryAcquireTable(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[name] {
		return false
	}
	t.inFlight[name] = true
	return true
}

func (t *TrackerService) releaseTable(name string) {
	t.mu.Lock()
	delete(t.inFlight, name)
	t.mu.Unlock()
}

// recordError 记录组件最近一次错误
func (t *TrackerService) recordError(component string, err error) {
	t.mu.Lock()
	t.lastErr[component] = err.Error()
	t.mu.Unlock()
}

// broadcast 广播到 WebSocket（hub 未配置时跳过）
func (t *TrackerService) broadcast(msgType string, data interface{}) {
	if t.hub == nil {
		return
	}
	t.hub.BroadcastMessage(msgType, data)
}

// indexTelemetry 按 VIN 和标准化司机名建立索引
func indexTelemetry(records []models.TelemetryRecord) (byVIN, byDriver map[string]models.TelemetryRecord) {
	byVIN = make(map[string]models.TelemetryRecord, len(records))
	byDriver = make(map[string]models.TelemetryRecord, len(records))

	for _, rec := range records {
		if rec.VIN != "" {
			byVIN[rec.VIN] = rec
		}
		if key := normalizeName(rec.DriverName); key != "" {
			byDriver[key] = rec
		}
	}
	return byVIN, byDriver
}

// lookupTarget 先按司机名、再按 VIN 查找目标的遥测记录
func lookupTarget(byVIN, byDriver map[string]models.TelemetryRecord, vin, driverName string) (models.TelemetryRecord, bool) {
	if key := normalizeName(driverName); key != "" {
		if rec, ok := byDriver[key]; ok {
			return rec, true
		}
	}
	if vin != "" {
		if rec, ok := byVIN[strings.ToUpper(vin)]; ok {
			return rec, true
		}
	}
	return models.TelemetryRecord{}, false
}

// normalizeName 司机名标准化
func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

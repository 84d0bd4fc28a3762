package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/colmap"
	"github.com/langchou/fleetgazer/internal/models"
	"github.com/langchou/fleetgazer/internal/sheets"
)

// 表格中时间戳的写入格式（UTC）
const timeLayout = "2006-01-02 15:04:05"

// Store 对账引擎需要的表格操作
type Store interface {
	Read(ctx context.Context, rng string) ([][]string, error)
	BatchWrite(ctx context.Context, updates []sheets.Update) error
	Append(ctx context.Context, rng string, values [][]string) error
}

// Table 一个对账目标工作表
type Table struct {
	Name string

	// Columns 显式列配置（字段→列字母），为空时走表头扫描
	Columns map[colmap.Field]string

	// MaxRows 行数上限（含表头），0 表示不限制
	// 配置了上限的表接近容量时不再追加新行，只更新已匹配的行
	MaxRows int
}

// Result 单次对账的统计
type Result struct {
	// Updated 有字段变化、已写回的行数
	Updated int
	// Skipped 匹配到了但无任何字段变化，或缺少匹配键被跳过的记录数
	Skipped int
	// NewRowsBlocked 没有匹配行且因容量上限被扣下的新记录数
	NewRowsBlocked int
	// Appended 追加的新行数（仅无上限的表）
	Appended int
}

// Engine 对账引擎
// 把一个周期内的遥测记录合并进资产工作表：
// 先按司机名匹配、再按 VIN 匹配，有差异的行合并成一次批量写
type Engine struct {
	store  Store
	logger *zap.Logger

	// 同一张表的对账周期不允许交错，不同表可以并发
	mu         sync.Mutex
	tableLocks map[string]*sync.Mutex
}

// NewEngine 创建对账引擎
func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		logger:     logger,
		tableLocks: make(map[string]*sync.Mutex),
	}
}

// Reconcile 对一张表执行一个对账周期
// 列映射在周期开始时解析一次，整个周期内不变；
// 映射解析失败只影响这张表，返回 colmap.ErrMappingUnresolved
func (e *Engine) Reconcile(ctx context.Context, table Table, telemetry []models.TelemetryRecord) (Result, error) {
	lock := e.tableLock(table.Name)
	lock.Lock()
	defer lock.Unlock()

	var result Result

	rows, err := e.store.Read(ctx, table.Name)
	if err != nil {
		return result, fmt.Errorf("read table %s: %w", table.Name, err)
	}
	if len(rows) == 0 {
		return result, fmt.Errorf("%w: table %s has no header row", colmap.ErrMappingUnresolved, table.Name)
	}

	mapping, err := colmap.Resolve(table.Columns, rows[0], colmap.AssetFields)
	if err != nil {
		return result, fmt.Errorf("table %s: %w", table.Name, err)
	}
	if mapping.Source() == colmap.SourceHeaders && mapping.FallbackReason() != "" {
		e.logger.Warn("Column mapping degraded to header scan",
			zap.String("table", table.Name),
			zap.String("reason", mapping.FallbackReason()))
	}

	registry := e.parseRegistry(table.Name, rows, mapping)
	byDriver, byVIN := buildLookups(registry)

	// 防御性去重：即使上游已按 VIN 去重，这里也只认最新一条
	records := dedupeFreshest(telemetry)

	var updates []sheets.Update
	var appendRows [][]string

	for _, rec := range records {
		if rec.DriverName == "" && rec.VIN == "" {
			e.logger.Warn("Telemetry record has no match key, skipping",
				zap.String("table", table.Name))
			result.Skipped++
			continue
		}

		// 匹配顺序是关键：先司机名后 VIN
		// 上游登记表以司机名为主键，VIN 覆盖不全，反过来会系统性匹配失败
		asset, matched := matchByDriver(byDriver, registry, rec.DriverName)
		if !matched {
			asset, matched = matchByVIN(byVIN, registry, rec.VIN)
		}

		if matched {
			updated, changed := mergeRecord(asset, rec)
			if !changed {
				result.Skipped++
				continue
			}
			updates = append(updates, e.rowUpdate(table.Name, mapping, rows, updated))
			result.Updated++
			continue
		}

		// 无匹配行：有容量上限的表接近上限时扣下记录，绝不冒险追加
		if table.MaxRows > 0 && len(rows)+len(appendRows)+1 > table.MaxRows {
			e.logger.Warn("New row blocked by table ceiling",
				zap.String("table", table.Name),
				zap.String("vin", rec.VIN),
				zap.Int("max_rows", table.MaxRows))
			result.NewRowsBlocked++
			continue
		}

		appendRows = append(appendRows, e.newRow(mapping, rec))
		result.Appended++
	}

	// 一个周期合并成一次批量写，控制请求配额
	if len(updates) > 0 {
		if err := e.store.BatchWrite(ctx, updates); err != nil {
			return result, fmt.Errorf("write table %s: %w", table.Name, err)
		}
	}
	if len(appendRows) > 0 {
		if err := e.store.Append(ctx, table.Name, appendRows); err != nil {
			return result, fmt.Errorf("append table %s: %w", table.Name, err)
		}
	}

	e.logger.Info("Reconcile cycle completed",
		zap.String("table", table.Name),
		zap.String("mapping_source", mapping.Source().String()),
		zap.Int("telemetry", len(records)),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("appended", result.Appended),
		zap.Int("blocked", result.NewRowsBlocked))
	return result, nil
}

// tableLock 取某张表的锁
func (e *Engine) tableLock(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.tableLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		e.tableLocks[name] = lock
	}
	return lock
}

// parseRegistry 把工作表数据行解析成资产记录
// 既没有司机名也没有 VIN 的行无法对账，记日志后跳过
func (e *Engine) parseRegistry(tableName string, rows [][]string, mapping *colmap.Mapping) []*models.AssetRecord {
	registry := make([]*models.AssetRecord, 0, len(rows)-1)

	for i, row := range rows[1:] {
		asset := &models.AssetRecord{
			DriverName: cellAt(row, mapping, colmap.FieldDriverName),
			VIN:        strings.ToUpper(cellAt(row, mapping, colmap.FieldVIN)),
			Address:    cellAt(row, mapping, colmap.FieldAddress),
			Status:     cellAt(row, mapping, colmap.FieldStatus),
			Source:     cellAt(row, mapping, colmap.FieldSource),
			Row:        i + 2,
		}
		asset.Latitude, _ = strconv.ParseFloat(cellAt(row, mapping, colmap.FieldLatitude), 64)
		asset.Longitude, _ = strconv.ParseFloat(cellAt(row, mapping, colmap.FieldLongitude), 64)
		asset.UpdateTime = parseCellTime(cellAt(row, mapping, colmap.FieldUpdateTime))

		if !asset.Matchable() {
			e.logger.Warn("Registry row has neither driver name nor VIN, cannot reconcile",
				zap.String("table", tableName),
				zap.Int("row", asset.Row))
			continue
		}
		registry = append(registry, asset)
	}

	return registry
}

// buildLookups 建立司机名和 VIN 两个索引
func buildLookups(registry []*models.AssetRecord) (byDriver, byVIN map[string]int) {
	byDriver = make(map[string]int, len(registry))
	byVIN = make(map[string]int, len(registry))

	for i, asset := range registry {
		if key := normalizeName(asset.DriverName); key != "" {
			if _, dup := byDriver[key]; !dup {
				byDriver[key] = i
			}
		}
		if asset.VIN != "" {
			if _, dup := byVIN[asset.VIN]; !dup {
				byVIN[asset.VIN] = i
			}
		}
	}
	return byDriver, byVIN
}

// matchByDriver 按标准化司机名匹配
func matchByDriver(byDriver map[string]int, registry []*models.AssetRecord, driverName string) (*models.AssetRecord, bool) {
	key := normalizeName(driverName)
	if key == "" {
		return nil, false
	}
	if i, ok := byDriver[key]; ok {
		return registry[i], true
	}
	return nil, false
}

// matchByVIN 按 VIN 匹配
func matchByVIN(byVIN map[string]int, registry []*models.AssetRecord, vin string) (*models.AssetRecord, bool) {
	if vin == "" {
		return nil, false
	}
	if i, ok := byVIN[strings.ToUpper(vin)]; ok {
		return registry[i], true
	}
	return nil, false
}

// dedupeFreshest 按 VIN 去重，保留 observed_at 最新的一条；输出按 VIN 排序保证稳定
func dedupeFreshest(telemetry []models.TelemetryRecord) []models.TelemetryRecord {
	freshest := make(map[string]models.TelemetryRecord, len(telemetry))
	var noVIN []models.TelemetryRecord

	for _, rec := range telemetry {
		if rec.VIN == "" {
			noVIN = append(noVIN, rec)
			continue
		}
		if prev, ok := freshest[rec.VIN]; ok && !rec.ObservedAt.After(prev.ObservedAt) {
			continue
		}
		freshest[rec.VIN] = rec
	}

	records := make([]models.TelemetryRecord, 0, len(freshest)+len(noVIN))
	for _, rec := range freshest {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].VIN < records[j].VIN })
	return append(records, noVIN...)
}

// mergeRecord 把遥测数据合并进资产记录，返回合并结果和是否有字段变化
func mergeRecord(asset *models.AssetRecord, rec models.TelemetryRecord) (models.AssetRecord, bool) {
	merged := *asset
	changed := false

	if rec.Address != "" && rec.Address != merged.Address {
		merged.Address = rec.Address
		changed = true
	}
	hasCoords := rec.Latitude != 0 || rec.Longitude != 0
	if hasCoords && (!coordEqual(rec.Latitude, merged.Latitude) || !coordEqual(rec.Longitude, merged.Longitude)) {
		merged.Latitude = rec.Latitude
		merged.Longitude = rec.Longitude
		changed = true
	}
	if rec.Status != "" && rec.Status != merged.Status {
		merged.Status = rec.Status
		changed = true
	}
	if rec.ObservedAt.After(merged.UpdateTime) {
		merged.UpdateTime = rec.ObservedAt
		changed = true
	}
	if rec.Source != "" && rec.Source != merged.Source {
		merged.Source = rec.Source
		changed = true
	}

	return merged, changed
}

// rowUpdate 生成单行的范围更新
// 先复制现有行再覆盖映射字段，未映射的列原样保留
func (e *Engine) rowUpdate(tableName string, mapping *colmap.Mapping, rows [][]string, asset models.AssetRecord) sheets.Update {
	width := mapping.MaxIndex() + 1

	row := make([]string, width)
	if asset.Row-1 < len(rows) {
		copy(row, rows[asset.Row-1])
	}
	setCells(row, mapping, asset)

	rng := fmt.Sprintf("%s!A%d:%s%d", tableName, asset.Row, colmap.IndexToLetter(width-1), asset.Row)
	return sheets.Update{Range: rng, Values: [][]string{row}}
}

// newRow 从遥测记录生成一行新数据
func (e *Engine) newRow(mapping *colmap.Mapping, rec models.TelemetryRecord) []string {
	row := make([]string, mapping.MaxIndex()+1)
	setCells(row, mapping, models.AssetRecord{
		DriverName: rec.DriverName,
		VIN:        rec.VIN,
		Address:    rec.Address,
		Latitude:   rec.Latitude,
		Longitude:  rec.Longitude,
		Status:     rec.Status,
		UpdateTime: rec.ObservedAt,
		Source:     rec.Source,
	})
	return row
}

// setCells 按映射把资产字段写进行
func setCells(row []string, mapping *colmap.Mapping, asset models.AssetRecord) {
	set := func(f colmap.Field, v string) {
		if i, ok := mapping.Index(f); ok && i < len(row) {
			row[i] = v
		}
	}

	set(colmap.FieldDriverName, asset.DriverName)
	set(colmap.FieldVIN, asset.VIN)
	set(colmap.FieldAddress, asset.Address)
	set(colmap.FieldLatitude, formatCoord(asset.Latitude))
	set(colmap.FieldLongitude, formatCoord(asset.Longitude))
	set(colmap.FieldStatus, asset.Status)
	if !asset.UpdateTime.IsZero() {
		set(colmap.FieldUpdateTime, asset.UpdateTime.UTC().Format(timeLayout))
	}
	set(colmap.FieldSource, asset.Source)
}

// cellAt 安全取单元格
func cellAt(row []string, mapping *colmap.Mapping, f colmap.Field) string {
	i, ok := mapping.Index(f)
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// parseCellTime 解析表格中的时间戳，兼容历史的 MM-dd-yyyy 格式
func parseCellTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, raw); err == nil {
		return t
	}
	if t, err := time.Parse("01-02-2006 15:04:05", raw); err == nil {
		return t
	}
	return time.Time{}
}

// normalizeName 司机名标准化：小写并折叠空白
func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// coordEqual 坐标比较，精度 0.000001（约 0.1 米）
func coordEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// formatCoord 坐标写入格式
func formatCoord(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

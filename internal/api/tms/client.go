package tms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/langchou/fleetgazer/internal/models"
)

// 错误定义
var (
	// ErrFetchFailed 整次拉取失败，调用方必须把本周期当作空操作，
	// 绝不能用失败的结果覆盖已有资产数据
	ErrFetchFailed = errors.New("tms: fleet fetch failed")

	ErrRateLimited = errors.New("tms: rate limited")
)

// Options 客户端可调参数
type Options struct {
	RequestDelay    time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	SourceAllowList []string
	MaxLocationAge  time.Duration
}

// Client TMS 车队遥测客户端
// 拉取活跃车辆列表，按数据来源白名单和新鲜度窗口过滤，
// 同一 VIN 多条记录时保留 observed_at 最新的一条
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *zap.Logger

	limiter     *rate.Limiter
	maxRetries  int
	retryDelay  time.Duration
	allowList   map[string]bool
	maxAge      time.Duration
	providerLoc *time.Location
}

// NewClient 创建 TMS 客户端
func NewClient(baseURL, apiKey string, opts Options, logger *zap.Logger) *Client {
	if opts.RequestDelay <= 0 {
		opts.RequestDelay = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.MaxLocationAge <= 0 {
		opts.MaxLocationAge = 12 * time.Hour
	}

	allowList := make(map[string]bool, len(opts.SourceAllowList))
	for _, s := range opts.SourceAllowList {
		allowList[strings.ToLower(strings.TrimSpace(s))] = true
	}

	// TMS 的时间戳带 EST/EDT 后缀，按纽约时区解析
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(opts.RequestDelay), 1),
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryDelay,
		allowList:   allowList,
		maxAge:      opts.MaxLocationAge,
		providerLoc: loc,
	}
}

// FetchActive 拉取活跃车辆的遥测记录
// 返回已过滤去重的记录；任何请求层面的失败统一返回 ErrFetchFailed
func (c *Client) FetchActive(ctx context.Context) ([]models.TelemetryRecord, error) {
	raw, err := c.fetchTrucks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	now := time.Now()
	deduped := make(map[string]models.TelemetryRecord)
	dropped := 0

	for _, truck := range raw {
		rec, ok := c.convert(truck, now)
		if !ok {
			dropped++
			continue
		}

		// 同一 VIN 保留最新的一条
		if prev, exists := deduped[rec.VIN]; exists && !rec.ObservedAt.After(prev.ObservedAt) {
			continue
		}
		deduped[rec.VIN] = rec
	}

	records := make([]models.TelemetryRecord, 0, len(deduped))
	for _, rec := range deduped {
		records = append(records, rec)
	}

	c.logger.Info("Fetched fleet telemetry",
		zap.Int("raw", len(raw)),
		zap.Int("accepted", len(records)),
		zap.Int("dropped", dropped))
	return records, nil
}

// fetchTrucks 带限流和重试的原始拉取
func (c *Client) fetchTrucks(ctx context.Context) ([]TruckRecord, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		trucks, err := c.doFetch(ctx)
		if err == nil {
			return trucks, nil
		}
		lastErr = err

		// 限流和临时错误都按指数退避重试
		delay := c.retryDelay << uint(attempt)
		c.logger.Warn("TMS fetch failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("after %d attempts: %w", c.maxRetries, lastErr)
}

// doFetch 单次请求
func (c *Client) doFetch(ctx context.Context) ([]TruckRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/trucks", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fleet request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// 正常
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fleet request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var listResp truckListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if listResp.Error != "" {
		return nil, fmt.Errorf("fleet api error: %s", listResp.Error)
	}

	return listResp.Data, nil
}

// convert 原始记录转遥测记录，顺带做来源和新鲜度过滤
func (c *Client) convert(truck TruckRecord, now time.Time) (models.TelemetryRecord, bool) {
	vin := strings.ToUpper(strings.TrimSpace(truck.VIN))
	if vin == "" {
		return models.TelemetryRecord{}, false
	}

	if !c.allowList[strings.ToLower(truck.Source)] {
		c.logger.Debug("Dropping telemetry from unknown source",
			zap.String("vin", vin),
			zap.String("source", truck.Source))
		return models.TelemetryRecord{}, false
	}

	observedAt := c.parseUpdateTime(truck.UpdateTime, now)
	if now.Sub(observedAt) > c.maxAge {
		c.logger.Debug("Dropping stale telemetry",
			zap.String("vin", vin),
			zap.Time("observed_at", observedAt))
		return models.TelemetryRecord{}, false
	}

	return models.TelemetryRecord{
		VIN:        vin,
		DriverName: strings.TrimSpace(truck.DriverName),
		Latitude:   truck.Latitude,
		Longitude:  truck.Longitude,
		Speed:      truck.Speed,
		Status:     strings.TrimSpace(truck.Status),
		Source:     strings.ToLower(truck.Source),
		Address:    strings.TrimSpace(truck.Address),
		ObservedAt: observedAt,
	}, true
}

// parseUpdateTime 解析 TMS 时间戳
// 格式为 "MM-dd-yyyy HH:mm:ss EST"（纽约时间），或 ISO 格式兜底；
// 解析失败时按当前时间处理
func (c *Client) parseUpdateTime(raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now
	}

	if strings.HasSuffix(raw, " EST") || strings.HasSuffix(raw, " EDT") {
		trimmed := strings.TrimSuffix(strings.TrimSuffix(raw, " EST"), " EDT")
		if t, err := time.ParseInLocation("01-02-2006 15:04:05", trimmed, c.providerLoc); err == nil {
			return t.UTC()
		}
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}

	c.logger.Warn("Unparseable telemetry timestamp", zap.String("raw", raw))
	return now
}

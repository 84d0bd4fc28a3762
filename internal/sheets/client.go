package sheets

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

// Update 一次批量写中的单个范围更新
type Update struct {
	Range  string
	Values [][]string
}

// Options 客户端可调参数
type Options struct {
	MaxRequestsPerMinute int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxRetries           int
	CacheTTL             time.Duration
}

// Client 带限流的 Google Sheets 客户端
// 所有表格读写都必须经过这里：令牌桶控制每分钟请求数，
// 429/配额错误走指数退避，读走短 TTL 缓存
type Client struct {
	svc           *sheetsapi.Service
	spreadsheetID string
	logger        *zap.Logger

	limiter     *rate.Limiter
	backoffBase time.Duration
	backoffMax  time.Duration
	maxRetries  int
	cache       *rangeCache
}

// New 创建 Sheets 客户端
func New(ctx context.Context, credentialsFile, spreadsheetID string, opts Options, logger *zap.Logger) (*Client, error) {
	svc, err := sheetsapi.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheetsapi.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return newClient(svc, spreadsheetID, opts, logger), nil
}

func newClient(svc *sheetsapi.Service, spreadsheetID string, opts Options, logger *zap.Logger) *Client {
	if opts.MaxRequestsPerMinute <= 0 {
		opts.MaxRequestsPerMinute = 180
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 60 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 300 * time.Second
	}

	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		logger:        logger,
		// 配额按分钟计，转成每秒速率，突发上限取每分钟配额的 1/6
		limiter:     rate.NewLimiter(rate.Limit(float64(opts.MaxRequestsPerMinute)/60.0), opts.MaxRequestsPerMinute/6+1),
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		maxRetries:  opts.MaxRetries,
		cache:       newRangeCache(opts.CacheTTL),
	}
}

// Read 读取范围内的所有行，优先走缓存
func (c *Client) Read(ctx context.Context, rng string) ([][]string, error) {
	if values, ok := c.cache.get(rng); ok {
		c.logger.Debug("Sheets read cache hit", zap.String("range", rng))
		return values, nil
	}

	var resp *sheetsapi.ValueRange
	err := c.withRetry(ctx, "read "+rng, func() error {
		var err error
		resp, err = c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
		return err
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rng)
		}
		return nil, err
	}

	values := toStringRows(resp.Values)
	c.cache.put(rng, values)
	return values, nil
}

// BatchWrite 一次批量写多个范围
// 写成功后失效涉及工作表的缓存，并记录行数与耗时
func (c *Client) BatchWrite(ctx context.Context, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}

	data := make([]*sheetsapi.ValueRange, 0, len(updates))
	rows := 0
	for _, u := range updates {
		data = append(data, &sheetsapi.ValueRange{
			Range:  u.Range,
			Values: toInterfaceRows(u.Values),
		})
		rows += len(u.Values)
	}

	req := &sheetsapi.BatchUpdateValuesRequest{
		ValueInputOption: "USER_ENTERED",
		Data:             data,
	}

	start := time.Now()
	err := c.withRetry(ctx, "batch write", func() error {
		_, err := c.svc.Spreadsheets.Values.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}

	for _, u := range updates {
		c.cache.invalidateSheet(sheetOfRange(u.Range))
	}

	c.logger.Info("Sheets batch write completed",
		zap.Int("ranges", len(updates)),
		zap.Int("rows", rows),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Append 向工作表末尾追加行
func (c *Client) Append(ctx context.Context, rng string, values [][]string) error {
	if len(values) == 0 {
		return nil
	}

	vr := &sheetsapi.ValueRange{Values: toInterfaceRows(values)}

	start := time.Now()
	err := c.withRetry(ctx, "append "+rng, func() error {
		_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, vr).
			ValueInputOption("USER_ENTERED").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}

	c.cache.invalidateSheet(sheetOfRange(rng))

	c.logger.Info("Sheets append completed",
		zap.String("range", rng),
		zap.Int("rows", len(values)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// RowCount 工作表当前行数（含表头）
func (c *Client) RowCount(ctx context.Context, sheetName string) (int, error) {
	values, err := c.Read(ctx, sheetName)
	if err != nil {
		return 0, err
	}
	return len(values), nil
}

// CleanupCache 清理过期缓存条目（由 housekeeping 任务定期调用）
func (c *Client) CleanupCache() int {
	return c.cache.cleanup()
}

// withRetry 限流 + 指数退避重试
// 仅对限流类错误重试，其他错误直接返回；重试耗尽返回 ErrThrottled
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !isThrottledError(err) {
			return fmt.Errorf("sheets %s: %w", op, err)
		}

		delay := c.backoffDelay(attempt)
		c.logger.Warn("Sheets request throttled, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w: %s", ErrThrottled, op)
}

// backoffDelay 第 attempt 次重试的等待时间：base * 2^attempt 加抖动，封顶 backoffMax
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.backoffBase << uint(attempt)
	if delay > c.backoffMax {
		delay = c.backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

// toStringRows API 返回值转字符串行
func toStringRows(values [][]interface{}) [][]string {
	rows := make([][]string, len(values))
	for i, row := range values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		rows[i] = cells
	}
	return rows
}

// toInterfaceRows 字符串行转 API 值
func toInterfaceRows(values [][]string) [][]interface{} {
	rows := make([][]interface{}, len(values))
	for i, row := range values {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = v
		}
		rows[i] = cells
	}
	return rows
}

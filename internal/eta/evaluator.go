package eta

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/api/ors"
)

// ErrRouteUnavailable 地理编码或路线计算失败
// 错的 ETA 比看得见的失败更糟，所以失败时不给默认值，直接报错
var ErrRouteUnavailable = errors.New("eta: route unavailable")

// StatusClass ETA 相对预约时间的分类
type StatusClass string

const (
	StatusOnTime  StatusClass = "ON_TIME"
	StatusAtRisk  StatusClass = "AT_RISK"
	StatusLate    StatusClass = "LATE"
	StatusUnknown StatusClass = "UNKNOWN"
)

// Evaluation 一次 ETA 评估结果
type Evaluation struct {
	ETA         time.Time     `json:"eta"`
	Miles       float64       `json:"miles"`
	Duration    time.Duration `json:"duration"`
	StatusClass StatusClass   `json:"status_class"`
	// MinutesLate ETA 超出预约时间的分钟数，准点为负
	MinutesLate int `json:"minutes_late"`
}

// Router 评估器需要的路线能力
type Router interface {
	Geocode(ctx context.Context, address string) (ors.Coordinates, error)
	Route(ctx context.Context, origin, dest ors.Coordinates) (ors.Route, error)
}

// Evaluator ETA 评估器
// 从遥测位置出发计算到目的地的路线和 ETA，
// 有预约时间时按宽限期分类 ON_TIME / AT_RISK / LATE
type Evaluator struct {
	router Router
	grace  time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewEvaluator 创建评估器
func NewEvaluator(router Router, grace time.Duration, logger *zap.Logger) *Evaluator {
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	return &Evaluator{
		router: router,
		grace:  grace,
		logger: logger,
		now:    time.Now,
	}
}

// Evaluate 评估从 origin 到 destination 的 ETA
// destination 可以是地址，也可以是 "lat,lng" 坐标；
// appointment 为 nil 时分类为 UNKNOWN
func (e *Evaluator) Evaluate(ctx context.Context, origin ors.Coordinates, destination string, appointment *time.Time) (*Evaluation, error) {
	dest, ok := parseCoordinates(destination)
	if !ok {
		var err error
		dest, err = e.router.Geocode(ctx, destination)
		if err != nil {
			return nil, fmt.Errorf("%w: geocode %q: %v", ErrRouteUnavailable, destination, err)
		}
	}

	route, err := e.router.Route(ctx, origin, dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	}

	eval := &Evaluation{
		ETA:         e.now().Add(route.Duration),
		Miles:       route.Miles,
		Duration:    route.Duration,
		StatusClass: StatusUnknown,
	}

	if appointment != nil {
		diff := eval.ETA.Sub(*appointment)
		eval.MinutesLate = int(diff.Minutes())
		switch {
		case diff <= 0:
			eval.StatusClass = StatusOnTime
		case diff <= e.grace:
			eval.StatusClass = StatusAtRisk
		default:
			eval.StatusClass = StatusLate
		}
	}

	e.logger.Debug("Evaluated ETA",
		zap.String("destination", destination),
		zap.Time("eta", eval.ETA),
		zap.Float64("miles", eval.Miles),
		zap.String("status", string(eval.StatusClass)))
	return eval, nil
}

// parseCoordinates 尝试把 "lat,lng" 字符串解析成坐标
func parseCoordinates(s string) (ors.Coordinates, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return ors.Coordinates{}, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return ors.Coordinates{}, false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return ors.Coordinates{}, false
	}
	return ors.Coordinates{Latitude: lat, Longitude: lng}, true
}

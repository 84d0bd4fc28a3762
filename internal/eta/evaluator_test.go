package eta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/api/ors"
)

type stubRouter struct {
	geocodeResult ors.Coordinates
	geocodeErr    error
	geocodeCalls  int

	route    ors.Route
	routeErr error
	lastDest ors.Coordinates
}

func (s *stubRouter) Geocode(ctx context.Context, address string) (ors.Coordinates, error) {
	s.geocodeCalls++
	return s.geocodeResult, s.geocodeErr
}

func (s *stubRouter) Route(ctx context.Context, origin, dest ors.Coordinates) (ors.Route, error) {
	s.lastDest = dest
	return s.route, s.routeErr
}

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestEvaluator(router *stubRouter) *Evaluator {
	e := NewEvaluator(router, 10*time.Minute, zap.NewNop())
	e.now = func() time.Time { return testNow }
	return e
}

func appointmentAt(t time.Time) *time.Time {
	return &t
}

func TestEvaluateOnTime(t *testing.T) {
	router := &stubRouter{
		geocodeResult: ors.Coordinates{Latitude: 32.7767, Longitude: -96.797},
		route:         ors.Route{Miles: 120, Duration: 2 * time.Hour},
	}
	e := newTestEvaluator(router)

	// ETA 14:00，预约 15:00：准点
	eval, err := e.Evaluate(context.Background(), ors.Coordinates{Latitude: 30, Longitude: -97},
		"Dallas, TX", appointmentAt(testNow.Add(3*time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, StatusOnTime, eval.StatusClass)
	assert.Equal(t, testNow.Add(2*time.Hour), eval.ETA)
	assert.Equal(t, 120.0, eval.Miles)
	assert.Negative(t, eval.MinutesLate)
}

func TestEvaluateAtRiskWithinGrace(t *testing.T) {
	router := &stubRouter{route: ors.Route{Duration: 2 * time.Hour}}
	e := newTestEvaluator(router)

	// ETA 超预约 10 分钟，正好在宽限期边界上
	eval, err := e.Evaluate(context.Background(), ors.Coordinates{},
		"32.7767,-96.7970", appointmentAt(testNow.Add(110*time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, StatusAtRisk, eval.StatusClass)
	assert.Equal(t, 10, eval.MinutesLate)
}

func TestEvaluateLateBeyondGrace(t *testing.T) {
	router := &stubRouter{route: ors.Route{Duration: 2 * time.Hour}}
	e := newTestEvaluator(router)

	eval, err := e.Evaluate(context.Background(), ors.Coordinates{},
		"32.7767,-96.7970", appointmentAt(testNow.Add(109*time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, StatusLate, eval.StatusClass)
	assert.Equal(t, 11, eval.MinutesLate)
}

func TestEvaluateNoAppointmentIsUnknown(t *testing.T) {
	router := &stubRouter{route: ors.Route{Duration: time.Hour}}
	e := newTestEvaluator(router)

	eval, err := e.Evaluate(context.Background(), ors.Coordinates{}, "32.7767,-96.7970", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusUnknown, eval.StatusClass)
	assert.Equal(t, 0, eval.MinutesLate)
}

func TestEvaluateCoordinateDestinationSkipsGeocode(t *testing.T) {
	router := &stubRouter{route: ors.Route{Duration: time.Hour}}
	e := newTestEvaluator(router)

	_, err := e.Evaluate(context.Background(), ors.Coordinates{}, " 32.7767 , -96.7970 ", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, router.geocodeCalls)
	assert.InDelta(t, 32.7767, router.lastDest.Latitude, 1e-9)
	assert.InDelta(t, -96.7970, router.lastDest.Longitude, 1e-9)
}

func TestEvaluateGeocodeFailure(t *testing.T) {
	router := &stubRouter{geocodeErr: errors.New("no results")}
	e := newTestEvaluator(router)

	_, err := e.Evaluate(context.Background(), ors.Coordinates{}, "Nowhere, XX", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRouteUnavailable)
}

func TestEvaluateRouteFailure(t *testing.T) {
	router := &stubRouter{routeErr: errors.New("no route")}
	e := newTestEvaluator(router)

	_, err := e.Evaluate(context.Background(), ors.Coordinates{}, "32.7767,-96.7970", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRouteUnavailable)
}

func TestParseCoordinates(t *testing.T) {
	c, ok := parseCoordinates("32.7767,-96.7970")
	require.True(t, ok)
	assert.InDelta(t, 32.7767, c.Latitude, 1e-9)

	// 超出范围的数字是地址不是坐标
	_, ok = parseCoordinates("1200,500")
	assert.False(t, ok)

	_, ok = parseCoordinates("Dallas, TX")
	assert.False(t, ok)

	_, ok = parseCoordinates("32.7767")
	assert.False(t, ok)
}

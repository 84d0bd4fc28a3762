package ors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("test-key", zap.NewNop())
	c.SetBaseURL(srv.URL)
	return c
}

func TestGeocode(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{
			"features": []map[string]interface{}{
				{"geometry": map[string]interface{}{"coordinates": []float64{-96.797, 32.7767}}},
			},
		})
	})

	coords, err := client.Geocode(context.Background(), "Dallas, TX")
	require.NoError(t, err)

	// 响应是 [lng, lat]
	assert.InDelta(t, 32.7767, coords.Latitude, 1e-9)
	assert.InDelta(t, -96.797, coords.Longitude, 1e-9)
	assert.Contains(t, gotQuery, "boundary.country=US")
	assert.Contains(t, gotQuery, "size=1")
}

func TestGeocodeCachesResults(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"features": []map[string]interface{}{
				{"geometry": map[string]interface{}{"coordinates": []float64{-96.797, 32.7767}}},
			},
		})
	})

	ctx := context.Background()
	_, err := client.Geocode(ctx, "Dallas, TX")
	require.NoError(t, err)

	// 大小写和空白不同的同一地址命中缓存
	_, err = client.Geocode(ctx, "  dallas, tx ")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestGeocodeNoResults(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"features": []interface{}{}})
	})

	_, err := client.Geocode(context.Background(), "Nowhere, XX")
	assert.Error(t, err)
}

func TestGeocodeEmptyAddress(t *testing.T) {
	client := NewClient("test-key", zap.NewNop())
	_, err := client.Geocode(context.Background(), "   ")
	assert.Error(t, err)
}

func TestRouteConvertsMetersToMiles(t *testing.T) {
	var gotBody map[string][][]float64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"routes": []map[string]interface{}{
				{"summary": map[string]float64{"distance": 160934, "duration": 7200}},
			},
		})
	})

	route, err := client.Route(context.Background(),
		Coordinates{Latitude: 30.2672, Longitude: -97.7431},
		Coordinates{Latitude: 32.7767, Longitude: -96.797})
	require.NoError(t, err)

	// 160934 米约等于 100 英里
	assert.InDelta(t, 100.0, route.Miles, 0.1)
	assert.Equal(t, 2*time.Hour, route.Duration)

	// 请求体坐标为 [lng, lat]
	require.Len(t, gotBody["coordinates"], 2)
	assert.InDelta(t, -97.7431, gotBody["coordinates"][0][0], 1e-9)
	assert.InDelta(t, 30.2672, gotBody["coordinates"][0][1], 1e-9)
}

func TestRouteNoRouteFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"routes": []interface{}{}})
	})

	_, err := client.Route(context.Background(), Coordinates{}, Coordinates{})
	assert.Error(t, err)
}

func TestRouteServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Route(context.Background(), Coordinates{}, Coordinates{})
	assert.Error(t, err)
}

func TestIsConfigured(t *testing.T) {
	assert.True(t, NewClient("key", zap.NewNop()).IsConfigured())
	assert.False(t, NewClient("", zap.NewNop()).IsConfigured())
}

package ors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.openrouteservice.org"

// Coordinates 一个经纬度点
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Route 一条路线的距离和时长
type Route struct {
	Miles    float64
	Duration time.Duration
}

// Client OpenRouteService 地理编码/路线客户端
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	// 缓存：地址地理编码结果很稳定，路线结果短期复用
	geoCache   map[string]Coordinates
	geoCacheMu sync.RWMutex
}

// geocodeResponse 地理编码响应
type geocodeResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"` // [lng, lat]
		} `json:"geometry"`
	} `json:"features"`
}

// directionsResponse 路线响应
type directionsResponse struct {
	Routes []struct {
		Summary struct {
			Distance float64 `json:"distance"` // 米
			Duration float64 `json:"duration"` // 秒
		} `json:"summary"`
	} `json:"routes"`
}

// NewClient 创建 ORS 客户端
func NewClient(apiKey string, logger *zap.Logger) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		logger:   logger,
		geoCache: make(map[string]Coordinates),
	}
}

// SetBaseURL 覆盖 API 地址（测试用）
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// Geocode 地址转坐标
func (c *Client) Geocode(ctx context.Context, address string) (Coordinates, error) {
	cleaned := strings.ToLower(strings.TrimSpace(address))
	if cleaned == "" {
		return Coordinates{}, fmt.Errorf("empty address")
	}

	c.geoCacheMu.RLock()
	if coords, ok := c.geoCache[cleaned]; ok {
		c.geoCacheMu.RUnlock()
		return coords, nil
	}
	c.geoCacheMu.RUnlock()

	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("text", cleaned)
	params.Set("boundary.country", "US")
	params.Set("size", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/geocode/search?"+params.Encode(), nil)
	if err != nil {
		return Coordinates{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Coordinates{}, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Coordinates{}, fmt.Errorf("geocode failed: status=%d", resp.StatusCode)
	}

	var result geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Coordinates{}, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Features) == 0 {
		return Coordinates{}, fmt.Errorf("no geocoding results for %q", cleaned)
	}

	raw := result.Features[0].Geometry.Coordinates
	if len(raw) < 2 {
		return Coordinates{}, fmt.Errorf("malformed geocoding result for %q", cleaned)
	}
	coords := Coordinates{Latitude: raw[1], Longitude: raw[0]}

	c.geoCacheMu.Lock()
	c.geoCache[cleaned] = coords
	// 限制缓存大小（简单策略：超过 1000 条清空）
	if len(c.geoCache) > 1000 {
		c.geoCache = make(map[string]Coordinates)
		c.geoCache[cleaned] = coords
	}
	c.geoCacheMu.Unlock()

	c.logger.Debug("Geocoded address",
		zap.String("address", cleaned),
		zap.Float64("lat", coords.Latitude),
		zap.Float64("lng", coords.Longitude))
	return coords, nil
}

// Route 计算驾车路线的距离与时长
func (c *Client) Route(ctx context.Context, origin, dest Coordinates) (Route, error) {
	// ORS 坐标为 [lng, lat]
	payload := map[string]interface{}{
		"coordinates": [][]float64{
			{origin.Longitude, origin.Latitude},
			{dest.Longitude, dest.Latitude},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Route{}, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/directions/driving-car", bytes.NewReader(body))
	if err != nil {
		return Route{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Route{}, fmt.Errorf("route request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("route failed: status=%d", resp.StatusCode)
	}

	var result directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Route{}, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Routes) == 0 {
		return Route{}, fmt.Errorf("no route found")
	}

	summary := result.Routes[0].Summary
	route := Route{
		Miles:    summary.Distance / 1000.0 * 0.621371,
		Duration: time.Duration(summary.Duration * float64(time.Second)),
	}

	c.logger.Debug("Computed route",
		zap.Float64("miles", route.Miles),
		zap.Duration("duration", route.Duration))
	return route, nil
}

// IsConfigured 检查是否已配置 API Key
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/service"
	"github.com/langchou/fleetgazer/internal/session"
	"github.com/langchou/fleetgazer/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	tracker  *service.TrackerService
	wsHub    *ws.Hub
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(logger *zap.Logger, tracker *service.TrackerService, wsHub *ws.Hub) *Handler {
	return &Handler{
		logger:  logger,
		tracker: tracker,
		wsHub:   wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 实时会话
		api.GET("/sessions", h.ListSessions)
		api.POST("/sessions", h.StartSession)
		api.DELETE("/sessions/:conversationId", h.StopSession)

		// 手动触发一轮同步
		api.POST("/refresh/:table", h.RefreshTable)

		// 服务状态
		api.GET("/status", h.GetStatus)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// ListSessions 获取所有会话快照
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.tracker.Sessions().Snapshots()})
}

// startSessionRequest 开始会话的请求体
// vin 和 driver_name 至少给一个；appointment 是 RFC3339 时间，可选
type startSessionRequest struct {
	ConversationID int64  `json:"conversation_id" binding:"required"`
	VIN            string `json:"vin"`
	DriverName     string `json:"driver_name"`
	Destination    string `json:"destination" binding:"required"`
	Appointment    string `json:"appointment"`
}

// StartSession 开始实时跟踪会话
// POST /api/sessions
func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var appointment *time.Time
	if req.Appointment != "" {
		t, err := time.Parse(time.RFC3339, req.Appointment)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid appointment time, expected RFC3339"})
			return
		}
		appointment = &t
	}

	info, err := h.tracker.StartLiveSession(c.Request.Context(),
		req.ConversationID, req.VIN, req.DriverName, req.Destination, appointment)
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to start session", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": info})
}

// StopSession 停止实时跟踪会话
// DELETE /api/sessions/:conversationId
func (h *Handler) StopSession(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("conversationId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	if err := h.tracker.StopLiveSession(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active session for conversation"})
			return
		}
		h.logger.Error("Failed to stop session", zap.Error(err), zap.Int64("conversation_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session stopped", "conversation_id": id})
}

// RefreshTable 手动触发一张表的同步周期
// POST /api/refresh/:table
// 同一张表已有周期在跑时这次调用是空操作
func (h *Handler) RefreshTable(c *gin.Context) {
	name := c.Param("table")

	if err := h.tracker.PollTable(c.Request.Context(), name); err != nil {
		h.logger.Error("Manual refresh failed", zap.Error(err), zap.String("table", name))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Refresh completed", "table": name})
}

// GetStatus 服务状态
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.tracker.HealthSnapshot()})
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
	})
}

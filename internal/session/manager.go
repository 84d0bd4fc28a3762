package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/fleetgazer/internal/eta"
)

// 错误定义
var (
	// ErrCapacityExceeded 活跃会话数已达上限，请求被拒绝而不是排队
	ErrCapacityExceeded = errors.New("session: capacity exceeded")

	// ErrNotFound 对话没有活跃会话
	ErrNotFound = errors.New("session: not found")
)

// Severity 通知级别：状态分类或 "error"
const SeverityError = "error"

// Notification 发给对话的一条通知
type Notification struct {
	ConversationID int64           `json:"conversation_id"`
	Severity       string          `json:"severity"`
	Message        string          `json:"message"`
	Eval           *eta.Evaluation `json:"eval,omitempty"`
}

// NotifyFunc 通知投递回调
type NotifyFunc func(Notification)

// Manager 实时会话管理器
// 持有所有会话状态：全局并发上限、空闲超时清理、同级别通知冷却。
// 会话集合只由管理器修改，调度器只拿只读句柄快照
type Manager struct {
	logger   *zap.Logger
	maxCount int
	timeout  time.Duration
	cooldown time.Duration
	notify   NotifyFunc

	mu           sync.RWMutex
	sessions     map[int64]*Session
	lastNotified map[string]time.Time

	now func() time.Time
}

// NewManager 创建会话管理器
func NewManager(maxCount int, timeout, cooldown time.Duration, notify NotifyFunc, logger *zap.Logger) *Manager {
	if maxCount <= 0 {
		maxCount = 100
	}
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}

	return &Manager{
		logger:       logger,
		maxCount:     maxCount,
		timeout:      timeout,
		cooldown:     cooldown,
		notify:       notify,
		sessions:     make(map[int64]*Session),
		lastNotified: make(map[string]time.Time),
		now:          time.Now,
	}
}

// Start 为对话创建实时会话
// 同一对话已有活跃会话时先停掉旧的再建新的；
// 活跃数达到上限时返回 ErrCapacityExceeded，不做任何修改
func (m *Manager) Start(conversationID int64, vin, driverName, destination string, appointment *time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, hasExisting := m.sessions[conversationID]
	replacing := hasExisting && existing.Active()

	if !replacing && m.activeCountLocked() >= m.maxCount {
		return nil, fmt.Errorf("%w: %d active sessions", ErrCapacityExceeded, m.maxCount)
	}

	if replacing {
		if err := existing.trigger(EventStop); err != nil {
			m.logger.Warn("Failed to stop session being replaced", zap.Error(err))
		}
	}

	s := newSession(conversationID, vin, driverName, destination, appointment, m.now())
	m.sessions[conversationID] = s

	m.logger.Info("Live session started",
		zap.String("session_id", s.ID),
		zap.Int64("conversation_id", conversationID),
		zap.String("vin", vin),
		zap.String("driver", driverName))
	return s, nil
}

// Stop 停止对话的活跃会话
func (m *Manager) Stop(conversationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[conversationID]
	if !ok || !s.Active() {
		return ErrNotFound
	}

	if err := s.trigger(EventStop); err != nil {
		return err
	}

	m.logger.Info("Live session stopped",
		zap.String("session_id", s.ID),
		zap.Int64("conversation_id", conversationID))
	return nil
}

// StopAll 停止所有活跃会话（owner reload）
func (m *Manager) StopAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	stopped := 0
	for _, s := range m.sessions {
		if s.Active() {
			if err := s.trigger(EventStop); err == nil {
				stopped++
			}
		}
	}

	m.logger.Info("All live sessions stopped", zap.Int("count", stopped))
	return stopped
}

// Sweep 超时清理：空闲超过 timeout 的活跃会话转为 expired
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := 0
	for _, s := range m.sessions {
		if !s.Active() {
			continue
		}
		if now.Sub(s.LastRefreshAt()) > m.timeout {
			if err := s.trigger(EventExpire); err != nil {
				continue
			}
			expired++
			m.logger.Info("Live session expired",
				zap.String("session_id", s.ID),
				zap.Int64("conversation_id", s.ConversationID))
		}
	}

	// 终态会话保留到下一次清理再移除，给在途的刷新 tick 观察终态的机会
	for id, s := range m.sessions {
		if !s.Active() && now.Sub(s.LastRefreshAt()) > 2*m.timeout {
			delete(m.sessions, id)
		}
	}

	return expired
}

// Get 取对话的会话
func (m *Manager) Get(conversationID int64) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[conversationID]
	return s, ok
}

// ActiveHandles 活跃会话的对话 ID 快照
// 调度器用这份不可变列表驱动刷新 tick，不直接持有会话
func (m *Manager) ActiveHandles() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	handles := make([]int64, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.Active() {
			handles = append(handles, id)
		}
	}
	return handles
}

// ActiveCount 活跃会话数
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCountLocked()
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, s := range m.sessions {
		if s.Active() {
			count++
		}
	}
	return count
}

// Snapshots 所有会话的快照
func (m *Manager) Snapshots() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// RecordRefresh 记录一次刷新结果并决定是否通知
// 状态分类发生实质变化或刷新出错时发通知；
// 同一对话同一级别在冷却窗口内的重复通知被抑制，避免边界抖动刷屏
func (m *Manager) RecordRefresh(conversationID int64, eval *eta.Evaluation, refreshErr error) {
	m.mu.RLock()
	s, ok := m.sessions[conversationID]
	m.mu.RUnlock()
	if !ok || !s.Active() {
		return
	}

	prev := s.recordRefresh(eval, m.now())

	if refreshErr != nil {
		m.deliver(Notification{
			ConversationID: conversationID,
			Severity:       SeverityError,
			Message:        "location temporarily unavailable, will retry at the next cycle",
		})
		return
	}
	if eval == nil {
		return
	}

	// 首次评估不通知（用户刚拿到起始 ETA），之后只在分类变化时通知
	if prev == "" || eval.StatusClass == prev || eval.StatusClass == eta.StatusUnknown {
		return
	}

	m.deliver(Notification{
		ConversationID: conversationID,
		Severity:       string(eval.StatusClass),
		Message:        statusMessage(eval),
		Eval:           eval,
	})
}

// deliver 按冷却窗口投递通知
func (m *Manager) deliver(n Notification) {
	key := fmt.Sprintf("%d:%s", n.ConversationID, n.Severity)

	m.mu.Lock()
	last, seen := m.lastNotified[key]
	now := m.now()
	if seen && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("Notification suppressed by cooldown",
			zap.Int64("conversation_id", n.ConversationID),
			zap.String("severity", n.Severity))
		return
	}
	m.lastNotified[key] = now
	m.mu.Unlock()

	if m.notify != nil {
		m.notify(n)
	}

	m.logger.Info("Notification delivered",
		zap.Int64("conversation_id", n.ConversationID),
		zap.String("severity", n.Severity))
}

// statusMessage 状态分类对应的用户可读消息
func statusMessage(eval *eta.Evaluation) string {
	switch eval.StatusClass {
	case eta.StatusOnTime:
		return "back on schedule"
	case eta.StatusAtRisk:
		return fmt.Sprintf("at risk: ETA is %d minutes past the appointment", eval.MinutesLate)
	case eta.StatusLate:
		return fmt.Sprintf("running late: ETA is %d minutes past the appointment", eval.MinutesLate)
	default:
		return "status updated"
	}
}

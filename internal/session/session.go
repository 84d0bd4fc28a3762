package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/langchou/fleetgazer/internal/eta"
)

// 会话状态常量
const (
	StateActive  = "active"
	StateStopped = "stopped"
	StateExpired = "expired"
)

// 事件常量
const (
	EventStop   = "stop"
	EventExpire = "expire"
)

// Session 一个会话（对话）的实时跟踪订阅
// stopped / expired 是终态，不可复用；同一对话的新请求会创建全新会话
type Session struct {
	ID             string
	ConversationID int64
	VIN            string
	DriverName     string
	Destination    string
	Appointment    *time.Time
	CreatedAt      time.Time

	mu            sync.RWMutex
	fsm           *fsm.FSM
	lastRefreshAt time.Time
	lastStatus    eta.StatusClass
	lastEval      *eta.Evaluation
}

// newSession 创建会话，初始状态 active
func newSession(conversationID int64, vin, driverName, destination string, appointment *time.Time, now time.Time) *Session {
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		VIN:            vin,
		DriverName:     driverName,
		Destination:    destination,
		Appointment:    appointment,
		CreatedAt:      now,
		lastRefreshAt:  now,
	}

	s.fsm = fsm.NewFSM(
		StateActive,
		fsm.Events{
			{Name: EventStop, Src: []string{StateActive}, Dst: StateStopped},
			{Name: EventExpire, Src: []string{StateActive}, Dst: StateExpired},
		},
		fsm.Callbacks{},
	)

	return s
}

// State 当前状态
func (s *Session) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fsm.Current()
}

// Active 是否活跃
func (s *Session) Active() bool {
	return s.State() == StateActive
}

// trigger 触发状态事件
func (s *Session) trigger(event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("session %s event %s: %w", s.ID, event, err)
	}
	return nil
}

// LastRefreshAt 上次刷新时间
func (s *Session) LastRefreshAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefreshAt
}

// LastStatus 上次评估的状态分类
func (s *Session) LastStatus() eta.StatusClass {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStatus
}

// recordRefresh 记录一次刷新结果，返回上一次的状态分类
func (s *Session) recordRefresh(eval *eta.Evaluation, now time.Time) eta.StatusClass {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lastStatus
	s.lastRefreshAt = now
	if eval != nil {
		s.lastStatus = eval.StatusClass
		s.lastEval = eval
	}
	return prev
}

// Info 会话的对外快照
type Info struct {
	ID             string          `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	VIN            string          `json:"vin,omitempty"`
	DriverName     string          `json:"driver_name,omitempty"`
	Destination    string          `json:"destination"`
	Appointment    *time.Time      `json:"appointment,omitempty"`
	State          string          `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	LastRefreshAt  time.Time       `json:"last_refresh_at"`
	LastEval       *eta.Evaluation `json:"last_eval,omitempty"`
}

// Snapshot 取会话快照
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Info{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		VIN:            s.VIN,
		DriverName:     s.DriverName,
		Destination:    s.Destination,
		Appointment:    s.Appointment,
		State:          s.fsm.Current(),
		CreatedAt:      s.CreatedAt,
		LastRefreshAt:  s.lastRefreshAt,
		LastEval:       s.lastEval,
	}
}

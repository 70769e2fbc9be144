package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull 输入队列已满，本条输入被丢弃
	ErrQueueFull = errors.New("input queue full")
	// ErrSessionClosed 会话已停止，不再接收输入
	ErrSessionClosed = errors.New("session closed")
)

// Phase Tick 协程所处阶段
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDraining
	PhaseSimulating
	PhasePublishing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDraining:
		return "draining"
	case PhaseSimulating:
		return "simulating"
	case PhasePublishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// attach 连接接入时由连接处理器入队的内部生命周期消息，
// 与该连接后续的输入走同一条有序队列，保证先注册后处理。
type attach struct {
	reply chan<- PlayerID
}

func (attach) Type() string     { return "attach" }
func (attach) isClientPayload() {}

// ConnEntry 诊断用的注册表条目
type ConnEntry struct {
	Conn   ConnID   `json:"conn"`
	Player PlayerID `json:"player"`
}

// SessionInfo 某一时刻会话状态的只读副本
type SessionInfo struct {
	Tick        uint64      `json:"tick"`
	Phase       string      `json:"phase"`
	Players     int         `json:"players"`
	Registered  int         `json:"registered"`
	Subscribers int         `json:"subscribers"`
	Connections []ConnEntry `json:"connections"`
}

type inspectRequest struct {
	reply chan SessionInfo
}

// Session 唯一的权威会话：世界与注册表只在 Tick 协程中读写
type Session struct {
	cfg     Config
	log     *zap.SugaredLogger
	metrics *SessionMetrics

	world  *World
	engine *Engine
	fanout *Broadcaster

	inbox   chan ClientMessage
	control chan inspectRequest
	done    chan struct{}
	once    sync.Once

	tick    atomic.Uint64
	phase   atomic.Int32
	running atomic.Bool
}

// NewSession 创建会话，初始化队列与广播
func NewSession(cfg Config, log *zap.SugaredLogger, metrics *SessionMetrics) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = &SessionMetrics{}
	}
	return &Session{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		world:   NewWorld(),
		engine:  NewEngine(NewRegistry(), cfg.RemoveOnDisconnect, log, metrics),
		fanout:  NewBroadcaster(cfg.BroadcastBuffer),
		inbox:   make(chan ClientMessage, cfg.InputQueueSize),
		control: make(chan inspectRequest, cfg.InspectQueueSize),
		done:    make(chan struct{}),
	}
}

func (s *Session) Config() Config           { return s.cfg }
func (s *Session) Metrics() *SessionMetrics { return s.metrics }
func (s *Session) Tick() uint64             { return s.tick.Load() }
func (s *Session) Phase() Phase             { return Phase(s.phase.Load()) }
func (s *Session) Subscribe() *Subscription { return s.fanout.Subscribe() }
func (s *Session) Done() <-chan struct{}    { return s.done }
func (s *Session) setPhase(p Phase)         { s.phase.Store(int32(p)) }

// Enqueue 非阻塞入队：队列满返回 ErrQueueFull（丢弃最新输入），会话关闭返回 ErrSessionClosed
func (s *Session) Enqueue(msg ClientMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- msg:
		s.metrics.IncAccepted()
		return nil
	default:
		s.metrics.IncQueueFull()
		return ErrQueueFull
	}
}

// EnqueueWait 阻塞入队，只用于接入与断开这类低频的生命周期消息
func (s *Session) EnqueueWait(ctx context.Context, msg ClientMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach 为新连接排队注册请求。reply 可为 nil；非 nil 时需带缓冲，
// 注册完成后收到分配的 PlayerID。
func (s *Session) Attach(ctx context.Context, conn ConnID, reply chan<- PlayerID) error {
	return s.EnqueueWait(ctx, ClientMessage{Payload: attach{reply: reply}, Origin: conn})
}

// Inspect 请求 Tick 协程在下一个 Tick 返回当前状态副本
func (s *Session) Inspect(ctx context.Context) (SessionInfo, error) {
	req := inspectRequest{reply: make(chan SessionInfo, 1)}
	select {
	case s.control <- req:
	case <-s.done:
		return SessionInfo{}, ErrSessionClosed
	case <-ctx.Done():
		return SessionInfo{}, ctx.Err()
	}
	select {
	case info := <-req.reply:
		return info, nil
	case <-s.done:
		return SessionInfo{}, ErrSessionClosed
	case <-ctx.Done():
		return SessionInfo{}, ctx.Err()
	}
}

// Close 停止接收输入并唤醒所有订阅者，可重复调用
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.fanout.Close()
	})
}

// drain 非阻塞地取出截至此刻已在队列中的消息；之后到达的留给下一个 Tick
func (s *Session) drain() []ClientMessage {
	n := len(s.inbox)
	if n == 0 {
		return nil
	}
	batch := make([]ClientMessage, 0, n)
	for i := 0; i < n; i++ {
		select {
		case msg := <-s.inbox:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (s *Session) serveInspect() {
	for {
		select {
		case req := <-s.control:
			req.reply <- s.info()
		default:
			return
		}
	}
}

func (s *Session) info() SessionInfo {
	reg := s.engine.Registry()
	info := SessionInfo{
		Tick:        s.Tick(),
		Phase:       s.Phase().String(),
		Players:     s.world.Len(),
		Registered:  reg.Count(),
		Subscribers: s.fanout.SubscriberCount(),
		Connections: make([]ConnEntry, 0, reg.Count()),
	}
	reg.Each(func(c ConnID, id PlayerID) bool {
		info.Connections = append(info.Connections, ConnEntry{Conn: c, Player: id})
		return true
	})
	return info
}

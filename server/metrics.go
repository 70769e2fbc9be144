package server

import (
	"sync/atomic"
)

// SessionMetrics 记录会话运行期的关键指标（用于监控与调试）
type SessionMetrics struct {
	TickCount          int64 // 已执行的 Tick 次数
	InputsAccepted     int64 // 成功入队的输入数
	QueueFullDropped   int64 // 因输入队列满被丢弃的输入数
	DecodeErrors       int64 // 解码失败的帧数
	UnresolvedDropped  int64 // 来源连接已注销而被丢弃的消息数
	SnapshotsPublished int64 // 已发布的快照数
	PublishSkipped     int64 // 因无订阅者或无玩家而跳过发布的 Tick 数
	SubscriberLagged   int64 // 订阅者落后导致跳帧的次数
	ConnectionsOpened  int64
	ConnectionsClosed  int64
	TotalTickNs        int64 // Tick 累计耗时（纳秒）
}

func (m *SessionMetrics) IncAccepted()       { atomic.AddInt64(&m.InputsAccepted, 1) }
func (m *SessionMetrics) IncQueueFull()      { atomic.AddInt64(&m.QueueFullDropped, 1) }
func (m *SessionMetrics) IncDecodeError()    { atomic.AddInt64(&m.DecodeErrors, 1) }
func (m *SessionMetrics) IncUnresolved()     { atomic.AddInt64(&m.UnresolvedDropped, 1) }
func (m *SessionMetrics) IncPublished()      { atomic.AddInt64(&m.SnapshotsPublished, 1) }
func (m *SessionMetrics) IncPublishSkipped() { atomic.AddInt64(&m.PublishSkipped, 1) }
func (m *SessionMetrics) IncLagged()         { atomic.AddInt64(&m.SubscriberLagged, 1) }
func (m *SessionMetrics) IncConnOpened()     { atomic.AddInt64(&m.ConnectionsOpened, 1) }
func (m *SessionMetrics) IncConnClosed()     { atomic.AddInt64(&m.ConnectionsClosed, 1) }
func (m *SessionMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *SessionMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":          tick,
		"inputs_accepted":     atomic.LoadInt64(&m.InputsAccepted),
		"queue_full_dropped":  atomic.LoadInt64(&m.QueueFullDropped),
		"decode_errors":       atomic.LoadInt64(&m.DecodeErrors),
		"unresolved_dropped":  atomic.LoadInt64(&m.UnresolvedDropped),
		"snapshots_published": atomic.LoadInt64(&m.SnapshotsPublished),
		"publish_skipped":     atomic.LoadInt64(&m.PublishSkipped),
		"subscriber_lagged":   atomic.LoadInt64(&m.SubscriberLagged),
		"connections_opened":  atomic.LoadInt64(&m.ConnectionsOpened),
		"connections_closed":  atomic.LoadInt64(&m.ConnectionsClosed),
		"avg_tick_ms":         avgMs,
	}
}

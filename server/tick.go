package server

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Run 启动会话的 Tick 循环（单协程推进世界），直到 ctx 取消
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer s.Close()

	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()
	s.log.Infow("session started", "tick_rate", s.cfg.TickRate, "input_queue", s.cfg.InputQueueSize)
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("session stopped", "tick", s.Tick())
			return ctx.Err()
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step 执行一个 Tick：取输入 → 推进世界 → 发布快照。
// 只能由单个协程调用（Run 或测试）。返回本 Tick 发布的消息，跳过发布时为 nil。
func (s *Session) Step() *ServerMessage {
	start := time.Now()
	tick := s.tick.Add(1)

	s.setPhase(PhaseDraining)
	batch := s.drain()

	s.setPhase(PhaseSimulating)
	s.engine.ProcessTick(s.world, batch)

	s.setPhase(PhasePublishing)
	msg := s.publish(tick)

	s.setPhase(PhaseIdle)
	s.serveInspect()
	if s.cfg.TickRate > 0 && tick%uint64(s.cfg.TickRate) == 0 {
		s.logStatus(tick)
	}
	s.metrics.AddTick(time.Since(start).Nanoseconds())
	return msg
}

// publish 仅在有订阅者且有已注册玩家时发布；否则直接跳过，不排队
func (s *Session) publish(tick uint64) *ServerMessage {
	if s.fanout.SubscriberCount() == 0 || s.engine.Registry().Count() == 0 {
		s.metrics.IncPublishSkipped()
		return nil
	}
	msg := NewServerMessage(tick, s.world.Snapshot())
	s.fanout.Publish(msg)
	s.metrics.IncPublished()
	return msg
}

// logStatus 每秒输出一次在线连接
func (s *Session) logStatus(tick uint64) {
	reg := s.engine.Registry()
	elapsed := tick / uint64(s.cfg.TickRate)
	if reg.Count() == 0 {
		s.log.Infow("server status: no players connected", "tick", tick, "elapsed_s", elapsed)
		return
	}
	connected := make([]string, 0, reg.Count())
	reg.Each(func(c ConnID, id PlayerID) bool {
		connected = append(connected, fmt.Sprintf("%s=%s", id, c))
		return true
	})
	s.log.Infow("server status", "tick", tick, "elapsed_s", elapsed, "players", s.world.Len(), "connected", connected)
}

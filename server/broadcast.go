package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBroadcastClosed 广播已关闭且订阅者已读完剩余快照
var ErrBroadcastClosed = errors.New("broadcast closed")

// LagError 订阅者落后超过环形缓冲容量，中间的快照已被覆盖
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d snapshots skipped", e.Skipped)
}

// Broadcaster 一对多广播：单发布者，多订阅者，固定容量的历史环
// 新订阅者只能收到订阅之后发布的快照。
type Broadcaster struct {
	mu     sync.Mutex
	ring   []*ServerMessage
	head   uint64        // 已发布总数，下一条写入 ring[head%cap]
	notify chan struct{} // 每次发布时关闭并替换，唤醒等待的订阅者
	subs   int
	closed bool
}

func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broadcaster{
		ring:   make([]*ServerMessage, capacity),
		notify: make(chan struct{}),
	}
}

// Publish 写入一条快照，不会阻塞；返回发布时的订阅者数
func (b *Broadcaster) Publish(m *ServerMessage) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.ring[b.head%uint64(len(b.ring))] = m
	b.head++
	close(b.notify)
	b.notify = make(chan struct{})
	return b.subs
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Subscribe 从当前位置开始订阅
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.subs++
	}
	return &Subscription{b: b, next: b.head}
}

// Close 唤醒所有订阅者并使其返回 ErrBroadcastClosed
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Subscription 单个订阅者的读游标，不可并发使用
type Subscription struct {
	b    *Broadcaster
	next uint64
	done bool
}

// Recv 阻塞等待下一条快照。落后时返回 *LagError 并把游标跳到最旧的保留快照，
// 调用方可继续 Recv。ctx 已取消时即使有缓冲快照也直接返回 ctx.Err()。
func (s *Subscription) Recv(ctx context.Context) (*ServerMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := s.b
		b.mu.Lock()
		if s.done {
			b.mu.Unlock()
			return nil, ErrBroadcastClosed
		}
		if s.next < b.head {
			capacity := uint64(len(b.ring))
			if oldest := b.head - min(b.head, capacity); s.next < oldest {
				skipped := oldest - s.next
				s.next = oldest
				b.mu.Unlock()
				return nil, &LagError{Skipped: skipped}
			}
			m := b.ring[s.next%capacity]
			s.next++
			b.mu.Unlock()
			return m, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBroadcastClosed
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if !b.closed {
		b.subs--
	}
}

package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func recvWithin(t *testing.T, sub *Subscription, d time.Duration) (*ServerMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Recv(ctx)
}

func TestBroadcastDeliversInTickOrder(t *testing.T) {
	b := NewBroadcaster(8)
	sub := b.Subscribe()
	defer sub.Close()

	for tick := uint64(1); tick <= 5; tick++ {
		if n := b.Publish(NewServerMessage(tick, GameState{})); n != 1 {
			t.Fatalf("expected 1 subscriber, got %d", n)
		}
	}
	for want := uint64(1); want <= 5; want++ {
		m, err := recvWithin(t, sub, time.Second)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if m.Tick != want {
			t.Fatalf("got tick %d, want %d", m.Tick, want)
		}
	}
}

func TestBroadcastLateSubscriberSeesNoHistory(t *testing.T) {
	b := NewBroadcaster(8)
	b.Publish(NewServerMessage(1, GameState{}))

	sub := b.Subscribe()
	defer sub.Close()
	if _, err := recvWithin(t, sub, 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no past snapshot, got %v", err)
	}

	b.Publish(NewServerMessage(2, GameState{}))
	m, err := recvWithin(t, sub, time.Second)
	if err != nil || m.Tick != 2 {
		t.Fatalf("expected tick 2, got %v %v", m, err)
	}
}

func TestBroadcastLaggingSubscriberObservesGap(t *testing.T) {
	b := NewBroadcaster(2)
	sub := b.Subscribe()
	defer sub.Close()

	for tick := uint64(1); tick <= 5; tick++ {
		b.Publish(NewServerMessage(tick, GameState{}))
	}

	_, err := recvWithin(t, sub, time.Second)
	var lag *LagError
	if !errors.As(err, &lag) {
		t.Fatalf("expected *LagError, got %v", err)
	}
	if lag.Skipped != 3 {
		t.Fatalf("expected 3 skipped, got %d", lag.Skipped)
	}
	for _, want := range []uint64{4, 5} {
		m, err := recvWithin(t, sub, time.Second)
		if err != nil {
			t.Fatalf("recv after lag: %v", err)
		}
		if m.Tick != want {
			t.Fatalf("got tick %d, want %d", m.Tick, want)
		}
	}
}

func TestBroadcastWakesWaitingSubscribers(t *testing.T) {
	b := NewBroadcaster(4)
	const n = 5
	subs := make([]*Subscription, n)
	for i := range subs {
		subs[i] = b.Subscribe()
	}

	var wg sync.WaitGroup
	got := make([]uint64, n)
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			defer sub.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			m, err := sub.Recv(ctx)
			if err == nil {
				got[i] = m.Tick
			}
		}(i, sub)
	}

	time.Sleep(10 * time.Millisecond)
	msg := NewServerMessage(9, GameState{})
	b.Publish(msg)
	wg.Wait()

	for i, tick := range got {
		if tick != 9 {
			t.Fatalf("subscriber %d got tick %d", i, tick)
		}
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected all subscriptions released, got %d", b.SubscriberCount())
	}
}

func TestBroadcastCloseAndCancel(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sub.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	b.Publish(NewServerMessage(1, GameState{}))
	b.Close()
	// 关闭前已发布的快照仍可读出
	if m, err := recvWithin(t, sub, time.Second); err != nil || m.Tick != 1 {
		t.Fatalf("expected buffered tick 1, got %v %v", m, err)
	}
	if _, err := recvWithin(t, sub, time.Second); !errors.Is(err, ErrBroadcastClosed) {
		t.Fatalf("expected ErrBroadcastClosed, got %v", err)
	}
	if n := b.Publish(NewServerMessage(2, GameState{})); n != 0 {
		t.Fatalf("publish after close reached %d subscribers", n)
	}

	sub.Close()
	sub.Close()
	if _, err := recvWithin(t, sub, time.Second); !errors.Is(err, ErrBroadcastClosed) {
		t.Fatalf("expected closed subscription, got %v", err)
	}
}

func TestBroadcastCancelledRecvSkipsBufferedSnapshot(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe()
	defer sub.Close()
	b.Publish(NewServerMessage(1, GameState{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if m, err := sub.Recv(ctx); !errors.Is(err, context.Canceled) || m != nil {
		t.Fatalf("expected context.Canceled before buffered snapshot, got %v %v", m, err)
	}
	// 游标未前进，换一个有效 ctx 仍能读到
	if m, err := recvWithin(t, sub, time.Second); err != nil || m.Tick != 1 {
		t.Fatalf("expected buffered tick 1, got %v %v", m, err)
	}
}

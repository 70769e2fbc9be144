package server

import (
	"fmt"
	"math/rand"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, removeOnDisconnect bool) (*Engine, *World, *SessionMetrics) {
	t.Helper()
	metrics := &SessionMetrics{}
	return NewEngine(NewRegistry(), removeOnDisconnect, zaptest.NewLogger(t).Sugar(), metrics), NewWorld(), metrics
}

func msg(conn ConnID, p ClientPayload) ClientMessage {
	return ClientMessage{Payload: p, Origin: conn}
}

func TestProcessTickConnectThenMoveSameBatch(t *testing.T) {
	e, w, _ := newTestEngine(t, false)
	e.ProcessTick(w, []ClientMessage{msg("A", attach{})})

	e.ProcessTick(w, []ClientMessage{
		msg("A", Connect{PlayerName: "Alice"}),
		msg("A", SendPosition{X: 1, Y: 2}),
	})

	id, ok := e.Registry().Lookup("A")
	if !ok {
		t.Fatalf("expected A registered")
	}
	if w.Len() != 1 {
		t.Fatalf("expected one player, got %d", w.Len())
	}
	p, _ := w.Player(id)
	if p.Position != (Position{X: 1, Y: 2}) {
		t.Fatalf("expected (1,2), got %+v", p.Position)
	}
}

func TestProcessTickMoveWithoutConnectDropped(t *testing.T) {
	e, w, _ := newTestEngine(t, false)
	e.ProcessTick(w, []ClientMessage{
		msg("B", attach{}),
		msg("B", SendPosition{X: 5, Y: 5}),
	})
	if w.Len() != 0 {
		t.Fatalf("expected world unchanged, got %d players", w.Len())
	}
}

func TestProcessTickUnresolvableDoesNotAbortBatch(t *testing.T) {
	e, w, metrics := newTestEngine(t, false)
	e.ProcessTick(w, []ClientMessage{msg("A", attach{})})

	e.ProcessTick(w, []ClientMessage{
		msg("ghost", Connect{PlayerName: "nobody"}),
		msg("ghost", SendPosition{X: 1, Y: 1}),
		{Origin: "A"},
		msg("A", Connect{PlayerName: "Alice"}),
		msg("A", SendPosition{X: 3, Y: 4}),
		msg("A", SendPosition{X: 6, Y: 7}),
	})

	id, _ := e.Registry().Lookup("A")
	p, ok := w.Player(id)
	if !ok || w.Len() != 1 {
		t.Fatalf("expected only A in world, got %d players", w.Len())
	}
	if p.Position != (Position{X: 6, Y: 7}) {
		t.Fatalf("expected last write to win, got %+v", p.Position)
	}
	if metrics.UnresolvedDropped != 2 {
		t.Fatalf("expected 2 unresolved drops, got %d", metrics.UnresolvedDropped)
	}
}

func TestProcessTickDisconnectKeepsWorldEntry(t *testing.T) {
	e, w, _ := newTestEngine(t, false)
	e.ProcessTick(w, []ClientMessage{msg("A", attach{})})
	id, _ := e.Registry().Lookup("A")

	e.ProcessTick(w, []ClientMessage{
		msg("A", Connect{PlayerName: "Alice"}),
		msg("A", SendPosition{X: 2, Y: 3}),
		msg("A", Disconnect{}),
		msg("A", SendPosition{X: 9, Y: 9}),
	})

	if e.Registry().Count() != 0 {
		t.Fatalf("expected registry empty after disconnect")
	}
	p, ok := w.Player(id)
	if !ok {
		t.Fatalf("expected disconnected player to remain in world")
	}
	if p.Position != (Position{X: 2, Y: 3}) {
		t.Fatalf("expected move after disconnect dropped, got %+v", p.Position)
	}
}

func TestProcessTickDisconnectRemovesWorldEntryWhenConfigured(t *testing.T) {
	e, w, _ := newTestEngine(t, true)
	e.ProcessTick(w, []ClientMessage{msg("A", attach{}), msg("A", Connect{})})
	if w.Len() != 1 {
		t.Fatalf("expected one player")
	}
	e.ProcessTick(w, []ClientMessage{msg("A", Disconnect{})})
	if w.Len() != 0 {
		t.Fatalf("expected player removed, got %d", w.Len())
	}
}

func TestProcessTickAttachReply(t *testing.T) {
	e, w, _ := newTestEngine(t, false)
	reply := make(chan PlayerID, 1)
	e.ProcessTick(w, []ClientMessage{msg("A", attach{reply: reply})})
	got := <-reply
	if id, _ := e.Registry().Lookup("A"); id != got {
		t.Fatalf("reply %s does not match registry %s", got, id)
	}
	if w.Len() != 0 {
		t.Fatalf("attach must not create a world entry")
	}
}

// 随机消息序列下：世界中恰好是最近一条可解析生命周期消息为 Connect 的玩家，
// 且从不出现未注册过的 id
func TestProcessTickWorldMatchesLifecycleModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	conns := []ConnID{"a", "b", "c", "d", "e"}

	for _, remove := range []bool{false, true} {
		t.Run(fmt.Sprintf("remove=%v", remove), func(t *testing.T) {
			e, w, _ := newTestEngine(t, remove)
			everRegistered := map[PlayerID]bool{}
			expected := map[PlayerID]bool{}
			live := map[ConnID]bool{}

			for tick := 0; tick < 200; tick++ {
				var batch []ClientMessage
				replies := map[int]chan PlayerID{}
				for i := rng.Intn(6); i > 0; i-- {
					c := conns[rng.Intn(len(conns))]
					var p ClientPayload
					switch rng.Intn(4) {
					case 0:
						if !live[c] {
							ch := make(chan PlayerID, 1)
							replies[len(batch)] = ch
							p = attach{reply: ch}
							live[c] = true
						} else {
							p = Connect{PlayerName: string(c)}
						}
					case 1:
						p = Connect{PlayerName: string(c)}
					case 2:
						p = Disconnect{}
						live[c] = false
					default:
						p = SendPosition{X: rng.Float32(), Y: rng.Float32()}
					}
					batch = append(batch, msg(c, p))
				}

				// 期望模型：以处理前的注册表为起点按顺序重放
				reg := map[ConnID]PlayerID{}
				e.Registry().Each(func(c ConnID, id PlayerID) bool {
					reg[c] = id
					return true
				})
				e.ProcessTick(w, batch)
				for i, m := range batch {
					if ch, ok := replies[i]; ok {
						id := <-ch
						reg[m.Origin] = id
						everRegistered[id] = true
						continue
					}
					id, ok := reg[m.Origin]
					if !ok {
						continue
					}
					switch m.Payload.(type) {
					case Connect:
						expected[id] = true
					case Disconnect:
						delete(reg, m.Origin)
						if remove {
							delete(expected, id)
						}
					}
				}

				snap := w.Snapshot()
				if len(snap.Players) != len(expected) {
					t.Fatalf("tick %d: world has %d players, model %d", tick, len(snap.Players), len(expected))
				}
				for id := range snap.Players {
					if !expected[id] {
						t.Fatalf("tick %d: unexpected player %s", tick, id)
					}
					if !everRegistered[id] {
						t.Fatalf("tick %d: player %s was never registered", tick, id)
					}
				}
			}
		})
	}
}

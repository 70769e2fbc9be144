package server

import "github.com/google/uuid"

// PlayerID 玩家逻辑标识，在连接接入时生成，与传输层地址无关
type PlayerID = uuid.UUID

// Position 二维坐标
type Position struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Player 世界中的玩家实体（服务端权威状态）
type Player struct {
	ID       PlayerID `json:"id"`
	Position Position `json:"position"`
}

// GameState 世界快照，可安全地跨协程只读共享
type GameState struct {
	Players map[PlayerID]Player `json:"players"`
}

// World 权威世界模型。只由 Tick 协程写入，不加锁。
type World struct {
	players map[PlayerID]*Player
}

func NewWorld() *World {
	return &World{players: make(map[PlayerID]*Player)}
}

// AddPlayer 插入或重置玩家：已存在时位置回到原点
func (w *World) AddPlayer(id PlayerID) {
	w.players[id] = &Player{ID: id}
}

// RemovePlayer 移除玩家，不存在时无操作
func (w *World) RemovePlayer(id PlayerID) {
	delete(w.players, id)
}

// MovePlayer 直接覆盖位置；未知玩家的移动被静默丢弃
func (w *World) MovePlayer(id PlayerID, pos Position) {
	if p, ok := w.players[id]; ok {
		p.Position = pos
	}
}

func (w *World) Player(id PlayerID) (Player, bool) {
	p, ok := w.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

func (w *World) Len() int { return len(w.players) }

// Snapshot 深拷贝当前世界，供广播序列化使用（与下一 Tick 的修改互不影响）
func (w *World) Snapshot() GameState {
	players := make(map[PlayerID]Player, len(w.players))
	for id, p := range w.players {
		players[id] = *p
	}
	return GameState{Players: players}
}

package server

import "github.com/google/uuid"

// ConnID 传输层连接标识（远端地址 + 接入序号），仅作查找键
type ConnID string

// Registry 连接 → 玩家 的映射。归 Tick 协程独占，不是并发安全的。
type Registry struct {
	byConn map[ConnID]PlayerID
}

func NewRegistry() *Registry {
	return &Registry{byConn: make(map[ConnID]PlayerID)}
}

// Register 为连接分配全新的 PlayerID（UUIDv4，不会复用）
func (r *Registry) Register(conn ConnID) PlayerID {
	id := uuid.New()
	r.byConn[conn] = id
	return id
}

// Unregister 幂等：不存在的连接直接忽略
func (r *Registry) Unregister(conn ConnID) {
	delete(r.byConn, conn)
}

func (r *Registry) Lookup(conn ConnID) (PlayerID, bool) {
	id, ok := r.byConn[conn]
	return id, ok
}

func (r *Registry) Count() int { return len(r.byConn) }

// Each 遍历所有条目（无顺序保证），fn 返回 false 时提前结束
func (r *Registry) Each(fn func(conn ConnID, id PlayerID) bool) {
	for c, id := range r.byConn {
		if !fn(c, id) {
			return
		}
	}
}

package server

import "go.uber.org/zap"

// Engine 纯状态转移：把一个 Tick 内收集到的输入按到达顺序应用到世界
type Engine struct {
	registry *Registry
	log      *zap.SugaredLogger
	metrics  *SessionMetrics

	// removeOnDisconnect 为 false 时保留断开玩家在世界中的最后位置
	removeOnDisconnect bool
}

func NewEngine(registry *Registry, removeOnDisconnect bool, log *zap.SugaredLogger, metrics *SessionMetrics) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{registry: registry, log: log, metrics: metrics, removeOnDisconnect: removeOnDisconnect}
}

func (e *Engine) Registry() *Registry { return e.registry }

// ProcessTick 处理一批输入。无法解析来源的消息被丢弃，不影响同批其余消息。
func (e *Engine) ProcessTick(world *World, batch []ClientMessage) {
	for _, msg := range batch {
		if msg.Payload == nil {
			continue
		}
		if a, ok := msg.Payload.(attach); ok {
			id := e.registry.Register(msg.Origin)
			e.log.Debugw("connection registered", "conn", msg.Origin, "player", id)
			if a.reply != nil {
				select {
				case a.reply <- id:
				default:
				}
			}
			continue
		}
		id, ok := e.registry.Lookup(msg.Origin)
		if !ok {
			// 连接已拆除，属于预期竞态
			e.log.Debugw("dropping message from unregistered connection", "conn", msg.Origin, "type", msg.Payload.Type())
			if e.metrics != nil {
				e.metrics.IncUnresolved()
			}
			continue
		}

		switch p := msg.Payload.(type) {
		case Connect:
			e.log.Infow("player connected", "player", id, "conn", msg.Origin, "name", p.PlayerName)
			world.AddPlayer(id)
		case SendPosition:
			world.MovePlayer(id, Position{X: p.X, Y: p.Y})
		case Disconnect:
			e.log.Infow("player disconnected", "player", id, "conn", msg.Origin)
			e.registry.Unregister(msg.Origin)
			if e.removeOnDisconnect {
				world.RemovePlayer(id)
			}
		}
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxLoggedPayload 解码失败时日志中保留的原始内容长度
const maxLoggedPayload = 256

// Handler 连接处理器：每个连接一个读协程、一个写协程和一个保活协程
type Handler struct {
	session  *Session
	codec    Codec
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
	seq      atomic.Uint64
	active   sync.WaitGroup // 已劫持、尚未结束的 WebSocket 连接
}

func NewHandler(session *Session, codec Codec, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		session: session,
		codec:   codec,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 允许所有来源；鉴权不在本服务范围内
				return true
			},
		},
	}
}

// ServeHTTP WebSocket 接入：GET /ws
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.active.Add(1)
	defer h.active.Done()
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket handshake failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	t := newWSTransport(ws, h.session.Config())
	// 劫持后的连接不受请求上下文管理，生命周期由读写协程决定
	if err := h.Serve(context.Background(), t); err != nil {
		h.log.Debugw("connection finished with error", "remote", r.RemoteAddr, "err", err)
	}
}

// Wait 等待所有经 ServeHTTP 接入的连接结束。
// http.Server.Shutdown 不跟踪被劫持的连接，调用方需在关闭监听之后调用。
func (h *Handler) Wait() {
	h.active.Wait()
}

// Serve 在已握手的传输上运行一个连接，直到所有协程退出后返回
func (h *Handler) Serve(ctx context.Context, t Transport) error {
	conn := ConnID(fmt.Sprintf("%s#%d", t.RemoteAddr(), h.seq.Add(1)))
	log := h.log.With("conn", conn)
	closeTransport := sync.OnceValue(t.Close)
	defer func() {
		if err := closeTransport(); err != nil {
			log.Debugw("transport close", "err", err)
		}
	}()

	// 接入时即订阅广播，之后发布的快照都会送达
	sub := h.session.Subscribe()
	defer sub.Close()

	// 注册请求先于该连接的任何输入入队，等 Tick 协程分配 PlayerID 后再启动读写
	reply := make(chan PlayerID, 1)
	if err := h.session.Attach(ctx, conn, reply); err != nil {
		log.Warnw("rejecting connection", "err", err)
		return err
	}
	var player PlayerID
	select {
	case player = <-reply:
	case <-h.session.Done():
		log.Warnw("session closed before registration")
		return ErrSessionClosed
	case <-ctx.Done():
		// attach 已入队，补一条 Disconnect 防止注册表残留
		_ = h.disconnect(ctx, conn)
		return ctx.Err()
	}
	log = log.With("player", player)
	metrics := h.session.Metrics()
	metrics.IncConnOpened()
	defer metrics.IncConnClosed()
	log.Infow("websocket connection established")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	// 先取消 ctx 再关闭传输：另一方因关闭而出错时能据此判定为正常结束
	g.Go(func() error {
		defer closeTransport()
		defer cancel()
		return h.readPump(gctx, t, conn, log)
	})
	g.Go(func() error {
		defer closeTransport()
		defer cancel()
		return h.writePump(gctx, t, sub, log)
	})
	g.Go(func() error {
		return h.keepalive(gctx, t, closeTransport)
	})
	err := g.Wait()
	log.Infow("connection closed")
	return err
}

// readPump 读取客户端帧，解码后非阻塞地注入输入队列
func (h *Handler) readPump(ctx context.Context, t Transport, conn ConnID, log *zap.SugaredLogger) error {
	metrics := h.session.Metrics()
	for {
		f, err := t.ReadFrame()
		if err != nil || f.Kind == FrameClose {
			if err != nil {
				log.Infow("transport read failed", "err", err)
			} else {
				log.Infow("received close frame")
			}
			return h.disconnect(ctx, conn)
		}
		if f.Kind != h.codec.FrameKind() {
			log.Debugw("ignoring frame", "kind", f.Kind, "codec", h.codec.Name())
			continue
		}

		payload, err := h.codec.DecodeClient(f.Data)
		if err != nil {
			metrics.IncDecodeError()
			log.Warnw("failed to decode message", "err", err, "raw", truncatePayload(f.Data))
			continue
		}

		switch err := h.session.Enqueue(ClientMessage{Payload: payload, Origin: conn}); {
		case err == nil:
		case errors.Is(err, ErrQueueFull):
			log.Warnw("input queue full, dropping message", "type", payload.Type())
		default:
			log.Warnw("input queue closed, disconnecting", "err", err)
			return err
		}
	}
}

// disconnect 合成 Disconnect 消息。阻塞入队，只在连接结束时发生一次。
func (h *Handler) disconnect(ctx context.Context, conn ConnID) error {
	err := h.session.EnqueueWait(context.WithoutCancel(ctx), ClientMessage{Payload: Disconnect{}, Origin: conn})
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// writePump 把广播的快照编码后写给客户端；写失败即退出
func (h *Handler) writePump(ctx context.Context, t Transport, sub *Subscription, log *zap.SugaredLogger) error {
	cfg := h.session.Config()
	metrics := h.session.Metrics()
	for {
		msg, err := sub.Recv(ctx)
		if err != nil {
			var lag *LagError
			if errors.As(err, &lag) {
				metrics.IncLagged()
				log.Debugw("subscriber lagged", "skipped", lag.Skipped)
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrBroadcastClosed) {
				return nil
			}
			return err
		}

		data, err := msg.Encoded(h.codec)
		if err != nil {
			log.Errorw("failed to encode snapshot", "tick", msg.Tick, "err", err)
			continue
		}
		if err := t.WriteFrame(Frame{Kind: h.codec.FrameKind(), Data: data}, time.Now().Add(cfg.WriteTimeout)); err != nil {
			if ctx.Err() != nil {
				// 读协程已结束连接，传输被关闭
				return nil
			}
			log.Infow("transport write failed", "tick", msg.Tick, "err", err)
			return err
		}
	}
}

// keepalive 定期发送 ping；失败时关闭传输以唤醒读协程
func (h *Handler) keepalive(ctx context.Context, t Transport, closeTransport func() error) error {
	cfg := h.session.Config()
	if cfg.PingPeriod <= 0 {
		return nil
	}
	ticker := time.NewTicker(cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.Ping(time.Now().Add(cfg.WriteTimeout)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				_ = closeTransport()
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func truncatePayload(b []byte) string {
	if len(b) > maxLoggedPayload {
		return string(b[:maxLoggedPayload]) + "..."
	}
	return string(b)
}

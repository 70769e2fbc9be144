package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameKind 传输层帧类型
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame 一条完整的消息帧
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Transport 已完成握手的全双工消息通道。
// ReadFrame 与 WriteFrame 各自只由一个协程调用；Ping 与 Close 可并发调用。
type Transport interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame, deadline time.Time) error
	Ping(deadline time.Time) error
	RemoteAddr() string
	Close() error
}

// wsTransport 基于 gorilla/websocket 的 Transport 实现
type wsTransport struct {
	ws          *websocket.Conn
	readTimeout time.Duration
	once        sync.Once
	closeErr    error
}

func newWSTransport(ws *websocket.Conn, cfg Config) *wsTransport {
	t := &wsTransport{ws: ws, readTimeout: cfg.ReadTimeout}
	ws.SetReadLimit(cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(t.readTimeout))
	})
	return t
}

func (t *wsTransport) ReadFrame() (Frame, error) {
	mt, data, err := t.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return Frame{Kind: FrameClose}, nil
		}
		return Frame{}, err
	}
	// 任何入站数据都说明对端存活
	_ = t.ws.SetReadDeadline(time.Now().Add(t.readTimeout))
	switch mt {
	case websocket.TextMessage:
		return Frame{Kind: FrameText, Data: data}, nil
	case websocket.BinaryMessage:
		return Frame{Kind: FrameBinary, Data: data}, nil
	default:
		return Frame{}, fmt.Errorf("unexpected websocket message type %d", mt)
	}
}

func (t *wsTransport) WriteFrame(f Frame, deadline time.Time) error {
	mt := websocket.TextMessage
	if f.Kind == FrameBinary {
		mt = websocket.BinaryMessage
	}
	_ = t.ws.SetWriteDeadline(deadline)
	return t.ws.WriteMessage(mt, f.Data)
}

// Ping 使用 WriteControl，可与 WriteFrame 并发
func (t *wsTransport) Ping(deadline time.Time) error {
	return t.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}

func (t *wsTransport) Close() error {
	t.once.Do(func() {
		t.closeErr = t.ws.Close()
	})
	return t.closeErr
}

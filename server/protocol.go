package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// 客户端消息类型标签
const (
	TypeConnect      = "Connect"
	TypeDisconnect   = "Disconnect"
	TypeSendPosition = "SendPosition"

	TypeSendState = "SendState"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

var (
	ErrMissingType  = errors.New("missing type tag")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
)

// DecodeError 单帧解码失败，不影响连接本身
type DecodeError struct {
	Tag string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("decode client message: %v", e.Err)
	}
	return fmt.Sprintf("decode client message %q: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ClientPayload 客户端消息的封闭和类型：只有本包内的三种实现
type ClientPayload interface {
	Type() string
	isClientPayload()
}

// Connect 应用层加入请求；名字只是展示信息
type Connect struct {
	PlayerName string
}

// Disconnect 客户端主动离开，或读协程在连接断开时合成
type Disconnect struct{}

// SendPosition 客户端上报的位置（服务端不做校验）
type SendPosition struct {
	X float32
	Y float32
}

func (Connect) Type() string      { return TypeConnect }
func (Disconnect) Type() string   { return TypeDisconnect }
func (SendPosition) Type() string { return TypeSendPosition }

func (Connect) isClientPayload()      {}
func (Disconnect) isClientPayload()   {}
func (SendPosition) isClientPayload() {}

// ClientMessage 带来源连接标识的入站消息（每帧一条，不持久化）
type ClientMessage struct {
	Payload ClientPayload
	Origin  ConnID
}

// ServerMessage 某一 Tick 的世界快照。构造后不可变，由所有订阅者只读共享。
type ServerMessage struct {
	Tick  uint64
	State GameState

	once      sync.Once
	codecName string
	frame     []byte
	err       error
}

func NewServerMessage(tick uint64, state GameState) *ServerMessage {
	return &ServerMessage{Tick: tick, State: state}
}

// Encoded 返回该消息的编码结果；同一编解码器只编码一次，所有写协程复用
func (m *ServerMessage) Encoded(c Codec) ([]byte, error) {
	m.once.Do(func() {
		m.codecName = c.Name()
		m.frame, m.err = c.EncodeServer(m)
	})
	if m.codecName != c.Name() {
		return c.EncodeServer(m)
	}
	return m.frame, m.err
}

// Codec 可注入的消息编解码能力
type Codec interface {
	Name() string
	FrameKind() FrameKind
	DecodeClient(data []byte) (ClientPayload, error)
	EncodeClient(p ClientPayload) ([]byte, error)
	EncodeServer(m *ServerMessage) ([]byte, error)
	DecodeServer(data []byte) (*ServerMessage, error)
}

// NewCodec 按名称创建编解码器
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// wireClient 客户端消息的线上结构，两种编解码器共用
// 示例：{"type":"SendPosition","x":1.5,"y":-2}
type wireClient struct {
	Type       string   `json:"type"`
	PlayerName *string  `json:"player_name,omitempty"`
	X          *float32 `json:"x,omitempty"`
	Y          *float32 `json:"y,omitempty"`
}

func (w wireClient) payload() (ClientPayload, error) {
	switch w.Type {
	case TypeConnect:
		if w.PlayerName == nil {
			return nil, &DecodeError{Tag: w.Type, Err: fmt.Errorf("%w: player_name", ErrMissingField)}
		}
		return Connect{PlayerName: *w.PlayerName}, nil
	case TypeDisconnect:
		return Disconnect{}, nil
	case TypeSendPosition:
		if w.X == nil || w.Y == nil {
			return nil, &DecodeError{Tag: w.Type, Err: fmt.Errorf("%w: x and y", ErrMissingField)}
		}
		return SendPosition{X: *w.X, Y: *w.Y}, nil
	case "":
		return nil, &DecodeError{Err: ErrMissingType}
	default:
		return nil, &DecodeError{Tag: w.Type, Err: ErrUnknownType}
	}
}

func toWireClient(p ClientPayload) (wireClient, error) {
	switch v := p.(type) {
	case Connect:
		name := v.PlayerName
		return wireClient{Type: TypeConnect, PlayerName: &name}, nil
	case Disconnect:
		return wireClient{Type: TypeDisconnect}, nil
	case SendPosition:
		x, y := v.X, v.Y
		return wireClient{Type: TypeSendPosition, X: &x, Y: &y}, nil
	default:
		return wireClient{}, fmt.Errorf("encode client message: unsupported payload %T", p)
	}
}

type wireServerType struct {
	Type      string    `json:"type"`
	GameState GameState `json:"game_state"`
}

// wireServer 服务端消息的 JSON 结构
// 示例：{"message_type":{"type":"SendState","game_state":{"players":{...}}},"tick":42}
type wireServer struct {
	MessageType wireServerType `json:"message_type"`
	Tick        uint64         `json:"tick"`
}

// JSONCodec 文本帧 JSON 编解码（默认）
type JSONCodec struct{}

func (JSONCodec) Name() string         { return CodecJSON }
func (JSONCodec) FrameKind() FrameKind { return FrameText }

func (JSONCodec) DecodeClient(data []byte) (ClientPayload, error) {
	var w wireClient
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return w.payload()
}

func (JSONCodec) EncodeClient(p ClientPayload) ([]byte, error) {
	w, err := toWireClient(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// EncodeServer encoding/json 对 map 键排序，输出是确定的
func (JSONCodec) EncodeServer(m *ServerMessage) ([]byte, error) {
	players := m.State.Players
	if players == nil {
		players = map[PlayerID]Player{}
	}
	return json.Marshal(wireServer{
		MessageType: wireServerType{Type: TypeSendState, GameState: GameState{Players: players}},
		Tick:        m.Tick,
	})
}

func (JSONCodec) DecodeServer(data []byte) (*ServerMessage, error) {
	var w wireServer
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	if w.MessageType.Type != TypeSendState {
		return nil, fmt.Errorf("decode server message: %w %q", ErrUnknownType, w.MessageType.Type)
	}
	return NewServerMessage(w.Tick, w.MessageType.GameState), nil
}

package server

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec 二进制帧编解码，字段名与 JSON 线上格式一致
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string         { return CodecMsgpack }
func (MsgpackCodec) FrameKind() FrameKind { return FrameBinary }

func (MsgpackCodec) DecodeClient(data []byte) (ClientPayload, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var w wireClient
	if err := dec.Decode(&w); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return w.payload()
}

func (MsgpackCodec) EncodeClient(p ClientPayload) ([]byte, error) {
	w, err := toWireClient(p)
	if err != nil {
		return nil, err
	}
	return msgpackMarshal(w)
}

func (MsgpackCodec) EncodeServer(m *ServerMessage) ([]byte, error) {
	players := make(sortedPlayers, len(m.State.Players))
	for id, p := range m.State.Players {
		players[id.String()] = msgpackPlayer{ID: id.String(), Position: p.Position}
	}
	return msgpackMarshal(msgpackServer{
		MessageType: msgpackServerType{Type: TypeSendState, GameState: msgpackState{Players: players}},
		Tick:        m.Tick,
	})
}

func (MsgpackCodec) DecodeServer(data []byte) (*ServerMessage, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var w msgpackServer
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	if w.MessageType.Type != TypeSendState {
		return nil, fmt.Errorf("decode server message: %w %q", ErrUnknownType, w.MessageType.Type)
	}
	state := GameState{Players: make(map[PlayerID]Player, len(w.MessageType.GameState.Players))}
	for key, p := range w.MessageType.GameState.Players {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("decode server message: player id %q: %w", key, err)
		}
		state.Players[id] = Player{ID: id, Position: p.Position}
	}
	return NewServerMessage(w.Tick, state), nil
}

func msgpackMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type msgpackServer struct {
	MessageType msgpackServerType `json:"message_type"`
	Tick        uint64            `json:"tick"`
}

type msgpackServerType struct {
	Type      string       `json:"type"`
	GameState msgpackState `json:"game_state"`
}

type msgpackState struct {
	Players sortedPlayers `json:"players"`
}

type msgpackPlayer struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
}

// sortedPlayers 按键排序写出，保证同一快照的编码字节一致
type sortedPlayers map[string]msgpackPlayer

func (s sortedPlayers) EncodeMsgpack(enc *msgpack.Encoder) error {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(s[k]); err != nil {
			return err
		}
	}
	return nil
}

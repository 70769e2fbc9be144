package server

import (
	"github.com/invopop/jsonschema"
)

// 以下结构只用于生成协议的 JSON Schema，与 wireClient / wireServer 的线上格式一一对应

type connectDoc struct {
	Type       string `json:"type" jsonschema:"required,enum=Connect"`
	PlayerName string `json:"player_name" jsonschema:"required,description=Display name; presentation only"`
}

type disconnectDoc struct {
	Type string `json:"type" jsonschema:"required,enum=Disconnect"`
}

type sendPositionDoc struct {
	Type string  `json:"type" jsonschema:"required,enum=SendPosition"`
	X    float32 `json:"x" jsonschema:"required"`
	Y    float32 `json:"y" jsonschema:"required"`
}

type playerDoc struct {
	ID       string   `json:"id" jsonschema:"required,format=uuid"`
	Position Position `json:"position" jsonschema:"required"`
}

type gameStateDoc struct {
	Players map[string]playerDoc `json:"players" jsonschema:"required"`
}

type sendStateDoc struct {
	Type      string       `json:"type" jsonschema:"required,enum=SendState"`
	GameState gameStateDoc `json:"game_state" jsonschema:"required"`
}

type serverMessageDoc struct {
	MessageType sendStateDoc `json:"message_type" jsonschema:"required"`
	Tick        uint64       `json:"tick" jsonschema:"required"`
}

func schemaReflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
}

// ClientSchema 客户端 → 服务端消息：按 type 区分的三选一
func ClientSchema() *jsonschema.Schema {
	r := schemaReflector()
	variants := []*jsonschema.Schema{
		r.Reflect(&connectDoc{}),
		r.Reflect(&disconnectDoc{}),
		r.Reflect(&sendPositionDoc{}),
	}
	for _, v := range variants {
		v.Version = ""
	}
	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Client Message",
		Description: "Tagged by the type field; unknown tags are rejected per frame.",
		OneOf:       variants,
	}
}

// ServerSchema 服务端 → 客户端快照消息
func ServerSchema() *jsonschema.Schema {
	s := schemaReflector().Reflect(&serverMessageDoc{})
	s.Title = "Server Message"
	s.Description = "World snapshot published once per tick."
	return s
}

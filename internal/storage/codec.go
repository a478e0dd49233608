package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"consensus-trader/internal/bus"
	"consensus-trader/internal/model"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec 事件序列化方式
type Codec interface {
	Encode(e bus.Event) ([]byte, error)
	Name() string
}

// NewCodec json 或 proto
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// envelope 外层统一格式
type envelope struct {
	Type    string      `json:"type"`
	Key     string      `json:"key"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

func payloadRecord(e bus.Event) interface{} {
	switch p := e.Payload.(type) {
	case *model.MarketSnapshot:
		return NewSnapshotRecord(p)
	case *model.ConsensusDecision:
		return NewDecisionRecord(p)
	case *model.OrderRecord:
		return NewOrderEventRecord(p)
	case *model.StreamSubscription:
		return map[string]interface{}{
			"key":         p.Key.String(),
			"state":       string(p.State),
			"last_update": p.LastUpdate,
		}
	default:
		return p
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(e bus.Event) ([]byte, error) {
	return json.Marshal(envelope{Type: string(e.Type), Key: e.Key, At: e.At, Payload: payloadRecord(e)})
}

// ProtoCodec 以 google.protobuf.Struct 编码：{type, key, at(RFC3339), payload}
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Encode(e bus.Event) ([]byte, error) {
	// 先经 JSON 转成通用 map，structpb 只接受基础类型
	raw, err := json.Marshal(payloadRecord(e))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	msg, err := structpb.NewStruct(map[string]interface{}{
		"type":    string(e.Type),
		"key":     e.Key,
		"at":      e.At.UTC().Format(time.RFC3339Nano),
		"payload": payload,
	})
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return proto.Marshal(msg)
}

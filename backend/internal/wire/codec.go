// Package wire 定义协作通道上的帧格式。
//
// 帧是 WebSocket 二进制消息，内容为 MessagePack 编码的 Message。
// 字段名沿用 json tag，方便和浏览器端的 msgpack 解码对齐。
package wire

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/ugorji/go/codec"
)

// ErrUnknownType 帧能解码但 type 不在已知集合里
var ErrUnknownType = errors.New("wire: unknown message type")

var mh = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	// 解到 interface{} 时用 map[string]any，否则 CustomData 会变成 map[interface{}]interface{}
	h.MapType = reflect.TypeOf(map[string]any(nil))
	h.RawToString = true
	h.WriteExt = true
	return h
}

// Encode 编码一帧
func Encode(m *Message) ([]byte, error) {
	if m == nil || !knownType(m.Type) {
		return nil, ErrUnknownType
	}
	var b []byte
	if err := codec.NewEncoderBytes(&b, mh).Encode(m); err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.Type, err)
	}
	return b, nil
}

// Decode 解码一帧；未知类型返回 ErrUnknownType，调用方应丢弃该帧而不是断开连接
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := codec.NewDecoderBytes(data, mh).Decode(&m); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	if !knownType(m.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return &m, nil
}

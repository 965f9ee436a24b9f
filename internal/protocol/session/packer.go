package session

import (
	"encoding/json"
	"time"

	"github.com/danmuck/kernelctl/internal/protocol"
)

// Packer converts message parts to and from wire bytes.
type Packer interface {
	Pack(v any) ([]byte, error)
	Unpack(data []byte, v any) error
}

// JSONPacker is the default codec. time.Time values nested in maps and
// slices are rendered as ISO-8601 strings before encoding.
type JSONPacker struct{}

func (JSONPacker) Pack(v any) ([]byte, error) {
	return json.Marshal(squashDates(v))
}

func (JSONPacker) Unpack(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func squashDates(v any) any {
	switch t := v.(type) {
	case time.Time:
		return protocol.FormatDate(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return protocol.FormatDate(*t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = squashDates(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = squashDates(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = squashDates(val)
		}
		return out
	default:
		return v
	}
}

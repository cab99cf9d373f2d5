package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"polymarket-bookwatch/pkg/types"
)

var pongFrame = []byte("PONG")

// IsPong reports whether a frame is the server's keepalive acknowledgment.
func IsPong(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), pongFrame)
}

// Decoded is the result of decoding one market channel frame. A frame may
// carry one event object or an array of them; elements are kept in order.
type Decoded struct {
	Events  []types.Event
	Unknown []string // event_type values with no decoder, skipped
	Errors  []error  // *ProtocolError per element that failed to decode
}

// DecodeFrame decodes a raw market channel frame. The keepalive ack and
// empty frames decode to nothing. A frame that is not a JSON object or array
// returns a *ProtocolError; per-element failures are collected in Errors so
// one bad element never hides its neighbours.
func DecodeFrame(data []byte) (Decoded, error) {
	var out Decoded

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || IsPong(trimmed) {
		return out, nil
	}

	switch trimmed[0] {
	case '{':
		out.add(trimmed)
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return out, &ProtocolError{Err: fmt.Errorf("array frame: %w", err)}
		}
		for _, e := range elems {
			out.add(e)
		}
	default:
		return out, &ProtocolError{Err: fmt.Errorf("unexpected frame %q", truncate(trimmed, 32))}
	}
	return out, nil
}

func (d *Decoded) add(raw json.RawMessage) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		d.Errors = append(d.Errors, &ProtocolError{Err: err})
		return
	}

	evt, err := decodeEvent(envelope.EventType, raw)
	switch {
	case errors.Is(err, errUnknownEvent):
		d.Unknown = append(d.Unknown, envelope.EventType)
	case err != nil:
		d.Errors = append(d.Errors, &ProtocolError{EventType: envelope.EventType, Err: err})
	default:
		d.Events = append(d.Events, evt)
	}
}

var errUnknownEvent = errors.New("unknown event type")

func decodeEvent(eventType string, raw json.RawMessage) (types.Event, error) {
	switch eventType {
	case types.EventBook:
		return unmarshalEvent[types.WSBookEvent](raw)
	case types.EventPriceChange:
		return unmarshalEvent[types.WSPriceChangeEvent](raw)
	case types.EventBestBidAsk:
		return unmarshalEvent[types.WSBestBidAskEvent](raw)
	case types.EventLastTrade:
		return unmarshalEvent[types.WSLastTradeEvent](raw)
	case types.EventTickSizeChange:
		return unmarshalEvent[types.WSTickSizeChangeEvent](raw)
	default:
		return nil, errUnknownEvent
	}
}

func unmarshalEvent[E types.Event](raw json.RawMessage) (types.Event, error) {
	var evt E
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

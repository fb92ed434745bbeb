package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Envelope wraps every push channel frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an envelope for the given event.
func Encode(event string, payload any) ([]byte, error) {
	var raw json.RawMessage

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s payload: %w", event, err)
		}

		raw = data
	}

	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode extracts the event name and raw payload from a frame without
// decoding the payload. Frames that are not JSON objects with a string
// event field are rejected.
func Decode(frame []byte) (string, json.RawMessage, error) {
	if !gjson.ValidBytes(frame) {
		return "", nil, fmt.Errorf("frame is not valid JSON (%d bytes)", len(frame))
	}

	ev := gjson.GetBytes(frame, "event")
	if ev.Type != gjson.String || ev.Str == "" {
		return "", nil, fmt.Errorf("frame has no event name")
	}

	data := gjson.GetBytes(frame, "data")
	if !data.Exists() {
		return ev.Str, nil, nil
	}

	return ev.Str, json.RawMessage(data.Raw), nil
}

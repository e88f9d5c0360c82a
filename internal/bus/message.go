// Package bus implements the websocket publish/subscribe fabric connecting the
// bridge process with strategy host processes.
package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is one unit relayed through the bus. Payload is opaque: it is
// usually JSON but malformed or non-JSON bytes are carried verbatim so that a
// bad payload never silently vanishes in transit.
type Message struct {
	Topic   string
	BotID   string
	Payload []byte
}

// Handler consumes messages delivered to a subscription.
type Handler func(Message)

type frameHeader struct {
	Topic string `json:"topic"`
	BotID string `json:"botId,omitempty"`
}

// encodeFrame packs a message as a JSON header line followed by the raw
// payload bytes. Keeping the payload outside the JSON envelope is what lets
// non-JSON payloads pass through untouched.
func encodeFrame(m Message) ([]byte, error) {
	hdr, err := json.Marshal(frameHeader{Topic: m.Topic, BotID: m.BotID})
	if err != nil {
		return nil, fmt.Errorf("encode frame header: %w", err)
	}
	buf := make([]byte, 0, len(hdr)+1+len(m.Payload))
	buf = append(buf, hdr...)
	buf = append(buf, '\n')
	buf = append(buf, m.Payload...)
	return buf, nil
}

func decodeFrame(data []byte) (Message, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return Message{}, fmt.Errorf("frame missing header delimiter")
	}
	var hdr frameHeader
	if err := json.Unmarshal(data[:idx], &hdr); err != nil {
		return Message{}, fmt.Errorf("decode frame header: %w", err)
	}
	if hdr.Topic == "" {
		return Message{}, fmt.Errorf("frame missing topic")
	}
	payload := make([]byte, len(data)-idx-1)
	copy(payload, data[idx+1:])
	return Message{Topic: hdr.Topic, BotID: hdr.BotID, Payload: payload}, nil
}

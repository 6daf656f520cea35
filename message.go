package main

import (
	"encoding/json"
)

// Envelope is the wire frame for both directions: a named event plus an
// event-specific payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound pairs an event name with an already-typed payload for encoding.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Client payloads. Controllers historically send either a bare room-code
// string or a structured object for these events, so each decoder accepts
// both and normalizes to the struct form before any logic runs.

type joinPayload struct {
	Room string `json:"room"`
	Type string `json:"type"`
}

type castPayload struct {
	Room  string `json:"room"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type controlPayload struct {
	Room   string          `json:"room"`
	Action string          `json:"action"`
	Value  json.RawMessage `json:"value,omitempty"`
}

type statusPayload struct {
	Room        string  `json:"room"`
	IsPlaying   bool    `json:"isPlaying"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
}

// bareRoom reports whether raw is a bare JSON string, returning it as the
// room code if so.
func bareRoom(raw json.RawMessage) (string, bool) {
	var room string
	if err := json.Unmarshal(raw, &room); err != nil {
		return "", false
	}
	return room, true
}

func decodeJoin(raw json.RawMessage) joinPayload {
	var p joinPayload
	if room, ok := bareRoom(raw); ok {
		p.Room = room
	} else {
		_ = json.Unmarshal(raw, &p)
	}
	if p.Type == "" {
		p.Type = "web"
	}
	return p
}

func decodeCast(raw json.RawMessage) castPayload {
	var p castPayload
	if room, ok := bareRoom(raw); ok {
		p.Room = room
	} else {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func decodeControl(raw json.RawMessage) controlPayload {
	var p controlPayload
	if room, ok := bareRoom(raw); ok {
		p.Room = room
	} else {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func decodeStatus(raw json.RawMessage) statusPayload {
	var p statusPayload
	if room, ok := bareRoom(raw); ok {
		p.Room = room
	} else {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

// Server payloads.

type roomJoinedMessage struct {
	Room      string `json:"room"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type peerJoinedMessage struct {
	Type     string `json:"type"`
	SocketID string `json:"socketId"`
}

type peerLeftMessage struct {
	SocketID string `json:"socketId"`
	Type     string `json:"type"`
}

type playVideoMessage struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
}

type castSuccessMessage struct {
	Room      string `json:"room"`
	Timestamp int64  `json:"timestamp"`
}

type controlCommandMessage struct {
	Action    string          `json:"action"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Sender    string          `json:"sender"`
}

type playerStatusMessage struct {
	IsPlaying   bool    `json:"isPlaying"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	Timestamp   int64   `json:"timestamp"`
}

type sessionStatusMessage struct {
	Room        string `json:"room"`
	Connections int    `json:"connections"`
	Timestamp   int64  `json:"timestamp"`
}

type pongMessage struct {
	Timestamp int64 `json:"timestamp"`
}

type errorMessage struct {
	Message string `json:"message"`
}

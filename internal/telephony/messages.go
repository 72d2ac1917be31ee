package telephony

import "encoding/json"

// Media-stream event names used on the Twilio websocket.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// StreamMessage is one frame of the Twilio Media Streams protocol. Only the
// fields for the given Event are populated.
type StreamMessage struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSID      string      `json:"streamSid,omitempty"`
	Protocol       string      `json:"protocol,omitempty"`
	Version        string      `json:"version,omitempty"`
	Start          *StartFrame `json:"start,omitempty"`
	Media          *MediaFrame `json:"media,omitempty"`
	Stop           *StopFrame  `json:"stop,omitempty"`
	Mark           *MarkFrame  `json:"mark,omitempty"`
}

type StartFrame struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaFrame struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StopFrame struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type MarkFrame struct {
	Name string `json:"name"`
}

// ParseStreamMessage decodes one websocket text frame.
func ParseStreamMessage(data []byte) (StreamMessage, error) {
	var msg StreamMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

package telephony

import (
	"encoding/base64"
	"sync"

	"github.com/gorilla/websocket"
)

// MediaStream sends protocol frames back to Twilio over the call's
// websocket. Writes are serialized because gorilla connections allow only
// one concurrent writer.
type MediaStream struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewMediaStream(conn *websocket.Conn) *MediaStream {
	return &MediaStream{conn: conn}
}

// SendAudio queues mu-law audio for playback on the call.
func (s *MediaStream) SendAudio(streamSID string, mulaw []byte) error {
	return s.send(StreamMessage{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaFrame{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// SendClear flushes Twilio's playback buffer, cutting off audio already
// queued on their side. Used when the caller interrupts.
func (s *MediaStream) SendClear(streamSID string) error {
	return s.send(StreamMessage{Event: EventClear, StreamSID: streamSID})
}

// SendMark asks Twilio to echo a mark event once queued audio has played.
func (s *MediaStream) SendMark(streamSID, name string) error {
	return s.send(StreamMessage{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkFrame{Name: name},
	})
}

func (s *MediaStream) send(msg StreamMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

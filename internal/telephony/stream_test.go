package telephony

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{}

// wsPair dials a test websocket server and returns the client side plus a
// channel of JSON frames the server received.
func wsPair(t *testing.T) (*websocket.Conn, <-chan StreamMessage) {
	t.Helper()
	received := make(chan StreamMessage, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := ParseStreamMessage(data)
			if err != nil {
				continue
			}
			received <- msg
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, received
}

func TestSendAudio(t *testing.T) {
	conn, received := wsPair(t)
	stream := NewMediaStream(conn)

	payload := []byte{0xff, 0x7f, 0x00, 0x80}
	require.NoError(t, stream.SendAudio("MZ123", payload))

	msg := <-received
	assert.Equal(t, EventMedia, msg.Event)
	assert.Equal(t, "MZ123", msg.StreamSID)
	require.NotNil(t, msg.Media)
	decoded, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestSendClearAndMark(t *testing.T) {
	conn, received := wsPair(t)
	stream := NewMediaStream(conn)

	require.NoError(t, stream.SendClear("MZ123"))
	require.NoError(t, stream.SendMark("MZ123", "end-of-utterance"))

	msg := <-received
	assert.Equal(t, EventClear, msg.Event)

	msg = <-received
	assert.Equal(t, EventMark, msg.Event)
	require.NotNil(t, msg.Mark)
	assert.Equal(t, "end-of-utterance", msg.Mark.Name)
}

func TestConcurrentWrites(t *testing.T) {
	conn, received := wsPair(t)
	stream := NewMediaStream(conn)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = stream.SendAudio("MZ123", []byte{0x00})
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		msg := <-received
		assert.Equal(t, EventMedia, msg.Event)
	}
}

func TestParseStreamMessage(t *testing.T) {
	data := []byte(`{
		"event":"start","sequenceNumber":"1","streamSid":"MZ123",
		"start":{"accountSid":"AC1","streamSid":"MZ123","callSid":"CA1",
			"tracks":["inbound"],
			"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},
			"customParameters":{"chat_id":"c1"}}
	}`)
	msg, err := ParseStreamMessage(data)
	require.NoError(t, err)
	assert.Equal(t, EventStart, msg.Event)
	require.NotNil(t, msg.Start)
	assert.Equal(t, "CA1", msg.Start.CallSID)
	assert.Equal(t, 8000, msg.Start.MediaFormat.SampleRate)
	assert.Equal(t, "c1", msg.Start.CustomParameters["chat_id"])

	_, err = ParseStreamMessage([]byte("{bad json"))
	assert.Error(t, err)
}

func TestParseMediaMessage(t *testing.T) {
	data := []byte(`{"event":"media","streamSid":"MZ123","media":{"track":"inbound","timestamp":"5","payload":"AAA="}}`)
	msg, err := ParseStreamMessage(data)
	require.NoError(t, err)
	assert.Equal(t, EventMedia, msg.Event)
	require.NotNil(t, msg.Media)
	assert.Equal(t, "AAA=", msg.Media.Payload)
}

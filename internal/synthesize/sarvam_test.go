package synthesize

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurjobsa/PreScreeningAgent/internal/audio"
)

var upgrader = websocket.Upgrader{}

// fakeTTS is a scripted stand-in for the speech service.
type fakeTTS struct {
	srv      *httptest.Server
	inbound  chan map[string]any
	respond  chan string
	authFail bool
}

func newFakeTTS(t *testing.T) *fakeTTS {
	t.Helper()
	f := &fakeTTS{
		inbound: make(chan map[string]any, 64),
		respond: make(chan string, 16),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.authFail {
			http.Error(w, "bad key", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for msg := range f.respond {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				f.inbound <- msg
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTTS) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// next blocks for the next inbound message of the given type.
func (f *fakeTTS) next(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-f.inbound:
			if msg["type"] == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %q message reached the service", typ)
		}
	}
}

// audioResponse builds a service audio message carrying a 16k WAV tone.
func audioResponse(t *testing.T) string {
	t.Helper()
	pcm := make([]byte, 3200) // 100ms of silence at 16k
	wav := audio.BuildWAV(pcm, audio.WidebandSampleRate)
	msg := map[string]any{
		"type": "audio",
		"data": map[string]any{
			"audio":        base64.StdEncoding.EncodeToString(wav),
			"content_type": "audio/wav",
		},
	}
	b, _ := json.Marshal(msg)
	return string(b)
}

func newTestChannel(t *testing.T, f *fakeTTS) *Channel {
	t.Helper()
	c := NewChannel(Config{
		APIKey:      "test-key",
		Model:       "bulbul:v2",
		Voice:       "manisha",
		Language:    "en-IN",
		Speed:       0.8,
		Loudness:    1.0,
		BufferSize:  100,
		EndpointURL: f.wsURL(),
	}, "CA-test")
	t.Cleanup(c.Stop)
	return c
}

func TestStartSendsConfig(t *testing.T) {
	f := newFakeTTS(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	cfg := f.next(t, "config")
	data := cfg["data"].(map[string]any)
	assert.Equal(t, "manisha", data["speaker"])
	assert.Equal(t, "en-IN", data["target_language_code"])
	assert.Equal(t, 0.8, data["pace"])
	assert.Equal(t, float64(100), data["min_buffer_size"])
	assert.Equal(t, float64(250), data["max_chunk_length"])
	assert.Equal(t, "wav", data["output_audio_codec"])
}

func TestBufferSizeClamped(t *testing.T) {
	c := NewChannel(Config{BufferSize: 5}, "CA-test")
	assert.Equal(t, 30, c.cfg.BufferSize)
	c = NewChannel(Config{BufferSize: 900}, "CA-test")
	assert.Equal(t, 200, c.cfg.BufferSize)
}

func TestStartAuthRejected(t *testing.T) {
	f := newFakeTTS(t)
	f.authFail = true
	c := newTestChannel(t, f)
	assert.ErrorIs(t, c.Start(), ErrAuthRejected)
}

func TestSynthesizeSendsTextAndFlush(t *testing.T) {
	f := newFakeTTS(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	require.NoError(t, c.Synthesize("Hello caller.", true))

	msg := f.next(t, "text")
	data := msg["data"].(map[string]any)
	assert.Equal(t, "Hello caller.", data["text"])
	f.next(t, "flush")
	assert.True(t, c.IsSpeaking())
}

func TestSynthesizeNoFlush(t *testing.T) {
	f := newFakeTTS(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	require.NoError(t, c.Synthesize("partial", false))
	f.next(t, "text")

	select {
	case msg := <-f.inbound:
		assert.NotEqual(t, "flush", msg["type"])
	case <-time.After(300 * time.Millisecond):
	}
}

func TestAudioChunksBecomeTelephonyFrames(t *testing.T) {
	f := newFakeTTS(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	require.NoError(t, c.Synthesize("Hello caller.", true))
	f.next(t, "flush")
	f.respond <- audioResponse(t)

	select {
	case frame := <-c.Frames():
		assert.Equal(t, audio.EncodingMuLaw, frame.Encoding)
		assert.Equal(t, audio.TelephonySampleRate, frame.SampleRate)
		assert.Equal(t, 1, frame.Channels)
		assert.Equal(t, 1, frame.SampleWidth)
		// 100ms at 16k resampled to 8k is 800 mu-law bytes.
		assert.Equal(t, 800, len(frame.Data))
		assert.False(t, frame.ReceivedAt.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("no frame emitted")
	}

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Utterances)
	assert.Equal(t, int64(1), stats.FramesEmitted)
	assert.Greater(t, stats.FirstAudioLag, time.Duration(0))
}

func TestFinalEventClearsSpeaking(t *testing.T) {
	f := newFakeTTS(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	require.NoError(t, c.Synthesize("Hello.", true))
	f.next(t, "flush")
	require.True(t, c.IsSpeaking())

	f.respond <- `{"type":"event","data":{"event_type":"final"}}`

	require.Eventually(t, func() bool { return !c.IsSpeaking() }, 3*time.Second, 10*time.Millisecond)
}

func TestInterruptDrainsQueues(t *testing.T) {
	f := newFakeTTS(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	require.NoError(t, c.Synthesize("Hello.", true))
	f.next(t, "flush")
	f.respond <- audioResponse(t)

	require.Eventually(t, func() bool { return c.Stats().FramesEmitted > 0 }, 3*time.Second, 10*time.Millisecond)

	c.Interrupt()
	assert.False(t, c.IsSpeaking())
	select {
	case _, ok := <-c.Frames():
		assert.False(t, ok, "frames should be drained, not delivered")
	default:
	}
}

func TestMalformedAndErrorMessages(t *testing.T) {
	f := newFakeTTS(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	f.respond <- `{not json`
	f.respond <- `{"type":"error","message":"voice unavailable"}`
	f.respond <- `{"type":"audio","data":{"audio":"!!!not-base64!!!"}}`
	f.respond <- audioResponse(t)

	select {
	case frame := <-c.Frames():
		assert.NotEmpty(t, frame.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not survive malformed messages")
	}
}

func TestStopIdempotentAndClosesFrames(t *testing.T) {
	f := newFakeTTS(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	c.Stop()
	c.Stop()

	_, open := <-c.Frames()
	assert.False(t, open)
	assert.Error(t, c.Synthesize("late", true))
}

func TestInterruptAfterStopReturns(t *testing.T) {
	f := newFakeTTS(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	c.Stop()

	// A barge-in can race call teardown; draining the closed frames channel
	// must terminate rather than spin.
	done := make(chan struct{})
	go func() {
		c.Interrupt()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Interrupt did not return after Stop")
	}
	assert.False(t, c.IsSpeaking())
}

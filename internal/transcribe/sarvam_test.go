package transcribe

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

// fakeSTT is a scripted stand-in for the speech service. It records every
// audio message and plays back the configured responses.
type fakeSTT struct {
	srv      *httptest.Server
	audioIn  chan audioMessage
	respond  chan string
	authFail bool
	gotKey   chan string
}

func newFakeSTT(t *testing.T) *fakeSTT {
	t.Helper()
	f := &fakeSTT{
		audioIn: make(chan audioMessage, 64),
		respond: make(chan string, 16),
		gotKey:  make(chan string, 1),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case f.gotKey <- r.Header.Get("Api-Subscription-Key"):
		default:
		}
		if f.authFail {
			http.Error(w, "bad key", http.StatusUnauthorized)
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
			var msg audioMessage
			if json.Unmarshal(data, &msg) == nil && msg.Audio.Data != "" {
				f.audioIn <- msg
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSTT) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func newTestChannel(t *testing.T, f *fakeSTT) *Channel {
	t.Helper()
	c := NewChannel(Config{
		APIKey:      "test-key",
		Model:       "saarika:v2.5",
		Language:    "en-IN",
		EndpointURL: f.wsURL(),
	}, "CA-test")
	t.Cleanup(c.Stop)
	return c
}

func TestStartSendsAuthHeader(t *testing.T) {
	f := newFakeSTT(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())
	assert.Equal(t, "test-key", <-f.gotKey)
	assert.True(t, c.Stats().Connected)
}

func TestStartIdempotent(t *testing.T) {
	f := newFakeSTT(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
}

func TestStartAuthRejectedNoRetry(t *testing.T) {
	f := newFakeSTT(t)
	f.authFail = true
	c := newTestChannel(t, f)

	start := time.Now()
	err := c.Start()
	require.ErrorIs(t, err, ErrAuthRejected)
	// No backoff sleeps when auth is rejected.
	assert.Less(t, time.Since(start), time.Second)
}

func TestStartEmptyKey(t *testing.T) {
	c := NewChannel(Config{}, "CA-test")
	assert.Error(t, c.Start())
}

func TestAudioBatchedAsWAV(t *testing.T) {
	f := newFakeSTT(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	// One second of mu-law at 8k crosses the 400ms batch threshold.
	tone := audio.MuLawTestTone(time.Second, 440, audio.TelephonySampleRate)
	for off := 0; off < len(tone); off += 160 {
		end := off + 160
		if end > len(tone) {
			end = len(tone)
		}
		require.NoError(t, c.SendAudio(tone[off:end]))
	}

	select {
	case msg := <-f.audioIn:
		assert.Equal(t, "16000", msg.Audio.SampleRate)
		assert.Equal(t, "audio/wav", msg.Audio.Encoding)
		raw, err := base64.StdEncoding.DecodeString(msg.Audio.Data)
		require.NoError(t, err)
		pcm, rate := audio.ParseWAV(raw)
		assert.Equal(t, audio.WidebandSampleRate, rate)
		assert.GreaterOrEqual(t, len(pcm), batchBytes)
	case <-time.After(3 * time.Second):
		t.Fatal("no audio message reached the service")
	}
}

func TestTranscriptEvents(t *testing.T) {
	f := newFakeSTT(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	f.respond <- `{"type":"data","data":{"transcript":"hello there"}}`
	f.respond <- `{"type":"transcript","text":"second form"}`

	ev := <-c.Events()
	assert.Equal(t, EventTranscript, ev.Type)
	assert.Equal(t, "hello there", ev.Text)

	ev = <-c.Events()
	assert.Equal(t, EventTranscript, ev.Type)
	assert.Equal(t, "second form", ev.Text)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Transcripts)
	assert.Greater(t, stats.FirstTranscriptLag, time.Duration(0))
}

func TestVADEvents(t *testing.T) {
	f := newFakeSTT(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	f.respond <- `{"type":"speech_start"}`
	f.respond <- `{"type":"END_SPEECH"}`

	ev := <-c.Events()
	assert.Equal(t, EventSpeechStart, ev.Type)
	ev = <-c.Events()
	assert.Equal(t, EventSpeechEnd, ev.Type)
}

func TestErrorEvent(t *testing.T) {
	f := newFakeSTT(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	f.respond <- `{"type":"error","message":"quota exceeded"}`

	ev := <-c.Events()
	assert.Equal(t, EventError, ev.Type)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "quota exceeded")
}

func TestMalformedMessagesSkipped(t *testing.T) {
	f := newFakeSTT(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	f.respond <- `{not json`
	f.respond <- `{"type":"mystery"}`
	f.respond <- `{"type":"data","data":{"transcript":"still alive"}}`

	ev := <-c.Events()
	assert.Equal(t, "still alive", ev.Text)
}

func TestStopClosesEventsAndIsIdempotent(t *testing.T) {
	f := newFakeSTT(t)
	c := newTestChannel(t, f)
	require.NoError(t, c.Start())

	c.Stop()
	c.Stop()

	_, open := <-c.Events()
	assert.False(t, open)
	assert.Error(t, c.SendAudio([]byte{0xff}))
	assert.False(t, c.Stats().Connected)
}

func TestSendAudioBeforeStart(t *testing.T) {
	c := NewChannel(Config{APIKey: "k"}, "CA-test")
	assert.Error(t, c.SendAudio([]byte{0xff}))
}

package transcribe

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aurjobsa/PreScreeningAgent/internal/audio"
	"github.com/aurjobsa/PreScreeningAgent/internal/observability/logging"
	"github.com/aurjobsa/PreScreeningAgent/internal/observability/metrics"
)

// ErrAuthRejected means the service refused our credentials. Retrying with
// the same key is pointless, so connect gives up immediately.
var ErrAuthRejected = errors.New("transcribe: authentication rejected")

const (
	connectAttempts  = 3
	handshakeTimeout = 10 * time.Second
	readDeadline     = 30 * time.Second
	keepaliveEvery   = 10 * time.Second
	// Audio is batched into ~400ms windows before upload. Smaller batches
	// add per-message overhead, larger ones add recognition latency.
	batchWindow    = 400 * time.Millisecond
	dequeueTimeout = 5 * time.Second
)

// batchBytes is the PCM-16k byte size of one batch window.
var batchBytes = int(batchWindow.Seconds() * float64(audio.WidebandSampleRate) * 2)

// EventType tags events emitted by the channel.
type EventType int

const (
	EventTranscript EventType = iota
	EventSpeechStart
	EventSpeechEnd
	EventError
)

// Event is one notification from the speech service.
type Event struct {
	Type EventType
	Text string
	Err  error
}

// Config for the Sarvam streaming speech-to-text channel.
type Config struct {
	APIKey   string
	Host     string
	Model    string
	Language string
	// EndpointURL overrides the derived wss URL, used by tests.
	EndpointURL string
}

// Stats is a point-in-time snapshot of channel counters.
type Stats struct {
	Connected          bool
	ChunksSent         int64
	Transcripts        int64
	FirstTranscriptLag time.Duration
}

// Channel streams caller audio to Sarvam and surfaces transcripts and voice
// activity as events. One Channel serves one call.
type Channel struct {
	cfg Config
	log zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool

	audioIn    chan []byte
	events     chan Event
	stopCh     chan struct{}
	senderDone chan struct{}
	wg         sync.WaitGroup
	stopped    sync.Once

	statsMu         sync.Mutex
	startedAt       time.Time
	firstTranscript time.Time
	chunksSent      int64
	transcripts     int64
}

func NewChannel(cfg Config, callSID string) *Channel {
	return &Channel{
		cfg:     cfg,
		log:     logging.WithCall(callSID).With().Str("component", "transcribe").Logger(),
		audioIn: make(chan []byte, 1000),
		events:  make(chan Event, 100),
		stopCh:  make(chan struct{}),
	}
}

func (c *Channel) endpoint() string {
	if c.cfg.EndpointURL != "" {
		return c.cfg.EndpointURL
	}
	params := url.Values{}
	params.Set("language-code", c.cfg.Language)
	params.Set("model", c.cfg.Model)
	params.Set("sample_rate", "16000")
	params.Set("input_audio_codec", "wav")
	params.Set("high_vad_sensitivity", "true")
	params.Set("vad_signals", "true")
	return fmt.Sprintf("wss://%s/speech-to-text/ws?%s", c.cfg.Host, params.Encode())
}

// Start connects and spawns the sender, receiver and keepalive loops.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.cfg.APIKey == "" {
		return fmt.Errorf("transcribe: api key is empty")
	}

	conn, err := dial(c.endpoint(), c.cfg.APIKey, c.log)
	if err != nil {
		return err
	}

	// The keepalive pings elicit pongs that push the read deadline forward;
	// a quiet but healthy line never times out, a dead one does.
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	c.conn = conn
	c.connected = true
	c.startedAt = time.Now()

	c.senderDone = make(chan struct{})
	c.wg.Add(2)
	go c.sendLoop()
	go c.receiveLoop()
	go c.keepaliveLoop()

	c.log.Info().Str("model", c.cfg.Model).Str("language", c.cfg.Language).Msg("transcription channel connected")
	return nil
}

// dial connects with retries and exponential backoff. Auth rejection is
// terminal and skips the remaining attempts.
func dial(endpoint, apiKey string, log zerolog.Logger) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	headers := http.Header{"Api-Subscription-Key": {apiKey}}

	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			log.Warn().Err(lastErr).Dur("backoff", backoff).Int("attempt", attempt+1).Msg("reconnecting")
			time.Sleep(backoff)
		}
		conn, resp, err := dialer.Dial(endpoint, headers)
		if err == nil {
			return conn, nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status=%d", ErrAuthRejected, resp.StatusCode)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("connect failed after %d attempts: %w", connectAttempts, lastErr)
}

// SendAudio queues one mu-law 8k chunk from the call. Never blocks; chunks
// are dropped with a log line when the buffer is full.
func (c *Channel) SendAudio(mulaw []byte) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return fmt.Errorf("transcribe: not connected")
	}
	select {
	case c.audioIn <- mulaw:
	default:
		c.log.Warn().Msg("audio buffer full, dropping chunk")
	}
	return nil
}

// Events returns the event stream. Closed after Stop.
func (c *Channel) Events() <-chan Event { return c.events }

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	var lag time.Duration
	if !c.firstTranscript.IsZero() {
		lag = c.firstTranscript.Sub(c.startedAt)
	}
	return Stats{
		Connected:          connected,
		ChunksSent:         c.chunksSent,
		Transcripts:        c.transcripts,
		FirstTranscriptLag: lag,
	}
}

// Stop tears the channel down. Safe to call more than once and after a
// transport failure.
func (c *Channel) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)

		// Let the sender push its final partial batch out before the
		// socket goes away.
		if c.senderDone != nil {
			<-c.senderDone
		}

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.connected = false
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		c.wg.Wait()
		close(c.events)
		c.log.Info().Msg("transcription channel closed")
	})
}

// markDisconnected flips the connected flag after a transport failure so
// SendAudio starts failing fast. The conn itself is closed by Stop.
func (c *Channel) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

type audioPayload struct {
	Data       string `json:"data"`
	SampleRate string `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

type audioMessage struct {
	Audio audioPayload `json:"audio"`
}

// sendLoop transcodes queued chunks to wideband PCM, batches them and ships
// each batch as one base64 WAV message.
func (c *Channel) sendLoop() {
	defer close(c.senderDone)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered in send loop")
		}
	}()

	var batch []byte
	timer := time.NewTimer(dequeueTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(dequeueTimeout)

		select {
		case <-c.stopCh:
			c.flush(batch)
			return
		case mulaw := <-c.audioIn:
			batch = append(batch, audio.MuLaw8kToPCM16k(mulaw)...)
			if len(batch) >= batchBytes {
				c.flush(batch)
				batch = nil
			}
		case <-timer.C:
			// Quiet line; push out whatever accumulated so transcripts
			// do not stall behind a partial batch.
			c.flush(batch)
			batch = nil
		}
	}
}

func (c *Channel) flush(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	msg := audioMessage{Audio: audioPayload{
		Data:       base64.StdEncoding.EncodeToString(audio.BuildWAV(pcm, audio.WidebandSampleRate)),
		SampleRate: "16000",
		Encoding:   "audio/wav",
	}}
	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Error().Err(err).Msg("audio upload failed")
		c.markDisconnected()
		return
	}

	c.statsMu.Lock()
	c.chunksSent++
	c.statsMu.Unlock()
	metrics.Default.AudioBytesIn.Add(float64(len(pcm)))
}

type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Data struct {
		Transcript string `json:"transcript"`
	} `json:"data"`
	Message string `json:"message"`
}

func (c *Channel) receiveLoop() {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered in receive loop")
		}
	}()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				c.log.Error().Err(err).Msg("receive failed")
				c.markDisconnected()
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		c.handleMessage(data)
	}
}

func (c *Channel) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("skipping malformed message")
		return
	}

	switch msg.Type {
	case "data":
		c.emitTranscript(msg.Data.Transcript)
	case "transcript":
		c.emitTranscript(msg.Text)
	case "speech_start", "START_SPEECH":
		c.emitVAD(EventSpeechStart, "start")
	case "speech_end", "END_SPEECH":
		c.emitVAD(EventSpeechEnd, "end")
	case "error":
		c.log.Error().Str("message", msg.Message).Msg("service reported error")
		select {
		case c.events <- Event{Type: EventError, Err: fmt.Errorf("transcribe: %s", msg.Message)}:
		default:
		}
	default:
		c.log.Debug().Str("type", msg.Type).Msg("ignoring unknown message type")
	}
}

func (c *Channel) emitTranscript(text string) {
	if text == "" {
		return
	}
	c.statsMu.Lock()
	if c.firstTranscript.IsZero() {
		c.firstTranscript = time.Now()
		metrics.Default.FirstTranscriptLatency.Observe(c.firstTranscript.Sub(c.startedAt).Seconds())
	}
	c.transcripts++
	c.statsMu.Unlock()
	metrics.Default.TranscriptsFinal.Inc()

	// Transcripts must not be dropped; block until delivered or stopped.
	select {
	case <-c.stopCh:
	case c.events <- Event{Type: EventTranscript, Text: text}:
	}
}

func (c *Channel) emitVAD(t EventType, label string) {
	metrics.Default.VoiceActivity.WithLabelValues(label).Inc()
	select {
	case c.events <- Event{Type: t}:
	default:
		// VAD signals are advisory; dropping one under backpressure is fine.
	}
}

func (c *Channel) keepaliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Msg("keepalive ping failed")
			}
		}
	}
}

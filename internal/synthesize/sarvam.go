package synthesize

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

// ErrAuthRejected means the service refused our credentials.
var ErrAuthRejected = errors.New("synthesize: authentication rejected")

const (
	connectAttempts  = 3
	handshakeTimeout = 10 * time.Second
	readDeadline     = 30 * time.Second
	keepaliveEvery   = 10 * time.Second
	dequeueTimeout   = 5 * time.Second
)

// Config for the Sarvam streaming text-to-speech channel.
type Config struct {
	APIKey   string
	Host     string
	Model    string
	Voice    string
	Language string
	Speed    float64
	Pitch    float64
	Loudness float64
	// BufferSize is the service-side min_buffer_size, clamped to [30, 200].
	BufferSize int
	// EndpointURL overrides the derived wss URL, used by tests.
	EndpointURL string
}

// Stats is a point-in-time snapshot of channel counters.
type Stats struct {
	Connected     bool
	Utterances    int64
	FramesEmitted int64
	FirstAudioLag time.Duration
	Speaking      bool
}

type utterance struct {
	text  string
	flush bool
}

// Channel streams text to Sarvam and yields telephony-ready mu-law frames.
// One Channel serves one call.
type Channel struct {
	cfg Config
	log zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool

	textIn  chan utterance
	frames  chan audio.Frame
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once

	stateMu       sync.Mutex
	speaking      bool
	utteranceAt   time.Time
	firstAudioLag time.Duration
	utterances    int64
	framesEmitted int64
}

func NewChannel(cfg Config, callSID string) *Channel {
	if cfg.BufferSize < 30 {
		cfg.BufferSize = 30
	}
	if cfg.BufferSize > 200 {
		cfg.BufferSize = 200
	}
	return &Channel{
		cfg:    cfg,
		log:    logging.WithCall(callSID).With().Str("component", "synthesize").Logger(),
		textIn: make(chan utterance, 100),
		frames: make(chan audio.Frame, 1000),
		stopCh: make(chan struct{}),
	}
}

func (c *Channel) endpoint() string {
	if c.cfg.EndpointURL != "" {
		return c.cfg.EndpointURL
	}
	params := url.Values{}
	params.Set("model", c.cfg.Model)
	params.Set("send_completion_event", "true")
	return fmt.Sprintf("wss://%s/text-to-speech/ws?%s", c.cfg.Host, params.Encode())
}

// Start connects, sends the one-time voice configuration and spawns the
// sender, receiver and keepalive loops.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.cfg.APIKey == "" {
		return fmt.Errorf("synthesize: api key is empty")
	}

	conn, err := dial(c.endpoint(), c.cfg.APIKey, c.log)
	if err != nil {
		return err
	}

	if err := conn.WriteJSON(c.configMessage()); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send config: %w", err)
	}

	// The keepalive pings elicit pongs that push the read deadline forward;
	// a quiet but healthy line never times out, a dead one does.
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	c.conn = conn
	c.connected = true

	c.wg.Add(3)
	go c.sendLoop()
	go c.receiveLoop()
	go c.keepaliveLoop()

	c.log.Info().Str("model", c.cfg.Model).Str("voice", c.cfg.Voice).Msg("synthesis channel connected")
	return nil
}

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

type configMessage struct {
	Type string     `json:"type"`
	Data configData `json:"data"`
}

type configData struct {
	TargetLanguageCode string  `json:"target_language_code"`
	Speaker            string  `json:"speaker"`
	Pitch              float64 `json:"pitch"`
	Pace               float64 `json:"pace"`
	Loudness           float64 `json:"loudness"`
	MinBufferSize      int     `json:"min_buffer_size"`
	MaxChunkLength     int     `json:"max_chunk_length"`
	OutputAudioCodec   string  `json:"output_audio_codec"`
	OutputAudioBitrate string  `json:"output_audio_bitrate"`
}

func (c *Channel) configMessage() configMessage {
	return configMessage{
		Type: "config",
		Data: configData{
			TargetLanguageCode: c.cfg.Language,
			Speaker:            c.cfg.Voice,
			Pitch:              c.cfg.Pitch,
			Pace:               c.cfg.Speed,
			Loudness:           c.cfg.Loudness,
			MinBufferSize:      c.cfg.BufferSize,
			MaxChunkLength:     250,
			OutputAudioCodec:   "wav",
			OutputAudioBitrate: "32k",
		},
	}
}

// Synthesize queues text for speech. flush marks the end of an utterance so
// the service renders everything buffered. Never blocks.
func (c *Channel) Synthesize(text string, flush bool) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return fmt.Errorf("synthesize: not connected")
	}
	select {
	case c.textIn <- utterance{text: text, flush: flush}:
	default:
		c.log.Warn().Msg("text buffer full, dropping utterance")
	}
	return nil
}

// Frames returns synthesized telephony frames, mu-law mono at 8 kHz.
func (c *Channel) Frames() <-chan audio.Frame { return c.frames }

// IsSpeaking reports whether an utterance is being rendered and has not yet
// received its completion event.
func (c *Channel) IsSpeaking() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.speaking
}

// Interrupt discards everything queued in both directions and resets the
// speaking state. Called on barge-in.
func (c *Channel) Interrupt() {
drainText:
	for {
		select {
		case <-c.textIn:
		default:
			break drainText
		}
	}
drainFrames:
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				// Stop already closed the channel; nothing left to drain.
				break drainFrames
			}
		default:
			break drainFrames
		}
	}
	c.stateMu.Lock()
	c.speaking = false
	c.utteranceAt = time.Time{}
	c.stateMu.Unlock()
	c.log.Debug().Msg("synthesis interrupted, queues drained")
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return Stats{
		Connected:     connected,
		Utterances:    c.utterances,
		FramesEmitted: c.framesEmitted,
		FirstAudioLag: c.firstAudioLag,
		Speaking:      c.speaking,
	}
}

// Stop tears the channel down. Safe to call more than once.
func (c *Channel) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.connected = false
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		c.wg.Wait()
		close(c.frames)
		c.log.Info().Msg("synthesis channel closed")
	})
}

func (c *Channel) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

type textMessage struct {
	Type string   `json:"type"`
	Data textData `json:"data"`
}

type textData struct {
	Text string `json:"text"`
}

type flushMessage struct {
	Type string `json:"type"`
}

func (c *Channel) sendLoop() {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered in send loop")
		}
	}()

	for {
		select {
		case <-c.stopCh:
			return
		case u := <-c.textIn:
			c.sendUtterance(u)
		case <-time.After(dequeueTimeout):
			// Idle; loop so shutdown is never blocked on a quiet queue.
		}
	}
}

func (c *Channel) sendUtterance(u utterance) {
	if u.text == "" && !u.flush {
		return
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	c.stateMu.Lock()
	if !c.speaking {
		c.speaking = true
		c.utteranceAt = time.Now()
		c.firstAudioLag = 0
		c.utterances++
	}
	c.stateMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if u.text != "" {
		if err := conn.WriteJSON(textMessage{Type: "text", Data: textData{Text: u.text}}); err != nil {
			c.log.Error().Err(err).Msg("text upload failed")
			c.markDisconnected()
			return
		}
	}
	if u.flush {
		if err := conn.WriteJSON(flushMessage{Type: "flush"}); err != nil {
			c.log.Error().Err(err).Msg("flush failed")
			c.markDisconnected()
		}
	}
}

type inboundMessage struct {
	Type string `json:"type"`
	Data struct {
		Audio       string `json:"audio"`
		ContentType string `json:"content_type"`
		EventType   string `json:"event_type"`
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
	case "audio":
		c.handleAudio(msg.Data.Audio)
	case "event":
		if msg.Data.EventType == "final" {
			c.stateMu.Lock()
			c.speaking = false
			c.stateMu.Unlock()
			c.log.Debug().Msg("utterance complete")
		}
	case "error":
		c.log.Error().Str("message", msg.Message).Msg("service reported error")
	default:
		c.log.Debug().Str("type", msg.Type).Msg("ignoring unknown message type")
	}
}

// handleAudio converts one service chunk into a telephony frame: base64 WAV
// in, mu-law 8 kHz out.
func (c *Channel) handleAudio(b64 string) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		c.log.Warn().Err(err).Msg("skipping undecodable audio chunk")
		return
	}
	pcm, rate := audio.ParseWAV(raw)
	if rate != audio.TelephonySampleRate {
		pcm = audio.Resample(pcm, rate, audio.TelephonySampleRate, 2)
	}
	mulaw := audio.EncodeMuLaw(pcm)
	if len(mulaw) == 0 {
		return
	}

	c.stateMu.Lock()
	if !c.utteranceAt.IsZero() && c.firstAudioLag == 0 {
		c.firstAudioLag = time.Since(c.utteranceAt)
		metrics.Default.FirstAudioLatency.Observe(c.firstAudioLag.Seconds())
	}
	c.framesEmitted++
	c.stateMu.Unlock()

	frame := audio.Frame{
		Data:        mulaw,
		Encoding:    audio.EncodingMuLaw,
		SampleRate:  audio.TelephonySampleRate,
		Channels:    1,
		SampleWidth: 1,
		ReceivedAt:  time.Now(),
	}
	select {
	case c.frames <- frame:
	default:
		c.log.Warn().Msg("frame buffer full, dropping audio")
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

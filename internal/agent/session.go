package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aurjobsa/PreScreeningAgent/internal/llm"
	"github.com/aurjobsa/PreScreeningAgent/internal/observability/logging"
	"github.com/aurjobsa/PreScreeningAgent/internal/observability/metrics"
	"github.com/aurjobsa/PreScreeningAgent/internal/transcribe"
	"github.com/aurjobsa/PreScreeningAgent/internal/webhook"
	"github.com/aurjobsa/PreScreeningAgent/internal/workflow"
)

const (
	idleCheckEvery = 5 * time.Second
	// outboundChunkBytes is 20ms of mu-law at 8 kHz, the pacing unit for
	// audio sent toward the telephony provider.
	outboundChunkBytes = 160

	apologyLine = "I'm sorry, I'm having technical difficulties. Goodbye."
)

// Config tunes one call session.
type Config struct {
	CallSID   string
	StreamSID string
	// InterruptionMinLength is the minimum final-transcript length that
	// counts as a barge-in while the assistant is speaking.
	InterruptionMinLength int
	IdleTimeout           time.Duration
	IdleCheckEvery        time.Duration
	// HangupGrace is how long to wait after the closing line so queued
	// audio plausibly finishes playing before the REST hangup.
	HangupGrace time.Duration
	// FramePace is the sleep between outbound 20ms chunks.
	FramePace time.Duration
}

func (c *Config) fillDefaults() {
	if c.InterruptionMinLength == 0 {
		c.InterruptionMinLength = 3
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.IdleCheckEvery == 0 {
		c.IdleCheckEvery = idleCheckEvery
	}
	if c.HangupGrace == 0 {
		c.HangupGrace = 3 * time.Second
	}
	if c.FramePace == 0 {
		c.FramePace = 20 * time.Millisecond
	}
}

// SessionStats is a point-in-time view of a session for status endpoints.
type SessionStats struct {
	CallSID        string  `json:"call_sid"`
	StreamSID      string  `json:"stream_sid"`
	State          string  `json:"state"`
	Workflow       string  `json:"workflow"`
	AssistantTurns int     `json:"assistant_turns"`
	TranscriptLen  int     `json:"transcript_len"`
	Duration       float64 `json:"duration_seconds"`
}

// Session orchestrates one call: caller audio in, transcripts to the LLM,
// synthesized replies back out, with barge-in and workflow-driven hangup.
type Session struct {
	cfg Config
	log zerolog.Logger

	transcriber Transcriber
	synth       Synthesizer
	responder   Responder
	transport   Transport
	control     CallControl
	notifier    ResultNotifier
	wf          workflow.Workflow

	mu             sync.Mutex
	state          State
	history        []llm.Message
	transcript     []webhook.TranscriptEntry
	assistantTurns int
	lastActivity   time.Time
	genCancel      context.CancelFunc
	genDone        chan struct{}

	startedAt time.Time
	stopCh    chan struct{}
	cleanup   sync.Once
}

func NewSession(cfg Config, t Transcriber, s Synthesizer, r Responder, tr Transport, cc CallControl, n ResultNotifier, wf workflow.Workflow) *Session {
	cfg.fillDefaults()
	return &Session{
		cfg:         cfg,
		log:         logging.WithStream(cfg.CallSID, cfg.StreamSID),
		transcriber: t,
		synth:       s,
		responder:   r,
		transport:   tr,
		control:     cc,
		notifier:    n,
		wf:          wf,
		state:       StateIdle,
		stopCh:      make(chan struct{}),
	}
}

// Start connects both streaming channels, speaks the workflow's opening
// line and begins dispatching events.
func (s *Session) Start() error {
	if err := s.transcriber.Start(); err != nil {
		return fmt.Errorf("start transcriber: %w", err)
	}
	if err := s.synth.Start(); err != nil {
		s.transcriber.Stop()
		return fmt.Errorf("start synthesizer: %w", err)
	}

	now := time.Now()
	s.startedAt = now
	s.mu.Lock()
	s.lastActivity = now
	s.history = append(s.history, llm.Message{Role: "system", Content: s.wf.SystemPrompt()})
	s.mu.Unlock()

	metrics.Default.RecordCallStart()

	go s.dispatchLoop()
	go s.pumpLoop()
	go s.idleLoop()

	s.say(s.wf.FirstUtterance())
	s.setState(StateAwaitingUser)

	s.log.Info().Str("workflow", string(s.wf.Kind())).Msg("call session started")
	return nil
}

// HandleAudio forwards one inbound telephony chunk to the transcriber.
func (s *Session) HandleAudio(mulaw []byte) {
	_ = s.transcriber.SendAudio(mulaw)
}

// State returns the current turn-taking state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot for status endpoints.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		CallSID:        s.cfg.CallSID,
		StreamSID:      s.cfg.StreamSID,
		State:          s.state.String(),
		Workflow:       string(s.wf.Kind()),
		AssistantTurns: s.assistantTurns,
		TranscriptLen:  len(s.transcript),
		Duration:       time.Since(s.startedAt).Seconds(),
	}
}

// Transcript returns a copy of the ordered transcript so far.
func (s *Session) Transcript() []webhook.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webhook.TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// End gracefully terminates the call: closing line, grace delay, REST
// hangup, cleanup. Used by idle timeout and explicit end-call requests.
func (s *Session) End() {
	s.gracefulEnd(s.wf.ClosingLine(), true)
}

// EndOnDisconnect tears the session down after the media stream is gone.
// Nothing is spoken and no hangup call is made, the call is already dead.
func (s *Session) EndOnDisconnect() {
	s.mu.Lock()
	already := s.state == StateEnded
	s.state = StateEnded
	cancel, done := s.genCancel, s.genDone
	s.mu.Unlock()
	if already {
		return
	}
	if cancel != nil {
		cancel()
		<-done
	}
	s.log.Info().Msg("media stream disconnected, ending session")
	s.runCleanup()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateEnded {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// say appends an assistant line to the history and transcript and queues it
// for synthesis.
func (s *Session) say(text string) {
	s.mu.Lock()
	s.history = append(s.history, llm.Message{Role: "assistant", Content: text})
	s.transcript = append(s.transcript, webhook.TranscriptEntry{Speaker: "assistant", Text: text})
	s.lastActivity = time.Now()
	s.mu.Unlock()
	if err := s.synth.Synthesize(text, true); err != nil {
		s.log.Error().Err(err).Msg("synthesis enqueue failed")
	}
}

// dispatchLoop consumes transcriber events until the channel closes. A close
// that was not requested means the transcription side died under us.
func (s *Session) dispatchLoop() {
	for ev := range s.transcriber.Events() {
		switch ev.Type {
		case transcribe.EventTranscript:
			s.handleTranscript(ev.Text)
		case transcribe.EventSpeechStart, transcribe.EventSpeechEnd:
			s.touch()
		case transcribe.EventError:
			s.log.Warn().Err(ev.Err).Msg("transcription error event")
		}
	}
	select {
	case <-s.stopCh:
	default:
		s.failChannel(errors.New("transcription channel closed unexpectedly"))
	}
}

// handleTranscript runs one step of the turn state machine for a final
// user transcript.
func (s *Session) handleTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.history = append(s.history, llm.Message{Role: "user", Content: text})
	s.transcript = append(s.transcript, webhook.TranscriptEntry{Speaker: "user", Text: text})
	s.lastActivity = time.Now()
	state := s.state
	cancel, done := s.genCancel, s.genDone
	s.mu.Unlock()

	s.log.Info().Str("text", text).Str("state", state.String()).Msg("final transcript")

	interrupting := s.synth.IsSpeaking() && len(text) >= s.cfg.InterruptionMinLength
	if interrupting {
		s.log.Info().Msg("barge-in detected")
		metrics.Default.Interruptions.Inc()
		if cancel != nil {
			cancel()
			<-done
		}
		s.synth.Interrupt()
		if err := s.transport.SendClear(s.cfg.StreamSID); err != nil {
			s.log.Warn().Err(err).Msg("clear command failed")
		}
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	if s.state == StateProcessingTurn && !interrupting {
		// One generation in flight; the new text is already appended and
		// will be part of the next turn's context.
		s.mu.Unlock()
		return
	}
	s.state = StateProcessingTurn
	ctx, genCancel := context.WithCancel(context.Background())
	genDone := make(chan struct{})
	s.genCancel, s.genDone = genCancel, genDone
	messages := make([]llm.Message, len(s.history))
	copy(messages, s.history)
	s.mu.Unlock()

	go s.generate(ctx, genDone, messages)
}

// generate runs at most one response generation for the session.
func (s *Session) generate(ctx context.Context, done chan struct{}, messages []llm.Message) {
	defer close(done)
	defer s.detachGeneration(done)

	reply, err := s.responder.Generate(ctx, messages)
	if ctx.Err() != nil {
		// Cancelled by a barge-in: no partial state escapes.
		s.log.Debug().Msg("generation cancelled")
		return
	}
	if err != nil {
		if errors.Is(err, llm.ErrEmptyResponse) {
			s.log.Warn().Msg("empty generation, returning turn to caller")
			metrics.Default.ResponsesEmpty.Inc()
		} else {
			s.log.Error().Err(err).Msg("generation failed")
		}
		s.setState(StateAwaitingUser)
		return
	}

	if strings.Contains(reply, workflow.HangupToken) {
		s.log.Info().Msg("hangup token in response, ending call")
		s.detachGeneration(done)
		s.gracefulEnd(s.wf.ClosingLine(), true)
		return
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.history = append(s.history, llm.Message{Role: "assistant", Content: reply})
	s.transcript = append(s.transcript, webhook.TranscriptEntry{Speaker: "assistant", Text: reply})
	s.assistantTurns++
	turns := s.assistantTurns
	s.lastActivity = time.Now()
	s.mu.Unlock()

	metrics.Default.ResponsesGenerated.Inc()
	s.wf.Observe(reply)

	if s.wf.Complete(turns) {
		s.log.Info().Int("turns", turns).Msg("workflow complete, ending call")
		s.detachGeneration(done)
		s.gracefulEnd(s.wf.ClosingLine(), true)
		return
	}

	if err := s.synth.Synthesize(reply, true); err != nil {
		s.log.Error().Err(err).Msg("synthesis enqueue failed")
	}
	s.setState(StateAwaitingUser)
}

// detachGeneration clears the generation handle when the call is being ended
// from inside the generation goroutine itself, so gracefulEnd does not wait
// on the very goroutine it runs in.
func (s *Session) detachGeneration(done chan struct{}) {
	s.mu.Lock()
	var cancel context.CancelFunc
	if s.genDone == done {
		cancel = s.genCancel
		s.genCancel, s.genDone = nil, nil
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pumpLoop feeds synthesized frames to the transport in 20ms chunks, paced
// at roughly real time so the provider's playout buffer is not overrun.
func (s *Session) pumpLoop() {
	for frame := range s.synth.Frames() {
		data := frame.Data
		for off := 0; off < len(data); off += outboundChunkBytes {
			select {
			case <-s.stopCh:
				return
			default:
			}
			end := off + outboundChunkBytes
			if end > len(data) {
				end = len(data)
			}
			if err := s.transport.SendAudio(s.cfg.StreamSID, data[off:end]); err != nil {
				s.log.Warn().Err(err).Msg("outbound audio failed")
				return
			}
			metrics.Default.AudioBytesOut.Add(float64(end - off))
			time.Sleep(s.cfg.FramePace)
		}
		s.touch()
	}
}

// idleLoop ends the call when the conversation goes quiet for too long.
func (s *Session) idleLoop() {
	ticker := time.NewTicker(s.cfg.IdleCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			ended := s.state == StateEnded
			s.mu.Unlock()
			if ended {
				return
			}
			if idle >= s.cfg.IdleTimeout {
				s.log.Info().Dur("idle", idle).Msg("idle timeout, ending call")
				s.End()
				return
			}
		}
	}
}

// failChannel handles an unrecoverable streaming failure: apologize if we
// still can, then end the call.
func (s *Session) failChannel(err error) {
	s.log.Error().Err(err).Msg("channel failure, aborting call")
	s.gracefulEnd(apologyLine, true)
}

// gracefulEnd speaks a goodbye, waits for it to play out, hangs up through
// the REST API and runs cleanup. Safe under concurrent triggers; only the
// first caller performs the sequence.
func (s *Session) gracefulEnd(goodbye string, hangup bool) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	cancel, done := s.genCancel, s.genDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if goodbye != "" {
		s.mu.Lock()
		s.history = append(s.history, llm.Message{Role: "assistant", Content: goodbye})
		s.transcript = append(s.transcript, webhook.TranscriptEntry{Speaker: "assistant", Text: goodbye})
		s.mu.Unlock()
		if err := s.synth.Synthesize(goodbye, true); err == nil {
			time.Sleep(s.cfg.HangupGrace)
		}
	}

	if hangup {
		if err := s.control.Hangup(s.cfg.CallSID); err != nil {
			s.log.Warn().Err(err).Msg("hangup call failed")
		}
	}
	s.runCleanup()
}

// runCleanup stops the channels, fires the result webhook and records call
// metrics, exactly once no matter how many paths race here.
func (s *Session) runCleanup() {
	s.cleanup.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		s.state = StateEnded
		transcript := make([]webhook.TranscriptEntry, len(s.transcript))
		copy(transcript, s.transcript)
		turns := s.assistantTurns
		s.mu.Unlock()

		s.transcriber.Stop()
		s.synth.Stop()

		duration := time.Since(s.startedAt).Seconds()
		params := s.wf.Params()
		ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelCtx()
		s.notifier.Send(ctx, webhook.CallResult{
			CallSID:       s.cfg.CallSID,
			ChatID:        params.ChatID,
			Transcript:    transcript,
			Duration:      duration,
			WorkflowRunID: params.WorkflowRunID,
		})

		metrics.Default.RecordCallEnd(duration)
		s.log.Info().
			Float64("duration", duration).
			Int("assistant_turns", turns).
			Int("transcript_entries", len(transcript)).
			Msg("call session cleaned up")
	})
}

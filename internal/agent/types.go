package agent

import (
	"context"

	"github.com/aurjobsa/PreScreeningAgent/internal/audio"
	"github.com/aurjobsa/PreScreeningAgent/internal/llm"
	"github.com/aurjobsa/PreScreeningAgent/internal/transcribe"
	"github.com/aurjobsa/PreScreeningAgent/internal/webhook"
)

// Transcriber streams caller audio out and transcript events back.
type Transcriber interface {
	Start() error
	SendAudio(mulaw []byte) error
	Events() <-chan transcribe.Event
	Stop()
}

// Synthesizer turns text into telephony audio frames.
type Synthesizer interface {
	Start() error
	Synthesize(text string, flush bool) error
	Frames() <-chan audio.Frame
	Interrupt()
	IsSpeaking() bool
	Stop()
}

// Responder produces the assistant's reply for a conversation.
type Responder interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
}

// Transport sends audio and control frames back to the telephony provider
// over the call's media stream.
type Transport interface {
	SendAudio(streamSID string, mulaw []byte) error
	SendClear(streamSID string) error
}

// CallControl terminates calls through the provider's REST API.
type CallControl interface {
	Hangup(callSID string) error
}

// ResultNotifier receives the call result when a session ends.
type ResultNotifier interface {
	Send(ctx context.Context, result webhook.CallResult)
}

// State is the turn-taking state of a call session.
type State int32

const (
	// StateIdle: nobody owes a turn yet.
	StateIdle State = iota
	// StateAwaitingUser: the assistant finished its turn, waiting for the
	// caller's next final transcript.
	StateAwaitingUser
	// StateProcessingTurn: a response generation is in flight.
	StateProcessingTurn
	// StateEnded is terminal.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUser:
		return "awaiting_user"
	case StateProcessingTurn:
		return "processing_turn"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

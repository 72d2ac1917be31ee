package httpserver

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go/twiml"

	"github.com/aurjobsa/PreScreeningAgent/internal/agent"
	"github.com/aurjobsa/PreScreeningAgent/internal/config"
	"github.com/aurjobsa/PreScreeningAgent/internal/llm"
	"github.com/aurjobsa/PreScreeningAgent/internal/observability/logging"
	"github.com/aurjobsa/PreScreeningAgent/internal/synthesize"
	"github.com/aurjobsa/PreScreeningAgent/internal/transcribe"
	"github.com/aurjobsa/PreScreeningAgent/internal/webhook"
	"github.com/aurjobsa/PreScreeningAgent/internal/workflow"
)

// CallControl is the control-plane surface the server needs from the
// telephony provider.
type CallControl interface {
	CreateCall(to, voiceURL string) (string, error)
	Hangup(callSID string) error
}

// DocumentStore persists uploaded documents.
type DocumentStore interface {
	UploadDocument(kind, filename, contentType string, data []byte) (string, error)
}

// SessionFactory builds a call session bound to a media-stream transport.
type SessionFactory func(callSID, streamSID string, params workflow.Params, transport agent.Transport) (*agent.Session, error)

// Server is the HTTP and websocket front door.
type Server struct {
	Echo *echo.Echo

	cfg      config.Config
	log      zerolog.Logger
	registry *Registry
	control  CallControl
	notifier *webhook.Notifier
	store    DocumentStore
	factory  SessionFactory
}

func New(cfg config.Config, registry *Registry, control CallControl, store DocumentStore) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		Echo:     e,
		cfg:      cfg,
		log:      logging.WithComponent("httpserver"),
		registry: registry,
		control:  control,
		notifier: webhook.NewNotifier(cfg.CallResultWebhookURL),
		store:    store,
	}
	s.factory = s.buildSession

	e.GET("/", s.handleRoot)
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/voice/incoming", s.handleVoiceIncoming)
	e.GET("/stream", s.handleStream)
	e.POST("/api/call", s.handleCreateCall)
	e.GET("/api/calls", s.handleListCalls)
	e.POST("/api/calls/:sid/end", s.handleEndCall)
	e.POST("/api/recording", s.handleRecordingStatus)
	e.POST("/upload-resumes", s.uploadHandler("resumes"))
	e.POST("/upload-job-descriptions", s.uploadHandler("job-descriptions"))

	return s
}

// buildSession wires the per-call streaming channels to a new session.
func (s *Server) buildSession(callSID, streamSID string, params workflow.Params, transport agent.Transport) (*agent.Session, error) {
	transcriber := transcribe.NewChannel(transcribe.Config{
		APIKey:   s.cfg.SarvamAPIKey,
		Host:     s.cfg.SarvamAPIHost,
		Model:    s.cfg.TranscriberModel,
		Language: s.cfg.TranscriberLanguage,
	}, callSID)
	synthesizer := synthesize.NewChannel(synthesize.Config{
		APIKey:     s.cfg.SarvamAPIKey,
		Host:       s.cfg.SarvamAPIHost,
		Model:      s.cfg.SynthesizerModel,
		Voice:      s.cfg.SynthesizerVoice,
		Language:   s.cfg.SynthesizerLanguage,
		Speed:      s.cfg.SynthesizerSpeed,
		Pitch:      s.cfg.SynthesizerPitch,
		Loudness:   s.cfg.SynthesizerLoudness,
		BufferSize: s.cfg.SynthesizerBuffer,
	}, callSID)
	responder := llm.NewAzureClient(s.cfg.AzureOpenAIEndpoint, s.cfg.AzureOpenAIKey,
		s.cfg.AzureOpenAIDeployment, s.cfg.AzureOpenAIVersion)

	return agent.NewSession(agent.Config{
		CallSID:               callSID,
		StreamSID:             streamSID,
		InterruptionMinLength: s.cfg.InterruptionMinLength,
		IdleTimeout:           s.cfg.IdleTimeout,
	}, transcriber, synthesizer, responder, transport, s.control, s.notifier, workflow.New(params)), nil
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": "voice-agent",
		"status":  "running",
		"providers": map[string]string{
			"stt": s.cfg.TranscriberModel,
			"tts": s.cfg.SynthesizerModel,
			"llm": s.cfg.AzureOpenAIDeployment,
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleVoiceIncoming answers Twilio's voice webhook with TwiML connecting
// the call to our media-stream endpoint.
func (s *Server) handleVoiceIncoming(c echo.Context) error {
	callSID := c.FormValue("CallSid")
	from := c.FormValue("From")
	s.log.Info().Str("call_sid", callSID).Str("from", from).Msg("incoming call")

	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{Url: fmt.Sprintf("wss://%s/stream", s.cfg.WebhookBaseURL)},
			},
		},
	})
	if err != nil {
		return c.String(http.StatusInternalServerError, "twiml build failed")
	}
	return c.Blob(http.StatusOK, "application/xml", []byte(doc))
}

type createCallRequest struct {
	Phone              string `json:"phone"`
	Workflow           string `json:"workflow"`
	CandidateName      string `json:"candidate_name"`
	ResumeText         string `json:"resume_text"`
	JobDescriptionText string `json:"job_description_text"`
	CompanyName        string `json:"company_name"`
	ProductName        string `json:"product_name"`
	WorkflowRunID      string `json:"workflow_run_id"`
}

// handleCreateCall places an outbound call and registers the workflow
// parameters it should run under once media starts flowing.
func (s *Server) handleCreateCall(c echo.Context) error {
	var req createCallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Phone == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "phone is required"})
	}

	voiceURL := fmt.Sprintf("https://%s/voice/incoming", s.cfg.WebhookBaseURL)
	callSID, err := s.control.CreateCall(req.Phone, voiceURL)
	if err != nil {
		s.log.Error().Err(err).Str("phone", req.Phone).Msg("outbound call failed")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "call creation failed"})
	}

	s.registry.RegisterPending(callSID, workflow.Params{
		Kind:               workflow.Kind(req.Workflow),
		CandidateName:      req.CandidateName,
		ResumeText:         req.ResumeText,
		JobDescriptionText: req.JobDescriptionText,
		CompanyName:        req.CompanyName,
		ProductName:        req.ProductName,
		WorkflowRunID:      req.WorkflowRunID,
	})

	return c.JSON(http.StatusOK, map[string]string{"call_sid": callSID})
}

func (s *Server) handleListCalls(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"calls": s.registry.Stats()})
}

func (s *Server) handleEndCall(c echo.Context) error {
	sid := c.Param("sid")
	session, ok := s.registry.Get(sid)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no active call"})
	}
	// The graceful sequence includes a playout grace sleep; do not hold the
	// request open for it.
	go session.End()
	return c.JSON(http.StatusOK, map[string]string{"status": "ending"})
}

func (s *Server) handleRecordingStatus(c echo.Context) error {
	s.log.Info().
		Str("call_sid", c.FormValue("CallSid")).
		Str("status", c.FormValue("RecordingStatus")).
		Msg("recording status callback")
	return c.String(http.StatusOK, "OK")
}

// uploadHandler stores multipart document uploads in the document bucket.
func (s *Server) uploadHandler(kind string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.store == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "document storage not configured"})
		}
		form, err := c.MultipartForm()
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "multipart form required"})
		}
		var keys []string
		for _, files := range form.File {
			for _, fh := range files {
				f, err := fh.Open()
				if err != nil {
					return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable file"})
				}
				data, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable file"})
				}
				key, err := s.store.UploadDocument(kind, fh.Filename, fh.Header.Get("Content-Type"), data)
				if err != nil {
					s.log.Error().Err(err).Str("filename", fh.Filename).Msg("document upload failed")
					return c.JSON(http.StatusInternalServerError, map[string]string{"error": "upload failed"})
				}
				keys = append(keys, key)
			}
		}
		return c.JSON(http.StatusOK, map[string]any{"uploaded": keys})
	}
}

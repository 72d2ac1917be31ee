package httpserver

import (
	"encoding/base64"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/aurjobsa/PreScreeningAgent/internal/agent"
	"github.com/aurjobsa/PreScreeningAgent/internal/observability/logging"
	"github.com/aurjobsa/PreScreeningAgent/internal/telephony"
)

var streamUpgrader = websocket.Upgrader{
	// Twilio does not send an Origin header browsers would.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream runs the Twilio Media Streams loop for one call: wait for
// the start frame, spin up a session, feed it media, tear down on stop or
// disconnect.
func (s *Server) handleStream(c echo.Context) error {
	conn, err := streamUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	transport := telephony.NewMediaStream(conn)
	var session *agent.Session
	var callSID string
	log := s.log

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if session != nil {
				session.EndOnDisconnect()
				s.registry.Remove(callSID)
			}
			return nil
		}

		msg, err := telephony.ParseStreamMessage(data)
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed stream frame")
			continue
		}

		switch msg.Event {
		case telephony.EventConnected:
			log.Debug().Msg("media stream connected")

		case telephony.EventStart:
			if msg.Start == nil {
				log.Warn().Msg("start frame without start payload")
				continue
			}
			callSID = msg.Start.CallSID
			streamSID := msg.Start.StreamSID
			log = logging.WithStream(callSID, streamSID)

			params := s.registry.TakePending(callSID)
			var created bool
			session, created, err = s.registry.GetOrCreate(callSID, func() (*agent.Session, error) {
				return s.factory(callSID, streamSID, params, transport)
			})
			if err != nil {
				log.Error().Err(err).Msg("session build failed")
				return nil
			}
			if created {
				if err := session.Start(); err != nil {
					log.Error().Err(err).Msg("session start failed")
					s.registry.Remove(callSID)
					return nil
				}
			} else {
				log.Info().Msg("reusing live session for call")
			}

		case telephony.EventMedia:
			if session == nil || msg.Media == nil {
				continue
			}
			mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				log.Warn().Err(err).Msg("skipping undecodable media payload")
				continue
			}
			session.HandleAudio(mulaw)

		case telephony.EventStop:
			log.Info().Msg("media stream stopped")
			if session != nil {
				session.EndOnDisconnect()
				s.registry.Remove(callSID)
			}
			return nil

		case telephony.EventMark:
			// Playout checkpoints, nothing to do.

		default:
			log.Debug().Str("event", msg.Event).Msg("ignoring unknown stream event")
		}
	}
}

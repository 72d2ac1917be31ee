package telephony

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Control drives calls through the Twilio REST API.
type Control struct {
	client      *twilio.RestClient
	phoneNumber string
}

func NewControl(accountSID, authToken, phoneNumber string) *Control {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Control{client: client, phoneNumber: phoneNumber}
}

// CreateCall places an outbound call that fetches TwiML from voiceURL when
// answered. Returns the call SID.
func (c *Control) CreateCall(to, voiceURL string) (string, error) {
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.phoneNumber)
	params.SetUrl(voiceURL)
	params.SetMethod("POST")

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call to %s: %w", to, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("create call to %s: no sid in response", to)
	}
	log.Info().Str("call_sid", *resp.Sid).Str("to", to).Msg("outbound call created")
	return *resp.Sid, nil
}

// Hangup terminates an in-progress call.
func (c *Control) Hangup(callSID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := c.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("hangup %s: %w", callSID, err)
	}
	log.Info().Str("call_sid", callSID).Msg("call hung up")
	return nil
}

package twilio

import (
	"github.com/aegisapp/aegis/shared"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// ClientWrapper adapts the Twilio rest client to the notifier's Sender
// interface. In test mode messages are logged instead of sent, so dev
// servers and tests never hit the carrier.
type ClientWrapper struct {
	client   *twilio.RestClient
	config   shared.TwilioConfig
	logg     *zap.SugaredLogger
	testMode bool
}

func NewClient(config shared.TwilioConfig, logg *zap.SugaredLogger, testMode bool) *ClientWrapper {
	client := twilio.NewRestClientWithParams(twilio.RestClientParams{
		Username: config.AccountSid,
		Password: config.AuthToken,
	})

	return &ClientWrapper{
		client:   client,
		config:   config,
		logg:     logg,
		testMode: testMode,
	}
}

func (cw *ClientWrapper) SendMessage(to, msg string) error {
	if cw.testMode {
		cw.logg.Infof("[test mode] sms to %v: %v", to, msg)
		return nil
	}

	params := &openapi.CreateMessageParams{}
	params.SetMessagingServiceSid(cw.config.MessagingServiceSid)
	params.SetTo(to)
	params.SetBody(msg)

	resp, err := cw.client.ApiV2010.CreateMessage(params)
	if err != nil {
		return err
	}

	if resp.ErrorMessage != nil && *resp.ErrorMessage != "" {
		cw.logg.Warnf("twilio accepted message to %v with error: %v", to, *resp.ErrorMessage)
	}

	return nil
}

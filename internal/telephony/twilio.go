package telephony

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	CallerID          string
	StatusCallbackURL string
	Timeout           time.Duration
	Record            bool
}

// TwilioGateway calls the agent first and bridges the lead with inline TwiML.
type TwilioGateway struct {
	cfg    TwilioConfig
	client callCreator
	clock  func() time.Time
}

func NewTwilioGateway(cfg TwilioConfig) (*TwilioGateway, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: missing twilio credentials")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioGateway{cfg: cfg, client: rest.Api, clock: time.Now}, nil
}

func (g *TwilioGateway) Name() string { return "twilio" }

type createResult struct {
	call *api.ApiV2010Call
	err  error
}

func (g *TwilioGateway) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	callerID := req.CallerID
	if callerID == "" {
		callerID = g.cfg.CallerID
	}
	if req.From == "" || req.To == "" || callerID == "" {
		return PlaceCallResult{}, &GatewayError{Provider: g.Name(), Err: errors.New("from, to and caller id required")}
	}

	twiml, err := RenderBridgeTwiML(Bridge{Target: "+" + strings.TrimPrefix(req.To, "+"), CallerID: callerID, Record: g.cfg.Record})
	if err != nil {
		return PlaceCallResult{}, &GatewayError{Provider: g.Name(), Err: err}
	}

	params := &api.CreateCallParams{}
	params.SetTo("+" + strings.TrimPrefix(req.From, "+"))
	params.SetFrom(callerID)
	params.SetTwiml(twiml)
	if g.cfg.StatusCallbackURL != "" {
		params.SetStatusCallback(g.cfg.StatusCallbackURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}

	// The REST client takes no context; bound the wait here instead.
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	done := make(chan createResult, 1)
	go func() {
		call, err := g.client.CreateCall(params)
		done <- createResult{call: call, err: err}
	}()

	var res createResult
	select {
	case <-ctx.Done():
		return PlaceCallResult{}, &GatewayError{Provider: g.Name(), Err: ctx.Err()}
	case res = <-done:
	}
	if res.err != nil {
		return PlaceCallResult{}, &GatewayError{Provider: g.Name(), Err: res.err}
	}
	if res.call == nil || res.call.Sid == nil || strings.TrimSpace(*res.call.Sid) == "" {
		return PlaceCallResult{ProviderCallID: PlaceholderCallID(g.clock(), req.CallID), Synthesized: true}, nil
	}
	return PlaceCallResult{ProviderCallID: *res.call.Sid}, nil
}

package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPConfig configures the form-POST "connect" API used by Exotel-style
// providers: the agent (From) is rung first and bridged to To.
type HTTPConfig struct {
	BaseURL           string
	AccountSID        string
	APIKey            string
	APIToken          string
	CallerID          string
	StatusCallbackURL string
	Timeout           time.Duration
	Record            bool

	// AcceptStatus lists HTTP codes treated as success; empty means 200 and 201.
	AcceptStatus []int
}

type HTTPGateway struct {
	cfg    HTTPConfig
	client *resty.Client
	clock  func() time.Time
}

func NewHTTPGateway(cfg HTTPConfig) (*HTTPGateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("telephony: provider base url required")
	}
	if cfg.AccountSID == "" {
		return nil, errors.New("telephony: provider account sid required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.AcceptStatus) == 0 {
		cfg.AcceptStatus = []int{200, 201}
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		client.SetBasicAuth(cfg.APIKey, cfg.APIToken)
	}
	return &HTTPGateway{cfg: cfg, client: client, clock: time.Now}, nil
}

func (g *HTTPGateway) Name() string { return "http" }

func (g *HTTPGateway) connectPath() string {
	return fmt.Sprintf("/v1/Accounts/%s/Calls/connect", url.PathEscape(g.cfg.AccountSID))
}

func (g *HTTPGateway) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	callerID := req.CallerID
	if callerID == "" {
		callerID = g.cfg.CallerID
	}
	form := map[string]string{
		"From":        req.From,
		"To":          req.To,
		"CallerId":    callerID,
		"CallType":    "trans",
		"CustomField": req.CallID,
	}
	if g.cfg.Record {
		form["Record"] = "true"
	}
	if g.cfg.StatusCallbackURL != "" {
		form["StatusCallback"] = g.cfg.StatusCallbackURL
		form["StatusCallbackEvents[0]"] = "terminal"
		form["StatusCallbackEvents[1]"] = "answered"
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post(g.connectPath())
	if err != nil {
		return PlaceCallResult{}, &GatewayError{Provider: g.Name(), Err: err}
	}
	if !g.accepted(resp.StatusCode()) {
		return PlaceCallResult{}, &GatewayError{Provider: g.Name(), StatusCode: resp.StatusCode(), Body: truncateBody(resp.Body())}
	}

	if id := ExtractCallID(resp.Body()); id != "" {
		return PlaceCallResult{ProviderCallID: id}, nil
	}
	return PlaceCallResult{ProviderCallID: PlaceholderCallID(g.clock(), req.CallID), Synthesized: true}, nil
}

func (g *HTTPGateway) accepted(code int) bool {
	for _, c := range g.cfg.AcceptStatus {
		if c == code {
			return true
		}
	}
	return false
}

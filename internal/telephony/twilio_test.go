package telephony

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	last  *api.CreateCallParams
	sid   string
	err   error
	block chan struct{}
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	if s.block != nil {
		<-s.block
	}
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	if s.sid == "" {
		return &api.ApiV2010Call{}, nil
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func newTestTwilio(stub *stubCreator) *TwilioGateway {
	g, _ := NewTwilioGateway(TwilioConfig{AccountSID: "AC1", AuthToken: "token", CallerID: "+15550000000", StatusCallbackURL: "https://crm.example.com/webhooks/provider/status", Timeout: 100 * time.Millisecond})
	g.client = stub
	return g
}

func TestTwilioGatewayPlaceCall(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	g := newTestTwilio(stub)

	res, err := g.PlaceCall(context.Background(), PlaceCallRequest{CallID: "c1", From: "919876543210", To: "919812345678"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.ProviderCallID != "CA123" || res.Synthesized {
		t.Fatalf("unexpected result %+v", res)
	}
	if stub.last.To == nil || *stub.last.To != "+919876543210" {
		t.Fatalf("expected agent leg To")
	}
	if stub.last.Twiml == nil || !strings.Contains(*stub.last.Twiml, "<Number>+919812345678</Number>") {
		t.Fatalf("expected bridge twiml, got %v", stub.last.Twiml)
	}
	if stub.last.StatusCallback == nil {
		t.Fatalf("expected status callback")
	}
}

func TestTwilioGatewayMissingSidSynthesizes(t *testing.T) {
	g := newTestTwilio(&stubCreator{})
	g.clock = func() time.Time { return time.UnixMilli(7) }

	res, err := g.PlaceCall(context.Background(), PlaceCallRequest{CallID: "c9", From: "1", To: "2"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.Synthesized || res.ProviderCallID != "temp_7_c9" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTwilioGatewayErrors(t *testing.T) {
	g := newTestTwilio(&stubCreator{err: errors.New("20003 auth")})
	_, err := g.PlaceCall(context.Background(), PlaceCallRequest{CallID: "c1", From: "1", To: "2"})
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}

	block := make(chan struct{})
	defer close(block)
	g = newTestTwilio(&stubCreator{block: block})
	_, err = g.PlaceCall(context.Background(), PlaceCallRequest{CallID: "c1", From: "1", To: "2"})
	if !errors.As(err, &gerr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline GatewayError, got %v", err)
	}
}

func TestRenderBridgeTwiML(t *testing.T) {
	xml, err := RenderBridgeTwiML(Bridge{Target: "sip:agent@pbx.example.com", CallerID: "+1555", Record: true})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{"<Sip>sip:agent@pbx.example.com</Sip>", `record="record-from-answer"`, `callerId="+1555"`} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
	if _, err := RenderBridgeTwiML(Bridge{}); err == nil {
		t.Fatalf("expected error")
	}
}

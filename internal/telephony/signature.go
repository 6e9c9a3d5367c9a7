package telephony

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"
)

var ErrBadSignature = errors.New("telephony: webhook authenticity check failed")

// Verifier checks that a status callback came from the provider.
type Verifier interface {
	Verify(r *http.Request, body []byte, cb StatusCallback) error
}

// TwilioVerifier validates X-Twilio-Signature against the configured auth
// token. URL is the public callback URL the provider was given.
type TwilioVerifier struct {
	URL       string
	validator twilioclient.RequestValidator
}

func NewTwilioVerifier(authToken, publicURL string) *TwilioVerifier {
	return &TwilioVerifier{URL: publicURL, validator: twilioclient.NewRequestValidator(authToken)}
}

func (v *TwilioVerifier) Verify(r *http.Request, body []byte, cb StatusCallback) error {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return ErrBadSignature
	}
	u := RequestURL(r, v.URL)
	var ok bool
	if cb.Form != nil {
		ok = v.validator.Validate(u, cb.Form, sig)
	} else {
		ok = v.validator.ValidateBody(u, body, sig)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// TokenVerifier accepts requests carrying a shared secret in the
// X-Webhook-Token header or the token query parameter.
type TokenVerifier struct {
	Token string
}

func (v TokenVerifier) Verify(r *http.Request, _ []byte, _ StatusCallback) error {
	if v.Token == "" {
		return ErrBadSignature
	}
	got := strings.TrimSpace(r.Header.Get("X-Webhook-Token"))
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(v.Token)) != 1 {
		return ErrBadSignature
	}
	return nil
}

// NoopVerifier accepts everything; config refuses it in production.
type NoopVerifier struct{}

func (NoopVerifier) Verify(*http.Request, []byte, StatusCallback) error { return nil }

package telephony

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Progress is the provider-agnostic meaning of a provider status string.
type Progress string

const (
	ProgressRinging   Progress = "ringing"
	ProgressAnswered  Progress = "answered"
	ProgressCompleted Progress = "completed"
	ProgressNoAnswer  Progress = "no_answer"
	ProgressFailed    Progress = "failed"
	ProgressUnknown   Progress = "unknown"
)

// MapProviderStatus folds Twilio/Exotel status vocabularies into Progress.
func MapProviderStatus(raw string) Progress {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", "-", " ", "-").Replace(s)
	switch s {
	case "queued", "initiated", "ringing":
		return ProgressRinging
	case "in-progress", "answered":
		return ProgressAnswered
	case "completed":
		return ProgressCompleted
	case "busy", "no-answer", "canceled", "cancelled":
		return ProgressNoAnswer
	case "failed":
		return ProgressFailed
	default:
		return ProgressUnknown
	}
}

// StatusCallback is the subset of a provider status notification we act on.
// Providers send application/x-www-form-urlencoded or JSON.
type StatusCallback struct {
	ProviderCallID  string
	Status          string
	RecordingURL    string
	DurationSeconds int
	CustomField     string

	// Form holds the flattened form fields for signature validation; nil for JSON.
	Form map[string]string
}

var ErrMissingCallID = errors.New("telephony: status callback without call id")

// ParseStatusCallback decodes body according to contentType.
func ParseStatusCallback(contentType string, body []byte) (StatusCallback, error) {
	mt, _, _ := mime.ParseMediaType(contentType)
	var (
		cb  StatusCallback
		err error
	)
	if mt == "application/json" {
		cb, err = parseJSONCallback(body)
	} else {
		cb, err = parseFormCallback(body)
	}
	if err != nil {
		return StatusCallback{}, err
	}
	if cb.ProviderCallID == "" {
		return cb, ErrMissingCallID
	}
	return cb, nil
}

func parseFormCallback(body []byte) (StatusCallback, error) {
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return StatusCallback{}, err
	}
	form := make(map[string]string, len(vals))
	for k := range vals {
		form[k] = vals.Get(k)
	}
	cb := StatusCallback{
		ProviderCallID: strings.TrimSpace(first(vals, "CallSid", "CallUUID", "call_sid")),
		Status:         first(vals, "CallStatus", "Status", "status"),
		RecordingURL:   first(vals, "RecordingUrl", "RecordingURL"),
		CustomField:    first(vals, "CustomField"),
		Form:           form,
	}
	cb.DurationSeconds, _ = strconv.Atoi(first(vals, "CallDuration", "ConversationDuration", "Duration"))
	return cb, nil
}

type jsonCallback struct {
	CallSid              string          `json:"CallSid"`
	Status               string          `json:"Status"`
	CallStatus           string          `json:"CallStatus"`
	RecordingURL         string          `json:"RecordingUrl"`
	ConversationDuration json.RawMessage `json:"ConversationDuration"`
	CustomField          string          `json:"CustomField"`
}

func parseJSONCallback(body []byte) (StatusCallback, error) {
	var j jsonCallback
	if err := json.Unmarshal(body, &j); err != nil {
		return StatusCallback{}, err
	}
	status := j.Status
	if status == "" {
		status = j.CallStatus
	}
	cb := StatusCallback{
		ProviderCallID: strings.TrimSpace(j.CallSid),
		Status:         status,
		RecordingURL:   j.RecordingURL,
		CustomField:    j.CustomField,
	}
	if len(j.ConversationDuration) > 0 {
		s := strings.Trim(string(j.ConversationDuration), `"`)
		cb.DurationSeconds, _ = strconv.Atoi(s)
	}
	return cb, nil
}

func first(vals url.Values, keys ...string) string {
	for _, k := range keys {
		if v := vals.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// RequestURL reconstructs the URL the provider signed. publicURL wins when set
// because proxies rewrite Host and scheme.
func RequestURL(r *http.Request, publicURL string) string {
	if publicURL != "" {
		u := strings.TrimRight(publicURL, "/")
		if r.URL.RawQuery != "" && !strings.Contains(u, "?") {
			u += "?" + r.URL.RawQuery
		}
		return u
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil && strings.HasPrefix(r.Host, "localhost") {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

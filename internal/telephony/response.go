package telephony

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"regexp"
	"strings"
)

// Providers answer an origination request with XML, JSON or plain text
// depending on endpoint suffix and account settings. ExtractCallID accepts all
// three and returns "" if no identifier can be found.

type xmlCallResponse struct {
	Sid  string `xml:"Sid"`
	Call struct {
		Sid string `xml:"Sid"`
	} `xml:"Call"`
}

var (
	plainSidPattern  = regexp.MustCompile(`(?i)\b(?:call_?sid|sid)\b\s*[:=]\s*"?([A-Za-z0-9_\-]+)`)
	plainOnlyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{6,64}$`)
)

var jsonSidKeys = []string{"sid", "call_sid", "callsid", "call_id", "callid"}

func ExtractCallID(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '<':
		var r xmlCallResponse
		if err := xml.Unmarshal(trimmed, &r); err == nil {
			if sid := strings.TrimSpace(r.Call.Sid); sid != "" {
				return sid
			}
			if sid := strings.TrimSpace(r.Sid); sid != "" {
				return sid
			}
		}
	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &m); err == nil {
			if sid := sidFromJSON(m); sid != "" {
				return sid
			}
		}
	}
	return sidFromText(string(trimmed))
}

func sidFromJSON(m map[string]json.RawMessage) string {
	lower := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		lower[strings.ToLower(k)] = v
	}
	for _, k := range jsonSidKeys {
		var s string
		if raw, ok := lower[k]; ok && json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if raw, ok := lower["call"]; ok {
		var nested map[string]json.RawMessage
		if json.Unmarshal(raw, &nested) == nil {
			return sidFromJSON(nested)
		}
	}
	return ""
}

func sidFromText(s string) string {
	if m := plainSidPattern.FindStringSubmatch(s); len(m) == 2 {
		return m[1]
	}
	// A bare status word like "Accepted" or "queued" is not an id.
	if plainOnlyPattern.MatchString(s) && strings.ContainsAny(s, "0123456789") {
		return s
	}
	return ""
}

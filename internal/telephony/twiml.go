package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlDial struct {
	XMLName  xml.Name  `xml:"Dial"`
	CallerID string    `xml:"callerId,attr,omitempty"`
	Record   string    `xml:"record,attr,omitempty"`
	Timeout  int       `xml:"timeout,attr,omitempty"`
	Number   string    `xml:"Number,omitempty"`
	Sip      *twimlSip `xml:"Sip,omitempty"`
}

type twimlSip struct {
	URI string `xml:",chardata"`
}

// Bridge describes the second leg of a click-to-call: once the agent leg is
// answered the provider dials Target.
type Bridge struct {
	Target   string
	CallerID string
	Record   bool
	// RingTimeoutSeconds is how long the lead leg rings; 0 keeps the provider default.
	RingTimeoutSeconds int
}

// RenderBridgeTwiML renders the <Dial> document for b.
func RenderBridgeTwiML(b Bridge) (string, error) {
	target := strings.TrimSpace(b.Target)
	if target == "" {
		return "", errors.New("telephony: bridge target required")
	}
	d := twimlDial{CallerID: b.CallerID, Timeout: b.RingTimeoutSeconds}
	if b.Record {
		d.Record = "record-from-answer"
	}
	// Prefer SIP if it looks like sip:... otherwise treat as a PSTN number.
	if strings.HasPrefix(strings.ToLower(target), "sip:") {
		d.Sip = &twimlSip{URI: target}
	} else {
		d.Number = target
	}

	r := twimlResponse{Verbs: []any{d}}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

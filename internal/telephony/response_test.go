package telephony

import (
	"strings"
	"testing"
	"time"
)

func TestExtractCallID(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"xml", `<?xml version="1.0"?><TwilioResponse><Call><Sid>b6cfaf0ee0c5</Sid><Status>in-progress</Status></Call></TwilioResponse>`, "b6cfaf0ee0c5"},
		{"xml top-level sid", `<Response><Sid>CA42</Sid></Response>`, "CA42"},
		{"json nested", `{"Call":{"Sid":"abc123","Status":"queued"}}`, "abc123"},
		{"json flat", `{"call_sid":"CA9f"}`, "CA9f"},
		{"json case", `{"SID":"XYZ"}`, "XYZ"},
		{"plain key value", "status=ok sid=CA77aa", "CA77aa"},
		{"plain token", "  CA1234567890  ", "CA1234567890"},
		{"empty", "", ""},
		{"plain status word", "Accepted", ""},
		{"plain queued", "queued", ""},
		{"plain success", " success\n", ""},
		{"json without id", `{"status":"ok"}`, ""},
		{"html error page", "<html><body>gateway error</body></html>", ""},
	}
	for _, tc := range cases {
		if got := ExtractCallID([]byte(tc.body)); got != tc.want {
			t.Fatalf("%s: ExtractCallID = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestPlaceholderCallID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	got := PlaceholderCallID(at, "c-1")
	if got != "temp_1700000000123_c-1" {
		t.Fatalf("unexpected placeholder %q", got)
	}
	if !strings.HasPrefix(got, "temp_") {
		t.Fatalf("placeholder must be recognisable")
	}
}

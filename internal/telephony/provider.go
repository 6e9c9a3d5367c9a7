package telephony

import (
	"context"
	"fmt"
	"time"
)

// Gateway places outbound calls through an external telephony provider.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Implementations must bound every provider round trip with a timeout.
// - Request/response types stay provider-agnostic.
type Gateway interface {
	Name() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
}

// PlaceCallRequest is one origination request. From and To are already
// normalized (see Normalizer).
type PlaceCallRequest struct {
	// CallID is the internal call id; it is echoed to the provider as a custom
	// field and used to build placeholder identifiers.
	CallID string `json:"call_id"`

	From string `json:"from"`
	To   string `json:"to"`

	// CallerID overrides the configured caller id (virtual number) if set.
	CallerID string `json:"caller_id,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

type PlaceCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
	// Synthesized is true when the provider response carried no usable id and
	// ProviderCallID is a local placeholder.
	Synthesized bool `json:"synthesized"`
}

// GatewayError reports a network failure, a rejected request, or a non-2xx
// response outside the gateway's allow-list.
type GatewayError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("telephony: %s request failed: %v", e.Provider, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("telephony: %s responded %d: %s", e.Provider, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("telephony: %s rejected the call", e.Provider)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// PlaceholderCallID builds the degraded-mode correlation key used when the
// provider response has no identifier: temp_<unix millis>_<internal call id>.
func PlaceholderCallID(now time.Time, callID string) string {
	return fmt.Sprintf("temp_%d_%s", now.UnixMilli(), callID)
}

const maxErrorBody = 512

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}

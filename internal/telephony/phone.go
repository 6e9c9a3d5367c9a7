package telephony

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidNumber = errors.New("telephony: invalid phone number")

// Normalizer converts user-entered numbers into the provider's canonical
// form: a single country-code prefix followed by the national number, digits
// only (e.g. "+91 98765 43210" -> "919876543210").
type Normalizer struct {
	CountryCode    string
	NationalLength int
}

// DefaultNormalizer targets Indian mobile numbers.
func DefaultNormalizer() Normalizer {
	return Normalizer{CountryCode: "91", NationalLength: 10}
}

func (n Normalizer) withDefaults() Normalizer {
	out := n
	if out.CountryCode == "" {
		out.CountryCode = "91"
	}
	if out.NationalLength <= 0 {
		out.NationalLength = 10
	}
	return out
}

// Normalize strips non-digits, international/trunk zeros and a duplicated
// country prefix, then enforces exactly one country-code prefix.
func (n Normalizer) Normalize(raw string) (string, error) {
	n = n.withDefaults()
	cc, natLen := n.CountryCode, n.NationalLength

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := strings.TrimLeft(b.String(), "0")
	if d == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}

	for strings.HasPrefix(d, cc+cc) && len(d) > len(cc)+natLen {
		d = d[len(cc):]
	}
	// "+91 0 98765 43210": trunk zero after the country code.
	if strings.HasPrefix(d, cc) && len(d) > len(cc)+natLen {
		d = cc + strings.TrimLeft(d[len(cc):], "0")
	}

	switch {
	case len(d) == natLen:
		return cc + d, nil
	case len(d) == len(cc)+natLen && strings.HasPrefix(d, cc):
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
}

package dispatch

import (
	"strings"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
)

// MinPhoneDigits is the shortest accepted number (area code + 8 digits).
const MinPhoneDigits = 10

// ExtractPhone returns the digits of the associate's mobile number, falling
// back to the landline when the mobile is missing or too short.
func ExtractPhone(a event.Associate) (string, error) {
	for _, raw := range []string{a.Mobile, a.Landline} {
		if d := digitsOnly(raw); len(d) >= MinPhoneDigits {
			return d, nil
		}
	}
	return "", ErrNoPhoneNumber
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

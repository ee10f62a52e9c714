package provider

import "strings"

// maxLocalDigits is the longest number still considered local-format
// (Brazilian mobile numbers are up to 11 digits without country code).
const maxLocalDigits = 11

// NormalizePhone reduces a recipient address to bare digits with a
// country prefix. JID suffixes and formatting characters are stripped;
// numbers short enough to be local-format get the default country code
// prepended. This is a deliberately lossy, locale-specific policy, not
// a general phone parser.
func NormalizePhone(phone, countryCode string) string {
	cleaned := phone
	cleaned = strings.TrimSuffix(cleaned, "@c.us")
	cleaned = strings.TrimSuffix(cleaned, "@s.whatsapp.net")

	// A leading + implies the country code is already present; the sign
	// itself is dropped along with every other non-digit.
	var b strings.Builder
	for _, r := range cleaned {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned = b.String()

	if countryCode != "" && !strings.HasPrefix(cleaned, countryCode) && len(cleaned) <= maxLocalDigits {
		cleaned = countryCode + cleaned
	}

	return cleaned
}

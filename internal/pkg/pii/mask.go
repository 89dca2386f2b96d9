package pii

import "strings"

// MaskEmail hides the local part of an address for logging:
// "jo.doe@example.com" becomes "jo***@example.com". Values without a domain
// are fully masked.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return "***"
	}

	local, domain := email[:at], email[at+1:]
	runes := []rune(local)
	if len(runes) <= 2 {
		return "***@" + domain
	}
	return string(runes[:2]) + "***@" + domain
}

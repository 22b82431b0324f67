package accounts

import (
	"regexp"
	"strings"
)

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validAccountID(id string) bool {
	return accountIDPattern.MatchString(id)
}

// userJID drops the device part of a JID ("919876543210:12@s.whatsapp.net" ->
// "919876543210@s.whatsapp.net"), so a re-paired phone keeps one history entry.
func userJID(jid string) string {
	at := strings.IndexByte(jid, '@')
	if at < 0 {
		return jid
	}
	user, server := jid[:at], jid[at:]
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user + server
}

// NormalizePhone turns a JID ("919876543210:12@s.whatsapp.net") or a dialled
// number into bare digits. Ten-digit local numbers get countryCode prepended
// when countryCode is set.
func NormalizePhone(jid, countryCode string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, '.'); i >= 0 {
		user = user[:i]
	}
	digits := sanitizePhone(user)
	if len(digits) == 10 && countryCode != "" {
		digits = countryCode + digits
	}
	return digits
}

func sanitizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// formatPairingCode renders an 8 character code as XXXX-XXXX.
func formatPairingCode(code string) string {
	if len(code) == 8 {
		return code[:4] + "-" + code[4:]
	}
	return code
}

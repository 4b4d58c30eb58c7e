package platform

import (
	"errors"
	"strings"
)

const (
	primarySuffix   = "@c.us"
	legacySuffix    = "@s.whatsapp.net"
	broadcastStatus = "status@broadcast"
)

// StripAddress reduces a platform address to the bare user id:
// "5511999@c.us", "5511999:12@s.whatsapp.net" and "5511999@lid" all
// become "5511999".
func StripAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// IsStatusBroadcast reports whether addr is the status/story pseudo chat.
func IsStatusBroadcast(addr string) bool {
	return strings.EqualFold(strings.TrimSpace(addr), broadcastStatus)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PrimaryAddress normalizes a phone number or address into the primary
// user address format. Group addresses pass through unchanged.
func PrimaryAddress(to string) string {
	to = strings.TrimSpace(to)
	if strings.HasSuffix(to, "@g.us") {
		return to
	}
	return digitsOnly(StripAddress(to)) + primarySuffix
}

// LegacyAddress is the secondary address format accepted by older sessions.
func LegacyAddress(to string) string {
	to = strings.TrimSpace(to)
	if strings.HasSuffix(to, "@g.us") {
		return to
	}
	return digitsOnly(StripAddress(to)) + legacySuffix
}

// legacyFormatSignatures are driver error fragments that mean the address
// format was rejected. Matching on text is brittle: a wording change in the
// driver silently disables the fallback. Drivers should return
// ErrUnknownRecipientFormat instead; these remain for drivers that don't.
var legacyFormatSignatures = []string{
	"no lid for user",
	"invalid wid",
	"wid error",
}

// IsUnknownRecipientFormat classifies a send error.
func IsUnknownRecipientFormat(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownRecipientFormat) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range legacyFormatSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Package jid handles network addresses of the form user[:device]@server.
package jid

import "strings"

const (
	// GroupServer is the server part of group addresses.
	GroupServer = "g.us"
	// StatusBroadcast is the pseudo-chat that carries status updates.
	StatusBroadcast = "status@broadcast"
)

// Split returns the user (without device suffix) and server parts.
func Split(addr string) (user, server string) {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return stripDevice(addr), ""
	}
	return stripDevice(addr[:at]), addr[at+1:]
}

func stripDevice(user string) string {
	if i := strings.IndexByte(user, ':'); i >= 0 {
		return user[:i]
	}
	return user
}

// Normalize drops the device suffix: "123:4@s.whatsapp.net" -> "123@s.whatsapp.net".
func Normalize(addr string) string {
	if addr == "" {
		return ""
	}
	user, server := Split(addr)
	if server == "" {
		return user
	}
	return user + "@" + server
}

// SameUser reports whether a and b address the same account, ignoring devices.
func SameUser(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ua, sa := Split(a)
	ub, sb := Split(b)
	return ua == ub && sa == sb
}

// IsGroup reports whether addr is a group chat.
func IsGroup(addr string) bool {
	return strings.HasSuffix(addr, "@"+GroupServer)
}

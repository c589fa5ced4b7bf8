// Package endpoint maps a deployment mode to the chat server URL.
package endpoint

import (
	"strings"
)

type Mode int

const (
	ModeLocal  Mode = 1
	ModeLAN    Mode = 2
	ModeRemote Mode = 3
)

const (
	LocalURL  = "http://localhost:10000"
	RemoteURL = "https://evm-realtimechat-server.onrender.com"

	lanPort = "10000"
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeLAN:
		return "lan"
	case ModeRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ParseMode accepts the numeric form used by DEV_STATUS or a mode name.
// Unknown input yields ModeLocal.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "local":
		return ModeLocal
	case "2", "lan":
		return ModeLAN
	case "3", "remote", "prod":
		return ModeRemote
	default:
		return ModeLocal
	}
}

// Resolve returns the server URL for mode. It never returns a URL with an
// empty host: ModeLAN without lanIP, and unknown modes, fall back to LocalURL.
func Resolve(mode Mode, lanIP string) string {
	switch mode {
	case ModeLAN:
		host := strings.TrimSpace(lanIP)
		if host == "" {
			return LocalURL
		}
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			// bare IPv6 literal
			host = "[" + host + "]"
		}
		return "http://" + host + ":" + lanPort
	case ModeRemote:
		return RemoteURL
	default:
		return LocalURL
	}
}
